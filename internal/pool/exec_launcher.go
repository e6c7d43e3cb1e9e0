package pool

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// ExecLauncher spawns the worker binary as a child process and speaks
// the framed protocol over its stdin/stdout. Stderr is inherited so
// worker-side operational logs land in the daemon's stream.
type ExecLauncher struct {
	// Binary is the worker executable path.
	Binary string
	// Args are passed verbatim; the worker id is appended as
	// --worker-id.
	Args []string
	// Env entries are appended to the child environment.
	Env []string
}

func (l *ExecLauncher) Launch(ctx context.Context, workerID string) (Handle, error) {
	args := append(append([]string(nil), l.Args...), "--worker-id", workerID)
	cmd := exec.Command(l.Binary, args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("launch worker %s: %w", workerID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("launch worker %s: %w", workerID, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch worker %s: %w", workerID, err)
	}

	h := &execHandle{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		done:   make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.exitCode = cmd.ProcessState.ExitCode()
		if err != nil && h.exitCode == 0 {
			h.exitCode = -1
		}
		h.mu.Unlock()
		close(h.done)
	}()
	return h, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	done   chan struct{}

	mu       sync.Mutex
	exitCode int
}

func (h *execHandle) Read(p []byte) (int, error)  { return h.stdout.Read(p) }
func (h *execHandle) Write(p []byte) (int, error) { return h.stdin.Write(p) }

func (h *execHandle) Terminate() error {
	return h.cmd.Process.Signal(syscall.SIGTERM)
}

func (h *execHandle) Kill() error {
	return h.cmd.Process.Kill()
}

func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

func (h *execHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

var _ Launcher = (*ExecLauncher)(nil)
