package pool

import (
	"context"
	"net"
	"sync"

	"github.com/kestrelhq/kestrel/internal/worker"
)

// LocalLauncher runs the worker loop in-process over a synchronous
// pipe. Terminate cancels the worker's context (the SIGTERM analogue);
// Kill additionally severs the pipe.
type LocalLauncher struct {
	Runtime     worker.Runtime
	Source      worker.ModuleSource
	SystemAllow []string
}

func (l *LocalLauncher) Launch(_ context.Context, workerID string) (Handle, error) {
	parentEnd, workerEnd := net.Pipe()
	serveCtx, cancel := context.WithCancel(context.Background())

	h := &localHandle{
		conn:   parentEnd,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	res := worker.NewResolver(l.Source, l.SystemAllow)
	go func() {
		_ = worker.Serve(serveCtx, workerEnd, l.Runtime, res, worker.ServeOptions{
			WorkerID: workerID,
			Reusable: true,
		})
		workerEnd.Close()
		h.mu.Lock()
		if h.killed {
			h.exitCode = -1
		}
		h.mu.Unlock()
		close(h.done)
	}()
	return h, nil
}

type localHandle struct {
	conn   net.Conn
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	killed   bool
	exitCode int
}

func (h *localHandle) Read(p []byte) (int, error)  { return h.conn.Read(p) }
func (h *localHandle) Write(p []byte) (int, error) { return h.conn.Write(p) }

func (h *localHandle) Terminate() error {
	h.cancel()
	return nil
}

func (h *localHandle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	h.cancel()
	return h.conn.Close()
}

func (h *localHandle) Done() <-chan struct{} { return h.done }

func (h *localHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

func (h *localHandle) PID() int { return 0 }

var _ Launcher = (*LocalLauncher)(nil)
