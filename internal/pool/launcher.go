// Package pool owns the worker processes of one engine instance. It
// assigns runs to idle workers, enforces deadlines and memory limits
// with staged escalation, replaces crashed workers, and applies
// backpressure when its internal queue grows past a watermark.
package pool

import (
	"context"
	"io"
)

// Handle is the pool's grip on one worker process: the framed pipe plus
// the termination controls used during escalation.
type Handle interface {
	io.ReadWriter

	// Terminate delivers the platform's graceful stop (SIGTERM).
	Terminate() error
	// Kill forcibly ends the process (SIGKILL).
	Kill() error
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// ExitCode is valid once Done is closed.
	ExitCode() int
	// PID identifies the OS process, zero for in-process workers.
	PID() int
}

// Launcher spawns worker processes. The exec launcher starts the real
// worker binary; the local launcher runs the worker loop in-process for
// tests and single-binary development mode.
type Launcher interface {
	Launch(ctx context.Context, workerID string) (Handle, error)
}
