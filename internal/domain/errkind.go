package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed classification attached to every failed run
// and to every Error event on a run's stream. New kinds are additive;
// consumers must tolerate unknown kinds.
type ErrorKind string

const (
	// KindUserCodeFailure is an unhandled exception raised by the
	// executed code itself.
	KindUserCodeFailure ErrorKind = "user_code_failure"
	// KindTimeout means the run exceeded its execution deadline.
	KindTimeout ErrorKind = "timeout"
	// KindMemoryLimit means the worker exceeded its memory budget.
	KindMemoryLimit ErrorKind = "memory_limit"
	// KindCancelled means the run was cancelled on request.
	KindCancelled ErrorKind = "cancelled"
	// KindWorkerCrashed means the worker process exited unexpectedly
	// while a run was assigned to it.
	KindWorkerCrashed ErrorKind = "worker_crashed"
	// KindWorkerLost means the engine instance executing the run stopped
	// heartbeating; the run's true outcome is unknown.
	KindWorkerLost ErrorKind = "worker_lost"
	// KindImportDenied means the code attempted to load a module outside
	// the permitted set.
	KindImportDenied ErrorKind = "import_denied"
	// KindOverloaded means the engine refused admission under load. The
	// only retryable kind.
	KindOverloaded ErrorKind = "overloaded"
	// KindLogPersistenceDegraded flags that some of a run's log records
	// could not be durably written.
	KindLogPersistenceDegraded ErrorKind = "log_persistence_degraded"
	// KindUndeliverable means the run exhausted its redelivery budget
	// without reaching a worker.
	KindUndeliverable ErrorKind = "undeliverable"
	// KindIllegalTransition is a rejected run-status transition.
	KindIllegalTransition ErrorKind = "illegal_transition"
)

// Retryable reports whether a caller may safely resubmit after seeing
// this kind. Only admission-control rejections qualify.
func (k ErrorKind) Retryable() bool { return k == KindOverloaded }

// TerminalStatus maps an error kind to the run status it terminates with.
func (k ErrorKind) TerminalStatus() RunStatus {
	switch k {
	case KindTimeout:
		return StatusTimeout
	case KindCancelled:
		return StatusCancelled
	default:
		return StatusFailed
	}
}

// Error is a classified engine error. It wraps the kind together with a
// human-readable message and, when originating in executed code, the
// traceback and process exit code.
type Error struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Traceback string    `json:"traceback,omitempty"`
	ExitCode  int       `json:"exit_code,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds a classified error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Classify extracts the ErrorKind from err, or returns fallback when err
// carries no classification.
func Classify(err error, fallback ErrorKind) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return fallback
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
