package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a run. Transitions are restricted
// to the legal set below; anything else is an illegal transition.
type RunStatus string

const (
	StatusPending             RunStatus = "pending"
	StatusRunning             RunStatus = "running"
	StatusSuccess             RunStatus = "success"
	StatusFailed              RunStatus = "failed"
	StatusCompletedWithErrors RunStatus = "completed_with_errors"
	StatusTimeout             RunStatus = "timeout"
	StatusCancelling          RunStatus = "cancelling"
	StatusCancelled           RunStatus = "cancelled"
)

// Pending -> Failed covers runs that never start: dead-lettered
// messages and expired submissions.
var legalTransitions = map[RunStatus][]RunStatus{
	StatusPending: {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {StatusSuccess, StatusFailed, StatusCompletedWithErrors,
		StatusTimeout, StatusCancelling},
	StatusCancelling: {StatusCancelled, StatusSuccess, StatusFailed,
		StatusCompletedWithErrors, StatusTimeout},
}

// CanTransition reports whether from -> to is a legal status transition.
func CanTransition(from, to RunStatus) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCompletedWithErrors,
		StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s RunStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed,
		StatusCompletedWithErrors, StatusTimeout, StatusCancelling,
		StatusCancelled:
		return true
	}
	return false
}

// TargetKind says what a run executes.
type TargetKind string

const (
	TargetWorkflow TargetKind = "workflow"
	TargetModule   TargetKind = "module"
	TargetInline   TargetKind = "inline"
)

// Target identifies the code a run executes: a stored workflow or module
// by path, or an inline source snippet.
type Target struct {
	Kind TargetKind `json:"kind"`
	Path string     `json:"path,omitempty"`
	Code string     `json:"code,omitempty"`
}

// Validate checks that the target is well formed for its kind.
func (t Target) Validate() error {
	switch t.Kind {
	case TargetWorkflow, TargetModule:
		if t.Path == "" {
			return fmt.Errorf("target %s: path is required", t.Kind)
		}
	case TargetInline:
		if t.Code == "" {
			return fmt.Errorf("target inline: code is required")
		}
	default:
		return fmt.Errorf("target: unknown kind %q", t.Kind)
	}
	return nil
}

// ResourceUsage is the resource accounting recorded for a completed run.
type ResourceUsage struct {
	PeakMemoryBytes uint64  `json:"peak_memory_bytes,omitempty"`
	CPUSeconds      float64 `json:"cpu_seconds,omitempty"`
	DurationMS      int64   `json:"duration_ms,omitempty"`
	AITokens        int64   `json:"ai_tokens,omitempty"`
}

// Run is a single execution request and its recorded outcome.
type Run struct {
	ID          string          `json:"id"`
	Org         OrgScope        `json:"org"`
	Target      Target          `json:"target"`
	RequesterID string          `json:"requester_id,omitempty"`
	Inputs      json.RawMessage `json:"inputs,omitempty"`
	// InputsID references an out-of-band blob when the inputs exceeded
	// the inline size cap.
	InputsID string `json:"inputs_id,omitempty"`

	Status RunStatus `json:"status"`
	// PoolID is the pool executing the run, set on the transition to
	// Running. The stuck-run sweep checks its heartbeat.
	PoolID       string          `json:"pool_id,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorKind    ErrorKind       `json:"error_kind,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Usage        ResourceUsage   `json:"usage,omitempty"`
	CancelReason string          `json:"cancel_reason,omitempty"`
	LogTruncated bool            `json:"log_truncated,omitempty"`

	EnqueuedAt  time.Time  `json:"enqueued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewRun creates a pending run with a fresh id for the given target.
func NewRun(org OrgScope, target Target, inputs json.RawMessage) *Run {
	return &Run{
		ID:         uuid.New().String(),
		Org:        org,
		Target:     target,
		Inputs:     inputs,
		Status:     StatusPending,
		EnqueuedAt: time.Now().UTC(),
	}
}

// LogSeverity grades a log record.
type LogSeverity string

const (
	SeverityDebug LogSeverity = "debug"
	SeverityInfo  LogSeverity = "info"
	SeverityWarn  LogSeverity = "warn"
	SeverityError LogSeverity = "error"
)

// LogSource says which side of the run emitted a record.
type LogSource string

const (
	SourceUser   LogSource = "user"
	SourceEngine LogSource = "engine"
)

// LogRecord is one entry in a run's ordered log stream. Sequence is
// assigned by the engine, starts at 1, and is gap-free per run.
type LogRecord struct {
	RunID     string          `json:"run_id"`
	Sequence  uint64          `json:"seq"`
	Severity  LogSeverity     `json:"severity"`
	Source    LogSource       `json:"source"`
	Timestamp time.Time       `json:"ts"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
}
