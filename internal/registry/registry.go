// Package registry is the durable record of runs: the status machine,
// outcomes and resource accounting, the ordered per-run log table, and
// the scheduler's cron and delayed-run catalogs.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/kestrelhq/kestrel/internal/domain"
)

// ErrRunNotFound is returned when no run exists for an id.
var ErrRunNotFound = errors.New("registry: run not found")

// RunOutcome is the terminal write for a run.
type RunOutcome struct {
	Status       domain.RunStatus
	Result       json.RawMessage
	ErrorKind    domain.ErrorKind
	ErrorMessage string
	Usage        domain.ResourceUsage
	LogTruncated bool
}

// TransitionOption attaches side effects to a status transition.
type TransitionOption func(*transitionParams)

type transitionParams struct {
	poolID       string
	cancelReason string
}

// WithPoolID records the executing pool on the Running transition.
func WithPoolID(id string) TransitionOption {
	return func(p *transitionParams) { p.poolID = id }
}

// WithCancelReason records why a run entered Cancelling or Cancelled.
func WithCancelReason(reason string) TransitionOption {
	return func(p *transitionParams) { p.cancelReason = reason }
}

func applyTransitionOptions(opts []TransitionOption) transitionParams {
	var p transitionParams
	for _, o := range opts {
		o(&p)
	}
	return p
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Org      domain.OrgScope
	Statuses []domain.RunStatus
	Limit    int
}

// CronTrigger is one scheduled workflow.
type CronTrigger struct {
	ID         string          `json:"id"`
	Org        domain.OrgScope `json:"org"`
	Target     domain.Target   `json:"target"`
	Expression string          `json:"expression"`
	Inputs     json.RawMessage `json:"inputs,omitempty"`
	Enabled    bool            `json:"enabled"`
	LastRunAt  *time.Time      `json:"last_run_at,omitempty"`
}

// DelayedRun is a "run at T" submission awaiting its due time.
type DelayedRun struct {
	RunID  string          `json:"run_id"`
	Org    domain.OrgScope `json:"org"`
	Target domain.Target   `json:"target"`
	Inputs json.RawMessage `json:"inputs,omitempty"`
	DueAt  time.Time       `json:"due_at"`
}

// Registry stores runs and their logs.
//
// TransitionStatus enforces the status machine: transitions out of a
// terminal state return (false, nil) — the first terminal write wins —
// and any other violation is a classified IllegalTransition error.
type Registry interface {
	Create(ctx context.Context, run *domain.Run) error
	Get(ctx context.Context, runID string) (*domain.Run, error)
	List(ctx context.Context, filter ListFilter) ([]*domain.Run, error)

	TransitionStatus(ctx context.Context, runID string, to domain.RunStatus, opts ...TransitionOption) (bool, error)

	// Requeue returns a Running run to Pending after its pool refused
	// the submission, clearing the pool assignment so a redelivery can
	// start it again. Runs in any other status are left untouched and
	// reported with changed=false.
	Requeue(ctx context.Context, runID string) (bool, error)

	// RecordOutcome writes the terminal state, result or error, and
	// resource accounting. A run already terminal is left untouched and
	// reported with changed=false.
	RecordOutcome(ctx context.Context, runID string, out *RunOutcome) (bool, error)

	// AppendLogs persists a batch for one run. Sequences must be
	// strictly increasing within the run; a batch violating that is
	// rejected whole.
	AppendLogs(ctx context.Context, runID string, records []domain.LogRecord) error

	// Logs returns persisted records with sequence > afterSeq, in
	// order, up to limit (0 = no limit).
	Logs(ctx context.Context, runID string, afterSeq uint64, limit int) ([]domain.LogRecord, error)

	// LogHighWatermark returns the highest persisted sequence for the
	// run, zero when none.
	LogHighWatermark(ctx context.Context, runID string) (uint64, error)

	// MarkLogTruncated flags the run's log stream as truncated.
	MarkLogTruncated(ctx context.Context, runID string) error

	// CancelRequest moves Pending directly to Cancelled and Running to
	// Cancelling, returning the status the run had before the request.
	CancelRequest(ctx context.Context, runID, reason string) (domain.RunStatus, error)

	// Scheduler catalogs.
	PutCronTrigger(ctx context.Context, trig *CronTrigger) error
	ListCronTriggers(ctx context.Context) ([]*CronTrigger, error)
	CreateDelayedRun(ctx context.Context, d *DelayedRun) error

	// TakeDueDelayedRuns claims the delayed runs whose due time has
	// passed, pushing each claim's due time forward by retry. A claim
	// the sweeper never settles is handed out again once the retry
	// window passes, so a crash between the claim and the enqueue does
	// not lose the run.
	TakeDueDelayedRuns(ctx context.Context, now time.Time, retry time.Duration) ([]*DelayedRun, error)

	// DeleteDelayedRun settles a claimed delayed run after its enqueue
	// landed (or the run turned out cancelled or gone).
	DeleteDelayedRun(ctx context.Context, runID string) error
}

// illegalTransition builds the classified error for a rejected
// transition.
func illegalTransition(runID string, from, to domain.RunStatus) error {
	return domain.NewError(domain.KindIllegalTransition,
		"run %s: %s -> %s", runID, from, to)
}
