package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelhq/kestrel/internal/domain"
	"github.com/kestrelhq/kestrel/internal/logging"
	"github.com/kestrelhq/kestrel/internal/observability"
	"github.com/kestrelhq/kestrel/internal/queue"
	"github.com/kestrelhq/kestrel/internal/registry"
)

// SubmitOptions carry per-submission knobs.
type SubmitOptions struct {
	RequesterID        string
	Priority           int
	DeadlineOverrideMS int64
	MemoryLimitBytes   uint64
	TraceParent        string
	// RunAt defers execution; a zero time runs immediately.
	RunAt time.Time
}

// Submit registers a run and enqueues it. Inputs past the inline cap
// are stored out of band and referenced by id. Submissions with a
// future RunAt land in the delayed-run table; the scheduler enqueues
// them when due.
func (d *Dispatcher) Submit(ctx context.Context, org domain.OrgScope, target domain.Target, inputs json.RawMessage, opts SubmitOptions) (*domain.Run, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}

	run := domain.NewRun(org, target, inputs)
	run.RequesterID = opts.RequesterID

	if len(inputs) > d.cfg.InlineInputsCap {
		id := uuid.New().String()
		if err := d.blobs.Put(ctx, id, inputs); err != nil {
			return nil, fmt.Errorf("store inputs for run %s: %w", run.ID, err)
		}
		run.InputsID = id
		run.Inputs = nil
	}

	if err := d.reg.Create(ctx, run); err != nil {
		return nil, err
	}

	if !opts.RunAt.IsZero() && opts.RunAt.After(time.Now()) {
		err := d.reg.CreateDelayedRun(ctx, &registry.DelayedRun{
			RunID:  run.ID,
			Org:    org,
			Target: target,
			Inputs: run.Inputs,
			DueAt:  opts.RunAt.UTC(),
		})
		if err != nil {
			return nil, err
		}
		return run, nil
	}

	if err := d.Enqueue(ctx, run, opts); err != nil {
		return nil, err
	}
	return run, nil
}

// Enqueue publishes an already-registered run onto the queue and wakes
// a consumer. The submitter's trace context rides along so the
// execution spans parent under the submission.
func (d *Dispatcher) Enqueue(ctx context.Context, run *domain.Run, opts SubmitOptions) error {
	if opts.TraceParent == "" {
		opts.TraceParent = observability.TraceParent(ctx)
	}
	msg := &queue.Message{
		RunID:              run.ID,
		Org:                run.Org,
		RequesterID:        run.RequesterID,
		Target:             run.Target,
		Inputs:             run.Inputs,
		InputsID:           run.InputsID,
		DeadlineOverrideMS: opts.DeadlineOverrideMS,
		MemoryLimitBytes:   opts.MemoryLimitBytes,
		Priority:           opts.Priority,
		TraceParent:        opts.TraceParent,
		EnqueuedAt:         time.Now().UTC(),
	}
	if err := d.q.Publish(ctx, msg, 0); err != nil {
		return fmt.Errorf("enqueue run %s: %w", run.ID, err)
	}
	if err := d.notifier.Notify(ctx); err != nil {
		logging.Op().Debug("queue wake notification failed", "error", err)
	}
	return nil
}

// CancelRun requests cancellation. A pending run cancels immediately; a
// running run moves to Cancelling and the pool delivers a cooperative
// cancel. Terminal runs are left alone.
func (d *Dispatcher) CancelRun(ctx context.Context, runID, reason string) error {
	prior, err := d.reg.CancelRequest(ctx, runID, reason)
	if err != nil {
		return err
	}
	switch prior {
	case domain.StatusPending:
		// Never picked up; drop the queued message and announce.
		d.ack(ctx, runID)
		d.mux.PublishTerminal(ctx, runID, domain.StatusCancelled, domain.KindCancelled, reason)
	case domain.StatusRunning:
		d.mux.PublishStatus(ctx, runID, domain.StatusCancelling)
		if d.exec.Cancel(runID, reason) {
			return nil
		}
		// Not on this instance's pool; signal whichever instance owns it.
		if d.ps != nil {
			payload, _ := json.Marshal(CancelSignal{RunID: runID, Reason: reason})
			if err := d.ps.Publish(ctx, CancelChannel, payload); err != nil {
				logging.Op().Warn("cancel signal publish failed", "run_id", runID, "error", err)
			}
		}
	}
	return nil
}
