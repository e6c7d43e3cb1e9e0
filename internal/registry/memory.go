package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kestrelhq/kestrel/internal/domain"
)

// MemoryRegistry backs unit tests and single-node development mode.
type MemoryRegistry struct {
	mu      sync.Mutex
	runs    map[string]*domain.Run
	logs    map[string][]domain.LogRecord
	crons   map[string]*CronTrigger
	delayed map[string]*DelayedRun
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		runs:    make(map[string]*domain.Run),
		logs:    make(map[string][]domain.LogRecord),
		crons:   make(map[string]*CronTrigger),
		delayed: make(map[string]*DelayedRun),
	}
}

func (r *MemoryRegistry) Create(_ context.Context, run *domain.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *run
	r.runs[run.ID] = &cp
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, runID string) (*domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (r *MemoryRegistry) List(_ context.Context, filter ListFilter) ([]*domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Run
	for _, run := range r.runs {
		if filter.Org != domain.GlobalScope && run.Org != filter.Org {
			continue
		}
		if len(filter.Statuses) > 0 {
			match := false
			for _, s := range filter.Statuses {
				if run.Status == s {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *MemoryRegistry) TransitionStatus(_ context.Context, runID string, to domain.RunStatus, opts ...TransitionOption) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(runID, to, applyTransitionOptions(opts))
}

func (r *MemoryRegistry) transitionLocked(runID string, to domain.RunStatus, p transitionParams) (bool, error) {
	run, ok := r.runs[runID]
	if !ok {
		return false, ErrRunNotFound
	}
	if run.Status.IsTerminal() {
		// First terminal write wins.
		return false, nil
	}
	if !domain.CanTransition(run.Status, to) {
		return false, illegalTransition(runID, run.Status, to)
	}
	run.Status = to
	now := time.Now().UTC()
	if to == domain.StatusRunning {
		run.StartedAt = &now
		run.PoolID = p.poolID
	}
	if p.cancelReason != "" {
		run.CancelReason = p.cancelReason
	}
	if to.IsTerminal() {
		run.CompletedAt = &now
	}
	return true, nil
}

func (r *MemoryRegistry) Requeue(_ context.Context, runID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return false, ErrRunNotFound
	}
	if run.Status != domain.StatusRunning {
		return false, nil
	}
	run.Status = domain.StatusPending
	run.PoolID = ""
	run.StartedAt = nil
	return true, nil
}

func (r *MemoryRegistry) RecordOutcome(_ context.Context, runID string, out *RunOutcome) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed, err := r.transitionLocked(runID, out.Status, transitionParams{})
	if err != nil || !changed {
		return changed, err
	}
	run := r.runs[runID]
	run.Result = out.Result
	run.ErrorKind = out.ErrorKind
	run.ErrorMessage = out.ErrorMessage
	run.Usage = out.Usage
	if out.LogTruncated {
		run.LogTruncated = true
	}
	return true, nil
}

func (r *MemoryRegistry) AppendLogs(_ context.Context, runID string, records []domain.LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.logs[runID]
	last := uint64(0)
	if n := len(existing); n > 0 {
		last = existing[n-1].Sequence
	}
	for _, rec := range records {
		if rec.Sequence <= last {
			return domain.NewError(domain.KindIllegalTransition,
				"run %s: log sequence %d not after %d", runID, rec.Sequence, last)
		}
		last = rec.Sequence
	}
	r.logs[runID] = append(existing, records...)
	return nil
}

func (r *MemoryRegistry) Logs(_ context.Context, runID string, afterSeq uint64, limit int) ([]domain.LogRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.LogRecord
	for _, rec := range r.logs[runID] {
		if rec.Sequence > afterSeq {
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *MemoryRegistry) LogHighWatermark(_ context.Context, runID string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	recs := r.logs[runID]
	if len(recs) == 0 {
		return 0, nil
	}
	return recs[len(recs)-1].Sequence, nil
}

func (r *MemoryRegistry) MarkLogTruncated(_ context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[runID]; ok {
		run.LogTruncated = true
	}
	return nil
}

func (r *MemoryRegistry) CancelRequest(_ context.Context, runID, reason string) (domain.RunStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return "", ErrRunNotFound
	}
	// run is the live record; transitioning mutates it, so the prior
	// status must be captured before the switch.
	prior := run.Status
	switch prior {
	case domain.StatusPending:
		if _, err := r.transitionLocked(runID, domain.StatusCancelled, transitionParams{cancelReason: reason}); err != nil {
			return prior, err
		}
		run.ErrorKind = domain.KindCancelled
		run.ErrorMessage = reason
	case domain.StatusRunning:
		if _, err := r.transitionLocked(runID, domain.StatusCancelling, transitionParams{cancelReason: reason}); err != nil {
			return prior, err
		}
	}
	return prior, nil
}

func (r *MemoryRegistry) PutCronTrigger(_ context.Context, trig *CronTrigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *trig
	r.crons[trig.ID] = &cp
	return nil
}

func (r *MemoryRegistry) ListCronTriggers(_ context.Context) ([]*CronTrigger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*CronTrigger
	for _, trig := range r.crons {
		if !trig.Enabled {
			continue
		}
		cp := *trig
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRegistry) CreateDelayedRun(_ context.Context, d *DelayedRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *d
	r.delayed[d.RunID] = &cp
	return nil
}

func (r *MemoryRegistry) TakeDueDelayedRuns(_ context.Context, now time.Time, retry time.Duration) ([]*DelayedRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*DelayedRun
	for _, d := range r.delayed {
		if !d.DueAt.After(now) {
			cp := *d
			out = append(out, &cp)
			d.DueAt = now.Add(retry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out, nil
}

func (r *MemoryRegistry) DeleteDelayedRun(_ context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.delayed, runID)
	return nil
}

var _ Registry = (*MemoryRegistry)(nil)
