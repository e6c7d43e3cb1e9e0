// Package sched drives time-based work: cron triggers with
// second-level precision, the delayed-run sweep, and the stuck-run
// sweep that fails runs whose engine instance stopped heartbeating.
//
// Cron firings are live-only. An engine that was down when a trigger
// would have fired does not replay the missed firings on startup.
package sched

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kestrelhq/kestrel/internal/dispatch"
	"github.com/kestrelhq/kestrel/internal/domain"
	"github.com/kestrelhq/kestrel/internal/logging"
	"github.com/kestrelhq/kestrel/internal/metrics"
	"github.com/kestrelhq/kestrel/internal/mux"
	"github.com/kestrelhq/kestrel/internal/registry"
)

const (
	lockDelayedSweep = "lock:sched:delayed"
	lockStuckSweep   = "lock:sched:stuck"
)

// Submitter enqueues runs. *dispatch.Dispatcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, org domain.OrgScope, target domain.Target, inputs json.RawMessage, opts dispatch.SubmitOptions) (*domain.Run, error)
	Enqueue(ctx context.Context, run *domain.Run, opts dispatch.SubmitOptions) error
}

// Liveness answers whether an engine instance still heartbeats.
// *coord.HeartbeatRegistry satisfies it.
type Liveness interface {
	Alive(ctx context.Context, id string) (bool, error)
}

// SweepLocker serializes sweeps across engine instances.
// *coord.Locker satisfies it; nil runs sweeps unconditionally.
type SweepLocker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, holderID string, fn func(context.Context) error) (bool, error)
}

// Config tunes the scheduler.
type Config struct {
	// InstanceID identifies this engine instance in sweep locks.
	InstanceID string
	// Tick is the delayed-run sweep cadence.
	Tick time.Duration
	// StuckSweep is the stuck-run sweep cadence.
	StuckSweep time.Duration
	// CronRefresh is how often the trigger catalog is reloaded.
	CronRefresh time.Duration
}

func (c Config) withDefaults() Config {
	if c.InstanceID == "" {
		c.InstanceID = "sched"
	}
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.StuckSweep <= 0 {
		c.StuckSweep = time.Minute
	}
	if c.CronRefresh <= 0 {
		c.CronRefresh = time.Minute
	}
	return c
}

// Scheduler owns the cron runner and the periodic sweeps.
type Scheduler struct {
	cfg    Config
	reg    registry.Registry
	submit Submitter
	hb     Liveness
	locker SweepLocker
	mux    *mux.Mux

	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]cronEntry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type cronEntry struct {
	id         cron.EntryID
	expression string
}

func New(cfg Config, reg registry.Registry, submit Submitter, hb Liveness, locker SweepLocker, m *mux.Mux) *Scheduler {
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		reg:     reg,
		submit:  submit,
		hb:      hb,
		locker:  locker,
		mux:     m,
		cron:    cron.New(cron.WithSeconds()),
		entries: make(map[string]cronEntry),
	}
}

// Start loads the trigger catalog and launches the sweep loops.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.refreshTriggers(ctx); err != nil {
		return err
	}
	s.cron.Start()

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop halts the cron runner and waits for sweeps in flight.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	tick := time.NewTicker(s.cfg.Tick)
	stuck := time.NewTicker(s.cfg.StuckSweep)
	refresh := time.NewTicker(s.cfg.CronRefresh)
	defer tick.Stop()
	defer stuck.Stop()
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.withSweepLock(ctx, lockDelayedSweep, s.cfg.Tick*4, s.sweepDelayed)
		case <-stuck.C:
			s.withSweepLock(ctx, lockStuckSweep, s.cfg.StuckSweep, s.sweepStuck)
		case <-refresh.C:
			if err := s.refreshTriggers(ctx); err != nil {
				logging.Op().Warn("cron trigger refresh failed", "error", err)
			}
		}
	}
}

func (s *Scheduler) withSweepLock(ctx context.Context, key string, ttl time.Duration, sweep func(context.Context)) {
	if s.locker == nil {
		sweep(ctx)
		return
	}
	_, err := s.locker.WithLock(ctx, key, ttl, s.cfg.InstanceID, func(ctx context.Context) error {
		sweep(ctx)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		logging.Op().Warn("sweep lock failed", "key", key, "error", err)
	}
}

// refreshTriggers reconciles the cron runner against the catalog:
// new or re-expressed triggers are (re)scheduled, vanished ones removed.
func (s *Scheduler) refreshTriggers(ctx context.Context) error {
	triggers, err := s.reg.ListCronTriggers(ctx)
	if err != nil {
		return fmt.Errorf("load cron triggers: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(triggers))
	for _, trig := range triggers {
		seen[trig.ID] = true
		if existing, ok := s.entries[trig.ID]; ok {
			if existing.expression == trig.Expression {
				continue
			}
			s.cron.Remove(existing.id)
		}
		id, err := s.cron.AddFunc(trig.Expression, s.fireTrigger(trig))
		if err != nil {
			logging.Op().Warn("cron trigger has invalid expression, skipping",
				"trigger_id", trig.ID, "expression", trig.Expression, "error", err)
			delete(s.entries, trig.ID)
			continue
		}
		s.entries[trig.ID] = cronEntry{id: id, expression: trig.Expression}
	}

	for trigID, entry := range s.entries {
		if !seen[trigID] {
			s.cron.Remove(entry.id)
			delete(s.entries, trigID)
		}
	}
	return nil
}

func (s *Scheduler) fireTrigger(trig *registry.CronTrigger) func() {
	trigID := trig.ID
	org := trig.Org
	target := trig.Target
	inputs := trig.Inputs
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		run, err := s.submit.Submit(ctx, org, target, inputs, dispatch.SubmitOptions{
			RequesterID: "cron:" + trigID,
		})
		if err != nil {
			logging.Op().Error("cron trigger submission failed",
				"trigger_id", trigID, "error", err)
			return
		}
		logging.Op().Info("cron trigger fired",
			"trigger_id", trigID, "run_id", run.ID)
	}
}

// delayedClaimRetry is how long a claimed delayed run stays invisible
// to other sweeps. A claim never settled, because the sweeper crashed
// between the claim and the enqueue, is handed out again afterwards;
// the queue's run-id idempotency absorbs the rare double enqueue.
const delayedClaimRetry = time.Minute

// sweepDelayed moves due delayed runs onto the queue. Each due run is
// claimed first and settled only after its enqueue landed.
func (s *Scheduler) sweepDelayed(ctx context.Context) {
	due, err := s.reg.TakeDueDelayedRuns(ctx, time.Now().UTC(), delayedClaimRetry)
	if err != nil {
		logging.Op().Warn("delayed-run sweep failed", "error", err)
		return
	}
	for _, d := range due {
		run, err := s.reg.Get(ctx, d.RunID)
		if errors.Is(err, registry.ErrRunNotFound) {
			logging.Op().Warn("delayed run has no registry record", "run_id", d.RunID)
			s.settleDelayed(ctx, d.RunID)
			continue
		}
		if err != nil {
			// Transient; the claim retries on a later sweep.
			logging.Op().Warn("delayed run lookup failed",
				"run_id", d.RunID, "error", err)
			continue
		}
		if run.Status != domain.StatusPending {
			// Cancelled while waiting; nothing to enqueue.
			s.settleDelayed(ctx, d.RunID)
			continue
		}
		if err := s.submit.Enqueue(ctx, run, dispatch.SubmitOptions{}); err != nil {
			logging.Op().Error("delayed run enqueue failed",
				"run_id", d.RunID, "error", err)
			continue
		}
		s.settleDelayed(ctx, d.RunID)
	}
}

func (s *Scheduler) settleDelayed(ctx context.Context, runID string) {
	if err := s.reg.DeleteDelayedRun(ctx, runID); err != nil {
		logging.Op().Warn("delayed run settle failed", "run_id", runID, "error", err)
	}
}

// sweepStuck fails runs whose executing instance stopped heartbeating.
// The dispatcher's idempotency check then acks any still-leased queue
// message for the run.
func (s *Scheduler) sweepStuck(ctx context.Context) {
	runs, err := s.reg.List(ctx, registry.ListFilter{
		Statuses: []domain.RunStatus{domain.StatusRunning, domain.StatusCancelling},
	})
	if err != nil {
		logging.Op().Warn("stuck-run sweep failed", "error", err)
		return
	}
	for _, run := range runs {
		if run.PoolID == "" {
			continue
		}
		alive, err := s.hb.Alive(ctx, run.PoolID)
		if err != nil {
			logging.Op().Warn("heartbeat check failed",
				"run_id", run.ID, "pool_id", run.PoolID, "error", err)
			continue
		}
		if alive {
			continue
		}

		msg := fmt.Sprintf("engine instance %s stopped heartbeating", run.PoolID)
		changed, err := s.reg.RecordOutcome(ctx, run.ID, &registry.RunOutcome{
			Status:       domain.StatusFailed,
			ErrorKind:    domain.KindWorkerLost,
			ErrorMessage: msg,
		})
		if err != nil {
			logging.Op().Warn("stuck run terminal write failed",
				"run_id", run.ID, "error", err)
			continue
		}
		if !changed {
			continue
		}
		logging.Op().Error("run failed: executing instance lost",
			"run_id", run.ID, "pool_id", run.PoolID)
		metrics.RecordRun(string(domain.StatusFailed), string(domain.KindWorkerLost), 0)
		if s.mux != nil {
			s.mux.PublishTerminal(ctx, run.ID, domain.StatusFailed,
				domain.KindWorkerLost, msg)
		}
	}
}
