// Package dispatch consumes the run queue and drives each run through
// the pool: idempotency checks, the Pending -> Running transition,
// deadline resolution, event forwarding, the durable terminal write,
// and the ack. Infrastructure failures are negatively acknowledged and
// retried; runs past their redelivery budget are dead-lettered.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kestrelhq/kestrel/internal/blob"
	"github.com/kestrelhq/kestrel/internal/coord"
	"github.com/kestrelhq/kestrel/internal/domain"
	"github.com/kestrelhq/kestrel/internal/logging"
	"github.com/kestrelhq/kestrel/internal/metrics"
	"github.com/kestrelhq/kestrel/internal/mux"
	"github.com/kestrelhq/kestrel/internal/observability"
	"github.com/kestrelhq/kestrel/internal/pool"
	"github.com/kestrelhq/kestrel/internal/queue"
	"github.com/kestrelhq/kestrel/internal/registry"
)

// Executor runs submissions. *pool.Pool satisfies it.
type Executor interface {
	ID() string
	Execute(ctx context.Context, req *pool.Request, onEvent pool.OnEvent) (*pool.Outcome, error)
	Cancel(runID, reason string) bool
}

// Config tunes the dispatcher.
type Config struct {
	// Consumers is the number of concurrent queue consumers.
	Consumers int
	// LeaseTTL is the queue lease taken per message. It must exceed the
	// longest run deadline or the message redelivers mid-run.
	LeaseTTL time.Duration
	// PollInterval bounds how long an idle consumer sleeps between
	// queue polls when no wake notification arrives.
	PollInterval time.Duration

	// DeadlineDefault applies when a submission carries no override;
	// DeadlineMax caps both.
	DeadlineDefault time.Duration
	DeadlineMax     time.Duration

	// MaxRedeliveries is the delivery budget before dead-lettering.
	MaxRedeliveries int
	// NackBackoffBase seeds the exponential redelivery backoff.
	NackBackoffBase time.Duration

	// OrgConcurrency caps concurrently executing runs per org. Zero
	// means unlimited.
	OrgConcurrency int

	// InlineInputsCap is the largest inputs payload carried inline on
	// the queue message; larger payloads go through the blob store.
	InlineInputsCap int
}

func (c Config) withDefaults() Config {
	if c.Consumers <= 0 {
		c.Consumers = 4
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 20 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.DeadlineDefault <= 0 {
		c.DeadlineDefault = time.Minute
	}
	if c.DeadlineMax <= 0 {
		c.DeadlineMax = 15 * time.Minute
	}
	if c.MaxRedeliveries <= 0 {
		c.MaxRedeliveries = 5
	}
	if c.NackBackoffBase <= 0 {
		c.NackBackoffBase = time.Second
	}
	if c.InlineInputsCap <= 0 {
		c.InlineInputsCap = 256 << 10
	}
	return c
}

// CancelChannel carries cancel signals between engine instances; the
// instance whose pool executes the run delivers the cooperative cancel.
const CancelChannel = "kestrel:runs:cancel"

// CancelSignal is the payload on CancelChannel.
type CancelSignal struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason"`
}

// Dispatcher connects the queue, registry, pool, and multiplexer.
type Dispatcher struct {
	cfg      Config
	q        queue.RunQueue
	notifier queue.Notifier
	reg      registry.Registry
	exec     Executor
	mux      *mux.Mux
	blobs    blob.Store
	ps       coord.PubSub

	orgMu     sync.Mutex
	orgActive map[domain.OrgScope]int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, q queue.RunQueue, notifier queue.Notifier, reg registry.Registry, exec Executor, m *mux.Mux, blobs blob.Store, ps coord.PubSub) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg.withDefaults(),
		q:         q,
		notifier:  notifier,
		reg:       reg,
		exec:      exec,
		mux:       m,
		blobs:     blobs,
		ps:        ps,
		orgActive: make(map[domain.OrgScope]int),
	}
}

// Start launches the consumer goroutines and the cancel listener.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.cfg.Consumers; i++ {
		consumerID := fmt.Sprintf("%s-consumer-%d", d.exec.ID(), i)
		d.wg.Add(1)
		go d.consumeLoop(ctx, consumerID)
	}
	if d.ps != nil {
		d.wg.Add(1)
		go d.cancelLoop(ctx)
	}
}

// cancelLoop delivers cancel signals published by other instances (or
// the CLI) to the local pool. Signals for runs not executing here are
// ignored.
func (d *Dispatcher) cancelLoop(ctx context.Context) {
	defer d.wg.Done()
	sub := d.ps.Subscribe(ctx, CancelChannel)
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub:
			if !ok {
				return
			}
			var sig CancelSignal
			if err := json.Unmarshal(payload, &sig); err != nil || sig.RunID == "" {
				continue
			}
			if d.exec.Cancel(sig.RunID, sig.Reason) {
				logging.Op().Info("cancel signal delivered to local pool",
					"run_id", sig.RunID)
			}
		}
	}
}

// Stop halts consumption. In-flight runs finish through the pool's own
// shutdown; their messages redeliver after the lease expires if the
// terminal write did not land.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) consumeLoop(ctx context.Context, consumerID string) {
	defer d.wg.Done()
	wake := d.notifier.Subscribe(ctx)
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := d.q.Consume(ctx, consumerID, d.cfg.LeaseTTL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Op().Warn("queue consume failed", "consumer", consumerID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.cfg.PollInterval):
			}
			continue
		}
		if msg == nil {
			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-time.After(d.cfg.PollInterval):
			}
			continue
		}
		d.process(ctx, msg)
	}
}

func (d *Dispatcher) process(ctx context.Context, msg *queue.Message) {
	log := logging.Op().With("run_id", msg.RunID, "attempt", msg.Attempt)

	run, err := d.reg.Get(ctx, msg.RunID)
	if errors.Is(err, registry.ErrRunNotFound) {
		log.Warn("queued run has no registry record, dropping")
		d.ack(ctx, msg.RunID)
		return
	}
	if err != nil {
		d.nack(ctx, msg, "registry read failed", err)
		return
	}

	// A redelivered message for a finished run is acked and dropped.
	if run.Status.IsTerminal() {
		d.ack(ctx, msg.RunID)
		return
	}

	if msg.Attempt > d.cfg.MaxRedeliveries {
		d.deadLetter(ctx, msg)
		return
	}

	// A non-pending run on the queue means a previous delivery started
	// it and the ack never landed. The stuck-run sweep decides its
	// fate; retry until it does.
	if run.Status != domain.StatusPending {
		d.nack(ctx, msg, "run already started", nil)
		return
	}

	if d.cfg.OrgConcurrency > 0 && !d.acquireOrg(run.Org) {
		// Over the org's slice; requeue without burning the budget.
		if err := d.q.Nack(ctx, msg.RunID, d.cfg.NackBackoffBase); err != nil {
			log.Warn("org admission requeue failed", "error", err)
		}
		return
	}
	defer d.releaseOrg(run.Org)

	inputs := msg.Inputs
	if msg.InputsID != "" {
		inputs, err = d.blobs.Get(ctx, msg.InputsID)
		if err != nil {
			d.nack(ctx, msg, "inputs blob unavailable", err)
			return
		}
	}

	changed, err := d.reg.TransitionStatus(ctx, msg.RunID, domain.StatusRunning,
		registry.WithPoolID(d.exec.ID()))
	if err != nil {
		d.nack(ctx, msg, "running transition failed", err)
		return
	}
	if !changed {
		// Cancelled between the status read and the transition.
		d.ack(ctx, msg.RunID)
		return
	}
	d.mux.PublishStatus(ctx, msg.RunID, domain.StatusRunning)

	req := &pool.Request{
		RunID:            msg.RunID,
		Org:              run.Org,
		Target:           run.Target,
		Inputs:           inputs,
		Timeout:          d.resolveDeadline(msg.DeadlineOverrideMS),
		MemoryLimitBytes: msg.MemoryLimitBytes,
		TraceParent:      msg.TraceParent,
	}

	runCtx, span := observability.Tracer().Start(
		observability.WithTraceParent(ctx, msg.TraceParent), "run.execute")
	started := time.Now()
	outcome, err := d.exec.Execute(runCtx, req, d.forwardEvents(msg.RunID))
	span.End()
	if err != nil {
		// The run never reached a worker. Return it to Pending so the
		// redelivery is not rejected as already started.
		if _, rqErr := d.reg.Requeue(ctx, msg.RunID); rqErr != nil {
			logging.Op().Warn("requeue after refused submission failed",
				"run_id", msg.RunID, "error", rqErr)
		}
		d.nack(ctx, msg, "pool refused submission", err)
		return
	}

	d.finish(ctx, msg, outcome, started)
}

// forwardEvents bridges worker emissions into the multiplexer. Result,
// error, and metric frames are folded into the outcome by the pool and
// need no forwarding.
func (d *Dispatcher) forwardEvents(runID string) pool.OnEvent {
	return func(ev pool.Event) {
		ctx := context.Background()
		switch ev.Type {
		case pool.EventLog:
			ts := ev.Log.Timestamp
			if ts.IsZero() {
				ts = time.Now().UTC()
			}
			source := ev.Log.Source
			if source == "" {
				source = domain.SourceUser
			}
			d.mux.Append(ctx, runID, domain.LogRecord{
				Severity:  ev.Log.Severity,
				Source:    source,
				Timestamp: ts,
				Message:   ev.Log.Message,
				Data:      ev.Log.Data,
			})
		case pool.EventProgress:
			d.mux.Progress(ctx, runID, ev.Progress.Phase, ev.Progress.Fields)
		}
	}
}

// finish is the terminal sequence: flush logs, write the durable
// outcome, publish the terminal event, ack. The ack comes last so a
// crash anywhere earlier redelivers into the idempotency check.
func (d *Dispatcher) finish(ctx context.Context, msg *queue.Message, outcome *pool.Outcome, started time.Time) {
	truncated, degraded := d.mux.CloseRun(ctx, msg.RunID)
	if degraded {
		logging.Op().Warn("run finished with degraded log persistence", "run_id", msg.RunID)
	}

	usage := outcome.Usage
	if usage.DurationMS == 0 {
		usage.DurationMS = time.Since(started).Milliseconds()
	}
	changed, err := d.reg.RecordOutcome(ctx, msg.RunID, &registry.RunOutcome{
		Status:       outcome.Status,
		Result:       outcome.Result,
		ErrorKind:    outcome.ErrorKind,
		ErrorMessage: outcome.ErrorMessage,
		Usage:        usage,
		LogTruncated: truncated,
	})
	if err != nil {
		// Without a durable terminal record the run is not done;
		// redeliver and let the idempotency check sort it out.
		d.nack(ctx, msg, "terminal write failed", err)
		return
	}
	if changed {
		metrics.RecordRun(string(outcome.Status), string(outcome.ErrorKind), usage.DurationMS)
		d.mux.PublishTerminal(ctx, msg.RunID, outcome.Status, outcome.ErrorKind, outcome.ErrorMessage)
	} else if final, err := d.reg.Get(ctx, msg.RunID); err == nil {
		// A cancel won the terminal race; announce what actually stuck.
		d.mux.PublishTerminal(ctx, msg.RunID, final.Status, final.ErrorKind, final.ErrorMessage)
	}
	d.ack(ctx, msg.RunID)
}

func (d *Dispatcher) deadLetter(ctx context.Context, msg *queue.Message) {
	logging.Op().Error("run exhausted redelivery budget",
		"run_id", msg.RunID, "attempt", msg.Attempt)
	changed, err := d.reg.RecordOutcome(ctx, msg.RunID, &registry.RunOutcome{
		Status:       domain.StatusFailed,
		ErrorKind:    domain.KindUndeliverable,
		ErrorMessage: fmt.Sprintf("dropped after %d delivery attempts", msg.Attempt),
	})
	if err != nil {
		d.nack(ctx, msg, "undeliverable terminal write failed", err)
		return
	}
	if changed {
		metrics.RecordRun(string(domain.StatusFailed), string(domain.KindUndeliverable), 0)
		d.mux.PublishTerminal(ctx, msg.RunID, domain.StatusFailed,
			domain.KindUndeliverable, "redelivery budget exhausted")
	}
	metrics.RecordQueueDeadLettered()
	if err := d.q.DeadLetter(ctx, msg.RunID, "redelivery budget exhausted"); err != nil {
		logging.Op().Warn("dead-letter failed", "run_id", msg.RunID, "error", err)
	}
}

func (d *Dispatcher) resolveDeadline(overrideMS int64) time.Duration {
	deadline := d.cfg.DeadlineDefault
	if overrideMS > 0 {
		if override := time.Duration(overrideMS) * time.Millisecond; override < deadline {
			deadline = override
		}
	}
	if deadline > d.cfg.DeadlineMax {
		deadline = d.cfg.DeadlineMax
	}
	return deadline
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	b := d.cfg.NackBackoffBase
	for i := 1; i < attempt; i++ {
		b *= 2
		if b >= 30*time.Second {
			return 30 * time.Second
		}
	}
	return b
}

func (d *Dispatcher) ack(ctx context.Context, runID string) {
	if err := d.q.Ack(ctx, runID); err != nil {
		logging.Op().Warn("ack failed", "run_id", runID, "error", err)
	}
}

func (d *Dispatcher) nack(ctx context.Context, msg *queue.Message, why string, cause error) {
	logging.Op().Warn("run dispatch nacked",
		"run_id", msg.RunID, "attempt", msg.Attempt, "reason", why, "error", cause)
	metrics.RecordQueueRedelivery()
	if err := d.q.Nack(ctx, msg.RunID, d.backoff(msg.Attempt)); err != nil {
		logging.Op().Warn("nack failed", "run_id", msg.RunID, "error", err)
	}
}

func (d *Dispatcher) acquireOrg(org domain.OrgScope) bool {
	d.orgMu.Lock()
	defer d.orgMu.Unlock()
	if d.orgActive[org] >= d.cfg.OrgConcurrency {
		return false
	}
	d.orgActive[org]++
	return true
}

func (d *Dispatcher) releaseOrg(org domain.OrgScope) {
	if d.cfg.OrgConcurrency <= 0 {
		return
	}
	d.orgMu.Lock()
	d.orgActive[org]--
	if d.orgActive[org] <= 0 {
		delete(d.orgActive, org)
	}
	d.orgMu.Unlock()
}
