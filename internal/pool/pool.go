package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kestrelhq/kestrel/internal/domain"
	"github.com/kestrelhq/kestrel/internal/logging"
	"github.com/kestrelhq/kestrel/internal/metrics"
	"github.com/kestrelhq/kestrel/internal/protocol"
)

// Config tunes one pool instance.
type Config struct {
	MinWorkers int
	MaxWorkers int
	// SoftCancelGrace is how long a worker gets to honor a cooperative
	// Cancel before SIGTERM.
	SoftCancelGrace time.Duration
	// HardKillGrace is how long after SIGTERM before SIGKILL.
	HardKillGrace time.Duration
	// MemoryLimitDefault applies when a request carries no limit. Zero
	// disables memory enforcement.
	MemoryLimitDefault uint64
	// QueueHighWatermark and QueueHighWatermarkWindow define
	// backpressure: submissions are refused once the internal queue has
	// been at or above the watermark for the whole window.
	QueueHighWatermark       int
	QueueHighWatermarkWindow time.Duration
	// IdleWorkerTTL retires idle workers above MinWorkers. Zero keeps
	// them forever.
	IdleWorkerTTL time.Duration
	// HeartbeatInterval and HeartbeatTTL drive liveness publication.
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MinWorkers < 0 {
		out.MinWorkers = 0
	}
	if out.MaxWorkers <= 0 {
		out.MaxWorkers = 4
	}
	if out.MaxWorkers < out.MinWorkers {
		out.MaxWorkers = out.MinWorkers
	}
	if out.SoftCancelGrace <= 0 {
		out.SoftCancelGrace = 5 * time.Second
	}
	if out.HardKillGrace <= 0 {
		out.HardKillGrace = 2 * time.Second
	}
	if out.QueueHighWatermark <= 0 {
		out.QueueHighWatermark = 128
	}
	if out.QueueHighWatermarkWindow <= 0 {
		out.QueueHighWatermarkWindow = time.Second
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 10 * time.Second
	}
	if out.HeartbeatTTL <= 0 {
		out.HeartbeatTTL = 3 * out.HeartbeatInterval
	}
	return out
}

// Heartbeater publishes pool and worker liveness.
// *coord.HeartbeatRegistry satisfies it.
type Heartbeater interface {
	Renew(ctx context.Context, id string, ttl time.Duration) error
	Deregister(ctx context.Context, id string) error
}

// Request is one run submission.
type Request struct {
	RunID            string
	Org              domain.OrgScope
	Target           domain.Target
	Inputs           json.RawMessage
	Timeout          time.Duration
	MemoryLimitBytes uint64
	TraceParent      string
}

// EventType tags a forwarded worker emission.
type EventType int

const (
	EventLog EventType = iota + 1
	EventProgress
	EventResult
	EventError
	EventMetric
)

// Event is one worker emission forwarded to the submitter's callback.
// Exactly one payload field matching Type is set.
type Event struct {
	Type     EventType
	Log      *protocol.LogPayload
	Progress *protocol.ProgressPayload
	Result   *protocol.ResultPayload
	Error    *protocol.ErrorPayload
	Metric   *protocol.MetricPayload
}

// OnEvent receives worker emissions in order per run. It must not
// block; slow consumers stall the worker's pipe.
type OnEvent func(Event)

// Outcome is the terminal result of one execution.
type Outcome struct {
	RunID        string
	Status       domain.RunStatus
	Result       json.RawMessage
	ErrorKind    domain.ErrorKind
	ErrorMessage string
	Traceback    string
	Usage        domain.ResourceUsage
}

// Stats is a point-in-time pool snapshot.
type Stats struct {
	WorkersTotal int
	WorkersIdle  int
	WorkersBusy  int
	QueueDepth   int
}

// Worker states.
const (
	stateIdle     = "idle"
	stateBusy     = "busy"
	stateDraining = "draining"
	stateDead     = "dead"
)

type submission struct {
	req     *Request
	onEvent OnEvent
	outcome chan *Outcome
	cancel  chan string
}

type workerProc struct {
	id     string
	handle Handle

	writeMu sync.Mutex
	events  chan *protocol.Message
	tasks   chan *submission

	// Guarded by the pool mutex.
	state     string
	runID     string
	sub       *submission
	idleSince time.Time
}

func (w *workerProc) send(msgType int, payload any) error {
	msg, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return protocol.WriteMessage(w.handle, msg)
}

// Pool manages worker processes and run assignment.
type Pool struct {
	id       string
	cfg      Config
	launcher Launcher
	hb       Heartbeater

	rootCtx    context.Context
	rootCancel context.CancelFunc
	shutdownCh chan struct{}
	wg         sync.WaitGroup

	mu        sync.Mutex
	workers   map[string]*workerProc
	idle      []*workerProc
	pending   []*submission
	overSince time.Time
	closed    bool
	seq       int
}

// New creates a pool and spawns MinWorkers. The heartbeater may be nil.
func New(id string, cfg Config, launcher Launcher, hb Heartbeater) (*Pool, error) {
	if id == "" {
		return nil, fmt.Errorf("pool id is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		id:         id,
		cfg:        cfg.withDefaults(),
		launcher:   launcher,
		hb:         hb,
		rootCtx:    ctx,
		rootCancel: cancel,
		shutdownCh: make(chan struct{}),
		workers:    make(map[string]*workerProc),
	}

	p.mu.Lock()
	for i := 0; i < p.cfg.MinWorkers; i++ {
		if err := p.spawnLocked(); err != nil {
			p.mu.Unlock()
			cancel()
			return nil, err
		}
	}
	p.mu.Unlock()

	if p.hb != nil {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}
	return p, nil
}

// Execute submits a run and blocks until its terminal outcome. A
// classified Overloaded error means the submission was refused.
func (p *Pool) Execute(ctx context.Context, req *Request, onEvent OnEvent) (*Outcome, error) {
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	sub := &submission{
		req:     req,
		onEvent: onEvent,
		outcome: make(chan *Outcome, 1),
		cancel:  make(chan string, 1),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, domain.NewError(domain.KindOverloaded, "pool %s is shutting down", p.id)
	}

	depth := len(p.pending)
	if depth >= p.cfg.QueueHighWatermark {
		if p.overSince.IsZero() {
			p.overSince = time.Now()
		}
		if time.Since(p.overSince) >= p.cfg.QueueHighWatermarkWindow {
			p.mu.Unlock()
			metrics.RecordPoolRejected()
			return nil, domain.NewError(domain.KindOverloaded,
				"pool %s queue depth %d over watermark", p.id, depth)
		}
	} else {
		p.overSince = time.Time{}
	}

	if len(p.idle) > 0 {
		w := p.idle[0]
		p.idle = p.idle[1:]
		w.state = stateBusy
		w.runID = req.RunID
		w.sub = sub
		// An idle worker's task slot is always empty, so this cannot
		// block while the lock is held.
		w.tasks <- sub
		p.updateGaugesLocked()
		p.mu.Unlock()
	} else {
		p.pending = append(p.pending, sub)
		if len(p.workers) < p.cfg.MaxWorkers {
			if err := p.spawnLocked(); err != nil {
				logging.Op().Error("worker spawn failed", "pool", p.id, "error", err)
			}
		}
		p.updateGaugesLocked()
		p.mu.Unlock()
	}

	select {
	case out := <-sub.outcome:
		metrics.RecordRun(string(out.Status), string(out.ErrorKind), out.Usage.DurationMS)
		return out, nil
	case <-ctx.Done():
		// The submitter is gone; cancel the run and wait for the worker
		// side to settle so the slot is reclaimed.
		p.Cancel(req.RunID, "submitter context cancelled")
		out := <-sub.outcome
		return out, ctx.Err()
	}
}

// Cancel requests cooperative cancellation of a run. It returns false
// when the run is not queued or executing here.
func (p *Pool) Cancel(runID, reason string) bool {
	p.mu.Lock()
	// Queued submissions cancel immediately.
	for i, sub := range p.pending {
		if sub.req.RunID == runID {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			p.updateGaugesLocked()
			p.mu.Unlock()
			sub.outcome <- &Outcome{
				RunID:        runID,
				Status:       domain.StatusCancelled,
				ErrorKind:    domain.KindCancelled,
				ErrorMessage: reason,
			}
			return true
		}
	}
	for _, w := range p.workers {
		if w.state == stateBusy && w.runID == runID && w.sub != nil {
			ch := w.sub.cancel
			p.mu.Unlock()
			select {
			case ch <- reason:
			default:
				// A cancel is already queued for this run.
			}
			return true
		}
	}
	p.mu.Unlock()
	return false
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		WorkersTotal: len(p.workers),
		WorkersIdle:  len(p.idle),
		QueueDepth:   len(p.pending),
	}
	for _, w := range p.workers {
		if w.state == stateBusy {
			s.WorkersBusy++
		}
	}
	return s
}

// Shutdown stops accepting work, drains in-flight runs up to grace,
// then kills what remains.
func (p *Pool) Shutdown(grace time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	close(p.shutdownCh)

	// Refused submissions surface as retryable rejections.
	for _, sub := range pending {
		sub.outcome <- &Outcome{
			RunID:        sub.req.RunID,
			Status:       domain.StatusFailed,
			ErrorKind:    domain.KindOverloaded,
			ErrorMessage: "pool shutting down",
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		logging.Op().Warn("pool drain exceeded grace, killing workers", "pool", p.id)
		p.mu.Lock()
		for _, w := range p.workers {
			_ = w.handle.Kill()
		}
		p.mu.Unlock()
	}
	p.rootCancel()
	if p.hb != nil {
		_ = p.hb.Deregister(context.Background(), p.id)
	}
}

// ID returns the pool's registry identity.
func (p *Pool) ID() string { return p.id }

func (p *Pool) spawnLocked() error {
	p.seq++
	id := fmt.Sprintf("%s-w%d", p.id, p.seq)
	handle, err := p.launcher.Launch(p.rootCtx, id)
	if err != nil {
		return fmt.Errorf("spawn %s: %w", id, err)
	}
	w := &workerProc{
		id:     id,
		handle: handle,
		events: make(chan *protocol.Message, 128),
		tasks:  make(chan *submission, 1),
		state:  stateIdle,
	}
	p.workers[id] = w
	metrics.RecordWorkerSpawned()

	p.wg.Add(2)
	go p.readLoop(w)
	go p.workerLoop(w)
	return nil
}

// readLoop decodes frames off the worker pipe until it closes.
func (p *Pool) readLoop(w *workerProc) {
	defer p.wg.Done()
	defer close(w.events)
	for {
		msg, err := protocol.ReadMessage(w.handle)
		if err != nil {
			return
		}
		select {
		case w.events <- msg:
		case <-p.rootCtx.Done():
			return
		}
	}
}

func (p *Pool) workerLoop(w *workerProc) {
	defer p.wg.Done()

	// The worker announces Ready before it can take work.
	if !p.awaitReady(w) {
		p.removeWorker(w, true)
		return
	}

	for {
		sub, ok := p.nextTask(w)
		if !ok {
			return
		}
		out, dead := p.executeOn(w, sub)
		sub.outcome <- out

		p.mu.Lock()
		if dead {
			w.state = stateDead
		}
		state := w.state
		p.mu.Unlock()

		switch state {
		case stateDead:
			p.removeWorker(w, true)
			return
		case stateDraining:
			p.removeWorker(w, false)
			return
		}
	}
}

func (p *Pool) awaitReady(w *workerProc) bool {
	startup := time.NewTimer(10 * time.Second)
	defer startup.Stop()
	for {
		select {
		case msg, ok := <-w.events:
			if !ok {
				return false
			}
			if msg.Type == protocol.MsgReady {
				return true
			}
		case <-w.handle.Done():
			return false
		case <-startup.C:
			logging.Op().Error("worker never became ready", "worker", w.id)
			_ = w.handle.Kill()
			return false
		case <-p.rootCtx.Done():
			return false
		}
	}
}

// nextTask parks the worker until it has work. ok=false means the
// worker retired or died and the loop should exit.
func (p *Pool) nextTask(w *workerProc) (*submission, bool) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.gracefulStop(w)
		return nil, false
	}
	if len(p.pending) > 0 {
		sub := p.pending[0]
		p.pending = p.pending[1:]
		w.state = stateBusy
		w.runID = sub.req.RunID
		w.sub = sub
		p.updateGaugesLocked()
		p.mu.Unlock()
		return sub, true
	}
	w.state = stateIdle
	w.runID = ""
	w.sub = nil
	w.idleSince = time.Now()
	p.idle = append(p.idle, w)
	p.updateGaugesLocked()
	p.mu.Unlock()

	var idleTimer <-chan time.Time
	if p.cfg.IdleWorkerTTL > 0 {
		t := time.NewTimer(p.cfg.IdleWorkerTTL)
		defer t.Stop()
		idleTimer = t.C
	}

	select {
	case sub := <-w.tasks:
		return sub, true
	case <-p.shutdownCh:
		p.mu.Lock()
		p.dropIdleLocked(w)
		w.state = stateDraining
		p.mu.Unlock()
		p.gracefulStop(w)
		return nil, false
	case <-idleTimer:
		p.mu.Lock()
		if w.state == stateBusy {
			// Assigned in the same instant the timer fired.
			p.mu.Unlock()
			return <-w.tasks, true
		}
		if w.state == stateIdle && len(p.workers) > p.cfg.MinWorkers {
			p.dropIdleLocked(w)
			w.state = stateDraining
			p.mu.Unlock()
			logging.Op().Debug("retiring idle worker", "worker", w.id)
			p.gracefulStop(w)
			return nil, false
		}
		// Still needed; park again.
		p.dropIdleLocked(w)
		p.mu.Unlock()
		return p.nextTask(w)
	case <-w.handle.Done():
		p.mu.Lock()
		p.dropIdleLocked(w)
		w.state = stateDead
		p.mu.Unlock()
		p.removeWorker(w, true)
		return nil, false
	case <-p.rootCtx.Done():
		return nil, false
	}
}

// executeOn drives one run on one worker. dead=true means the process
// is gone and must not be reused.
func (p *Pool) executeOn(w *workerProc, sub *submission) (*Outcome, bool) {
	req := sub.req
	started := time.Now()

	out := &Outcome{RunID: req.RunID}
	fail := func(kind domain.ErrorKind, msg string) (*Outcome, bool) {
		out.Status = kind.TerminalStatus()
		out.ErrorKind = kind
		out.ErrorMessage = msg
		out.Usage.DurationMS = time.Since(started).Milliseconds()
		return out, true
	}

	if err := w.send(protocol.MsgRun, protocol.RunPayload{
		RunID:       req.RunID,
		Org:         req.Org,
		Target:      req.Target,
		Inputs:      req.Inputs,
		DeadlineMS:  req.Timeout.Milliseconds(),
		TraceParent: req.TraceParent,
	}); err != nil {
		return fail(domain.KindWorkerCrashed, "assigning run to worker: "+err.Error())
	}

	memLimit := req.MemoryLimitBytes
	if memLimit == 0 {
		memLimit = p.cfg.MemoryLimitDefault
	}

	var deadline <-chan time.Time
	if req.Timeout > 0 {
		t := time.NewTimer(req.Timeout)
		defer t.Stop()
		deadline = t.C
	}

	var (
		result     *protocol.ResultPayload
		errPayload *protocol.ErrorPayload
		usage      domain.ResourceUsage
		// escalationKind is what the run reports if the worker has to be
		// terminated. Empty means no escalation in progress.
		escalationKind domain.ErrorKind
		escalationMsg  string
		softTimer      <-chan time.Time
		hardTimer      <-chan time.Time
		draining       bool
	)

	escalate := func(kind domain.ErrorKind, msg, reason string) {
		if escalationKind != "" {
			return
		}
		escalationKind = kind
		escalationMsg = msg
		_ = w.send(protocol.MsgCancel, protocol.CancelPayload{RunID: req.RunID, Reason: reason})
		t := time.NewTimer(p.cfg.SoftCancelGrace)
		softTimer = t.C
	}

	handleFrame := func(msg *protocol.Message) (terminal bool) {
		switch msg.Type {
		case protocol.MsgLog:
			var pl protocol.LogPayload
			if protocol.Decode(msg, &pl) == nil {
				sub.onEvent(Event{Type: EventLog, Log: &pl})
			}
		case protocol.MsgProgress:
			var pl protocol.ProgressPayload
			if protocol.Decode(msg, &pl) == nil {
				sub.onEvent(Event{Type: EventProgress, Progress: &pl})
			}
		case protocol.MsgMetric:
			var pl protocol.MetricPayload
			if protocol.Decode(msg, &pl) == nil {
				if pl.PeakMemoryBytes > usage.PeakMemoryBytes {
					usage.PeakMemoryBytes = pl.PeakMemoryBytes
				}
				if pl.CPUSeconds > usage.CPUSeconds {
					usage.CPUSeconds = pl.CPUSeconds
				}
				sub.onEvent(Event{Type: EventMetric, Metric: &pl})
				if memLimit > 0 && usage.PeakMemoryBytes > memLimit {
					escalate(domain.KindMemoryLimit,
						fmt.Sprintf("peak RSS %d over limit %d", usage.PeakMemoryBytes, memLimit),
						"memory limit exceeded")
				}
			}
		case protocol.MsgResult:
			var pl protocol.ResultPayload
			if protocol.Decode(msg, &pl) == nil {
				result = &pl
				sub.onEvent(Event{Type: EventResult, Result: &pl})
			}
		case protocol.MsgError:
			var pl protocol.ErrorPayload
			if protocol.Decode(msg, &pl) == nil {
				errPayload = &pl
				sub.onEvent(Event{Type: EventError, Error: &pl})
			}
		case protocol.MsgReady:
			// The worker finished the run and is available again.
			return true
		case protocol.MsgExit:
			// The worker finished and is retiring.
			draining = true
			return true
		}
		return false
	}

	completed := false
	dead := false
	for !completed && !dead {
		select {
		case msg, ok := <-w.events:
			if !ok {
				dead = true
				break
			}
			if handleFrame(msg) {
				completed = result != nil || errPayload != nil
				if !completed {
					// Ready/Exit without a terminal frame is a protocol
					// violation; treat as a crash.
					dead = true
				}
			}
		case <-deadline:
			deadline = nil
			escalate(domain.KindTimeout,
				fmt.Sprintf("run exceeded deadline of %s", req.Timeout),
				"deadline exceeded")
		case reason := <-sub.cancel:
			escalate(domain.KindCancelled, reason, reason)
		case <-softTimer:
			softTimer = nil
			logging.Op().Warn("worker ignored cancel, terminating",
				"worker", w.id, "run", req.RunID)
			_ = w.handle.Terminate()
			t := time.NewTimer(p.cfg.HardKillGrace)
			hardTimer = t.C
		case <-hardTimer:
			hardTimer = nil
			logging.Op().Warn("worker ignored terminate, killing",
				"worker", w.id, "run", req.RunID)
			_ = w.handle.Kill()
		case <-w.handle.Done():
			// Drain buffered frames before classifying.
			for msg := range w.events {
				if handleFrame(msg) && (result != nil || errPayload != nil) {
					completed = true
				}
			}
			if !completed {
				dead = true
			} else {
				draining = true
			}
		}
	}

	usage.DurationMS = time.Since(started).Milliseconds()

	if draining {
		p.mu.Lock()
		if w.state != stateDead {
			w.state = stateDraining
		}
		p.mu.Unlock()
	}

	switch {
	case result != nil:
		// Natural completion wins even when cancellation or escalation
		// raced with it.
		out.Status = domain.StatusSuccess
		out.Result = result.Value
	case errPayload != nil:
		kind, msg := errPayload.Kind, errPayload.Message
		if escalationKind != "" && kind == domain.KindCancelled {
			// The worker honored an engine-initiated cancel; report the
			// reason the engine cancelled, not the mechanism.
			kind, msg = escalationKind, escalationMsg
		}
		out.Status = kind.TerminalStatus()
		out.ErrorKind = kind
		out.ErrorMessage = msg
		out.Traceback = errPayload.Traceback
	case escalationKind != "":
		out.Status = escalationKind.TerminalStatus()
		out.ErrorKind = escalationKind
		out.ErrorMessage = escalationMsg
	default:
		out.Status = domain.StatusFailed
		out.ErrorKind = domain.KindWorkerCrashed
		out.ErrorMessage = fmt.Sprintf("worker %s exited with code %d during run",
			w.id, w.handle.ExitCode())
	}
	out.Usage = usage
	return out, dead
}

// gracefulStop asks an off-duty worker to exit and waits briefly.
func (p *Pool) gracefulStop(w *workerProc) {
	_ = w.send(protocol.MsgShutdown, struct{}{})
	select {
	case <-w.handle.Done():
	case <-time.After(p.cfg.SoftCancelGrace):
		_ = w.handle.Kill()
	}
	p.removeWorker(w, false)
}

func (p *Pool) dropIdleLocked(w *workerProc) {
	for i, cand := range p.idle {
		if cand == w {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return
		}
	}
}

// removeWorker forgets a worker and replaces it when the pool is under
// MinWorkers or has queued work.
func (p *Pool) removeWorker(w *workerProc, crashed bool) {
	if p.hb != nil {
		_ = p.hb.Deregister(context.Background(), w.id)
	}
	p.mu.Lock()
	p.dropIdleLocked(w)
	delete(p.workers, w.id)
	// An assignment that raced with the worker's death never started;
	// putting it back at the head of the queue is not a replay.
	select {
	case sub := <-w.tasks:
		if p.closed {
			sub.outcome <- &Outcome{
				RunID:        sub.req.RunID,
				Status:       domain.StatusFailed,
				ErrorKind:    domain.KindOverloaded,
				ErrorMessage: "pool shutting down",
			}
		} else {
			p.pending = append([]*submission{sub}, p.pending...)
		}
	default:
	}
	needReplacement := !p.closed &&
		(len(p.workers) < p.cfg.MinWorkers || len(p.pending) > 0) &&
		len(p.workers) < p.cfg.MaxWorkers
	if needReplacement {
		if err := p.spawnLocked(); err != nil {
			logging.Op().Error("replacement spawn failed", "pool", p.id, "error", err)
		}
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	if crashed {
		metrics.RecordWorkerCrashed()
		logging.Op().Warn("worker died",
			"worker", w.id, "exit_code", w.handle.ExitCode(), "replaced", needReplacement)
	}
}

func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	renew := func() {
		ctx, cancel := context.WithTimeout(p.rootCtx, p.cfg.HeartbeatInterval)
		defer cancel()
		if err := p.hb.Renew(ctx, p.id, p.cfg.HeartbeatTTL); err != nil {
			logging.Op().Warn("pool heartbeat failed", "pool", p.id, "error", err)
		}
		p.mu.Lock()
		ids := make([]string, 0, len(p.workers))
		for id := range p.workers {
			ids = append(ids, id)
		}
		p.mu.Unlock()
		for _, id := range ids {
			_ = p.hb.Renew(ctx, id, p.cfg.HeartbeatTTL)
		}
	}
	renew()
	for {
		select {
		case <-ticker.C:
			renew()
		case <-p.shutdownCh:
			return
		case <-p.rootCtx.Done():
			return
		}
	}
}

func (p *Pool) updateGaugesLocked() {
	busy := 0
	for _, w := range p.workers {
		if w.state == stateBusy {
			busy++
		}
	}
	metrics.SetPoolWorkers(len(p.workers), busy)
	metrics.SetPoolQueueDepth(len(p.pending))
}
