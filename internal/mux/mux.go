// Package mux is the run event multiplexer. It assigns the gap-free
// per-run log sequence, fans live events out over pub/sub, and persists
// log records in batches through the registry. Live delivery is
// best-effort; the persisted log table is the source of truth and
// subscribers reconcile against it by sequence number.
package mux

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kestrelhq/kestrel/internal/coord"
	"github.com/kestrelhq/kestrel/internal/domain"
	"github.com/kestrelhq/kestrel/internal/logging"
	"github.com/kestrelhq/kestrel/internal/metrics"
	"github.com/kestrelhq/kestrel/internal/registry"
)

// EventType discriminates the wire events on a run's channel.
type EventType string

const (
	EventSnapshot EventType = "snapshot"
	EventLog      EventType = "log"
	EventProgress EventType = "progress"
	EventStatus   EventType = "status"
	EventTerminal EventType = "terminal"
)

// Event is one message on a run's event channel.
type Event struct {
	Type  EventType `json:"type"`
	RunID string    `json:"run_id"`

	// Snapshot fields.
	Status domain.RunStatus `json:"status,omitempty"`
	SeqHWM uint64           `json:"seq_hwm,omitempty"`

	// Log fields.
	Record *domain.LogRecord `json:"record,omitempty"`

	// Progress fields. Progress is live-only and carries no sequence.
	Phase  string          `json:"phase,omitempty"`
	Fields json.RawMessage `json:"fields,omitempty"`

	// Terminal fields.
	ErrorKind    domain.ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

// Channel returns the pub/sub channel name for a run.
func Channel(runID string) string { return "run:" + runID + ":events" }

// Config bounds the multiplexer's buffering.
type Config struct {
	// BatchSize is the record count that forces an early flush.
	BatchSize int
	// FlushInterval is the periodic flush cadence.
	FlushInterval time.Duration
	// MaxRunLogBytes bounds the total log bytes persisted per run.
	// Past the bound, one truncation marker is written and further
	// records are dropped.
	MaxRunLogBytes int64
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 200 * time.Millisecond
	}
	if c.MaxRunLogBytes <= 0 {
		c.MaxRunLogBytes = 8 << 20
	}
	return c
}

type stream struct {
	// flushMu serializes flushes so two flushers never send
	// overlapping batches.
	flushMu      sync.Mutex
	mu           sync.Mutex
	nextSeq      uint64
	pending      []domain.LogRecord
	pendingBytes int64
	writtenBytes int64
	truncated    bool
	degraded     bool
}

// Mux multiplexes run events. One instance serves the whole engine.
type Mux struct {
	reg registry.Registry
	ps  coord.PubSub
	cfg Config

	mu      sync.Mutex
	streams map[string]*stream

	done chan struct{}
	wg   sync.WaitGroup
}

func New(reg registry.Registry, ps coord.PubSub, cfg Config) *Mux {
	m := &Mux{
		reg:     reg,
		ps:      ps,
		cfg:     cfg.withDefaults(),
		streams: make(map[string]*stream),
		done:    make(chan struct{}),
	}
	m.wg.Add(1)
	go m.flushLoop()
	return m
}

// Close flushes all streams and stops the background flusher.
func (m *Mux) Close(ctx context.Context) {
	close(m.done)
	m.wg.Wait()

	m.mu.Lock()
	ids := make([]string, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.CloseRun(ctx, id)
	}
}

func (m *Mux) flushLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.flushAll()
		}
	}
}

func (m *Mux) flushAll() {
	m.mu.Lock()
	snapshot := make(map[string]*stream, len(m.streams))
	for id, s := range m.streams {
		snapshot[id] = s
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.FlushInterval*4)
	defer cancel()
	for id, s := range snapshot {
		m.flushStream(ctx, id, s)
	}
}

func (m *Mux) streamFor(ctx context.Context, runID string) *stream {
	m.mu.Lock()
	s, ok := m.streams[runID]
	m.mu.Unlock()
	if ok {
		return s
	}

	// Resume the sequence from the persisted high watermark so a run
	// picked up after an engine restart keeps a gap-free stream.
	hwm, err := m.reg.LogHighWatermark(ctx, runID)
	if err != nil {
		logging.Op().Warn("log high watermark unavailable, starting at 1",
			"run_id", runID, "error", err)
		hwm = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[runID]; ok {
		return s
	}
	s = &stream{nextSeq: hwm + 1}
	m.streams[runID] = s
	return s
}

func recordSize(rec *domain.LogRecord) int64 {
	return int64(len(rec.Message) + len(rec.Data) + 64)
}

// Append assigns the next sequence to the record, publishes it live, and
// buffers it for persistence. A failed live publish never blocks the
// run; the record still persists.
func (m *Mux) Append(ctx context.Context, runID string, rec domain.LogRecord) {
	s := m.streamFor(ctx, runID)

	s.mu.Lock()
	if s.truncated {
		s.mu.Unlock()
		metrics.RecordLogRecordsTruncated(1)
		return
	}

	size := recordSize(&rec)
	if s.writtenBytes+s.pendingBytes+size > m.cfg.MaxRunLogBytes {
		marker := domain.LogRecord{
			RunID:     runID,
			Sequence:  s.nextSeq,
			Severity:  domain.SeverityWarn,
			Source:    domain.SourceEngine,
			Timestamp: time.Now().UTC(),
			Message:   "log output truncated: per-run limit reached, further records dropped",
		}
		s.nextSeq++
		s.truncated = true
		s.pending = append(s.pending, marker)
		s.pendingBytes += recordSize(&marker)
		s.mu.Unlock()

		metrics.RecordLogRecordsTruncated(1)
		if err := m.reg.MarkLogTruncated(ctx, runID); err != nil {
			logging.Op().Warn("mark log truncated failed", "run_id", runID, "error", err)
		}
		m.publish(ctx, &Event{Type: EventLog, RunID: runID, Record: &marker})
		return
	}

	rec.RunID = runID
	rec.Sequence = s.nextSeq
	s.nextSeq++
	s.pending = append(s.pending, rec)
	s.pendingBytes += size
	full := len(s.pending) >= m.cfg.BatchSize
	s.mu.Unlock()

	m.publish(ctx, &Event{Type: EventLog, RunID: runID, Record: &rec})
	if full {
		m.flushStream(ctx, runID, s)
	}
}

// Progress publishes a live progress event. Progress is not persisted.
func (m *Mux) Progress(ctx context.Context, runID, phase string, fields json.RawMessage) {
	m.publish(ctx, &Event{Type: EventProgress, RunID: runID, Phase: phase, Fields: fields})
}

// PublishStatus announces a non-terminal status change.
func (m *Mux) PublishStatus(ctx context.Context, runID string, status domain.RunStatus) {
	m.publish(ctx, &Event{Type: EventStatus, RunID: runID, Status: status})
}

// CloseRun force-flushes the run's buffered records and retires its
// sequencer. It reports whether the persisted stream is truncated or
// degraded so the caller can fold that into the terminal record.
func (m *Mux) CloseRun(ctx context.Context, runID string) (truncated, degraded bool) {
	m.mu.Lock()
	s, ok := m.streams[runID]
	delete(m.streams, runID)
	m.mu.Unlock()
	if !ok {
		return false, false
	}

	m.flushStream(ctx, runID, s)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) > 0 {
		// The final flush failed; the tail of the stream is lost.
		logging.Op().Error("dropping unpersisted log tail",
			"run_id", runID, "records", len(s.pending))
		metrics.RecordLogRecordsTruncated(len(s.pending))
		s.pending = nil
		s.truncated = true
		if err := m.reg.MarkLogTruncated(ctx, runID); err != nil {
			logging.Op().Warn("mark log truncated failed", "run_id", runID, "error", err)
		}
	}
	return s.truncated, s.degraded
}

// PublishTerminal announces the run's terminal state. Callers persist
// the outcome first; the terminal event is the signal that the record
// is durable.
func (m *Mux) PublishTerminal(ctx context.Context, runID string, status domain.RunStatus, errKind domain.ErrorKind, errMsg string) {
	m.publish(ctx, &Event{
		Type:         EventTerminal,
		RunID:        runID,
		Status:       status,
		ErrorKind:    errKind,
		ErrorMessage: errMsg,
	})
}

func (m *Mux) flushStream(ctx context.Context, runID string, s *stream) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.pending
	batchBytes := s.pendingBytes
	s.mu.Unlock()

	if err := m.reg.AppendLogs(ctx, runID, batch); err != nil {
		logging.Op().Warn("log batch persistence failed, will retry",
			"run_id", runID, "records", len(batch), "error", err)
		s.mu.Lock()
		first := !s.degraded
		s.degraded = true
		s.mu.Unlock()
		if first {
			m.publish(ctx, &Event{
				Type:         EventStatus,
				RunID:        runID,
				ErrorKind:    domain.KindLogPersistenceDegraded,
				ErrorMessage: "log persistence degraded: live stream may be ahead of the durable log",
			})
		}
		return
	}

	s.mu.Lock()
	s.pending = s.pending[len(batch):]
	s.pendingBytes -= batchBytes
	s.writtenBytes += batchBytes
	s.degraded = false
	s.mu.Unlock()
	metrics.RecordLogRecordsPersisted(len(batch))
}

func (m *Mux) publish(ctx context.Context, ev *Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := m.ps.Publish(ctx, Channel(ev.RunID), payload); err != nil {
		metrics.RecordPubSubDropped()
		logging.Op().Debug("live event publish dropped",
			"run_id", ev.RunID, "type", ev.Type, "error", err)
	}
}
