package mux

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrelhq/kestrel/internal/coord"
	"github.com/kestrelhq/kestrel/internal/domain"
	"github.com/kestrelhq/kestrel/internal/registry"
)

func newTestMux(t *testing.T, reg registry.Registry, cfg Config) (*Mux, *coord.ChannelPubSub) {
	t.Helper()
	ps := coord.NewChannelPubSub()
	m := New(reg, ps, cfg)
	t.Cleanup(func() {
		m.Close(context.Background())
		ps.Close()
	})
	return m, ps
}

func createRun(t *testing.T, reg registry.Registry) *domain.Run {
	t.Helper()
	run := domain.NewRun("org-a",
		domain.Target{Kind: domain.TargetWorkflow, Path: "wf/report"}, nil)
	if err := reg.Create(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func userLog(msg string) domain.LogRecord {
	return domain.LogRecord{
		Severity:  domain.SeverityInfo,
		Source:    domain.SourceUser,
		Timestamp: time.Now().UTC(),
		Message:   msg,
	}
}

func TestAppendAssignsGapFreeSequence(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	m, _ := newTestMux(t, reg, Config{})
	ctx := context.Background()
	run := createRun(t, reg)

	m.Append(ctx, run.ID, userLog("one"))
	m.Append(ctx, run.ID, userLog("two"))
	m.Append(ctx, run.ID, userLog("three"))
	m.CloseRun(ctx, run.ID)

	recs, err := reg.Logs(ctx, run.ID, 0, 0)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("persisted %d records, want 3", len(recs))
	}
	for i, rec := range recs {
		if rec.Sequence != uint64(i+1) {
			t.Fatalf("record %d has sequence %d", i, rec.Sequence)
		}
	}
}

func TestBatchSizeForcesFlush(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	m, _ := newTestMux(t, reg, Config{BatchSize: 2, FlushInterval: time.Hour})
	ctx := context.Background()
	run := createRun(t, reg)

	m.Append(ctx, run.ID, userLog("one"))
	if hwm, _ := reg.LogHighWatermark(ctx, run.ID); hwm != 0 {
		t.Fatalf("flushed before batch filled, hwm = %d", hwm)
	}
	m.Append(ctx, run.ID, userLog("two"))
	if hwm, _ := reg.LogHighWatermark(ctx, run.ID); hwm != 2 {
		t.Fatalf("hwm = %d, want 2 after batch flush", hwm)
	}
}

func TestSequenceResumesFromHighWatermark(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	ctx := context.Background()
	run := createRun(t, reg)

	// Records persisted by a previous engine instance.
	reg.AppendLogs(ctx, run.ID, []domain.LogRecord{
		{RunID: run.ID, Sequence: 1, Severity: domain.SeverityInfo,
			Source: domain.SourceUser, Timestamp: time.Now().UTC(), Message: "old"},
	})

	m, _ := newTestMux(t, reg, Config{})
	m.Append(ctx, run.ID, userLog("resumed"))
	m.CloseRun(ctx, run.ID)

	hwm, _ := reg.LogHighWatermark(ctx, run.ID)
	if hwm != 2 {
		t.Fatalf("hwm = %d, want 2", hwm)
	}
}

func TestTruncationWritesMarkerAndDrops(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	m, _ := newTestMux(t, reg, Config{MaxRunLogBytes: 200})
	ctx := context.Background()
	run := createRun(t, reg)

	big := make([]byte, 120)
	for i := range big {
		big[i] = 'x'
	}
	m.Append(ctx, run.ID, userLog(string(big)))
	m.Append(ctx, run.ID, userLog(string(big))) // crosses the bound
	m.Append(ctx, run.ID, userLog("dropped"))
	truncated, _ := m.CloseRun(ctx, run.ID)

	if !truncated {
		t.Fatal("stream not reported truncated")
	}
	recs, _ := reg.Logs(ctx, run.ID, 0, 0)
	if len(recs) != 2 {
		t.Fatalf("persisted %d records, want first record plus marker", len(recs))
	}
	marker := recs[1]
	if marker.Source != domain.SourceEngine || marker.Severity != domain.SeverityWarn {
		t.Fatalf("marker record: %+v", marker)
	}
	got, _ := reg.Get(ctx, run.ID)
	if !got.LogTruncated {
		t.Fatal("run not flagged truncated")
	}
}

// flakyRegistry fails AppendLogs while failing is set.
type flakyRegistry struct {
	registry.Registry
	failing atomic.Bool
}

func (f *flakyRegistry) AppendLogs(ctx context.Context, runID string, records []domain.LogRecord) error {
	if f.failing.Load() {
		return errors.New("storage unavailable")
	}
	return f.Registry.AppendLogs(ctx, runID, records)
}

func TestPersistenceFailureRetainsBatchForRetry(t *testing.T) {
	flaky := &flakyRegistry{Registry: registry.NewMemoryRegistry()}
	m, _ := newTestMux(t, flaky, Config{BatchSize: 1, FlushInterval: time.Hour})
	ctx := context.Background()
	run := createRun(t, flaky)

	flaky.failing.Store(true)
	m.Append(ctx, run.ID, userLog("one"))
	if hwm, _ := flaky.LogHighWatermark(ctx, run.ID); hwm != 0 {
		t.Fatalf("record persisted through a failing store, hwm = %d", hwm)
	}

	flaky.failing.Store(false)
	truncated, _ := m.CloseRun(ctx, run.ID)
	if truncated {
		t.Fatal("retried batch reported as truncated")
	}
	recs, _ := flaky.Logs(ctx, run.ID, 0, 0)
	if len(recs) != 1 || recs[0].Message != "one" {
		t.Fatalf("retried batch not persisted: %+v", recs)
	}
}

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("stream closed early")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestSubscribeReplaysCompletedRun(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	m, _ := newTestMux(t, reg, Config{})
	ctx := context.Background()
	run := createRun(t, reg)

	reg.TransitionStatus(ctx, run.ID, domain.StatusRunning)
	m.Append(ctx, run.ID, userLog("one"))
	m.Append(ctx, run.ID, userLog("two"))
	m.CloseRun(ctx, run.ID)
	reg.RecordOutcome(ctx, run.ID, &registry.RunOutcome{Status: domain.StatusSuccess})

	sub, err := m.Subscribe(ctx, run.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	snap := recvEvent(t, sub)
	if snap.Type != EventSnapshot || snap.Status != domain.StatusSuccess || snap.SeqHWM != 2 {
		t.Fatalf("snapshot: %+v", snap)
	}
	for want := uint64(1); want <= 2; want++ {
		ev := recvEvent(t, sub)
		if ev.Type != EventLog || ev.Record.Sequence != want {
			t.Fatalf("backlog event: %+v", ev)
		}
	}
	term := recvEvent(t, sub)
	if term.Type != EventTerminal || term.Status != domain.StatusSuccess {
		t.Fatalf("terminal: %+v", term)
	}
	if _, open := <-sub; open {
		t.Fatal("stream stayed open after terminal")
	}
}

func TestSubscribeLiveDeliversOneTerminal(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	m, _ := newTestMux(t, reg, Config{})
	ctx := context.Background()
	run := createRun(t, reg)
	reg.TransitionStatus(ctx, run.ID, domain.StatusRunning)

	sub, err := m.Subscribe(ctx, run.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	snap := recvEvent(t, sub)
	if snap.Type != EventSnapshot || snap.Status != domain.StatusRunning {
		t.Fatalf("snapshot: %+v", snap)
	}

	m.Append(ctx, run.ID, userLog("live"))
	ev := recvEvent(t, sub)
	if ev.Type != EventLog || ev.Record.Sequence != 1 || ev.Record.Message != "live" {
		t.Fatalf("live log: %+v", ev)
	}

	m.CloseRun(ctx, run.ID)
	reg.RecordOutcome(ctx, run.ID, &registry.RunOutcome{Status: domain.StatusSuccess})
	m.PublishTerminal(ctx, run.ID, domain.StatusSuccess, "", "")

	terminals := 0
	for ev := range sub {
		if ev.Type == EventTerminal {
			terminals++
		}
		if ev.Type == EventLog && ev.Record.Sequence <= 1 {
			t.Fatalf("duplicate log record delivered: %+v", ev)
		}
	}
	if terminals != 1 {
		t.Fatalf("received %d terminal events, want exactly 1", terminals)
	}
}

func TestProgressIsLiveOnly(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	m, _ := newTestMux(t, reg, Config{})
	ctx := context.Background()
	run := createRun(t, reg)
	reg.TransitionStatus(ctx, run.ID, domain.StatusRunning)

	sub, _ := m.Subscribe(ctx, run.ID)
	recvEvent(t, sub) // snapshot

	m.Progress(ctx, run.ID, "extract", nil)
	ev := recvEvent(t, sub)
	if ev.Type != EventProgress || ev.Phase != "extract" {
		t.Fatalf("progress: %+v", ev)
	}
	if hwm, _ := reg.LogHighWatermark(ctx, run.ID); hwm != 0 {
		t.Fatalf("progress was persisted, hwm = %d", hwm)
	}
}
