package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kestrelhq/kestrel/internal/domain"
)

func newRun(t *testing.T, r Registry) *domain.Run {
	t.Helper()
	run := domain.NewRun("org-a",
		domain.Target{Kind: domain.TargetWorkflow, Path: "wf/report"}, nil)
	if err := r.Create(context.Background(), run); err != nil {
		t.Fatalf("create: %v", err)
	}
	return run
}

func mustTransition(t *testing.T, r Registry, runID string, to domain.RunStatus, opts ...TransitionOption) {
	t.Helper()
	changed, err := r.TransitionStatus(context.Background(), runID, to, opts...)
	if err != nil {
		t.Fatalf("transition to %s: %v", to, err)
	}
	if !changed {
		t.Fatalf("transition to %s reported no change", to)
	}
}

func TestTransitionLifecycle(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()
	run := newRun(t, r)

	mustTransition(t, r, run.ID, domain.StatusRunning, WithPoolID("pool-1"))
	got, _ := r.Get(ctx, run.ID)
	if got.Status != domain.StatusRunning {
		t.Fatalf("status = %s", got.Status)
	}
	if got.PoolID != "pool-1" {
		t.Fatalf("pool id = %q", got.PoolID)
	}
	if got.StartedAt == nil {
		t.Fatal("started_at not set")
	}

	mustTransition(t, r, run.ID, domain.StatusSuccess)
	got, _ = r.Get(ctx, run.ID)
	if got.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	r := NewMemoryRegistry()
	run := newRun(t, r)

	// Pending cannot jump straight to Success.
	changed, err := r.TransitionStatus(context.Background(), run.ID, domain.StatusSuccess)
	if changed {
		t.Fatal("illegal transition applied")
	}
	if !domain.IsKind(err, domain.KindIllegalTransition) {
		t.Fatalf("err = %v, want illegal_transition", err)
	}
}

func TestPendingCancelsDirectly(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()
	run := newRun(t, r)

	prior, err := r.CancelRequest(ctx, run.ID, "user requested")
	if err != nil {
		t.Fatalf("cancel request: %v", err)
	}
	if prior != domain.StatusPending {
		t.Fatalf("prior status = %s", prior)
	}
	got, _ := r.Get(ctx, run.ID)
	if got.Status != domain.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if got.CancelReason != "user requested" {
		t.Fatalf("cancel reason = %q", got.CancelReason)
	}
}

func TestRunningCancelsViaCancelling(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()
	run := newRun(t, r)
	mustTransition(t, r, run.ID, domain.StatusRunning)

	prior, err := r.CancelRequest(ctx, run.ID, "operator stop")
	if err != nil {
		t.Fatalf("cancel request: %v", err)
	}
	if prior != domain.StatusRunning {
		t.Fatalf("prior status = %s", prior)
	}
	got, _ := r.Get(ctx, run.ID)
	if got.Status != domain.StatusCancelling {
		t.Fatalf("status = %s, want cancelling", got.Status)
	}
}

func TestRequeueRestoresPending(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()
	run := newRun(t, r)
	mustTransition(t, r, run.ID, domain.StatusRunning, WithPoolID("pool-1"))

	changed, err := r.Requeue(ctx, run.ID)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if !changed {
		t.Fatal("requeue reported no change for a running run")
	}
	got, _ := r.Get(ctx, run.ID)
	if got.Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.PoolID != "" || got.StartedAt != nil {
		t.Fatalf("pool assignment not cleared: pool=%q started=%v", got.PoolID, got.StartedAt)
	}

	// The run can start again on the next delivery.
	mustTransition(t, r, run.ID, domain.StatusRunning, WithPoolID("pool-2"))
}

func TestRequeueLeavesOtherStatusesAlone(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()
	run := newRun(t, r)

	changed, err := r.Requeue(ctx, run.ID)
	if err != nil || changed {
		t.Fatalf("requeue of pending run: changed=%v err=%v", changed, err)
	}

	mustTransition(t, r, run.ID, domain.StatusRunning)
	mustTransition(t, r, run.ID, domain.StatusSuccess)
	changed, err = r.Requeue(ctx, run.ID)
	if err != nil || changed {
		t.Fatalf("requeue of terminal run: changed=%v err=%v", changed, err)
	}
	got, _ := r.Get(ctx, run.ID)
	if got.Status != domain.StatusSuccess {
		t.Fatalf("terminal status disturbed: %s", got.Status)
	}
}

func TestFirstTerminalWriteWins(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()
	run := newRun(t, r)
	mustTransition(t, r, run.ID, domain.StatusRunning)
	mustTransition(t, r, run.ID, domain.StatusCancelling)

	// The worker finishes naturally while the cancel is in flight.
	changed, err := r.RecordOutcome(ctx, run.ID, &RunOutcome{
		Status: domain.StatusSuccess,
		Result: json.RawMessage(`{"ok":true}`),
	})
	if err != nil || !changed {
		t.Fatalf("record outcome: changed=%v err=%v", changed, err)
	}

	// The late Cancelled write is ignored, not an error.
	changed, err = r.TransitionStatus(ctx, run.ID, domain.StatusCancelled)
	if err != nil {
		t.Fatalf("late cancel: %v", err)
	}
	if changed {
		t.Fatal("late cancel overwrote a terminal status")
	}
	got, _ := r.Get(ctx, run.ID)
	if got.Status != domain.StatusSuccess {
		t.Fatalf("status = %s, want success", got.Status)
	}
}

func TestRecordOutcomeWritesFields(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()
	run := newRun(t, r)
	mustTransition(t, r, run.ID, domain.StatusRunning)

	changed, err := r.RecordOutcome(ctx, run.ID, &RunOutcome{
		Status:       domain.StatusFailed,
		ErrorKind:    domain.KindUserCodeFailure,
		ErrorMessage: "boom",
		Usage:        domain.ResourceUsage{PeakMemoryBytes: 1 << 20, DurationMS: 42},
		LogTruncated: true,
	})
	if err != nil || !changed {
		t.Fatalf("record outcome: changed=%v err=%v", changed, err)
	}
	got, _ := r.Get(ctx, run.ID)
	if got.ErrorKind != domain.KindUserCodeFailure || got.ErrorMessage != "boom" {
		t.Fatalf("error fields: %s %q", got.ErrorKind, got.ErrorMessage)
	}
	if got.Usage.PeakMemoryBytes != 1<<20 || got.Usage.DurationMS != 42 {
		t.Fatalf("usage: %+v", got.Usage)
	}
	if !got.LogTruncated {
		t.Fatal("log_truncated not set")
	}
}

func logRecord(runID string, seq uint64, msg string) domain.LogRecord {
	return domain.LogRecord{
		RunID:     runID,
		Sequence:  seq,
		Severity:  domain.SeverityInfo,
		Source:    domain.SourceUser,
		Timestamp: time.Now().UTC(),
		Message:   msg,
	}
}

func TestAppendLogsRequiresIncreasingSequence(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()
	run := newRun(t, r)

	err := r.AppendLogs(ctx, run.ID, []domain.LogRecord{
		logRecord(run.ID, 1, "one"),
		logRecord(run.ID, 2, "two"),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	// A batch reusing a persisted sequence is rejected whole.
	err = r.AppendLogs(ctx, run.ID, []domain.LogRecord{
		logRecord(run.ID, 2, "dup"),
		logRecord(run.ID, 3, "three"),
	})
	if err == nil {
		t.Fatal("duplicate sequence accepted")
	}
	if hwm, _ := r.LogHighWatermark(ctx, run.ID); hwm != 2 {
		t.Fatalf("hwm = %d, want 2 (rejected batch partially applied)", hwm)
	}

	err = r.AppendLogs(ctx, run.ID, []domain.LogRecord{logRecord(run.ID, 3, "three")})
	if err != nil {
		t.Fatalf("append after rejection: %v", err)
	}
}

func TestLogsAfterSeq(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()
	run := newRun(t, r)

	r.AppendLogs(ctx, run.ID, []domain.LogRecord{
		logRecord(run.ID, 1, "one"),
		logRecord(run.ID, 2, "two"),
		logRecord(run.ID, 3, "three"),
	})

	recs, err := r.Logs(ctx, run.ID, 1, 0)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(recs) != 2 || recs[0].Sequence != 2 || recs[1].Sequence != 3 {
		t.Fatalf("logs after 1: %+v", recs)
	}

	recs, _ = r.Logs(ctx, run.ID, 0, 1)
	if len(recs) != 1 || recs[0].Sequence != 1 {
		t.Fatalf("limited logs: %+v", recs)
	}
}

func TestAppendLogsAfterTerminalAllowed(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()
	run := newRun(t, r)
	mustTransition(t, r, run.ID, domain.StatusRunning)
	mustTransition(t, r, run.ID, domain.StatusSuccess)

	// Tail flushes land after the terminal write; they still persist.
	if err := r.AppendLogs(ctx, run.ID, []domain.LogRecord{logRecord(run.ID, 1, "tail")}); err != nil {
		t.Fatalf("append after terminal: %v", err)
	}
}

func TestListFilters(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	a := domain.NewRun("org-a", domain.Target{Kind: domain.TargetWorkflow, Path: "wf/a"}, nil)
	b := domain.NewRun("org-b", domain.Target{Kind: domain.TargetWorkflow, Path: "wf/b"}, nil)
	r.Create(ctx, a)
	r.Create(ctx, b)
	r.TransitionStatus(ctx, b.ID, domain.StatusRunning)

	runs, err := r.List(ctx, ListFilter{Org: "org-a"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != a.ID {
		t.Fatalf("org filter: %+v", runs)
	}

	runs, _ = r.List(ctx, ListFilter{Statuses: []domain.RunStatus{domain.StatusRunning}})
	if len(runs) != 1 || runs[0].ID != b.ID {
		t.Fatalf("status filter: %+v", runs)
	}
}

func TestTakeDueDelayedRuns(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()
	now := time.Now().UTC()

	r.CreateDelayedRun(ctx, &DelayedRun{
		RunID:  "due",
		Org:    "org-a",
		Target: domain.Target{Kind: domain.TargetWorkflow, Path: "wf/x"},
		DueAt:  now.Add(-time.Second),
	})
	r.CreateDelayedRun(ctx, &DelayedRun{
		RunID:  "future",
		Org:    "org-a",
		Target: domain.Target{Kind: domain.TargetWorkflow, Path: "wf/y"},
		DueAt:  now.Add(time.Hour),
	})

	due, err := r.TakeDueDelayedRuns(ctx, now, time.Minute)
	if err != nil {
		t.Fatalf("take due: %v", err)
	}
	if len(due) != 1 || due[0].RunID != "due" {
		t.Fatalf("due = %+v", due)
	}

	// A claimed run is invisible to other sweeps inside the retry window.
	due, _ = r.TakeDueDelayedRuns(ctx, now, time.Minute)
	if len(due) != 0 {
		t.Fatalf("claimed run handed out twice: %+v", due)
	}

	// An unsettled claim comes back once the window passes, so a sweeper
	// that crashed mid-enqueue does not lose the run.
	due, _ = r.TakeDueDelayedRuns(ctx, now.Add(2*time.Minute), time.Minute)
	if len(due) != 1 || due[0].RunID != "due" {
		t.Fatalf("unsettled claim not re-offered: %+v", due)
	}

	// Settling removes the row for good.
	if err := r.DeleteDelayedRun(ctx, "due"); err != nil {
		t.Fatalf("delete delayed: %v", err)
	}
	due, _ = r.TakeDueDelayedRuns(ctx, now.Add(time.Hour), time.Minute)
	if len(due) != 1 || due[0].RunID != "future" {
		t.Fatalf("after settle = %+v", due)
	}
}

func TestUnknownRun(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	if _, err := r.Get(ctx, "nope"); err != ErrRunNotFound {
		t.Fatalf("get: %v", err)
	}
	if _, err := r.TransitionStatus(ctx, "nope", domain.StatusRunning); err != ErrRunNotFound {
		t.Fatalf("transition: %v", err)
	}
}
