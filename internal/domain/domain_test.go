package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestStatusMachine(t *testing.T) {
	legal := []struct{ from, to RunStatus }{
		{StatusPending, StatusRunning},
		{StatusPending, StatusCancelled},
		{StatusPending, StatusFailed},
		{StatusRunning, StatusSuccess},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusCompletedWithErrors},
		{StatusRunning, StatusTimeout},
		{StatusRunning, StatusCancelling},
		{StatusCancelling, StatusCancelled},
		{StatusCancelling, StatusSuccess},
		{StatusCancelling, StatusTimeout},
	}
	for _, tc := range legal {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s rejected", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to RunStatus }{
		{StatusPending, StatusSuccess},
		{StatusPending, StatusCancelling},
		{StatusRunning, StatusPending},
		{StatusSuccess, StatusRunning},
		{StatusSuccess, StatusCancelled},
		{StatusCancelled, StatusRunning},
		{StatusFailed, StatusSuccess},
	}
	for _, tc := range illegal {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s allowed", tc.from, tc.to)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []RunStatus{StatusSuccess, StatusFailed,
		StatusCompletedWithErrors, StatusTimeout, StatusCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s not terminal", s)
		}
		for _, to := range []RunStatus{StatusRunning, StatusCancelled, StatusSuccess} {
			if CanTransition(s, to) {
				t.Errorf("terminal %s admits transition to %s", s, to)
			}
		}
	}
	for _, s := range []RunStatus{StatusPending, StatusRunning, StatusCancelling} {
		if s.IsTerminal() {
			t.Errorf("%s reported terminal", s)
		}
	}
}

func TestErrorKindTerminalStatus(t *testing.T) {
	cases := map[ErrorKind]RunStatus{
		KindTimeout:         StatusTimeout,
		KindCancelled:       StatusCancelled,
		KindUserCodeFailure: StatusFailed,
		KindMemoryLimit:     StatusFailed,
		KindWorkerCrashed:   StatusFailed,
		KindWorkerLost:      StatusFailed,
		KindImportDenied:    StatusFailed,
	}
	for kind, want := range cases {
		if got := kind.TerminalStatus(); got != want {
			t.Errorf("%s terminal status = %s, want %s", kind, got, want)
		}
	}
}

func TestOnlyOverloadedIsRetryable(t *testing.T) {
	for _, kind := range []ErrorKind{KindUserCodeFailure, KindTimeout, KindMemoryLimit,
		KindCancelled, KindWorkerCrashed, KindWorkerLost, KindImportDenied,
		KindUndeliverable, KindIllegalTransition} {
		if kind.Retryable() {
			t.Errorf("%s reported retryable", kind)
		}
	}
	if !KindOverloaded.Retryable() {
		t.Error("overloaded not retryable")
	}
}

func TestClassifyAndIsKind(t *testing.T) {
	err := NewError(KindImportDenied, "import of %q", "secret/mod")
	if !IsKind(err, KindImportDenied) {
		t.Fatal("IsKind missed direct error")
	}
	wrapped := fmt.Errorf("resolving: %w", err)
	if !IsKind(wrapped, KindImportDenied) {
		t.Fatal("IsKind missed wrapped error")
	}
	if IsKind(errors.New("plain"), KindImportDenied) {
		t.Fatal("IsKind matched unclassified error")
	}
	if got := Classify(errors.New("plain"), KindWorkerCrashed); got != KindWorkerCrashed {
		t.Fatalf("classify fallback = %s", got)
	}
	if got := Classify(err, KindWorkerCrashed); got != KindImportDenied {
		t.Fatalf("classify = %s", got)
	}
}

func TestTargetValidate(t *testing.T) {
	valid := []Target{
		{Kind: TargetWorkflow, Path: "wf/x"},
		{Kind: TargetModule, Path: "lib/util"},
		{Kind: TargetInline, Code: "return 1"},
	}
	for _, tgt := range valid {
		if err := tgt.Validate(); err != nil {
			t.Errorf("%+v rejected: %v", tgt, err)
		}
	}
	invalid := []Target{
		{Kind: TargetWorkflow},
		{Kind: TargetInline},
		{Kind: "mystery", Path: "x"},
	}
	for _, tgt := range invalid {
		if err := tgt.Validate(); err == nil {
			t.Errorf("%+v accepted", tgt)
		}
	}
}

func TestOrgScope(t *testing.T) {
	if GlobalScope.String() != "global" {
		t.Fatalf("global scope renders %q", GlobalScope.String())
	}
	if !GlobalScope.IsGlobal() {
		t.Fatal("global scope not global")
	}
	org := OrgScope("org-a")
	if org.IsGlobal() || org.String() != "org-a" {
		t.Fatalf("org scope: %q", org.String())
	}
}

func TestHashContentIsStable(t *testing.T) {
	a := HashContent([]byte("module body"))
	b := HashContent([]byte("module body"))
	c := HashContent([]byte("module body changed"))
	if a != b {
		t.Fatal("hash not deterministic")
	}
	if a == c {
		t.Fatal("distinct content hashed equal")
	}
	if len(a) != 64 {
		t.Fatalf("hash length = %d", len(a))
	}
}

func TestNewRunDefaults(t *testing.T) {
	run := NewRun("org-a", Target{Kind: TargetInline, Code: "x"}, nil)
	if run.ID == "" {
		t.Fatal("missing id")
	}
	if run.Status != StatusPending {
		t.Fatalf("status = %s", run.Status)
	}
	if run.EnqueuedAt.IsZero() {
		t.Fatal("missing enqueue time")
	}
}
