package queue

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelhq/kestrel/internal/domain"
)

func testMessage(runID string) *Message {
	return &Message{
		RunID:  runID,
		Org:    "org-a",
		Target: domain.Target{Kind: domain.TargetWorkflow, Path: "wf/x"},
	}
}

func TestPublishIsIdempotentOnRunID(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	if err := q.Publish(ctx, testMessage("run-1"), 0); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := q.Publish(ctx, testMessage("run-1"), 0); err != nil {
		t.Fatalf("duplicate publish: %v", err)
	}
	if n, _ := q.Depth(ctx); n != 1 {
		t.Fatalf("depth = %d, want 1", n)
	}
}

func TestConsumeLeaseAndAck(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	q.Publish(ctx, testMessage("run-1"), 0)
	msg, err := q.Consume(ctx, "c1", time.Minute)
	if err != nil || msg == nil {
		t.Fatalf("consume: %v %v", msg, err)
	}
	if msg.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", msg.Attempt)
	}

	// Leased messages are invisible to other consumers.
	if other, _ := q.Consume(ctx, "c2", time.Minute); other != nil {
		t.Fatalf("leased message redelivered: %+v", other)
	}

	if err := q.Ack(ctx, "run-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n, _ := q.Depth(ctx); n != 0 {
		t.Fatalf("depth after ack = %d", n)
	}
}

func TestExpiredLeaseRedelivers(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	q.Publish(ctx, testMessage("run-1"), 0)
	if msg, _ := q.Consume(ctx, "c1", time.Millisecond); msg == nil {
		t.Fatal("first consume empty")
	}
	time.Sleep(5 * time.Millisecond)

	msg, err := q.Consume(ctx, "c2", time.Minute)
	if err != nil || msg == nil {
		t.Fatalf("redelivery: %v %v", msg, err)
	}
	if msg.Attempt != 2 {
		t.Fatalf("attempt = %d, want 2", msg.Attempt)
	}
}

func TestNackDelaysRedelivery(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	q.Publish(ctx, testMessage("run-1"), 0)
	q.Consume(ctx, "c1", time.Minute)
	if err := q.Nack(ctx, "run-1", 30*time.Millisecond); err != nil {
		t.Fatalf("nack: %v", err)
	}

	if msg, _ := q.Consume(ctx, "c1", time.Minute); msg != nil {
		t.Fatal("message redelivered before backoff elapsed")
	}
	time.Sleep(40 * time.Millisecond)
	msg, _ := q.Consume(ctx, "c1", time.Minute)
	if msg == nil || msg.Attempt != 2 {
		t.Fatalf("after backoff: %+v", msg)
	}
}

func TestDelayedPublish(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	q.Publish(ctx, testMessage("run-1"), 30*time.Millisecond)
	if msg, _ := q.Consume(ctx, "c1", time.Minute); msg != nil {
		t.Fatal("delayed message delivered early")
	}
	time.Sleep(40 * time.Millisecond)
	if msg, _ := q.Consume(ctx, "c1", time.Minute); msg == nil {
		t.Fatal("delayed message never delivered")
	}
}

func TestDeadLetterRemovesFromRotation(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	q.Publish(ctx, testMessage("run-1"), 0)
	q.Consume(ctx, "c1", time.Millisecond)
	if err := q.DeadLetter(ctx, "run-1", "redelivery budget exhausted"); err != nil {
		t.Fatalf("dead-letter: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if msg, _ := q.Consume(ctx, "c1", time.Minute); msg != nil {
		t.Fatalf("dead-lettered message redelivered: %+v", msg)
	}
}

func TestPriorityOrdering(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	low := testMessage("run-low")
	high := testMessage("run-high")
	high.Priority = 10
	q.Publish(ctx, low, 0)
	q.Publish(ctx, high, 0)

	msg, _ := q.Consume(ctx, "c1", time.Minute)
	if msg == nil || msg.RunID != "run-high" {
		t.Fatalf("expected high-priority first, got %+v", msg)
	}
}

func TestChannelNotifierWakesSubscribers(t *testing.T) {
	n := NewChannelNotifier()
	defer n.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := n.Subscribe(ctx)
	if err := n.Notify(ctx); err != nil {
		t.Fatalf("notify: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("subscriber never woke")
	}
}

func TestChannelNotifierCoalescesSignals(t *testing.T) {
	n := NewChannelNotifier()
	defer n.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := n.Subscribe(ctx)
	for i := 0; i < 10; i++ {
		n.Notify(ctx)
	}
	<-ch
	select {
	case <-ch:
		// One extra buffered signal is fine.
	default:
	}
}
