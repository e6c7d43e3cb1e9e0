package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	msg         *Message
	status      string
	nextRunAt   time.Time
	lockedUntil time.Time
	lastError   string
}

// MemoryQueue is an in-process RunQueue used in tests and single-node
// development mode. Semantics match the Postgres implementation,
// including lease expiry redelivery.
type MemoryQueue struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{entries: make(map[string]*memoryEntry)}
}

func (q *MemoryQueue) Publish(_ context.Context, msg *Message, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.entries[msg.RunID]; exists {
		return nil
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	cp := *msg
	q.entries[msg.RunID] = &memoryEntry{
		msg:       &cp,
		status:    "queued",
		nextRunAt: time.Now().UTC().Add(delay),
	}
	return nil
}

func (q *MemoryQueue) Consume(_ context.Context, consumerID string, lease time.Duration) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now().UTC()

	var due []*memoryEntry
	for _, e := range q.entries {
		if (e.status == "queued" && !e.nextRunAt.After(now)) ||
			(e.status == "leased" && e.lockedUntil.Before(now)) {
			due = append(due, e)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].msg.Priority != due[j].msg.Priority {
			return due[i].msg.Priority > due[j].msg.Priority
		}
		if !due[i].nextRunAt.Equal(due[j].nextRunAt) {
			return due[i].nextRunAt.Before(due[j].nextRunAt)
		}
		return due[i].msg.EnqueuedAt.Before(due[j].msg.EnqueuedAt)
	})

	e := due[0]
	e.status = "leased"
	e.lockedUntil = now.Add(lease)
	e.msg.Attempt++
	cp := *e.msg
	return &cp, nil
}

func (q *MemoryQueue) Ack(_ context.Context, runID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, runID)
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, runID string, backoff time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[runID]; ok {
		e.status = "queued"
		e.nextRunAt = time.Now().UTC().Add(backoff)
	}
	return nil
}

func (q *MemoryQueue) DeadLetter(_ context.Context, runID string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[runID]; ok {
		e.status = "dead"
		e.lastError = reason
	}
	return nil
}

func (q *MemoryQueue) Depth(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if e.status == "queued" || e.status == "leased" {
			n++
		}
	}
	return n, nil
}

var _ RunQueue = (*MemoryQueue)(nil)
