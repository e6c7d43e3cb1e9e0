// Package queue is the durable run-request queue between the API edge
// and the dispatcher. Delivery is at-least-once with leases; consumers
// ack, nack with a backoff hint, or dead-letter. A push notifier cuts
// dispatch latency below the poll interval.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kestrelhq/kestrel/internal/domain"
)

// Message is one run request. Messages are idempotent on run id: a
// second Publish of the same run id is dropped.
type Message struct {
	RunID       string          `json:"run_id"`
	Org         domain.OrgScope `json:"org"`
	RequesterID string          `json:"requester_id,omitempty"`
	Target      domain.Target   `json:"target"`
	// Inputs holds small payloads inline; InputsID references a blob
	// when the payload was stored out-of-band.
	Inputs   json.RawMessage `json:"inputs,omitempty"`
	InputsID string          `json:"inputs_id,omitempty"`

	DeadlineOverrideMS int64  `json:"deadline_override_ms,omitempty"`
	MemoryLimitBytes   uint64 `json:"memory_limit_bytes,omitempty"`
	Priority           int    `json:"priority,omitempty"`
	TraceParent        string `json:"traceparent,omitempty"`

	// Attempt is the delivery attempt, starting at 1 on first Consume.
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// RunQueue is the durable queue contract.
type RunQueue interface {
	// Publish enqueues a message, optionally delayed. Publishing an
	// already-known run id is a no-op.
	Publish(ctx context.Context, msg *Message, delay time.Duration) error

	// Consume leases the next due message for the consumer, or returns
	// (nil, nil) when the queue is empty. The lease must be resolved by
	// Ack, Nack, or DeadLetter before it expires or the message is
	// redelivered.
	Consume(ctx context.Context, consumerID string, lease time.Duration) (*Message, error)

	// Ack removes a delivered message.
	Ack(ctx context.Context, runID string) error

	// Nack returns a message to the queue after backoff.
	Nack(ctx context.Context, runID string, backoff time.Duration) error

	// DeadLetter parks a message permanently.
	DeadLetter(ctx context.Context, runID string, reason string) error

	// Depth counts messages waiting or leased.
	Depth(ctx context.Context) (int, error)
}
