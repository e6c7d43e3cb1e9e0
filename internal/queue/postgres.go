package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresQueue implements RunQueue on a single table with
// FOR UPDATE SKIP LOCKED lease acquisition, so multiple dispatcher
// instances can consume concurrently without double delivery inside a
// lease window.
type PostgresQueue struct {
	pool *pgxpool.Pool
}

func NewPostgresQueue(ctx context.Context, pool *pgxpool.Pool) (*PostgresQueue, error) {
	q := &PostgresQueue{pool: pool}
	if err := q.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *PostgresQueue) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS run_queue (
			run_id TEXT PRIMARY KEY,
			payload JSONB NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			priority INTEGER NOT NULL DEFAULT 0,
			attempt INTEGER NOT NULL DEFAULT 0,
			next_run_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			locked_by TEXT,
			locked_until TIMESTAMPTZ,
			last_error TEXT,
			enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_queue_due
			ON run_queue(next_run_at) WHERE status IN ('queued', 'leased')`,
	}
	for _, stmt := range stmts {
		if _, err := q.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure queue schema: %w", err)
		}
	}
	return nil
}

func (q *PostgresQueue) Publish(ctx context.Context, msg *Message, delay time.Duration) error {
	if msg.RunID == "" {
		return fmt.Errorf("publish: run id is required")
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("publish %s: %w", msg.RunID, err)
	}
	_, err = q.pool.Exec(ctx, `
		INSERT INTO run_queue (run_id, payload, priority, next_run_at, enqueued_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id) DO NOTHING`,
		msg.RunID, payload, msg.Priority, time.Now().UTC().Add(delay), msg.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("publish %s: %w", msg.RunID, err)
	}
	return nil
}

func (q *PostgresQueue) Consume(ctx context.Context, consumerID string, lease time.Duration) (*Message, error) {
	now := time.Now().UTC()
	var payload []byte
	var attempt int
	err := q.pool.QueryRow(ctx, `
		UPDATE run_queue SET
			status = 'leased',
			attempt = attempt + 1,
			locked_by = $1,
			locked_until = $2,
			updated_at = $3
		WHERE run_id = (
			SELECT run_id FROM run_queue
			WHERE (status = 'queued' AND next_run_at <= $3)
			   OR (status = 'leased' AND locked_until < $3)
			ORDER BY priority DESC, next_run_at ASC, enqueued_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING payload, attempt`,
		consumerID, now.Add(lease), now).Scan(&payload, &attempt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}

	msg := &Message{}
	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("consume: decode payload: %w", err)
	}
	msg.Attempt = attempt
	return msg, nil
}

func (q *PostgresQueue) Ack(ctx context.Context, runID string) error {
	_, err := q.pool.Exec(ctx, `DELETE FROM run_queue WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("ack %s: %w", runID, err)
	}
	return nil
}

func (q *PostgresQueue) Nack(ctx context.Context, runID string, backoff time.Duration) error {
	now := time.Now().UTC()
	_, err := q.pool.Exec(ctx, `
		UPDATE run_queue SET
			status = 'queued',
			locked_by = NULL,
			locked_until = NULL,
			next_run_at = $2,
			updated_at = $3
		WHERE run_id = $1`,
		runID, now.Add(backoff), now)
	if err != nil {
		return fmt.Errorf("nack %s: %w", runID, err)
	}
	return nil
}

func (q *PostgresQueue) DeadLetter(ctx context.Context, runID string, reason string) error {
	now := time.Now().UTC()
	_, err := q.pool.Exec(ctx, `
		UPDATE run_queue SET
			status = 'dead',
			locked_by = NULL,
			locked_until = NULL,
			last_error = $2,
			updated_at = $3
		WHERE run_id = $1`,
		runID, reason, now)
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", runID, err)
	}
	return nil
}

func (q *PostgresQueue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM run_queue WHERE status IN ('queued', 'leased')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

var _ RunQueue = (*PostgresQueue)(nil)
