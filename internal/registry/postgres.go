package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kestrelhq/kestrel/internal/domain"
)

// PostgresRegistry is the production Registry. Status transitions run
// in a transaction with the row locked, so each run's transition is
// atomic and writers serialize per run id.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

func NewPostgresRegistry(ctx context.Context, pool *pgxpool.Pool) (*PostgresRegistry, error) {
	r := &PostgresRegistry{pool: pool}
	if err := r.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *PostgresRegistry) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL DEFAULT '',
			target JSONB NOT NULL,
			requester_id TEXT NOT NULL DEFAULT '',
			inputs JSONB,
			inputs_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			pool_id TEXT NOT NULL DEFAULT '',
			result JSONB,
			error_kind TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			usage JSONB,
			cancel_reason TEXT NOT NULL DEFAULT '',
			log_truncated BOOLEAN NOT NULL DEFAULT FALSE,
			enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_org ON runs(org_id, enqueued_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status) WHERE status IN ('running', 'cancelling')`,
		`CREATE TABLE IF NOT EXISTS run_logs (
			run_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			severity TEXT NOT NULL,
			source TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			message TEXT NOT NULL,
			data JSONB,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS cron_triggers (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL DEFAULT '',
			target JSONB NOT NULL,
			expression TEXT NOT NULL,
			inputs JSONB,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			last_run_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS delayed_runs (
			run_id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL DEFAULT '',
			target JSONB NOT NULL,
			inputs JSONB,
			due_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_delayed_runs_due ON delayed_runs(due_at)`,
	}
	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure registry schema: %w", err)
		}
	}
	return nil
}

func (r *PostgresRegistry) Create(ctx context.Context, run *domain.Run) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO runs (id, org_id, target, requester_id, inputs, inputs_id, status, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		run.ID, string(run.Org), run.Target, run.RequesterID,
		run.Inputs, run.InputsID, string(run.Status), run.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

const runColumns = `id, org_id, target, requester_id, inputs, inputs_id, status, pool_id,
	result, error_kind, error_message, usage, cancel_reason, log_truncated,
	enqueued_at, started_at, completed_at`

func scanRun(row pgx.Row) (*domain.Run, error) {
	run := &domain.Run{}
	var org, status, errorKind string
	err := row.Scan(&run.ID, &org, &run.Target, &run.RequesterID, &run.Inputs,
		&run.InputsID, &status, &run.PoolID, &run.Result, &errorKind,
		&run.ErrorMessage, &run.Usage, &run.CancelReason, &run.LogTruncated,
		&run.EnqueuedAt, &run.StartedAt, &run.CompletedAt)
	if err != nil {
		return nil, err
	}
	run.Org = domain.OrgScope(org)
	run.Status = domain.RunStatus(status)
	run.ErrorKind = domain.ErrorKind(errorKind)
	return run, nil
}

func (r *PostgresRegistry) Get(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := scanRun(r.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

func (r *PostgresRegistry) List(ctx context.Context, filter ListFilter) ([]*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE TRUE`
	args := []any{}
	if filter.Org != domain.GlobalScope {
		args = append(args, string(filter.Org))
		query += fmt.Sprintf(" AND org_id = $%d", len(args))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	query += " ORDER BY enqueued_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (r *PostgresRegistry) TransitionStatus(ctx context.Context, runID string, to domain.RunStatus, opts ...TransitionOption) (bool, error) {
	p := applyTransitionOptions(opts)
	var changed bool
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		changed, err = transitionTx(ctx, tx, runID, to, p)
		return err
	})
	return changed, err
}

func transitionTx(ctx context.Context, tx pgx.Tx, runID string, to domain.RunStatus, p transitionParams) (bool, error) {
	var current string
	err := tx.QueryRow(ctx,
		`SELECT status FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrRunNotFound
	}
	if err != nil {
		return false, fmt.Errorf("lock run %s: %w", runID, err)
	}

	from := domain.RunStatus(current)
	if from.IsTerminal() {
		return false, nil
	}
	if !domain.CanTransition(from, to) {
		return false, illegalTransition(runID, from, to)
	}

	now := time.Now().UTC()
	switch {
	case to == domain.StatusRunning:
		_, err = tx.Exec(ctx,
			`UPDATE runs SET status = $2, started_at = $3, pool_id = $4 WHERE id = $1`,
			runID, string(to), now, p.poolID)
	case to.IsTerminal():
		_, err = tx.Exec(ctx, `
			UPDATE runs SET status = $2, completed_at = $3,
				cancel_reason = CASE WHEN $4 <> '' THEN $4 ELSE cancel_reason END
			WHERE id = $1`,
			runID, string(to), now, p.cancelReason)
	default:
		_, err = tx.Exec(ctx, `
			UPDATE runs SET status = $2,
				cancel_reason = CASE WHEN $3 <> '' THEN $3 ELSE cancel_reason END
			WHERE id = $1`,
			runID, string(to), p.cancelReason)
	}
	if err != nil {
		return false, fmt.Errorf("transition run %s: %w", runID, err)
	}
	return true, nil
}

func (r *PostgresRegistry) RecordOutcome(ctx context.Context, runID string, out *RunOutcome) (bool, error) {
	var changed bool
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		changed, err = transitionTx(ctx, tx, runID, out.Status, transitionParams{})
		if err != nil || !changed {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE runs SET
				result = $2,
				error_kind = $3,
				error_message = $4,
				usage = $5,
				log_truncated = log_truncated OR $6
			WHERE id = $1`,
			runID, out.Result, string(out.ErrorKind), out.ErrorMessage,
			out.Usage, out.LogTruncated)
		if err != nil {
			return fmt.Errorf("record outcome %s: %w", runID, err)
		}
		return nil
	})
	return changed, err
}

func (r *PostgresRegistry) AppendLogs(ctx context.Context, runID string, records []domain.LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var last uint64
		err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM run_logs WHERE run_id = $1`, runID).Scan(&last)
		if err != nil {
			return fmt.Errorf("append logs %s: %w", runID, err)
		}
		rows := make([][]any, 0, len(records))
		for _, rec := range records {
			if rec.Sequence <= last {
				return domain.NewError(domain.KindIllegalTransition,
					"run %s: log sequence %d not after %d", runID, rec.Sequence, last)
			}
			last = rec.Sequence
			rows = append(rows, []any{runID, rec.Sequence, string(rec.Severity),
				string(rec.Source), rec.Timestamp, rec.Message, rec.Data})
		}
		_, err = tx.CopyFrom(ctx, pgx.Identifier{"run_logs"},
			[]string{"run_id", "seq", "severity", "source", "ts", "message", "data"},
			pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("append logs %s: %w", runID, err)
		}
		return nil
	})
}

func (r *PostgresRegistry) Logs(ctx context.Context, runID string, afterSeq uint64, limit int) ([]domain.LogRecord, error) {
	query := `
		SELECT seq, severity, source, ts, message, data
		FROM run_logs WHERE run_id = $1 AND seq > $2
		ORDER BY seq ASC`
	args := []any{runID, afterSeq}
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $3"
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("logs %s: %w", runID, err)
	}
	defer rows.Close()

	var out []domain.LogRecord
	for rows.Next() {
		rec := domain.LogRecord{RunID: runID}
		var severity, source string
		if err := rows.Scan(&rec.Sequence, &severity, &source, &rec.Timestamp,
			&rec.Message, &rec.Data); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		rec.Severity = domain.LogSeverity(severity)
		rec.Source = domain.LogSource(source)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PostgresRegistry) LogHighWatermark(ctx context.Context, runID string) (uint64, error) {
	var hwm uint64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM run_logs WHERE run_id = $1`, runID).Scan(&hwm)
	if err != nil {
		return 0, fmt.Errorf("log hwm %s: %w", runID, err)
	}
	return hwm, nil
}

func (r *PostgresRegistry) MarkLogTruncated(ctx context.Context, runID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE runs SET log_truncated = TRUE WHERE id = $1`, runID)
	if err != nil {
		return fmt.Errorf("mark truncated %s: %w", runID, err)
	}
	return nil
}

func (r *PostgresRegistry) Requeue(ctx context.Context, runID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE runs SET status = $2, pool_id = '', started_at = NULL
		WHERE id = $1 AND status = $3`,
		runID, string(domain.StatusPending), string(domain.StatusRunning))
	if err != nil {
		return false, fmt.Errorf("requeue run %s: %w", runID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRegistry) CancelRequest(ctx context.Context, runID, reason string) (domain.RunStatus, error) {
	var result domain.RunStatus
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx,
			`SELECT status FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRunNotFound
		}
		if err != nil {
			return fmt.Errorf("lock run %s: %w", runID, err)
		}
		result = domain.RunStatus(current)
		p := transitionParams{cancelReason: reason}
		switch result {
		case domain.StatusPending:
			if _, err = transitionTx(ctx, tx, runID, domain.StatusCancelled, p); err != nil {
				return err
			}
			_, err = tx.Exec(ctx,
				`UPDATE runs SET error_kind = $2, error_message = $3 WHERE id = $1`,
				runID, string(domain.KindCancelled), reason)
		case domain.StatusRunning:
			_, err = transitionTx(ctx, tx, runID, domain.StatusCancelling, p)
		default:
			return nil
		}
		return err
	})
	return result, err
}

func (r *PostgresRegistry) PutCronTrigger(ctx context.Context, trig *CronTrigger) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO cron_triggers (id, org_id, target, expression, inputs, enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			target = EXCLUDED.target,
			expression = EXCLUDED.expression,
			inputs = EXCLUDED.inputs,
			enabled = EXCLUDED.enabled,
			updated_at = NOW()`,
		trig.ID, string(trig.Org), trig.Target, trig.Expression, trig.Inputs, trig.Enabled)
	if err != nil {
		return fmt.Errorf("put cron trigger %s: %w", trig.ID, err)
	}
	return nil
}

func (r *PostgresRegistry) ListCronTriggers(ctx context.Context) ([]*CronTrigger, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, org_id, target, expression, inputs, enabled, last_run_at
		FROM cron_triggers WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list cron triggers: %w", err)
	}
	defer rows.Close()

	var out []*CronTrigger
	for rows.Next() {
		trig := &CronTrigger{}
		var org string
		if err := rows.Scan(&trig.ID, &org, &trig.Target, &trig.Expression,
			&trig.Inputs, &trig.Enabled, &trig.LastRunAt); err != nil {
			return nil, fmt.Errorf("scan cron trigger: %w", err)
		}
		trig.Org = domain.OrgScope(org)
		out = append(out, trig)
	}
	return out, rows.Err()
}

func (r *PostgresRegistry) CreateDelayedRun(ctx context.Context, d *DelayedRun) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO delayed_runs (run_id, org_id, target, inputs, due_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id) DO NOTHING`,
		d.RunID, string(d.Org), d.Target, d.Inputs, d.DueAt)
	if err != nil {
		return fmt.Errorf("create delayed run %s: %w", d.RunID, err)
	}
	return nil
}

func (r *PostgresRegistry) TakeDueDelayedRuns(ctx context.Context, now time.Time, retry time.Duration) ([]*DelayedRun, error) {
	rows, err := r.pool.Query(ctx, `
		WITH due AS (
			SELECT run_id, org_id, target, inputs, due_at FROM delayed_runs
			WHERE due_at <= $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE delayed_runs d SET due_at = $2
		FROM due WHERE d.run_id = due.run_id
		RETURNING due.run_id, due.org_id, due.target, due.inputs, due.due_at`,
		now, now.Add(retry))
	if err != nil {
		return nil, fmt.Errorf("take due delayed runs: %w", err)
	}
	defer rows.Close()

	var out []*DelayedRun
	for rows.Next() {
		d := &DelayedRun{}
		var org string
		if err := rows.Scan(&d.RunID, &org, &d.Target, &d.Inputs, &d.DueAt); err != nil {
			return nil, fmt.Errorf("scan delayed run: %w", err)
		}
		d.Org = domain.OrgScope(org)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *PostgresRegistry) DeleteDelayedRun(ctx context.Context, runID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM delayed_runs WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("delete delayed run %s: %w", runID, err)
	}
	return nil
}

var _ Registry = (*PostgresRegistry)(nil)
