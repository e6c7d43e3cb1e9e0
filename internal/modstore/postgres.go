package modstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kestrelhq/kestrel/internal/domain"
)

// PostgresDurable is the persistent module backend. The global scope is
// stored as the empty org_id so the (org_id, path) uniqueness constraint
// holds for both tiers.
type PostgresDurable struct {
	pool *pgxpool.Pool
}

// NewPostgresDurable creates the backend on an existing pool and ensures
// its schema.
func NewPostgresDurable(ctx context.Context, pool *pgxpool.Pool) (*PostgresDurable, error) {
	d := &PostgresDurable{pool: pool}
	if err := d.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *PostgresDurable) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS modules (
			org_id TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL,
			content BYTEA NOT NULL,
			content_hash TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (org_id, path)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_modules_live ON modules(org_id) WHERE NOT is_deleted`,
	}
	for _, stmt := range stmts {
		if _, err := d.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure module schema: %w", err)
		}
	}
	return nil
}

func (d *PostgresDurable) Upsert(ctx context.Context, m *domain.Module) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO modules (org_id, path, content, content_hash, entity_type, is_deleted, updated_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)
		ON CONFLICT (org_id, path) DO UPDATE SET
			content = EXCLUDED.content,
			content_hash = EXCLUDED.content_hash,
			entity_type = EXCLUDED.entity_type,
			is_deleted = FALSE,
			updated_at = EXCLUDED.updated_at`,
		string(m.Org), m.Path, m.Content, m.ContentHash, string(m.EntityType), m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert module: %w", err)
	}
	return nil
}

func (d *PostgresDurable) Fetch(ctx context.Context, org domain.OrgScope, path string) (*domain.Module, error) {
	m := &domain.Module{Org: org, Path: path}
	var entityType string
	err := d.pool.QueryRow(ctx, `
		SELECT content, content_hash, entity_type, updated_at
		FROM modules
		WHERE org_id = $1 AND path = $2 AND NOT is_deleted`,
		string(org), path).Scan(&m.Content, &m.ContentHash, &entityType, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrModuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch module: %w", err)
	}
	m.EntityType = domain.EntityType(entityType)
	return m, nil
}

func (d *PostgresDurable) MarkDeleted(ctx context.Context, org domain.OrgScope, path string) error {
	_, err := d.pool.Exec(ctx, `
		UPDATE modules SET is_deleted = TRUE, updated_at = NOW()
		WHERE org_id = $1 AND path = $2`,
		string(org), path)
	if err != nil {
		return fmt.Errorf("mark module deleted: %w", err)
	}
	return nil
}

func (d *PostgresDurable) ListLive(ctx context.Context) ([]*domain.Module, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT org_id, path, content, content_hash, entity_type, updated_at
		FROM modules
		WHERE NOT is_deleted`)
	if err != nil {
		return nil, fmt.Errorf("list live modules: %w", err)
	}
	defer rows.Close()

	var out []*domain.Module
	for rows.Next() {
		m := &domain.Module{}
		var org, entityType string
		if err := rows.Scan(&org, &m.Path, &m.Content, &m.ContentHash, &entityType, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan module: %w", err)
		}
		m.Org = domain.OrgScope(org)
		m.EntityType = domain.EntityType(entityType)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (d *PostgresDurable) ListPaths(ctx context.Context, org domain.OrgScope, prefix string) ([]string, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT path FROM modules
		WHERE org_id = $1 AND path LIKE $2 || '%' AND NOT is_deleted
		ORDER BY path`,
		string(org), prefix)
	if err != nil {
		return nil, fmt.Errorf("list module paths: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan module path: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
