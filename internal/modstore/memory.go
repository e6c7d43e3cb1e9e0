package modstore

import (
	"context"
	"strings"
	"sync"

	"github.com/kestrelhq/kestrel/internal/domain"
)

type scopedPath struct {
	org  domain.OrgScope
	path string
}

// MemoryDurable is an in-memory Durable used in tests and single-node
// development mode.
type MemoryDurable struct {
	mu      sync.RWMutex
	records map[scopedPath]*domain.Module
}

func NewMemoryDurable() *MemoryDurable {
	return &MemoryDurable{records: make(map[scopedPath]*domain.Module)}
}

func (d *MemoryDurable) Upsert(_ context.Context, m *domain.Module) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *m
	cp.Content = append([]byte(nil), m.Content...)
	d.records[scopedPath{m.Org, m.Path}] = &cp
	return nil
}

func (d *MemoryDurable) Fetch(_ context.Context, org domain.OrgScope, path string) (*domain.Module, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.records[scopedPath{org, path}]
	if !ok || m.Deleted {
		return nil, ErrModuleNotFound
	}
	cp := *m
	cp.Content = append([]byte(nil), m.Content...)
	return &cp, nil
}

func (d *MemoryDurable) MarkDeleted(_ context.Context, org domain.OrgScope, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.records[scopedPath{org, path}]; ok {
		m.Deleted = true
	}
	return nil
}

func (d *MemoryDurable) ListLive(_ context.Context) ([]*domain.Module, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*domain.Module
	for _, m := range d.records {
		if m.Deleted {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (d *MemoryDurable) ListPaths(_ context.Context, org domain.OrgScope, prefix string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for key, m := range d.records {
		if key.org == org && !m.Deleted && strings.HasPrefix(key.path, prefix) {
			out = append(out, key.path)
		}
	}
	return out, nil
}
