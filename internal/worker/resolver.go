// Package worker implements the execution side of the engine: the loop
// a worker process runs over its parent pipe, the restricted import
// hook, and the runtimes that execute targets.
package worker

import (
	"context"
	"sync"

	"github.com/kestrelhq/kestrel/internal/domain"
)

// ModuleSource resolves module content with the org -> global cascade.
// *modstore.Store satisfies it.
type ModuleSource interface {
	Get(ctx context.Context, org domain.OrgScope, path string) (*domain.Module, error)
}

// loadedModule remembers which scope requested a module so cached
// content is never served across org boundaries.
type loadedModule struct {
	requestOrg domain.OrgScope
	module     *domain.Module
}

// Resolver is the restricted import hook. All user imports are served
// from the module store under the org scope bound for the current run;
// names on the system allow-list resolve outside the store; anything
// else is ImportDenied. Resolved modules are cached per worker and
// evicted between runs when their content hash changed.
type Resolver struct {
	source ModuleSource
	allow  map[string]struct{}

	mu     sync.Mutex
	bound  bool
	org    domain.OrgScope
	loaded map[string]*loadedModule
}

// NewResolver creates a resolver over a module source with a system
// allow-list of names that bypass the store.
func NewResolver(source ModuleSource, systemAllow []string) *Resolver {
	allow := make(map[string]struct{}, len(systemAllow))
	for _, name := range systemAllow {
		allow[name] = struct{}{}
	}
	return &Resolver{
		source: source,
		allow:  allow,
		loaded: make(map[string]*loadedModule),
	}
}

func cacheKey(org domain.OrgScope, name string) string {
	return org.String() + "\x00" + name
}

// Bind scopes subsequent resolution to org. It must be called before
// any user import resolves for a run.
func (r *Resolver) Bind(org domain.OrgScope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bound = true
	r.org = org
}

// Unbind clears the run's org scope.
func (r *Resolver) Unbind() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bound = false
	r.org = domain.GlobalScope
}

// IsSystem reports whether name resolves outside the store.
func (r *Resolver) IsSystem(name string) bool {
	_, ok := r.allow[name]
	return ok
}

// Resolve serves a user import. System names return (nil, nil): the
// caller lets them resolve through the host environment.
func (r *Resolver) Resolve(ctx context.Context, name string) (*domain.Module, error) {
	r.mu.Lock()
	if !r.bound {
		r.mu.Unlock()
		return nil, domain.NewError(domain.KindImportDenied,
			"import of %q outside a bound run scope", name)
	}
	org := r.org
	if lm, ok := r.loaded[cacheKey(org, name)]; ok {
		r.mu.Unlock()
		return lm.module, nil
	}
	r.mu.Unlock()

	m, err := r.source.Get(ctx, org, name)
	if err != nil {
		return nil, err
	}
	if m != nil {
		r.mu.Lock()
		r.loaded[cacheKey(org, name)] = &loadedModule{requestOrg: org, module: m}
		r.mu.Unlock()
		return m, nil
	}
	if r.IsSystem(name) {
		return nil, nil
	}
	return nil, domain.NewError(domain.KindImportDenied, "import of unknown module %q", name)
}

// EvictChanged drops cached modules whose content hash no longer
// matches the store, returning how many were evicted. Called between
// runs on reusable workers.
func (r *Resolver) EvictChanged(ctx context.Context) int {
	r.mu.Lock()
	cached := make(map[string]*loadedModule, len(r.loaded))
	for key, lm := range r.loaded {
		cached[key] = lm
	}
	r.mu.Unlock()

	evicted := 0
	for key, lm := range cached {
		fresh, err := r.source.Get(ctx, lm.requestOrg, lm.module.Path)
		if err != nil || fresh == nil || fresh.ContentHash != lm.module.ContentHash {
			r.mu.Lock()
			delete(r.loaded, key)
			r.mu.Unlock()
			evicted++
		}
	}
	return evicted
}
