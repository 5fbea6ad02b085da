package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Factory constructs an engine from its settings mapping. The returned
// engine is not yet initialized.
type Factory func(cfg Settings, log *slog.Logger) (Engine, error)

// Registry maps backend names to factories and caches one live instance per
// name. It is the only structure mutated from multiple call sites; the
// mutex keeps insert-if-absent atomic so concurrent GetOrCreate calls for
// the same name never construct duplicate instances.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]Engine
	log       *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Engine),
		log:       log.With(slog.String("component", "engine-registry")),
	}
}

// Register adds a factory under name. Re-registering replaces the previous
// factory (last write wins); cached instances are unaffected.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// List returns the sorted names of all registered factories.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

func (r *Registry) listLocked() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create constructs and initializes the named engine and caches it. An
// initialization failure propagates and leaves nothing cached, so a later
// call re-attempts construction.
func (r *Registry) Create(ctx context.Context, name string, cfg Settings) (Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createLocked(ctx, name, cfg)
}

// GetOrCreate returns the cached instance when present, ignoring cfg
// (first-writer-wins for configuration), and otherwise behaves as Create.
func (r *Registry) GetOrCreate(ctx context.Context, name string, cfg Settings) (Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[name]; ok {
		return inst, nil
	}
	return r.createLocked(ctx, name, cfg)
}

// Get returns the cached instance, if any.
func (r *Registry) Get(name string) (Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[name]
	return inst, ok
}

func (r *Registry) createLocked(ctx context.Context, name string, cfg Settings) (Engine, error) {
	factory, ok := r.factories[name]
	if !ok {
		return nil, NotFoundError(name, r.listLocked())
	}
	if cfg == nil {
		cfg = Settings{}
	}
	eng, err := factory(cfg, r.log)
	if err != nil {
		return nil, err
	}
	if err := eng.Initialize(ctx); err != nil {
		return nil, err
	}
	r.instances[name] = eng
	r.log.Info("engine initialized", slog.String("engine", name))
	return eng, nil
}

// Cleanup releases the named engine and drops it from the cache. Cleanup
// errors are logged, not returned.
func (r *Registry) Cleanup(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanupLocked(name)
}

// CleanupAll releases every cached engine; an individual failure does not
// block cleanup of the rest.
func (r *Registry) CleanupAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.instances {
		r.cleanupLocked(name)
	}
}

func (r *Registry) cleanupLocked(name string) {
	inst, ok := r.instances[name]
	if !ok {
		return
	}
	if err := inst.Cleanup(); err != nil {
		r.log.Warn("engine cleanup failed",
			slog.String("engine", name), slog.String("error", err.Error()))
	}
	delete(r.instances, name)
}
