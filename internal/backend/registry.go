package backend

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"atlas/internal/atlaserr"
	"atlas/internal/callgroup"
	"atlas/internal/logging"
)

// HealthStatus is a backend's current availability.
type HealthStatus string

const (
	HealthOK          HealthStatus = "ok"
	HealthDegraded    HealthStatus = "degraded"
	HealthUnavailable HealthStatus = "unavailable"
)

// Factory constructs one backend instance. Construction must be cheap;
// expensive work belongs in Ready.
type Factory func(logger *slog.Logger) (Backend, error)

// Config wires the registry.
type Config struct {
	Logger *slog.Logger

	// Bindings maps each capability to an ordered backend id list,
	// primary first.
	Bindings map[Capability][]string

	// ProbeBackoff is the initial readiness re-probe delay after a
	// failure, doubling up to ProbeBackoffMax. Zero means 1s / 2m.
	ProbeBackoff    time.Duration
	ProbeBackoffMax time.Duration
}

// Registry owns backend lifecycle. Backends are lazily instantiated on
// first resolution, guarded per-id so concurrent resolvers share one
// init. Readiness results are cached; failures re-probe with
// exponential backoff.
type Registry struct {
	logger     *slog.Logger
	bindings   map[Capability][]string
	backoff    time.Duration
	backoffMax time.Duration

	initGroup *callgroup.Group[string, Backend]

	mu        sync.RWMutex
	factories map[string]Factory
	states    map[string]*state
	initOrder []string
	closed    bool
}

type state struct {
	backend Backend

	mu        sync.Mutex
	ready     bool
	lastErr   error
	failures  int
	nextProbe time.Time
}

func NewRegistry(cfg Config) *Registry {
	r := &Registry{
		logger:     logging.Default(cfg.Logger).With("component", "registry"),
		bindings:   cfg.Bindings,
		backoff:    cfg.ProbeBackoff,
		backoffMax: cfg.ProbeBackoffMax,
		initGroup:  &callgroup.Group[string, Backend]{},
		factories:  make(map[string]Factory),
		states:     make(map[string]*state),
	}
	if r.backoff <= 0 {
		r.backoff = time.Second
	}
	if r.backoffMax <= 0 {
		r.backoffMax = 2 * time.Minute
	}
	if r.bindings == nil {
		r.bindings = make(map[Capability][]string)
	}
	return r
}

// Register adds a backend factory under its id. Must happen before the
// first Resolve for that id.
func (r *Registry) Register(id string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = factory
}

// Bind sets or replaces the ordered backend list for a capability.
func (r *Registry) Bind(capability Capability, ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[capability] = ids
}

// Resolve returns the first bound backend that is ready for the
// capability. All candidates failing yields CapabilityUnavailable.
func (r *Registry) Resolve(ctx context.Context, capability Capability) (Backend, error) {
	r.mu.RLock()
	ids := r.bindings[capability]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, atlaserr.Newf(atlaserr.KindInternal, "registry.resolve", "registry is shut down")
	}
	if len(ids) == 0 {
		return nil, atlaserr.CapabilityUnavailable(string(capability))
	}

	for _, id := range ids {
		b, err := r.obtain(ctx, id)
		if err != nil {
			r.logger.Debug("backend unavailable", "backend", id, "capability", string(capability), "error", err)
			continue
		}
		if !hasCapability(b, capability) {
			r.logger.Warn("binding names backend without the capability",
				"backend", id, "capability", string(capability))
			continue
		}
		return b, nil
	}
	return nil, atlaserr.CapabilityUnavailable(string(capability))
}

// ResolveEmbedder resolves and type-asserts in one step.
func (r *Registry) ResolveEmbedder(ctx context.Context, capability Capability) (Embedder, error) {
	b, err := r.Resolve(ctx, capability)
	if err != nil {
		return nil, err
	}
	e, ok := b.(Embedder)
	if !ok {
		return nil, atlaserr.Newf(atlaserr.KindInternal, "registry.resolve",
			"backend %s bound to %s is not an embedder", b.ID(), capability)
	}
	return e, nil
}

// ResolveJSONCompleter resolves and type-asserts in one step.
func (r *Registry) ResolveJSONCompleter(ctx context.Context, capability Capability) (JSONCompleter, error) {
	b, err := r.Resolve(ctx, capability)
	if err != nil {
		return nil, err
	}
	c, ok := b.(JSONCompleter)
	if !ok {
		return nil, atlaserr.Newf(atlaserr.KindInternal, "registry.resolve",
			"backend %s bound to %s is not a json completer", b.ID(), capability)
	}
	return c, nil
}

// ResolveReranker resolves and type-asserts in one step.
func (r *Registry) ResolveReranker(ctx context.Context) (Reranker, error) {
	b, err := r.Resolve(ctx, CapTextReranking)
	if err != nil {
		return nil, err
	}
	rr, ok := b.(Reranker)
	if !ok {
		return nil, atlaserr.Newf(atlaserr.KindInternal, "registry.resolve",
			"backend %s bound to %s is not a reranker", b.ID(), CapTextReranking)
	}
	return rr, nil
}

// obtain instantiates (once) and readiness-checks one backend.
func (r *Registry) obtain(ctx context.Context, id string) (Backend, error) {
	st, err := r.stateFor(id)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.ready {
		return st.backend, nil
	}
	if now := time.Now(); now.Before(st.nextProbe) {
		return nil, st.lastErr
	}

	if err := st.backend.Ready(ctx); err != nil {
		st.failures++
		st.lastErr = err
		st.nextProbe = time.Now().Add(r.probeDelay(st.failures))
		r.logger.Warn("backend readiness probe failed",
			"backend", id, "failures", st.failures, "error", err)
		return nil, err
	}
	st.ready = true
	st.lastErr = nil
	st.failures = 0
	r.logger.Info("backend ready", "backend", id)
	return st.backend, nil
}

// stateFor returns the cached state, constructing the backend on first
// use. The callgroup collapses concurrent first resolutions.
func (r *Registry) stateFor(id string) (*state, error) {
	r.mu.RLock()
	st, ok := r.states[id]
	r.mu.RUnlock()
	if ok {
		return st, nil
	}

	_, err := r.initGroup.Do(id, func() (Backend, error) {
		r.mu.RLock()
		factory, ok := r.factories[id]
		r.mu.RUnlock()
		if !ok {
			return nil, atlaserr.Newf(atlaserr.KindFatalInit, "registry.init", "no factory registered for backend %q", id)
		}
		b, err := factory(r.logger.With("backend", id))
		if err != nil {
			return nil, atlaserr.New(atlaserr.KindFatalInit, "registry.init", err)
		}
		r.mu.Lock()
		r.states[id] = &state{backend: b}
		r.initOrder = append(r.initOrder, id)
		r.mu.Unlock()
		return b, nil
	})
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	st = r.states[id]
	r.mu.RUnlock()
	return st, nil
}

func (r *Registry) probeDelay(failures int) time.Duration {
	d := r.backoff
	for i := 1; i < failures && d < r.backoffMax; i++ {
		d *= 2
	}
	if d > r.backoffMax {
		d = r.backoffMax
	}
	return d
}

// Health reports the backend's availability without probing it.
func (r *Registry) Health(id string) HealthStatus {
	r.mu.RLock()
	st, ok := r.states[id]
	r.mu.RUnlock()
	if !ok {
		return HealthUnavailable
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	switch {
	case st.ready:
		return HealthOK
	case st.lastErr != nil && st.failures < 3:
		return HealthDegraded
	default:
		return HealthUnavailable
	}
}

// Status is a point-in-time snapshot of one registered backend.
type Status struct {
	ID        string
	Health    HealthStatus
	LastError string
}

// Statuses reports every registered backend, sorted by id. Backends
// never resolved yet show as unavailable with no error.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		st := Status{ID: id, Health: r.Health(id)}
		r.mu.RLock()
		if s, ok := r.states[id]; ok {
			s.mu.Lock()
			if s.lastErr != nil {
				st.LastError = s.lastErr.Error()
			}
			s.mu.Unlock()
		}
		r.mu.RUnlock()
		out = append(out, st)
	}
	return out
}

// Shutdown closes instantiated backends in reverse init order. Close
// errors are logged and do not abort the sequence.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	order := make([]string, len(r.initOrder))
	copy(order, r.initOrder)
	r.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		r.mu.RLock()
		st := r.states[id]
		r.mu.RUnlock()
		if st == nil {
			continue
		}
		if err := st.backend.Close(); err != nil {
			r.logger.Warn("backend close failed", "backend", id, "error", err)
		}
	}
	r.logger.Info("registry shut down", "backends", len(order))
}
