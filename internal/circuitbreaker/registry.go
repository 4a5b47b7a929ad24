package circuitbreaker

import (
	"log/slog"
	"sync"
)

// Registry holds one Breaker per endpoint key, created lazily and shared by
// all callers using that key. Lookup takes a read lock on the common path;
// the write lock guards only map insertion, never a breaker transition.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
	logger   *slog.Logger
}

// NewRegistry creates a Registry applying cfg to every new breaker.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		logger:   logger,
	}
}

// Get returns the breaker for key, creating it on first use.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check: another goroutine may have created it.
	if b, ok = r.breakers[key]; ok {
		return b
	}
	b = New(key, r.cfg, r.logger)
	r.breakers[key] = b
	return b
}

// UpdateConfig applies new settings to all existing breakers and to any
// created afterwards. Used by config hot-reload.
func (r *Registry) UpdateConfig(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	for _, b := range r.breakers {
		b.UpdateConfig(cfg)
	}
}

// States returns a point-in-time view of every breaker's state.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]State, len(r.breakers))
	for key, b := range r.breakers {
		states[key] = b.State()
	}
	return states
}

// Reset forces every breaker back to closed.
func (r *Registry) Reset() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
