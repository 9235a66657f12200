package breaker

import "sync"

// Registry hands out one breaker per scanner key, created on first use.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a pool-qualified scanner key.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[key]
	if !ok {
		b = New(key, r.cfg)
		r.breakers[key] = b
	}
	return b
}

// Snapshots returns the state of every known breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshots := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		snapshots = append(snapshots, b.Snapshot())
	}
	return snapshots
}
