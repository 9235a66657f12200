package registry

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/nessusdhq/nessusd/internal/config"
	"github.com/nessusdhq/nessusd/internal/scanner"
)

var (
	ErrNoScannersInPool = errors.New("no enabled scanner instances in pool")
	ErrInstanceNotFound = errors.New("scanner instance not found")
	ErrInstanceDisabled = errors.New("scanner instance is disabled")
)

// Factory builds a capability handle for one configured instance. Tests
// inject their own.
type Factory func(pool string, cfg config.ScannerConfig) scanner.Scanner

// NessusFactory is the production factory.
func NessusFactory(pool string, cfg config.ScannerConfig) scanner.Scanner {
	return scanner.NewNessus(scanner.NessusConfig{
		URL:         cfg.URL,
		Username:    cfg.Username,
		Password:    cfg.Password,
		InsecureTLS: cfg.InsecureTLS,
	})
}

type instance struct {
	pool   string
	cfg    config.ScannerConfig
	handle scanner.Scanner

	activeScans int
	lastUsed    time.Time
}

func (in *instance) key() string {
	return in.pool + "/" + in.cfg.InstanceID
}

// Registry tracks scanner instances grouped by pool and balances
// acquisitions across them. Selection and accounting happen under a single
// mutex: every successful AcquireScanner must be paired with a
// ReleaseScanner of the returned key.
type Registry struct {
	factory Factory

	mu          sync.Mutex
	defaultPool string
	pools       map[string][]*instance
	// retired holds instances removed by a reload while still acquired;
	// releases keep working until the last one closes the handle.
	retired map[string]*instance
}

func New(cfg *config.Config, factory Factory) *Registry {
	if factory == nil {
		factory = NessusFactory
	}
	r := &Registry{
		factory: factory,
		pools:   make(map[string][]*instance),
		retired: make(map[string]*instance),
	}
	r.load(cfg)
	return r
}

func (r *Registry) load(cfg *config.Config) {
	r.defaultPool = cfg.DefaultPool
	for pool, scanners := range cfg.ScannerPools {
		instances := make([]*instance, 0, len(scanners))
		for _, sc := range scanners {
			instances = append(instances, &instance{
				pool:   pool,
				cfg:    sc,
				handle: r.factory(pool, sc),
			})
		}
		r.pools[pool] = instances
	}
}

// Reload replaces the configuration, keeping the runtime state and handle of
// every instance that survives. Instances that disappear while acquired are
// retired and closed after their last release.
func (r *Registry) Reload(cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.pools
	r.pools = make(map[string][]*instance)
	r.defaultPool = cfg.DefaultPool

	existing := make(map[string]*instance)
	for _, instances := range old {
		for _, in := range instances {
			existing[in.key()] = in
		}
	}

	for pool, scanners := range cfg.ScannerPools {
		instances := make([]*instance, 0, len(scanners))
		for _, sc := range scanners {
			key := pool + "/" + sc.InstanceID
			if prev, ok := existing[key]; ok && prev.cfg.URL == sc.URL {
				prev.cfg = sc
				instances = append(instances, prev)
				delete(existing, key)
				continue
			}
			instances = append(instances, &instance{
				pool:   pool,
				cfg:    sc,
				handle: r.factory(pool, sc),
			})
		}
		r.pools[pool] = instances
	}

	for key, in := range existing {
		if in.activeScans > 0 {
			log.Printf("Registry reload: instance %s removed with %d active scans, retiring", key, in.activeScans)
			r.retired[key] = in
			continue
		}
		if err := in.handle.Close(); err != nil {
			log.Printf("Registry reload: close %s: %v", key, err)
		}
	}
}

// AcquireScanner hands out a capability for the pool, preferring the
// instance with the fewest active scans and breaking ties by least recent
// use. A non-empty instanceID pins the choice. The returned key must be
// passed to ReleaseScanner when the caller is done.
func (r *Registry) AcquireScanner(pool, instanceID string) (scanner.Scanner, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	instances, ok := r.pools[pool]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrNoScannersInPool, pool)
	}

	var chosen *instance
	if instanceID != "" {
		for _, in := range instances {
			if in.cfg.InstanceID != instanceID {
				continue
			}
			if !in.cfg.IsEnabled() {
				return nil, "", fmt.Errorf("%w: %s/%s", ErrInstanceDisabled, pool, instanceID)
			}
			chosen = in
			break
		}
		if chosen == nil {
			return nil, "", fmt.Errorf("%w: %s/%s", ErrInstanceNotFound, pool, instanceID)
		}
	} else {
		for _, in := range instances {
			if !in.cfg.IsEnabled() {
				continue
			}
			if chosen == nil ||
				in.activeScans < chosen.activeScans ||
				(in.activeScans == chosen.activeScans && in.lastUsed.Before(chosen.lastUsed)) {
				chosen = in
			}
		}
		if chosen == nil {
			return nil, "", fmt.Errorf("%w: %s", ErrNoScannersInPool, pool)
		}
	}

	chosen.activeScans++
	chosen.lastUsed = time.Now()
	return chosen.handle, chosen.key(), nil
}

// ReleaseScanner returns an acquisition. Releasing an unknown key is a
// no-op; counts never go below zero.
func (r *Registry) ReleaseScanner(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if in := r.find(key); in != nil {
		if in.activeScans > 0 {
			in.activeScans--
		}
		return
	}

	if in, ok := r.retired[key]; ok {
		if in.activeScans > 0 {
			in.activeScans--
		}
		if in.activeScans == 0 {
			delete(r.retired, key)
			if err := in.handle.Close(); err != nil {
				log.Printf("Registry: close retired %s: %v", key, err)
			}
		}
	}
}

func (r *Registry) find(key string) *instance {
	for _, instances := range r.pools {
		for _, in := range instances {
			if in.key() == key {
				return in
			}
		}
	}
	return nil
}

// ListPools returns the configured pool names, sorted.
func (r *Registry) ListPools() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) GetDefaultPool() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaultPool
}

// InstanceStatus is a point-in-time view of one scanner instance.
type InstanceStatus struct {
	Pool               string    `json:"pool"`
	InstanceID         string    `json:"instance_id"`
	Name               string    `json:"name"`
	URL                string    `json:"url"`
	Enabled            bool      `json:"enabled"`
	ActiveScans        int       `json:"active_scans"`
	MaxConcurrentScans int       `json:"max_concurrent_scans"`
	LastUsed           time.Time `json:"last_used,omitzero"`
}

// PoolStatus aggregates a pool's utilization.
type PoolStatus struct {
	Pool             string           `json:"pool"`
	TotalInstances   int              `json:"total_instances"`
	EnabledInstances int              `json:"enabled_instances"`
	ActiveScans      int              `json:"active_scans"`
	Capacity         int              `json:"capacity"`
	Instances        []InstanceStatus `json:"instances"`
}

// ListInstances returns instance status for one pool, or for every pool when
// pool is empty.
func (r *Registry) ListInstances(pool string) []InstanceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []InstanceStatus
	for _, name := range r.poolNamesLocked() {
		if pool != "" && name != pool {
			continue
		}
		for _, in := range r.pools[name] {
			out = append(out, in.status())
		}
	}
	return out
}

// GetPoolStatus reports totals and per-instance utilization for a pool.
func (r *Registry) GetPoolStatus(pool string) (*PoolStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	instances, ok := r.pools[pool]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoScannersInPool, pool)
	}

	status := &PoolStatus{Pool: pool, TotalInstances: len(instances)}
	for _, in := range instances {
		status.Instances = append(status.Instances, in.status())
		status.ActiveScans += in.activeScans
		if in.cfg.IsEnabled() {
			status.EnabledInstances++
			status.Capacity += in.cfg.MaxConcurrentScans
		}
	}
	return status, nil
}

func (in *instance) status() InstanceStatus {
	return InstanceStatus{
		Pool:               in.pool,
		InstanceID:         in.cfg.InstanceID,
		Name:               in.cfg.Name,
		URL:                in.cfg.URL,
		Enabled:            in.cfg.IsEnabled(),
		ActiveScans:        in.activeScans,
		MaxConcurrentScans: in.cfg.MaxConcurrentScans,
		LastUsed:           in.lastUsed,
	}
}

func (r *Registry) poolNamesLocked() []string {
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close shuts down every capability handle.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, instances := range r.pools {
		for _, in := range instances {
			if err := in.handle.Close(); err != nil {
				log.Printf("Registry: close %s: %v", in.key(), err)
			}
		}
	}
	for key, in := range r.retired {
		delete(r.retired, key)
		if err := in.handle.Close(); err != nil {
			log.Printf("Registry: close retired %s: %v", key, err)
		}
	}
}
