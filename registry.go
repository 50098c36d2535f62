package tokenlimit

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// registryKey identifies a lazily-created Limiter by the triple spec
// §3's Lifecycle section names: (key, capacity, refill_rate).
type registryKey struct {
	key        string
	capacity   float64
	refillRate float64
}

// Registry lazily creates and caches Limiters, evicting the
// least-recently-used entry once Size is exceeded. Every cached
// Limiter shares the Registry's Store and EventBus (if any); use
// separate Registries for independent stores.
type Registry struct {
	cache       *lru.Cache[registryKey, *Limiter]
	baseOptions []Option

	mu sync.Mutex
}

// RegistryOption configures a Registry.
type RegistryOption func(*registryConfig)

type registryConfig struct {
	size        int
	baseOptions []Option
}

// WithRegistrySize overrides the default eviction cap (1024 entries).
func WithRegistrySize(size int) RegistryOption {
	return func(c *registryConfig) { c.size = size }
}

// WithRegistryOptions supplies Options applied to every Limiter the
// Registry creates, ahead of WithKey/WithCapacity/WithRefillRate
// (e.g. WithStore, WithInsurance, WithEventBus).
func WithRegistryOptions(opts ...Option) RegistryOption {
	return func(c *registryConfig) { c.baseOptions = opts }
}

// NewRegistry builds a Registry. An evicted Limiter is simply dropped —
// its underlying store entry (if any) survives independently and will
// be recreated, in the same state, the next time its key is requested.
func NewRegistry(opts ...RegistryOption) (*Registry, error) {
	config := registryConfig{size: 1024}
	for _, opt := range opts {
		opt(&config)
	}

	cache, err := lru.New[registryKey, *Limiter](config.size)
	if err != nil {
		return nil, fmt.Errorf("tokenlimit: building registry cache: %w", err)
	}

	return &Registry{cache: cache, baseOptions: config.baseOptions}, nil
}

// Get returns the Limiter for (key, capacity, refillRate), creating it
// on first use.
func (r *Registry) Get(key string, capacity, refillRate float64) (*Limiter, error) {
	rk := registryKey{key: key, capacity: capacity, refillRate: refillRate}

	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.cache.Get(rk); ok {
		return l, nil
	}

	opts := make([]Option, 0, len(r.baseOptions)+3)
	opts = append(opts, r.baseOptions...)
	opts = append(opts, WithKey(key), WithCapacity(capacity), WithRefillRate(refillRate))

	l, err := New(opts...)
	if err != nil {
		return nil, err
	}
	r.cache.Add(rk, l)
	return l, nil
}

// Evict removes (key, capacity, refillRate) from the cache, if present.
func (r *Registry) Evict(key string, capacity, refillRate float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Remove(registryKey{key: key, capacity: capacity, refillRate: refillRate})
}

// Len reports how many Limiters are currently cached.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len()
}
