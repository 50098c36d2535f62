package tokenlimit

import (
	"fmt"
	"time"

	"github.com/ajiwo/tokenlimit/events"
	"github.com/ajiwo/tokenlimit/store"
)

// Option is a functional option for configuring a Limiter (teacher's
// options.go pattern, collapsed from multi-strategy configuration down
// to the single token-bucket engine's parameters).
type Option func(*Config) error

// WithKey sets the bucket's identifying key.
func WithKey(key string) Option {
	return func(c *Config) error {
		c.Key = key
		return nil
	}
}

// WithCapacity sets the bucket's capacity, in tokens.
func WithCapacity(capacity float64) Option {
	return func(c *Config) error {
		if capacity <= 0 {
			return fmt.Errorf("capacity must be positive, got %v", capacity)
		}
		c.Capacity = capacity
		return nil
	}
}

// WithRefillRate sets the bucket's refill rate, in tokens per second.
func WithRefillRate(refillRate float64) Option {
	return func(c *Config) error {
		if refillRate <= 0 {
			return fmt.Errorf("refill rate must be positive, got %v", refillRate)
		}
		c.RefillRate = refillRate
		return nil
	}
}

// WithTTL overrides the store-side inactivity TTL. Only meaningful
// with WithStore.
func WithTTL(ttl time.Duration) Option {
	return func(c *Config) error {
		if ttl <= 0 {
			return fmt.Errorf("ttl must be positive, got %v", ttl)
		}
		c.TTL = ttl
		return nil
	}
}

// WithStore selects the distributed engine, backed by the given shared
// store. Without this option, the Limiter stays purely local.
func WithStore(s store.Store) Option {
	return func(c *Config) error {
		if s == nil {
			return fmt.Errorf("store cannot be nil")
		}
		c.Store = s
		return nil
	}
}

// WithInsurance enables the insurance (fallback) path. Only meaningful
// with WithStore; see spec §4.4.
func WithInsurance(enabled bool) Option {
	return func(c *Config) error {
		c.InsuranceEnabled = enabled
		return nil
	}
}

// WithInsuranceCapacity overrides the insurance bucket's capacity.
func WithInsuranceCapacity(capacity float64) Option {
	return func(c *Config) error {
		if capacity <= 0 {
			return fmt.Errorf("insurance capacity must be positive, got %v", capacity)
		}
		c.InsuranceCapacity = capacity
		return nil
	}
}

// WithInsuranceRefillRate overrides the insurance bucket's refill rate.
func WithInsuranceRefillRate(refillRate float64) Option {
	return func(c *Config) error {
		if refillRate <= 0 {
			return fmt.Errorf("insurance refill rate must be positive, got %v", refillRate)
		}
		c.InsuranceRefillRate = refillRate
		return nil
	}
}

// WithFailureThreshold overrides the consecutive-failure count that
// trips the insurance supervisor into its degraded state.
func WithFailureThreshold(n int32) Option {
	return func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("failure threshold must be positive, got %d", n)
		}
		c.FailureThreshold = n
		return nil
	}
}

// WithEventBus attaches an existing EventBus instead of the Limiter
// creating its own, so several Limiters can fan out to one set of
// observers.
func WithEventBus(bus *events.Bus) Option {
	return func(c *Config) error {
		if bus == nil {
			return fmt.Errorf("event bus cannot be nil")
		}
		c.Bus = bus
		return nil
	}
}
