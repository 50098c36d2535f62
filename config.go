package tokenlimit

import (
	"time"

	"github.com/ajiwo/tokenlimit/distributed"
	"github.com/ajiwo/tokenlimit/events"
	"github.com/ajiwo/tokenlimit/store"
	"github.com/ajiwo/tokenlimit/utils"
)

// DefaultCapacity and DefaultRefillRate seed a Limiter constructed
// without WithCapacity/WithRefillRate — a generous, conservative
// starting point meant to be overridden, not relied upon.
const (
	DefaultCapacity   = 100.0
	DefaultRefillRate = 10.0
)

// Config is the immutable configuration a Limiter is built from,
// assembled through functional Options (spec §6, "Parameters").
type Config struct {
	Key        string
	Capacity   float64
	RefillRate float64
	TTL        time.Duration

	// Store selects the distributed engine. Nil (the default) keeps
	// the Limiter purely local, backed by bucket.LocalBucket.
	Store store.Store

	InsuranceEnabled    bool
	InsuranceCapacity   float64
	InsuranceRefillRate float64
	FailureThreshold    int32

	Bus *events.Bus
}

// Validate checks Config's fields ahead of constructing a Limiter.
func (c Config) Validate() error {
	return utils.ValidateKey(c.Key, "key")
}

// distributedOptions translates Config into distributed.Option values
// for the subset of fields the distributed engine understands.
func (c Config) distributedOptions() []distributed.Option {
	opts := []distributed.Option{distributed.WithInsurance(c.InsuranceEnabled)}
	if c.TTL > 0 {
		opts = append(opts, distributed.WithTTL(c.TTL))
	}
	if c.InsuranceCapacity > 0 {
		opts = append(opts, distributed.WithInsuranceCapacity(c.InsuranceCapacity))
	}
	if c.InsuranceRefillRate > 0 {
		opts = append(opts, distributed.WithInsuranceRefillRate(c.InsuranceRefillRate))
	}
	if c.FailureThreshold > 0 {
		opts = append(opts, distributed.WithFailureThreshold(c.FailureThreshold))
	}
	if c.Bus != nil {
		opts = append(opts, distributed.WithEventBus(c.Bus))
	}
	return opts
}
