// Package tokenlimit is the embeddable facade over the token-bucket
// engine (spec §1): a Limiter that is either purely local
// (bucket.LocalBucket) or store-backed with insurance failover
// (distributed.Bucket), selected by whether WithStore is given.
package tokenlimit

import (
	"context"
	"fmt"
	"time"

	"github.com/ajiwo/tokenlimit/bucket"
	"github.com/ajiwo/tokenlimit/distributed"
	"github.com/ajiwo/tokenlimit/events"
	"github.com/ajiwo/tokenlimit/snapshot"
)

// Limiter is a single rate-limited bucket, local or distributed.
type Limiter struct {
	config Config
	local  *bucket.LocalBucket
	dist   *distributed.Bucket
}

// New constructs a Limiter from functional options.
func New(opts ...Option) (*Limiter, error) {
	config := Config{
		Key:        "default",
		Capacity:   DefaultCapacity,
		RefillRate: DefaultRefillRate,
	}
	for _, opt := range opts {
		if err := opt(&config); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	l := &Limiter{config: config}
	if config.Store == nil {
		bucketOpts := []bucket.Option{}
		if config.Bus != nil {
			bucketOpts = append(bucketOpts, bucket.WithBus(config.Bus))
		}
		lb, err := bucket.New(config.Capacity, config.RefillRate, bucketOpts...)
		if err != nil {
			return nil, err
		}
		l.local = lb
		return l, nil
	}

	db, err := distributed.New(config.Store, config.Key, config.Capacity, config.RefillRate, config.distributedOptions()...)
	if err != nil {
		return nil, err
	}
	l.dist = db
	return l, nil
}

// IsDistributed reports whether this Limiter is store-backed.
func (l *Limiter) IsDistributed() bool { return l.dist != nil }

// TryConsume attempts to consume cost tokens (typically 1).
func (l *Limiter) TryConsume(ctx context.Context, cost float64) (bucket.Result, error) {
	if l.dist != nil {
		return l.dist.TryConsume(ctx, cost)
	}
	return l.local.TryConsume(cost), nil
}

// Penalty subtracts points from the bucket's tokens, possibly driving
// it negative.
func (l *Limiter) Penalty(ctx context.Context, points float64) (bucket.PenaltyResult, error) {
	if l.dist != nil {
		return l.dist.Penalty(ctx, points)
	}
	return l.local.Penalty(points)
}

// Reward adds points to the bucket's tokens, clamped at capacity.
func (l *Limiter) Reward(ctx context.Context, points float64) (bucket.RewardResult, error) {
	if l.dist != nil {
		return l.dist.Reward(ctx, points)
	}
	return l.local.Reward(points)
}

// Block denies every TryConsume call until duration has elapsed.
func (l *Limiter) Block(ctx context.Context, duration time.Duration) (time.Time, error) {
	if l.dist != nil {
		return l.dist.Block(ctx, duration)
	}
	return l.local.Block(duration)
}

// Unblock clears any active block. Returns whether a block was in effect.
func (l *Limiter) Unblock(ctx context.Context) (bool, error) {
	if l.dist != nil {
		return l.dist.Unblock(ctx)
	}
	return l.local.Unblock(), nil
}

// IsBlocked reports whether the bucket is currently blocked.
func (l *Limiter) IsBlocked(ctx context.Context) bool {
	if l.dist != nil {
		return l.dist.IsBlocked(ctx)
	}
	return l.local.IsBlocked()
}

// BlockRemaining returns how long the current block lasts, or zero.
func (l *Limiter) BlockRemaining(ctx context.Context) time.Duration {
	if l.dist != nil {
		return l.dist.BlockRemaining(ctx)
	}
	return l.local.BlockRemaining()
}

// Reset assigns tokens (default: capacity).
func (l *Limiter) Reset(ctx context.Context, tokens ...float64) error {
	if l.dist != nil {
		return l.dist.Reset(ctx, tokens...)
	}
	return l.local.Reset(tokens...)
}

// Delete removes the bucket's state from the shared store. It has no
// meaning for a purely local Limiter and returns an error there.
func (l *Limiter) Delete(ctx context.Context) error {
	if l.dist != nil {
		return l.dist.Delete(ctx)
	}
	return fmt.Errorf("tokenlimit: delete is only meaningful for a store-backed limiter")
}

// HealthCheck probes the shared store. A purely local Limiter is
// always healthy — there is nothing to probe.
func (l *Limiter) HealthCheck(ctx context.Context) bool {
	if l.dist != nil {
		return l.dist.HealthCheck(ctx)
	}
	return true
}

// GetState returns a point-in-time read of the bucket's fields.
func (l *Limiter) GetState(ctx context.Context) (bucket.State, error) {
	if l.dist != nil {
		return l.dist.GetState(ctx)
	}
	return l.local.GetState(), nil
}

// Subscribe registers fn on the Limiter's EventBus.
func (l *Limiter) Subscribe(fn events.Handler) events.Subscription {
	if l.dist != nil {
		return l.dist.Subscribe(fn)
	}
	return l.local.Subscribe(fn)
}

// InsuranceState exposes the insurance supervisor's state for a
// store-backed Limiter. Always reports disabled for a local Limiter.
func (l *Limiter) InsuranceState() (enabled bool, degraded bool, state bucket.State) {
	if l.dist != nil {
		return l.dist.InsuranceState()
	}
	return false, false, bucket.State{}
}

// Snapshot serializes a local Limiter's state for persistence. Use
// Export for a store-backed Limiter instead.
func (l *Limiter) Snapshot() (snapshot.Snapshot, error) {
	if l.local == nil {
		return snapshot.Snapshot{}, fmt.Errorf("tokenlimit: snapshot is only meaningful for a local limiter; use Export")
	}
	return l.local.Snapshot(), nil
}

// Restore replaces a local Limiter's state from a snapshot.
func (l *Limiter) Restore(s snapshot.Snapshot) error {
	if l.local == nil {
		return fmt.Errorf("tokenlimit: restore is only meaningful for a local limiter; use Import")
	}
	return l.local.Restore(s)
}

// Export performs a store read and returns a full-state snapshot for a
// store-backed Limiter.
func (l *Limiter) Export(ctx context.Context) (snapshot.FullStateSnapshot, error) {
	if l.dist == nil {
		return snapshot.FullStateSnapshot{}, fmt.Errorf("tokenlimit: export is only meaningful for a store-backed limiter; use Snapshot")
	}
	return l.dist.Export(ctx)
}

// Import writes a full-state snapshot into a store-backed Limiter's key.
func (l *Limiter) Import(ctx context.Context, s snapshot.FullStateSnapshot) error {
	if l.dist == nil {
		return fmt.Errorf("tokenlimit: import is only meaningful for a store-backed limiter; use Restore")
	}
	return l.dist.Import(ctx, s)
}

// Key returns the Limiter's configured key.
func (l *Limiter) Key() string { return l.config.Key }
