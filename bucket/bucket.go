// Package bucket implements LocalBucket (C1): a pure in-process token
// bucket with refill, penalty, reward, time-based block, and snapshot.
// LocalBucket performs no I/O and never suspends — every operation
// completes in constant time under a single mutex guarding the
// {refill; mutate} sequence (spec §5).
package bucket

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ajiwo/tokenlimit/events"
	"github.com/ajiwo/tokenlimit/snapshot"
)

// Result is returned by TryConsume.
type Result struct {
	Allowed         bool
	Reason          string // "blocked" or "insufficient_tokens" when !Allowed
	RemainingTokens int64
	RetryAfter      time.Duration
}

// PenaltyResult is returned by Penalty.
type PenaltyResult struct {
	Applied         float64
	RemainingTokens int64
}

// RewardResult is returned by Reward.
type RewardResult struct {
	Applied          float64
	RemainingTokens  int64
	CappedAtCapacity bool
}

// State is a point-in-time read of bucket fields, returned by GetState.
type State struct {
	Capacity        float64
	RefillRate      float64
	Tokens          float64
	RemainingTokens int64
	LastRefillAt    time.Time
	Blocked         bool
	BlockUntil      time.Time
}

// LocalBucket is the Bucket record from spec §3, guarded by a single mutex.
type LocalBucket struct {
	mu sync.Mutex

	capacity   float64
	refillRate float64

	tokens       float64
	lastRefillAt time.Time
	blockUntil   *time.Time

	bus *events.Bus
}

// Option configures a LocalBucket at construction time.
type Option func(*LocalBucket)

// WithBus attaches an existing EventBus instead of the bucket creating its
// own, for callers that want several buckets fanning out to the same
// observers.
func WithBus(bus *events.Bus) Option {
	return func(b *LocalBucket) {
		b.bus = bus
	}
}

// New constructs a LocalBucket at full capacity. capacity and refillRate
// must be finite and strictly positive (spec §8 boundary behaviors).
func New(capacity, refillRate float64, opts ...Option) (*LocalBucket, error) {
	if !finitePositive(capacity) {
		return nil, fmt.Errorf("%w: capacity must be finite and positive, got %v", ErrInvalidArgument, capacity)
	}
	if !finitePositive(refillRate) {
		return nil, fmt.Errorf("%w: refill_rate must be finite and positive, got %v", ErrInvalidArgument, refillRate)
	}

	b := &LocalBucket{
		capacity:     capacity,
		refillRate:   refillRate,
		tokens:       capacity,
		lastRefillAt: time.Now(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.bus == nil {
		b.bus = events.NewBus()
	}
	return b, nil
}

// Subscribe registers fn on the bucket's EventBus.
func (b *LocalBucket) Subscribe(fn events.Handler) events.Subscription {
	return b.bus.Subscribe(fn)
}

// Bus returns the bucket's EventBus, so callers may share it with other
// buckets (distributed.Bucket shares its bus with the embedded insurance
// LocalBucket).
func (b *LocalBucket) Bus() *events.Bus {
	return b.bus
}

// Capacity returns the bucket's immutable capacity.
func (b *LocalBucket) Capacity() float64 { return b.capacity }

// RefillRate returns the bucket's immutable refill rate.
func (b *LocalBucket) RefillRate() float64 { return b.refillRate }

// refillLocked applies the refill algorithm (spec §4.1). Caller must hold mu.
func (b *LocalBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefillAt).Seconds()
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefillAt = now
}

// resolveExpiredBlockLocked clears blockUntil if it has passed. Caller must
// hold mu. Returns whether the bucket is still blocked.
func (b *LocalBucket) resolveExpiredBlockLocked(now time.Time) bool {
	if b.blockUntil == nil {
		return false
	}
	if !now.Before(*b.blockUntil) {
		b.blockUntil = nil
		return false
	}
	return true
}

// TryConsume attempts to consume cost tokens. cost is typically 1.
func (b *LocalBucket) TryConsume(cost float64) Result {
	now := time.Now()

	b.mu.Lock()
	if b.resolveExpiredBlockLocked(now) {
		remaining := floorToInt64(b.tokens)
		retryAfter := b.blockUntil.Sub(now)
		b.mu.Unlock()

		b.publish(events.Event{
			Kind:            events.KindDenied,
			Timestamp:       now,
			Source:          events.SourceLocal,
			RemainingTokens: remaining,
			Cost:            cost,
			RetryAfter:      retryAfter,
			Reason:          "blocked",
		})
		return Result{Allowed: false, Reason: "blocked", RemainingTokens: remaining, RetryAfter: retryAfter}
	}

	b.refillLocked(now)

	if b.tokens >= cost {
		b.tokens -= cost
		remaining := floorToInt64(b.tokens)
		b.mu.Unlock()

		b.publish(events.Event{
			Kind:            events.KindAllowed,
			Timestamp:       now,
			Source:          events.SourceLocal,
			RemainingTokens: remaining,
			Cost:            cost,
		})
		return Result{Allowed: true, RemainingTokens: remaining}
	}

	remaining := floorToInt64(b.tokens)
	retryAfter := retryAfterFor(cost-b.tokens, b.refillRate)
	b.mu.Unlock()

	b.publish(events.Event{
		Kind:            events.KindDenied,
		Timestamp:       now,
		Source:          events.SourceLocal,
		RemainingTokens: remaining,
		Cost:            cost,
		RetryAfter:      retryAfter,
		Reason:          "insufficient_tokens",
	})
	return Result{Allowed: false, Reason: "insufficient_tokens", RemainingTokens: remaining, RetryAfter: retryAfter}
}

// Penalty subtracts points from the bucket's tokens, possibly driving it
// negative (debt). points must be finite and strictly positive.
func (b *LocalBucket) Penalty(points float64) (PenaltyResult, error) {
	if !finitePositive(points) {
		return PenaltyResult{}, fmt.Errorf("%w: points must be finite and positive, got %v", ErrInvalidArgument, points)
	}

	now := time.Now()
	b.mu.Lock()
	b.refillLocked(now)
	before := b.tokens
	b.tokens -= points
	remaining := floorToInt64(b.tokens)
	b.mu.Unlock()

	b.publish(events.Event{
		Kind:            events.KindPenalty,
		Timestamp:       now,
		Source:          events.SourceLocal,
		Applied:         points,
		Before:          before,
		RemainingTokens: remaining,
	})
	return PenaltyResult{Applied: points, RemainingTokens: remaining}, nil
}

// Reward adds points to the bucket's tokens, clamped at capacity. points
// must be finite and strictly positive.
func (b *LocalBucket) Reward(points float64) (RewardResult, error) {
	if !finitePositive(points) {
		return RewardResult{}, fmt.Errorf("%w: points must be finite and positive, got %v", ErrInvalidArgument, points)
	}

	now := time.Now()
	b.mu.Lock()
	b.refillLocked(now)
	before := b.tokens
	uncapped := before + points
	b.tokens = math.Min(b.capacity, uncapped)
	capped := uncapped > b.capacity
	applied := b.tokens - before
	remaining := floorToInt64(b.tokens)
	b.mu.Unlock()

	b.publish(events.Event{
		Kind:             events.KindReward,
		Timestamp:        now,
		Source:           events.SourceLocal,
		Applied:          applied,
		Before:           before,
		RemainingTokens:  remaining,
		CappedAtCapacity: capped,
	})
	return RewardResult{Applied: applied, RemainingTokens: remaining, CappedAtCapacity: capped}, nil
}

// Block denies every TryConsume call until duration has elapsed. duration
// must be strictly positive. Returns the absolute unblock instant.
func (b *LocalBucket) Block(duration time.Duration) (time.Time, error) {
	if duration <= 0 {
		return time.Time{}, fmt.Errorf("%w: block duration must be positive, got %v", ErrInvalidArgument, duration)
	}

	now := time.Now()
	until := now.Add(duration)
	b.mu.Lock()
	b.blockUntil = &until
	b.mu.Unlock()

	b.publish(events.Event{
		Kind:          events.KindBlocked,
		Timestamp:     now,
		Source:        events.SourceLocal,
		BlockDuration: duration,
		BlockUntil:    until,
	})
	return until, nil
}

// Unblock clears any active block. Returns whether a block was in effect.
func (b *LocalBucket) Unblock() bool {
	now := time.Now()
	b.mu.Lock()
	wasBlocked := b.blockUntil != nil && now.Before(*b.blockUntil)
	b.blockUntil = nil
	b.mu.Unlock()

	b.publish(events.Event{
		Kind:       events.KindUnblocked,
		Timestamp:  now,
		Source:     events.SourceLocal,
		WasBlocked: wasBlocked,
	})
	return wasBlocked
}

// IsBlocked reports whether the bucket is currently blocked, lazily
// expiring a block whose duration has elapsed.
func (b *LocalBucket) IsBlocked() bool {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolveExpiredBlockLocked(now)
}

// BlockRemaining returns how long the current block lasts, or zero if the
// bucket is not blocked.
func (b *LocalBucket) BlockRemaining() time.Duration {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.resolveExpiredBlockLocked(now) {
		return 0
	}
	return b.blockUntil.Sub(now)
}

// AvailableTokens returns floor(tokens) after applying refill, without
// mutating last_refill_at as a side effect observers would notice (the
// refill formula is idempotent: re-reading with the same now twice is safe).
func (b *LocalBucket) AvailableTokens() int64 {
	now := time.Now()
	b.mu.Lock()
	b.refillLocked(now)
	tokens := b.tokens
	b.mu.Unlock()
	return floorToInt64(tokens)
}

// TimeUntilNextToken returns how long until the bucket has at least one
// more token than it does right now, or zero if it already does.
func (b *LocalBucket) TimeUntilNextToken() time.Duration {
	now := time.Now()
	b.mu.Lock()
	b.refillLocked(now)
	tokens := b.tokens
	refillRate := b.refillRate
	b.mu.Unlock()

	next := math.Floor(tokens) + 1
	if tokens >= next {
		return 0
	}
	return retryAfterFor(next-tokens, refillRate)
}

// Reset assigns tokens (default: capacity) and clears block_until. tokens
// must be within [0, capacity].
func (b *LocalBucket) Reset(tokens ...float64) error {
	target := b.capacity
	if len(tokens) > 0 {
		target = tokens[0]
	}
	if !finite(target) || target < 0 || target > b.capacity {
		return fmt.Errorf("%w: reset tokens must be within [0, capacity], got %v", ErrInvalidArgument, target)
	}

	now := time.Now()
	b.mu.Lock()
	old := b.tokens
	b.tokens = target
	b.lastRefillAt = now
	b.blockUntil = nil
	b.mu.Unlock()

	b.publish(events.Event{
		Kind:      events.KindReset,
		Timestamp: now,
		Source:    events.SourceLocal,
		OldTokens: old,
		NewTokens: target,
		Capacity:  b.capacity,
	})
	return nil
}

// GetState returns a point-in-time snapshot of the bucket's fields.
func (b *LocalBucket) GetState() State {
	now := time.Now()
	b.mu.Lock()
	b.refillLocked(now)
	blocked := b.resolveExpiredBlockLocked(now)
	state := State{
		Capacity:        b.capacity,
		RefillRate:      b.refillRate,
		Tokens:          b.tokens,
		RemainingTokens: floorToInt64(b.tokens),
		LastRefillAt:    b.lastRefillAt,
		Blocked:         blocked,
	}
	if blocked {
		state.BlockUntil = *b.blockUntil
	}
	b.mu.Unlock()
	return state
}

// Snapshot serializes the bucket's current state for persistence.
func (b *LocalBucket) Snapshot() snapshot.Snapshot {
	now := time.Now()
	b.mu.Lock()
	b.refillLocked(now)
	s := snapshot.Snapshot{
		Version:      snapshot.CurrentVersion,
		Capacity:     b.capacity,
		Tokens:       b.tokens,
		RefillRate:   b.refillRate,
		LastRefillAt: b.lastRefillAt.UnixMilli(),
	}
	if b.blockUntil != nil {
		ms := b.blockUntil.UnixMilli()
		s.BlockUntil = &ms
	}
	b.mu.Unlock()

	s.Metadata = snapshot.Metadata{
		SerializedAt: now.UTC().Format(time.RFC3339Nano),
		ClassName:    "LocalBucket",
	}
	return s
}

// Restore replaces the bucket's state with s. The codec rejects snapshots
// with an unknown version, non-finite numerics, or tokens > capacity;
// Restore additionally requires s.Capacity and s.RefillRate to match the
// bucket's own immutable parameters (a snapshot cannot retarget a bucket).
func (b *LocalBucket) Restore(s snapshot.Snapshot) error {
	if err := snapshot.Validate(s); err != nil {
		return err
	}
	if s.Capacity != b.capacity {
		return fmt.Errorf("%w: snapshot capacity %v does not match bucket capacity %v", ErrInvalidArgument, s.Capacity, b.capacity)
	}
	if s.RefillRate != b.refillRate {
		return fmt.Errorf("%w: snapshot refill_rate %v does not match bucket refill_rate %v", ErrInvalidArgument, s.RefillRate, b.refillRate)
	}

	b.mu.Lock()
	b.tokens = s.Tokens
	b.lastRefillAt = time.UnixMilli(s.LastRefillAt)
	if s.BlockUntil != nil {
		until := time.UnixMilli(*s.BlockUntil)
		b.blockUntil = &until
	} else {
		b.blockUntil = nil
	}
	b.mu.Unlock()
	return nil
}

func (b *LocalBucket) publish(evt events.Event) {
	if b.bus != nil {
		b.bus.Publish(evt)
	}
}

func floorToInt64(f float64) int64 {
	return int64(math.Floor(f))
}

// retryAfterFor computes ceil(deficit / refillRate * 1000) milliseconds,
// the projected time until refillRate has supplied deficit more tokens.
func retryAfterFor(deficit, refillRate float64) time.Duration {
	if deficit <= 0 {
		return 0
	}
	ms := math.Ceil(deficit / refillRate * 1000)
	return time.Duration(ms) * time.Millisecond
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func finitePositive(f float64) bool {
	return finite(f) && f > 0
}
