// Package distributed implements DistributedBucket (C3): the async,
// store-backed counterpart to bucket.LocalBucket. It delegates the
// refill-and-mutate arithmetic to AtomicScript (package atomic) running
// server-side on a shared store, and falls over to an embedded,
// stricter LocalBucket whenever InsuranceSupervisor (package insurance)
// judges the store unhealthy.
//
// Every consuming operation funnels through callStore, the single
// private method that observes store success/failure and reports it to
// the supervisor — so recovery and failover detection have exactly one
// observation point, never several racing ones. The one exception is a
// manual override (ForceInsurance): while held, operations skip the
// store entirely rather than probing it, since the operator declared
// it off-limits for the duration of the override.
package distributed

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ajiwo/tokenlimit/atomic"
	"github.com/ajiwo/tokenlimit/bucket"
	"github.com/ajiwo/tokenlimit/events"
	"github.com/ajiwo/tokenlimit/insurance"
	"github.com/ajiwo/tokenlimit/snapshot"
	"github.com/ajiwo/tokenlimit/store"
	"github.com/ajiwo/tokenlimit/utils/builderpool"
)

// blockKeyFor derives the store key that holds a bucket's block deadline.
func blockKeyFor(key string) string {
	sb := builderpool.Get()
	defer builderpool.Put(sb)
	sb.WriteString(key)
	sb.WriteString(":block")
	return sb.String()
}

// DefaultTTL is the inactivity TTL applied to the primary key when no
// WithTTL option is given.
const DefaultTTL = time.Hour

// DefaultFailureThreshold is the number of consecutive store failures
// that trips the supervisor into StateDegraded when no
// WithFailureThreshold option is given. Any store error during a routed
// operation trips it.
const DefaultFailureThreshold = 1

// Bucket is the Bucket record from spec §3 backed by a shared store,
// guarded by no local lock of its own — the atomic program invocation
// at the store is the linearization point.
type Bucket struct {
	store    store.Store
	key      string
	blockKey string

	capacity   float64
	refillRate float64
	ttl        time.Duration

	insuranceEnabled    bool
	insuranceCapacity   float64
	insuranceRefillRate float64
	failureThreshold    int32

	insurance  *bucket.LocalBucket
	supervisor *insurance.Supervisor

	bus *events.Bus
}

// Option configures a Bucket at construction time.
type Option func(*Bucket)

// WithTTL overrides the inactivity TTL applied to the primary key.
func WithTTL(ttl time.Duration) Option {
	return func(d *Bucket) {
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// WithInsurance enables or disables the insurance (fallback) path.
// Disabled is fail-open: a store failure admits the request instead of
// routing to a local bucket. This is a construction-time choice and
// must not change dynamically (spec §4.4).
func WithInsurance(enabled bool) Option {
	return func(d *Bucket) { d.insuranceEnabled = enabled }
}

// WithInsuranceCapacity overrides the insurance bucket's capacity,
// which otherwise defaults to max(1, floor(capacity*0.1)).
func WithInsuranceCapacity(capacity float64) Option {
	return func(d *Bucket) {
		if finitePositive(capacity) {
			d.insuranceCapacity = capacity
		}
	}
}

// WithInsuranceRefillRate overrides the insurance bucket's refill rate,
// which otherwise defaults to max(0.1, refillRate*0.1).
func WithInsuranceRefillRate(refillRate float64) Option {
	return func(d *Bucket) {
		if finitePositive(refillRate) {
			d.insuranceRefillRate = refillRate
		}
	}
}

// WithFailureThreshold overrides the consecutive-failure count required
// to trip the supervisor into StateDegraded.
func WithFailureThreshold(n int32) Option {
	return func(d *Bucket) {
		if n > 0 {
			d.failureThreshold = n
		}
	}
}

// WithEventBus attaches an existing EventBus instead of the bucket
// creating its own.
func WithEventBus(bus *events.Bus) Option {
	return func(d *Bucket) {
		if bus != nil {
			d.bus = bus
		}
	}
}

// New constructs a DistributedBucket for key against st. capacity and
// refillRate must be finite and strictly positive.
func New(st store.Store, key string, capacity, refillRate float64, opts ...Option) (*Bucket, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: store must not be nil", bucket.ErrInvalidArgument)
	}
	if key == "" {
		return nil, fmt.Errorf("%w: key must not be empty", bucket.ErrInvalidArgument)
	}
	if !finitePositive(capacity) {
		return nil, fmt.Errorf("%w: capacity must be finite and positive, got %v", bucket.ErrInvalidArgument, capacity)
	}
	if !finitePositive(refillRate) {
		return nil, fmt.Errorf("%w: refill_rate must be finite and positive, got %v", bucket.ErrInvalidArgument, refillRate)
	}

	d := &Bucket{
		store:               st,
		key:                 key,
		blockKey:            blockKeyFor(key),
		capacity:            capacity,
		refillRate:          refillRate,
		ttl:                 DefaultTTL,
		insuranceCapacity:   math.Max(1, math.Floor(capacity*0.1)),
		insuranceRefillRate: math.Max(0.1, refillRate*0.1),
		failureThreshold:    DefaultFailureThreshold,
		bus:                 events.NewBus(),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.supervisor = insurance.New(insurance.Config{FailureThreshold: d.failureThreshold}, d.bus)
	if d.insuranceEnabled {
		insBucket, err := bucket.New(d.insuranceCapacity, d.insuranceRefillRate)
		if err != nil {
			return nil, err
		}
		d.insurance = insBucket
	}
	return d, nil
}

// NewFromConfigSnapshot reconnects a DistributedBucket to an
// already-alive store-side bucket described by s (spec §4.3.2
// "configuration-only snapshot").
func NewFromConfigSnapshot(st store.Store, s snapshot.ConfigSnapshot, opts ...Option) (*Bucket, error) {
	if err := snapshot.ValidateConfig(s); err != nil {
		return nil, err
	}
	opts = append([]Option{WithTTL(time.Duration(s.TTLSeconds) * time.Second)}, opts...)
	return New(st, s.Key, s.Capacity, s.RefillRate, opts...)
}

// Subscribe registers fn on the bucket's EventBus.
func (d *Bucket) Subscribe(fn events.Handler) events.Subscription {
	return d.bus.Subscribe(fn)
}

// Bus returns the bucket's EventBus.
func (d *Bucket) Bus() *events.Bus {
	return d.bus
}

// Key returns the bucket's shared-store key.
func (d *Bucket) Key() string { return d.key }

// callStore executes fn against the shared store and centralizes
// failover/recovery accounting (spec §9 Open Question: recovery is
// detected here, the single observation point, never at is_blocked or
// health_check). On failure it emits a store-error event and reports
// the failure to the supervisor. On success, if the supervisor had
// been degraded, it resets the insurance bucket to full capacity
// before reporting the success onward (so the reset happens-before the
// insurance-off event the supervisor emits).
func (d *Bucket) callStore(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err != nil {
		d.publish(events.Event{
			Kind:      events.KindStoreError,
			Timestamp: time.Now(),
			Source:    events.SourceRedis,
			Operation: operation,
			Err:       err,
		})
		d.supervisor.RecordFailure(operation, d.insuranceCapacity, d.insuranceRefillRate)
		return err
	}

	if d.supervisor.IsDegraded() && d.insurance != nil {
		_ = d.insurance.Reset()
	}
	d.supervisor.RecordSuccess()
	return nil
}

// TryConsume attempts to consume cost tokens (spec §4.3).
func (d *Bucket) TryConsume(ctx context.Context, cost float64) (bucket.Result, error) {
	if !finitePositive(cost) {
		return bucket.Result{}, fmt.Errorf("%w: cost must be finite and positive, got %v", bucket.ErrInvalidArgument, cost)
	}

	now := time.Now()
	if blocked, retryAfter := d.checkBlocked(ctx, now); blocked {
		d.publish(events.Event{
			Kind: events.KindDenied, Timestamp: now, Source: events.SourceRedis,
			Cost: cost, RetryAfter: retryAfter, Reason: "blocked",
		})
		return bucket.Result{Allowed: false, Reason: "blocked", RetryAfter: retryAfter}, nil
	}

	if d.insuranceEnabled && d.supervisor.IsManualOverride() {
		return d.consumeViaInsurance(cost), nil
	}

	var outcome atomic.ConsumeOutcome
	err := d.callStore(ctx, "consume", func(ctx context.Context) error {
		var err error
		outcome, err = d.store.RunConsume(ctx, d.key, d.args(cost, now))
		return err
	})
	if err != nil {
		if d.insuranceEnabled {
			return d.consumeViaInsurance(cost), nil
		}
		d.publish(events.Event{Kind: events.KindAllowed, Timestamp: now, Source: events.SourceRedis, Cost: cost})
		return bucket.Result{Allowed: true}, nil
	}

	remaining := floorToInt64(outcome.TokensAfter)
	if outcome.Allowed {
		d.publish(events.Event{
			Kind: events.KindAllowed, Timestamp: now, Source: events.SourceRedis,
			RemainingTokens: remaining, Cost: cost,
		})
		return bucket.Result{Allowed: true, RemainingTokens: remaining}, nil
	}

	retryAfter := retryAfterFor(cost-outcome.TokensAfter, d.refillRate)
	d.publish(events.Event{
		Kind: events.KindDenied, Timestamp: now, Source: events.SourceRedis,
		RemainingTokens: remaining, Cost: cost, RetryAfter: retryAfter, Reason: "insufficient_tokens",
	})
	return bucket.Result{Allowed: false, Reason: "insufficient_tokens", RemainingTokens: remaining, RetryAfter: retryAfter}, nil
}

func (d *Bucket) consumeViaInsurance(cost float64) bucket.Result {
	res := d.insurance.TryConsume(cost)
	kind := events.KindDenied
	if res.Allowed {
		kind = events.KindAllowed
	}
	d.publish(events.Event{
		Kind: kind, Timestamp: time.Now(), Source: events.SourceInsurance,
		RemainingTokens: res.RemainingTokens, Cost: cost, RetryAfter: res.RetryAfter, Reason: res.Reason,
	})
	return res
}

// Penalty subtracts points from the bucket's tokens (spec §4.3).
func (d *Bucket) Penalty(ctx context.Context, points float64) (bucket.PenaltyResult, error) {
	if !finitePositive(points) {
		return bucket.PenaltyResult{}, fmt.Errorf("%w: points must be finite and positive, got %v", bucket.ErrInvalidArgument, points)
	}

	now := time.Now()
	if d.insuranceEnabled && d.supervisor.IsManualOverride() {
		return d.penaltyViaInsurance(points), nil
	}

	var outcome atomic.PenaltyOutcome
	err := d.callStore(ctx, "penalty", func(ctx context.Context) error {
		var err error
		outcome, err = d.store.RunPenalty(ctx, d.key, d.args(points, now))
		return err
	})
	if err != nil {
		if d.insuranceEnabled {
			return d.penaltyViaInsurance(points), nil
		}
		return bucket.PenaltyResult{Applied: points}, nil
	}

	remaining := floorToInt64(outcome.TokensAfter)
	d.publish(events.Event{
		Kind: events.KindPenalty, Timestamp: now, Source: events.SourceRedis,
		Applied: outcome.Applied, Before: outcome.TokensBefore, RemainingTokens: remaining,
	})
	return bucket.PenaltyResult{Applied: outcome.Applied, RemainingTokens: remaining}, nil
}

func (d *Bucket) penaltyViaInsurance(points float64) bucket.PenaltyResult {
	res, _ := d.insurance.Penalty(points)
	d.publish(events.Event{
		Kind: events.KindPenalty, Timestamp: time.Now(), Source: events.SourceInsurance,
		Applied: res.Applied, RemainingTokens: res.RemainingTokens,
	})
	return res
}

// Reward adds points to the bucket's tokens, clamped at capacity (spec §4.3).
func (d *Bucket) Reward(ctx context.Context, points float64) (bucket.RewardResult, error) {
	if !finitePositive(points) {
		return bucket.RewardResult{}, fmt.Errorf("%w: points must be finite and positive, got %v", bucket.ErrInvalidArgument, points)
	}

	now := time.Now()
	if d.insuranceEnabled && d.supervisor.IsManualOverride() {
		return d.rewardViaInsurance(points), nil
	}

	var outcome atomic.RewardOutcome
	err := d.callStore(ctx, "reward", func(ctx context.Context) error {
		var err error
		outcome, err = d.store.RunReward(ctx, d.key, d.args(points, now))
		return err
	})
	if err != nil {
		if d.insuranceEnabled {
			return d.rewardViaInsurance(points), nil
		}
		return bucket.RewardResult{Applied: points}, nil
	}

	remaining := floorToInt64(outcome.TokensAfter)
	d.publish(events.Event{
		Kind: events.KindReward, Timestamp: now, Source: events.SourceRedis,
		Applied: outcome.Applied, Before: outcome.TokensBefore, RemainingTokens: remaining, CappedAtCapacity: outcome.Capped,
	})
	return bucket.RewardResult{Applied: outcome.Applied, RemainingTokens: remaining, CappedAtCapacity: outcome.Capped}, nil
}

func (d *Bucket) rewardViaInsurance(points float64) bucket.RewardResult {
	res, _ := d.insurance.Reward(points)
	d.publish(events.Event{
		Kind: events.KindReward, Timestamp: time.Now(), Source: events.SourceInsurance,
		Applied: res.Applied, RemainingTokens: res.RemainingTokens, CappedAtCapacity: res.CappedAtCapacity,
	})
	return res
}

// Block denies every TryConsume call until duration has elapsed (spec
// §4.3.1). Block state lives only in the shared store — it is never
// mirrored into the insurance bucket, so a store outage during an
// active block fails open (the documented consequence in spec §4.3.1).
func (d *Bucket) Block(ctx context.Context, duration time.Duration) (time.Time, error) {
	if duration <= 0 {
		return time.Time{}, fmt.Errorf("%w: block duration must be positive, got %v", bucket.ErrInvalidArgument, duration)
	}

	now := time.Now()
	until := now.Add(duration)
	ttl := time.Duration(int64(math.Ceil(duration.Seconds()))+1) * time.Second
	if err := d.store.SetBlock(ctx, d.blockKey, until.UnixMilli(), ttl); err != nil {
		return time.Time{}, err
	}

	d.publish(events.Event{Kind: events.KindBlocked, Timestamp: now, BlockDuration: duration, BlockUntil: until})
	return until, nil
}

// Unblock clears any active block. Returns whether a block was in effect.
func (d *Bucket) Unblock(ctx context.Context) (bool, error) {
	now := time.Now()
	wasBlocked := false
	if unblockAtMs, exists, err := d.store.GetBlock(ctx, d.blockKey); err == nil && exists {
		wasBlocked = now.Before(time.UnixMilli(unblockAtMs))
	}
	if err := d.store.DeleteBlock(ctx, d.blockKey); err != nil {
		return false, err
	}

	d.publish(events.Event{Kind: events.KindUnblocked, Timestamp: now, WasBlocked: wasBlocked})
	return wasBlocked, nil
}

// IsBlocked reports whether the bucket is currently blocked. A store
// error here is absorbed and treated as not-blocked (spec §4.3.1's
// documented fail-open) and does not participate in supervisor
// accounting.
func (d *Bucket) IsBlocked(ctx context.Context) bool {
	blocked, _ := d.checkBlocked(ctx, time.Now())
	return blocked
}

// BlockRemaining returns how long the current block lasts, or zero if
// the bucket is not blocked (or the store could not be reached).
func (d *Bucket) BlockRemaining(ctx context.Context) time.Duration {
	_, retryAfter := d.checkBlocked(ctx, time.Now())
	return retryAfter
}

func (d *Bucket) checkBlocked(ctx context.Context, now time.Time) (blocked bool, retryAfter time.Duration) {
	unblockAtMs, exists, err := d.store.GetBlock(ctx, d.blockKey)
	if err != nil || !exists {
		return false, 0
	}
	until := time.UnixMilli(unblockAtMs)
	if !now.Before(until) {
		_ = d.store.DeleteBlock(ctx, d.blockKey)
		return false, 0
	}
	return true, until.Sub(now)
}

// Reset assigns tokens (default: capacity) at the store.
func (d *Bucket) Reset(ctx context.Context, tokens ...float64) error {
	target := d.capacity
	if len(tokens) > 0 {
		target = tokens[0]
	}
	if !finite(target) || target < 0 || target > d.capacity {
		return fmt.Errorf("%w: reset tokens must be within [0, capacity], got %v", bucket.ErrInvalidArgument, target)
	}

	now := time.Now()
	old := d.capacity
	if state, exists, err := d.store.GetState(ctx, d.key); err == nil && exists {
		old = state.Tokens
	}
	if err := d.store.SetState(ctx, d.key, atomic.State{Tokens: target, LastRefillAtMs: now.UnixMilli()}, d.ttl); err != nil {
		return err
	}

	d.publish(events.Event{Kind: events.KindReset, Timestamp: now, OldTokens: old, NewTokens: target, Capacity: d.capacity})
	return nil
}

// Delete removes the bucket's primary key from the store. Unlike the
// business operations, it has no insurance fallback and surfaces a
// store error directly (spec §7.2).
func (d *Bucket) Delete(ctx context.Context) error {
	return d.store.Delete(ctx, d.key)
}

// HealthCheck probes the shared store. It never raises and never
// participates in supervisor accounting — probes do not trigger
// recovery (spec §4.4).
func (d *Bucket) HealthCheck(ctx context.Context) bool {
	return d.store.Ping(ctx) == nil
}

// GetState returns a point-in-time read of the bucket's fields: from
// the insurance bucket while degraded, otherwise from the store
// directly (a raw read, not routed through callStore, since reads
// don't participate in failover accounting).
func (d *Bucket) GetState(ctx context.Context) (bucket.State, error) {
	if d.insuranceEnabled && d.supervisor.IsDegraded() {
		return d.insurance.GetState(), nil
	}

	now := time.Now()
	state, exists, err := d.store.GetState(ctx, d.key)
	if err != nil {
		return bucket.State{}, err
	}

	tokens := d.capacity
	if exists {
		tokens = atomic.Refill(state, atomic.Args{Capacity: d.capacity, RefillRate: d.refillRate, NowMs: now.UnixMilli()}).Tokens
	}
	blocked, retryAfter := d.checkBlocked(ctx, now)
	result := bucket.State{
		Capacity:        d.capacity,
		RefillRate:      d.refillRate,
		Tokens:          tokens,
		RemainingTokens: floorToInt64(tokens),
		LastRefillAt:    now,
		Blocked:         blocked,
	}
	if blocked {
		result.BlockUntil = now.Add(retryAfter)
	}
	return result, nil
}

// ConfigSnapshot returns the configuration-only snapshot (spec §4.3.2):
// enough for another process to reconnect to this bucket's store-side
// state via NewFromConfigSnapshot.
func (d *Bucket) ConfigSnapshot() snapshot.ConfigSnapshot {
	return snapshot.ConfigSnapshot{
		Version: snapshot.CurrentVersion, Type: "distributed", Key: d.key,
		Capacity: d.capacity, RefillRate: d.refillRate, TTLSeconds: int64(d.ttl.Seconds()),
	}
}

// Export performs a read against the store and returns a full-state
// snapshot (spec §4.3.2).
func (d *Bucket) Export(ctx context.Context) (snapshot.FullStateSnapshot, error) {
	state, exists, err := d.store.GetState(ctx, d.key)
	if err != nil {
		return snapshot.FullStateSnapshot{}, err
	}
	tokens, lastRefillAt := d.capacity, time.Now().UnixMilli()
	if exists {
		tokens, lastRefillAt = state.Tokens, state.LastRefillAtMs
	}
	return snapshot.FullStateSnapshot{
		Snapshot: snapshot.Snapshot{
			Version: snapshot.CurrentVersion, Capacity: d.capacity, Tokens: tokens,
			RefillRate: d.refillRate, LastRefillAt: lastRefillAt,
			Metadata: snapshot.Metadata{SerializedAt: time.Now().UTC().Format(time.RFC3339Nano), ClassName: "DistributedBucket"},
		},
		Type: "distributed", Key: d.key, TTLSeconds: int64(d.ttl.Seconds()),
	}, nil
}

// Import writes s's tokens and last_refill_at into the store atomically
// (one transaction covering both field writes plus the TTL).
func (d *Bucket) Import(ctx context.Context, s snapshot.FullStateSnapshot) error {
	if err := snapshot.ValidateFullState(s); err != nil {
		return err
	}
	if s.Key != d.key {
		return fmt.Errorf("%w: snapshot key %q does not match bucket key %q", bucket.ErrInvalidArgument, s.Key, d.key)
	}
	return d.store.SetState(ctx, d.key, atomic.State{Tokens: s.Tokens, LastRefillAtMs: s.LastRefillAt}, d.ttl)
}

// InsuranceState exposes the insurance supervisor's state and, when
// insurance is enabled, the embedded insurance bucket's current state,
// for observability (spec §4.3.2).
func (d *Bucket) InsuranceState() (enabled bool, degraded bool, state bucket.State) {
	if !d.insuranceEnabled {
		return false, false, bucket.State{}
	}
	return true, d.supervisor.IsDegraded(), d.insurance.GetState()
}

// ForceInsurance manually forces the failover state (spec §4.4 manual
// override), bypassing the supervisor's own failure accounting. Forcing
// degraded holds until ForceInsurance(false) is called; RecordSuccess
// will not auto-recover it in the meantime.
func (d *Bucket) ForceInsurance(degraded bool) {
	if degraded {
		d.supervisor.ForceDegraded("manual", d.insuranceCapacity, d.insuranceRefillRate)
		return
	}
	d.supervisor.ForceHealthy()
}

func (d *Bucket) args(amount float64, now time.Time) atomic.Args {
	return atomic.Args{
		Capacity:   d.capacity,
		RefillRate: d.refillRate,
		Amount:     amount,
		NowMs:      now.UnixMilli(),
		TTLSeconds: int64(d.ttl.Seconds()),
	}
}

func (d *Bucket) publish(evt events.Event) {
	d.bus.Publish(evt)
}

func floorToInt64(f float64) int64 {
	return int64(math.Floor(f))
}

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
