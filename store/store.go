// Package store defines the shared-store contract the engine expects from
// its backing store (spec §6): a hash-map container with multi-field
// read/write, a server-side atomic program, key TTLs, and a liveness
// probe. backends/redis and backends/memory implement it; distributed.Bucket
// and insurance.Supervisor depend only on this interface, never on a
// concrete backend.
package store

import (
	"context"
	"time"

	"github.com/ajiwo/tokenlimit/atomic"
)

// Store is the shared-store contract (spec §6). Every method accepts a
// caller deadline via ctx; on deadline expiry the call must be reported
// as a store error (triggering failover), never silently abandoned.
type Store interface {
	// RunConsume executes the atomic consume program for key in one
	// round-trip.
	RunConsume(ctx context.Context, key string, args atomic.Args) (atomic.ConsumeOutcome, error)

	// RunPenalty executes the atomic penalty program for key.
	RunPenalty(ctx context.Context, key string, args atomic.Args) (atomic.PenaltyOutcome, error)

	// RunReward executes the atomic reward program for key.
	RunReward(ctx context.Context, key string, args atomic.Args) (atomic.RewardOutcome, error)

	// GetState reads the raw {tokens, last_refill_at} fields for key
	// without mutating them. exists is false if the key has never been
	// written or has expired.
	GetState(ctx context.Context, key string) (state atomic.State, exists bool, err error)

	// SetState writes tokens/last_refill_at atomically (as one
	// transaction covering both field writes plus the TTL), used by
	// Reset and full-state Import.
	SetState(ctx context.Context, key string, state atomic.State, ttl time.Duration) error

	// Delete removes the primary key.
	Delete(ctx context.Context, key string) error

	// SetBlock writes the block key with the store-native TTL set to
	// ceil(duration/1s) + 1 seconds, so the block disappears
	// automatically even if the process that set it crashes.
	SetBlock(ctx context.Context, blockKey string, unblockAtMs int64, ttl time.Duration) error

	// GetBlock reads the block key. exists is false if the key is absent
	// or has naturally expired at the store.
	GetBlock(ctx context.Context, blockKey string) (unblockAtMs int64, exists bool, err error)

	// DeleteBlock removes the block key unconditionally.
	DeleteBlock(ctx context.Context, blockKey string) error

	// Ping is a liveness probe (ping-equivalent). It must not be treated
	// as a business operation by callers: it never participates in
	// insurance failover accounting.
	Ping(ctx context.Context) error

	// Close releases resources held by the store client.
	Close() error
}
