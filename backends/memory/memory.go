// Package memory implements store.Store entirely in-process: a map of
// mutex-guarded entries standing in for the hash-map-plus-Lua-VM a real
// shared store provides. It runs the same arithmetic as the Redis Lua
// script (package atomic) under a per-key mutex instead of a round-trip,
// so distributed.Bucket can be exercised in tests, demos, and
// insurance-only deployments without a live Redis.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ajiwo/tokenlimit/atomic"
)

// DefaultCleanupInterval is how often expired entries are swept when no
// custom interval is supplied to NewWithCleanup.
const DefaultCleanupInterval = 10 * time.Minute

// mutexPool reduces allocations when creating per-key locks.
var mutexPool = sync.Pool{
	New: func() any { return &sync.Mutex{} },
}

type entry struct {
	state      atomic.State
	expiresAt  time.Time
	hasExpiry  bool
	blockUntil int64 // epoch ms; meaningful only when hasBlock
	blockedExp time.Time
	hasBlock   bool
}

// Store is an in-process store.Store implementation.
type Store struct {
	locks sync.Map // map[string]*sync.Mutex
	data  sync.Map // map[string]*entry

	cleanupTicker *time.Ticker
	cleanupStop   chan struct{}
	cleanupWG     sync.WaitGroup
}

// New constructs a Store with the default cleanup interval.
func New() *Store {
	return NewWithCleanup(DefaultCleanupInterval)
}

// NewWithCleanup constructs a Store with a custom cleanup interval. Pass 0
// to disable the background sweep entirely.
func NewWithCleanup(interval time.Duration) *Store {
	s := &Store{cleanupStop: make(chan struct{})}
	if interval > 0 {
		s.cleanupTicker = time.NewTicker(interval)
		s.cleanupWG.Add(1)
		go s.runCleanup()
	}
	return s
}

func (s *Store) runCleanup() {
	defer s.cleanupWG.Done()
	for {
		select {
		case <-s.cleanupTicker.C:
			s.sweep()
		case <-s.cleanupStop:
			return
		}
	}
}

func (s *Store) sweep() {
	now := time.Now()
	var dead []string
	s.data.Range(func(k, v any) bool {
		e := v.(*entry)
		if e.hasExpiry && now.After(e.expiresAt) && (!e.hasBlock || now.After(e.blockedExp)) {
			dead = append(dead, k.(string))
		}
		return true
	})
	for _, k := range dead {
		s.data.Delete(k)
	}
}

func (s *Store) getLock(key string) *sync.Mutex {
	if existing, ok := s.locks.Load(key); ok {
		return existing.(*sync.Mutex)
	}
	m := mutexPool.Get().(*sync.Mutex)
	actual, loaded := s.locks.LoadOrStore(key, m)
	if loaded {
		mutexPool.Put(m)
	}
	return actual.(*sync.Mutex)
}

func (s *Store) loadEntry(key string) (*entry, bool) {
	v, ok := s.data.Load(key)
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	if e.hasExpiry && time.Now().After(e.expiresAt) {
		e.hasExpiry = false
		e.state = atomic.State{}
	}
	return e, true
}

func (s *Store) run(
	ctx context.Context,
	key string,
	args atomic.Args,
	apply func(existing *atomic.State, args atomic.Args) (atomic.State, any),
) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lock := s.getLock(key)
	lock.Lock()
	defer lock.Unlock()

	e, ok := s.loadEntry(key)
	var existing *atomic.State
	if ok && e.hasExpiry {
		existing = &e.state
	}

	newState, outcome := apply(existing, args)

	if e == nil {
		e = &entry{}
	}
	e.state = newState
	if args.TTLSeconds > 0 {
		e.expiresAt = time.Now().Add(time.Duration(args.TTLSeconds) * time.Second)
		e.hasExpiry = true
	}
	s.data.Store(key, e)

	return outcome, nil
}

// RunConsume implements store.Store.
func (s *Store) RunConsume(ctx context.Context, key string, args atomic.Args) (atomic.ConsumeOutcome, error) {
	out, err := s.run(ctx, key, args, func(existing *atomic.State, args atomic.Args) (atomic.State, any) {
		st, outcome := atomic.Consume(existing, args)
		return st, outcome
	})
	if err != nil {
		return atomic.ConsumeOutcome{}, err
	}
	return out.(atomic.ConsumeOutcome), nil
}

// RunPenalty implements store.Store.
func (s *Store) RunPenalty(ctx context.Context, key string, args atomic.Args) (atomic.PenaltyOutcome, error) {
	out, err := s.run(ctx, key, args, func(existing *atomic.State, args atomic.Args) (atomic.State, any) {
		st, outcome := atomic.Penalty(existing, args)
		return st, outcome
	})
	if err != nil {
		return atomic.PenaltyOutcome{}, err
	}
	return out.(atomic.PenaltyOutcome), nil
}

// RunReward implements store.Store.
func (s *Store) RunReward(ctx context.Context, key string, args atomic.Args) (atomic.RewardOutcome, error) {
	out, err := s.run(ctx, key, args, func(existing *atomic.State, args atomic.Args) (atomic.State, any) {
		st, outcome := atomic.Reward(existing, args)
		return st, outcome
	})
	if err != nil {
		return atomic.RewardOutcome{}, err
	}
	return out.(atomic.RewardOutcome), nil
}

// GetState implements store.Store.
func (s *Store) GetState(ctx context.Context, key string) (atomic.State, bool, error) {
	if err := ctx.Err(); err != nil {
		return atomic.State{}, false, err
	}
	lock := s.getLock(key)
	lock.Lock()
	defer lock.Unlock()

	e, ok := s.loadEntry(key)
	if !ok || !e.hasExpiry {
		return atomic.State{}, false, nil
	}
	return e.state, true, nil
}

// SetState implements store.Store.
func (s *Store) SetState(ctx context.Context, key string, state atomic.State, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := s.getLock(key)
	lock.Lock()
	defer lock.Unlock()

	e, ok := s.loadEntry(key)
	if !ok {
		e = &entry{}
	}
	e.state = state
	e.expiresAt = time.Now().Add(ttl)
	e.hasExpiry = true
	s.data.Store(key, e)
	return nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := s.getLock(key)
	lock.Lock()
	defer lock.Unlock()
	s.data.Delete(key)
	return nil
}

// SetBlock implements store.Store.
func (s *Store) SetBlock(ctx context.Context, blockKey string, unblockAtMs int64, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := s.getLock(blockKey)
	lock.Lock()
	defer lock.Unlock()

	e, ok := s.loadEntry(blockKey)
	if !ok {
		e = &entry{}
	}
	e.hasBlock = true
	e.blockUntil = unblockAtMs
	e.blockedExp = time.Now().Add(ttl)
	s.data.Store(blockKey, e)
	return nil
}

// GetBlock implements store.Store.
func (s *Store) GetBlock(ctx context.Context, blockKey string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	lock := s.getLock(blockKey)
	lock.Lock()
	defer lock.Unlock()

	v, ok := s.data.Load(blockKey)
	if !ok {
		return 0, false, nil
	}
	e := v.(*entry)
	if !e.hasBlock || time.Now().After(e.blockedExp) {
		return 0, false, nil
	}
	return e.blockUntil, true, nil
}

// DeleteBlock implements store.Store.
func (s *Store) DeleteBlock(ctx context.Context, blockKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := s.getLock(blockKey)
	lock.Lock()
	defer lock.Unlock()

	v, ok := s.data.Load(blockKey)
	if !ok {
		return nil
	}
	e := v.(*entry)
	e.hasBlock = false
	s.data.Store(blockKey, e)
	return nil
}

// Ping implements store.Store; the in-process store is always reachable.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close stops the cleanup goroutine and releases all entries.
func (s *Store) Close() error {
	if s.cleanupTicker != nil {
		s.cleanupTicker.Stop()
		close(s.cleanupStop)
		s.cleanupWG.Wait()
	}
	s.data = sync.Map{}
	s.locks = sync.Map{}
	return nil
}
