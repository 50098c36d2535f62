package distributed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	atomicpkg "github.com/ajiwo/tokenlimit/atomic"
	"github.com/ajiwo/tokenlimit/backends/memory"
	"github.com/ajiwo/tokenlimit/events"
)

// flakyStore wraps a memory.Store and can be forced to fail every call,
// standing in for an unreachable Redis/Postgres without needing either.
type flakyStore struct {
	inner *memory.Store
	down  atomic.Bool
}

func newFlakyStore() *flakyStore {
	return &flakyStore{inner: memory.NewWithCleanup(0)}
}

var errStoreDown = errors.New("flaky store: forced failure")

func (f *flakyStore) RunConsume(ctx context.Context, key string, args atomicpkg.Args) (atomicpkg.ConsumeOutcome, error) {
	if f.down.Load() {
		return atomicpkg.ConsumeOutcome{}, errStoreDown
	}
	return f.inner.RunConsume(ctx, key, args)
}

func (f *flakyStore) RunPenalty(ctx context.Context, key string, args atomicpkg.Args) (atomicpkg.PenaltyOutcome, error) {
	if f.down.Load() {
		return atomicpkg.PenaltyOutcome{}, errStoreDown
	}
	return f.inner.RunPenalty(ctx, key, args)
}

func (f *flakyStore) RunReward(ctx context.Context, key string, args atomicpkg.Args) (atomicpkg.RewardOutcome, error) {
	if f.down.Load() {
		return atomicpkg.RewardOutcome{}, errStoreDown
	}
	return f.inner.RunReward(ctx, key, args)
}

func (f *flakyStore) GetState(ctx context.Context, key string) (atomicpkg.State, bool, error) {
	if f.down.Load() {
		return atomicpkg.State{}, false, errStoreDown
	}
	return f.inner.GetState(ctx, key)
}

func (f *flakyStore) SetState(ctx context.Context, key string, state atomicpkg.State, ttl time.Duration) error {
	if f.down.Load() {
		return errStoreDown
	}
	return f.inner.SetState(ctx, key, state, ttl)
}

func (f *flakyStore) Delete(ctx context.Context, key string) error {
	if f.down.Load() {
		return errStoreDown
	}
	return f.inner.Delete(ctx, key)
}

func (f *flakyStore) SetBlock(ctx context.Context, blockKey string, unblockAtMs int64, ttl time.Duration) error {
	if f.down.Load() {
		return errStoreDown
	}
	return f.inner.SetBlock(ctx, blockKey, unblockAtMs, ttl)
}

func (f *flakyStore) GetBlock(ctx context.Context, blockKey string) (int64, bool, error) {
	if f.down.Load() {
		return 0, false, errStoreDown
	}
	return f.inner.GetBlock(ctx, blockKey)
}

func (f *flakyStore) DeleteBlock(ctx context.Context, blockKey string) error {
	if f.down.Load() {
		return errStoreDown
	}
	return f.inner.DeleteBlock(ctx, blockKey)
}

func (f *flakyStore) Ping(ctx context.Context) error {
	if f.down.Load() {
		return errStoreDown
	}
	return f.inner.Ping(ctx)
}

func (f *flakyStore) Close() error { return f.inner.Close() }

func TestNew_RejectsInvalidArguments(t *testing.T) {
	st := newFlakyStore()

	_, err := New(nil, "k", 5, 1)
	require.Error(t, err)

	_, err = New(st, "", 5, 1)
	require.Error(t, err)

	_, err = New(st, "k", 0, 1)
	require.Error(t, err)

	_, err = New(st, "k", 5, -1)
	require.Error(t, err)
}

func TestTryConsume_BasicAllowAndDeny(t *testing.T) {
	st := newFlakyStore()
	d, err := New(st, "k1", 3, 1)
	require.NoError(t, err)
	ctx := context.Background()

	for want := int64(2); want >= 0; want-- {
		res, err := d.TryConsume(ctx, 1)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, want, res.RemainingTokens)
	}

	denied, err := d.TryConsume(ctx, 1)
	require.NoError(t, err)
	assert.False(t, denied.Allowed)
	assert.Equal(t, "insufficient_tokens", denied.Reason)
}

func TestTryConsume_ConcurrentCallsYieldExactlyCapacityAllowed(t *testing.T) {
	st := newFlakyStore()
	d, err := New(st, "contended", 5, 0.0001)
	require.NoError(t, err)
	ctx := context.Background()

	const n = 20
	results := make(chan bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := d.TryConsume(ctx, 1)
			results <- err == nil && res.Allowed
		}()
	}
	wg.Wait()
	close(results)

	allowed := 0
	for ok := range results {
		if ok {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed)
}

func TestPenalty_DrivesTokensNegative(t *testing.T) {
	st := newFlakyStore()
	d, err := New(st, "pk", 10, 1)
	require.NoError(t, err)
	ctx := context.Background()

	res, err := d.Penalty(ctx, 15)
	require.NoError(t, err)
	assert.Equal(t, int64(-5), res.RemainingTokens)
}

func TestReward_CapsAtCapacity(t *testing.T) {
	st := newFlakyStore()
	d, err := New(st, "rk", 10, 1)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = d.TryConsume(ctx, 2)
	require.NoError(t, err)

	res, err := d.Reward(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.RemainingTokens)
	assert.True(t, res.CappedAtCapacity)
}

func TestBlock_DenialThenUnblock(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		st := newFlakyStore()
		d, err := New(st, "bk", 10, 10)
		require.NoError(t, err)
		ctx := context.Background()

		until, err := d.Block(ctx, 2*time.Second)
		require.NoError(t, err)
		assert.False(t, until.IsZero())

		denied, err := d.TryConsume(ctx, 1)
		require.NoError(t, err)
		assert.False(t, denied.Allowed)
		assert.Equal(t, "blocked", denied.Reason)
		assert.True(t, d.IsBlocked(ctx))

		wasBlocked, err := d.Unblock(ctx)
		require.NoError(t, err)
		assert.True(t, wasBlocked)
		assert.False(t, d.IsBlocked(ctx))

		allowed, err := d.TryConsume(ctx, 1)
		require.NoError(t, err)
		assert.True(t, allowed.Allowed)
	})
}

func TestBlock_ExpiresLazily(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		st := newFlakyStore()
		d, err := New(st, "bk2", 10, 10)
		require.NoError(t, err)
		ctx := context.Background()

		_, err = d.Block(ctx, time.Second)
		require.NoError(t, err)

		time.Sleep(2 * time.Second)
		assert.False(t, d.IsBlocked(ctx))

		allowed, err := d.TryConsume(ctx, 1)
		require.NoError(t, err)
		assert.True(t, allowed.Allowed)
	})
}

// Scenario 5 (spec §8): failover and recovery. Kill the shared store,
// issue concurrent TryConsume calls — exactly one insurance-on event,
// all calls served by the insurance bucket. Restore the store, issue
// one more call — exactly one insurance-off event, insurance bucket
// reset to full capacity.
func TestFailoverAndRecovery_SingleEmissionEachWay(t *testing.T) {
	st := newFlakyStore()
	var onEvents, offEvents int32
	d, err := New(st, "fk", 100, 1, WithInsurance(true), WithInsuranceCapacity(5), WithFailureThreshold(1))
	require.NoError(t, err)
	d.Subscribe(func(e events.Event) {
		switch e.Kind {
		case events.KindInsuranceOn:
			atomic.AddInt32(&onEvents, 1)
		case events.KindInsuranceOff:
			atomic.AddInt32(&offEvents, 1)
		}
	})

	ctx := context.Background()
	st.down.Store(true)

	const n = 10
	results := make(chan bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := d.TryConsume(ctx, 1)
			results <- err == nil && res.Allowed
		}()
	}
	wg.Wait()
	close(results)

	allowed := 0
	for ok := range results {
		if ok {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed, "insurance bucket capacity caps allowed calls")
	assert.Equal(t, int32(1), atomic.LoadInt32(&onEvents))

	enabled, degraded, _ := d.InsuranceState()
	assert.True(t, enabled)
	assert.True(t, degraded)

	st.down.Store(false)
	res, err := d.TryConsume(ctx, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&offEvents))

	_, degradedAfter, insState := d.InsuranceState()
	assert.False(t, degradedAfter)
	assert.Equal(t, float64(5), insState.Tokens, "insurance bucket reset to full capacity on recovery")
}

func TestForceInsurance_ManualOverrideBlocksAutoRecovery(t *testing.T) {
	st := newFlakyStore()
	var onEvents, offEvents int32
	d, err := New(st, "mo", 10, 1, WithInsurance(true), WithFailureThreshold(1))
	require.NoError(t, err)
	d.Subscribe(func(e events.Event) {
		switch e.Kind {
		case events.KindInsuranceOn:
			atomic.AddInt32(&onEvents, 1)
		case events.KindInsuranceOff:
			atomic.AddInt32(&offEvents, 1)
		}
	})
	ctx := context.Background()

	d.ForceInsurance(true)
	assert.Equal(t, int32(1), atomic.LoadInt32(&onEvents))
	_, degraded, _ := d.InsuranceState()
	assert.True(t, degraded)

	res, err := d.TryConsume(ctx, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "store is reachable, but manual override still routes via insurance")
	_, degraded, _ = d.InsuranceState()
	assert.True(t, degraded, "a store success must not auto-recover a manual override")

	d.ForceInsurance(false)
	assert.Equal(t, int32(1), atomic.LoadInt32(&offEvents))
	_, degraded, _ = d.InsuranceState()
	assert.False(t, degraded)
}

func TestTryConsume_StoreDownWithoutInsuranceFailsOpen(t *testing.T) {
	st := newFlakyStore()
	d, err := New(st, "fo", 5, 1, WithFailureThreshold(1))
	require.NoError(t, err)
	ctx := context.Background()

	st.down.Store(true)
	res, err := d.TryConsume(ctx, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "without insurance, a store failure must admit the request")
}

func TestDelete_SurfacesStoreError(t *testing.T) {
	st := newFlakyStore()
	d, err := New(st, "dk", 5, 1)
	require.NoError(t, err)
	ctx := context.Background()

	st.down.Store(true)
	err = d.Delete(ctx)
	require.Error(t, err)
}

func TestHealthCheck_ReflectsStoreAndNeverRaises(t *testing.T) {
	st := newFlakyStore()
	d, err := New(st, "hk", 5, 1)
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, d.HealthCheck(ctx))
	st.down.Store(true)
	assert.False(t, d.HealthCheck(ctx))
}

func TestExportImport_RoundTrips(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		st := newFlakyStore()
		d, err := New(st, "ek", 10, 1)
		require.NoError(t, err)
		ctx := context.Background()

		_, err = d.TryConsume(ctx, 4)
		require.NoError(t, err)

		snap, err := d.Export(ctx)
		require.NoError(t, err)
		assert.Equal(t, float64(6), snap.Tokens)
		assert.Equal(t, "distributed", snap.Type)

		require.NoError(t, d.Reset(ctx))
		state, err := d.GetState(ctx)
		require.NoError(t, err)
		assert.Equal(t, float64(10), state.Tokens)

		require.NoError(t, d.Import(ctx, snap))
		state, err = d.GetState(ctx)
		require.NoError(t, err)
		assert.Equal(t, float64(6), state.Tokens)
	})
}

func TestNewFromConfigSnapshot_Reconnects(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		st := newFlakyStore()
		d, err := New(st, "ck", 10, 1)
		require.NoError(t, err)
		ctx := context.Background()

		_, err = d.TryConsume(ctx, 3)
		require.NoError(t, err)

		cfg := d.ConfigSnapshot()
		reconnected, err := NewFromConfigSnapshot(st, cfg)
		require.NoError(t, err)

		state, err := reconnected.GetState(ctx)
		require.NoError(t, err)
		assert.Equal(t, float64(7), state.Tokens)
	})
}
