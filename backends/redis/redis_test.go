package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajiwo/tokenlimit/atomic"
)

func setupRedisTest(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	s, err := NewWithClient(client, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s, mr
}

func TestRunConsume_InitializesThenConsumes(t *testing.T) {
	s, _ := setupRedisTest(t)
	ctx := context.Background()
	args := atomic.Args{Capacity: 5, RefillRate: 1, Amount: 1, NowMs: 1000, TTLSeconds: 60}

	out, err := s.RunConsume(ctx, "k1", args)
	require.NoError(t, err)
	assert.True(t, out.Allowed)
	assert.Equal(t, float64(4), out.TokensAfter)

	state, exists, err := s.GetState(ctx, "k1")
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, float64(4), state.Tokens)
}

func TestRunConsume_PreservesFractionalTokens(t *testing.T) {
	s, _ := setupRedisTest(t)
	ctx := context.Background()
	args := atomic.Args{Capacity: 5, RefillRate: 1, Amount: 1.5, NowMs: 1000, TTLSeconds: 60}

	out, err := s.RunConsume(ctx, "frac", args)
	require.NoError(t, err)
	assert.True(t, out.Allowed)
	assert.Equal(t, 3.5, out.TokensAfter)

	state, exists, err := s.GetState(ctx, "frac")
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, 3.5, state.Tokens)
}

func TestRunPenalty_PreservesFractionalDebt(t *testing.T) {
	s, _ := setupRedisTest(t)
	ctx := context.Background()
	args := atomic.Args{Capacity: 5, RefillRate: 1, Amount: 9.5, NowMs: 1000, TTLSeconds: 60}

	out, err := s.RunPenalty(ctx, "fracp", args)
	require.NoError(t, err)
	assert.Equal(t, 5.0, out.TokensBefore)
	assert.Equal(t, -4.5, out.TokensAfter)
}

func TestRunConsume_ConcurrentCallsYieldExactlyCapacityAllowed(t *testing.T) {
	s, _ := setupRedisTest(t)
	ctx := context.Background()

	const capacity = 5
	const n = 20

	results := make(chan bool, n)
	for i := 0; i < n; i++ {
		go func() {
			out, err := s.RunConsume(ctx, "contended", atomic.Args{
				Capacity: capacity, RefillRate: 0.0001, Amount: 1, NowMs: 1000, TTLSeconds: 60,
			})
			results <- err == nil && out.Allowed
		}()
	}

	allowed := 0
	for i := 0; i < n; i++ {
		if <-results {
			allowed++
		}
	}
	assert.Equal(t, capacity, allowed)
}

func TestRunPenalty_DrivesTokensNegative(t *testing.T) {
	s, _ := setupRedisTest(t)
	ctx := context.Background()
	args := atomic.Args{Capacity: 10, RefillRate: 1, Amount: 15, NowMs: 1000, TTLSeconds: 60}

	out, err := s.RunPenalty(ctx, "pk", args)
	require.NoError(t, err)
	assert.Equal(t, float64(10), out.TokensBefore)
	assert.Equal(t, float64(-5), out.TokensAfter)
}

func TestRunReward_ReportsCappedFlag(t *testing.T) {
	s, _ := setupRedisTest(t)
	ctx := context.Background()

	_, err := s.RunConsume(ctx, "rk", atomic.Args{Capacity: 10, RefillRate: 1, Amount: 2, NowMs: 1000, TTLSeconds: 60})
	require.NoError(t, err)

	out, err := s.RunReward(ctx, "rk", atomic.Args{Capacity: 10, RefillRate: 1, Amount: 5, NowMs: 1000, TTLSeconds: 60})
	require.NoError(t, err)
	assert.Equal(t, float64(10), out.TokensAfter)
	assert.True(t, out.Capped)
}

func TestSetState_ThenGetState(t *testing.T) {
	s, _ := setupRedisTest(t)
	ctx := context.Background()

	require.NoError(t, s.SetState(ctx, "k", atomic.State{Tokens: 9, LastRefillAtMs: 500}, time.Minute))

	state, exists, err := s.GetState(ctx, "k")
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, float64(9), state.Tokens)
	assert.Equal(t, int64(500), state.LastRefillAtMs)
}

func TestDelete_RemovesKey(t *testing.T) {
	s, _ := setupRedisTest(t)
	ctx := context.Background()

	require.NoError(t, s.SetState(ctx, "k", atomic.State{Tokens: 9, LastRefillAtMs: 500}, time.Minute))
	require.NoError(t, s.Delete(ctx, "k"))

	_, exists, err := s.GetState(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestBlockKey_SetGetDelete(t *testing.T) {
	s, _ := setupRedisTest(t)
	ctx := context.Background()

	require.NoError(t, s.SetBlock(ctx, "k:block", 123456, time.Minute))

	until, exists, err := s.GetBlock(ctx, "k:block")
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, int64(123456), until)

	require.NoError(t, s.DeleteBlock(ctx, "k:block"))
	_, exists, err = s.GetBlock(ctx, "k:block")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestBlockKey_ExpiresViaMiniredisFastForward(t *testing.T) {
	s, mr := setupRedisTest(t)
	ctx := context.Background()

	require.NoError(t, s.SetBlock(ctx, "k:block", 123456, 10*time.Millisecond))
	mr.FastForward(20 * time.Millisecond)

	_, exists, err := s.GetBlock(ctx, "k:block")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPing_OK(t *testing.T) {
	s, _ := setupRedisTest(t)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestRunConsume_ServerDownReturnsUnavailable(t *testing.T) {
	s, mr := setupRedisTest(t)
	mr.Close()

	_, err := s.RunConsume(context.Background(), "k", atomic.Args{
		Capacity: 5, RefillRate: 1, Amount: 1, NowMs: 1000, TTLSeconds: 60,
	})
	require.Error(t, err)
}

func TestNOSCRIPT_ReloadsAndRetries(t *testing.T) {
	s, _ := setupRedisTest(t)
	ctx := context.Background()

	require.NoError(t, s.GetClient().ScriptFlush(ctx).Err())

	out, err := s.RunConsume(ctx, "k", atomic.Args{Capacity: 5, RefillRate: 1, Amount: 1, NowMs: 1000, TTLSeconds: 60})
	require.NoError(t, err)
	assert.True(t, out.Allowed)
}
