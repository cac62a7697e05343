package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/taleforge/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client, mr
}

func TestWindowCounter_TryConsume(t *testing.T) {
	client, mr := setupTestRedis(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	counter := NewWindowCounter(client, clk, 24*time.Hour)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		usage, err := counter.TryConsume(ctx, "u1", "story_segment", 3)
		require.NoError(t, err)
		assert.True(t, usage.Success)
		assert.Equal(t, i, usage.Used)
		assert.Equal(t, 3-i, usage.Remaining)
		assert.Equal(t, clk.Now().Add(24*time.Hour), usage.ResetAt)
	}

	usage, err := counter.TryConsume(ctx, "u1", "story_segment", 3)
	require.NoError(t, err)
	assert.False(t, usage.Success)
	assert.Equal(t, int64(0), usage.Remaining)

	assert.True(t, mr.Exists("usage:window:u1:story_segment"))
	assert.Equal(t, "3", mr.HGet("usage:window:u1:story_segment", "count"))
}

func TestWindowCounter_ResetsOnClockRollover(t *testing.T) {
	client, _ := setupTestRedis(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	counter := NewWindowCounter(client, clk, 24*time.Hour)
	ctx := context.Background()

	_, err := counter.TryConsume(ctx, "u1", "story_segment", 1)
	require.NoError(t, err)
	denied, err := counter.TryConsume(ctx, "u1", "story_segment", 1)
	require.NoError(t, err)
	require.False(t, denied.Success)

	clk.Advance(24 * time.Hour)
	usage, err := counter.TryConsume(ctx, "u1", "story_segment", 1)
	require.NoError(t, err)
	assert.True(t, usage.Success)
	assert.Equal(t, int64(1), usage.Used)
	assert.Equal(t, clk.Now().Add(24*time.Hour), usage.ResetAt)
}

func TestWindowCounter_PeekAndRelease(t *testing.T) {
	client, mr := setupTestRedis(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	counter := NewWindowCounter(client, clk, 24*time.Hour)
	ctx := context.Background()

	peek, err := counter.Peek(ctx, "u1", "story_segment", 2)
	require.NoError(t, err)
	assert.True(t, peek.Success)
	assert.Equal(t, int64(2), peek.Remaining)
	assert.False(t, mr.Exists("usage:window:u1:story_segment"))

	_, err = counter.TryConsume(ctx, "u1", "story_segment", 2)
	require.NoError(t, err)
	_, err = counter.TryConsume(ctx, "u1", "story_segment", 2)
	require.NoError(t, err)

	peek, err = counter.Peek(ctx, "u1", "story_segment", 2)
	require.NoError(t, err)
	assert.False(t, peek.Success)

	require.NoError(t, counter.Release(ctx, "u1", "story_segment"))
	peek, err = counter.Peek(ctx, "u1", "story_segment", 2)
	require.NoError(t, err)
	assert.True(t, peek.Success)
	assert.Equal(t, int64(1), peek.Used)
}

func TestWindowCounter_Unlimited(t *testing.T) {
	client, mr := setupTestRedis(t)
	counter := NewWindowCounter(client, nil, 0)

	usage, err := counter.TryConsume(context.Background(), "u1", "image", 0)
	require.NoError(t, err)
	assert.True(t, usage.Success)
	assert.Equal(t, int64(-1), usage.Remaining)
	assert.Empty(t, mr.Keys())
}

func TestWindowCounter_ConcurrentConsumers(t *testing.T) {
	client, _ := setupTestRedis(t)
	counter := NewWindowCounter(client, clock.NewSystemClock(), 24*time.Hour)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		granted atomic.Int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			usage, err := counter.TryConsume(ctx, "u1", "story_segment", 4)
			if err != nil {
				t.Errorf("try consume: %v", err)
				return
			}
			if usage.Success {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(4), granted.Load())
}

func TestLocker_AcquireRelease(t *testing.T) {
	client, mr := setupTestRedis(t)
	locker := NewLocker(client)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "verify_balances", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.True(t, mr.Exists("lock:job:verify_balances"))

	second, err := locker.Acquire(ctx, "verify_balances", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, lease.Release(ctx))
	assert.False(t, mr.Exists("lock:job:verify_balances"))

	third, err := locker.Acquire(ctx, "verify_balances", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, third)

	var nilLocker *Locker
	_, err = nilLocker.Acquire(ctx, "x", time.Minute)
	require.ErrorIs(t, err, ErrLockNotConfigured)
}
