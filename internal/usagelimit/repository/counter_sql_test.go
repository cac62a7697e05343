package repository_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/taleforge/internal/clock"
	"github.com/smallbiznis/taleforge/internal/testutil/dbtest"
	"github.com/smallbiznis/taleforge/internal/usagelimit/domain"
	"github.com/smallbiznis/taleforge/internal/usagelimit/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCounter(t *testing.T) (*repository.SQLCounter, *clock.FakeClock) {
	t.Helper()
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	return repository.NewSQLCounter(dbtest.Open(t), clk, 24*time.Hour), clk
}

func TestSQLCounter_TryConsumeHonorsLimit(t *testing.T) {
	counter, clk := newCounter(t)
	ctx := context.Background()

	for i := int64(1); i <= 4; i++ {
		usage, err := counter.TryConsume(ctx, "u1", "story_segment", 4)
		require.NoError(t, err)
		assert.True(t, usage.Success)
		assert.Equal(t, i, usage.Used)
		assert.Equal(t, 4-i, usage.Remaining)
		assert.Equal(t, clk.Now().Add(24*time.Hour), usage.ResetAt)
	}

	usage, err := counter.TryConsume(ctx, "u1", "story_segment", 4)
	require.NoError(t, err)
	assert.False(t, usage.Success)
	assert.Equal(t, int64(4), usage.Used)
	assert.Equal(t, int64(0), usage.Remaining)

	// Other users and features have their own windows.
	other, err := counter.TryConsume(ctx, "u2", "story_segment", 4)
	require.NoError(t, err)
	assert.True(t, other.Success)
	assert.Equal(t, int64(1), other.Used)
}

func TestSQLCounter_WindowResets(t *testing.T) {
	counter, clk := newCounter(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := counter.TryConsume(ctx, "u1", "story_segment", 2)
		require.NoError(t, err)
	}
	denied, err := counter.TryConsume(ctx, "u1", "story_segment", 2)
	require.NoError(t, err)
	require.False(t, denied.Success)

	clk.Advance(23*time.Hour + 59*time.Minute)
	still, err := counter.Peek(ctx, "u1", "story_segment", 2)
	require.NoError(t, err)
	assert.False(t, still.Success)

	clk.Advance(time.Minute)
	peek, err := counter.Peek(ctx, "u1", "story_segment", 2)
	require.NoError(t, err)
	assert.True(t, peek.Success)
	assert.Equal(t, int64(0), peek.Used)

	usage, err := counter.TryConsume(ctx, "u1", "story_segment", 2)
	require.NoError(t, err)
	assert.True(t, usage.Success)
	assert.Equal(t, int64(1), usage.Used)
	assert.Equal(t, clk.Now().Add(24*time.Hour), usage.ResetAt)
}

func TestSQLCounter_PeekDoesNotConsume(t *testing.T) {
	counter, _ := newCounter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		usage, err := counter.Peek(ctx, "u1", "story_segment", 1)
		require.NoError(t, err)
		assert.True(t, usage.Success)
		assert.Equal(t, int64(1), usage.Remaining)
	}
	usage, err := counter.TryConsume(ctx, "u1", "story_segment", 1)
	require.NoError(t, err)
	assert.True(t, usage.Success)
}

func TestSQLCounter_Release(t *testing.T) {
	counter, clk := newCounter(t)
	ctx := context.Background()

	_, err := counter.TryConsume(ctx, "u1", "story_segment", 1)
	require.NoError(t, err)
	require.NoError(t, counter.Release(ctx, "u1", "story_segment"))

	usage, err := counter.TryConsume(ctx, "u1", "story_segment", 1)
	require.NoError(t, err)
	assert.True(t, usage.Success)

	// A release after the window rolled over must not go negative.
	clk.Advance(25 * time.Hour)
	require.NoError(t, counter.Release(ctx, "u1", "story_segment"))
	peek, err := counter.Peek(ctx, "u1", "story_segment", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), peek.Used)
	assert.True(t, peek.Success)
}

func TestSQLCounter_UnlimitedAndValidation(t *testing.T) {
	counter, _ := newCounter(t)
	ctx := context.Background()

	usage, err := counter.TryConsume(ctx, "u1", "image", 0)
	require.NoError(t, err)
	assert.True(t, usage.Success)
	assert.Equal(t, int64(-1), usage.Remaining)
	assert.True(t, usage.Unlimited())

	_, err = counter.TryConsume(ctx, "", "image", 1)
	require.ErrorIs(t, err, domain.ErrInvalidUser)
	_, err = counter.Peek(ctx, "u1", " ", 1)
	require.ErrorIs(t, err, domain.ErrInvalidFeature)
}

func TestSQLCounter_ConcurrentConsumersNeverExceedLimit(t *testing.T) {
	counter, _ := newCounter(t)
	ctx := context.Background()

	const (
		workers = 12
		limit   = 4
	)
	var (
		wg      sync.WaitGroup
		granted atomic.Int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			usage, err := counter.TryConsume(ctx, "u1", "story_segment", limit)
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

	assert.Equal(t, int64(limit), granted.Load())
}
