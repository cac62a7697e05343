package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/taleforge/internal/clock"
	"github.com/smallbiznis/taleforge/internal/usagelimit/domain"
)

const keyUsageWindow = "usage:window:%s:%s"

const (
	windowModeConsume = "consume"
	windowModePeek    = "peek"
	windowModeRelease = "release"
)

// Time comes from the caller so every replica and test agrees on the window.
const fixedWindowScript = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local mode = ARGV[4]

local data = redis.call("HMGET", KEYS[1], "count", "start")
local count = tonumber(data[1])
local start = tonumber(data[2])
local fresh = 0

if count == nil or start == nil or now - start >= window then
  count = 0
  start = now
  fresh = 1
end

local allowed = 0
if mode == "consume" then
  if count < limit then
    count = count + 1
    allowed = 1
    redis.call("HSET", KEYS[1], "count", count, "start", start)
    redis.call("PEXPIRE", KEYS[1], math.max(1, start + window - now))
  end
elseif mode == "release" then
  if fresh == 0 and count > 0 then
    count = count - 1
    redis.call("HSET", KEYS[1], "count", count)
  end
  allowed = 1
else
  if count < limit then
    allowed = 1
  end
end

return {allowed, count, start}
`

// WindowCounter is the Redis-backed usage counter.
type WindowCounter struct {
	client *redis.Client
	script *redis.Script
	clock  clock.Clock
	window time.Duration
}

func NewWindowCounter(client *redis.Client, clk clock.Clock, window time.Duration) *WindowCounter {
	if client == nil {
		return nil
	}
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &WindowCounter{
		client: client,
		script: redis.NewScript(fixedWindowScript),
		clock:  clk,
		window: window,
	}
}

func (w *WindowCounter) TryConsume(ctx context.Context, userID, feature string, limit int64) (domain.Usage, error) {
	return w.run(ctx, userID, feature, limit, windowModeConsume)
}

func (w *WindowCounter) Peek(ctx context.Context, userID, feature string, limit int64) (domain.Usage, error) {
	return w.run(ctx, userID, feature, limit, windowModePeek)
}

func (w *WindowCounter) Release(ctx context.Context, userID, feature string) error {
	_, err := w.run(ctx, userID, feature, 1, windowModeRelease)
	return err
}

func (w *WindowCounter) run(ctx context.Context, userID, feature string, limit int64, mode string) (domain.Usage, error) {
	if w == nil || w.client == nil {
		return domain.Usage{}, errors.New("usage counter not configured")
	}
	userID, feature, err := domain.ValidateKey(userID, feature)
	if err != nil {
		return domain.Usage{}, err
	}
	if limit <= 0 && mode != windowModeRelease {
		return domain.UnlimitedUsage(), nil
	}

	now := w.clock.Now().UTC()
	res, err := w.script.Run(
		ctx,
		w.client,
		[]string{windowKey(userID, feature)},
		now.UnixMilli(),
		w.window.Milliseconds(),
		limit,
		mode,
	).Int64Slice()
	if err != nil {
		return domain.Usage{}, err
	}
	if len(res) < 3 {
		return domain.Usage{}, errors.New("invalid usage window script response")
	}

	start := time.UnixMilli(res[2]).UTC()
	return domain.Compute(res[0] == 1, res[1], limit, start, w.window), nil
}

func windowKey(userID, feature string) string {
	return fmt.Sprintf(keyUsageWindow, userID, feature)
}
