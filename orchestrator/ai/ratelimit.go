// Copyright 2025 ModelMux
// SPDX-License-Identifier: Apache-2.0

package ai

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// RateLimiter gates outbound provider calls. Allow returns nil when
// the call may proceed and an error when the provider's per-minute
// budget is spent.
type RateLimiter interface {
	Allow(ctx context.Context, providerName string, limitPerMinute int) error
}

// RedisRateLimiter implements a sliding-window limiter on Redis sorted
// sets so the budget is shared across instances. When Redis is down it
// fails over to a per-process in-memory window rather than blocking
// calls.
type RedisRateLimiter struct {
	client   *redis.Client
	fallback *MemoryRateLimiter
	logger   *log.Logger
}

// NewRedisRateLimiter connects to Redis using a redis:// URL. The
// connection is verified with a bounded ping.
func NewRedisRateLimiter(redisURL string, logger *log.Logger) (*RedisRateLimiter, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "[AI RATELIMIT] ", log.LstdFlags)
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisRateLimiter{
		client:   client,
		fallback: NewMemoryRateLimiter(),
		logger:   logger,
	}, nil
}

// Allow checks and records one request for the provider. A Redis error
// falls back to the in-memory window with a warning.
func (rl *RedisRateLimiter) Allow(ctx context.Context, providerName string, limitPerMinute int) error {
	if limitPerMinute <= 0 {
		return nil
	}

	now := time.Now()
	key := "modelmux:ratelimit:" + providerName

	pipe := rl.client.Pipeline()
	minScore := now.Add(-time.Minute).Unix()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", minScore))
	pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.Unix()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, key, 2*time.Minute)

	cmds, err := pipe.Exec(ctx)
	if err != nil {
		rl.logger.Printf("WARNING: Redis rate limit check for %s failed, using in-memory window: %v",
			providerName, err)
		return rl.fallback.Allow(ctx, providerName, limitPerMinute)
	}

	// ZCard ran before this request's ZAdd, so compare with >=.
	count := cmds[1].(*redis.IntCmd).Val()
	if count >= int64(limitPerMinute) {
		return fmt.Errorf("rate limit exceeded for %s: %d requests/minute (limit %d)",
			providerName, count+1, limitPerMinute)
	}
	return nil
}

// Close releases the Redis connection pool.
func (rl *RedisRateLimiter) Close() error {
	return rl.client.Close()
}

// MemoryRateLimiter is a per-process sliding window used standalone in
// single-instance deployments and as the Redis fallback.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewMemoryRateLimiter creates an empty in-memory limiter.
func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{windows: make(map[string][]time.Time)}
}

// Allow checks and records one request for the provider.
func (ml *MemoryRateLimiter) Allow(_ context.Context, providerName string, limitPerMinute int) error {
	if limitPerMinute <= 0 {
		return nil
	}

	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-time.Minute)

	window := ml.windows[providerName]
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limitPerMinute {
		ml.windows[providerName] = kept
		return fmt.Errorf("rate limit exceeded for %s: %d requests/minute (limit %d)",
			providerName, len(kept)+1, limitPerMinute)
	}

	ml.windows[providerName] = append(kept, now)
	return nil
}

var (
	_ RateLimiter = (*RedisRateLimiter)(nil)
	_ RateLimiter = (*MemoryRateLimiter)(nil)
)
