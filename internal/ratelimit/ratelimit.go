// Package ratelimit counts requests per key in fixed windows.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"provisioner/internal/config"
)

// keyPrefix namespaces rate-limit counters in a shared Redis.
const keyPrefix = "ratelimit:"

// Result is the state of a key's window after counting one request.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Store counts a request against key and reports whether it is within
// limit for the current window.
type Store interface {
	CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

// NewStore builds the store selected by cfg.Backend.
func NewStore(ctx context.Context, cfg config.RateLimitConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			// The middleware fails open on store errors, so an unreachable
			// Redis at startup is not fatal.
			if logger == nil {
				logger = slog.Default()
			}
			logger.WarnContext(ctx, "rate limit redis unreachable", "addr", cfg.RedisAddr, "error", err)
		}
		return NewRedisStore(client), nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", cfg.Backend)
	}
}

// ---------------------------------------------------------------------------
// Memory
// ---------------------------------------------------------------------------

type window struct {
	count   int
	resetAt time.Time
}

// MemoryStore keeps counters in process memory. Counts are per instance and
// are lost on restart.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
	calls   int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window), now: time.Now}
}

// sweepEvery is how many calls pass between removals of expired windows.
const sweepEvery = 1024

func (s *MemoryStore) CheckAndIncrement(_ context.Context, key string, limit int, win time.Duration) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.calls++
	if s.calls%sweepEvery == 0 {
		for k, w := range s.windows {
			if !now.Before(w.resetAt) {
				delete(s.windows, k)
			}
		}
	}

	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(win)}
		s.windows[key] = w
	}
	w.count++
	return result(w.count, limit, w.resetAt), nil
}

// ---------------------------------------------------------------------------
// Redis
// ---------------------------------------------------------------------------

// RedisStore shares counters between instances. The expiry is set only
// when the key has none, so the window starts at the first request.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisStore creates a RedisStore over client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) CheckAndIncrement(ctx context.Context, key string, limit int, win time.Duration) (Result, error) {
	k := keyPrefix + key

	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.ExpireNX(ctx, k, win)
		ttl = pipe.PTTL(ctx, k)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("rate limit pipeline: %w", err)
	}

	reset := win
	if d := ttl.Val(); d > 0 {
		reset = d
	}
	return result(int(incr.Val()), limit, s.now().Add(reset)), nil
}

func result(count, limit int, resetAt time.Time) Result {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: count <= limit, Remaining: remaining, ResetAt: resetAt}
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
