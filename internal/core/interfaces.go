package core

import (
	"context"
	"time"

	"provisioner/internal/ratelimit"
)

// RateLimitStore counts requests per key. ratelimit.MemoryStore and
// ratelimit.RedisStore implement it.
type RateLimitStore interface {
	CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.Result, error)
}

// HealthProbe checks one dependency for GET /health.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}
