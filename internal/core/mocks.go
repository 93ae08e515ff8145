package core

import (
	"context"
	"sync"
	"time"

	"provisioner/internal/ratelimit"
)

// MockRateLimitStore implements RateLimitStore for tests. It returns Result
// and Err and records the keys it was asked about.
type MockRateLimitStore struct {
	Result ratelimit.Result
	Err    error

	mu   sync.Mutex
	keys []string
}

func (m *MockRateLimitStore) CheckAndIncrement(_ context.Context, key string, _ int, _ time.Duration) (ratelimit.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	return m.Result, m.Err
}

// Keys returns the keys seen so far.
func (m *MockRateLimitStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.keys...)
}

// MockHealthProbe implements HealthProbe for tests.
type MockHealthProbe struct {
	ProbeName string
	Err       error
	// Delay blocks Check until it elapses or ctx is done.
	Delay time.Duration
}

func (m *MockHealthProbe) Name() string { return m.ProbeName }

func (m *MockHealthProbe) Check(ctx context.Context) error {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.Err
}

var (
	_ RateLimitStore = (*MockRateLimitStore)(nil)
	_ HealthProbe    = (*MockHealthProbe)(nil)
)
