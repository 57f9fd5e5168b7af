// Package throttle spaces out work that many callers may trigger at once,
// such as the request-triggered closing sweep.
package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jensholdgaard/charity-auction/internal/clock"
)

// Gate admits at most one caller per gap.
type Gate interface {
	// Allow reports whether the caller may run now. A true result starts a
	// new gap.
	Allow(ctx context.Context) (bool, error)
}

// Memory is a Gate local to the process.
type Memory struct {
	mu    sync.Mutex
	gap   time.Duration
	clock clock.Clock
	last  time.Time
}

// NewMemory returns an in-process Gate.
func NewMemory(gap time.Duration, clk clock.Clock) *Memory {
	return &Memory{gap: gap, clock: clk}
}

func (m *Memory) Allow(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if !m.last.IsZero() && now.Sub(m.last) < m.gap {
		return false, nil
	}
	m.last = now
	return true, nil
}

// Redis is a Gate shared by every replica using the same key.
type Redis struct {
	client redis.UniversalClient
	key    string
	gap    time.Duration
	clock  clock.Clock
}

// NewRedis returns a Gate backed by SET NX with an expiry of gap. The key
// holds the time the current gap started.
func NewRedis(client redis.UniversalClient, key string, gap time.Duration, clk clock.Clock) *Redis {
	return &Redis{client: client, key: key, gap: gap, clock: clk}
}

func (r *Redis) Allow(ctx context.Context) (bool, error) {
	if r.gap <= 0 {
		return true, nil
	}
	ok, err := r.client.SetNX(ctx, r.key, r.clock.Now().UTC().Format(time.RFC3339Nano), r.gap).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring throttle %s: %w", r.key, err)
	}
	return ok, nil
}
