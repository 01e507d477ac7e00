// Package dedupe filters platform events that were already delivered.
//
// The gateway may redeliver events after a reconnect. A Filter remembers
// event IDs for a window and reports repeats. Memory is process-local;
// Redis shares the window between processes consuming the same stream.
package dedupe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultTTL is how long an event ID is remembered
const DefaultTTL = 10 * time.Minute

// Filter records event IDs and reports whether one was seen before
type Filter interface {
	// Seen marks id as seen and reports whether it already was
	Seen(ctx context.Context, id string) (bool, error)
}

// Memory is an in-process Filter with a fixed window
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	now     func() time.Time
	sweep   time.Time
}

// NewMemory creates an in-process filter
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *Memory) Seen(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if now.Sub(m.sweep) >= m.ttl {
		for k, exp := range m.entries {
			if !now.Before(exp) {
				delete(m.entries, k)
			}
		}
		m.sweep = now
	}

	if exp, ok := m.entries[id]; ok && now.Before(exp) {
		return true, nil
	}
	m.entries[id] = now.Add(m.ttl)
	return false, nil
}

// Len returns the number of remembered IDs, expired ones included until
// the next sweep
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Redis is a Filter backed by SET NX with expiry
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedis creates a shared filter. Keys are stored as prefix + id.
func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = "clanmanager:event:"
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) Seen(ctx context.Context, id string) (bool, error) {
	set, err := r.client.SetNX(ctx, r.prefix+id, 1, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe %s: %w", id, err)
	}
	return !set, nil
}

// Ping checks the connection to Redis
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client
func (r *Redis) Close() error {
	return r.client.Close()
}
