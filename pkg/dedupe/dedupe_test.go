package dedupe

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryReportsRepeats(t *testing.T) {
	m := NewMemory(time.Minute)
	ctx := context.Background()

	seen, err := m.Seen(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = m.Seen(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = m.Seen(ctx, "e2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMemoryForgetsAfterTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := NewMemory(time.Minute)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = m.Seen(ctx, "e1")
	now = now.Add(30 * time.Second)
	_, _ = m.Seen(ctx, "e2")
	assert.Equal(t, 2, m.Len())

	now = now.Add(45 * time.Second)
	seen, err := m.Seen(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, seen, "e1 expired")

	// Sweep dropped the expired e1 before re-adding it; e2 is still live
	assert.Equal(t, 2, m.Len())

	seen, _ = m.Seen(ctx, "e2")
	assert.True(t, seen)
}

func TestRedisUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	r := NewRedis(client, "", 0)
	defer r.Close()

	_, err := r.Seen(context.Background(), "e1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dedupe e1")
	assert.Error(t, r.Ping(context.Background()))
}
