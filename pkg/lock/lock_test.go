package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithClanLockDoesNotInterleave(t *testing.T) {
	m := NewManager(5 * time.Second)

	var (
		inside  int32
		overlap int32
		events  []string
		mu      sync.Mutex
		wg      sync.WaitGroup
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithClanLock(context.Background(), "clan-1", func(ctx context.Context) error {
				if atomic.AddInt32(&inside, 1) > 1 {
					atomic.StoreInt32(&overlap, 1)
				}
				mu.Lock()
				events = append(events, "start")
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				events = append(events, "end")
				mu.Unlock()
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Zero(t, atomic.LoadInt32(&overlap))
	require.Len(t, events, 16)
	for i := 0; i < len(events); i += 2 {
		assert.Equal(t, "start", events[i])
		assert.Equal(t, "end", events[i+1])
	}
	assert.Zero(t, m.Len())
}

func TestDifferentClansRunConcurrently(t *testing.T) {
	m := NewManager(time.Second)

	releaseA, err := m.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer releaseA()

	releaseB, err := m.Acquire(context.Background(), "b")
	require.NoError(t, err)
	releaseB()
}

func TestWaitersAcquireInArrivalOrder(t *testing.T) {
	m := NewManager(5 * time.Second)

	release, err := m.Acquire(context.Background(), "clan-1")
	require.NoError(t, err)

	var (
		order []int
		mu    sync.Mutex
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := m.WithClanLock(context.Background(), "clan-1", func(ctx context.Context) error {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}(i)

		require.Eventually(t, func() bool {
			return m.waiting("clan-1") == i+1
		}, time.Second, time.Millisecond)
	}

	release()
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestAcquireTimesOut(t *testing.T) {
	m := NewManager(20 * time.Millisecond)

	release, err := m.Acquire(context.Background(), "clan-1")
	require.NoError(t, err)
	defer release()

	_, err = m.Acquire(context.Background(), "clan-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockTimeout))
	assert.Contains(t, err.Error(), "clan-1")
	assert.Zero(t, m.waiting("clan-1"))
}

func TestContextDeadlineReportsTimeout(t *testing.T) {
	m := NewManager(time.Minute)

	release, err := m.Acquire(context.Background(), "clan-1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	called := false
	err = m.WithClanLock(ctx, "clan-1", func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.False(t, called)
}

func TestLockReleasedOnPanic(t *testing.T) {
	m := NewManager(time.Second)

	func() {
		defer func() { _ = recover() }()
		_ = m.WithClanLock(context.Background(), "clan-1", func(ctx context.Context) error {
			panic("boom")
		})
	}()

	release, err := m.Acquire(context.Background(), "clan-1")
	require.NoError(t, err)
	release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := NewManager(time.Second)

	release, err := m.Acquire(context.Background(), "clan-1")
	require.NoError(t, err)
	release()
	release()

	second, err := m.Acquire(context.Background(), "clan-1")
	require.NoError(t, err)

	// A stale release must not unlock the new holder
	release()
	_, err = m.AcquireTimeout(context.Background(), "clan-1", 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)

	second()
}

func TestEntriesAreCollected(t *testing.T) {
	m := NewManager(time.Second)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, m.WithClanLock(context.Background(), id, func(ctx context.Context) error {
			return nil
		}))
	}
	assert.Zero(t, m.Len())

	release, err := m.Acquire(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())
	release()
	assert.Zero(t, m.Len())
}

func TestErrorFromFnIsReturned(t *testing.T) {
	m := NewManager(time.Second)
	want := errors.New("apply failed")

	err := m.WithClanLock(context.Background(), "clan-1", func(ctx context.Context) error {
		return want
	})
	assert.Equal(t, want, err)
}
