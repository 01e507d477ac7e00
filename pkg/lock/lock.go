package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/clanmanager/pkg/log"
	"github.com/cuemby/clanmanager/pkg/metrics"
)

// ErrLockTimeout is returned when a clan lock cannot be acquired within the
// allowed wait
var ErrLockTimeout = errors.New("clan lock wait timed out")

// DefaultTimeout bounds lock waits when no timeout is configured
const DefaultTimeout = 30 * time.Second

type entry struct {
	held    bool
	waiters []chan struct{}
	refs    int // holder plus waiters
}

// Manager hands out exclusive per-clan locks. Entries are created on first
// use and removed once nobody holds or waits for them. Waiters are served in
// arrival order.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	timeout time.Duration
	logger  zerolog.Logger
}

// NewManager creates a lock manager with the given default wait bound
func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		entries: make(map[string]*entry),
		timeout: timeout,
		logger:  log.WithComponent("lock"),
	}
}

// Release gives up a held lock. Calling it more than once is a no-op.
type Release func()

// Acquire blocks until the clan lock is held, the default timeout elapses,
// or ctx is done. Any failure to acquire is reported as ErrLockTimeout
// wrapped with the clan ID.
func (m *Manager) Acquire(ctx context.Context, clanID string) (Release, error) {
	return m.AcquireTimeout(ctx, clanID, m.timeout)
}

// AcquireTimeout is Acquire with an explicit wait bound
func (m *Manager) AcquireTimeout(ctx context.Context, clanID string, timeout time.Duration) (Release, error) {
	timer := metrics.NewTimer()

	m.mu.Lock()
	e, ok := m.entries[clanID]
	if !ok {
		e = &entry{}
		m.entries[clanID] = e
	}
	e.refs++

	if !e.held {
		e.held = true
		m.mu.Unlock()
		timer.ObserveDuration(metrics.LockWaitDuration)
		return m.releaser(clanID, e), nil
	}

	ready := make(chan struct{})
	e.waiters = append(e.waiters, ready)
	m.mu.Unlock()

	wait := time.NewTimer(timeout)
	defer wait.Stop()

	var cause error
	select {
	case <-ready:
		timer.ObserveDuration(metrics.LockWaitDuration)
		return m.releaser(clanID, e), nil
	case <-wait.C:
		cause = fmt.Errorf("waited %s", timeout)
	case <-ctx.Done():
		cause = ctx.Err()
	}

	m.mu.Lock()
	select {
	case <-ready:
		// Handed off between the timeout firing and taking the mutex
		m.mu.Unlock()
		timer.ObserveDuration(metrics.LockWaitDuration)
		return m.releaser(clanID, e), nil
	default:
	}
	for i, w := range e.waiters {
		if w == ready {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			break
		}
	}
	e.refs--
	m.collect(clanID, e)
	m.mu.Unlock()

	metrics.LockTimeoutsTotal.Inc()
	m.logger.Debug().
		Str("clan_id", clanID).
		Err(cause).
		Msg("Clan lock wait abandoned")

	return nil, fmt.Errorf("clan %s: %w: %v", clanID, ErrLockTimeout, cause)
}

func (m *Manager) releaser(clanID string, e *entry) Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.release(clanID, e)
		})
	}
}

func (m *Manager) release(clanID string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.refs--
	if len(e.waiters) > 0 {
		next := e.waiters[0]
		e.waiters = e.waiters[1:]
		close(next)
		return
	}
	e.held = false
	m.collect(clanID, e)
}

// collect drops the entry when unused. Caller holds m.mu.
func (m *Manager) collect(clanID string, e *entry) {
	if e.refs == 0 && !e.held && len(e.waiters) == 0 {
		if cur, ok := m.entries[clanID]; ok && cur == e {
			delete(m.entries, clanID)
		}
	}
}

// WithClanLock runs fn while holding the clan lock. The lock is released on
// every exit path, including a panic in fn.
func (m *Manager) WithClanLock(ctx context.Context, clanID string, fn func(ctx context.Context) error) error {
	release, err := m.Acquire(ctx, clanID)
	if err != nil {
		return err
	}
	defer release()

	return fn(ctx)
}

// WithClanLockTimeout is WithClanLock with an explicit wait bound
func (m *Manager) WithClanLockTimeout(ctx context.Context, clanID string, timeout time.Duration, fn func(ctx context.Context) error) error {
	release, err := m.AcquireTimeout(ctx, clanID, timeout)
	if err != nil {
		return err
	}
	defer release()

	return fn(ctx)
}

// Len returns the number of live lock entries
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Manager) waiting(clanID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[clanID]; ok {
		return len(e.waiters)
	}
	return 0
}
