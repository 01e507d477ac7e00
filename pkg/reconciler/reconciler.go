package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/clanmanager/pkg/events"
	"github.com/cuemby/clanmanager/pkg/executor"
	"github.com/cuemby/clanmanager/pkg/lock"
	"github.com/cuemby/clanmanager/pkg/log"
	"github.com/cuemby/clanmanager/pkg/metrics"
	"github.com/cuemby/clanmanager/pkg/platform"
	"github.com/cuemby/clanmanager/pkg/storage"
	"github.com/cuemby/clanmanager/pkg/types"
)

// Trigger names what started a reconciliation pass
type Trigger string

const (
	TriggerEvent     Trigger = "event"
	TriggerScheduled Trigger = "scheduled"
	TriggerSettle    Trigger = "settle"
	TriggerForced    Trigger = "forced"
)

var (
	// ErrQueueFull is returned by Enqueue when the clan's event queue is at
	// capacity. The event is dropped; the next full pull repairs the drift.
	ErrQueueFull = errors.New("clan event queue full")

	// ErrNotWatched is returned by Enqueue for clans without a running queue
	ErrNotWatched = errors.New("clan is not watched")
)

// Applier executes corrective actions
type Applier interface {
	ApplyBatch(ctx context.Context, actions []types.Action) *executor.BatchResult
}

// Config configures the engine
type Config struct {
	// QueueSize bounds each clan's pending event queue
	QueueSize int
	// PassTimeout bounds a single reconciliation pass, lock wait excluded
	PassTimeout time.Duration
}

// Result describes one reconciliation pass
type Result struct {
	ClanID   string
	Trigger  Trigger
	Actions  []types.Action
	Applied  int
	Failed   []executor.Failure
	Duration time.Duration
}

type queue struct {
	ch     chan types.DomainEvent
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine detects and repairs drift between live platform state and the
// repository. All passes for a clan run under that clan's lock.
type Engine struct {
	cfg     Config
	repo    storage.Repository
	fetcher platform.Fetcher
	exec    Applier
	locks   *lock.Manager
	broker  *events.Broker
	logger  zerolog.Logger

	mu      sync.Mutex
	queues  map[string]*queue
	onEvent func(clanID string)
	wg      sync.WaitGroup
}

// NewEngine creates a reconciliation engine. broker may be nil.
func NewEngine(cfg Config, repo storage.Repository, fetcher platform.Fetcher, exec Applier, locks *lock.Manager, broker *events.Broker) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = 2 * time.Minute
	}
	return &Engine{
		cfg:     cfg,
		repo:    repo,
		fetcher: fetcher,
		exec:    exec,
		locks:   locks,
		broker:  broker,
		logger:  log.WithComponent("reconciler"),
		queues:  make(map[string]*queue),
	}
}

// OnEvent registers a hook called for every event accepted into a queue
func (e *Engine) OnEvent(fn func(clanID string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEvent = fn
}

// Watch starts the event consumer for a clan. Watching an already watched
// clan is a no-op.
func (e *Engine) Watch(clanID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.queues[clanID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &queue{
		ch:     make(chan types.DomainEvent, e.cfg.QueueSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.queues[clanID] = q

	e.wg.Add(1)
	go e.consume(ctx, clanID, q)
}

// Unwatch stops the clan's consumer. A pass already running completes;
// queued events are discarded.
func (e *Engine) Unwatch(clanID string) {
	e.mu.Lock()
	q, ok := e.queues[clanID]
	delete(e.queues, clanID)
	e.mu.Unlock()

	if ok {
		q.cancel()
	}
}

// Watched reports whether the clan has a running consumer
func (e *Engine) Watched(clanID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.queues[clanID]
	return ok
}

// Enqueue hands an event to its clan's consumer without blocking
func (e *Engine) Enqueue(ev types.DomainEvent) error {
	e.mu.Lock()
	q, ok := e.queues[ev.ClanID]
	hook := e.onEvent
	if !ok {
		e.mu.Unlock()
		metrics.EventsDroppedTotal.WithLabelValues("not_watched").Inc()
		return fmt.Errorf("clan %s: %w", ev.ClanID, ErrNotWatched)
	}

	select {
	case q.ch <- ev:
		e.mu.Unlock()
	default:
		e.mu.Unlock()
		metrics.EventsDroppedTotal.WithLabelValues("queue_full").Inc()
		e.broker.Publish(&events.Event{
			Type:    events.EventEventDropped,
			ClanID:  ev.ClanID,
			Message: string(ev.Type),
		})
		return fmt.Errorf("clan %s: %w", ev.ClanID, ErrQueueFull)
	}

	if hook != nil {
		hook(ev.ClanID)
	}
	return nil
}

// Stop cancels every consumer and waits for in-flight passes
func (e *Engine) Stop() {
	e.mu.Lock()
	for id, q := range e.queues {
		q.cancel()
		delete(e.queues, id)
	}
	e.mu.Unlock()

	e.wg.Wait()
}

func (e *Engine) consume(ctx context.Context, clanID string, q *queue) {
	defer e.wg.Done()
	defer close(q.done)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-q.ch:
			// A pass that has started is not interrupted by Unwatch
			passCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PassTimeout)
			if _, err := e.HandleEvent(passCtx, ev); err != nil {
				e.logger.Warn().
					Str("clan_id", clanID).
					Str("event", string(ev.Type)).
					Err(err).
					Msg("Event reconciliation failed")
			}
			cancel()
		}
	}
}

// HandleEvent merges one event into the persisted snapshot and repairs the
// difference, under the clan lock
func (e *Engine) HandleEvent(ctx context.Context, ev types.DomainEvent) (*Result, error) {
	return e.run(ctx, ev.ClanID, TriggerEvent, func(ctx context.Context, persisted *types.Snapshot) (*types.Snapshot, error) {
		return persisted.Apply(ev), nil
	})
}

// ReconcileFull pulls the clan's live state and repairs all drift, under
// the clan lock. A lock wait that times out returns lock.ErrLockTimeout.
func (e *Engine) ReconcileFull(ctx context.Context, clanID string, trigger Trigger) (*Result, error) {
	return e.run(ctx, clanID, trigger, func(ctx context.Context, _ *types.Snapshot) (*types.Snapshot, error) {
		live, err := e.fetcher.FetchSnapshot(ctx, clanID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch live state: %w", err)
		}
		return live, nil
	})
}

type liveFunc func(ctx context.Context, persisted *types.Snapshot) (*types.Snapshot, error)

func (e *Engine) run(ctx context.Context, clanID string, trigger Trigger, liveFn liveFunc) (*Result, error) {
	var result *Result
	err := e.locks.WithClanLock(ctx, clanID, func(ctx context.Context) error {
		var err error
		result, err = e.pass(ctx, clanID, trigger, liveFn)
		return err
	})

	switch {
	case errors.Is(err, lock.ErrLockTimeout):
		metrics.ReconciliationsTotal.WithLabelValues(string(trigger), "skipped").Inc()
	case err != nil:
		metrics.ReconciliationsTotal.WithLabelValues(string(trigger), "error").Inc()
	}
	return result, err
}

// pass runs with the clan lock held
func (e *Engine) pass(ctx context.Context, clanID string, trigger Trigger, liveFn liveFunc) (*Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ReconciliationDuration, string(trigger))

	persisted, err := e.repo.GetSnapshot(ctx, clanID)
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted state: %w", err)
	}

	live, err := liveFn(ctx, persisted)
	if err != nil {
		return nil, err
	}

	actions := Reconcile(clanID, live, persisted)
	result := &Result{ClanID: clanID, Trigger: trigger, Actions: actions}
	for _, a := range actions {
		metrics.DriftActionsTotal.WithLabelValues(string(a.Type)).Inc()
	}

	if len(actions) > 0 {
		batch := e.exec.ApplyBatch(ctx, actions)
		result.Applied = len(batch.Applied)
		result.Failed = batch.Failed
		e.publishBatch(clanID, batch)
	}
	result.Duration = timer.Duration()

	outcome := "in_sync"
	switch {
	case len(result.Failed) > 0:
		outcome = "partial"
	case len(actions) > 0:
		outcome = "repaired"
	}
	metrics.ReconciliationsTotal.WithLabelValues(string(trigger), outcome).Inc()

	logEvent := e.logger.Debug()
	if len(actions) > 0 {
		logEvent = e.logger.Info()
	}
	logEvent.
		Str("clan_id", clanID).
		Str("trigger", string(trigger)).
		Int("actions", len(actions)).
		Int("failed", len(result.Failed)).
		Dur("duration", result.Duration).
		Msg("Reconciliation pass complete")

	e.broker.Publish(&events.Event{
		Type:   events.EventClanReconciled,
		ClanID: clanID,
		Metadata: map[string]string{
			"trigger": string(trigger),
			"actions": strconv.Itoa(len(actions)),
			"failed":  strconv.Itoa(len(result.Failed)),
		},
	})

	return result, nil
}

func (e *Engine) publishBatch(clanID string, batch *executor.BatchResult) {
	for _, a := range batch.Applied {
		e.broker.Publish(&events.Event{
			Type:     events.EventActionApplied,
			ClanID:   clanID,
			Message:  a.String(),
			Metadata: map[string]string{"action": string(a.Type)},
		})
	}
	for _, f := range batch.Failed {
		e.broker.Publish(&events.Event{
			Type:     events.EventActionFailed,
			ClanID:   clanID,
			Message:  f.Err.Error(),
			Metadata: map[string]string{"action": string(f.Action.Type)},
		})
	}
}
