package manager

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/clanmanager/pkg/events"
	"github.com/cuemby/clanmanager/pkg/lock"
	"github.com/cuemby/clanmanager/pkg/log"
	"github.com/cuemby/clanmanager/pkg/reconciler"
	"github.com/cuemby/clanmanager/pkg/scheduler"
	"github.com/cuemby/clanmanager/pkg/storage"
	"github.com/cuemby/clanmanager/pkg/types"
)

// Config holds configuration for creating a Manager
type Config struct {
	// ReconcileInterval is the full-pull cadence per clan
	ReconcileInterval time.Duration
	// SettleDelay is the quiet period after an event burst before a full pull
	SettleDelay time.Duration
	// PassTimeout bounds scheduled and settle passes
	PassTimeout time.Duration
}

// Manager owns the set of managed clans and wires each one into the
// engine and the scheduler
type Manager struct {
	cfg       Config
	repo      storage.Repository
	engine    *reconciler.Engine
	sched     *scheduler.Scheduler
	debouncer *scheduler.Debouncer
	locks     *lock.Manager
	broker    *events.Broker
	registry  *Registry
	tokens    *TokenManager
	logger    zerolog.Logger
}

// NewManager creates a manager. broker may be nil.
func NewManager(cfg Config, repo storage.Repository, engine *reconciler.Engine, sched *scheduler.Scheduler, locks *lock.Manager, broker *events.Broker) *Manager {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 5 * time.Minute
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 30 * time.Second
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = 2 * time.Minute
	}

	m := &Manager{
		cfg:      cfg,
		repo:     repo,
		engine:   engine,
		sched:    sched,
		locks:    locks,
		broker:   broker,
		registry: NewRegistry(),
		tokens:   NewTokenManager(),
		logger:   log.WithComponent("manager"),
	}
	m.debouncer = scheduler.NewDebouncer(cfg.SettleDelay, m.settle)
	engine.OnEvent(m.debouncer.Touch)
	return m
}

// Registry returns the managed clan registry
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Tokens returns the admin API token manager
func (m *Manager) Tokens() *TokenManager {
	return m.tokens
}

// Broker returns the event broker
func (m *Manager) Broker() *events.Broker {
	return m.broker
}

// Load registers every clan in the repository with the engine and the
// scheduler. It is called once at startup.
func (m *Manager) Load(ctx context.Context) error {
	clans, err := m.repo.ListClans(ctx)
	if err != nil {
		return fmt.Errorf("failed to load clans: %w", err)
	}

	for _, c := range clans {
		if err := m.activate(c); err != nil {
			return err
		}
	}

	m.logger.Info().Int("clans", len(clans)).Msg("Loaded managed clans")
	return nil
}

// Shutdown stops settle timers and the engine. The scheduler is owned by
// the caller.
func (m *Manager) Shutdown() {
	m.debouncer.Stop()
	m.engine.Stop()
}

// RegisterClan persists a new managed clan and starts reconciling it. A
// clan without roles gets the default permission ladder.
func (m *Manager) RegisterClan(ctx context.Context, clan *types.Clan) (*types.Clan, error) {
	if len(clan.Roles) == 0 {
		clan.Roles = DefaultRoles(clan.ID)
	}
	for _, r := range clan.Roles {
		r.ClanID = clan.ID
	}
	if err := clan.Validate(); err != nil {
		return nil, err
	}

	if err := m.repo.CreateClan(ctx, clan); err != nil {
		return nil, err
	}
	if err := m.activate(clan); err != nil {
		return nil, err
	}

	// First full pull once the clan has been quiet for a settle period
	m.debouncer.Touch(clan.ID)

	m.logger.Info().
		Str("clan_id", clan.ID).
		Str("name", clan.Name).
		Int("roles", len(clan.Roles)).
		Msg("Registered clan")
	m.broker.Publish(&events.Event{
		Type:    events.EventClanRegistered,
		ClanID:  clan.ID,
		Message: clan.Name,
	})

	return clan, nil
}

// DeregisterClan stops managing a clan and deletes its persisted record.
// A pass already running for the clan completes first.
func (m *Manager) DeregisterClan(ctx context.Context, clanID string) error {
	if !m.registry.IsManaged(clanID) {
		return fmt.Errorf("clan %s: %w", clanID, storage.ErrNotFound)
	}

	// Teardown happens only once the row is gone; a lock timeout leaves
	// the clan fully managed so the caller can retry
	err := m.locks.WithClanLock(ctx, clanID, func(ctx context.Context) error {
		if err := m.repo.DeleteClan(ctx, clanID); err != nil {
			return err
		}
		m.registry.remove(clanID)
		m.sched.Cancel(jobID(clanID))
		m.debouncer.Cancel(clanID)
		m.engine.Unwatch(clanID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete clan %s: %w", clanID, err)
	}

	m.logger.Info().Str("clan_id", clanID).Msg("Deregistered clan")
	m.broker.Publish(&events.Event{Type: events.EventClanDeregistered, ClanID: clanID})
	return nil
}

// ForceReconcile runs a full pull for the clan now
func (m *Manager) ForceReconcile(ctx context.Context, clanID string) (*reconciler.Result, error) {
	if !m.registry.IsManaged(clanID) {
		return nil, fmt.Errorf("clan %s: %w", clanID, storage.ErrNotFound)
	}
	return m.engine.ReconcileFull(ctx, clanID, reconciler.TriggerForced)
}

// ListClans returns every managed clan
func (m *Manager) ListClans(ctx context.Context) ([]*types.Clan, error) {
	return m.repo.ListClans(ctx)
}

// GetClan returns one managed clan
func (m *Manager) GetClan(ctx context.Context, clanID string) (*types.Clan, error) {
	return m.repo.GetClan(ctx, clanID)
}

// ListMembers returns the persisted members of a clan
func (m *Manager) ListMembers(ctx context.Context, clanID string) ([]*types.Member, error) {
	return m.repo.ListMembers(ctx, clanID)
}

// SetReverification sets the clan's reverification window in days; 0
// disables it
func (m *Manager) SetReverification(ctx context.Context, clanID string, days int) (*types.Clan, error) {
	if days < 0 {
		return nil, fmt.Errorf("%w: reverify days must not be negative, got %d", types.ErrInvalidClan, days)
	}

	var clan *types.Clan
	err := m.locks.WithClanLock(ctx, clanID, func(ctx context.Context) error {
		var err error
		clan, err = m.repo.GetClan(ctx, clanID)
		if err != nil {
			return err
		}
		clan.ReverifyDays = days
		return m.repo.UpdateClan(ctx, clan)
	})
	if err != nil {
		return nil, err
	}

	m.registry.put(clan)
	m.logger.Info().
		Str("clan_id", clanID).
		Int("reverify_days", days).
		Msg("Updated reverification window")
	return clan, nil
}

// activate adds a persisted clan to the registry, engine, and scheduler
func (m *Manager) activate(clan *types.Clan) error {
	m.registry.put(clan)
	m.engine.Watch(clan.ID)

	clanID := clan.ID
	err := m.sched.ScheduleEvery(jobID(clanID), m.cfg.ReconcileInterval, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, m.cfg.PassTimeout)
		defer cancel()
		_, err := m.engine.ReconcileFull(ctx, clanID, reconciler.TriggerScheduled)
		return err
	})
	if err != nil {
		m.engine.Unwatch(clanID)
		m.registry.remove(clanID)
		return fmt.Errorf("failed to schedule clan %s: %w", clanID, err)
	}
	return nil
}

// settle runs a full pull after an event burst went quiet
func (m *Manager) settle(clanID string) {
	if !m.registry.IsManaged(clanID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PassTimeout)
	defer cancel()

	if _, err := m.engine.ReconcileFull(ctx, clanID, reconciler.TriggerSettle); err != nil {
		m.logger.Warn().
			Str("clan_id", clanID).
			Err(err).
			Msg("Settle reconciliation failed")
	}
}

func jobID(clanID string) string {
	return "reconcile/" + clanID
}

// DefaultRoles builds the default permission ladder for a clan
func DefaultRoles(clanID string) []*types.Role {
	roles := make([]*types.Role, 0, len(types.DefaultRoleNames))
	for rank, name := range types.DefaultRoleNames {
		roles = append(roles, &types.Role{
			ID:     clanID + "-" + name,
			ClanID: clanID,
			Name:   name,
			Rank:   rank,
		})
	}
	return roles
}

// Stats summarizes the manager for status output
func (m *Manager) Stats() map[string]string {
	return map[string]string{
		"clans":          strconv.Itoa(m.registry.Len()),
		"scheduled_jobs": strconv.Itoa(len(m.sched.Jobs())),
		"locks":          strconv.Itoa(m.locks.Len()),
	}
}
