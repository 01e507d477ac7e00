package manager

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/clanmanager/pkg/events"
	"github.com/cuemby/clanmanager/pkg/executor"
	"github.com/cuemby/clanmanager/pkg/lock"
	"github.com/cuemby/clanmanager/pkg/platform/platformtest"
	"github.com/cuemby/clanmanager/pkg/reconciler"
	"github.com/cuemby/clanmanager/pkg/retry"
	"github.com/cuemby/clanmanager/pkg/scheduler"
	"github.com/cuemby/clanmanager/pkg/storage"
	"github.com/cuemby/clanmanager/pkg/types"
)

type fixture struct {
	repo  storage.Repository
	fake  *platformtest.Platform
	sched *scheduler.Scheduler
	locks *lock.Manager
	mgr   *Manager
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	repo, err := storage.OpenSQL(storage.DriverSQLite, filepath.Join(t.TempDir(), "clans.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	fake := platformtest.New()
	locks := lock.NewManager(time.Second)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	policy := retry.Policy{MaxAttempts: 2, Initial: time.Second, Max: time.Second, Multiplier: 2, Clock: retry.NewFakeClock(time.Now())}
	engine := reconciler.NewEngine(reconciler.Config{}, repo, fake, executor.New(repo, fake, policy), locks, broker)
	sched := scheduler.NewScheduler()
	t.Cleanup(sched.Stop)

	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = time.Hour
	}
	mgr := NewManager(cfg, repo, engine, sched, locks, broker)
	t.Cleanup(mgr.Shutdown)

	return &fixture{repo: repo, fake: fake, sched: sched, locks: locks, mgr: mgr}
}

func TestRegisterClanWithDefaultRoles(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	clan, err := f.mgr.RegisterClan(ctx, &types.Clan{ID: "c1", Name: "Wolves", Tag: "WLF"})
	require.NoError(t, err)
	require.Len(t, clan.Roles, 4)
	assert.Equal(t, "c1-owner", clan.OwnerRole().ID)
	assert.Equal(t, []string{"c1-owner", "c1-co-owner", "c1-leadership", "c1-member"}, clan.RoleIDs())

	assert.True(t, f.mgr.Registry().IsManaged("c1"))
	assert.True(t, f.sched.Has("reconcile/c1"))

	stored, err := f.mgr.GetClan(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "WLF", stored.Tag)
	assert.Len(t, stored.Roles, 4)

	_, err = f.mgr.RegisterClan(ctx, &types.Clan{ID: "c1", Name: "Again"})
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func TestRegisterClanRejectsInvalidRoles(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.mgr.RegisterClan(context.Background(), &types.Clan{
		ID:    "c1",
		Name:  "Wolves",
		Roles: []*types.Role{{ID: "r1", Rank: 1}},
	})
	require.ErrorIs(t, err, types.ErrInvalidClan)
	assert.False(t, f.mgr.Registry().IsManaged("c1"))
}

func TestForceReconcile(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.mgr.RegisterClan(ctx, &types.Clan{ID: "c1", Name: "Wolves"})
	require.NoError(t, err)

	f.fake.SetClan("c1", "Wolves")
	f.fake.SetMember("c1", "u1", "c1-owner")
	f.fake.SetMember("c1", "u2", "c1-member")

	res, err := f.mgr.ForceReconcile(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, reconciler.TriggerForced, res.Trigger)
	assert.Equal(t, 2, res.Applied)

	members, err := f.mgr.ListMembers(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, members, 2)

	_, err = f.mgr.ForceReconcile(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeregisterClan(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.mgr.RegisterClan(ctx, &types.Clan{ID: "c1", Name: "Wolves"})
	require.NoError(t, err)

	require.NoError(t, f.mgr.DeregisterClan(ctx, "c1"))
	assert.False(t, f.mgr.Registry().IsManaged("c1"))
	assert.False(t, f.sched.Has("reconcile/c1"))

	_, err = f.mgr.GetClan(ctx, "c1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, f.mgr.DeregisterClan(ctx, "c1"), storage.ErrNotFound)
}

func TestDeregisterClanLockTimeoutIsRetryable(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.mgr.RegisterClan(ctx, &types.Clan{ID: "c1", Name: "Wolves"})
	require.NoError(t, err)

	release, err := f.locks.Acquire(ctx, "c1")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = f.mgr.DeregisterClan(waitCtx, "c1")
	require.ErrorIs(t, err, lock.ErrLockTimeout)

	// Nothing was torn down
	assert.True(t, f.mgr.Registry().IsManaged("c1"))
	assert.True(t, f.sched.Has("reconcile/c1"))
	assert.True(t, f.mgr.engine.Watched("c1"))
	_, err = f.mgr.GetClan(ctx, "c1")
	require.NoError(t, err)

	release()
	require.NoError(t, f.mgr.DeregisterClan(ctx, "c1"))
	assert.False(t, f.mgr.Registry().IsManaged("c1"))
	assert.False(t, f.sched.Has("reconcile/c1"))
	assert.False(t, f.mgr.engine.Watched("c1"))
}

func TestSetReverification(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.mgr.RegisterClan(ctx, &types.Clan{ID: "c1", Name: "Wolves"})
	require.NoError(t, err)

	clan, err := f.mgr.SetReverification(ctx, "c1", 30)
	require.NoError(t, err)
	assert.Equal(t, 30, clan.ReverifyDays)

	cached, ok := f.mgr.Registry().Get("c1")
	require.True(t, ok)
	assert.Equal(t, 30, cached.ReverifyDays)

	_, err = f.mgr.SetReverification(ctx, "c1", -1)
	assert.ErrorIs(t, err, types.ErrInvalidClan)

	_, err = f.mgr.SetReverification(ctx, "missing", 7)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLoadRestoresClans(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.repo.CreateClan(ctx, &types.Clan{ID: "c9", Name: "Ravens", Roles: DefaultRoles("c9")}))

	require.NoError(t, f.mgr.Load(ctx))
	assert.Equal(t, []string{"c9"}, f.mgr.Registry().IDs())
	assert.True(t, f.sched.Has("reconcile/c9"))
}

func TestSettleRunsFullPull(t *testing.T) {
	f := newFixture(t, Config{SettleDelay: 20 * time.Millisecond})
	ctx := context.Background()
	f.fake.SetClan("c1", "Wolves")
	f.fake.SetMember("c1", "u1", "c1-member")

	// Registration schedules the first pull after the settle delay
	_, err := f.mgr.RegisterClan(ctx, &types.Clan{ID: "c1", Name: "Wolves"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		members, err := f.mgr.ListMembers(ctx, "c1")
		return err == nil && len(members) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
