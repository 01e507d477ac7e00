package reconciler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/clanmanager/pkg/events"
	"github.com/cuemby/clanmanager/pkg/executor"
	"github.com/cuemby/clanmanager/pkg/lock"
	"github.com/cuemby/clanmanager/pkg/platform"
	"github.com/cuemby/clanmanager/pkg/platform/platformtest"
	"github.com/cuemby/clanmanager/pkg/retry"
	"github.com/cuemby/clanmanager/pkg/storage"
	"github.com/cuemby/clanmanager/pkg/types"
)

type engineFixture struct {
	repo   storage.Repository
	fake   *platformtest.Platform
	locks  *lock.Manager
	broker *events.Broker
	engine *Engine
}

func newEngineFixture(t *testing.T, cfg Config, lockTimeout time.Duration) *engineFixture {
	t.Helper()
	repo, err := storage.OpenSQL(storage.DriverSQLite, filepath.Join(t.TempDir(), "clans.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	require.NoError(t, repo.CreateClan(context.Background(), &types.Clan{
		ID:   "c1",
		Name: "Clan",
		Roles: []*types.Role{
			{ID: "owner", Name: "owner", Rank: 0},
			{ID: "officer", Name: "co-owner", Rank: 1},
			{ID: "member", Name: "member", Rank: 3},
		},
	}))

	fake := platformtest.New()
	fake.SetClan("c1", "Clan")

	policy := retry.Policy{MaxAttempts: 2, Initial: time.Second, Max: time.Second, Multiplier: 2, Clock: retry.NewFakeClock(time.Now())}
	locks := lock.NewManager(lockTimeout)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	engine := NewEngine(cfg, repo, fake, executor.New(repo, fake, policy), locks, broker)
	t.Cleanup(engine.Stop)

	return &engineFixture{repo: repo, fake: fake, locks: locks, broker: broker, engine: engine}
}

func (f *engineFixture) persisted(t *testing.T) *types.Snapshot {
	t.Helper()
	snap, err := f.repo.GetSnapshot(context.Background(), "c1")
	require.NoError(t, err)
	return snap
}

func TestReconcileFullRepairsDrift(t *testing.T) {
	f := newEngineFixture(t, Config{}, time.Second)
	ctx := context.Background()
	f.fake.SetMember("c1", "u1", "owner")
	f.fake.SetMember("c1", "u2", "member")
	f.fake.SetClan("c1", "Renamed")

	res, err := f.engine.ReconcileFull(ctx, "c1", TriggerForced)
	require.NoError(t, err)
	assert.Equal(t, TriggerForced, res.Trigger)
	assert.Len(t, res.Actions, 3)
	assert.Equal(t, 3, res.Applied)
	assert.Empty(t, res.Failed)

	assert.True(t, f.persisted(t).Equal(f.fake.Snapshot("c1")))

	res, err = f.engine.ReconcileFull(ctx, "c1", TriggerScheduled)
	require.NoError(t, err)
	assert.Empty(t, res.Actions, "second pass must be a no-op")
}

func TestGrantFailureIsRepairedOnNextPass(t *testing.T) {
	f := newEngineFixture(t, Config{}, time.Second)
	ctx := context.Background()
	f.fake.SetMember("c1", "u1", "member")
	f.fake.FailWith(platformtest.Always(
		platform.Permanent(platform.CmdGrantRole, errors.New("missing permissions")),
		platformtest.Command(platform.CmdGrantRole)))

	res, err := f.engine.ReconcileFull(ctx, "c1", TriggerScheduled)
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, types.ActionAddMember, res.Failed[0].Action.Type)

	m, ok := f.persisted(t).Member("u1")
	require.True(t, ok, "committed member add must survive the failed grant")
	assert.Empty(t, m.Roles)

	f.fake.FailWith(nil)
	res, err = f.engine.ReconcileFull(ctx, "c1", TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, []types.Action{types.GrantRole("c1", "u1", "member")}, res.Actions)
	assert.Empty(t, res.Failed)

	m, _ = f.persisted(t).Member("u1")
	assert.True(t, m.Roles.Has("member"))
}

func TestHandleEventAppliesOneEvent(t *testing.T) {
	f := newEngineFixture(t, Config{}, time.Second)
	ctx := context.Background()
	f.fake.SetMember("c1", "u1")

	res, err := f.engine.HandleEvent(ctx, types.DomainEvent{
		Type:       types.EventMemberJoined,
		ClanID:     "c1",
		UserID:     "u1",
		OccurredAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, TriggerEvent, res.Trigger)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, types.ActionAddMember, res.Actions[0].Type)

	res, err = f.engine.HandleEvent(ctx, types.DomainEvent{
		Type:    types.EventRoleChanged,
		ClanID:  "c1",
		UserID:  "u1",
		RoleIDs: []string{"officer"},
	})
	require.NoError(t, err)
	assert.Equal(t, []types.Action{types.GrantRole("c1", "u1", "officer")}, res.Actions)

	m, ok := f.persisted(t).Member("u1")
	require.True(t, ok)
	assert.True(t, m.Roles.Equal(types.NewRoleSet("officer")))
}

func TestReconcileFullLockTimeout(t *testing.T) {
	f := newEngineFixture(t, Config{}, 20*time.Millisecond)
	ctx := context.Background()

	release, err := f.locks.Acquire(ctx, "c1")
	require.NoError(t, err)
	defer release()

	_, err = f.engine.ReconcileFull(ctx, "c1", TriggerScheduled)
	assert.ErrorIs(t, err, lock.ErrLockTimeout)
	assert.Empty(t, f.fake.Calls(), "no platform call without the lock")
}

func TestFetchFailureLeavesStoreUntouched(t *testing.T) {
	f := newEngineFixture(t, Config{}, time.Second)
	f.fake.SetMember("c1", "u1")
	f.fake.FailWith(platformtest.Always(
		platform.Transient(platform.CmdFetchSnapshot, errors.New("503")),
		platformtest.Command(platform.CmdFetchSnapshot)))

	_, err := f.engine.ReconcileFull(context.Background(), "c1", TriggerForced)
	require.Error(t, err)
	assert.True(t, platform.IsTransient(err))
	assert.Zero(t, f.persisted(t).Len())
}

func TestQueuedEventsAreConsumedInOrder(t *testing.T) {
	f := newEngineFixture(t, Config{QueueSize: 8}, time.Second)
	f.fake.SetMember("c1", "u1", "member")

	var touched []string
	f.engine.OnEvent(func(clanID string) { touched = append(touched, clanID) })
	f.engine.Watch("c1")
	f.engine.Watch("c1")
	assert.True(t, f.engine.Watched("c1"))

	require.NoError(t, f.engine.Enqueue(types.DomainEvent{Type: types.EventMemberJoined, ClanID: "c1", UserID: "u1"}))
	require.NoError(t, f.engine.Enqueue(types.DomainEvent{Type: types.EventRoleChanged, ClanID: "c1", UserID: "u1", RoleIDs: []string{"member"}}))
	assert.Equal(t, []string{"c1", "c1"}, touched)

	require.Eventually(t, func() bool {
		m, ok := f.persisted(t).Member("u1")
		return ok && m.Roles.Has("member")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEnqueueUnwatchedClan(t *testing.T) {
	f := newEngineFixture(t, Config{}, time.Second)

	err := f.engine.Enqueue(types.DomainEvent{Type: types.EventMemberLeft, ClanID: "c1", UserID: "u1"})
	assert.ErrorIs(t, err, ErrNotWatched)

	f.engine.Watch("c1")
	f.engine.Unwatch("c1")
	err = f.engine.Enqueue(types.DomainEvent{Type: types.EventMemberLeft, ClanID: "c1", UserID: "u1"})
	assert.ErrorIs(t, err, ErrNotWatched)
}

func TestFullQueueDropsEvents(t *testing.T) {
	f := newEngineFixture(t, Config{QueueSize: 1}, 5*time.Second)
	sub := f.broker.Subscribe()

	// Park the consumer on the clan lock
	release, err := f.locks.Acquire(context.Background(), "c1")
	require.NoError(t, err)
	defer release()

	f.engine.Watch("c1")

	var full int
	for i := 0; i < 3; i++ {
		err := f.engine.Enqueue(types.DomainEvent{Type: types.EventMemberLeft, ClanID: "c1", UserID: "u1"})
		if errors.Is(err, ErrQueueFull) {
			full++
		} else {
			require.NoError(t, err)
		}
	}
	assert.GreaterOrEqual(t, full, 1)

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventEventDropped, ev.Type)
		assert.Equal(t, "c1", ev.ClanID)
	case <-time.After(time.Second):
		t.Fatal("no drop event published")
	}
}

func TestReconciledEventPublished(t *testing.T) {
	f := newEngineFixture(t, Config{}, time.Second)
	sub := f.broker.Subscribe()
	f.fake.SetMember("c1", "u1")

	_, err := f.engine.ReconcileFull(context.Background(), "c1", TriggerForced)
	require.NoError(t, err)

	var got []events.EventType
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case ev := <-sub:
			got = append(got, ev.Type)
		case <-timeout:
			t.Fatalf("got only %v", got)
		}
	}
	assert.Equal(t, []events.EventType{events.EventActionApplied, events.EventClanReconciled}, got)
}
