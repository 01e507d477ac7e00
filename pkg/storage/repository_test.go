package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/clanmanager/pkg/types"
)

func testClan(id string) *types.Clan {
	return &types.Clan{
		ID:      id,
		Name:    "Clan " + id,
		Tag:     "TAG",
		GuildID: "guild-1",
		Roles: []*types.Role{
			{ID: id + "-owner", Name: "owner", Rank: 0},
			{ID: id + "-officer", Name: "co-owner", Rank: 1},
			{ID: id + "-member", Name: "member", Rank: 3},
		},
	}
}

func addMember(t *testing.T, repo Repository, clanID, userID string, roles ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.ApplyMutation(ctx, clanID, Mutation{Kind: MutationAddMember, UserID: userID, JoinedAt: time.Now()}, nil))
	for _, r := range roles {
		require.NoError(t, repo.ApplyMutation(ctx, clanID, Mutation{Kind: MutationGrantRole, UserID: userID, RoleID: r}, nil))
	}
}

func newSQLiteStore(t *testing.T) Repository {
	t.Helper()
	store, err := OpenSQL(DriverSQLite, filepath.Join(t.TempDir(), "clans.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newBoltStore(t *testing.T) Repository {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRepositories(t *testing.T) {
	backends := map[string]func(t *testing.T) Repository{
		"sqlite": newSQLiteStore,
		"bolt":   newBoltStore,
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			t.Run("ClanLifecycle", func(t *testing.T) { testClanLifecycle(t, open(t)) })
			t.Run("Membership", func(t *testing.T) { testMembership(t, open(t)) })
			t.Run("OwnerConflict", func(t *testing.T) { testOwnerConflict(t, open(t)) })
			t.Run("MemberConflict", func(t *testing.T) { testMemberConflict(t, open(t)) })
			t.Run("UnknownRole", func(t *testing.T) { testUnknownRole(t, open(t)) })
			t.Run("ConfirmFailureDiscards", func(t *testing.T) { testConfirmFailureDiscards(t, open(t)) })
			t.Run("IdempotentMutations", func(t *testing.T) { testIdempotentMutations(t, open(t)) })
			t.Run("DeleteCascades", func(t *testing.T) { testDeleteCascades(t, open(t)) })
			t.Run("RenameAndUpdate", func(t *testing.T) { testRenameAndUpdate(t, open(t)) })
			t.Run("VersionConflict", func(t *testing.T) { testVersionConflict(t, open(t)) })
			t.Run("ConfirmDoesNotBlockOtherClans", func(t *testing.T) { testConfirmDoesNotBlockOtherClans(t, open(t)) })
		})
	}
}

func testClanLifecycle(t *testing.T, repo Repository) {
	ctx := context.Background()

	require.NoError(t, repo.CreateClan(ctx, testClan("a")))
	require.NoError(t, repo.CreateClan(ctx, testClan("b")))

	err := repo.CreateClan(ctx, testClan("a"))
	assert.ErrorIs(t, err, ErrAlreadyExists)

	clan, err := repo.GetClan(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "Clan a", clan.Name)
	assert.Equal(t, "TAG", clan.Tag)
	assert.Equal(t, "guild-1", clan.GuildID)
	require.Len(t, clan.Roles, 3)
	assert.Equal(t, "a-owner", clan.OwnerRole().ID)

	clans, err := repo.ListClans(ctx)
	require.NoError(t, err)
	assert.Len(t, clans, 2)

	require.NoError(t, repo.DeleteClan(ctx, "b"))
	_, err = repo.GetClan(ctx, "b")
	var txErr *TxError
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, "b", txErr.ClanID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, repo.DeleteClan(ctx, "b"), ErrNotFound)
}

func testMembership(t *testing.T, repo Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateClan(ctx, testClan("a")))

	addMember(t, repo, "a", "u1", "a-owner", "a-member")
	addMember(t, repo, "a", "u2", "a-member")

	snap, err := repo.GetSnapshot(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, types.SourcePersisted, snap.Source())
	assert.Equal(t, []string{"u1", "u2"}, snap.UserIDs())

	m, ok := snap.Member("u1")
	require.True(t, ok)
	assert.Equal(t, []string{"a-member", "a-owner"}, m.Roles.Sorted())

	require.NoError(t, repo.ApplyMutation(ctx, "a", Mutation{Kind: MutationRevokeRole, UserID: "u1", RoleID: "a-member"}, nil))
	require.NoError(t, repo.ApplyMutation(ctx, "a", Mutation{Kind: MutationRemoveMember, UserID: "u2"}, nil))

	members, err := repo.ListMembers(ctx, "a")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "u1", members[0].UserID)
	assert.Equal(t, []string{"a-owner"}, members[0].RoleIDs)

	_, err = repo.ListMembers(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testOwnerConflict(t *testing.T, repo Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateClan(ctx, testClan("a")))

	addMember(t, repo, "a", "u1", "a-owner")
	addMember(t, repo, "a", "u2")

	err := repo.ApplyMutation(ctx, "a", Mutation{Kind: MutationGrantRole, UserID: "u2", RoleID: "a-owner"}, nil)
	assert.ErrorIs(t, err, ErrOwnerConflict)

	// Transfer: revoke first, then grant
	require.NoError(t, repo.ApplyMutation(ctx, "a", Mutation{Kind: MutationRevokeRole, UserID: "u1", RoleID: "a-owner"}, nil))
	require.NoError(t, repo.ApplyMutation(ctx, "a", Mutation{Kind: MutationGrantRole, UserID: "u2", RoleID: "a-owner"}, nil))

	snap, err := repo.GetSnapshot(ctx, "a")
	require.NoError(t, err)
	m, _ := snap.Member("u2")
	assert.True(t, m.Roles.Has("a-owner"))
}

func testMemberConflict(t *testing.T, repo Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateClan(ctx, testClan("a")))
	require.NoError(t, repo.CreateClan(ctx, testClan("b")))

	addMember(t, repo, "a", "u1")

	err := repo.ApplyMutation(ctx, "b", Mutation{Kind: MutationAddMember, UserID: "u1"}, nil)
	assert.ErrorIs(t, err, ErrMemberConflict)

	require.NoError(t, repo.ApplyMutation(ctx, "a", Mutation{Kind: MutationRemoveMember, UserID: "u1"}, nil))
	require.NoError(t, repo.ApplyMutation(ctx, "b", Mutation{Kind: MutationAddMember, UserID: "u1"}, nil))
}

func testUnknownRole(t *testing.T, repo Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateClan(ctx, testClan("a")))
	addMember(t, repo, "a", "u1")

	err := repo.ApplyMutation(ctx, "a", Mutation{Kind: MutationGrantRole, UserID: "u1", RoleID: "nope"}, nil)
	assert.ErrorIs(t, err, ErrUnknownRole)

	err = repo.ApplyMutation(ctx, "a", Mutation{Kind: MutationGrantRole, UserID: "ghost", RoleID: "a-member"}, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testConfirmFailureDiscards(t *testing.T, repo Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateClan(ctx, testClan("a")))

	platformErr := errors.New("platform rejected")
	err := repo.ApplyMutation(ctx, "a", Mutation{Kind: MutationAddMember, UserID: "u1"}, func(ctx context.Context) error {
		return platformErr
	})
	assert.Equal(t, platformErr, err)

	snap, err := repo.GetSnapshot(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, snap.Len())
}

func testIdempotentMutations(t *testing.T, repo Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateClan(ctx, testClan("a")))

	confirmed := 0
	confirm := func(ctx context.Context) error {
		confirmed++
		return nil
	}

	require.NoError(t, repo.ApplyMutation(ctx, "a", Mutation{Kind: MutationRemoveMember, UserID: "ghost"}, confirm))
	require.NoError(t, repo.ApplyMutation(ctx, "a", Mutation{Kind: MutationRevokeRole, UserID: "ghost", RoleID: "a-member"}, confirm))
	assert.Equal(t, 2, confirmed)

	addMember(t, repo, "a", "u1", "a-member")
	addMember(t, repo, "a", "u1", "a-member")

	members, err := repo.ListMembers(ctx, "a")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, []string{"a-member"}, members[0].RoleIDs)
}

func testDeleteCascades(t *testing.T, repo Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateClan(ctx, testClan("a")))
	require.NoError(t, repo.CreateClan(ctx, testClan("b")))
	addMember(t, repo, "a", "u1", "a-owner")

	require.NoError(t, repo.DeleteClan(ctx, "a"))

	require.NoError(t, repo.ApplyMutation(ctx, "b", Mutation{Kind: MutationAddMember, UserID: "u1"}, nil))

	_, err := repo.GetSnapshot(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testRenameAndUpdate(t *testing.T, repo Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateClan(ctx, testClan("a")))

	require.NoError(t, repo.ApplyMutation(ctx, "a", Mutation{Kind: MutationRenameClan, Name: "Renamed"}, nil))
	snap, err := repo.GetSnapshot(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", snap.Name())

	err = repo.ApplyMutation(ctx, "a", Mutation{Kind: MutationRenameClan, Name: ""}, nil)
	assert.Error(t, err)

	clan, err := repo.GetClan(ctx, "a")
	require.NoError(t, err)
	clan.ReverifyDays = 90
	require.NoError(t, repo.UpdateClan(ctx, clan))

	clan, err = repo.GetClan(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 90, clan.ReverifyDays)
	assert.Equal(t, "Renamed", clan.Name)

	assert.ErrorIs(t, repo.UpdateClan(ctx, &types.Clan{ID: "missing", Name: "x"}), ErrNotFound)
}

func testVersionConflict(t *testing.T, repo Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateClan(ctx, testClan("a")))

	err := repo.ApplyMutation(ctx, "a", Mutation{Kind: MutationAddMember, UserID: "u1"}, func(ctx context.Context) error {
		// A concurrent writer lands between read and commit
		return repo.ApplyMutation(ctx, "a", Mutation{Kind: MutationAddMember, UserID: "u2"}, nil)
	})

	var txErr *TxError
	require.True(t, errors.As(err, &txErr))
	assert.ErrorIs(t, err, ErrVersionConflict)

	snap, err := repo.GetSnapshot(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, snap.UserIDs())
}

func testConfirmDoesNotBlockOtherClans(t *testing.T, repo Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateClan(ctx, testClan("a")))
	require.NoError(t, repo.CreateClan(ctx, testClan("b")))
	addMember(t, repo, "b", "u2")

	inConfirm := make(chan struct{})
	unblock := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- repo.ApplyMutation(ctx, "a", Mutation{Kind: MutationAddMember, UserID: "u1"}, func(ctx context.Context) error {
			close(inConfirm)
			<-unblock
			return nil
		})
	}()
	<-inConfirm

	readCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	snap, err := repo.GetSnapshot(readCtx, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, snap.UserIDs())
	require.NoError(t, repo.ApplyMutation(readCtx, "b", Mutation{Kind: MutationAddMember, UserID: "u3"}, nil))

	close(unblock)
	require.NoError(t, <-done)

	snap, err = repo.GetSnapshot(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, snap.UserIDs())
}

func TestSchemaVersion(t *testing.T) {
	store, err := OpenSQL(DriverSQLite, filepath.Join(t.TempDir(), "clans.db"))
	require.NoError(t, err)
	defer store.Close()

	version, dirty, err := SchemaVersion(store.DB().DB, DriverSQLite)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// Re-running is a no-op
	require.NoError(t, Migrate(store.DB().DB, DriverSQLite))
}

func TestCreateClanValidates(t *testing.T) {
	repo := newBoltStore(t)
	clan := testClan("a")
	clan.Roles = clan.Roles[1:]

	assert.Error(t, repo.CreateClan(context.Background(), clan))
}
