package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseSnapshot() *Snapshot {
	return NewSnapshot("c1", "Wolves", SourcePersisted, []SnapshotMember{
		{UserID: "u2", Roles: NewRoleSet("member")},
		{UserID: "u1", Roles: NewRoleSet("owner", "member")},
	})
}

func TestSnapshotIsImmutable(t *testing.T) {
	roles := NewRoleSet("member")
	s := NewSnapshot("c1", "Wolves", SourceLive, []SnapshotMember{{UserID: "u1", Roles: roles}})

	roles["owner"] = struct{}{}
	m, ok := s.Member("u1")
	require.True(t, ok)
	assert.Equal(t, []string{"member"}, m.Roles.Sorted())

	m.Roles["officer"] = struct{}{}
	again, _ := s.Member("u1")
	assert.False(t, again.Roles.Has("officer"))
}

func TestSnapshotOrderingAndEqual(t *testing.T) {
	s := baseSnapshot()
	assert.Equal(t, []string{"u1", "u2"}, s.UserIDs())
	assert.Equal(t, 2, s.Len())

	live := NewSnapshot("c1", "Wolves", SourceLive, []SnapshotMember{
		{UserID: "u1", Roles: NewRoleSet("member", "owner")},
		{UserID: "u2", Roles: NewRoleSet("member")},
	})
	assert.True(t, s.Equal(live))

	renamed := s.Apply(DomainEvent{Type: EventClanRenamed, ClanID: "c1", Name: "Bears"})
	assert.False(t, s.Equal(renamed))
	assert.True(t, (*Snapshot)(nil).Equal(nil))
	assert.False(t, s.Equal(nil))
}

func TestSnapshotApply(t *testing.T) {
	joined := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		event DomainEvent
		check func(t *testing.T, next *Snapshot)
	}{
		{
			name:  "member joined",
			event: DomainEvent{Type: EventMemberJoined, ClanID: "c1", UserID: "u3", RoleIDs: []string{"member"}, OccurredAt: joined},
			check: func(t *testing.T, next *Snapshot) {
				m, ok := next.Member("u3")
				require.True(t, ok)
				assert.Equal(t, []string{"member"}, m.Roles.Sorted())
				assert.Equal(t, joined, m.JoinedAt)
			},
		},
		{
			name:  "join of existing member keeps roles",
			event: DomainEvent{Type: EventMemberJoined, ClanID: "c1", UserID: "u1"},
			check: func(t *testing.T, next *Snapshot) {
				m, _ := next.Member("u1")
				assert.Equal(t, []string{"member", "owner"}, m.Roles.Sorted())
			},
		},
		{
			name:  "member left",
			event: DomainEvent{Type: EventMemberLeft, ClanID: "c1", UserID: "u2"},
			check: func(t *testing.T, next *Snapshot) {
				assert.Equal(t, []string{"u1"}, next.UserIDs())
			},
		},
		{
			name:  "role changed replaces the set",
			event: DomainEvent{Type: EventRoleChanged, ClanID: "c1", UserID: "u2", RoleIDs: []string{"officer"}},
			check: func(t *testing.T, next *Snapshot) {
				m, _ := next.Member("u2")
				assert.Equal(t, []string{"officer"}, m.Roles.Sorted())
			},
		},
		{
			name:  "role changed for unknown user implies membership",
			event: DomainEvent{Type: EventRoleChanged, ClanID: "c1", UserID: "u9", RoleIDs: []string{"member"}, OccurredAt: joined},
			check: func(t *testing.T, next *Snapshot) {
				m, ok := next.Member("u9")
				require.True(t, ok)
				assert.Equal(t, joined, m.JoinedAt)
			},
		},
		{
			name:  "empty role change for unknown user is ignored",
			event: DomainEvent{Type: EventRoleChanged, ClanID: "c1", UserID: "u9"},
			check: func(t *testing.T, next *Snapshot) {
				assert.Equal(t, 2, next.Len())
			},
		},
		{
			name:  "clan renamed",
			event: DomainEvent{Type: EventClanRenamed, ClanID: "c1", Name: "Bears"},
			check: func(t *testing.T, next *Snapshot) {
				assert.Equal(t, "Bears", next.Name())
			},
		},
		{
			name:  "other clan is ignored",
			event: DomainEvent{Type: EventMemberLeft, ClanID: "c2", UserID: "u1"},
			check: func(t *testing.T, next *Snapshot) {
				assert.Equal(t, 2, next.Len())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := baseSnapshot()
			next := base.Apply(tt.event)

			assert.Equal(t, SourceLive, next.Source())
			tt.check(t, next)

			// The receiver never changes
			assert.True(t, base.Equal(baseSnapshot()))
		})
	}
}

func TestSnapshotFromMembers(t *testing.T) {
	clan := &Clan{ID: "c1", Name: "Wolves"}
	s := SnapshotFromMembers(clan, []*Member{{UserID: "u1", ClanID: "c1", RoleIDs: []string{"owner"}}})

	assert.Equal(t, SourcePersisted, s.Source())
	assert.Equal(t, "Wolves", s.Name())
	m, ok := s.Member("u1")
	require.True(t, ok)
	assert.True(t, m.Roles.Has("owner"))
}
