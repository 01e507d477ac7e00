/*
Package types defines the core data structures used throughout clanmanager.

The package holds the persisted domain model (Clan, Role, Member), the
immutable Snapshot used for diffing, the normalized DomainEvent vocabulary
and the CorrectiveAction variants produced by reconciliation. Every other
package depends on these types; this package depends on nothing but the
standard library.

# Core Types

Domain model:
  - Clan: a managed group with a display name, tag, guild and defined roles
  - Role: a platform role owned by a clan, ordered by Rank (0 = owner)
  - Member: one user's membership in exactly one clan

Reconciliation:
  - Snapshot: point-in-time view of one clan, live or persisted
  - RoleSet: unordered set of role IDs, compared without regard to order
  - Action: tagged corrective action (RemoveMember, RevokeRole, GrantRole,
    AddMember, RenameClan)

Events:
  - DomainEvent: MemberJoined, MemberLeft, RoleChanged, ClanRenamed

# Snapshots

A Snapshot is never mutated after construction. NewSnapshot copies its input
and the accessors return copies, so a snapshot can be shared between the
reconciler and the executor without locking. Apply derives a new live
snapshot from an existing one plus a single event:

	persisted := types.SnapshotFromMembers(clan, members)
	live := persisted.Apply(types.DomainEvent{
		Type:    types.EventRoleChanged,
		ClanID:  clan.ID,
		UserID:  "1029384756",
		RoleIDs: []string{"role-member", "role-leadership"},
	})

Snapshots are created per reconciliation pass and discarded once the diff
is computed. Nothing in the module caches them across passes.

# Actions

Actions are plain values. Their Order method gives the fixed position of
each class in a batch: removals first, then revocations, grants, additions
and finally renames, so a user never holds a role in a clan they are about
to leave. All actions are idempotent.
*/
package types
