/*
Package storage provides the persisted record of clans, roles, and
membership.

Two Repository implementations are available:

  - SQLStore: PostgreSQL (lib/pq) or SQLite (mattn/go-sqlite3) through sqlx.
    The schema is embedded and applied with golang-migrate.
  - BoltStore: a single BoltDB file, useful for small single-process
    deployments.

# Schema

	clans         id, name, tag, guild_id, reverify_days, version, timestamps
	roles         (clan_id, id), name, rank
	members       user_id (unique), clan_id, joined_at
	member_roles  (user_id, role_id), clan_id

A user belongs to at most one clan. Deleting a clan removes its roles and
members.

# Mutations

All membership changes go through ApplyMutation, which stages one Mutation,
calls the ConfirmFunc, and commits only if the confirm call succeeds:

	err := repo.ApplyMutation(ctx, clanID, storage.Mutation{
		Kind:   storage.MutationGrantRole,
		UserID: userID,
		RoleID: roleID,
	}, func(ctx context.Context) error {
		return platform.GrantRole(ctx, clanID, userID, roleID)
	})

Mutations are idempotent. Removing an absent member, revoking a role that
is not held, or granting one that is already held commits without writing.

The repository enforces two invariants on every grant:

  - the role must be defined for the clan (ErrUnknownRole)
  - at most one member holds the owner role, rank 0 (ErrOwnerConflict)

# Transactions

SQLStore holds a database transaction across the confirm call. The first
statement bumps the clan's version row, so a second writer for the same
clan blocks until the first commits or rolls back.

BoltStore cannot hold a write transaction across a network call without
blocking every other clan. It reads the clan version, runs confirm, and
writes only if the version is unchanged. A concurrent change yields
ErrVersionConflict.

# Errors

Failures are returned as *TxError carrying the clan ID and operation.
Sentinels are reachable with errors.Is:

	var txErr *storage.TxError
	if errors.As(err, &txErr) && errors.Is(err, storage.ErrOwnerConflict) {
		...
	}

An error returned by the ConfirmFunc is passed through unchanged.
*/
package storage
