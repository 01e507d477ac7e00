package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/cuemby/clanmanager/pkg/log"
	"github.com/cuemby/clanmanager/pkg/types"
)

// SQLStore implements Repository on a relational database. On PostgreSQL
// every mutation runs in a transaction that first bumps the clan's version
// row, which serializes concurrent writers to the same clan while confirm
// runs. SQLite has one connection, so a transaction held across confirm
// would stall every other clan; there the store checks and confirms outside
// a transaction and commits only if the clan version is unchanged, failing
// with ErrVersionConflict otherwise.
type SQLStore struct {
	db         *sqlx.DB
	optimistic bool
	logger     zerolog.Logger
}

type clanRow struct {
	ID           string    `db:"id"`
	Name         string    `db:"name"`
	Tag          string    `db:"tag"`
	GuildID      string    `db:"guild_id"`
	ReverifyDays int       `db:"reverify_days"`
	Version      int64     `db:"version"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

type roleRow struct {
	ClanID string `db:"clan_id"`
	ID     string `db:"id"`
	Name   string `db:"name"`
	Rank   int    `db:"rank"`
}

type memberRow struct {
	UserID   string    `db:"user_id"`
	ClanID   string    `db:"clan_id"`
	JoinedAt time.Time `db:"joined_at"`
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx
type queryer interface {
	sqlx.QueryerContext
	Rebind(query string) string
}

type memberRoleRow struct {
	UserID string `db:"user_id"`
	RoleID string `db:"role_id"`
}

// OpenSQL connects to the database, applies migrations, and returns a store
func OpenSQL(driver, dsn string) (*SQLStore, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == DriverSQLite {
		// SQLite has a single writer
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	if err := Migrate(db.DB, driver); err != nil {
		db.Close()
		return nil, err
	}

	store := NewSQLStore(db)
	store.optimistic = driver == DriverSQLite
	return store, nil
}

// NewSQLStore wraps an already migrated connection
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{
		db:     db,
		logger: log.WithComponent("storage"),
	}
}

// DB returns the underlying connection
func (s *SQLStore) DB() *sqlx.DB {
	return s.db
}

// Close closes the database
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks connectivity
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Clan operations

func (s *SQLStore) CreateClan(ctx context.Context, clan *types.Clan) error {
	if err := clan.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if clan.CreatedAt.IsZero() {
		clan.CreatedAt = now
	}
	clan.UpdatedAt = now

	return s.inTx(ctx, clan.ID, "create clan", func(tx *sqlx.Tx) error {
		var exists int
		err := tx.GetContext(ctx, &exists, tx.Rebind(`SELECT COUNT(*) FROM clans WHERE id = ?`), clan.ID)
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("clan %s: %w", clan.ID, ErrAlreadyExists)
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO clans (id, name, tag, guild_id, reverify_days, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?)`),
			clan.ID, clan.Name, clan.Tag, clan.GuildID, clan.ReverifyDays, clan.CreatedAt, clan.UpdatedAt)
		if err != nil {
			return err
		}

		for _, r := range clan.Roles {
			_, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO roles (clan_id, id, name, rank) VALUES (?, ?, ?, ?)`),
				clan.ID, r.ID, r.Name, r.Rank)
			if err != nil {
				return err
			}
			r.ClanID = clan.ID
		}
		return nil
	})
}

func (s *SQLStore) GetClan(ctx context.Context, id string) (*types.Clan, error) {
	clan, err := getClan(ctx, s.db, id)
	if err != nil {
		return nil, txErr(id, "get clan", err)
	}
	return clan, nil
}

func (s *SQLStore) ListClans(ctx context.Context) ([]*types.Clan, error) {
	var rows []clanRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM clans ORDER BY id`); err != nil {
		return nil, txErr("", "list clans", err)
	}

	var roles []roleRow
	if err := s.db.SelectContext(ctx, &roles, `SELECT clan_id, id, name, rank FROM roles ORDER BY clan_id, rank, id`); err != nil {
		return nil, txErr("", "list clans", err)
	}
	byClan := make(map[string][]*types.Role)
	for _, r := range roles {
		byClan[r.ClanID] = append(byClan[r.ClanID], r.toRole())
	}

	clans := make([]*types.Clan, 0, len(rows))
	for _, row := range rows {
		clan := row.toClan()
		clan.Roles = byClan[row.ID]
		clans = append(clans, clan)
	}
	return clans, nil
}

// UpdateClan stores name, tag, guild, and reverification settings. Roles
// are fixed at registration.
func (s *SQLStore) UpdateClan(ctx context.Context, clan *types.Clan) error {
	clan.UpdatedAt = time.Now().UTC()

	return s.inTx(ctx, clan.ID, "update clan", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE clans SET name = ?, tag = ?, guild_id = ?, reverify_days = ?, version = version + 1, updated_at = ?
			WHERE id = ?`),
			clan.Name, clan.Tag, clan.GuildID, clan.ReverifyDays, clan.UpdatedAt, clan.ID)
		if err != nil {
			return err
		}
		return requireRow(res, clan.ID)
	})
}

func (s *SQLStore) DeleteClan(ctx context.Context, id string) error {
	return s.inTx(ctx, id, "delete clan", func(tx *sqlx.Tx) error {
		// Explicit child deletes keep this correct when foreign keys are off
		for _, q := range []string{
			`DELETE FROM member_roles WHERE clan_id = ?`,
			`DELETE FROM members WHERE clan_id = ?`,
			`DELETE FROM roles WHERE clan_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, tx.Rebind(q), id); err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM clans WHERE id = ?`), id)
		if err != nil {
			return err
		}
		return requireRow(res, id)
	})
}

// Membership operations

func (s *SQLStore) GetSnapshot(ctx context.Context, clanID string) (*types.Snapshot, error) {
	clan, err := getClan(ctx, s.db, clanID)
	if err != nil {
		return nil, txErr(clanID, "get snapshot", err)
	}
	members, err := listMembers(ctx, s.db, clanID)
	if err != nil {
		return nil, txErr(clanID, "get snapshot", err)
	}
	return types.SnapshotFromMembers(clan, members), nil
}

func (s *SQLStore) ListMembers(ctx context.Context, clanID string) ([]*types.Member, error) {
	if _, err := getClan(ctx, s.db, clanID); err != nil {
		return nil, txErr(clanID, "list members", err)
	}
	members, err := listMembers(ctx, s.db, clanID)
	if err != nil {
		return nil, txErr(clanID, "list members", err)
	}
	return members, nil
}

func (s *SQLStore) ApplyMutation(ctx context.Context, clanID string, m Mutation, confirm ConfirmFunc) error {
	if s.optimistic {
		return s.applyOptimistic(ctx, clanID, m, confirm)
	}
	return s.applyLocked(ctx, clanID, m, confirm)
}

func (s *SQLStore) applyLocked(ctx context.Context, clanID string, m Mutation, confirm ConfirmFunc) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return txErr(clanID, "begin", err)
	}

	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn().Err(rbErr).Str("clan_id", clanID).Msg("Rollback failed")
			}
		}
	}()

	// Bumping the version first takes the clan row lock for the rest of the
	// transaction
	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE clans SET version = version + 1 WHERE id = ?`), clanID)
	if err != nil {
		return txErr(clanID, string(m.Kind), err)
	}
	if err := requireRow(res, clanID); err != nil {
		return txErr(clanID, string(m.Kind), err)
	}

	state, err := loadState(ctx, tx, clanID)
	if err != nil {
		return txErr(clanID, string(m.Kind), err)
	}

	changed, err := state.check(m, memberClan(ctx, tx))
	if err != nil {
		return txErr(clanID, string(m.Kind), err)
	}

	if changed {
		if err := stage(ctx, tx, clanID, m); err != nil {
			return txErr(clanID, string(m.Kind), err)
		}
	}

	if confirm != nil {
		if err := confirm(ctx); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return txErr(clanID, "commit", err)
	}
	committed = true
	return nil
}

func (s *SQLStore) applyOptimistic(ctx context.Context, clanID string, m Mutation, confirm ConfirmFunc) error {
	var version int64
	if err := s.db.GetContext(ctx, &version, s.db.Rebind(`SELECT version FROM clans WHERE id = ?`), clanID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("clan %s: %w", clanID, ErrNotFound)
		}
		return txErr(clanID, string(m.Kind), err)
	}
	state, err := loadState(ctx, s.db, clanID)
	if err != nil {
		return txErr(clanID, string(m.Kind), err)
	}
	changed, err := state.check(m, memberClan(ctx, s.db))
	if err != nil {
		return txErr(clanID, string(m.Kind), err)
	}

	if confirm != nil {
		if err := confirm(ctx); err != nil {
			return err
		}
	}
	if !changed {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return txErr(clanID, "begin", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn().Err(rbErr).Str("clan_id", clanID).Msg("Rollback failed")
		}
	}()

	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE clans SET version = version + 1 WHERE id = ? AND version = ?`), clanID, version)
	if err != nil {
		return txErr(clanID, string(m.Kind), err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return txErr(clanID, string(m.Kind), err)
	} else if n == 0 {
		return txErr(clanID, string(m.Kind), fmt.Errorf("%w: read version %d", ErrVersionConflict, version))
	}

	if m.Kind == MutationAddMember {
		// Membership in other clans is not covered by this clan's version
		if _, err := state.check(m, memberClan(ctx, tx)); err != nil {
			return txErr(clanID, string(m.Kind), err)
		}
	}
	if err := stage(ctx, tx, clanID, m); err != nil {
		return txErr(clanID, string(m.Kind), err)
	}
	if err := tx.Commit(); err != nil {
		return txErr(clanID, "commit", err)
	}
	return nil
}

// memberClan looks up which clan, if any, a user belongs to
func memberClan(ctx context.Context, q queryer) func(userID string) (string, bool, error) {
	return func(userID string) (string, bool, error) {
		var other string
		err := sqlx.GetContext(ctx, q, &other, q.Rebind(`SELECT clan_id FROM members WHERE user_id = ?`), userID)
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return other, err == nil, err
	}
}

func stage(ctx context.Context, tx *sqlx.Tx, clanID string, m Mutation) error {
	var err error
	switch m.Kind {
	case MutationAddMember:
		joined := m.JoinedAt
		if joined.IsZero() {
			joined = time.Now()
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO members (user_id, clan_id, joined_at) VALUES (?, ?, ?)`),
			m.UserID, clanID, joined.UTC())

	case MutationRemoveMember:
		if _, err = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM member_roles WHERE clan_id = ? AND user_id = ?`), clanID, m.UserID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM members WHERE clan_id = ? AND user_id = ?`), clanID, m.UserID)

	case MutationGrantRole:
		_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO member_roles (clan_id, user_id, role_id) VALUES (?, ?, ?)`),
			clanID, m.UserID, m.RoleID)

	case MutationRevokeRole:
		_, err = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM member_roles WHERE clan_id = ? AND user_id = ? AND role_id = ?`),
			clanID, m.UserID, m.RoleID)

	case MutationRenameClan:
		_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE clans SET name = ?, updated_at = ? WHERE id = ?`),
			m.Name, time.Now().UTC(), clanID)
	}
	return err
}

// inTx runs fn in a transaction, committing on success
func (s *SQLStore) inTx(ctx context.Context, clanID, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return txErr(clanID, op, err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn().Err(rbErr).Str("clan_id", clanID).Msg("Rollback failed")
		}
		return txErr(clanID, op, err)
	}

	if err := tx.Commit(); err != nil {
		return txErr(clanID, op, err)
	}
	return nil
}

func requireRow(res sql.Result, clanID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("clan %s: %w", clanID, ErrNotFound)
	}
	return nil
}

func getClan(ctx context.Context, q queryer, id string) (*types.Clan, error) {
	var row clanRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT * FROM clans WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("clan %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var roles []roleRow
	err = sqlx.SelectContext(ctx, q, &roles, q.Rebind(`SELECT clan_id, id, name, rank FROM roles WHERE clan_id = ? ORDER BY rank, id`), id)
	if err != nil {
		return nil, err
	}

	clan := row.toClan()
	for _, r := range roles {
		clan.Roles = append(clan.Roles, r.toRole())
	}
	return clan, nil
}

func listMembers(ctx context.Context, q queryer, clanID string) ([]*types.Member, error) {
	var rows []memberRow
	err := sqlx.SelectContext(ctx, q, &rows, q.Rebind(`SELECT user_id, clan_id, joined_at FROM members WHERE clan_id = ? ORDER BY user_id`), clanID)
	if err != nil {
		return nil, err
	}

	var grants []memberRoleRow
	err = sqlx.SelectContext(ctx, q, &grants, q.Rebind(`SELECT user_id, role_id FROM member_roles WHERE clan_id = ?`), clanID)
	if err != nil {
		return nil, err
	}
	roles := make(map[string][]string)
	for _, g := range grants {
		roles[g.UserID] = append(roles[g.UserID], g.RoleID)
	}

	members := make([]*types.Member, 0, len(rows))
	for _, r := range rows {
		ids := roles[r.UserID]
		sort.Strings(ids)
		members = append(members, &types.Member{
			UserID:   r.UserID,
			ClanID:   r.ClanID,
			RoleIDs:  ids,
			JoinedAt: r.JoinedAt,
		})
	}
	return members, nil
}

func loadState(ctx context.Context, q queryer, clanID string) (*clanState, error) {
	clan, err := getClan(ctx, q, clanID)
	if err != nil {
		return nil, err
	}
	members, err := listMembers(ctx, q, clanID)
	if err != nil {
		return nil, err
	}

	state := &clanState{clan: clan, members: make(map[string]*types.Member, len(members))}
	for _, m := range members {
		state.members[m.UserID] = m
	}
	return state, nil
}

func (r clanRow) toClan() *types.Clan {
	return &types.Clan{
		ID:           r.ID,
		Name:         r.Name,
		Tag:          r.Tag,
		GuildID:      r.GuildID,
		ReverifyDays: r.ReverifyDays,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func (r roleRow) toRole() *types.Role {
	return &types.Role{ID: r.ID, ClanID: r.ClanID, Name: r.Name, Rank: r.Rank}
}
