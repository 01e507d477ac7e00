package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(sqlx.NewDb(db, "sqlmock")), mock
}

func expectLoadState(mock sqlmock.Sqlmock, clanID string) {
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM clans WHERE id = ?`)).
		WithArgs(clanID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "tag", "guild_id", "reverify_days", "version", "created_at", "updated_at"}).
			AddRow(clanID, "Old", "TAG", "g", 0, 3, now, now))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT clan_id, id, name, rank FROM roles`)).
		WithArgs(clanID).
		WillReturnRows(sqlmock.NewRows([]string{"clan_id", "id", "name", "rank"}).
			AddRow(clanID, "owner", "owner", 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT user_id, clan_id, joined_at FROM members`)).
		WithArgs(clanID).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "clan_id", "joined_at"}))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT user_id, role_id FROM member_roles`)).
		WithArgs(clanID).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "role_id"}))
}

func TestApplyMutationRollsBackWhenConfirmFails(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE clans SET version = version + 1`)).
		WithArgs("c1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectLoadState(mock, "c1")
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE clans SET name = ?`)).
		WithArgs("New", sqlmock.AnyArg(), "c1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	confirmErr := errors.New("platform unavailable")
	err := store.ApplyMutation(context.Background(), "c1", Mutation{Kind: MutationRenameClan, Name: "New"}, func(ctx context.Context) error {
		return confirmErr
	})

	assert.Equal(t, confirmErr, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyMutationCommitFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE clans SET version = version + 1`)).
		WithArgs("c1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectLoadState(mock, "c1")
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE clans SET name = ?`)).
		WithArgs("New", sqlmock.AnyArg(), "c1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(driver.ErrBadConn)

	err := store.ApplyMutation(context.Background(), "c1", Mutation{Kind: MutationRenameClan, Name: "New"}, nil)

	var txErr *TxError
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, "commit", txErr.Op)
	assert.Equal(t, "c1", txErr.ClanID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyMutationBeginFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	err := store.ApplyMutation(context.Background(), "c1", Mutation{Kind: MutationRemoveMember, UserID: "u1"}, nil)

	var txErr *TxError
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, "begin", txErr.Op)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyMutationUnknownClan(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE clans SET version = version + 1`)).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.ApplyMutation(context.Background(), "missing", Mutation{Kind: MutationRemoveMember, UserID: "u1"}, nil)

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
