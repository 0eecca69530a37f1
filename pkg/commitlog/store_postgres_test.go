package commitlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgresLog(t *testing.T) (*PostgresLog, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS commits`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT commit_id, chain_hash FROM commits`).
		WillReturnError(sql.ErrNoRows)

	l, err := NewPostgresLog(db)
	require.NoError(t, err)
	return l, mock
}

func TestPostgresLogAppend(t *testing.T) {
	l, mock := newMockPostgresLog(t)

	mock.ExpectExec(`INSERT INTO commits`).
		WithArgs(uint64(1), uint8(CommitSyscallRequest), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	id, err := l.Append(context.Background(), testCommit(CommitSyscallRequest, `{"pid":1}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
	assert.Equal(t, uint64(1), l.Len())
	assert.NotEmpty(t, l.ChainHash())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLogGet(t *testing.T) {
	l, mock := newMockPostgresLog(t)

	pre := make([]byte, 32)
	post := make([]byte, 32)
	pre[0], post[0] = 1, 2
	rows := sqlmock.NewRows([]string{"commit_id", "commit_type", "payload", "pre_state", "post_state"}).
		AddRow(uint64(7), uint8(CommitTick), []byte(`{"now":5}`), pre, post)
	mock.ExpectQuery(`SELECT commit_id, commit_type, payload, pre_state, post_state FROM commits WHERE commit_id`).
		WithArgs(uint64(7)).
		WillReturnRows(rows)

	c, err := l.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), c.CommitID)
	assert.Equal(t, CommitTick, c.Type)
	assert.Equal(t, json.RawMessage(`{"now":5}`), c.Payload)
	assert.Equal(t, Hash{1}, c.PreState)
	assert.Equal(t, Hash{2}, c.PostState)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLogGetNotFound(t *testing.T) {
	l, mock := newMockPostgresLog(t)

	mock.ExpectQuery(`SELECT commit_id, commit_type, payload, pre_state, post_state FROM commits WHERE commit_id`).
		WithArgs(uint64(9)).
		WillReturnError(sql.ErrNoRows)

	_, err := l.Get(context.Background(), 9)
	assert.ErrorIs(t, err, ErrCommitNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
