package commitlog

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteLogAppendGet(t *testing.T) {
	ctx := context.Background()
	l, err := OpenSQLiteLog(":memory:")
	require.NoError(t, err)
	defer l.Close()

	id, err := l.Append(ctx, testCommit(CommitSyscallRequest, `{"pid":1}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	c, err := l.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, CommitSyscallRequest, c.Type)
	assert.Equal(t, json.RawMessage(`{"pid":1}`), c.Payload)
	assert.Equal(t, Hash{1}, c.PreState)
	assert.Equal(t, Hash{2}, c.PostState)

	_, err = l.Get(ctx, 2)
	assert.ErrorIs(t, err, ErrCommitNotFound)
}

func TestSQLiteLogRange(t *testing.T) {
	ctx := context.Background()
	l, err := OpenSQLiteLog(":memory:")
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 4; i++ {
		_, err := l.Append(ctx, testCommit(CommitTick, `{}`))
		require.NoError(t, err)
	}

	commits, err := l.Range(ctx, 2, 3)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, uint64(2), commits[0].CommitID)
	assert.Equal(t, uint64(3), commits[1].CommitID)

	_, err = l.Range(ctx, 3, 2)
	assert.Error(t, err)
}

func TestSQLiteLogResumesChain(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "commits.db")

	l, err := OpenSQLiteLog(dsn)
	require.NoError(t, err)
	_, err = l.Append(ctx, testCommit(CommitSyscallRequest, `{"a":1}`))
	require.NoError(t, err)
	chain := l.ChainHash()
	require.NoError(t, l.Close())

	// Reopen: the head and chain hash must survive.
	l2, err := OpenSQLiteLog(dsn)
	require.NoError(t, err)
	defer l2.Close()
	assert.Equal(t, uint64(1), l2.Len())
	assert.Equal(t, chain, l2.ChainHash())

	id, err := l2.Append(ctx, testCommit(CommitSyscallResponse, `{"b":2}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), id)
}

func TestSQLiteLogMatchesMemoryChain(t *testing.T) {
	ctx := context.Background()
	sq, err := OpenSQLiteLog(":memory:")
	require.NoError(t, err)
	defer sq.Close()
	mem := NewMemoryLog()

	for i := 0; i < 3; i++ {
		c := testCommit(CommitSyscallRequest, `{"n":1}`)
		_, err := sq.Append(ctx, c.Clone())
		require.NoError(t, err)
		_, err = mem.Append(ctx, c.Clone())
		require.NoError(t, err)
	}
	assert.Equal(t, mem.ChainHash(), sq.ChainHash(), "stores must agree on the chain")
}
