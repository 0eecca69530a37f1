package supervisor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backendConformance exercises the Backend contract shared by every
// implementation.
func backendConformance(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	_, err := b.Read(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	ok, err := b.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Write(ctx, "a/1", []byte("one")))
	require.NoError(t, b.Write(ctx, "a/2", []byte("two")))
	require.NoError(t, b.Write(ctx, "b/1", []byte("three")))

	data, err := b.Read(ctx, "a/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), data)

	// Overwrite.
	require.NoError(t, b.Write(ctx, "a/1", []byte("uno")))
	data, err = b.Read(ctx, "a/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("uno"), data)

	ok, err = b.Exists(ctx, "a/2")
	require.NoError(t, err)
	assert.True(t, ok)

	keys, err := b.List(ctx, "a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "a/2"}, keys)

	keys, err = b.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "a/2", "b/1"}, keys)

	require.NoError(t, b.Delete(ctx, "a/1"))
	_, err = b.Read(ctx, "a/1")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// Deleting an absent key is not an error.
	assert.NoError(t, b.Delete(ctx, "a/1"))
}

func TestMemoryBackend(t *testing.T) {
	b := NewMemoryBackend()
	t.Cleanup(func() { _ = b.Close() })
	backendConformance(t, b)
}

func TestMemoryBackendCopiesValues(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	val := []byte("mutable")
	require.NoError(t, b.Write(ctx, "k", val))
	val[0] = 'X'

	got, err := b.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("mutable"), got)

	got[0] = 'Y'
	again, err := b.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("mutable"), again)
}

func TestSQLiteBackend(t *testing.T) {
	b, err := OpenSQLiteBackend(filepath.Join(t.TempDir(), "kv.db"), "storage")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	backendConformance(t, b)
}

func TestSQLiteBackendTablesAreIsolated(t *testing.T) {
	ctx := context.Background()
	storage, err := OpenSQLiteBackend(filepath.Join(t.TempDir(), "kv.db"), "storage")
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })
	keystore, err := NewSQLiteBackend(storage.db, "keystore")
	require.NoError(t, err)

	require.NoError(t, storage.Write(ctx, "k", []byte("v")))
	_, err = keystore.Read(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, "user0", prefixUpperBound("user/"))
	assert.Equal(t, "b", prefixUpperBound("a"))
	assert.Equal(t, "ab", prefixUpperBound("aa"))
	assert.Equal(t, "b", prefixUpperBound("a\xff"))
	assert.Equal(t, "\xff\xff\xff\xff", prefixUpperBound("\xff"))
}
