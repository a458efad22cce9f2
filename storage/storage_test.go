package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ruteri/content-sync/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runStoreContract exercises the KVStore semantics shared by every medium.
func runStoreContract(t *testing.T, newStore func(t *testing.T) interfaces.KVStore) {
	ctx := context.Background()

	t.Run("read after write", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Write(ctx, "docs/readme.md", []byte("hello")))

		data, err := store.Read(ctx, "docs/readme.md")
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), data)

		ok, err := store.Exists(ctx, "docs/readme.md")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("overwrite replaces value", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Write(ctx, "a", []byte("one")))
		require.NoError(t, store.Write(ctx, "a", []byte("two")))

		data, err := store.Read(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("two"), data)
	})

	t.Run("missing path", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Read(ctx, "missing")
		assert.True(t, errors.Is(err, interfaces.ErrNotFound))

		ok, err := store.Exists(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Write(ctx, "gone", []byte("x")))
		require.NoError(t, store.Delete(ctx, "gone"))
		require.NoError(t, store.Delete(ctx, "gone"))

		ok, err := store.Exists(ctx, "gone")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("list returns every path", func(t *testing.T) {
		store := newStore(t)
		paths := []string{"a", "nested/b", "../c", "with space", "ünïcode"}
		for _, p := range paths {
			require.NoError(t, store.Write(ctx, p, []byte(p)))
		}

		listed, err := store.List(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, paths, listed)
	})

	t.Run("empty path rejected", func(t *testing.T) {
		store := newStore(t)
		assert.Error(t, store.Write(ctx, "", []byte("x")))
	})

	t.Run("closed store is unavailable", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Write(ctx, "a", []byte("x")))
		require.NoError(t, store.Close())

		_, err := store.Read(ctx, "a")
		assert.True(t, errors.Is(err, interfaces.ErrStorageUnavailable))
		assert.True(t, errors.Is(store.Write(ctx, "b", nil), interfaces.ErrStorageUnavailable))
		_, err = store.List(ctx)
		assert.True(t, errors.Is(err, interfaces.ErrStorageUnavailable))
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) interfaces.KVStore {
		return NewMemoryStore("test", testLogger())
	})
}

func TestFileStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) interfaces.KVStore {
		store, err := NewFileStore(t.TempDir(), testLogger())
		require.NoError(t, err)
		return store
	})
}

func TestFileStore_LongPaths(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir, testLogger())
	require.NoError(t, err)

	long := strings.Repeat("nested/segment/", 60) + "file.bin"
	require.NoError(t, store.Write(ctx, long, []byte("deep")))
	require.NoError(t, store.Write(ctx, "short", []byte("flat")))

	data, err := store.Read(ctx, long)
	require.NoError(t, err)
	assert.Equal(t, []byte("deep"), data)

	paths, err := store.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{long, "short"}, paths)

	require.NoError(t, store.Delete(ctx, long))
	ok, err := store.Exists(ctx, long)
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "key directories are pruned on delete")
}

func TestFileStore_BaseDirRemoved(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	store, err := NewFileStore(dir, testLogger())
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(dir))

	_, err = store.Read(context.Background(), "a")
	assert.True(t, errors.Is(err, interfaces.ErrStorageUnavailable))
}

func TestLevelDBStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) interfaces.KVStore {
		store, err := NewLevelDBStore(t.TempDir(), testLogger())
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func TestLevelDBStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewLevelDBStore(dir, testLogger())
	require.NoError(t, err)
	require.NoError(t, store.Write(ctx, "durable", []byte("bytes")))
	require.NoError(t, store.Close())

	reopened, err := NewLevelDBStore(dir, testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	data, err := reopened.Read(ctx, "durable")
	require.NoError(t, err)
	assert.Equal(t, []byte("bytes"), data)
}

func TestStoreFactory(t *testing.T) {
	factory := NewStoreFactory(testLogger())
	dir := t.TempDir()

	tests := []struct {
		name        string
		uri         string
		expectedErr error
		expectName  string
	}{
		{name: "memory", uri: "mem://cache", expectName: "mem-cache"},
		{name: "file", uri: "file://" + filepath.Join(dir, "files"), expectName: "file-files"},
		{name: "leveldb", uri: "leveldb://" + filepath.Join(dir, "ldb"), expectName: "leveldb-ldb"},
		{name: "s3", uri: "s3://bucket/prefix?region=eu-west-1", expectName: "s3-bucket"},
		{name: "vault", uri: "vault://127.0.0.1:8200/secret/cs?tls=false", expectName: "vault-secret-cs"},
		{name: "unsupported scheme", uri: "ftp://host/path", expectedErr: interfaces.ErrInvalidLocationURI},
		{name: "s3 without bucket", uri: "s3:///prefix", expectedErr: interfaces.ErrInvalidLocationURI},
		{name: "vault without mount", uri: "vault://127.0.0.1:8200", expectedErr: interfaces.ErrInvalidLocationURI},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := factory.StoreForURI(tt.uri)
			if tt.expectedErr != nil {
				assert.True(t, errors.Is(err, tt.expectedErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			defer store.Close()
			assert.Equal(t, tt.expectName, store.Name())
		})
	}
}
