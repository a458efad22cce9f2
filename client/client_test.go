package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ruteri/content-sync/httpserver"
	"github.com/ruteri/content-sync/interfaces"
	"github.com/ruteri/content-sync/migration"
	"github.com/ruteri/content-sync/network"
	"github.com/ruteri/content-sync/provider"
	"github.com/ruteri/content-sync/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Client, *provider.StorageProvider) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	opts := provider.DefaultOptions()
	opts.Queue.ProgressInterval = 5 * time.Millisecond
	p, err := provider.NewStorageProvider(context.Background(), "remote",
		storage.NewMemoryStore("remote", logger),
		network.NewMemoryNetwork(network.MemoryNetworkOptions{}), opts, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{Log: logger},
		httpserver.NewHandler(httpserver.HandlerConfig{Primary: p, Log: logger}), nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c, err := NewClient(ts.URL, Options{Timeout: 5 * time.Second, Log: logger})
	require.NoError(t, err)
	return c, p
}

func TestNewClient_InvalidAddress(t *testing.T) {
	for _, addr := range []string{"", "localhost", "://bad"} {
		_, err := NewClient(addr, Options{})
		assert.Error(t, err, addr)
	}
}

func TestClient_Storage(t *testing.T) {
	c, p := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, "docs/a b.txt", []byte("hello")))
	require.NoError(t, c.Write(ctx, "docs/b.txt", []byte("world")))

	data, err := c.Read(ctx, "docs/a b.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	local, err := p.Read(ctx, "docs/a b.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), local)

	ok, err := c.Exists(ctx, "docs/b.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	paths, err := c.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/a b.txt", "docs/b.txt"}, paths)

	require.NoError(t, c.Delete(ctx, "docs/b.txt"))
	ok, err = c.Exists(ctx, "docs/b.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.Read(ctx, "docs/b.txt")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestClient_Errors(t *testing.T) {
	c, _ := newTestServer(t)
	ctx := context.Background()

	err := c.Write(ctx, "_content-sync/address-mappings.json", []byte("{}"))
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusBadRequest), err.Error())

	unreachable, err := NewClient("http://127.0.0.1:1", Options{Timeout: time.Second})
	require.NoError(t, err)
	_, err = unreachable.Read(ctx, "x")
	assert.ErrorIs(t, err, interfaces.ErrStorageUnavailable)
}

func TestClient_QueueAndMappings(t *testing.T) {
	c, p := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, "a", []byte("a")))
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, p.Queue().Wait(waitCtx))

	status, err := c.QueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, interfaces.QueueStatus{Completed: 1}, status)

	snapshot, err := c.ExportMappings(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(snapshot), `"a"`)
}

func TestClient_MigrationSource(t *testing.T) {
	c, _ := newTestServer(t)
	ctx := context.Background()

	for _, path := range []string{"x/1", "x/2", "y/1"} {
		require.NoError(t, c.Write(ctx, path, []byte(path)))
	}

	target := storage.NewMemoryStore("target", nil)
	engine := migration.NewEngine(nil, nil)
	defer engine.Close()

	progress, err := engine.Migrate(ctx, c, target, migration.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, interfaces.MigrationCompleted, progress.Status)
	assert.Equal(t, 3, progress.SuccessfulItems)

	data, err := target.Read(ctx, "y/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("y/1"), data)
}
