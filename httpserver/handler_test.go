package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/ruteri/content-sync/common"
	"github.com/ruteri/content-sync/interfaces"
	"github.com/ruteri/content-sync/migration"
	"github.com/ruteri/content-sync/network"
	"github.com/ruteri/content-sync/provider"
	"github.com/ruteri/content-sync/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	primary   *provider.StorageProvider
	network   *network.MemoryNetwork
	secondary *storage.MemoryStore
	engine    *migration.Engine
	server    *Server
}

func newTestEnv(t *testing.T, mutate func(*provider.Options)) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	n := network.NewMemoryNetwork(network.MemoryNetworkOptions{})
	opts := provider.DefaultOptions()
	opts.Queue.ProgressInterval = 5 * time.Millisecond
	if mutate != nil {
		mutate(&opts)
	}
	primary, err := provider.NewStorageProvider(context.Background(), "primary", storage.NewMemoryStore("primary", logger), n, opts, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = primary.Close() })

	secondary := storage.NewMemoryStore("secondary", logger)
	engine := migration.NewEngine(logger, nil)
	t.Cleanup(engine.Close)

	handler := NewHandler(HandlerConfig{
		Primary:    primary,
		Secondary:  secondary,
		Migrations: engine,
		Log:        logger,
	})
	srv, err := New(&HTTPServerConfig{ListenAddr: "127.0.0.1:0", Log: logger}, handler, nil)
	require.NoError(t, err)

	return &testEnv{primary: primary, network: n, secondary: secondary, engine: engine, server: srv}
}

func (env *testEnv) do(t *testing.T, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	return w
}

func (env *testEnv) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.primary.Queue().Wait(ctx))
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestContentLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPut, "/api/content/docs/readme.txt", []byte("hello world"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/content/docs/readme.txt", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello world", w.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))

	env.sync(t)

	w = env.do(t, http.MethodHead, "/api/content/docs/readme.txt", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	cid, err := network.ComputeCID([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, cid, w.Header().Get(ContentIDHeader))

	w = env.do(t, http.MethodGet, "/api/content?prefix=docs/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[map[string][]string](t, w)
	assert.Equal(t, []string{"docs/readme.txt"}, list["paths"])

	w = env.do(t, http.MethodDelete, "/api/content/docs/readme.txt", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/api/content/docs/readme.txt", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, http.MethodHead, "/api/content/docs/readme.txt", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPinEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPut, "/api/content/a", []byte("pin me")).Code)
	env.sync(t)

	w := env.do(t, http.MethodPost, "/api/pins/a", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	m := decode[interfaces.AddressMapping](t, w)
	assert.True(t, m.Pinned)
	assert.True(t, env.network.IsPinned(m.ContentID))

	w = env.do(t, http.MethodGet, "/api/mappings?pinned=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[map[string][]interfaces.AddressMapping](t, w)["mappings"], 1)

	w = env.do(t, http.MethodDelete, "/api/pins/a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, env.network.IsPinned(m.ContentID))

	w = env.do(t, http.MethodPost, "/api/pins/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueueEndpoints(t *testing.T) {
	env := newTestEnv(t, func(o *provider.Options) { o.Queue.AutoProcess = false })

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPut, "/api/content/one", []byte("1")).Code)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPut, "/api/content/two", []byte("2")).Code)

	w := env.do(t, http.MethodGet, "/api/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	items := decode[map[string][]interfaces.QueueItem](t, w)["items"]
	require.Len(t, items, 2)

	w = env.do(t, http.MethodDelete, "/api/queue/"+items[0].ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(t, http.MethodDelete, "/api/queue/"+items[0].ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/queue/process", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	env.sync(t)

	w = env.do(t, http.MethodGet, "/api/queue/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, interfaces.QueueStatus{Completed: 1}, decode[interfaces.QueueStatus](t, w))

	w = env.do(t, http.MethodDelete, "/api/queue/"+items[1].ID, nil)
	assert.Equal(t, http.StatusConflict, w.Code, "completed items cannot be cancelled")

	w = env.do(t, http.MethodPost, "/api/queue/clear", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[map[string]int](t, w)["cleared"])
}

func TestQueueRetryEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.network.SetAddError(func([]byte) error { return errors.New("connection refused") })

	w := env.do(t, http.MethodPut, "/api/content/flaky", []byte("data"))
	require.Equal(t, http.StatusCreated, w.Code, "writes succeed while replication fails")
	env.sync(t)
	assert.Equal(t, 1, env.primary.Queue().Status().Failed)

	env.network.SetAddError(nil)
	w = env.do(t, http.MethodPost, "/api/queue/retry", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[map[string]int](t, w)["retried"])
	env.sync(t)
	assert.Equal(t, 1, env.primary.Queue().Status().Completed)
}

func TestMappingEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, p := range []string{"img/a.png", "img/b.png", "txt/c.txt"} {
		require.Equal(t, http.StatusCreated, env.do(t, http.MethodPut, "/api/content/"+p, []byte(p)).Code)
	}
	env.sync(t)

	w := env.do(t, http.MethodGet, "/api/mappings?q=img/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[map[string][]interfaces.AddressMapping](t, w)["mappings"], 2)

	w = env.do(t, http.MethodGet, "/api/mappings?q="+url.QueryEscape(common.SHA256Hash([]byte("txt/c.txt"))), nil)
	require.Equal(t, http.StatusOK, w.Code)
	byHash := decode[map[string][]interfaces.AddressMapping](t, w)["mappings"]
	require.Len(t, byHash, 1)
	assert.Equal(t, "txt/c.txt", byHash[0].Path)

	w = env.do(t, http.MethodGet, "/api/mappings?q="+url.QueryEscape("TEXT/PLAIN"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[map[string][]interfaces.AddressMapping](t, w)["mappings"], 3)

	w = env.do(t, http.MethodGet, "/api/mappings?from="+time.Now().Add(-time.Hour).UTC().Format(time.RFC3339), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[map[string][]interfaces.AddressMapping](t, w)["mappings"], 3)

	w = env.do(t, http.MethodGet, "/api/mappings?pinned=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/mappings/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, decode[interfaces.MappingStats](t, w).Count)

	w = env.do(t, http.MethodGet, "/api/mappings/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	exported := w.Body.Bytes()
	snapshot := decode[interfaces.MappingSnapshot](t, w)
	assert.Len(t, snapshot.Mappings, 3)

	w = env.do(t, http.MethodDelete, "/api/mappings", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, env.primary.Registry().Len())

	w = env.do(t, http.MethodPost, "/api/mappings/import", exported)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 3, decode[map[string]int](t, w)["imported"])
	assert.Equal(t, 3, env.primary.Registry().Len())

	w = env.do(t, http.MethodPost, "/api/mappings/import", []byte(`{"version":1}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMigrationEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	for _, p := range []string{"legacy/a", "legacy/b", "other/c"} {
		require.NoError(t, env.secondary.Write(ctx, p, []byte("from "+p)))
	}

	w := env.do(t, http.MethodGet, "/api/migration/estimate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, decode[migration.Estimate](t, w).ItemCount)

	w = env.do(t, http.MethodPost, "/api/migration", []byte(`{"batchSize":0}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/migration", []byte(`{"prefix":"legacy/"}`))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	started := decode[migrationStatus](t, w)
	require.NotNil(t, started.Lease)
	assert.NotEmpty(t, started.Lease.Token)

	require.Eventually(t, func() bool { return !env.engine.IsRunning() }, 5*time.Second, 10*time.Millisecond)

	w = env.do(t, http.MethodGet, "/api/migration", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[migrationStatus](t, w)
	assert.False(t, status.Running)
	assert.Equal(t, interfaces.MigrationCompleted, status.Progress.Status)
	assert.Equal(t, 2, status.Progress.SuccessfulItems)

	w = env.do(t, http.MethodGet, "/api/content/legacy/a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "from legacy/a", w.Body.String())
	w = env.do(t, http.MethodHead, "/api/content/other/c", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/migration/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[map[string]bool](t, w)["cancelled"])

	w = env.do(t, http.MethodPost, "/api/migration/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, interfaces.MigrationIdle, decode[migrationStatus](t, w).Progress.Status)
}

func TestMigrationConflict(t *testing.T) {
	env := newTestEnv(t, nil)

	src := new(provider.MockStorage)
	release := make(chan struct{})
	src.On("List", mock.Anything).Return([]string{"slow"}, nil)
	src.On("Read", mock.Anything, "slow").Run(func(mock.Arguments) { <-release }).Return([]byte("x"), nil)

	_, err := env.engine.Start(context.Background(), src, env.primary, migration.DefaultOptions())
	require.NoError(t, err)
	defer func() {
		close(release)
		require.Eventually(t, func() bool { return !env.engine.IsRunning() }, 5*time.Second, 10*time.Millisecond)
	}()

	w := env.do(t, http.MethodPost, "/api/migration", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = env.do(t, http.MethodPost, "/api/migration/reset", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestMigrationNotConfigured(t *testing.T) {
	env := newTestEnv(t, nil)
	handler := NewHandler(HandlerConfig{Primary: env.primary})
	srv, err := New(&HTTPServerConfig{ListenAddr: "127.0.0.1:0"}, handler, nil)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/migration", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGatewayWritesStayLocal(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := network.NewMemoryNetwork(network.MemoryNetworkOptions{}).GatewayView()
	primary, err := provider.NewStorageProvider(context.Background(), "gw", storage.NewMemoryStore("gw", logger), gw, provider.DefaultOptions(), logger)
	require.NoError(t, err)
	defer primary.Close()

	srv, err := New(&HTTPServerConfig{ListenAddr: "127.0.0.1:0", Log: logger}, NewHandler(HandlerConfig{Primary: primary, Log: logger}), nil)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/content/x", strings.NewReader("local")))
	assert.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/pins/x", nil))
	assert.Equal(t, http.StatusNotFound, w.Code, "nothing is mapped without replication")
}

func TestReservedPathRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodPut, "/api/content/_content-sync/address-mappings.json", []byte("{}"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		path   string
		status int
		body   string
	}{
		{name: "livez", path: "/livez", status: http.StatusOK, body: `{"status":"alive"}`},
		{name: "readyz", path: "/readyz", status: http.StatusOK, body: `{"status":"ready"}`},
		{name: "drain", path: "/drain", status: http.StatusOK, body: `{"status":"draining"}`},
		{name: "readyz while draining", path: "/readyz", status: http.StatusServiceUnavailable, body: `{"status":"not ready"}`},
		{name: "drain again", path: "/drain", status: http.StatusOK, body: `{"status":"already draining"}`},
		{name: "undrain", path: "/undrain", status: http.StatusOK, body: `{"status":"ready"}`},
		{name: "network", path: "/healthz/network", status: http.StatusOK, body: `{"healthy":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.status, w.Code)
			assert.JSONEq(t, tt.body, w.Body.String())
		})
	}

	env.network.SetHealthy(false)
	w := env.do(t, http.MethodGet, "/healthz/network", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{interfaces.ErrNotFound, http.StatusNotFound},
		{interfaces.ErrUnsupportedOperation, http.StatusMethodNotAllowed},
		{interfaces.ErrMigrationInProgress, http.StatusConflict},
		{interfaces.ErrInvalidImportFormat, http.StatusBadRequest},
		{interfaces.ErrStorageUnavailable, http.StatusServiceUnavailable},
		{interfaces.ErrNetworkTimeout, http.StatusGatewayTimeout},
		{interfaces.ErrNetworkFailure, http.StatusBadGateway},
		{interfaces.ErrContentTooLarge, http.StatusRequestEntityTooLarge},
		{errors.New("boom"), http.StatusInternalServerError},
		{&RequestError{StatusCode: http.StatusTeapot, Err: errors.New("tea")}, http.StatusTeapot},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.status, statusFor(tt.err))
		})
	}
}
