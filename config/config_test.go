package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ruteri/content-sync/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.ListenAddr)
	assert.Equal(t, "primary", cfg.Primary.Name)
	assert.Equal(t, interfaces.APIMode, cfg.Primary.Network.Mode)
	assert.Nil(t, cfg.Secondary)

	opts := cfg.MigrationOptions()
	assert.Equal(t, 10, opts.BatchSize)
	assert.True(t, opts.SkipExisting)
}

func TestLoad_File(t *testing.T) {
	t.Setenv("CONTENT_SYNC_TEST_DIR", "/var/lib/content-sync")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen_addr: 0.0.0.0:9000
primary:
  store: leveldb://${CONTENT_SYNC_TEST_DIR}/cache
  hash: blake2b
  network:
    mode: gateway
    gateway_url: https://gateway.example/
    timeout: 5s
  queue:
    concurrency: 5
    auto_process: false
secondary:
  store: mem://legacy
  backend: memory
migration:
  batch_size: 25
  skip_existing: false
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.ListenAddr)
	assert.Equal(t, "127.0.0.1:8090", cfg.Server.MetricsAddr, "unset keys keep defaults")
	assert.Equal(t, "leveldb:///var/lib/content-sync/cache", cfg.Primary.Store)
	assert.Equal(t, interfaces.GatewayMode, cfg.Primary.Network.Mode)
	assert.Equal(t, 5*time.Second, cfg.Primary.Network.Timeout)
	assert.Equal(t, "primary", cfg.Primary.Name)

	qopts := cfg.Primary.QueueOptions()
	assert.Equal(t, 5, qopts.Concurrency)
	assert.False(t, qopts.AutoProcess)

	require.NotNil(t, cfg.Secondary)
	assert.Equal(t, "secondary", cfg.Secondary.Name)
	assert.Equal(t, NetworkMemory, cfg.Secondary.Backend)
	assert.Equal(t, 3*time.Second, cfg.Secondary.HealthTimeout)

	mopts := cfg.MigrationOptions()
	assert.Equal(t, 25, mopts.BatchSize)
	assert.False(t, mopts.SkipExisting)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "unknown key", yaml: "primary:\n  colour: blue\n"},
		{name: "bad store uri", yaml: "primary:\n  store: ftp://nope\n"},
		{name: "bad mode", yaml: "primary:\n  network:\n    mode: p2p\n"},
		{name: "bad backend", yaml: "primary:\n  backend: carrier-pigeon\n"},
		{name: "duplicate name", yaml: "secondary:\n  name: primary\n"},
		{name: "bad duration", yaml: "primary:\n  health_timeout: soon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestOpenProvider_Memory(t *testing.T) {
	ctx := context.Background()
	cfg, err := Parse([]byte(`
primary:
  backend: memory
  index_store: mem://index
  pin_on_upload: true
`))
	require.NoError(t, err)

	p, err := cfg.Primary.OpenProvider(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, "primary", p.Name())
	require.NoError(t, p.Write(ctx, "hello.txt", []byte("hello")))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, p.Queue().Wait(waitCtx))

	m, ok := p.Registry().GetByPath("hello.txt")
	require.True(t, ok)
	assert.True(t, m.Pinned)
	assert.True(t, p.IsHealthy(ctx))
}

func TestOpenProvider_UnknownHash(t *testing.T) {
	pc := defaultProvider("x")
	pc.Backend = NetworkMemory
	pc.Hash = "md5"
	_, err := pc.OpenProvider(context.Background(), nil, nil)
	assert.Error(t, err)
}
