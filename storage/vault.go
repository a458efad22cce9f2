package storage

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/content-sync/common"
	"github.com/ruteri/content-sync/interfaces"
	"go.uber.org/atomic"
)

// VaultStore implements a key-value medium on a HashiCorp Vault KV v2 engine.
// Each path is kept as one secret holding the base64 encoded content.
type VaultStore struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	closed      atomic.Bool
	log         *slog.Logger
	locationURI string
}

// VaultOptions configures NewVaultStore.
//
// Parameters:
//   - Address: Vault server address (e.g. https://vault.example.com:8200)
//   - MountPath: KV v2 mount (e.g. "secret")
//   - DataPath: Path within the mount (e.g. "content-sync")
//   - Token: Vault token; falls back to VAULT_TOKEN when empty
//   - ClientCert: optional TLS client certificate for cert auth
type VaultOptions struct {
	Address    string
	MountPath  string
	DataPath   string
	Token      string
	ClientCert *tls.Certificate
}

// NewVaultStore creates a new Vault backed store.
func NewVaultStore(opts VaultOptions, log *slog.Logger) (*VaultStore, error) {
	config := api.DefaultConfig()
	config.Address = opts.Address

	if opts.ClientCert != nil {
		config.HttpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					Certificates: []tls.Certificate{*opts.ClientCert},
				},
			},
			Timeout: 30 * time.Second,
		}
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if opts.Token != "" {
		client.SetToken(opts.Token)
	}

	mountPath := strings.Trim(opts.MountPath, "/")
	dataPath := strings.Trim(opts.DataPath, "/")

	return &VaultStore{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         common.LoggerOrDefault(log),
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(strings.TrimPrefix(opts.Address, "https://"), "http://"), mountPath, dataPath),
	}, nil
}

func (s *VaultStore) Write(ctx context.Context, path string, data []byte) error {
	if s.closed.Load() {
		return interfaces.ErrStorageUnavailable
	}
	if err := validatePath(path); err != nil {
		return err
	}

	start := time.Now()
	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"content": base64.StdEncoding.EncodeToString(data),
		},
	}

	if _, err := s.client.Logical().WriteWithContext(ctx, s.secretPath("data", path), secretData); err != nil {
		s.log.Error("Failed to write to Vault",
			slog.String("path", path),
			"err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrStorageUnavailable, err)
	}

	s.log.Debug("Stored content in Vault",
		slog.String("path", path),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (s *VaultStore) Read(ctx context.Context, path string) ([]byte, error) {
	if s.closed.Load() {
		return nil, interfaces.ErrStorageUnavailable
	}

	secret, err := s.client.Logical().ReadWithContext(ctx, s.secretPath("data", path))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStorageUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNotFound, path)
	}

	// KV v2 nests the payload under "data"; deleted versions carry nil data.
	inner, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNotFound, path)
	}
	content, ok := inner["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content key not found in Vault data for %s", path)
	}

	data, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("invalid content encoding in Vault data: %w", err)
	}
	return data, nil
}

func (s *VaultStore) Exists(ctx context.Context, path string) (bool, error) {
	if s.closed.Load() {
		return false, interfaces.ErrStorageUnavailable
	}

	secret, err := s.client.Logical().ReadWithContext(ctx, s.secretPath("metadata", path))
	if err != nil {
		return false, fmt.Errorf("%w: %v", interfaces.ErrStorageUnavailable, err)
	}
	return secret != nil && secret.Data != nil, nil
}

// Delete removes all versions of the secret through the metadata endpoint.
func (s *VaultStore) Delete(ctx context.Context, path string) error {
	if s.closed.Load() {
		return interfaces.ErrStorageUnavailable
	}

	if _, err := s.client.Logical().DeleteWithContext(ctx, s.secretPath("metadata", path)); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *VaultStore) List(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, interfaces.ErrStorageUnavailable
	}

	listPath := joinVaultPath(s.mountPath, "metadata", s.dataPath)
	secret, err := s.client.Logical().ListWithContext(ctx, listPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStorageUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	keys, _ := secret.Data["keys"].([]interface{})
	paths := make([]string, 0, len(keys))
	for _, k := range keys {
		name, ok := k.(string)
		if !ok || strings.HasSuffix(name, "/") {
			continue
		}
		path, err := decodeKey(name)
		if err != nil {
			continue
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// Name returns a unique identifier for this store.
func (s *VaultStore) Name() string {
	return fmt.Sprintf("vault-%s-%s", s.mountPath, s.dataPath)
}

// LocationURI returns the URI that identifies this store.
func (s *VaultStore) LocationURI() string {
	return s.locationURI
}

func (s *VaultStore) Close() error {
	s.closed.Store(true)
	return nil
}

// Available checks that Vault is initialized and unsealed.
func (s *VaultStore) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := s.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		s.log.Debug("Vault health check failed", "err", err)
		return false
	}
	return health.Initialized && !health.Sealed
}

// secretPath builds {mount}/{kind}/{dataPath}/{key} for the KV v2 API.
func (s *VaultStore) secretPath(kind, path string) string {
	return joinVaultPath(s.mountPath, kind, s.dataPath, encodeKey(path))
}

func joinVaultPath(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg != "" {
			parts = append(parts, seg)
		}
	}
	return strings.Join(parts, "/")
}
