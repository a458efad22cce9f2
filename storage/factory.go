package storage

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/ruteri/content-sync/common"
	"github.com/ruteri/content-sync/interfaces"
)

// StoreFactory creates key-value stores from location URIs.
type StoreFactory struct {
	log     *slog.Logger
	tlsAuth func() (tls.Certificate, error)
}

// NewStoreFactory creates a new factory instance.
func NewStoreFactory(logger *slog.Logger) *StoreFactory {
	return &StoreFactory{
		log: common.LoggerOrDefault(logger),
	}
}

// WithTLSAuth configures a client certificate source for Vault stores.
func (sf *StoreFactory) WithTLSAuth(getCert func() (tls.Certificate, error)) *StoreFactory {
	return &StoreFactory{
		log:     sf.log,
		tlsAuth: getCert,
	}
}

// StoreForURI parses uri and creates the store it names.
func (sf *StoreFactory) StoreForURI(uri string) (interfaces.KVStore, error) {
	loc, err := interfaces.NewStoreLocation(uri)
	if err != nil {
		return nil, err
	}
	return sf.StoreFor(loc)
}

// StoreFor creates a key-value store from a location.
// The URI format should be [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - mem://name - In-process memory store
//   - file:///absolute/path or file://./relative/path - One file per path
//   - leveldb:///absolute/path - LevelDB database directory
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-west-2&endpoint=custom.s3.com
//   - vault://host:8200/mount/path?token=...&tls=false
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (sf *StoreFactory) StoreFor(loc interfaces.StoreLocation) (interfaces.KVStore, error) {
	switch strings.ToLower(loc.Scheme) {
	case "mem":
		return NewMemoryStore(loc.Host, sf.log), nil
	case "file":
		dir, err := localDir(loc)
		if err != nil {
			return nil, err
		}
		sf.log.Debug("Creating file store", slog.String("dir", dir))
		return NewFileStore(dir, sf.log)
	case "leveldb":
		dir, err := localDir(loc)
		if err != nil {
			return nil, err
		}
		sf.log.Debug("Creating leveldb store", slog.String("dir", dir))
		return NewLevelDBStore(dir, sf.log)
	case "s3":
		return sf.createS3Store(loc)
	case "vault":
		return sf.createVaultStore(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// createS3Store creates an S3 or S3-compatible store.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/path/?region=us-west-2&endpoint=custom.s3.com
func (sf *StoreFactory) createS3Store(loc interfaces.StoreLocation) (interfaces.KVStore, error) {
	sf.log.Debug("Creating S3 store", slog.String("bucket", loc.Host))

	if loc.Host == "" {
		return nil, fmt.Errorf("%w: missing bucket in %s", interfaces.ErrInvalidLocationURI, loc.Raw)
	}

	region := loc.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if loc.User != nil {
		accessKey = loc.User.Username()
		secretKey, _ = loc.User.Password()
	}

	return NewS3Store(loc.Host, strings.TrimPrefix(loc.Path, "/"), region, loc.GetParam("endpoint"), accessKey, secretKey, sf.log)
}

// createVaultStore creates a Vault KV v2 store.
// URI format: vault://vault.example.com:8200/secret/content-sync?token=...
// The first path segment is the mount, the rest is the data path.
func (sf *StoreFactory) createVaultStore(loc interfaces.StoreLocation) (interfaces.KVStore, error) {
	sf.log.Debug("Creating Vault store", slog.String("host", loc.Host))

	segments := strings.SplitN(strings.Trim(loc.Path, "/"), "/", 2)
	if loc.Host == "" || segments[0] == "" {
		return nil, fmt.Errorf("%w: expected vault://host/mount[/path]", interfaces.ErrInvalidLocationURI)
	}

	scheme := "https"
	if loc.Query.Get("tls") == "false" {
		scheme = "http"
	}

	opts := VaultOptions{
		Address:   fmt.Sprintf("%s://%s", scheme, loc.Host),
		MountPath: segments[0],
		Token:     loc.GetParam("token"),
	}
	if len(segments) > 1 {
		opts.DataPath = segments[1]
	}

	if sf.tlsAuth != nil {
		cert, err := sf.tlsAuth()
		if err != nil {
			return nil, fmt.Errorf("failed to load Vault client certificate: %w", err)
		}
		opts.ClientCert = &cert
	}

	return NewVaultStore(opts, sf.log)
}

// localDir resolves file:// and leveldb:// locations to a directory.
func localDir(loc interfaces.StoreLocation) (string, error) {
	dir := loc.Path
	if loc.Host != "" {
		dir = loc.Host + "/" + strings.TrimPrefix(dir, "/")
	}
	if dir == "" {
		return "", fmt.Errorf("%w: empty path in %s", interfaces.ErrInvalidLocationURI, loc.Raw)
	}
	return filepath.Clean(dir), nil
}
