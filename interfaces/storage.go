package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

var (
	// ErrNotFound is returned when requested content is neither cached locally
	// nor mapped to a content identifier.
	ErrNotFound = errors.New("content not found")

	// ErrStorageUnavailable is returned when a key-value medium is closed or
	// unreachable. It is not retried; the store has to be reinitialized.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid storage location URI")

	// ErrInvalidImportFormat is returned when a mapping snapshot envelope cannot be parsed.
	ErrInvalidImportFormat = errors.New("invalid import format")
)

// KVStore is a durable opaque path to bytes store.
type KVStore interface {
	// Write stores data under path, replacing any previous value.
	Write(ctx context.Context, path string, data []byte) error

	// Read returns the bytes stored under path or ErrNotFound.
	Read(ctx context.Context, path string) ([]byte, error)

	// Exists reports whether path is present.
	Exists(ctx context.Context, path string) (bool, error)

	// Delete removes path. Deleting an absent path is not an error.
	Delete(ctx context.Context, path string) error

	// List returns all stored paths in no particular order.
	List(ctx context.Context) ([]string, error)

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this store.
	LocationURI() string

	// Close releases the medium. Subsequent calls fail with ErrStorageUnavailable.
	Close() error
}

// Storage is the uniform storage interface implemented by storage providers
// and consumed by the migration engine.
type Storage interface {
	Write(ctx context.Context, path string, data []byte) error
	Read(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string) error
	List(ctx context.Context) ([]string, error)
}

// HashFunc computes the content fingerprint of a byte sequence.
type HashFunc func(data []byte) string

// StoreLocation represents URI for a key-value medium.
type StoreLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
	User   *url.Userinfo
}

// NewStoreLocation creates a new store location from a URI string with validation.
func NewStoreLocation(uri string) (StoreLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StoreLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch parsed.Scheme {
	case "mem", "file", "leveldb", "s3", "vault":
	default:
		return StoreLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	return StoreLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		User:   parsed.User,
	}, nil
}

// String returns the original URI string.
func (loc StoreLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc StoreLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc StoreLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}
