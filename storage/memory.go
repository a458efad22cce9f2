package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ruteri/content-sync/common"
	"github.com/ruteri/content-sync/interfaces"
)

// MemoryStore is a process-local key-value medium. It is durable only for the
// lifetime of the process and is meant for tests and ephemeral caches.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
	name   string
	log    *slog.Logger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(name string, log *slog.Logger) *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
		name: name,
		log:  common.LoggerOrDefault(log),
	}
}

func (s *MemoryStore) Write(ctx context.Context, path string, data []byte) error {
	if err := validatePath(path); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return interfaces.ErrStorageUnavailable
	}

	s.data[path] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Read(ctx context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, interfaces.ErrStorageUnavailable
	}

	data, ok := s.data[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNotFound, path)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Exists(ctx context.Context, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, interfaces.ErrStorageUnavailable
	}

	_, ok := s.data[path]
	return ok, nil
}

func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return interfaces.ErrStorageUnavailable
	}

	delete(s.data, path)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, interfaces.ErrStorageUnavailable
	}

	paths := make([]string, 0, len(s.data))
	for path := range s.data {
		paths = append(paths, path)
	}
	return paths, nil
}

// Name returns a unique identifier for this store.
func (s *MemoryStore) Name() string {
	return fmt.Sprintf("mem-%s", s.name)
}

// LocationURI returns the URI that identifies this store.
func (s *MemoryStore) LocationURI() string {
	return fmt.Sprintf("mem://%s", s.name)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.data = nil
	return nil
}
