package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/ruteri/content-sync/common"
	"github.com/ruteri/content-sync/interfaces"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// LevelDBStore implements a key-value medium on a LevelDB database directory.
type LevelDBStore struct {
	db          *leveldb.DB
	dir         string
	log         *slog.Logger
	locationURI string
}

// NewLevelDBStore opens (or creates) the LevelDB database in dir.
func NewLevelDBStore(dir string, log *slog.Logger) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open leveldb: %v", interfaces.ErrStorageUnavailable, err)
	}

	return &LevelDBStore{
		db:          db,
		dir:         dir,
		log:         common.LoggerOrDefault(log),
		locationURI: fmt.Sprintf("leveldb://%s", dir),
	}, nil
}

func (s *LevelDBStore) Write(ctx context.Context, path string, data []byte) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if err := s.db.Put([]byte(path), data, &opt.WriteOptions{Sync: true}); err != nil {
		return s.mapError(err, path)
	}

	s.log.Debug("Stored content in leveldb",
		slog.String("path", path),
		slog.Int("size", len(data)))
	return nil
}

func (s *LevelDBStore) Read(ctx context.Context, path string) ([]byte, error) {
	data, err := s.db.Get([]byte(path), nil)
	if err != nil {
		return nil, s.mapError(err, path)
	}
	return data, nil
}

func (s *LevelDBStore) Exists(ctx context.Context, path string) (bool, error) {
	ok, err := s.db.Has([]byte(path), nil)
	if err != nil {
		return false, s.mapError(err, path)
	}
	return ok, nil
}

func (s *LevelDBStore) Delete(ctx context.Context, path string) error {
	if err := s.db.Delete([]byte(path), &opt.WriteOptions{Sync: true}); err != nil {
		return s.mapError(err, path)
	}
	return nil
}

func (s *LevelDBStore) List(ctx context.Context) ([]string, error) {
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()

	var paths []string
	for iter.Next() {
		paths = append(paths, string(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		return nil, s.mapError(err, "")
	}
	return paths, nil
}

// Name returns a unique identifier for this store.
func (s *LevelDBStore) Name() string {
	return fmt.Sprintf("leveldb-%s", filepath.Base(s.dir))
}

// LocationURI returns the URI that identifies this store.
func (s *LevelDBStore) LocationURI() string {
	return s.locationURI
}

func (s *LevelDBStore) Close() error {
	err := s.db.Close()
	if errors.Is(err, leveldb.ErrClosed) {
		return nil
	}
	return err
}

func (s *LevelDBStore) mapError(err error, path string) error {
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return fmt.Errorf("%w: %s", interfaces.ErrNotFound, path)
	case errors.Is(err, leveldb.ErrClosed):
		return interfaces.ErrStorageUnavailable
	default:
		return fmt.Errorf("leveldb %s: %w", s.dir, err)
	}
}
