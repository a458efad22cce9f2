package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/content-sync/common"
	"github.com/ruteri/content-sync/interfaces"
	"go.uber.org/atomic"
)

const (
	tempFilePrefix = ".tmp-"

	// maxNameSegment keeps every file name below NAME_MAX (255 on common
	// file systems). Longer encoded keys are split into nested directories.
	maxNameSegment = 200
)

// FileStore implements a key-value medium using the local file system.
// Every path is stored as one file below the base directory.
type FileStore struct {
	baseDir     string
	closed      atomic.Bool
	log         *slog.Logger
	locationURI string
}

// NewFileStore creates a new file store using the specified base directory.
// The directory is created if it doesn't exist.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	baseDir = filepath.Clean(baseDir)
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileStore{
		baseDir:     baseDir,
		log:         common.LoggerOrDefault(log),
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Write stores data atomically through a temporary file and rename.
func (s *FileStore) Write(ctx context.Context, path string, data []byte) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := validatePath(path); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.baseDir, tempFilePrefix+"*")
	if err != nil {
		return fmt.Errorf("%w: failed to create temp file: %v", interfaces.ErrStorageUnavailable, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close file: %w", err)
	}

	filePath := s.getFilePath(path)
	if dir := filepath.Dir(filePath); dir != s.baseDir {
		if err := os.MkdirAll(dir, 0755); err != nil {
			os.Remove(tmpName)
			return fmt.Errorf("failed to create key directory: %w", err)
		}
	}
	if err := os.Rename(tmpName, filePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename file: %w", err)
	}

	s.log.Debug("Stored content in file",
		slog.String("path", path),
		slog.String("file", filePath),
		slog.Int("size", len(data)))

	return nil
}

// Read returns the file content for path. Returns ErrNotFound if the file doesn't exist.
func (s *FileStore) Read(ctx context.Context, path string) ([]byte, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.getFilePath(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, path string) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}

	_, err := os.Stat(s.getFilePath(path))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat file: %w", err)
	}
	return true, nil
}

func (s *FileStore) Delete(ctx context.Context, path string) error {
	if err := s.check(); err != nil {
		return err
	}

	filePath := s.getFilePath(path)
	err := os.Remove(filePath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove file: %w", err)
	}
	s.pruneDirs(filepath.Dir(filePath))
	return nil
}

// pruneDirs removes the empty key directories left above a deleted long key.
func (s *FileStore) pruneDirs(dir string) {
	for dir != s.baseDir && strings.HasPrefix(dir, s.baseDir) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (s *FileStore) List(ctx context.Context) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	var paths []string
	err := filepath.WalkDir(s.baseDir, func(name string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), tempFilePrefix) {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, name)
		if err != nil {
			return err
		}
		path, err := decodeKey(strings.ReplaceAll(rel, string(filepath.Separator), ""))
		if err != nil {
			s.log.Warn("Skipping foreign file in store directory", slog.String("file", rel))
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read directory: %v", interfaces.ErrStorageUnavailable, err)
	}
	return paths, nil
}

// Name returns a unique identifier for this store.
func (s *FileStore) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(s.baseDir))
}

// LocationURI returns the URI that identifies this store.
func (s *FileStore) LocationURI() string {
	return s.locationURI
}

func (s *FileStore) Close() error {
	s.closed.Store(true)
	return nil
}

// check verifies the store is open and its base directory still exists.
func (s *FileStore) check() error {
	if s.closed.Load() {
		return interfaces.ErrStorageUnavailable
	}
	if _, err := os.Stat(s.baseDir); err != nil {
		s.log.Debug("File store unavailable", "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrStorageUnavailable, err)
	}
	return nil
}

// getFilePath places the encoded key below the base directory. Keys longer
// than maxNameSegment become nested directories of maxNameSegment-sized
// names; base64url has no separator, so List joins them back unambiguously.
func (s *FileStore) getFilePath(path string) string {
	key := encodeKey(path)
	segments := []string{s.baseDir}
	for len(key) > maxNameSegment {
		segments = append(segments, key[:maxNameSegment])
		key = key[maxNameSegment:]
	}
	return filepath.Join(append(segments, key)...)
}
