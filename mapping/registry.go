package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	events "github.com/docker/go-events"
	"github.com/ruteri/content-sync/common"
	"github.com/ruteri/content-sync/interfaces"
	"github.com/ruteri/content-sync/stream"
)

// DefaultSnapshotKey is the store key holding the persisted snapshot.
const DefaultSnapshotKey = "_content-sync/address-mappings.json"

// ErrInvalidMapping is returned when a mapping lacks a content identifier or path.
var ErrInvalidMapping = errors.New("invalid address mapping")

// MappingUpdate is a partial update. Nil fields are left unchanged.
type MappingUpdate struct {
	ContentID   *string
	ContentHash *string
	Size        *int64
	MimeType    *string
	Pinned      *bool
}

// Registry is the durable index of path, content identifier and content hash.
//
// Mappings keyed by path are the single source of truth. The content
// identifier and content hash indices are derived from them and map to sets
// of paths: identical bytes written under two paths share one identifier.
// Every mutation updates the indices, persists the snapshot to the backing
// store and rolls back when persisting fails, all under one lock.
type Registry struct {
	mu    sync.RWMutex
	store interfaces.KVStore
	key   string
	log   *slog.Logger

	byPath map[string]interfaces.AddressMapping
	byID   map[string]map[string]struct{}
	byHash map[string]map[string]struct{}

	stats *stream.Hub
}

// Option configures a Registry.
type Option func(*Registry)

// WithSnapshotKey overrides the store key of the persisted snapshot.
func WithSnapshotKey(key string) Option {
	return func(r *Registry) { r.key = key }
}

// NewRegistry loads the registry persisted in store, or starts empty when
// nothing has been persisted yet.
func NewRegistry(ctx context.Context, store interfaces.KVStore, log *slog.Logger, opts ...Option) (*Registry, error) {
	r := &Registry{
		store:  store,
		key:    DefaultSnapshotKey,
		log:    common.LoggerOrDefault(log),
		byPath: make(map[string]interfaces.AddressMapping),
		byID:   make(map[string]map[string]struct{}),
		byHash: make(map[string]map[string]struct{}),
		stats:  stream.NewHub(true),
	}
	for _, opt := range opts {
		opt(r)
	}

	data, err := store.Read(ctx, r.key)
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to load address mappings: %w", err)
	default:
		snapshot, err := decodeSnapshot(data)
		if err != nil {
			return nil, fmt.Errorf("failed to load address mappings: %w", err)
		}
		for _, m := range snapshot {
			r.insert(m)
		}
		r.log.Info("Loaded address mappings",
			slog.Int("count", len(r.byPath)),
			slog.String("store", store.Name()))
	}

	r.stats.Publish(r.computeStats())
	return r, nil
}

// SnapshotKey returns the store key the registry persists to.
func (r *Registry) SnapshotKey() string {
	return r.key
}

// AddMapping records m, replacing any mapping of m.Path.
func (r *Registry) AddMapping(ctx context.Context, m interfaces.AddressMapping) error {
	if err := validate(m); err != nil {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	return r.mutate(ctx, func(tx *txn) error {
		tx.put(m)
		return nil
	})
}

// UpdateMapping applies a partial update to the mapping of path.
func (r *Registry) UpdateMapping(ctx context.Context, path string, update MappingUpdate) (interfaces.AddressMapping, error) {
	var updated interfaces.AddressMapping
	err := r.mutate(ctx, func(tx *txn) error {
		m, ok := r.byPath[path]
		if !ok {
			return fmt.Errorf("%w: mapping for %s", interfaces.ErrNotFound, path)
		}
		m = update.apply(m)
		if err := validate(m); err != nil {
			return err
		}
		tx.put(m)
		updated = m
		return nil
	})
	return updated, err
}

// UpdateByContentID applies a partial update to every mapping of contentID
// and returns the updated mappings.
func (r *Registry) UpdateByContentID(ctx context.Context, contentID string, update MappingUpdate) ([]interfaces.AddressMapping, error) {
	var updated []interfaces.AddressMapping
	err := r.mutate(ctx, func(tx *txn) error {
		paths := r.byID[contentID]
		if len(paths) == 0 {
			return fmt.Errorf("%w: mapping for %s", interfaces.ErrNotFound, contentID)
		}
		for _, p := range sortedKeys(paths) {
			m := update.apply(r.byPath[p])
			if err := validate(m); err != nil {
				return err
			}
			tx.put(m)
			updated = append(updated, m)
		}
		return nil
	})
	return updated, err
}

// RemoveMapping drops every mapping of contentID and returns how many were
// removed. Content on the network is not touched.
func (r *Registry) RemoveMapping(ctx context.Context, contentID string) (int, error) {
	removed := 0
	err := r.mutate(ctx, func(tx *txn) error {
		for _, p := range sortedKeys(r.byID[contentID]) {
			if tx.remove(p) {
				removed++
			}
		}
		if removed == 0 {
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return 0, nil
	}
	return removed, err
}

// RemoveByPath drops the mapping of path. Returns false when none existed.
func (r *Registry) RemoveByPath(ctx context.Context, path string) (bool, error) {
	err := r.mutate(ctx, func(tx *txn) error {
		if !tx.remove(path) {
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return false, nil
	}
	return err == nil, err
}

// ClearMappings removes every mapping.
func (r *Registry) ClearMappings(ctx context.Context) error {
	return r.mutate(ctx, func(tx *txn) error {
		for p := range r.byPath {
			tx.remove(p)
		}
		return nil
	})
}

// GetByContentID returns the most recently created mapping of contentID.
func (r *Registry) GetByContentID(contentID string) (interfaces.AddressMapping, bool) {
	all := r.GetAllByContentID(contentID)
	if len(all) == 0 {
		return interfaces.AddressMapping{}, false
	}
	return all[len(all)-1], true
}

// GetAllByContentID returns every mapping of contentID ordered by creation time.
func (r *Registry) GetAllByContentID(contentID string) []interfaces.AddressMapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byID[contentID])
}

// GetByPath returns the mapping of path.
func (r *Registry) GetByPath(path string) (interfaces.AddressMapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byPath[path]
	return m, ok
}

// GetByContentHash returns all mappings sharing contentHash.
func (r *Registry) GetByContentHash(contentHash string) []interfaces.AddressMapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byHash[contentHash])
}

// SearchMappings returns mappings whose content identifier, path, content
// hash or MIME type contains query, ignoring case. An empty query matches all.
func (r *Registry) SearchMappings(query string) []interfaces.AddressMapping {
	q := strings.ToLower(query)
	return r.filter(func(m interfaces.AddressMapping) bool {
		return strings.Contains(strings.ToLower(m.ContentID), q) ||
			strings.Contains(strings.ToLower(m.Path), q) ||
			strings.Contains(strings.ToLower(m.ContentHash), q) ||
			strings.Contains(strings.ToLower(m.MimeType), q)
	})
}

// GetMappingsInRange returns mappings created within [start, end].
func (r *Registry) GetMappingsInRange(start, end time.Time) []interfaces.AddressMapping {
	return r.filter(func(m interfaces.AddressMapping) bool {
		return !m.CreatedAt.Before(start) && !m.CreatedAt.After(end)
	})
}

// GetPinnedMappings returns the pinned mappings.
func (r *Registry) GetPinnedMappings() []interfaces.AddressMapping {
	return r.filter(func(m interfaces.AddressMapping) bool { return m.Pinned })
}

// All returns every mapping ordered by creation time.
func (r *Registry) All() []interfaces.AddressMapping {
	return r.filter(func(interfaces.AddressMapping) bool { return true })
}

// Paths returns every mapped path.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	paths := make([]string, 0, len(r.byPath))
	for p := range r.byPath {
		paths = append(paths, p)
	}
	return paths
}

// Len returns the number of mappings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPath)
}

// ExportAll returns a snapshot of every mapping.
func (r *Registry) ExportAll() interfaces.MappingSnapshot {
	return interfaces.MappingSnapshot{
		Version:  interfaces.MappingSnapshotVersion,
		Mappings: r.All(),
	}
}

// ExportJSON returns the snapshot envelope as JSON.
func (r *Registry) ExportJSON() ([]byte, error) {
	return json.Marshal(r.ExportAll())
}

// ImportAll merges the mappings of snapshot into the registry and returns
// how many were imported. Records without a content identifier or path are
// skipped.
func (r *Registry) ImportAll(ctx context.Context, snapshot interfaces.MappingSnapshot) (int, error) {
	imported := 0
	err := r.mutate(ctx, func(tx *txn) error {
		for _, m := range snapshot.Mappings {
			if validate(m) != nil {
				continue
			}
			tx.put(m)
			imported++
		}
		if imported == 0 {
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	r.log.Info("Imported address mappings",
		slog.Int("imported", imported),
		slog.Int("skipped", len(snapshot.Mappings)-imported))
	return imported, nil
}

// ImportJSON parses a snapshot envelope and imports it. An envelope that
// cannot be parsed fails with ErrInvalidImportFormat; malformed records
// inside a valid envelope are skipped.
func (r *Registry) ImportJSON(ctx context.Context, data []byte) (int, error) {
	mappings, err := decodeSnapshot(data)
	if err != nil {
		return 0, err
	}
	return r.ImportAll(ctx, interfaces.MappingSnapshot{Version: interfaces.MappingSnapshotVersion, Mappings: mappings})
}

// Stats returns the current aggregate statistics.
func (r *Registry) Stats() interfaces.MappingStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.computeStats()
}

// SubscribeStats returns a stream of interfaces.MappingStats values. The
// current value is delivered first, then one value after every mutation.
func (r *Registry) SubscribeStats(buffer int) *events.Channel {
	return r.stats.Subscribe(buffer)
}

// UnsubscribeStats releases a stream returned by SubscribeStats.
func (r *Registry) UnsubscribeStats(ch *events.Channel) {
	r.stats.Unsubscribe(ch)
}

// Close releases the stats stream. The backing store is owned by the caller.
func (r *Registry) Close() {
	r.stats.Close()
}

// CheckConsistency verifies that the derived indices match the mappings.
func (r *Registry) CheckConsistency() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for path, m := range r.byPath {
		if path != m.Path {
			return fmt.Errorf("mapping stored under %s has path %s", path, m.Path)
		}
		if _, ok := r.byID[m.ContentID][path]; !ok {
			return fmt.Errorf("content id index for %s is missing %s", m.ContentID, path)
		}
		if _, ok := r.byHash[m.ContentHash][path]; !ok {
			return fmt.Errorf("hash index for %s is missing %s", m.ContentHash, path)
		}
	}

	check := func(name string, index map[string]map[string]struct{}, key func(interfaces.AddressMapping) string) error {
		entries := 0
		for k, paths := range index {
			if len(paths) == 0 {
				return fmt.Errorf("%s index for %s is empty", name, k)
			}
			for p := range paths {
				m, ok := r.byPath[p]
				if !ok || key(m) != k {
					return fmt.Errorf("%s index for %s holds stale %s", name, k, p)
				}
			}
			entries += len(paths)
		}
		if entries != len(r.byPath) {
			return fmt.Errorf("%s index has %d entries, want %d", name, entries, len(r.byPath))
		}
		return nil
	}
	if err := check("content id", r.byID, func(m interfaces.AddressMapping) string { return m.ContentID }); err != nil {
		return err
	}
	return check("hash", r.byHash, func(m interfaces.AddressMapping) string { return m.ContentHash })
}

// errNoChange aborts a mutation that has nothing to persist.
var errNoChange = errors.New("no change")

// txn records undo steps for a mutation in progress.
type txn struct {
	r    *Registry
	undo []func()
}

// put inserts m, replacing any mapping of its path.
func (tx *txn) put(m interfaces.AddressMapping) {
	tx.remove(m.Path)
	tx.r.insert(m)
	tx.undo = append(tx.undo, func() { tx.r.remove(m.Path) })
}

func (tx *txn) remove(path string) bool {
	old, ok := tx.r.remove(path)
	if ok {
		tx.undo = append(tx.undo, func() { tx.r.insert(old) })
	}
	return ok
}

func (tx *txn) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
}

// mutate runs fn and persists the result, rolling back on any error.
func (r *Registry) mutate(ctx context.Context, fn func(tx *txn) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &txn{r: r}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}

	if err := r.persistLocked(ctx); err != nil {
		tx.rollback()
		r.log.Error("Failed to persist address mappings, rolled back",
			slog.String("store", r.store.Name()),
			"err", err)
		return fmt.Errorf("failed to persist address mappings: %w", err)
	}

	r.stats.Publish(r.computeStats())
	return nil
}

func (r *Registry) persistLocked(ctx context.Context) error {
	snapshot := interfaces.MappingSnapshot{
		Version:  interfaces.MappingSnapshotVersion,
		Mappings: make([]interfaces.AddressMapping, 0, len(r.byPath)),
	}
	for _, m := range r.byPath {
		snapshot.Mappings = append(snapshot.Mappings, m)
	}
	sortMappings(snapshot.Mappings)

	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return r.store.Write(ctx, r.key, data)
}

func (r *Registry) insert(m interfaces.AddressMapping) {
	r.byPath[m.Path] = m
	addToIndex(r.byID, m.ContentID, m.Path)
	addToIndex(r.byHash, m.ContentHash, m.Path)
}

func (r *Registry) remove(path string) (interfaces.AddressMapping, bool) {
	m, ok := r.byPath[path]
	if !ok {
		return interfaces.AddressMapping{}, false
	}
	delete(r.byPath, path)
	removeFromIndex(r.byID, m.ContentID, path)
	removeFromIndex(r.byHash, m.ContentHash, path)
	return m, true
}

func addToIndex(index map[string]map[string]struct{}, key, path string) {
	paths, ok := index[key]
	if !ok {
		paths = make(map[string]struct{})
		index[key] = paths
	}
	paths[path] = struct{}{}
}

func removeFromIndex(index map[string]map[string]struct{}, key, path string) {
	if paths, ok := index[key]; ok {
		delete(paths, path)
		if len(paths) == 0 {
			delete(index, key)
		}
	}
}

func (r *Registry) collect(paths map[string]struct{}) []interfaces.AddressMapping {
	out := make([]interfaces.AddressMapping, 0, len(paths))
	for p := range paths {
		out = append(out, r.byPath[p])
	}
	sortMappings(out)
	return out
}

func (r *Registry) filter(keep func(interfaces.AddressMapping) bool) []interfaces.AddressMapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]interfaces.AddressMapping, 0)
	for _, m := range r.byPath {
		if keep(m) {
			out = append(out, m)
		}
	}
	sortMappings(out)
	return out
}

func (r *Registry) computeStats() interfaces.MappingStats {
	var stats interfaces.MappingStats
	for _, m := range r.byPath {
		stats.Count++
		stats.TotalBytes += m.Size
		if m.Pinned {
			stats.PinnedCount++
		}
		if stats.Oldest.IsZero() || m.CreatedAt.Before(stats.Oldest) {
			stats.Oldest = m.CreatedAt
		}
		if m.CreatedAt.After(stats.Newest) {
			stats.Newest = m.CreatedAt
		}
	}
	return stats
}

func validate(m interfaces.AddressMapping) error {
	if m.ContentID == "" || m.Path == "" {
		return fmt.Errorf("%w: content id and path are required", ErrInvalidMapping)
	}
	return nil
}

func sortMappings(ms []interfaces.AddressMapping) {
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].CreatedAt.Before(ms[j].CreatedAt)
		}
		return ms[i].Path < ms[j].Path
	})
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (u MappingUpdate) apply(m interfaces.AddressMapping) interfaces.AddressMapping {
	if u.ContentID != nil {
		m.ContentID = *u.ContentID
	}
	if u.ContentHash != nil {
		m.ContentHash = *u.ContentHash
	}
	if u.Size != nil {
		m.Size = *u.Size
	}
	if u.MimeType != nil {
		m.MimeType = *u.MimeType
	}
	if u.Pinned != nil {
		m.Pinned = *u.Pinned
	}
	return m
}

// decodeSnapshot parses the {version, mappings} envelope, dropping records
// that do not decode.
func decodeSnapshot(data []byte) ([]interfaces.AddressMapping, error) {
	var envelope struct {
		Version  int               `json:"version"`
		Mappings []json.RawMessage `json:"mappings"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidImportFormat, err)
	}
	if envelope.Mappings == nil {
		return nil, fmt.Errorf("%w: missing mappings", interfaces.ErrInvalidImportFormat)
	}

	mappings := make([]interfaces.AddressMapping, 0, len(envelope.Mappings))
	for _, raw := range envelope.Mappings {
		var m interfaces.AddressMapping
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		if validate(m) != nil {
			continue
		}
		mappings = append(mappings, m)
	}
	return mappings, nil
}
