package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ruteri/content-sync/common"
	"github.com/ruteri/content-sync/interfaces"
	"github.com/ruteri/content-sync/mapping"
	"github.com/ruteri/content-sync/metrics"
	"github.com/ruteri/content-sync/syncqueue"
)

// DefaultHealthTimeout bounds IsHealthy.
const DefaultHealthTimeout = 3 * time.Second

var (
	// ErrReservedPath is returned for paths the provider uses internally.
	ErrReservedPath = errors.New("path is reserved")

	errEmptyPath = errors.New("empty path")
)

// Options configures a StorageProvider.
type Options struct {
	// Hash fingerprints content for the mapping registry. Defaults to SHA-256.
	Hash interfaces.HashFunc
	// IndexStore persists the address mappings. Defaults to the cache store.
	IndexStore interfaces.KVStore
	// Queue configures background replication. OnUploaded is set by the provider.
	Queue syncqueue.Options
	// HealthTimeout bounds IsHealthy. Defaults to DefaultHealthTimeout.
	HealthTimeout time.Duration
	// PinOnUpload pins content once it is replicated.
	PinOnUpload bool
	// Metrics receives queue, upload and mapping observations.
	Metrics *metrics.Collectors
}

// DefaultOptions returns SHA-256 fingerprints and the default queue.
func DefaultOptions() Options {
	return Options{
		Hash:          common.SHA256Hash,
		Queue:         syncqueue.DefaultOptions(),
		HealthTimeout: DefaultHealthTimeout,
	}
}

// StorageProvider implements interfaces.Storage by writing through a local
// key-value cache and replicating to a content network in the background.
// It owns its cache store, mapping registry and sync queue.
type StorageProvider struct {
	name     string
	store    interfaces.KVStore
	network  interfaces.ContentNetwork
	registry *mapping.Registry
	queue    *syncqueue.Queue
	opts     Options
	log      *slog.Logger

	// writeMu orders local writes with their queue entries.
	writeMu sync.Mutex
	// latest maps a path to the queue item carrying its newest content.
	latest map[string]string
}

// NewStorageProvider creates a provider named name over store and network.
func NewStorageProvider(ctx context.Context, name string, store interfaces.KVStore, network interfaces.ContentNetwork, opts Options, log *slog.Logger) (*StorageProvider, error) {
	log = common.LoggerOrDefault(log).With("provider", name)
	if opts.Hash == nil {
		opts.Hash = common.SHA256Hash
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = DefaultHealthTimeout
	}
	if opts.IndexStore == nil {
		opts.IndexStore = store
	}

	registry, err := mapping.NewRegistry(ctx, opts.IndexStore, log)
	if err != nil {
		return nil, err
	}

	p := &StorageProvider{
		name:     name,
		store:    store,
		network:  network,
		registry: registry,
		opts:     opts,
		log:      log,
		latest:   make(map[string]string),
	}

	queueOpts := opts.Queue
	queueOpts.OnUploaded = p.onUploaded
	queueOpts.Metrics = opts.Metrics
	p.queue = syncqueue.NewQueue(network, queueOpts, log)
	opts.Metrics.ObserveMappingStats(registry.Stats())

	return p, nil
}

// Name returns the provider name.
func (p *StorageProvider) Name() string {
	return p.name
}

// Queue returns the provider's sync queue.
func (p *StorageProvider) Queue() *syncqueue.Queue {
	return p.queue
}

// Registry returns the provider's mapping registry.
func (p *StorageProvider) Registry() *mapping.Registry {
	return p.registry
}

// Network returns the content network the provider replicates to.
func (p *StorageProvider) Network() interfaces.ContentNetwork {
	return p.network
}

// Write stores data locally and enqueues it for replication. It returns as
// soon as the local store has the data; replication failures only show up in
// the queue.
func (p *StorageProvider) Write(ctx context.Context, path string, data []byte) error {
	if err := p.checkPath(path); err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if err := p.store.Write(ctx, path, data); err != nil {
		return err
	}

	if p.network.Mode() != interfaces.APIMode {
		p.log.Debug("Read-only network, not replicating", slog.String("path", path))
		delete(p.latest, path)
		return nil
	}

	id, err := p.queue.Enqueue(path, data)
	if err != nil {
		return err
	}
	p.latest[path] = id
	return nil
}

// Read returns the local copy of path, or fetches it from the content
// network through the registry and caches it locally.
func (p *StorageProvider) Read(ctx context.Context, path string) ([]byte, error) {
	if err := p.checkPath(path); err != nil {
		return nil, err
	}

	data, err := p.store.Read(ctx, path)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, interfaces.ErrNotFound) {
		return nil, err
	}

	m, ok := p.registry.GetByPath(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNotFound, path)
	}

	data, err = p.network.Get(ctx, m.ContentID)
	if err != nil {
		return nil, err
	}

	if err := p.store.Write(ctx, path, data); err != nil {
		p.log.Warn("Failed to cache fetched content",
			slog.String("path", path),
			slog.String("cid", m.ContentID),
			"err", err)
	} else {
		p.log.Debug("Cached content fetched from network",
			slog.String("path", path),
			slog.String("cid", m.ContentID))
	}
	return data, nil
}

// Exists reports whether path is cached locally or mapped.
func (p *StorageProvider) Exists(ctx context.Context, path string) (bool, error) {
	if err := p.checkPath(path); err != nil {
		return false, err
	}

	ok, err := p.store.Exists(ctx, path)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	_, mapped := p.registry.GetByPath(path)
	return mapped, nil
}

// Delete removes the local copy and the mapping of path. Content on the
// network is kept since other replicas may reference it.
func (p *StorageProvider) Delete(ctx context.Context, path string) error {
	if err := p.checkPath(path); err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if err := p.store.Delete(ctx, path); err != nil {
		return err
	}
	delete(p.latest, path)
	if _, err := p.registry.RemoveByPath(ctx, path); err != nil {
		return err
	}
	p.opts.Metrics.ObserveMappingStats(p.registry.Stats())
	return nil
}

// List returns the union of cached and mapped paths.
func (p *StorageProvider) List(ctx context.Context) ([]string, error) {
	local, err := p.store.List(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(local))
	for _, path := range local {
		if p.isReserved(path) {
			continue
		}
		seen[path] = struct{}{}
	}
	for _, path := range p.registry.Paths() {
		seen[path] = struct{}{}
	}

	paths := make([]string, 0, len(seen))
	for path := range seen {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths, nil
}

// IsHealthy checks the content network within the health timeout. Any
// failure is reported as unhealthy.
func (p *StorageProvider) IsHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.opts.HealthTimeout)
	defer cancel()

	healthy, err := p.network.HealthCheck(ctx)
	if err != nil {
		p.log.Debug("Content network health check failed", "err", err)
		healthy = false
	}
	p.opts.Metrics.ObserveNetworkHealth(healthy)
	return healthy
}

// Pin pins the content mapped to path and marks every mapping of that
// content as pinned.
func (p *StorageProvider) Pin(ctx context.Context, path string) (interfaces.AddressMapping, error) {
	return p.setPinned(ctx, path, true)
}

// Unpin releases the pin of the content mapped to path.
func (p *StorageProvider) Unpin(ctx context.Context, path string) (interfaces.AddressMapping, error) {
	return p.setPinned(ctx, path, false)
}

func (p *StorageProvider) setPinned(ctx context.Context, path string, pinned bool) (interfaces.AddressMapping, error) {
	m, ok := p.registry.GetByPath(path)
	if !ok {
		return interfaces.AddressMapping{}, fmt.Errorf("%w: no mapping for %s", interfaces.ErrNotFound, path)
	}

	var err error
	if pinned {
		_, err = p.network.Pin(ctx, m.ContentID)
	} else {
		_, err = p.network.Unpin(ctx, m.ContentID)
	}
	if err != nil {
		return interfaces.AddressMapping{}, err
	}

	if _, err := p.registry.UpdateByContentID(ctx, m.ContentID, mapping.MappingUpdate{Pinned: &pinned}); err != nil {
		return interfaces.AddressMapping{}, err
	}
	p.opts.Metrics.ObserveMappingStats(p.registry.Stats())

	m.Pinned = pinned
	return m, nil
}

// Close stops replication and releases the cache store. Uploads still in
// flight are cancelled and end up failed.
func (p *StorageProvider) Close() error {
	p.queue.Close()
	p.registry.Close()

	err := p.store.Close()
	if p.opts.IndexStore != p.store {
		err = errors.Join(err, p.opts.IndexStore.Close())
	}
	return err
}

// onUploaded records the mapping of a replicated item, unless the path was
// rewritten or deleted after the item was enqueued. The item stays current
// until its mapping is recorded, so a retried item is mapped as well.
func (p *StorageProvider) onUploaded(ctx context.Context, item interfaces.QueueItem) error {
	if !p.isLatest(item) {
		p.skipSuperseded(item)
		return nil
	}

	m := interfaces.AddressMapping{
		ContentID:   item.ContentID,
		Path:        item.Path,
		ContentHash: p.opts.Hash(item.Payload),
		Size:        int64(len(item.Payload)),
		MimeType:    mimetype.Detect(item.Payload).String(),
		CreatedAt:   time.Now().UTC(),
	}

	if p.opts.PinOnUpload {
		if _, err := p.network.Pin(ctx, item.ContentID); err != nil {
			p.log.Warn("Failed to pin uploaded content",
				slog.String("path", item.Path),
				slog.String("cid", item.ContentID),
				"err", err)
		} else {
			m.Pinned = true
		}
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	// Re-checked under the lock: Write and Delete hold it too.
	if p.latest[item.Path] != item.ID {
		p.skipSuperseded(item)
		return nil
	}
	if err := p.registry.AddMapping(ctx, m); err != nil {
		return err
	}
	delete(p.latest, item.Path)
	p.opts.Metrics.ObserveMappingStats(p.registry.Stats())
	return nil
}

func (p *StorageProvider) isLatest(item interfaces.QueueItem) bool {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.latest[item.Path] == item.ID
}

func (p *StorageProvider) skipSuperseded(item interfaces.QueueItem) {
	p.log.Debug("Skipping mapping of superseded upload",
		slog.String("path", item.Path),
		slog.String("cid", item.ContentID))
}

func (p *StorageProvider) checkPath(path string) error {
	if path == "" {
		return errEmptyPath
	}
	if p.isReserved(path) {
		return fmt.Errorf("%w: %s", ErrReservedPath, path)
	}
	return nil
}

func (p *StorageProvider) isReserved(path string) bool {
	return p.opts.IndexStore == p.store && path == p.registry.SnapshotKey()
}
