package migration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/go-events"
	"github.com/google/uuid"
	"github.com/ruteri/content-sync/common"
	"github.com/ruteri/content-sync/interfaces"
	"github.com/ruteri/content-sync/metrics"
	"github.com/ruteri/content-sync/stream"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBatchSize is the number of items copied concurrently.
	DefaultBatchSize = 10

	// NominalThroughput is the transfer rate in bytes per second assumed by
	// EstimateMigrationSize.
	NominalThroughput = 1 << 20

	estimateSampleSize = 10
)

// Options configures a single Migrate call.
type Options struct {
	BatchSize            int                    `json:"batchSize"`
	DeleteAfterMigration bool                   `json:"deleteAfterMigration"`
	SkipExisting         bool                   `json:"skipExisting"`
	Filter               func(path string) bool `json:"-"`
}

// DefaultOptions returns batches of ten, skipping paths the target already has.
func DefaultOptions() Options {
	return Options{
		BatchSize:    DefaultBatchSize,
		SkipExisting: true,
	}
}

// Lease identifies the run currently holding the engine.
type Lease struct {
	Token     string    `json:"token"`
	StartedAt time.Time `json:"startedAt"`
}

// Estimate is the extrapolated size of a migration.
type Estimate struct {
	ItemCount         int           `json:"itemCount"`
	SampledItems      int           `json:"sampledItems"`
	EstimatedBytes    int64         `json:"estimatedBytes"`
	EstimatedDuration time.Duration `json:"estimatedDuration"`
}

// active holds the lease of the migration running in this process. Engines
// take it in acquire, so at most one migration runs process-wide no matter
// how many engines exist. Lock order: Engine.mu, then active.mu.
var active struct {
	mu    sync.Mutex
	lease *Lease
}

// Engine copies content between two storages in batches. At most one
// migration runs at a time in the process; the running migration holds a
// lease and every progress update is checked against it.
type Engine struct {
	log     *slog.Logger
	metrics *metrics.Collectors

	mu       sync.Mutex
	lease    *Lease
	progress interfaces.MigrationProgress

	cancelRequested atomic.Bool
	hub             *stream.Hub
}

// NewEngine creates an idle engine. metrics may be nil.
func NewEngine(log *slog.Logger, m *metrics.Collectors) *Engine {
	e := &Engine{
		log:      common.LoggerOrDefault(log),
		metrics:  m,
		progress: idleProgress(),
		hub:      stream.NewHub(true),
	}
	e.publishLocked()
	return e
}

// Migrate copies every path of source, optionally filtered, into target. It
// blocks until the run completes or is cancelled and returns the final
// progress. Per-item failures are recorded in the progress and do not abort
// the run.
func (e *Engine) Migrate(ctx context.Context, source, target interfaces.Storage, opts Options) (interfaces.MigrationProgress, error) {
	lease, err := e.begin(source, target, &opts)
	if err != nil {
		return interfaces.MigrationProgress{}, err
	}
	return e.run(ctx, lease, source, target, opts)
}

// Start acquires the lease and runs the migration in the background. The
// returned lease identifies the run; progress is observed through Progress
// or SubscribeProgress.
func (e *Engine) Start(ctx context.Context, source, target interfaces.Storage, opts Options) (Lease, error) {
	lease, err := e.begin(source, target, &opts)
	if err != nil {
		return Lease{}, err
	}
	go func() {
		_, _ = e.run(ctx, lease, source, target, opts)
	}()
	return *lease, nil
}

func (e *Engine) begin(source, target interfaces.Storage, opts *Options) (*Lease, error) {
	if source == target {
		return nil, interfaces.ErrSameProvider
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return e.acquire()
}

func (e *Engine) run(ctx context.Context, lease *Lease, source, target interfaces.Storage, opts Options) (interfaces.MigrationProgress, error) {
	defer e.release(lease)

	log := e.log.With(slog.String("lease", lease.Token))
	log.Info("Migration started",
		slog.Int("batchSize", opts.BatchSize),
		slog.Bool("skipExisting", opts.SkipExisting),
		slog.Bool("deleteAfterMigration", opts.DeleteAfterMigration))

	all, err := source.List(ctx)
	if err != nil {
		log.Error("Failed to list migration source", "err", err)
		e.update(lease, func(p *interfaces.MigrationProgress) {
			p.Status = interfaces.MigrationFailed
			p.Errors = append(p.Errors, interfaces.MigrationError{Error: err.Error()})
		})
		return e.Progress(), fmt.Errorf("listing source: %w", err)
	}

	paths := make([]string, 0, len(all))
	for _, path := range all {
		if opts.Filter == nil || opts.Filter(path) {
			paths = append(paths, path)
		}
	}

	e.update(lease, func(p *interfaces.MigrationProgress) {
		p.Status = interfaces.MigrationMigrating
		p.TotalItems = len(paths)
	})

	var runErr error
	for start := 0; start < len(paths); start += opts.BatchSize {
		if e.cancelRequested.Load() {
			log.Info("Migration cancelled", slog.Int("remaining", len(paths)-start))
			break
		}
		if err := ctx.Err(); err != nil {
			log.Info("Migration context done", slog.Int("remaining", len(paths)-start), "err", err)
			runErr = err
			break
		}

		end := min(start+opts.BatchSize, len(paths))
		g, gctx := errgroup.WithContext(ctx)
		for _, path := range paths[start:end] {
			path := path
			g.Go(func() error {
				err := migrateItem(gctx, source, target, path, opts)
				if err != nil {
					log.Warn("Failed to migrate item", slog.String("path", path), "err", err)
				}
				e.record(lease, path, err)
				return nil
			})
		}
		_ = g.Wait()
	}

	e.update(lease, func(p *interfaces.MigrationProgress) {
		if p.FailedItems == 0 {
			p.Status = interfaces.MigrationCompleted
		} else {
			p.Status = interfaces.MigrationFailed
		}
	})

	final := e.Progress()
	log.Info("Migration finished",
		slog.String("status", string(final.Status)),
		slog.Int("total", final.TotalItems),
		slog.Int("processed", final.ProcessedItems),
		slog.Int("failed", final.FailedItems),
		slog.Duration("duration", time.Since(lease.StartedAt)))
	return final, runErr
}

func migrateItem(ctx context.Context, source, target interfaces.Storage, path string, opts Options) error {
	if opts.SkipExisting {
		exists, err := target.Exists(ctx, path)
		if err != nil {
			return fmt.Errorf("checking target: %w", err)
		}
		if exists {
			return nil
		}
	}

	data, err := source.Read(ctx, path)
	if err != nil {
		return fmt.Errorf("reading source: %w", err)
	}
	if err := target.Write(ctx, path, data); err != nil {
		return fmt.Errorf("writing target: %w", err)
	}
	if opts.DeleteAfterMigration {
		if err := source.Delete(ctx, path); err != nil {
			return fmt.Errorf("deleting source: %w", err)
		}
	}
	return nil
}

// CancelMigration asks the running migration to stop before its next batch.
// The batch in flight always finishes. Returns false when nothing is running.
func (e *Engine) CancelMigration() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lease == nil {
		return false
	}
	e.cancelRequested.Store(true)
	return true
}

// Reset clears the progress of a finished run back to idle. It does nothing
// and returns false while a migration holds the lease.
func (e *Engine) Reset() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lease != nil {
		return false
	}
	e.progress = idleProgress()
	e.publishLocked()
	return true
}

// Progress returns a copy of the current progress.
func (e *Engine) Progress() interfaces.MigrationProgress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyProgress(e.progress)
}

// IsRunning reports whether a migration holds the lease.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lease != nil
}

// Lease returns the lease of the running migration.
func (e *Engine) Lease() (Lease, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lease == nil {
		return Lease{}, false
	}
	return *e.lease, true
}

// SubscribeProgress streams interfaces.MigrationProgress after every change.
// The current progress is delivered first.
func (e *Engine) SubscribeProgress(buffer int) *events.Channel {
	return e.hub.Subscribe(buffer)
}

// Unsubscribe stops a progress subscription.
func (e *Engine) Unsubscribe(ch *events.Channel) {
	e.hub.Unsubscribe(ch)
}

// Close ends all progress subscriptions.
func (e *Engine) Close() {
	e.hub.Close()
}

// EstimateMigrationSize extrapolates the size of migrating source from the
// average length of its first items. Items that fail to read are left out of
// the sample.
func (e *Engine) EstimateMigrationSize(ctx context.Context, source interfaces.Storage) (Estimate, error) {
	paths, err := source.List(ctx)
	if err != nil {
		return Estimate{}, fmt.Errorf("listing source: %w", err)
	}

	est := Estimate{ItemCount: len(paths)}
	var sampledBytes int64
	for _, path := range paths[:min(estimateSampleSize, len(paths))] {
		data, err := source.Read(ctx, path)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Estimate{}, ctxErr
			}
			e.log.Debug("Skipping unreadable estimate sample", slog.String("path", path), "err", err)
			continue
		}
		est.SampledItems++
		sampledBytes += int64(len(data))
	}

	if est.SampledItems > 0 {
		est.EstimatedBytes = sampledBytes * int64(est.ItemCount) / int64(est.SampledItems)
		est.EstimatedDuration = time.Duration(float64(est.EstimatedBytes) / NominalThroughput * float64(time.Second))
	}
	return est, nil
}

func (e *Engine) acquire() (*Lease, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lease != nil {
		return nil, fmt.Errorf("%w: held since %s", interfaces.ErrMigrationInProgress, e.lease.StartedAt.Format(time.RFC3339))
	}

	lease := &Lease{Token: uuid.NewString(), StartedAt: time.Now().UTC()}
	active.mu.Lock()
	if held := active.lease; held != nil {
		active.mu.Unlock()
		return nil, fmt.Errorf("%w: held by another engine since %s", interfaces.ErrMigrationInProgress, held.StartedAt.Format(time.RFC3339))
	}
	active.lease = lease
	active.mu.Unlock()

	e.lease = lease
	e.cancelRequested.Store(false)
	e.progress = idleProgress()
	e.progress.Status = interfaces.MigrationPreparing
	e.publishLocked()
	return e.lease, nil
}

func (e *Engine) release(lease *Lease) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lease != lease {
		return
	}
	e.lease = nil
	active.mu.Lock()
	if active.lease == lease {
		active.lease = nil
	}
	active.mu.Unlock()
	e.cancelRequested.Store(false)
	e.publishLocked()
}

// update applies fn to the progress if lease still holds the engine.
func (e *Engine) update(lease *Lease, fn func(p *interfaces.MigrationProgress)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lease == nil || e.lease.Token != lease.Token {
		e.log.Warn("Dropping progress update from stale migration", slog.String("lease", lease.Token))
		return
	}
	fn(&e.progress)
	e.publishLocked()
}

func (e *Engine) record(lease *Lease, path string, err error) {
	e.update(lease, func(p *interfaces.MigrationProgress) {
		p.ProcessedItems++
		if err != nil {
			p.FailedItems++
			p.Errors = append(p.Errors, interfaces.MigrationError{Path: path, Error: err.Error()})
			return
		}
		p.SuccessfulItems++
	})
}

func (e *Engine) publishLocked() {
	running := e.lease != nil
	e.metrics.ObserveMigration(e.progress, running)
	e.hub.Publish(copyProgress(e.progress))
}

func idleProgress() interfaces.MigrationProgress {
	return interfaces.MigrationProgress{
		Status: interfaces.MigrationIdle,
		Errors: []interfaces.MigrationError{},
	}
}

func copyProgress(p interfaces.MigrationProgress) interfaces.MigrationProgress {
	p.Errors = append([]interfaces.MigrationError{}, p.Errors...)
	return p
}
