package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	events "github.com/docker/go-events"
	"github.com/google/uuid"
	"github.com/ruteri/content-sync/common"
	"github.com/ruteri/content-sync/interfaces"
	"github.com/ruteri/content-sync/metrics"
	"github.com/ruteri/content-sync/stream"
)

const (
	DefaultConcurrency      = 3
	DefaultProgressInterval = 200 * time.Millisecond

	// Simulated progress never passes maxSimulatedProgress before the
	// network confirms the upload.
	maxSimulatedProgress = 90
	minProgressStep      = 5
	maxProgressStep      = 15
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("sync queue closed")

// UploadedFunc is invoked after the content network accepted an item and
// before the item is marked completed. item.ContentID and item.Payload are set.
type UploadedFunc func(ctx context.Context, item interfaces.QueueItem) error

// Options configures a Queue.
type Options struct {
	// Concurrency bounds the number of items uploading at once.
	Concurrency int
	// AutoProcess starts uploads as soon as capacity allows. When false,
	// pending items wait for Process.
	AutoProcess bool
	// ProgressInterval is the tick of the simulated progress.
	ProgressInterval time.Duration
	// OnUploaded is called for every successful upload. An error fails the
	// item, so RetryFailed uploads it again.
	OnUploaded UploadedFunc
	// Metrics receives status and upload observations.
	Metrics *metrics.Collectors
}

// DefaultOptions returns automatic processing with three concurrent uploads.
func DefaultOptions() Options {
	return Options{
		Concurrency:      DefaultConcurrency,
		AutoProcess:      true,
		ProgressInterval: DefaultProgressInterval,
	}
}

// Queue uploads payloads to a content network in the background.
//
// Items move pending -> uploading -> completed or failed. A failed item only
// returns to pending through RetryFailed. Pending items start in FIFO order
// whenever fewer than Concurrency items are uploading.
type Queue struct {
	network interfaces.ContentNetwork
	opts    Options
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	items     map[string]*interfaces.QueueItem
	order     []string
	uploading int
	draining  bool
	closed    bool
	changed   chan struct{}

	itemsHub    *stream.Hub
	statusHub   *stream.Hub
	progressHub *stream.Hub
}

// NewQueue creates a queue uploading to network.
func NewQueue(network interfaces.ContentNetwork, opts Options, log *slog.Logger) *Queue {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		network:     network,
		opts:        opts,
		log:         common.LoggerOrDefault(log),
		ctx:         ctx,
		cancel:      cancel,
		items:       make(map[string]*interfaces.QueueItem),
		changed:     make(chan struct{}),
		itemsHub:    stream.NewHub(true),
		statusHub:   stream.NewHub(true),
		progressHub: stream.NewHub(false),
	}
	q.publishLocked()
	return q
}

// Enqueue adds a pending upload of data for path and returns its id.
func (q *Queue) Enqueue(path string, data []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrQueueClosed
	}

	id := uuid.NewString()
	q.items[id] = &interfaces.QueueItem{
		ID:         id,
		Path:       path,
		Payload:    append([]byte(nil), data...),
		Size:       int64(len(data)),
		State:      interfaces.StatePending,
		EnqueuedAt: time.Now().UTC(),
	}
	q.order = append(q.order, id)

	q.log.Debug("Enqueued upload",
		slog.String("id", id),
		slog.String("path", path),
		slog.Int("size", len(data)))

	q.publishLocked()
	if q.opts.AutoProcess {
		q.pumpLocked()
	}
	return id, nil
}

// CancelUpload removes a pending item. Items that are uploading or finished
// are left untouched and false is returned.
func (q *Queue) CancelUpload(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok || item.State != interfaces.StatePending {
		return false
	}
	q.deleteLocked(id)
	q.publishLocked()
	return true
}

// ClearCompleted removes completed items and returns how many were removed.
func (q *Queue) ClearCompleted() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for _, id := range append([]string(nil), q.order...) {
		if q.items[id].State == interfaces.StateCompleted {
			q.deleteLocked(id)
			removed++
		}
	}
	if removed > 0 {
		q.publishLocked()
	}
	return removed
}

// RetryFailed resets every failed item to pending with its error cleared and
// returns how many were reset.
func (q *Queue) RetryFailed() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	retried := 0
	for _, id := range q.order {
		item := q.items[id]
		if item.State != interfaces.StateFailed {
			continue
		}
		item.State = interfaces.StatePending
		item.Error = ""
		item.Progress = 0
		retried++
	}
	if retried == 0 {
		return 0
	}

	q.log.Info("Retrying failed uploads", slog.Int("count", retried))
	q.publishLocked()
	if q.opts.AutoProcess {
		q.pumpLocked()
	}
	return retried
}

// Process starts pending uploads and keeps starting them until none are
// left. With AutoProcess enabled this happens on its own.
func (q *Queue) Process() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.draining = true
	q.pumpLocked()
}

// Items returns a copy of every item in enqueue order. Payloads are omitted.
func (q *Queue) Items() []interfaces.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.itemsLocked()
}

// Item returns a copy of the item with id.
func (q *Queue) Item(id string) (interfaces.QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return interfaces.QueueItem{}, false
	}
	return withoutPayload(item), true
}

// Status counts items per state.
func (q *Queue) Status() interfaces.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statusLocked()
}

// Wait blocks until no item is uploading and, unless processing is manual
// and idle, none is pending.
func (q *Queue) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		status := q.statusLocked()
		idle := status.Uploading == 0 && (status.Pending == 0 || (!q.opts.AutoProcess && !q.draining))
		changed := q.changed
		q.mu.Unlock()

		if idle {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SubscribeItems streams the full item list ([]interfaces.QueueItem) after
// every change, starting with the current list.
func (q *Queue) SubscribeItems(buffer int) *events.Channel {
	return q.itemsHub.Subscribe(buffer)
}

// SubscribeStatus streams interfaces.QueueStatus summaries, starting with
// the current one.
func (q *Queue) SubscribeStatus(buffer int) *events.Channel {
	return q.statusHub.Subscribe(buffer)
}

// SubscribeProgress streams interfaces.ProgressUpdate values for every
// progress change of any item.
func (q *Queue) SubscribeProgress(buffer int) *events.Channel {
	return q.progressHub.Subscribe(buffer)
}

// Unsubscribe releases a channel returned by any Subscribe method.
func (q *Queue) Unsubscribe(ch *events.Channel) {
	q.itemsHub.Unsubscribe(ch)
	q.statusHub.Unsubscribe(ch)
	q.progressHub.Unsubscribe(ch)
}

// Close stops accepting items, cancels in-flight uploads and waits for their
// goroutines to return. Cancelled uploads end up failed.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()

	q.itemsHub.Close()
	q.statusHub.Close()
	q.progressHub.Close()
}

// pumpLocked starts the oldest pending items while capacity allows.
func (q *Queue) pumpLocked() {
	if q.closed {
		return
	}

	started := false
	for _, id := range q.order {
		if q.uploading >= q.opts.Concurrency {
			break
		}
		item := q.items[id]
		if item.State != interfaces.StatePending {
			continue
		}

		item.State = interfaces.StateUploading
		item.Progress = 0
		q.uploading++
		started = true

		q.wg.Add(1)
		go q.upload(id, item.Path, item.Payload)
	}

	if started {
		q.publishLocked()
	}
	if q.draining && q.statusLocked().Pending == 0 {
		q.draining = false
	}
}

func (q *Queue) upload(id, path string, payload []byte) {
	defer q.wg.Done()

	start := time.Now()
	stopProgress := q.simulateProgress(id, path)
	res, err := q.network.Add(q.ctx, payload)
	stopProgress()

	if err == nil && q.opts.OnUploaded != nil {
		q.mu.Lock()
		item := *q.items[id]
		q.mu.Unlock()
		item.ContentID = res.ContentID
		if hookErr := q.opts.OnUploaded(q.ctx, item); hookErr != nil {
			err = fmt.Errorf("recording upload of %s: %w", res.ContentID, hookErr)
		}
	}
	q.opts.Metrics.ObserveUpload(time.Since(start), int64(len(payload)), err)

	q.mu.Lock()
	defer q.mu.Unlock()

	item := q.items[id]
	q.uploading--
	if err != nil {
		item.State = interfaces.StateFailed
		item.Error = err.Error()
		q.log.Warn("Upload failed",
			slog.String("id", id),
			slog.String("path", path),
			"err", err,
			slog.Duration("duration", time.Since(start)))
	} else {
		item.State = interfaces.StateCompleted
		item.Progress = 100
		item.ContentID = res.ContentID
		q.log.Info("Upload completed",
			slog.String("id", id),
			slog.String("path", path),
			slog.String("cid", res.ContentID),
			slog.Duration("duration", time.Since(start)))
	}

	q.progressHub.Publish(progressOf(item))
	q.publishLocked()
	if q.opts.AutoProcess || q.draining {
		q.pumpLocked()
	}
}

// simulateProgress advances the item's progress by random steps until stop
// is called. Progress is a heuristic; the network call exposes none.
func (q *Queue) simulateProgress(id, path string) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		q.progressHub.Publish(interfaces.ProgressUpdate{ID: id, Path: path, State: interfaces.StateUploading})

		ticker := time.NewTicker(q.opts.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				q.mu.Lock()
				item, ok := q.items[id]
				if !ok || item.State != interfaces.StateUploading || item.Progress >= maxSimulatedProgress {
					q.mu.Unlock()
					continue
				}
				item.Progress = min(item.Progress+minProgressStep+rand.Intn(maxProgressStep-minProgressStep+1), maxSimulatedProgress)
				update := progressOf(item)
				q.mu.Unlock()
				q.progressHub.Publish(update)
			}
		}
	}()

	return func() {
		close(done)
		<-finished
	}
}

func (q *Queue) deleteLocked(id string) {
	delete(q.items, id)
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

func (q *Queue) itemsLocked() []interfaces.QueueItem {
	out := make([]interfaces.QueueItem, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, withoutPayload(q.items[id]))
	}
	return out
}

func (q *Queue) statusLocked() interfaces.QueueStatus {
	var status interfaces.QueueStatus
	for _, item := range q.items {
		switch item.State {
		case interfaces.StatePending:
			status.Pending++
		case interfaces.StateUploading:
			status.Uploading++
		case interfaces.StateCompleted:
			status.Completed++
		case interfaces.StateFailed:
			status.Failed++
		}
	}
	return status
}

// publishLocked emits the item list and status and wakes Wait callers.
func (q *Queue) publishLocked() {
	status := q.statusLocked()
	q.itemsHub.Publish(q.itemsLocked())
	q.statusHub.Publish(status)
	q.opts.Metrics.ObserveQueueStatus(status)

	close(q.changed)
	q.changed = make(chan struct{})
}

func progressOf(item *interfaces.QueueItem) interfaces.ProgressUpdate {
	return interfaces.ProgressUpdate{ID: item.ID, Path: item.Path, State: item.State, Progress: item.Progress}
}

func withoutPayload(item *interfaces.QueueItem) interfaces.QueueItem {
	out := *item
	out.Payload = nil
	return out
}
