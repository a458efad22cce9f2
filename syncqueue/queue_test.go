package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/content-sync/interfaces"
	"github.com/ruteri/content-sync/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T, n interfaces.ContentNetwork, opts Options) *Queue {
	q := NewQueue(n, opts, testLogger())
	t.Cleanup(q.Close)
	return q
}

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Wait(ctx))
}

func TestQueue_FiveItemsLimitThree(t *testing.T) {
	n := network.NewMemoryNetwork(network.MemoryNetworkOptions{Latency: 50 * time.Millisecond})
	opts := DefaultOptions()
	opts.ProgressInterval = 5 * time.Millisecond
	q := newTestQueue(t, n, opts)

	statusCh := q.SubscribeStatus(0)
	defer q.Unsubscribe(statusCh)

	var (
		mu           sync.Mutex
		maxUploading int
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case ev := <-statusCh.C:
				status := ev.(interfaces.QueueStatus)
				mu.Lock()
				maxUploading = max(maxUploading, status.Uploading)
				mu.Unlock()
				if status.Completed == 5 {
					return
				}
			case <-statusCh.Done():
				return
			}
		}
	}()

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(fmt.Sprintf("file-%d", i), []byte(fmt.Sprintf("payload-%d", i)))
		require.NoError(t, err)
	}

	waitIdle(t, q)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("status stream never reported completion")
	}

	assert.Equal(t, interfaces.QueueStatus{Pending: 0, Uploading: 0, Completed: 5, Failed: 0}, q.Status())
	mu.Lock()
	assert.LessOrEqual(t, maxUploading, 3)
	assert.Equal(t, 3, maxUploading)
	mu.Unlock()
	assert.LessOrEqual(t, n.MaxConcurrentAdds(), 3)

	for _, item := range q.Items() {
		assert.Equal(t, 100, item.Progress)
		assert.NotEmpty(t, item.ContentID)
		assert.Nil(t, item.Payload)
	}
}

func TestQueue_ConcurrencyBound(t *testing.T) {
	for _, limit := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("limit %d", limit), func(t *testing.T) {
			n := network.NewMemoryNetwork(network.MemoryNetworkOptions{Latency: 10 * time.Millisecond})
			opts := DefaultOptions()
			opts.Concurrency = limit
			q := newTestQueue(t, n, opts)

			for i := 0; i < 12; i++ {
				_, err := q.Enqueue(fmt.Sprintf("p%d", i), []byte{byte(i)})
				require.NoError(t, err)
				assert.LessOrEqual(t, q.Status().Uploading, limit)
			}
			waitIdle(t, q)

			assert.LessOrEqual(t, n.MaxConcurrentAdds(), limit)
			assert.Equal(t, 12, q.Status().Completed)
		})
	}
}

func TestQueue_FIFOOrder(t *testing.T) {
	n := network.NewMemoryNetwork(network.MemoryNetworkOptions{})

	var (
		mu    sync.Mutex
		order []string
	)
	opts := DefaultOptions()
	opts.Concurrency = 1
	opts.AutoProcess = false
	opts.OnUploaded = func(ctx context.Context, item interfaces.QueueItem) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, item.Path)
		return nil
	}
	q := newTestQueue(t, n, opts)

	for _, p := range []string{"first", "second", "third"} {
		_, err := q.Enqueue(p, []byte(p))
		require.NoError(t, err)
	}
	q.Process()
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestQueue_CancelUpload(t *testing.T) {
	n := network.NewMemoryNetwork(network.MemoryNetworkOptions{Latency: 100 * time.Millisecond})
	opts := DefaultOptions()
	opts.AutoProcess = false
	q := newTestQueue(t, n, opts)

	cancelled, err := q.Enqueue("cancelled", []byte("a"))
	require.NoError(t, err)
	inflight, err := q.Enqueue("inflight", []byte("b"))
	require.NoError(t, err)

	assert.True(t, q.CancelUpload(cancelled))
	assert.False(t, q.CancelUpload(cancelled), "already removed")
	assert.False(t, q.CancelUpload("unknown"))

	q.Process()
	item, ok := q.Item(inflight)
	require.True(t, ok)
	require.Equal(t, interfaces.StateUploading, item.State)
	assert.False(t, q.CancelUpload(inflight), "uploading items are untouched")

	waitIdle(t, q)
	assert.False(t, q.CancelUpload(inflight), "completed items are untouched")

	item, ok = q.Item(inflight)
	require.True(t, ok)
	assert.Equal(t, interfaces.StateCompleted, item.State)
	assert.Equal(t, 1, n.AddCalls())
}

func TestQueue_RetryFailed(t *testing.T) {
	n := network.NewMemoryNetwork(network.MemoryNetworkOptions{})
	n.SetAddError(func(data []byte) error {
		if string(data) == "bad" {
			return errors.New("connection refused")
		}
		return nil
	})

	opts := DefaultOptions()
	opts.AutoProcess = false
	q := newTestQueue(t, n, opts)

	good, err := q.Enqueue("good", []byte("good"))
	require.NoError(t, err)
	bad, err := q.Enqueue("bad", []byte("bad"))
	require.NoError(t, err)

	q.Process()
	waitIdle(t, q)

	item, _ := q.Item(bad)
	assert.Equal(t, interfaces.StateFailed, item.State)
	assert.Contains(t, item.Error, "connection refused")
	assert.Equal(t, interfaces.QueueStatus{Completed: 1, Failed: 1}, q.Status())

	n.SetAddError(nil)
	assert.Equal(t, 1, q.RetryFailed())

	item, _ = q.Item(bad)
	assert.Equal(t, interfaces.StatePending, item.State)
	assert.Empty(t, item.Error)
	completed, _ := q.Item(good)
	assert.Equal(t, interfaces.StateCompleted, completed.State, "completed items are untouched")

	q.Process()
	waitIdle(t, q)
	assert.Equal(t, interfaces.QueueStatus{Completed: 2}, q.Status())
	assert.Equal(t, 0, q.RetryFailed())
}

func TestQueue_ClearCompleted(t *testing.T) {
	n := network.NewMemoryNetwork(network.MemoryNetworkOptions{})
	n.SetAddError(func(data []byte) error {
		if string(data) == "bad" {
			return errors.New("boom")
		}
		return nil
	})
	q := newTestQueue(t, n, DefaultOptions())

	for _, p := range []string{"a", "b", "bad"} {
		_, err := q.Enqueue(p, []byte(p))
		require.NoError(t, err)
	}
	waitIdle(t, q)

	assert.Equal(t, 2, q.ClearCompleted())
	items := q.Items()
	require.Len(t, items, 1)
	assert.Equal(t, interfaces.StateFailed, items[0].State)
}

func TestQueue_ProgressHeuristic(t *testing.T) {
	n := network.NewMemoryNetwork(network.MemoryNetworkOptions{Latency: 300 * time.Millisecond})
	opts := DefaultOptions()
	opts.ProgressInterval = 5 * time.Millisecond
	q := newTestQueue(t, n, opts)

	ch := q.SubscribeProgress(0)
	defer q.Unsubscribe(ch)

	_, err := q.Enqueue("slow", []byte("slow"))
	require.NoError(t, err)

	var updates []interfaces.ProgressUpdate
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch.C:
			u := ev.(interfaces.ProgressUpdate)
			updates = append(updates, u)
			if u.State != interfaces.StateCompleted {
				continue
			}
		case <-timeout:
			t.Fatal("upload never completed")
		}
		break
	}

	require.Greater(t, len(updates), 2)
	last := updates[len(updates)-1]
	assert.Equal(t, 100, last.Progress)
	prev := 0
	for _, u := range updates[:len(updates)-1] {
		assert.GreaterOrEqual(t, u.Progress, prev)
		assert.LessOrEqual(t, u.Progress, 90)
		prev = u.Progress
	}
	assert.Equal(t, 90, prev, "simulated progress saturates before completion")
}

func TestQueue_OnUploadedHook(t *testing.T) {
	n := network.NewMemoryNetwork(network.MemoryNetworkOptions{})
	hooked := make(chan interfaces.QueueItem, 1)
	opts := DefaultOptions()
	opts.OnUploaded = func(ctx context.Context, item interfaces.QueueItem) error {
		hooked <- item
		return nil
	}
	q := newTestQueue(t, n, opts)

	_, err := q.Enqueue("hooked", []byte("data"))
	require.NoError(t, err)
	waitIdle(t, q)

	item := <-hooked
	expected, err := network.ComputeCID([]byte("data"))
	require.NoError(t, err)
	assert.Equal(t, expected, item.ContentID)
	assert.Equal(t, []byte("data"), item.Payload)
	assert.Equal(t, "hooked", item.Path)
}

func TestQueue_OnUploadedHookFailure(t *testing.T) {
	n := network.NewMemoryNetwork(network.MemoryNetworkOptions{})
	var calls atomic.Int32
	opts := DefaultOptions()
	opts.OnUploaded = func(ctx context.Context, item interfaces.QueueItem) error {
		if calls.Add(1) == 1 {
			return errors.New("index unavailable")
		}
		return nil
	}
	q := newTestQueue(t, n, opts)

	id, err := q.Enqueue("a", []byte("a"))
	require.NoError(t, err)
	waitIdle(t, q)

	item, ok := q.Item(id)
	require.True(t, ok)
	assert.Equal(t, interfaces.StateFailed, item.State)
	assert.Contains(t, item.Error, "index unavailable")

	assert.Equal(t, 1, q.RetryFailed())
	waitIdle(t, q)

	item, _ = q.Item(id)
	assert.Equal(t, interfaces.StateCompleted, item.State)
	assert.Equal(t, int32(2), calls.Load())
}

func TestQueue_CloseCancelsInflight(t *testing.T) {
	n := network.NewMemoryNetwork(network.MemoryNetworkOptions{Latency: 10 * time.Second})
	q := NewQueue(n, DefaultOptions(), testLogger())

	id, err := q.Enqueue("stuck", []byte("x"))
	require.NoError(t, err)

	closed := make(chan struct{})
	go func() {
		q.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not cancel in-flight upload")
	}

	item, ok := q.Item(id)
	require.True(t, ok)
	assert.Equal(t, interfaces.StateFailed, item.State)

	_, err = q.Enqueue("late", []byte("y"))
	assert.True(t, errors.Is(err, ErrQueueClosed))
}

func TestQueue_ItemStream(t *testing.T) {
	n := network.NewMemoryNetwork(network.MemoryNetworkOptions{})
	opts := DefaultOptions()
	opts.AutoProcess = false
	q := newTestQueue(t, n, opts)

	ch := q.SubscribeItems(8)
	defer q.Unsubscribe(ch)

	first := (<-ch.C).([]interfaces.QueueItem)
	assert.Empty(t, first)

	_, err := q.Enqueue("streamed", []byte("z"))
	require.NoError(t, err)

	next := (<-ch.C).([]interfaces.QueueItem)
	require.Len(t, next, 1)
	assert.Equal(t, "streamed", next[0].Path)
	assert.Equal(t, interfaces.StatePending, next[0].State)
}
