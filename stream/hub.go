// Package stream fans state snapshots out to any number of subscribers.
//
// A Hub wraps a go-events Broadcaster. Every subscriber is an events.Channel
// fronted by an unbounded events.Queue, so a slow reader never blocks the
// publisher. Hubs created with retainLast replay the most recent event to new
// subscribers, which makes them suitable for "current value, then updates"
// streams such as status summaries.
package stream

import (
	"sync"

	events "github.com/docker/go-events"
)

// Hub broadcasts events to subscribers.
type Hub struct {
	mu          sync.Mutex
	broadcaster *events.Broadcaster
	subs        map[*events.Channel]*events.Queue
	retainLast  bool
	last        events.Event
	closed      bool
}

// NewHub creates a hub. When retainLast is set, Subscribe delivers the most
// recently published event first.
func NewHub(retainLast bool) *Hub {
	return &Hub{
		broadcaster: events.NewBroadcaster(),
		subs:        make(map[*events.Channel]*events.Queue),
		retainLast:  retainLast,
	}
}

// Publish delivers event to every subscriber. Publishing on a closed hub is a no-op.
func (h *Hub) Publish(event events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if h.retainLast {
		h.last = event
	}
	_ = h.broadcaster.Write(event)
}

// Last returns the retained event, or nil.
func (h *Hub) Last() events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// Subscribe registers a new subscriber. Read events from the returned
// channel's C field and release it with Unsubscribe.
func (h *Hub) Subscribe(buffer int) *events.Channel {
	ch := events.NewChannel(buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		ch.Close()
		return ch
	}

	queue := events.NewQueue(ch)
	if h.retainLast && h.last != nil {
		_ = queue.Write(h.last)
	}
	if err := h.broadcaster.Add(queue); err != nil {
		ch.Close()
		queue.Close()
		return ch
	}
	h.subs[ch] = queue
	return ch
}

// Unsubscribe detaches ch and closes it. Its Done channel is closed afterwards.
func (h *Hub) Unsubscribe(ch *events.Channel) {
	h.mu.Lock()
	queue, ok := h.subs[ch]
	delete(h.subs, ch)
	h.mu.Unlock()
	if !ok {
		return
	}

	_ = h.broadcaster.Remove(queue)
	// Close the channel first so a queue blocked on a full buffer can drain.
	ch.Close()
	queue.Close()
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close detaches every subscriber and stops the broadcaster.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[*events.Channel]*events.Queue)
	h.mu.Unlock()

	for ch := range subs {
		ch.Close()
	}
	h.broadcaster.Close()
}
