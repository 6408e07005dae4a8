// Package queue provides the bounded per-subscriber mailbox used by the
// broadcaster. Enqueue never blocks; a full or closed mailbox refuses the event.
package queue

import (
	"context"
	"sync"

	"github.com/okian/rollcall/internal/domain/model"
)

// Default queue configuration constants.
const (
	defaultCapacity = 64
)

// Event represents the payload type flowing through the queue.
type Event = model.Event

// Queue provides non-blocking enqueue and channel-based dequeue semantics.
type Queue interface {
	// Enqueue adds an event without blocking. It returns ErrFull or ErrClosed
	// when the event was not accepted.
	Enqueue(ctx context.Context, e Event) error

	// Dequeue returns the receive side. It is closed after Close once drained.
	Dequeue() <-chan Event

	// Len returns the current number of queued events.
	Len() int
	Cap() int

	// Close stops accepting events. Already queued events stay readable.
	Close() error
	IsClosed() bool
}

// InMemoryQueue implements Queue using a buffered channel.
type InMemoryQueue struct {
	events   chan Event
	capacity int

	mu     sync.RWMutex
	closed bool
}

// NewInMemoryQueue creates a new in-memory queue with configuration options.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{
		capacity: defaultCapacity,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.events = make(chan Event, q.capacity)
	return q
}

// Enqueue adds an event to the queue.
func (q *InMemoryQueue) Enqueue(ctx context.Context, e Event) error {
	// The read lock keeps Close from closing the channel mid-send.
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case q.events <- e:
		return nil
	default:
		return ErrFull
	}
}

// Dequeue returns the channel events are delivered on.
func (q *InMemoryQueue) Dequeue() <-chan Event {
	return q.events
}

// Len returns the current number of queued events.
func (q *InMemoryQueue) Len() int {
	return len(q.events)
}

// Cap returns the mailbox capacity.
func (q *InMemoryQueue) Cap() int {
	return q.capacity
}

// Close gracefully shuts down the queue. It is idempotent.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	close(q.events)
	q.closed = true
	return nil
}

// IsClosed returns true if the queue has been closed.
func (q *InMemoryQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
