// Package broadcast fans recognition events out to live subscribers.
//
// Each subscriber owns a bounded mailbox. Publish never waits on a slow
// subscriber: if its mailbox is full or closed the event is dropped for that
// subscriber only.
package broadcast

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/okian/rollcall/internal/adapters/mq/queue"
	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/pkg/logger"
	"github.com/okian/rollcall/pkg/metrics"
)

const defaultBuffer = 64

// SubscriberStats are per-subscriber delivery counters.
type SubscriberStats struct {
	ID        string    `json:"id"`
	Sent      uint64    `json:"sent"`
	Dropped   uint64    `json:"dropped"`
	Queued    int       `json:"queued"`
	CreatedAt time.Time `json:"created_at"`
}

// Subscription is a handle on one subscriber's mailbox.
type Subscription struct {
	ID      string
	mailbox *queue.InMemoryQueue
}

// Events returns the mailbox. It is closed when the subscriber is removed.
func (s *Subscription) Events() <-chan model.Event {
	return s.mailbox.Dequeue()
}

// Mailbox exposes the underlying queue for delivery workers.
func (s *Subscription) Mailbox() queue.Queue {
	return s.mailbox
}

type subscriber struct {
	id        string
	mailbox   *queue.InMemoryQueue
	sent      atomic.Uint64
	dropped   atomic.Uint64
	createdAt time.Time
}

// Option applies a configuration option to the Hub.
type Option func(*Hub)

// WithBuffer sets the mailbox capacity of new subscribers.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(h *Hub) {
		if log != nil {
			h.log = log
		}
	}
}

// WithDropHandler registers a callback for every dropped event. The error
// wraps ErrPublish.
func WithDropHandler(fn func(error)) Option {
	return func(h *Hub) {
		h.onDrop = fn
	}
}

// Hub is an in-process broadcaster.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool

	buffer int
	log    logger.Logger
	onDrop func(error)
}

// NewHub creates an empty Hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:   make(map[string]*subscriber),
		buffer: defaultBuffer,
		log:    logger.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a new subscriber.
func (h *Hub) Subscribe() (*Subscription, error) {
	s := &subscriber{
		id:        uuid.NewString(),
		mailbox:   queue.NewInMemoryQueue(queue.WithCapacity(h.buffer)),
		createdAt: time.Now(),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.subs[s.id] = s
	n := len(h.subs)
	h.mu.Unlock()

	metrics.UpdateBroadcastSubscribers(n)
	h.log.Debug(context.Background(), "subscriber added", logger.String("subscriber", s.id), logger.Int("subscribers", n))
	return &Subscription{ID: s.id, mailbox: s.mailbox}, nil
}

// Unsubscribe removes a subscriber and closes its mailbox. It reports
// whether the subscriber existed.
func (h *Hub) Unsubscribe(id string) bool {
	h.mu.Lock()
	s, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	n := len(h.subs)
	h.mu.Unlock()

	if !ok {
		return false
	}
	_ = s.mailbox.Close()
	metrics.UpdateBroadcastSubscribers(n)
	h.log.Debug(context.Background(), "subscriber removed", logger.String("subscriber", id), logger.Int("subscribers", n))
	return true
}

// Publish offers e to every current subscriber without blocking.
func (h *Hub) Publish(ctx context.Context, e model.Event) {
	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	typ := string(e.Type())
	for _, s := range targets {
		// Delivery does not depend on the publisher's cancellation.
		if err := s.mailbox.Enqueue(context.WithoutCancel(ctx), e); err != nil {
			s.dropped.Add(1)
			metrics.RecordBroadcastDropped(typ)
			perr := fmt.Errorf("%w: subscriber %s: %w", ErrPublish, s.id, err)
			h.log.Debug(ctx, "event dropped", logger.String("type", typ), logger.Error(perr))
			if h.onDrop != nil {
				h.onDrop(perr)
			}
			continue
		}
		s.sent.Add(1)
		metrics.RecordBroadcastDelivered(typ)
	}
}

// Stats returns counters for one subscriber.
func (h *Hub) Stats(id string) (SubscriberStats, bool) {
	h.mu.RLock()
	s, ok := h.subs[id]
	h.mu.RUnlock()
	if !ok {
		return SubscriberStats{}, false
	}
	return s.stats(), true
}

// AllStats returns counters for every subscriber.
func (h *Hub) AllStats() []SubscriberStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]SubscriberStats, 0, len(h.subs))
	for _, s := range h.subs {
		out = append(out, s.stats())
	}
	return out
}

func (s *subscriber) stats() SubscriberStats {
	return SubscriberStats{
		ID:        s.id,
		Sent:      s.sent.Load(),
		Dropped:   s.dropped.Load(),
		Queued:    s.mailbox.Len(),
		CreatedAt: s.createdAt,
	}
}

// Count returns the number of subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close removes every subscriber and rejects new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[string]*subscriber)
	h.mu.Unlock()

	for _, s := range subs {
		_ = s.mailbox.Close()
	}
	metrics.UpdateBroadcastSubscribers(0)
	return nil
}
