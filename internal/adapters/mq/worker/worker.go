// Package worker drains a subscriber mailbox into its transport.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/pkg/logger"
	"github.com/okian/rollcall/pkg/metrics"
)

// Default worker configuration constants.
const (
	defaultDeliveryTimeout = 10 * time.Second
)

// ErrDeliver wraps sink failures that end a worker.
var ErrDeliver = errors.New("delivery failed")

// Event abstracts what workers read off the queue.
type Event = model.Event

// Sink writes one event to a client transport.
type Sink interface {
	Deliver(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Deliver(ctx context.Context, e Event) error { return f(ctx, e) }

// Queue defines how workers receive events.
type Queue interface {
	Dequeue() <-chan Event
}

// Worker delivers events until its mailbox closes or its sink fails.
type Worker interface {
	// Run blocks until the mailbox is closed, ctx is done, Shutdown is
	// called or the sink fails. Only a sink failure returns an error.
	Run(ctx context.Context) error

	Shutdown(ctx context.Context) error
}

// InMemoryWorker implements Worker over a mailbox channel.
type InMemoryWorker struct {
	queue   Queue
	sink    Sink
	name    string
	timeout time.Duration

	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a new delivery worker with configuration options.
func NewInMemoryWorker(queue Queue, sink Sink, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:    queue,
		sink:     sink,
		name:     "worker",
		timeout:  defaultDeliveryTimeout,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named(w.name)
	return w
}

// Run starts the delivery loop.
func (w *InMemoryWorker) Run(ctx context.Context) error {
	defer close(w.done)

	events := w.queue.Dequeue()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.shutdown:
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := w.deliver(ctx, ev); err != nil {
				w.logger.Warn(ctx, "delivery failed, stopping worker",
					logger.String("type", string(ev.Type())), logger.Error(err))
				metrics.RecordErrorByComponent("worker", "deliver")
				return err
			}
		}
	}
}

func (w *InMemoryWorker) deliver(ctx context.Context, ev Event) error {
	dctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if err := w.sink.Deliver(dctx, ev); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDeliver, w.name, err)
	}
	return nil
}

// Shutdown asks Run to return and waits for it or for ctx.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	w.shutdownOnce.Do(func() { close(w.shutdown) })

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// Done is closed once Run has returned.
func (w *InMemoryWorker) Done() <-chan struct{} {
	return w.done
}
