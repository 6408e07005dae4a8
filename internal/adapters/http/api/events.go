package api

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/okian/rollcall/internal/adapters/mq/worker"
	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/types"
	"github.com/okian/rollcall/pkg/logger"
)

// EventsHandler streams broadcast events as Server-Sent Events.
type EventsHandler struct {
	deps   Subscriber
	logger logger.Logger
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(deps Subscriber, log logger.Logger) *EventsHandler {
	return &EventsHandler{deps: deps, logger: log}
}

// HandleStream handles GET /api/events. The request goroutine runs the
// subscriber's delivery worker until the client leaves or the hub closes.
func (h *EventsHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", ErrStreaming)
		return
	}
	sub, err := h.deps.Subscribe()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", err)
		return
	}
	defer h.deps.Unsubscribe(sub.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, ": subscribed %s\n\n", sub.ID)
	flusher.Flush()

	wk := worker.NewInMemoryWorker(sub.Mailbox(), &sseSink{w: w, flusher: flusher},
		worker.WithName("sse-"+sub.ID),
		worker.WithLogger(h.logger),
	)
	if err := wk.Run(r.Context()); err != nil {
		h.logger.Debug(r.Context(), "sse client dropped", logger.String("subscriber", sub.ID), logger.Error(err))
	}
}

// sseSink writes one event per SSE frame.
type sseSink struct {
	w       io.Writer
	flusher http.Flusher
}

func (s *sseSink) Deliver(_ context.Context, e model.Event) error {
	data, err := types.EncodeEvent(e)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", e.Type(), data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
