// Package ws streams broadcast events to WebSocket clients.
package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/okian/rollcall/internal/adapters/broadcast"
	"github.com/okian/rollcall/internal/adapters/mq/worker"
	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/types"
	"github.com/okian/rollcall/pkg/logger"
	"github.com/okian/rollcall/pkg/metrics"
)

// Default connection constants.
const (
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	defaultPingPeriod = defaultPongWait * 9 / 10
	maxMessageSize    = 4 << 10
)

// Path is where Register mounts the endpoint.
const Path = "/ws"

// ErrClosed is returned by the sink once the client has gone.
var ErrClosed = errors.New("websocket closed")

// Subscriber attaches live event consumers.
type Subscriber interface {
	Subscribe() (*broadcast.Subscription, error)
	Unsubscribe(id string) bool
}

// Option applies a configuration option to the Handler.
type Option func(*Handler)

// WithOrigins restricts the Origin header. Empty allows any origin.
func WithOrigins(origins []string) Option {
	return func(h *Handler) {
		h.origins = make(map[string]struct{}, len(origins))
		for _, o := range origins {
			h.origins[o] = struct{}{}
		}
	}
}

// WithLogger sets the connection logger.
func WithLogger(log logger.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.logger = log
		}
	}
}

// WithPingPeriod sets how often the server pings idle clients.
func WithPingPeriod(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.pingPeriod = d
			h.pongWait = d * 10 / 9
		}
	}
}

// Handler upgrades requests and runs one delivery worker per connection.
type Handler struct {
	deps       Subscriber
	upgrader   websocket.Upgrader
	origins    map[string]struct{}
	pingPeriod time.Duration
	pongWait   time.Duration
	logger     logger.Logger
}

// NewHandler creates a WebSocket handler over deps.
func NewHandler(deps Subscriber, opts ...Option) *Handler {
	h := &Handler{
		deps:       deps,
		pingPeriod: defaultPingPeriod,
		pongWait:   defaultPongWait,
		logger:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Register attaches GET /ws to r.
func Register(_ context.Context, r chi.Router, deps Subscriber, opts ...Option) *Handler {
	if r == nil {
		panic("router is nil")
	}
	h := NewHandler(deps, opts...)
	r.Get(Path, h.ServeHTTP)
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.origins) == 0 {
		return true
	}
	_, ok := h.origins[origin]
	return ok
}

// ServeHTTP upgrades the connection and blocks until the client leaves,
// the hub closes or a write fails.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sub, err := h.deps.Subscribe()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer h.deps.Unsubscribe(sub.ID)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		metrics.RecordErrorByComponent("ws", "upgrade")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	log := h.logger.Named("ws-" + sub.ID)
	log.Debug(ctx, "client connected", logger.String("remote", r.RemoteAddr))

	go h.readPump(conn, cancel)

	s := &sink{conn: conn}
	stopPing := h.pingLoop(ctx, s)
	defer stopPing()

	wk := worker.NewInMemoryWorker(sub.Mailbox(), s,
		worker.WithName("ws-"+sub.ID),
		worker.WithLogger(h.logger),
		worker.WithDeliveryTimeout(defaultWriteWait),
	)
	if err := wk.Run(ctx); err != nil {
		log.Debug(ctx, "client dropped", logger.Error(err))
		return
	}
	_ = s.control(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
	log.Debug(ctx, "client disconnected")
}

// readPump discards client messages and cancels once the peer goes away.
func (h *Handler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *Handler) pingLoop(ctx context.Context, s *sink) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		t := time.NewTicker(h.pingPeriod)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := s.control(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()
	return cancel
}

// sink writes envelopes as text frames. Only the worker writes data frames;
// WriteControl is safe alongside it.
type sink struct {
	conn *websocket.Conn
}

func (s *sink) Deliver(ctx context.Context, e model.Event) error {
	data, err := types.EncodeEvent(e)
	if err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteWait)
	}
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Join(ErrClosed, err)
	}
	return nil
}

func (s *sink) control(kind int, data []byte) error {
	return s.conn.WriteControl(kind, data, time.Now().Add(defaultWriteWait))
}
