package eventwatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/okian/rollcall/internal/domain/types"
	"github.com/okian/rollcall/pkg/logger"
)

// CheckHealth verifies the service answers GET /healthz.
func CheckHealth(ctx context.Context, cfg Config) error {
	target, err := cfg.healthURL()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnhealthy, err)
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnhealthy, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnhealthy, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnhealthy, resp.StatusCode)
	}
	return nil
}

// Collect subscribes to cfg.URL and returns every event received until
// cfg.Duration elapses, ctx is done or the server closes the stream.
// Frames that do not decode are logged and skipped.
func Collect(ctx context.Context, cfg Config, log logger.Logger) ([]Observed, error) {
	if log == nil {
		log = logger.Nop()
	}
	dialer := websocket.Dialer{HandshakeTimeout: cfg.Timeout}
	dctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	conn, _, err := dialer.DialContext(dctx, cfg.URL, nil)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(cfg.Duration)
	stop := context.AfterFunc(ctx, func() {
		// Unblocks ReadMessage.
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()
	_ = conn.SetReadDeadline(deadline)

	var out []Observed
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ne interface{ Timeout() bool }
			switch {
			case errors.As(err, &ne) && ne.Timeout():
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				log.Info(ctx, "server closed the stream")
			default:
				return out, fmt.Errorf("read: %w", err)
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return out, nil
		}
		ev, err := types.DecodeEvent(data)
		if err != nil {
			log.Warn(ctx, "undecodable frame", logger.Error(err))
			continue
		}
		out = append(out, Observed{Event: ev, ReceivedAt: time.Now()})
		if cfg.Verbose {
			log.Debug(ctx, "event", logger.String("type", string(ev.Type())), logger.String("identity", string(ev.Subject())))
		}
	}
}
