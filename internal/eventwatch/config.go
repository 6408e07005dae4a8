// Package eventwatch subscribes to a running service's live stream and
// checks the attendance invariants against what it observes.
package eventwatch

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/okian/rollcall/internal/domain/model"
)

// Default watcher configuration constants.
const (
	DefaultURL       = "ws://localhost:3001/ws"
	DefaultDuration  = time.Minute
	DefaultCooldown  = 30 * time.Second
	DefaultTimeout   = 10 * time.Second
	directoryPerm    = 0o750
	percentageFactor = 100
)

// Error constants.
var (
	ErrConfig     = errors.New("invalid watch config")
	ErrUnhealthy  = errors.New("service health check failed")
	ErrViolations = errors.New("invariant violations observed")
)

// Config holds configuration for a watch session.
type Config struct {
	URL        string        // WebSocket endpoint, ws:// or wss://
	Duration   time.Duration // how long to listen
	Cooldown   time.Duration // the server's cooldown window
	Tolerance  time.Duration // slack for storage latency between reserve and mark
	Timeout    time.Duration // dial and health check timeout
	OutputFile string        // optional JSON dump of observed events
	Verbose    bool

	// AllowReleases tolerates early re-marks caused by cooldown releases,
	// which the stream does not show.
	AllowReleases bool
}

// DefaultConfig returns a Config with the default values.
func DefaultConfig() Config {
	return Config{
		URL:      DefaultURL,
		Duration: DefaultDuration,
		Cooldown: DefaultCooldown,
		Timeout:  DefaultTimeout,
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("%w: url: %w", ErrConfig, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: url scheme must be ws or wss, got %q", ErrConfig, u.Scheme)
	}
	if c.Duration <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrConfig)
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("%w: cooldown must be positive", ErrConfig)
	}
	if c.Tolerance < 0 || c.Tolerance >= c.Cooldown {
		return fmt.Errorf("%w: tolerance must be in [0, cooldown)", ErrConfig)
	}
	return nil
}

// healthURL maps ws://host/ws to http://host/healthz.
func (c Config) healthURL() (string, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", err
	}
	u.Scheme = strings.Replace(u.Scheme, "ws", "http", 1)
	u.Path = "/healthz"
	u.RawQuery = ""
	return u.String(), nil
}

// Observed is one event as received.
type Observed struct {
	Event      model.Event
	ReceivedAt time.Time
}
