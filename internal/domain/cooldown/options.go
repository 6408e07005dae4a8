package cooldown

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/okian/rollcall/pkg/logger"
)

// Option applies a configuration option to the in-memory ledger.
type Option func(*inMemoryLedger)

// WithWindow sets the reservation window. Non-positive values keep the default.
func WithWindow(d time.Duration) Option {
	return func(l *inMemoryLedger) {
		if d > 0 {
			l.window.Store(int64(d))
		}
	}
}

// WithClock injects the time source.
func WithClock(c clockwork.Clock) Option {
	return func(l *inMemoryLedger) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(l *inMemoryLedger) {
		l.log = log
	}
}
