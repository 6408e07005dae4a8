// Package cooldown tracks which identities were marked recently.
//
// The ledger is the only place that decides whether a detection may become an
// attendance record. An entry blocks its identity until expiresAt; expired
// entries are treated as absent on lookup and evicted by Sweep.
package cooldown

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/pkg/logger"
	"github.com/okian/rollcall/pkg/metrics"
)

// DefaultWindow is the dedup window used when none is configured.
const DefaultWindow = 30 * time.Second

// Ledger records reservations with a per-identity expiry.
type Ledger interface {
	// TryReserve atomically checks and reserves identity. It returns false if
	// an unexpired reservation already exists.
	TryReserve(ctx context.Context, id model.Identity) bool

	// Release drops a reservation early. It reports whether one was active.
	Release(ctx context.Context, id model.Identity) bool

	Active(ctx context.Context, id model.Identity) bool
	Remaining(ctx context.Context, id model.Identity) time.Duration

	// Sweep evicts expired entries and returns how many were removed.
	Sweep(ctx context.Context) int

	// Size returns the number of unexpired reservations.
	Size() int64
	Window() time.Duration
	// SetWindow changes the window for future reservations only.
	SetWindow(d time.Duration)
}

// inMemoryLedger implements Ledger with a map guarded by one mutex.
type inMemoryLedger struct {
	mu      sync.Mutex
	expires map[model.Identity]time.Time
	window  atomic.Int64 // time.Duration
	clock   clockwork.Clock
	log     logger.Logger
}

// NewInMemoryLedger creates a ledger with configuration options.
func NewInMemoryLedger(opts ...Option) Ledger {
	l := &inMemoryLedger{
		expires: make(map[model.Identity]time.Time),
		clock:   clockwork.NewRealClock(),
	}
	l.window.Store(int64(DefaultWindow))

	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *inMemoryLedger) TryReserve(ctx context.Context, id model.Identity) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if exp, ok := l.expires[id]; ok && now.Before(exp) {
		metrics.RecordCooldownRejection()
		return false
	}
	l.expires[id] = now.Add(time.Duration(l.window.Load()))
	metrics.UpdateCooldownActive(l.liveLocked(now))

	if l.log != nil {
		l.log.Debug(ctx, "cooldown reserved", logger.String("identity", string(id)))
	}
	return true
}

func (l *inMemoryLedger) Release(ctx context.Context, id model.Identity) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	exp, ok := l.expires[id]
	if !ok {
		return false
	}
	delete(l.expires, id)
	metrics.UpdateCooldownActive(l.liveLocked(now))

	active := now.Before(exp)
	if active && l.log != nil {
		l.log.Info(ctx, "cooldown released", logger.String("identity", string(id)))
	}
	return active
}

func (l *inMemoryLedger) Active(_ context.Context, id model.Identity) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	exp, ok := l.expires[id]
	return ok && now.Before(exp)
}

func (l *inMemoryLedger) Remaining(_ context.Context, id model.Identity) time.Duration {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	exp, ok := l.expires[id]
	if !ok || !now.Before(exp) {
		return 0
	}
	return exp.Sub(now)
}

func (l *inMemoryLedger) Sweep(ctx context.Context) int {
	now := l.clock.Now()

	l.mu.Lock()
	removed := 0
	for id, exp := range l.expires {
		if !now.Before(exp) {
			delete(l.expires, id)
			removed++
		}
	}
	remaining := len(l.expires)
	l.mu.Unlock()

	metrics.UpdateCooldownActive(remaining)
	metrics.RecordCooldownEvictions(removed)
	if removed > 0 && l.log != nil {
		l.log.Debug(ctx, "cooldown sweep", logger.Int("evicted", removed), logger.Int("remaining", remaining))
	}
	return removed
}

func (l *inMemoryLedger) Size() int64 {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(l.liveLocked(now))
}

// liveLocked counts entries unexpired at now. l.mu must be held.
func (l *inMemoryLedger) liveLocked(now time.Time) int {
	n := 0
	for _, exp := range l.expires {
		if now.Before(exp) {
			n++
		}
	}
	return n
}

func (l *inMemoryLedger) Window() time.Duration {
	return time.Duration(l.window.Load())
}

func (l *inMemoryLedger) SetWindow(d time.Duration) {
	if d > 0 {
		l.window.Store(int64(d))
	}
}

// RunSweeper calls Sweep every interval of clk until ctx is done. A nil clk
// uses the wall clock.
func RunSweeper(ctx context.Context, l Ledger, interval time.Duration, clk clockwork.Clock) {
	if interval <= 0 {
		return
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			l.Sweep(ctx)
		}
	}
}
