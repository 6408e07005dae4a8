// Package recognition drives the detect, dedup, record and broadcast cycle.
package recognition

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/okian/rollcall/internal/domain/cooldown"
	"github.com/okian/rollcall/internal/domain/detection"
	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/pkg/logger"
	"github.com/okian/rollcall/pkg/metrics"
)

// DefaultInterval is the pause between cycles.
const DefaultInterval = 2 * time.Second

// Recorder persists an accepted detection.
type Recorder interface {
	Record(ctx context.Context, id model.Identity, confidence float64) (model.RecordID, error)
}

// Publisher fans events out to observers. It must not block on slow observers.
type Publisher interface {
	Publish(ctx context.Context, e model.Event)
}

// Option applies a configuration option to the Loop.
type Option func(*Loop)

// WithInterval sets the pause between cycles.
func WithInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d >= 0 {
			l.interval.Store(int64(d))
		}
	}
}

// WithClock injects the time source used for the cadence and MarkedAt.
func WithClock(c clockwork.Clock) Option {
	return func(l *Loop) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(l *Loop) {
		l.log = log
	}
}

// Loop runs recognition cycles on a fixed cadence. At most one cycle is in
// flight at any time, whether started by the runner or by RunCycle.
type Loop struct {
	source    detection.Source
	ledger    cooldown.Ledger
	recorder  Recorder
	publisher Publisher
	clock     clockwork.Clock
	log       logger.Logger

	interval atomic.Int64 // time.Duration
	gate     chan struct{}

	mu         sync.Mutex
	stop       chan struct{} // nil while idle
	wg         sync.WaitGroup
	counts     [numOutcomes]atomic.Int64
	generation atomic.Int64
}

// New creates a Loop. It does not start it.
func New(source detection.Source, ledger cooldown.Ledger, recorder Recorder, publisher Publisher, opts ...Option) *Loop {
	l := &Loop{
		source:    source,
		ledger:    ledger,
		recorder:  recorder,
		publisher: publisher,
		clock:     clockwork.NewRealClock(),
		gate:      make(chan struct{}, 1),
	}
	l.interval.Store(int64(DefaultInterval))
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = logger.Nop()
	}
	return l
}

// Start launches the background runner. The first cycle begins immediately.
// It returns false if the loop was already running. Cycles run with ctx, so
// it should outlive the caller's request.
func (l *Loop) Start(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil {
		return false
	}
	stop := make(chan struct{})
	l.stop = stop
	gen := l.generation.Add(1)

	l.wg.Add(1)
	go l.run(ctx, stop, gen)

	metrics.UpdateRecognitionRunning(true)
	l.log.Info(ctx, "recognition started", logger.Duration("interval", l.Interval()), logger.Int64("generation", gen))
	return true
}

// Stop prevents further cycles from being scheduled. A cycle already in
// flight completes. It returns false if the loop was not running.
func (l *Loop) Stop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop == nil {
		return false
	}
	close(l.stop)
	l.stop = nil

	metrics.UpdateRecognitionRunning(false)
	l.log.Info(context.Background(), "recognition stopped")
	return true
}

// Running reports whether a runner is scheduled.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stop != nil
}

// Wait blocks until every runner goroutine has exited.
func (l *Loop) Wait() {
	l.wg.Wait()
}

// Interval returns the pause between cycles.
func (l *Loop) Interval() time.Duration {
	return time.Duration(l.interval.Load())
}

// SetInterval changes the cadence. It applies from the next scheduling.
func (l *Loop) SetInterval(d time.Duration) {
	if d >= 0 {
		l.interval.Store(int64(d))
	}
}

// Stats returns cumulative outcome counters.
func (l *Loop) Stats() Stats {
	s := Stats{
		Accepted:      l.counts[OutcomeAccepted].Load(),
		Rejected:      l.counts[OutcomeRejected].Load(),
		NoDetection:   l.counts[OutcomeNoDetection].Load(),
		StorageFailed: l.counts[OutcomeStorageFailed].Load(),
		Skipped:       l.counts[OutcomeSkipped].Load(),
	}
	s.Cycles = s.Accepted + s.Rejected + s.NoDetection + s.StorageFailed + s.Skipped
	return s
}

func (l *Loop) run(ctx context.Context, stop <-chan struct{}, gen int64) {
	defer l.wg.Done()

	for {
		// Stop may have raced with the last tick.
		select {
		case <-stop:
			return
		case <-ctx.Done():
			l.detach(stop)
			return
		default:
		}

		res := l.RunCycle(ctx)
		if res.Outcome == OutcomeSkipped {
			l.log.Debug(ctx, "cycle skipped, another in flight", logger.Int64("generation", gen))
		}

		timer := l.clock.NewTimer(l.Interval())
		select {
		case <-stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			l.detach(stop)
			return
		case <-timer.Chan():
		}
	}
}

// detach clears the running state when the runner exits on its own.
func (l *Loop) detach(stop <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil && l.stop == stop {
		l.stop = nil
		metrics.UpdateRecognitionRunning(false)
	}
}

// RunCycle performs one detect, reserve, record, publish pass. If another
// cycle is in flight it returns OutcomeSkipped without touching the source.
func (l *Loop) RunCycle(ctx context.Context) Result {
	select {
	case l.gate <- struct{}{}:
	default:
		return l.finish(Result{Outcome: OutcomeSkipped}, 0)
	}
	defer func() { <-l.gate }()

	start := l.clock.Now()

	d, found, err := l.source.Next(ctx)
	if err != nil {
		l.log.Warn(ctx, "detection failed", logger.Error(err))
		metrics.RecordErrorByComponent("detection", "source")
		return l.finish(Result{Outcome: OutcomeNoDetection, Err: err}, l.clock.Since(start))
	}
	if !found {
		return l.finish(Result{Outcome: OutcomeNoDetection}, l.clock.Since(start))
	}
	metrics.RecordDetectionConfidence(d.Confidence)

	l.publisher.Publish(ctx, model.FaceDetected{
		Identity:   d.Identity,
		Name:       d.Name,
		Confidence: d.Confidence,
		ObservedAt: d.ObservedAt,
	})

	if !l.ledger.TryReserve(ctx, d.Identity) {
		l.log.Debug(ctx, "detection within cooldown",
			logger.String("identity", string(d.Identity)),
			logger.Duration("remaining", l.ledger.Remaining(ctx, d.Identity)))
		return l.finish(Result{Outcome: OutcomeRejected, Detection: d}, l.clock.Since(start))
	}

	id, err := l.recorder.Record(ctx, d.Identity, d.Confidence)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrStorage, err)
		l.log.Error(ctx, "record attendance", logger.String("identity", string(d.Identity)), logger.Error(err))
		metrics.RecordStorageError()
		metrics.RecordErrorByComponent("recognition", "storage")
		return l.finish(Result{Outcome: OutcomeStorageFailed, Detection: d, Err: err}, l.clock.Since(start))
	}

	l.publisher.Publish(ctx, model.AttendanceMarked{
		Identity:   d.Identity,
		Name:       d.Name,
		Confidence: d.Confidence,
		MarkedAt:   l.clock.Now(),
		RecordID:   id,
		Message:    fmt.Sprintf("Attendance marked for %s", d.Name),
	})
	metrics.RecordAttendance("recognition")
	l.log.Info(ctx, "attendance marked",
		logger.String("identity", string(d.Identity)),
		logger.String("record_id", string(id)),
		logger.Float64("confidence", d.Confidence))

	return l.finish(Result{Outcome: OutcomeAccepted, Detection: d, RecordID: id}, l.clock.Since(start))
}

func (l *Loop) finish(r Result, elapsed time.Duration) Result {
	l.counts[r.Outcome].Add(1)
	metrics.RecordRecognitionCycle(r.Outcome.String(), elapsed)
	return r
}
