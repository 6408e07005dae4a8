package recognition_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/rollcall/internal/domain/cooldown"
	"github.com/okian/rollcall/internal/domain/detection"
	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/recognition"
)

var t0 = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

// fixedSource always reports the same subject.
type fixedSource struct {
	d     model.Detection
	found bool
	err   error
}

func (s *fixedSource) Next(context.Context) (model.Detection, bool, error) {
	return s.d, s.found, s.err
}

// blockingSource parks inside Next until released.
type blockingSource struct {
	entered chan struct{}
	release chan struct{}
	d       model.Detection
}

func newBlockingSource(d model.Detection) *blockingSource {
	return &blockingSource{entered: make(chan struct{}, 16), release: make(chan struct{}), d: d}
}

func (s *blockingSource) Next(ctx context.Context) (model.Detection, bool, error) {
	s.entered <- struct{}{}
	select {
	case <-s.release:
		return s.d, true, nil
	case <-ctx.Done():
		return model.Detection{}, false, fmt.Errorf("%w: %w", detection.ErrDetection, ctx.Err())
	}
}

type fakeRecorder struct {
	mu    sync.Mutex
	fail  error
	calls []model.Identity
}

func (r *fakeRecorder) Record(_ context.Context, id model.Identity, _ float64) (model.RecordID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return "", r.fail
	}
	r.calls = append(r.calls, id)
	return model.RecordID(fmt.Sprintf("%d", len(r.calls))), nil
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *fakePublisher) Publish(_ context.Context, e model.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *fakePublisher) types() []model.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type())
	}
	return out
}

var ada = model.Detection{Identity: "u1", Name: "Ada", Confidence: 90, ObservedAt: t0}

func TestRunCycle(t *testing.T) {
	Convey("Given a loop over a source that always sees Ada", t, func() {
		ctx := context.Background()
		clk := clockwork.NewFakeClockAt(t0)
		ledger := cooldown.NewInMemoryLedger(cooldown.WithClock(clk), cooldown.WithWindow(30*time.Second))
		rec := &fakeRecorder{}
		pub := &fakePublisher{}
		loop := recognition.New(&fixedSource{d: ada, found: true}, ledger, rec, pub, recognition.WithClock(clk))

		Convey("When cycles run at t=0, t=10s and t=31s", func() {
			r1 := loop.RunCycle(ctx)
			clk.Advance(10 * time.Second)
			r2 := loop.RunCycle(ctx)
			clk.Advance(21 * time.Second)
			r3 := loop.RunCycle(ctx)

			Convey("Then the first and third are accepted and the second rejected", func() {
				So(r1.Outcome, ShouldEqual, recognition.OutcomeAccepted)
				So(r2.Outcome, ShouldEqual, recognition.OutcomeRejected)
				So(r3.Outcome, ShouldEqual, recognition.OutcomeAccepted)
				So(rec.count(), ShouldEqual, 2)
			})

			Convey("And every detection is broadcast, marks only when accepted, in causal order", func() {
				So(pub.types(), ShouldResemble, []model.EventType{
					model.EventFaceDetected, model.EventAttendanceMarked,
					model.EventFaceDetected,
					model.EventFaceDetected, model.EventAttendanceMarked,
				})
			})

			Convey("And the mark carries the record id and message", func() {
				marked := pub.events[1].(model.AttendanceMarked)
				So(marked.RecordID, ShouldEqual, model.RecordID("1"))
				So(marked.Message, ShouldEqual, "Attendance marked for Ada")
				So(marked.Manual, ShouldBeFalse)
				So(marked.MarkedAt, ShouldEqual, t0)
			})

			Convey("And stats count each outcome", func() {
				s := loop.Stats()
				So(s.Cycles, ShouldEqual, 3)
				So(s.Accepted, ShouldEqual, 2)
				So(s.Rejected, ShouldEqual, 1)
			})
		})
	})

	Convey("Given a source that sees nobody", t, func() {
		pub := &fakePublisher{}
		loop := recognition.New(&fixedSource{}, cooldown.NewInMemoryLedger(), &fakeRecorder{}, pub)

		r := loop.RunCycle(context.Background())

		Convey("Then the cycle ends with no detection and no events", func() {
			So(r.Outcome, ShouldEqual, recognition.OutcomeNoDetection)
			So(r.Err, ShouldBeNil)
			So(pub.types(), ShouldBeEmpty)
		})
	})

	Convey("Given a source that fails", t, func() {
		pub := &fakePublisher{}
		src := &fixedSource{err: fmt.Errorf("%w: camera timeout", detection.ErrDetection)}
		loop := recognition.New(src, cooldown.NewInMemoryLedger(), &fakeRecorder{}, pub)

		r := loop.RunCycle(context.Background())

		Convey("Then the failure is treated as no detection", func() {
			So(r.Outcome, ShouldEqual, recognition.OutcomeNoDetection)
			So(errors.Is(r.Err, detection.ErrDetection), ShouldBeTrue)
			So(pub.types(), ShouldBeEmpty)
		})
	})

	Convey("Given a recorder that fails", t, func() {
		ctx := context.Background()
		ledger := cooldown.NewInMemoryLedger(cooldown.WithClock(clockwork.NewFakeClockAt(t0)))
		rec := &fakeRecorder{fail: errors.New("disk full")}
		pub := &fakePublisher{}
		loop := recognition.New(&fixedSource{d: ada, found: true}, ledger, rec, pub)

		r := loop.RunCycle(ctx)

		Convey("Then the outcome is a storage failure", func() {
			So(r.Outcome, ShouldEqual, recognition.OutcomeStorageFailed)
			So(errors.Is(r.Err, recognition.ErrStorage), ShouldBeTrue)
		})

		Convey("And only the detection is broadcast", func() {
			So(pub.types(), ShouldResemble, []model.EventType{model.EventFaceDetected})
		})

		Convey("And the reservation is kept", func() {
			So(ledger.Active(ctx, "u1"), ShouldBeTrue)
			rec.mu.Lock()
			rec.fail = nil
			rec.mu.Unlock()
			So(loop.RunCycle(ctx).Outcome, ShouldEqual, recognition.OutcomeRejected)
		})
	})
}

func TestNonReentrancy(t *testing.T) {
	Convey("Given a cycle parked inside the source", t, func() {
		ctx := context.Background()
		src := newBlockingSource(ada)
		loop := recognition.New(src, cooldown.NewInMemoryLedger(), &fakeRecorder{}, &fakePublisher{})

		first := make(chan recognition.Result, 1)
		go func() { first <- loop.RunCycle(ctx) }()
		<-src.entered

		Convey("When another cycle is requested", func() {
			r := loop.RunCycle(ctx)

			Convey("Then it is skipped without touching the source", func() {
				So(r.Outcome, ShouldEqual, recognition.OutcomeSkipped)
				So(len(src.entered), ShouldEqual, 0)
			})

			close(src.release)
			So((<-first).Outcome, ShouldEqual, recognition.OutcomeAccepted)
		})
	})
}

func TestStartStop(t *testing.T) {
	Convey("Given a loop on a fake clock with a 1s interval", t, func() {
		clk := clockwork.NewFakeClockAt(t0)
		loop := recognition.New(&fixedSource{}, cooldown.NewInMemoryLedger(), &fakeRecorder{}, &fakePublisher{},
			recognition.WithInterval(time.Second), recognition.WithClock(clk))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		Convey("When started twice", func() {
			So(loop.Start(ctx), ShouldBeTrue)
			So(loop.Start(ctx), ShouldBeFalse)
			So(loop.Running(), ShouldBeTrue)

			Convey("Then the first cycle runs at once and the next after one interval", func() {
				So(clk.BlockUntilContext(ctx, 1), ShouldBeNil)
				So(loop.Stats().Cycles, ShouldEqual, 1)

				clk.Advance(500 * time.Millisecond)
				So(loop.Stats().Cycles, ShouldEqual, 1)

				clk.Advance(500 * time.Millisecond)
				So(clk.BlockUntilContext(ctx, 1), ShouldBeNil)
				So(loop.Stats().Cycles, ShouldEqual, 2)

				So(loop.Stop(), ShouldBeTrue)
				So(loop.Stop(), ShouldBeFalse)
				loop.Wait()
				So(loop.Running(), ShouldBeFalse)

				clk.Advance(time.Hour)
				So(loop.Stats().Cycles, ShouldEqual, 2)
			})
		})

		Convey("When the interval is changed", func() {
			loop.SetInterval(time.Hour)
			So(loop.Interval(), ShouldEqual, time.Hour)
		})
	})

	Convey("Given a running loop with a cycle in flight", t, func() {
		src := newBlockingSource(ada)
		rec := &fakeRecorder{}
		loop := recognition.New(src, cooldown.NewInMemoryLedger(), rec, &fakePublisher{},
			recognition.WithInterval(time.Hour))
		loop.Start(context.Background())
		<-src.entered

		Convey("When stopped", func() {
			loop.Stop()

			waited := make(chan struct{})
			go func() {
				loop.Wait()
				close(waited)
			}()

			Convey("Then the in-flight cycle still completes", func() {
				select {
				case <-waited:
					t.Fatal("Wait returned before the in-flight cycle finished")
				default:
				}
				So(loop.Running(), ShouldBeFalse)
				close(src.release)
				<-waited
				So(rec.count(), ShouldEqual, 1)
				So(loop.Stats().Accepted, ShouldEqual, 1)
			})
		})
	})

	Convey("Given a loop started with a context that gets cancelled", t, func() {
		loop := recognition.New(&fixedSource{}, cooldown.NewInMemoryLedger(), &fakeRecorder{}, &fakePublisher{},
			recognition.WithInterval(time.Hour))
		ctx, cancel := context.WithCancel(context.Background())
		loop.Start(ctx)
		cancel()
		loop.Wait()

		Convey("Then the loop reports idle and can be started again", func() {
			So(loop.Running(), ShouldBeFalse)
			So(loop.Start(context.Background()), ShouldBeTrue)
			So(loop.Stop(), ShouldBeTrue)
			loop.Wait()
		})
	})
}

func TestOutcomeString(t *testing.T) {
	Convey("Outcomes have stable metric labels", t, func() {
		So(recognition.OutcomeAccepted.String(), ShouldEqual, "accepted")
		So(recognition.OutcomeRejected.String(), ShouldEqual, "rejected")
		So(recognition.OutcomeNoDetection.String(), ShouldEqual, "no_detection")
		So(recognition.OutcomeStorageFailed.String(), ShouldEqual, "storage_failed")
		So(recognition.OutcomeSkipped.String(), ShouldEqual, "skipped")
		So(recognition.Outcome(99).String(), ShouldEqual, "unknown")
	})
}
