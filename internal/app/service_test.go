package service_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/okian/rollcall/internal/adapters/repository"
	service "github.com/okian/rollcall/internal/app"
	"github.com/okian/rollcall/internal/config"
	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/types"
	"github.com/okian/rollcall/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	// Initialize logging for tests
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

// scriptedSource reports whatever detection is currently set.
type scriptedSource struct {
	mu sync.Mutex
	d  model.Detection
	ok bool
}

func (s *scriptedSource) set(d model.Detection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d, s.ok = d, true
}

func (s *scriptedSource) Next(context.Context) (model.Detection, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d, s.ok, nil
}

// hangupSource cancels the caller's context while "capturing", like a
// client that disconnects mid-request.
type hangupSource struct {
	d      model.Detection
	cancel context.CancelFunc
}

func (s *hangupSource) Next(context.Context) (model.Detection, bool, error) {
	s.cancel()
	return s.d, true, nil
}

// ctxStore fails writes on a done context the way a database driver does.
type ctxStore struct {
	*repository.MemoryStore
}

func (s ctxStore) InsertAttendance(ctx context.Context, a repository.NewAttendance) (model.AttendanceRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.AttendanceRecord{}, err
	}
	return s.MemoryStore.InsertAttendance(ctx, a)
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.New()
	cfg.UploadsDir = t.TempDir()
	cfg.DetectionProbability = 1
	cfg.DetectionLatencyMinMS = 0
	cfg.DetectionLatencyMaxMS = 0
	return cfg
}

func TestService_New(t *testing.T) {
	Convey("Given a default configuration", t, func() {
		svc, err := service.New(testConfig(t))

		Convey("Then the service is built but not started", func() {
			So(err, ShouldBeNil)
			So(svc, ShouldNotBeNil)
			So(svc.Started(), ShouldBeFalse)
		})

		Convey("And recognition cannot start before the service", func() {
			_, err := svc.StartRecognition()
			So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)
		})
	})

	Convey("Given an invalid configuration", t, func() {
		cfg := testConfig(t)
		cfg.CooldownSeconds = 0
		_, err := service.New(cfg)

		Convey("Then New rejects it", func() {
			So(errors.Is(err, config.ErrInvalidConfig), ShouldBeTrue)
		})
	})
}

func TestService_StartStop(t *testing.T) {
	Convey("Given a started service", t, func() {
		svc, err := service.New(testConfig(t))
		So(err, ShouldBeNil)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		So(svc.Start(ctx), ShouldBeNil)
		So(svc.Start(ctx), ShouldBeNil)

		Convey("Recognition can be toggled", func() {
			started, err := svc.StartRecognition()
			So(err, ShouldBeNil)
			So(started, ShouldBeTrue)
			again, _ := svc.StartRecognition()
			So(again, ShouldBeFalse)
			So(svc.RecognitionStatus().Running, ShouldBeTrue)
			So(svc.StopRecognition(), ShouldBeTrue)
			So(svc.StopRecognition(), ShouldBeFalse)
		})

		Convey("Stop is idempotent and stops recognition", func() {
			_, _ = svc.StartRecognition()
			svc.Stop()
			svc.Stop()
			So(svc.Started(), ShouldBeFalse)
			So(svc.RecognitionStatus().Running, ShouldBeFalse)
		})

		Reset(func() { svc.Stop() })
	})
}

func TestService_Recognition(t *testing.T) {
	Convey("Given a service with a scripted source and a manual clock", t, func() {
		ctx := context.Background()
		mc := clockwork.NewFakeClockAt(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
		store := repository.NewMemoryStore(repository.WithClock(mc))
		src := &scriptedSource{}
		svc, err := service.New(testConfig(t), service.WithStore(store), service.WithSource(src), service.WithClock(mc))
		So(err, ShouldBeNil)

		alice, err := svc.CreateUser(ctx, types.CreateUserRequest{Name: "Alice"})
		So(err, ShouldBeNil)
		src.set(model.Detection{Identity: model.Identity(alice.ID), Name: "Alice", Confidence: 90})

		Convey("The U1 scenario accepts, rejects, then accepts again", func() {
			So(svc.RunCycle(ctx).Outcome, ShouldEqual, "accepted")
			mc.Advance(10 * time.Second)
			r := svc.RunCycle(ctx)
			So(r.Outcome, ShouldEqual, "rejected")
			So(r.User.Name, ShouldEqual, "Alice")
			mc.Advance(21 * time.Second)
			So(svc.RunCycle(ctx).Outcome, ShouldEqual, "accepted")

			entries, err := svc.Attendance(ctx, repository.Filter{})
			So(err, ShouldBeNil)
			So(len(entries), ShouldEqual, 2)
			So(*entries[0].Confidence, ShouldEqual, 90)
			So(entries[0].Status, ShouldEqual, "present")

			st := svc.RecognitionStatus()
			So(st.Accepted, ShouldEqual, 2)
			So(st.Rejected, ShouldEqual, 1)
		})

		Convey("Expired cooldowns are not reported as active before a sweep", func() {
			So(svc.RunCycle(ctx).Outcome, ShouldEqual, "accepted")
			So(svc.RecognitionStatus().ActiveCooldowns, ShouldEqual, 1)
			mc.Advance(time.Hour)
			So(svc.RecognitionStatus().ActiveCooldowns, ShouldEqual, 0)
		})

		Convey("Releasing the cooldown lets the next cycle through", func() {
			So(svc.RunCycle(ctx).Outcome, ShouldEqual, "accepted")
			So(svc.ReleaseCooldown(ctx, model.Identity(alice.ID)), ShouldBeTrue)
			So(svc.RunCycle(ctx).Outcome, ShouldEqual, "accepted")
		})

		Convey("Reload shortens the window for new reservations", func() {
			cfg := testConfig(t)
			cfg.CooldownSeconds = 5
			So(svc.Reload(ctx, cfg), ShouldBeNil)
			So(svc.RunCycle(ctx).Outcome, ShouldEqual, "accepted")
			mc.Advance(5 * time.Second)
			So(svc.RunCycle(ctx).Outcome, ShouldEqual, "accepted")
			So(svc.RecognitionStatus().CooldownSeconds, ShouldEqual, 5)
		})

		Convey("Reload rejects invalid configuration", func() {
			cfg := testConfig(t)
			cfg.LateAfter = "late"
			So(svc.Reload(ctx, cfg), ShouldNotBeNil)
		})

		Convey("With a late cutoff, marks after it are late", func() {
			cfg := testConfig(t)
			cfg.LateAfter = "09:00"
			So(svc.Reload(ctx, cfg), ShouldBeNil)

			mc.Advance(time.Hour)
			So(svc.RunCycle(ctx).Outcome, ShouldEqual, "accepted")
			mc.Advance(time.Minute)
			So(svc.RunCycle(ctx).Outcome, ShouldEqual, "accepted")

			entries, _ := svc.Attendance(ctx, repository.Filter{})
			So(entries[0].Status, ShouldEqual, "late")
			So(entries[1].Status, ShouldEqual, "present")

			stats, err := svc.Stats(ctx)
			So(err, ShouldBeNil)
			So(stats.TotalUsers, ShouldEqual, 1)
			So(stats.PresentToday, ShouldEqual, 1)
			So(stats.LateToday, ShouldEqual, 1)
		})
	})
}

func TestService_RunCycleCallerGone(t *testing.T) {
	Convey("Given a manual cycle whose caller disconnects during detection", t, func() {
		store := ctxStore{repository.NewMemoryStore()}
		src := &hangupSource{}
		svc, err := service.New(testConfig(t), service.WithStore(store), service.WithSource(src))
		So(err, ShouldBeNil)

		carol, err := svc.CreateUser(context.Background(), types.CreateUserRequest{Name: "Carol"})
		So(err, ShouldBeNil)
		src.d = model.Detection{Identity: model.Identity(carol.ID), Name: "Carol", Confidence: 88}

		reqCtx, cancel := context.WithCancel(context.Background())
		src.cancel = cancel
		res := svc.RunCycle(reqCtx)

		Convey("Then the record is still written", func() {
			So(reqCtx.Err(), ShouldNotBeNil)
			So(res.Outcome, ShouldEqual, "accepted")
			So(res.Error, ShouldBeEmpty)

			entries, err := svc.Attendance(context.Background(), repository.Filter{})
			So(err, ShouldBeNil)
			So(len(entries), ShouldEqual, 1)
		})
	})
}

func TestService_Mark(t *testing.T) {
	Convey("Given a service with one subscriber", t, func() {
		ctx := context.Background()
		mc := clockwork.NewFakeClockAt(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
		src := &scriptedSource{}
		svc, err := service.New(testConfig(t), service.WithSource(src), service.WithClock(mc))
		So(err, ShouldBeNil)
		sub, err := svc.Subscribe()
		So(err, ShouldBeNil)
		defer svc.Unsubscribe(sub.ID)

		bob, err := svc.CreateUser(ctx, types.CreateUserRequest{Name: "Bob", Role: "employee"})
		So(err, ShouldBeNil)
		id := model.Identity(bob.ID)

		Convey("A manual mark stores, reserves and broadcasts", func() {
			resp, err := svc.Mark(ctx, id, model.StatusLate)
			So(err, ShouldBeNil)
			So(resp.Message, ShouldEqual, "Attendance marked for Bob")
			So(resp.Override, ShouldBeFalse)
			So(resp.Record.Status, ShouldEqual, "late")
			So(resp.Record.Role, ShouldEqual, "employee")

			ev := <-sub.Events()
			marked, ok := ev.(model.AttendanceMarked)
			So(ok, ShouldBeTrue)
			So(marked.Manual, ShouldBeTrue)
			So(marked.RecordID, ShouldEqual, model.RecordID(resp.Record.ID))

			Convey("Recognition then respects the reservation", func() {
				src.set(model.Detection{Identity: id, Name: "Bob", Confidence: 88})
				So(svc.RunCycle(ctx).Outcome, ShouldEqual, "rejected")
			})

			Convey("A second manual mark overrides the cooldown", func() {
				again, err := svc.Mark(ctx, id, model.StatusPresent)
				So(err, ShouldBeNil)
				So(again.Override, ShouldBeTrue)
			})
		})

		Convey("Marking an unknown user is not found", func() {
			_, err := svc.Mark(ctx, "nope", model.StatusPresent)
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
		})
	})
}

func TestService_Users(t *testing.T) {
	Convey("Given an empty service", t, func() {
		ctx := context.Background()
		svc, err := service.New(testConfig(t))
		So(err, ShouldBeNil)

		Convey("Duplicate names conflict", func() {
			_, err := svc.CreateUser(ctx, types.CreateUserRequest{Name: "Cara"})
			So(err, ShouldBeNil)
			_, err = svc.CreateUser(ctx, types.CreateUserRequest{Name: " Cara "})
			So(errors.Is(err, repository.ErrConflict), ShouldBeTrue)
		})

		Convey("Unknown roles and empty names are invalid", func() {
			_, err := svc.CreateUser(ctx, types.CreateUserRequest{Name: "Dan", Role: "wizard"})
			So(errors.Is(err, repository.ErrInvalidInput), ShouldBeTrue)
			_, err = svc.CreateUser(ctx, types.CreateUserRequest{Name: "  "})
			So(errors.Is(err, repository.ErrInvalidInput), ShouldBeTrue)
		})

		Convey("A new user is immediately visible to the simulator", func() {
			So(svc.RunCycle(ctx).Outcome, ShouldEqual, "no_detection")
			_, err := svc.CreateUser(ctx, types.CreateUserRequest{Name: "Eve"})
			So(err, ShouldBeNil)
			r := svc.RunCycle(ctx)
			So(r.Outcome, ShouldEqual, "accepted")
			So(r.User.Name, ShouldEqual, "Eve")
		})

		Convey("Import creates users and records, and exports round-trip", func() {
			csv := "name,timestamp\nAnn,2026-03-01 09:00:00\nBen,2026-03-01 09:05:00\nAnn,bad\n"
			res, err := svc.Import(ctx, strings.NewReader(csv))
			So(err, ShouldBeNil)
			So(res.Imported, ShouldEqual, 2)
			So(res.UsersCreated, ShouldEqual, 2)
			So(res.Skipped, ShouldEqual, 1)

			users, err := svc.Users(ctx)
			So(err, ShouldBeNil)
			So(len(users), ShouldEqual, 2)
			So(users[0].Name, ShouldEqual, "Ann")
			So(users[0].PresentDays, ShouldEqual, 1)

			var buf bytes.Buffer
			So(svc.ExportCSV(ctx, &buf, repository.Filter{Limit: -1}), ShouldBeNil)
			So(buf.String(), ShouldStartWith, "id,name,role,timestamp,status,confidence\n")
			So(strings.Count(buf.String(), "\n"), ShouldEqual, 3)
		})
	})
}
