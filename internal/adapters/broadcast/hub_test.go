package broadcast_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/okian/rollcall/internal/adapters/broadcast"
	"github.com/okian/rollcall/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func TestHub(t *testing.T) {
	Convey("Given a hub with two subscribers", t, func() {
		ctx := context.Background()
		var dropMu sync.Mutex
		var drops []error
		h := broadcast.NewHub(broadcast.WithBuffer(2), broadcast.WithDropHandler(func(err error) {
			dropMu.Lock()
			drops = append(drops, err)
			dropMu.Unlock()
		}))
		a, err := h.Subscribe()
		So(err, ShouldBeNil)
		b, err := h.Subscribe()
		So(err, ShouldBeNil)
		So(a.ID, ShouldNotEqual, b.ID)
		So(h.Count(), ShouldEqual, 2)

		Convey("When a detection and a mark are published", func() {
			h.Publish(ctx, model.FaceDetected{Identity: "u1"})
			h.Publish(ctx, model.AttendanceMarked{Identity: "u1"})

			Convey("Then each subscriber receives both in order", func() {
				for _, s := range []*broadcast.Subscription{a, b} {
					So((<-s.Events()).Type(), ShouldEqual, model.EventFaceDetected)
					So((<-s.Events()).Type(), ShouldEqual, model.EventAttendanceMarked)
				}
				st, ok := h.Stats(a.ID)
				So(ok, ShouldBeTrue)
				So(st.Sent, ShouldEqual, 2)
				So(st.Dropped, ShouldEqual, 0)
			})
		})

		Convey("When one subscriber never reads and its mailbox fills", func() {
			for i := 0; i < 3; i++ {
				h.Publish(ctx, model.FaceDetected{Identity: "u1"})
				<-b.Events()
			}

			Convey("Then only the slow subscriber drops, with ErrPublish", func() {
				sa, _ := h.Stats(a.ID)
				sb, _ := h.Stats(b.ID)
				So(sa.Sent, ShouldEqual, 2)
				So(sa.Dropped, ShouldEqual, 1)
				So(sa.Queued, ShouldEqual, 2)
				So(sb.Sent, ShouldEqual, 3)
				So(sb.Dropped, ShouldEqual, 0)

				dropMu.Lock()
				defer dropMu.Unlock()
				So(len(drops), ShouldEqual, 1)
				So(errors.Is(drops[0], broadcast.ErrPublish), ShouldBeTrue)
			})
		})

		Convey("When a subscriber unsubscribes", func() {
			So(h.Unsubscribe(a.ID), ShouldBeTrue)
			So(h.Unsubscribe(a.ID), ShouldBeFalse)
			h.Publish(ctx, model.FaceDetected{Identity: "u1"})

			Convey("Then its mailbox is closed and others still receive", func() {
				_, open := <-a.Events()
				So(open, ShouldBeFalse)
				So((<-b.Events()).Subject(), ShouldEqual, model.Identity("u1"))
				_, ok := h.Stats(a.ID)
				So(ok, ShouldBeFalse)
				So(h.Count(), ShouldEqual, 1)
			})
		})

		Convey("When the publisher context is already cancelled", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			h.Publish(cctx, model.FaceDetected{Identity: "u9"})

			Convey("Then delivery still happens", func() {
				So((<-a.Events()).Subject(), ShouldEqual, model.Identity("u9"))
			})
		})

		Convey("When the hub is closed", func() {
			So(h.Close(), ShouldBeNil)
			So(h.Close(), ShouldBeNil)

			Convey("Then mailboxes close and new subscriptions fail", func() {
				_, open := <-a.Events()
				So(open, ShouldBeFalse)
				_, err := h.Subscribe()
				So(errors.Is(err, broadcast.ErrClosed), ShouldBeTrue)
				So(h.Count(), ShouldEqual, 0)
			})
		})
	})
}

func TestHubConcurrency(t *testing.T) {
	Convey("Given concurrent publishers and churning subscribers", t, func() {
		ctx := context.Background()
		h := broadcast.NewHub(broadcast.WithBuffer(4))

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 200; j++ {
					h.Publish(ctx, model.FaceDetected{Identity: "u"})
				}
			}()
		}
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					s, err := h.Subscribe()
					if err != nil {
						return
					}
					h.Unsubscribe(s.ID)
				}
			}()
		}
		wg.Wait()

		Convey("Then nothing panics and all churned subscribers are gone", func() {
			So(h.Count(), ShouldEqual, 0)
			So(len(h.AllStats()), ShouldEqual, 0)
		})
	})
}
