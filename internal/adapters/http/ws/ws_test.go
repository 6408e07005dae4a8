package ws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/rollcall/internal/adapters/broadcast"
	"github.com/okian/rollcall/internal/adapters/http/ws"
	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/types"
)

func newServer(hub *broadcast.Hub, opts ...ws.Option) *httptest.Server {
	r := chi.NewRouter()
	ws.Register(context.Background(), r, hub, opts...)
	return httptest.NewServer(r)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + ws.Path
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestWebSocketStream(t *testing.T) {
	Convey("Given a connected WebSocket client", t, func() {
		hub := broadcast.NewHub()
		defer hub.Close()
		srv := newServer(hub)
		defer srv.Close()

		conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
		So(err, ShouldBeNil)
		defer conn.Close()
		So(resp.StatusCode, ShouldEqual, http.StatusSwitchingProtocols)
		So(hub.Count(), ShouldEqual, 1)

		Convey("Published events arrive as JSON envelopes in order", func() {
			ctx := context.Background()
			at := time.Date(2026, 3, 2, 8, 55, 0, 0, time.UTC)
			hub.Publish(ctx, model.FaceDetected{Identity: "3", Name: "Ada", Confidence: 88.5, ObservedAt: at})
			hub.Publish(ctx, model.AttendanceMarked{Identity: "3", Name: "Ada", Confidence: 88.5, MarkedAt: at, RecordID: "12"})

			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			kind, first, err := conn.ReadMessage()
			So(err, ShouldBeNil)
			So(kind, ShouldEqual, websocket.TextMessage)
			ev, err := types.DecodeEvent(first)
			So(err, ShouldBeNil)
			So(ev.Type(), ShouldEqual, model.EventFaceDetected)
			So(ev.Subject(), ShouldEqual, model.Identity("3"))

			_, second, err := conn.ReadMessage()
			So(err, ShouldBeNil)
			ev, err = types.DecodeEvent(second)
			So(err, ShouldBeNil)
			marked, ok := ev.(model.AttendanceMarked)
			So(ok, ShouldBeTrue)
			So(marked.RecordID, ShouldEqual, model.RecordID("12"))
		})

		Convey("Closing the client unsubscribes it", func() {
			So(conn.Close(), ShouldBeNil)
			So(eventually(func() bool { return hub.Count() == 0 }), ShouldBeTrue)
		})

		Convey("Closing the hub closes the connection", func() {
			So(hub.Close(), ShouldBeNil)
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, _, err := conn.ReadMessage()
			So(err, ShouldNotBeNil)
			So(websocket.IsCloseError(err, websocket.CloseGoingAway), ShouldBeTrue)
		})
	})
}

func TestWebSocketOrigins(t *testing.T) {
	Convey("Given a handler restricted to one origin", t, func() {
		hub := broadcast.NewHub()
		defer hub.Close()
		srv := newServer(hub, ws.WithOrigins([]string{"http://dash.local"}))
		defer srv.Close()

		Convey("The allowed origin connects", func() {
			h := http.Header{"Origin": []string{"http://dash.local"}}
			conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), h)
			So(err, ShouldBeNil)
			_ = conn.Close()
		})

		Convey("Other origins are refused and leave no subscriber behind", func() {
			h := http.Header{"Origin": []string{"http://evil.local"}}
			_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), h)
			So(err, ShouldNotBeNil)
			So(resp, ShouldNotBeNil)
			So(resp.StatusCode, ShouldEqual, http.StatusForbidden)
			So(eventually(func() bool { return hub.Count() == 0 }), ShouldBeTrue)
		})
	})
}

func TestWebSocketAfterHubClosed(t *testing.T) {
	Convey("A closed hub refuses new connections", t, func() {
		hub := broadcast.NewHub()
		So(hub.Close(), ShouldBeNil)
		srv := newServer(hub)
		defer srv.Close()

		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
		So(err, ShouldNotBeNil)
		So(resp.StatusCode, ShouldEqual, http.StatusServiceUnavailable)
	})
}
