package site

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	. "github.com/smartystreets/goconvey/convey"
)

func TestSiteHandler(t *testing.T) {
	Convey("Given a site handler", t, func() {
		ctx := context.Background()
		r := chi.NewRouter()

		Convey("When registering the site handler", func() {
			Register(ctx, r)

			Convey("Then it should serve the dashboard at /", func() {
				req := httptest.NewRequest("GET", "/", nil)
				w := httptest.NewRecorder()
				r.ServeHTTP(w, req)

				So(w.Code, ShouldEqual, http.StatusOK)
				So(w.Header().Get("Content-Type"), ShouldContainSubstring, "text/html")
				So(w.Body.String(), ShouldContainSubstring, "/assets/app.js")
			})

			Convey("And it should serve assets", func() {
				req := httptest.NewRequest("GET", "/assets/app.js", nil)
				w := httptest.NewRecorder()
				r.ServeHTTP(w, req)

				So(w.Code, ShouldEqual, http.StatusOK)
				So(w.Body.String(), ShouldContainSubstring, "/ws")
			})

			Convey("And it should not serve unknown paths", func() {
				req := httptest.NewRequest("GET", "/some-asset", nil)
				w := httptest.NewRecorder()
				r.ServeHTTP(w, req)

				So(w.Code, ShouldEqual, http.StatusNotFound)
			})

			Convey("And missing assets are not found", func() {
				req := httptest.NewRequest("GET", "/assets/missing.js", nil)
				w := httptest.NewRecorder()
				r.ServeHTTP(w, req)

				So(w.Code, ShouldEqual, http.StatusNotFound)
			})
		})
	})
}

func TestSiteHandlerWithNilRouter(t *testing.T) {
	Convey("Given a nil router", t, func() {
		Convey("Then registering should panic", func() {
			So(func() {
				Register(context.Background(), nil)
			}, ShouldPanic)
		})
	})
}

func TestRootHandler(t *testing.T) {
	Convey("The root handler reads the embedded index once", t, func() {
		h := NewRootHandler()
		So(h.err, ShouldBeNil)
		So(string(h.index), ShouldContainSubstring, "<title>Rollcall</title>")
	})
}
