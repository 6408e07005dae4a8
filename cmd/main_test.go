package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/smartystreets/goconvey/convey"

	"github.com/okian/rollcall/internal/config"
	"github.com/okian/rollcall/pkg/logger"
)

func init() {
	_ = logger.Init()
}

func execute(args ...string) (string, error) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	configPath = ""
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfigCommand(t *testing.T) {
	convey.Convey("Given environment overrides", t, func() {
		t.Setenv("ROLLCALL_COOLDOWN_SECONDS", "45")
		t.Setenv("ROLLCALL_ADDR", ":8080")

		convey.Convey("Then config prints the effective values as YAML", func() {
			out, err := execute("config")
			convey.So(err, convey.ShouldBeNil)
			convey.So(out, convey.ShouldContainSubstring, "cooldown_seconds: 45")
			convey.So(out, convey.ShouldContainSubstring, "8080")
		})
	})

	convey.Convey("Given an invalid override", t, func() {
		t.Setenv("ROLLCALL_COOLDOWN_SECONDS", "0")

		convey.Convey("Then config fails", func() {
			_, err := execute("config")
			convey.So(err, convey.ShouldNotBeNil)
		})
	})
}

func TestImportCommand(t *testing.T) {
	convey.Convey("Given a CSV file", t, func() {
		dir := t.TempDir()
		file := filepath.Join(dir, "attendance.csv")
		data := "name,timestamp\nAda,2026-03-02 08:55:00\nGrace,2026-03-02T09:10:00Z\nbroken line\n"
		convey.So(os.WriteFile(file, []byte(data), 0o600), convey.ShouldBeNil)

		convey.Convey("Then import reports what it stored and skipped", func() {
			out, err := execute("import", file, "--quiet")
			convey.So(err, convey.ShouldBeNil)
			convey.So(out, convey.ShouldContainSubstring, "imported: 2")
			convey.So(out, convey.ShouldContainSubstring, "users created: 2")
			convey.So(out, convey.ShouldContainSubstring, "skipped: 1")
		})

		convey.Convey("And a missing file is an error", func() {
			_, err := execute("import", filepath.Join(dir, "nope.csv"), "--quiet")
			convey.So(err, convey.ShouldNotBeNil)
		})
	})
}

func TestCountLines(t *testing.T) {
	convey.Convey("countLines counts a trailing line without newline", t, func() {
		convey.So(countLines(nil), convey.ShouldEqual, 0)
		convey.So(countLines([]byte("a\nb\n")), convey.ShouldEqual, 2)
		convey.So(countLines([]byte("a\nb")), convey.ShouldEqual, 2)
	})
}

func TestWatchCommand(t *testing.T) {
	convey.Convey("watch rejects a non-websocket url", t, func() {
		_, err := execute("watch", "--url", "http://localhost:3001/ws", "--duration", "1s")
		convey.So(err, convey.ShouldNotBeNil)
		convey.So(err.Error(), convey.ShouldContainSubstring, "ws or wss")
	})
}

func TestNewServer(t *testing.T) {
	convey.Convey("Given a fully wired server", t, func() {
		ctx := context.Background()
		cfg := config.New()
		cfg.UploadsDir = t.TempDir()
		cfg.DetectionLatencyMinMS = 0
		cfg.DetectionLatencyMaxMS = 0
		cfg.MetricsNamespace = "campus"
		cfg.MetricsLabels = "site=north"

		srv, svc, err := newServer(ctx, cfg, logger.Nop())
		convey.So(err, convey.ShouldBeNil)
		defer svc.Stop()
		convey.So(srv.Addr, convey.ShouldEqual, cfg.Addr)
		convey.So(srv.WriteTimeout, convey.ShouldEqual, 0)

		get := func(path string) *httptest.ResponseRecorder {
			w := httptest.NewRecorder()
			srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
			return w
		}

		convey.Convey("Then every adapter is mounted", func() {
			convey.So(get("/healthz").Code, convey.ShouldEqual, http.StatusOK)
			convey.So(get("/api/stats").Code, convey.ShouldEqual, http.StatusOK)
			convey.So(get("/api/recognition/status").Code, convey.ShouldEqual, http.StatusOK)
			convey.So(get("/openapi.yaml").Code, convey.ShouldEqual, http.StatusOK)
			convey.So(get("/api-docs").Code, convey.ShouldEqual, http.StatusOK)

			root := get("/")
			convey.So(root.Code, convey.ShouldEqual, http.StatusOK)
			convey.So(strings.Contains(root.Body.String(), "Rollcall"), convey.ShouldBeTrue)

			// A plain GET without upgrade headers is refused by the upgrader.
			convey.So(get("/ws").Code, convey.ShouldEqual, http.StatusBadRequest)
		})

		convey.Convey("And metrics follow the configured namespace and labels", func() {
			convey.So(get("/healthz").Code, convey.ShouldEqual, http.StatusOK)
			body := get("/metrics").Body.String()
			convey.So(body, convey.ShouldContainSubstring, "campus_http_requests_total{")
			convey.So(body, convey.ShouldContainSubstring, `site="north"`)
		})

		convey.Convey("And recognition can be started over HTTP", func() {
			w := httptest.NewRecorder()
			srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/recognition/start", nil))
			convey.So(w.Code, convey.ShouldEqual, http.StatusOK)
			convey.So(svc.RecognitionStatus().Running, convey.ShouldBeTrue)
		})
	})
}
