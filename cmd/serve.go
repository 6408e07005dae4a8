package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/rollcall/internal/adapters/http/api"
	"github.com/okian/rollcall/internal/adapters/http/site"
	"github.com/okian/rollcall/internal/adapters/http/swagger"
	"github.com/okian/rollcall/internal/adapters/http/ws"
	app "github.com/okian/rollcall/internal/app"
	"github.com/okian/rollcall/internal/config"
	"github.com/okian/rollcall/pkg/logger"
	"github.com/okian/rollcall/pkg/metrics"
)

// HTTP server timeout constants. WriteTimeout stays zero because SSE and
// WebSocket responses are long lived.
const (
	readTimeout       = 10 * time.Second
	idleTimeout       = 60 * time.Second
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service",
	Long: `Serve starts the REST API, the live event streams (/ws and /api/events),
the dashboard at / and the API reference at /api-docs. When a config file
is given it is watched and cooldown, cadence and simulator settings are
applied without a restart.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides config addr)")
	serveCmd.Flags().Bool("autostart", false, "start the recognition loop on boot")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if addr := mustGetString(cmd, "addr"); addr != "" {
		cfg.Addr = addr
	}
	if mustGetBool(cmd, "autostart") {
		cfg.AutostartRecognition = true
	}
	log := logger.Get()

	srv, svc, err := newServer(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.Stop()

	if configPath != "" {
		if err := config.Watch(ctx, configPath, func(next *config.Config) {
			if err := svc.Reload(ctx, next); err != nil {
				log.Warn(ctx, "config reload rejected", logger.Error(err))
			}
		}, log.Named("config")); err != nil {
			log.Warn(ctx, "config hot reload disabled", logger.Error(err))
		}
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	log.Info(ctx, "shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "server shutdown failed", logger.Error(err))
	}
	log.Info(ctx, "server stopped")
	return nil
}

// configureMetrics rebuilds the global metrics manager from cfg.
func configureMetrics(cfg *config.Config) error {
	labels, err := cfg.MetricLabels()
	if err != nil {
		return err
	}
	buckets, err := cfg.HistogramBuckets()
	if err != nil {
		return err
	}
	metrics.Configure(
		metrics.WithNamespace(cfg.MetricsNamespace),
		metrics.WithMetricsEnabled(cfg.MetricsEnabled),
		metrics.WithConstLabels(labels),
		metrics.WithHistogramBuckets(buckets),
		metrics.WithRefreshInterval(cfg.MetricsRefresh()),
	)
	return nil
}

// newServer configures metrics, opens the store, starts the service and
// mounts every HTTP adapter on one router.
func newServer(ctx context.Context, cfg *config.Config, log logger.Logger) (*http.Server, *app.Service, error) {
	if err := configureMetrics(cfg); err != nil {
		return nil, nil, err
	}
	store, err := app.OpenStore(ctx, cfg, log.Named("store"))
	if err != nil {
		return nil, nil, err
	}
	svc, err := app.New(cfg,
		app.WithStore(store),
		app.WithLogger(log),
	)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	if err := svc.Start(ctx); err != nil {
		svc.Stop()
		return nil, nil, err
	}

	origins := cfg.Origins()
	apiServer := api.NewServer(svc,
		api.WithLogger(log.Named("http")),
		api.WithOrigins(origins),
		api.WithUploadsDir(cfg.UploadsDir),
	)
	router := apiServer.Router(ctx)
	ws.Register(ctx, router, svc, ws.WithOrigins(origins), ws.WithLogger(log))
	swagger.Register(ctx, router)
	site.Register(ctx, router)

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadTimeout:       readTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}, svc, nil
}
