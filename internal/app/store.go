package service

import (
	"context"
	"fmt"

	"github.com/okian/rollcall/internal/adapters/repository"
	"github.com/okian/rollcall/internal/adapters/repository/sqlstore"
	"github.com/okian/rollcall/internal/config"
	"github.com/okian/rollcall/pkg/logger"
)

// OpenStore builds the attendance store selected by cfg.DatabaseDriver.
func OpenStore(ctx context.Context, cfg *config.Config, log logger.Logger) (repository.Store, error) {
	switch cfg.DatabaseDriver {
	case config.DriverMemory:
		log.Info(ctx, "using in-memory store")
		return repository.NewMemoryStore(), nil
	case config.DriverPostgres, config.DriverMySQL:
		s, err := sqlstore.Open(ctx, sqlstore.Config{
			Driver:       cfg.DatabaseDriver,
			URL:          cfg.DatabaseURL,
			MaxOpenConns: cfg.MaxOpenConns,
			MaxIdleConns: cfg.MaxIdleConns,
		}, sqlstore.WithLogger(log.Named("sqlstore")))
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", cfg.DatabaseDriver, err)
		}
		log.Info(ctx, "using sql store", logger.String("driver", cfg.DatabaseDriver))
		return s, nil
	}
	return nil, fmt.Errorf("%w: unknown database driver %q", config.ErrInvalidConfig, cfg.DatabaseDriver)
}
