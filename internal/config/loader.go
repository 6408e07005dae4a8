package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/okian/rollcall/pkg/logger"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "ROLLCALL_"
	// EnvConfigPath names the env var holding the YAML file path.
	EnvConfigPath = "ROLLCALL_CONFIG"
)

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) if ROLLCALL_CONFIG is set
//  3. env (prefix ROLLCALL_)
func Load(ctx context.Context) (*Config, error) {
	return LoadFile(ctx, os.Getenv(EnvConfigPath))
}

// LoadFile is Load with an explicit YAML path. An empty path skips the file layer.
func LoadFile(_ context.Context, path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}

	// ROLLCALL_COOLDOWN_SECONDS -> cooldown_seconds (flat keys).
	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}

	cfg := New()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Watch reloads path whenever it is written or replaced and hands the new
// Config to fn. Invalid files are logged and skipped. The watcher stops when
// ctx is done.
func Watch(ctx context.Context, path string, fn func(*Config), log logger.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	// Watch the directory so editors that save via rename keep working.
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("config watcher add %s: %w", dir, err)
	}
	target := filepath.Clean(path)

	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				cfg, err := LoadFile(ctx, path)
				if err != nil {
					if log != nil {
						log.Warn(ctx, "config reload rejected", logger.String("path", path), logger.Error(err))
					}
					continue
				}
				if log != nil {
					log.Info(ctx, "config reloaded", logger.String("path", path))
				}
				fn(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if log != nil {
					log.Warn(ctx, "config watcher error", logger.Error(err))
				}
			}
		}
	}()
	return nil
}
