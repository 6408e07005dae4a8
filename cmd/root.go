package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/okian/rollcall/internal/config"
	"github.com/okian/rollcall/pkg/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "rollcall",
	Short: "Attendance recognition service",
	Long: `Rollcall marks attendance from camera detections. Each identity is
recorded at most once per cooldown window and every outcome is streamed
to connected dashboards over WebSocket and Server-Sent Events.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (default $"+config.EnvConfigPath+")")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
	if configPath == "" {
		configPath = os.Getenv(config.EnvConfigPath)
	}
}

// loadConfig loads the layered config and sets up the global logger from it.
func loadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := config.LoadFile(ctx, configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.InitWithWriter(os.Stderr, cfg.LogFormat); err != nil {
		return nil, err
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		logger.Get().Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}
	return cfg, nil
}
