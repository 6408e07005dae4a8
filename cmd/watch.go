package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/okian/rollcall/internal/eventwatch"
	"github.com/okian/rollcall/pkg/logger"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Verify a running service from its live stream",
	Long: `Watch subscribes to a service's WebSocket stream for a while and checks
that no identity was automatically marked twice within the cooldown window
and that every mark followed a detection. It exits non-zero on violations.
Cooldown releases are not broadcast; pass --allow-releases when operators
may release cooldowns during the session.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	d := eventwatch.DefaultConfig()
	watchCmd.Flags().String("url", d.URL, "WebSocket endpoint")
	watchCmd.Flags().Duration("duration", d.Duration, "how long to listen")
	watchCmd.Flags().Duration("cooldown", d.Cooldown, "cooldown window configured on the server")
	watchCmd.Flags().Duration("tolerance", 0, "slack between reservation and stored timestamp")
	watchCmd.Flags().Duration("timeout", d.Timeout, "dial and health check timeout")
	watchCmd.Flags().String("output", "", "write observed events to this JSON file")
	watchCmd.Flags().Bool("verbose", false, "log every event")
	watchCmd.Flags().Bool("allow-releases", false, "count early re-marks as cooldown releases instead of violations")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := logger.Init(); err != nil {
		return err
	}
	cfg := eventwatch.Config{
		URL:        mustGetString(cmd, "url"),
		Duration:   mustGetDuration(cmd, "duration"),
		Cooldown:   mustGetDuration(cmd, "cooldown"),
		Tolerance:  mustGetDuration(cmd, "tolerance"),
		Timeout:    mustGetDuration(cmd, "timeout"),
		OutputFile: mustGetString(cmd, "output"),
		Verbose:    mustGetBool(cmd, "verbose"),

		AllowReleases: mustGetBool(cmd, "allow-releases"),
	}
	if cfg.Verbose {
		_ = logger.SetLevelString("debug")
	}

	report, err := eventwatch.Run(ctx, cfg, logger.Get())
	if report.Events > 0 || err == nil {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%-12s %-24s %10s %6s %6s\n", "IDENTITY", "NAME", "DETECTIONS", "MARKS", "MANUAL")
		for _, s := range report.Identities {
			fmt.Fprintf(out, "%-12s %-24s %10d %6d %6d\n", s.Identity, s.Name, s.Detections, s.Marks, s.Manual)
		}
	}
	return err
}
