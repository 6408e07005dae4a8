package eventwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/okian/rollcall/internal/domain/types"
	"github.com/okian/rollcall/pkg/logger"
)

// Run executes a complete watch session: health check, collection,
// verification and an optional dump of what was seen. It returns
// ErrViolations alongside the report when an invariant was broken.
func Run(ctx context.Context, cfg Config, log logger.Logger) (Report, error) {
	if log == nil {
		log = logger.Nop()
	}
	if err := cfg.Validate(); err != nil {
		return Report{}, err
	}
	session := uuid.NewString()
	log = log.Named("watch")

	log.Info(ctx, "starting watch session",
		logger.String("session", session),
		logger.String("url", cfg.URL),
		logger.Duration("duration", cfg.Duration),
		logger.Duration("cooldown", cfg.Cooldown))

	if err := CheckHealth(ctx, cfg); err != nil {
		return Report{}, err
	}

	started := time.Now()
	events, err := Collect(ctx, cfg, log)
	if err != nil {
		return Report{}, fmt.Errorf("collect: %w", err)
	}

	report := Verify(events, cfg.Cooldown, cfg.Tolerance, AllowReleases(cfg.AllowReleases))
	if report.StartTime.IsZero() {
		report.StartTime = started
		report.EndTime = time.Now()
	}

	if cfg.OutputFile != "" {
		if err := SaveEvents(cfg.OutputFile, events); err != nil {
			log.Warn(ctx, "failed to save events to file", logger.Error(err))
		}
	}

	LogReport(ctx, log, report)
	if !report.OK() {
		return report, fmt.Errorf("%w: %d", ErrViolations, len(report.Violations))
	}
	return report, nil
}

// LogReport writes the session summary and each violation.
func LogReport(ctx context.Context, log logger.Logger, r Report) {
	log.Info(ctx, "watch summary",
		logger.Int("events", r.Events),
		logger.Int("detections", r.Detections),
		logger.Int("marks", r.Marks),
		logger.Int("manualMarks", r.ManualMarks),
		logger.Int("released", r.Released),
		logger.Int("identities", len(r.Identities)),
		logger.Float64("acceptanceRate", r.AcceptanceRate()),
		logger.Int("violations", len(r.Violations)))
	for _, v := range r.Violations {
		log.Error(ctx, "invariant violated",
			logger.String("kind", v.Kind),
			logger.String("identity", string(v.Identity)),
			logger.Time("at", v.At),
			logger.String("detail", v.Detail))
	}
}

// SaveEvents writes observed events to filename as a JSON array of wire
// envelopes.
func SaveEvents(filename string, events []Observed) error {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, directoryPerm); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	frames := make([]json.RawMessage, 0, len(events))
	for i, o := range events {
		b, err := types.EncodeEvent(o.Event)
		if err != nil {
			return fmt.Errorf("encode event %d: %w", i, err)
		}
		frames = append(frames, b)
	}
	data, err := json.MarshalIndent(frames, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, append(data, '\n'), 0o600)
}
