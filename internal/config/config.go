// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Flat koanf keys; every key can be set from YAML or a ROLLCALL_ env var.
// - New() returns defaults, Load layers file and env on top.
// - Errors returned from this package wrap ErrInvalidConfig or ErrLoadConfig.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Supported database drivers. An empty driver keeps attendance in memory.
const (
	DriverMemory   = ""
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level" yaml:"log_level"`
	// LogFormat is text or json.
	LogFormat string `koanf:"log_format" yaml:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":3001".
	Addr string `koanf:"addr" yaml:"addr"`
	// AllowedOrigins is a comma separated CORS allow list. Empty allows any origin.
	AllowedOrigins string `koanf:"allowed_origins" yaml:"allowed_origins"`

	// CooldownSeconds is the per-identity dedup window.
	CooldownSeconds int `koanf:"cooldown_seconds" yaml:"cooldown_seconds"`
	// SweepIntervalMS is how often expired cooldown entries are evicted.
	SweepIntervalMS int `koanf:"sweep_interval_ms" yaml:"sweep_interval_ms"`

	// DetectionIntervalMS is the pause between recognition cycles.
	DetectionIntervalMS int `koanf:"detection_interval_ms" yaml:"detection_interval_ms"`
	// DetectionProbability is the chance a simulated cycle finds a face.
	DetectionProbability float64 `koanf:"detection_probability" yaml:"detection_probability"`
	// DetectionLatencyMinMS and DetectionLatencyMaxMS bound simulated capture latency.
	DetectionLatencyMinMS int `koanf:"detection_latency_min_ms" yaml:"detection_latency_min_ms"`
	DetectionLatencyMaxMS int `koanf:"detection_latency_max_ms" yaml:"detection_latency_max_ms"`
	// ConfidenceMin and ConfidenceMax bound simulated match confidence.
	ConfidenceMin float64 `koanf:"confidence_min" yaml:"confidence_min"`
	ConfidenceMax float64 `koanf:"confidence_max" yaml:"confidence_max"`
	// AutostartRecognition starts the loop when the server boots.
	AutostartRecognition bool `koanf:"autostart_recognition" yaml:"autostart_recognition"`

	// SubscriberBuffer bounds each event subscriber's mailbox.
	SubscriberBuffer int `koanf:"subscriber_buffer" yaml:"subscriber_buffer"`

	// DatabaseDriver selects the attendance store: "", postgres or mysql.
	DatabaseDriver string `koanf:"database_driver" yaml:"database_driver"`
	DatabaseURL    string `koanf:"database_url" yaml:"database_url"`
	MaxOpenConns   int    `koanf:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns   int    `koanf:"max_idle_conns" yaml:"max_idle_conns"`

	// UploadsDir stores normalized reference photos.
	UploadsDir string `koanf:"uploads_dir" yaml:"uploads_dir"`
	// UploadMaxPx caps the longest side of stored photos.
	UploadMaxPx int `koanf:"upload_max_px" yaml:"upload_max_px"`
	// ImportCSV is a name,timestamp file imported at boot.
	ImportCSV string `koanf:"import_csv" yaml:"import_csv"`

	// LateAfter is a local HH:MM cutoff; records after it are marked late.
	LateAfter string `koanf:"late_after" yaml:"late_after"`

	// MetricsEnabled turns Prometheus counters and histograms on.
	MetricsEnabled bool `koanf:"metrics_enabled" yaml:"metrics_enabled"`
	// MetricsNamespace prefixes every metric name.
	MetricsNamespace string `koanf:"metrics_namespace" yaml:"metrics_namespace"`
	// MetricsLabels is a comma separated key=value list attached to every metric.
	MetricsLabels string `koanf:"metrics_labels" yaml:"metrics_labels"`
	// MetricsBuckets is a comma separated list of latency buckets in seconds.
	// Empty keeps the Prometheus defaults.
	MetricsBuckets string `koanf:"metrics_buckets" yaml:"metrics_buckets"`
	// MetricsRefreshMS is the runtime gauge sampling period.
	MetricsRefreshMS int `koanf:"metrics_refresh_ms" yaml:"metrics_refresh_ms"`
}

var metricName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:              "info",
		LogFormat:             "text",
		Addr:                  ":3001",
		CooldownSeconds:       30,
		SweepIntervalMS:       5000,
		DetectionIntervalMS:   2000,
		DetectionProbability:  0.7,
		DetectionLatencyMinMS: 1000,
		DetectionLatencyMaxMS: 3000,
		ConfidenceMin:         85,
		ConfidenceMax:         95,
		SubscriberBuffer:      64,
		MaxOpenConns:          10,
		MaxIdleConns:          5,
		UploadsDir:            "uploads",
		UploadMaxPx:           640,
		MetricsEnabled:        true,
		MetricsNamespace:      "rollcall",
		MetricsRefreshMS:      10000,
	}
}

// Cooldown returns the dedup window.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// DetectionInterval returns the pause between recognition cycles.
func (c *Config) DetectionInterval() time.Duration {
	return time.Duration(c.DetectionIntervalMS) * time.Millisecond
}

// SweepInterval returns the cooldown eviction period.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMS) * time.Millisecond
}

// DetectionLatency returns the simulated latency bounds.
func (c *Config) DetectionLatency() (time.Duration, time.Duration) {
	return time.Duration(c.DetectionLatencyMinMS) * time.Millisecond,
		time.Duration(c.DetectionLatencyMaxMS) * time.Millisecond
}

// Origins splits AllowedOrigins into a trimmed list.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// MetricsRefresh returns the runtime gauge sampling period.
func (c *Config) MetricsRefresh() time.Duration {
	return time.Duration(c.MetricsRefreshMS) * time.Millisecond
}

// MetricLabels parses MetricsLabels into constant labels.
func (c *Config) MetricLabels() (map[string]string, error) {
	labels := map[string]string{}
	for _, pair := range strings.Split(c.MetricsLabels, ",") {
		if pair = strings.TrimSpace(pair); pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || !metricName.MatchString(k) || v == "" {
			return nil, fmt.Errorf("%w: metrics_labels entry %q: want name=value", ErrInvalidConfig, pair)
		}
		labels[k] = v
	}
	return labels, nil
}

// HistogramBuckets parses MetricsBuckets. A nil result keeps the defaults.
func (c *Config) HistogramBuckets() ([]float64, error) {
	var out []float64
	for _, f := range strings.Split(c.MetricsBuckets, ",") {
		if f = strings.TrimSpace(f); f == "" {
			continue
		}
		b, err := strconv.ParseFloat(f, 64)
		if err != nil || b <= 0 || (len(out) > 0 && b <= out[len(out)-1]) {
			return nil, fmt.Errorf("%w: metrics_buckets must be increasing positive seconds, got %q", ErrInvalidConfig, c.MetricsBuckets)
		}
		out = append(out, b)
	}
	return out, nil
}

// LateCutoff parses LateAfter. ok is false when late marking is disabled.
func (c *Config) LateCutoff() (hour, minute int, ok bool, err error) {
	if strings.TrimSpace(c.LateAfter) == "" {
		return 0, 0, false, nil
	}
	t, err := time.Parse("15:04", strings.TrimSpace(c.LateAfter))
	if err != nil {
		return 0, 0, false, fmt.Errorf("%w: late_after %q: want HH:MM", ErrInvalidConfig, c.LateAfter)
	}
	return t.Hour(), t.Minute(), true, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Addr) == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.CooldownSeconds <= 0:
		return fmt.Errorf("%w: cooldown_seconds must be positive", ErrInvalidConfig)
	case c.DetectionIntervalMS < 0:
		return fmt.Errorf("%w: detection_interval_ms must not be negative", ErrInvalidConfig)
	case c.SweepIntervalMS <= 0:
		return fmt.Errorf("%w: sweep_interval_ms must be positive", ErrInvalidConfig)
	case c.DetectionProbability < 0 || c.DetectionProbability > 1:
		return fmt.Errorf("%w: detection_probability must be within [0,1]", ErrInvalidConfig)
	case c.DetectionLatencyMinMS < 0 || c.DetectionLatencyMaxMS < c.DetectionLatencyMinMS:
		return fmt.Errorf("%w: detection latency bounds are inverted or negative", ErrInvalidConfig)
	case c.ConfidenceMin < 0 || c.ConfidenceMax > 100 || c.ConfidenceMax < c.ConfidenceMin:
		return fmt.Errorf("%w: confidence bounds must satisfy 0 <= min <= max <= 100", ErrInvalidConfig)
	case c.SubscriberBuffer <= 0:
		return fmt.Errorf("%w: subscriber_buffer must be positive", ErrInvalidConfig)
	case c.UploadMaxPx <= 0:
		return fmt.Errorf("%w: upload_max_px must be positive", ErrInvalidConfig)
	case c.MetricsRefreshMS <= 0:
		return fmt.Errorf("%w: metrics_refresh_ms must be positive", ErrInvalidConfig)
	case !metricName.MatchString(c.MetricsNamespace):
		return fmt.Errorf("%w: metrics_namespace %q is not a valid metric name", ErrInvalidConfig, c.MetricsNamespace)
	}
	if _, err := c.MetricLabels(); err != nil {
		return err
	}
	if _, err := c.HistogramBuckets(); err != nil {
		return err
	}

	switch c.DatabaseDriver {
	case DriverMemory:
	case DriverPostgres, DriverMySQL:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: database_url is required for driver %s", ErrInvalidConfig, c.DatabaseDriver)
		}
	default:
		return fmt.Errorf("%w: unknown database_driver %q", ErrInvalidConfig, c.DatabaseDriver)
	}

	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: log_format must be text or json", ErrInvalidConfig)
	}

	_, _, _, err := c.LateCutoff()
	return err
}
