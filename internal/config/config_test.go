package config_test

import (
	"errors"
	"testing"
	"time"

	"github.com/okian/rollcall/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfig_New(t *testing.T) {
	convey.Convey("Given a new config with default options", t, func() {
		cfg := config.New()

		convey.Convey("Then it should have sensible defaults", func() {
			convey.So(cfg.Addr, convey.ShouldEqual, ":3001")
			convey.So(cfg.Cooldown(), convey.ShouldEqual, 30*time.Second)
			convey.So(cfg.DetectionInterval(), convey.ShouldEqual, 2*time.Second)
			convey.So(cfg.DetectionProbability, convey.ShouldEqual, 0.7)
			lo, hi := cfg.DetectionLatency()
			convey.So(lo, convey.ShouldEqual, time.Second)
			convey.So(hi, convey.ShouldEqual, 3*time.Second)
			convey.So(cfg.ConfidenceMin, convey.ShouldEqual, 85)
			convey.So(cfg.ConfidenceMax, convey.ShouldEqual, 95)
			convey.So(cfg.DatabaseDriver, convey.ShouldEqual, config.DriverMemory)
			convey.So(cfg.Validate(), convey.ShouldBeNil)
		})
	})
}

func TestConfig_Validate(t *testing.T) {
	convey.Convey("Given configs with invalid fields", t, func() {
		cases := map[string]func(*config.Config){
			"empty addr":          func(c *config.Config) { c.Addr = "" },
			"zero cooldown":       func(c *config.Config) { c.CooldownSeconds = 0 },
			"probability above 1": func(c *config.Config) { c.DetectionProbability = 1.5 },
			"inverted latency":    func(c *config.Config) { c.DetectionLatencyMinMS = 5000 },
			"inverted confidence": func(c *config.Config) { c.ConfidenceMin = 99 },
			"confidence over 100": func(c *config.Config) { c.ConfidenceMax = 101 },
			"zero buffer":         func(c *config.Config) { c.SubscriberBuffer = 0 },
			"unknown driver":      func(c *config.Config) { c.DatabaseDriver = "sqlite" },
			"postgres without url": func(c *config.Config) {
				c.DatabaseDriver = config.DriverPostgres
			},
			"bad log format":       func(c *config.Config) { c.LogFormat = "xml" },
			"bad late_after":       func(c *config.Config) { c.LateAfter = "9am" },
			"zero metrics refresh": func(c *config.Config) { c.MetricsRefreshMS = 0 },
			"bad namespace":        func(c *config.Config) { c.MetricsNamespace = "roll-call" },
			"label without value":  func(c *config.Config) { c.MetricsLabels = "site=" },
			"decreasing buckets":   func(c *config.Config) { c.MetricsBuckets = "0.5,0.1" },
		}

		for name, mutate := range cases {
			cfg := config.New()
			mutate(cfg)
			err := cfg.Validate()

			convey.Convey("Then "+name+" is rejected", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
			})
		}
	})
}

func TestConfig_Helpers(t *testing.T) {
	convey.Convey("Given a config with origins and a late cutoff", t, func() {
		cfg := config.New()
		cfg.AllowedOrigins = " http://a.test , ,http://b.test"
		cfg.LateAfter = "09:15"

		convey.Convey("Then origins are split and trimmed", func() {
			convey.So(cfg.Origins(), convey.ShouldResemble, []string{"http://a.test", "http://b.test"})
		})

		convey.Convey("Then the late cutoff is parsed", func() {
			h, m, ok, err := cfg.LateCutoff()
			convey.So(err, convey.ShouldBeNil)
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(h, convey.ShouldEqual, 9)
			convey.So(m, convey.ShouldEqual, 15)
		})

		convey.Convey("Then an empty cutoff disables late marking", func() {
			cfg.LateAfter = ""
			_, _, ok, err := cfg.LateCutoff()
			convey.So(err, convey.ShouldBeNil)
			convey.So(ok, convey.ShouldBeFalse)
		})
	})
}

func TestConfig_MetricsHelpers(t *testing.T) {
	convey.Convey("Given metric labels and buckets", t, func() {
		cfg := config.New()
		cfg.MetricsLabels = " site = north , ,env=prod"
		cfg.MetricsBuckets = "0.01, 0.1,1"

		convey.Convey("Then labels are parsed into a map", func() {
			labels, err := cfg.MetricLabels()
			convey.So(err, convey.ShouldBeNil)
			convey.So(labels, convey.ShouldResemble, map[string]string{"site": "north", "env": "prod"})
		})

		convey.Convey("Then buckets are parsed in order", func() {
			b, err := cfg.HistogramBuckets()
			convey.So(err, convey.ShouldBeNil)
			convey.So(b, convey.ShouldResemble, []float64{0.01, 0.1, 1})
		})

		convey.Convey("Then empty values keep the defaults", func() {
			cfg.MetricsBuckets = ""
			b, err := cfg.HistogramBuckets()
			convey.So(err, convey.ShouldBeNil)
			convey.So(b, convey.ShouldBeNil)
			convey.So(cfg.MetricsRefresh(), convey.ShouldEqual, 10*time.Second)
			convey.So(cfg.Validate(), convey.ShouldBeNil)
		})
	})
}
