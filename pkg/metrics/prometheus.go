// Package metrics provides Prometheus metrics for the rollcall service.
package metrics

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Default metrics configuration constants.
const (
	defaultRefreshInterval = 10 * time.Second
)

// Manager manages all Prometheus metrics for the rollcall service.
type Manager struct {
	namespace        string
	histogramBuckets []float64
	enabled          bool
	refreshInterval  time.Duration
	constLabels      map[string]string
	registry         prometheus.Registerer

	// Recognition
	recognitionCycles        *prometheus.CounterVec
	recognitionCycleDuration prometheus.Histogram
	detectionConfidence      prometheus.Histogram
	recognitionRunning       prometheus.Gauge

	// Cooldown ledger
	cooldownActive     prometheus.Gauge
	cooldownRejections prometheus.Counter
	cooldownEvictions  prometheus.Counter

	// Attendance storage
	attendanceRecorded *prometheus.CounterVec
	storageErrors      prometheus.Counter
	storeQueryLatency  *prometheus.HistogramVec

	// Broadcast fan-out
	broadcastSubscribers prometheus.Gauge
	broadcastDelivered   *prometheus.CounterVec
	broadcastDropped     *prometheus.CounterVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Errors
	errorsByComponent *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
}

type globals struct {
	manager  *Manager
	registry *prometheus.Registry
}

// current holds the manager the package-level helpers record to and the
// custom registry it is registered on, which avoids the default Go metrics.
var current atomic.Pointer[globals] //nolint:gochecknoglobals // intentional global for singleton metrics manager

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	Configure()
}

// Configure replaces the global manager with one built from opts on a fresh
// registry and returns it. Call it at startup, before the /metrics handler
// is built; values recorded to the previous manager are not carried over.
func Configure(opts ...Option) *Manager {
	reg := prometheus.NewRegistry()
	m := NewManager(append(opts, WithPrometheusRegistry(reg))...)
	current.Store(&globals{manager: m, registry: reg})
	return m
}

func global() *Manager {
	return current.Load().manager
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "rollcall",
		histogramBuckets: prometheus.DefBuckets,
		enabled:          true,
		refreshInterval:  defaultRefreshInterval,
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counterOpts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace:   m.namespace,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels,
	}
}

func (m *Manager) gaugeOpts(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels,
	}
}

func (m *Manager) histogramOpts(name, help string, buckets []float64) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Name:        name,
		Help:        help,
		Buckets:     buckets,
		ConstLabels: m.constLabels,
	}
}

// initializeMetrics creates all the Prometheus metrics on the configured registry.
func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.recognitionCycles = auto.NewCounterVec(
		m.counterOpts("recognition_cycles_total", "Recognition cycles by outcome"),
		[]string{"outcome"},
	)
	m.recognitionCycleDuration = auto.NewHistogram(
		m.histogramOpts("recognition_cycle_duration_seconds", "Wall time of a recognition cycle", m.histogramBuckets),
	)
	m.detectionConfidence = auto.NewHistogram(
		m.histogramOpts("detection_confidence", "Confidence of reported detections",
			[]float64{50, 60, 70, 80, 85, 90, 95, 100}),
	)
	m.recognitionRunning = auto.NewGauge(
		m.gaugeOpts("recognition_running", "1 while the background recognition loop is running"),
	)

	m.cooldownActive = auto.NewGauge(
		m.gaugeOpts("cooldown_active_entries", "Identities currently inside their cooldown window"),
	)
	m.cooldownRejections = auto.NewCounter(
		m.counterOpts("cooldown_rejections_total", "Detections suppressed by an active cooldown"),
	)
	m.cooldownEvictions = auto.NewCounter(
		m.counterOpts("cooldown_evictions_total", "Expired ledger entries removed by the sweeper"),
	)

	m.attendanceRecorded = auto.NewCounterVec(
		m.counterOpts("attendance_recorded_total", "Attendance records written by source"),
		[]string{"source"},
	)
	m.storageErrors = auto.NewCounter(
		m.counterOpts("storage_errors_total", "Failed attendance writes"),
	)
	m.storeQueryLatency = auto.NewHistogramVec(
		m.histogramOpts("store_query_duration_seconds", "Attendance store operation latency", m.histogramBuckets),
		[]string{"op"},
	)

	m.broadcastSubscribers = auto.NewGauge(
		m.gaugeOpts("broadcast_subscribers", "Currently attached event subscribers"),
	)
	m.broadcastDelivered = auto.NewCounterVec(
		m.counterOpts("broadcast_delivered_total", "Events handed to subscriber mailboxes"),
		[]string{"type"},
	)
	m.broadcastDropped = auto.NewCounterVec(
		m.counterOpts("broadcast_dropped_total", "Events dropped because a subscriber mailbox was full or closed"),
		[]string{"type"},
	)

	m.httpRequests = auto.NewCounterVec(
		m.counterOpts("http_requests_total", "HTTP requests by endpoint and method"),
		[]string{"endpoint", "method", "status_code"},
	)
	m.httpRequestDuration = auto.NewHistogramVec(
		m.histogramOpts("http_request_duration_seconds", "HTTP request duration in seconds", m.histogramBuckets),
		[]string{"endpoint", "method", "status_code"},
	)

	m.errorsByComponent = auto.NewCounterVec(
		m.counterOpts("errors_total", "Errors by component and type"),
		[]string{"component", "error_type"},
	)

	m.systemMemoryUsage = auto.NewGauge(
		m.gaugeOpts("system_memory_bytes", "Heap bytes in use"),
	)
	m.systemGoroutineCount = auto.NewGauge(
		m.gaugeOpts("system_goroutines", "Number of goroutines"),
	)
}

// Enabled reports whether recording is active.
func (m *Manager) Enabled() bool { return m.enabled }

// RefreshInterval is the period of the system sampler.
func (m *Manager) RefreshInterval() time.Duration { return m.refreshInterval }

// RecordRecognitionCycle counts one cycle with the given outcome and duration.
func RecordRecognitionCycle(outcome string, d time.Duration) {
	m := global()
	if !m.enabled {
		return
	}
	m.recognitionCycles.WithLabelValues(outcome).Inc()
	m.recognitionCycleDuration.Observe(d.Seconds())
}

// RecordDetectionConfidence observes the confidence of a detection.
func RecordDetectionConfidence(confidence float64) {
	m := global()
	if !m.enabled {
		return
	}
	m.detectionConfidence.Observe(confidence)
}

// UpdateRecognitionRunning flips the running gauge.
func UpdateRecognitionRunning(running bool) {
	v := 0.0
	if running {
		v = 1
	}
	global().recognitionRunning.Set(v)
}

// UpdateCooldownActive sets the number of identities in cooldown.
func UpdateCooldownActive(n int) {
	global().cooldownActive.Set(float64(n))
}

// RecordCooldownRejection counts a suppressed detection.
func RecordCooldownRejection() {
	m := global()
	if !m.enabled {
		return
	}
	m.cooldownRejections.Inc()
}

// RecordCooldownEvictions counts entries removed by a sweep.
func RecordCooldownEvictions(n int) {
	m := global()
	if !m.enabled || n <= 0 {
		return
	}
	m.cooldownEvictions.Add(float64(n))
}

// RecordAttendance counts a stored attendance record from source.
func RecordAttendance(source string) {
	m := global()
	if !m.enabled {
		return
	}
	m.attendanceRecorded.WithLabelValues(source).Inc()
}

// RecordStorageError counts a failed attendance write.
func RecordStorageError() {
	m := global()
	if !m.enabled {
		return
	}
	m.storageErrors.Inc()
}

// RecordStoreLatency observes the duration of a store operation.
func RecordStoreLatency(op string, d time.Duration) {
	m := global()
	if !m.enabled {
		return
	}
	m.storeQueryLatency.WithLabelValues(op).Observe(d.Seconds())
}

// UpdateBroadcastSubscribers sets the attached subscriber count.
func UpdateBroadcastSubscribers(n int) {
	global().broadcastSubscribers.Set(float64(n))
}

// RecordBroadcastDelivered counts an event placed into a mailbox.
func RecordBroadcastDelivered(eventType string) {
	m := global()
	if !m.enabled {
		return
	}
	m.broadcastDelivered.WithLabelValues(eventType).Inc()
}

// RecordBroadcastDropped counts an event a subscriber could not take.
func RecordBroadcastDropped(eventType string) {
	m := global()
	if !m.enabled {
		return
	}
	m.broadcastDropped.WithLabelValues(eventType).Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	m := global()
	if !m.enabled {
		return
	}
	m.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, d time.Duration) {
	m := global()
	if !m.enabled {
		return
	}
	m.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(d.Seconds())
}

// RecordErrorByComponent counts an error raised by component.
func RecordErrorByComponent(component, errorType string) {
	m := global()
	if !m.enabled {
		return
	}
	m.errorsByComponent.WithLabelValues(component, errorType).Inc()
}

// SampleSystem refreshes the runtime gauges once.
func SampleSystem() {
	m := global()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.systemMemoryUsage.Set(float64(ms.HeapInuse))
	m.systemGoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RunSystemSampler refreshes the runtime gauges every refresh interval until ctx is done.
func RunSystemSampler(ctx context.Context) {
	m := global()
	ticker := time.NewTicker(m.refreshInterval)
	defer ticker.Stop()
	SampleSystem()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			SampleSystem()
		}
	}
}

// GetRegistry returns the registry of the current global manager.
func GetRegistry() *prometheus.Registry {
	return current.Load().registry
}
