package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Capture cycle counters
	CapturesRequested atomic.Uint64
	BusyRejections    atomic.Uint64
	Evaluations       atomic.Uint64
	Compliant         atomic.Uint64
	NonCompliant      atomic.Uint64
	Simulated         atomic.Uint64

	// Error counters
	CaptureErrors atomic.Uint64
	RelayErrors   atomic.Uint64
	StoreErrors   atomic.Uint64

	// Latency tracking (last cycle)
	RelayLatencyMs atomic.Uint64
	CycleLatencyMs atomic.Uint64

	// State gauges (0 = off, 1 = on)
	Busy       atomic.Uint64
	CameraOn   atomic.Uint64
	AutoDetect atomic.Uint64

	// Streaming clients
	EventClients atomic.Int64
	MJPEGClients atomic.Int64

	// Evidence archive
	ArchiveFramesWritten atomic.Uint64
	ArchiveFramesDropped atomic.Uint64
	ArchiveBytes         atomic.Uint64

	// Notifications
	NotificationsSent  atomic.Uint64
	NotificationErrors atomic.Uint64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) gauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		fn,
	))
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.counter("epi_captures_requested_total", "Capture cycles requested (manual and automatic)", &m.CapturesRequested)
	m.counter("epi_busy_rejections_total", "Capture requests rejected because a cycle was in flight", &m.BusyRejections)
	m.counter("epi_evaluations_total", "Completed compliance evaluations", &m.Evaluations)
	m.counter("epi_evaluations_compliant_total", "Evaluations with every required EPI present", &m.Compliant)
	m.counter("epi_evaluations_noncompliant_total", "Evaluations with at least one required EPI missing", &m.NonCompliant)
	m.counter("epi_evaluations_simulated_total", "Evaluations computed from simulated detections", &m.Simulated)

	m.counter("epi_capture_errors_total", "Frames that could not be captured", &m.CaptureErrors)
	m.counter("epi_relay_errors_total", "Failed detection relay calls", &m.RelayErrors)
	m.counter("epi_store_errors_total", "Failed writes to the persisted store", &m.StoreErrors)

	m.gauge("epi_relay_latency_ms", "Latency of the last detection relay call in milliseconds",
		func() float64 { return float64(m.RelayLatencyMs.Load()) })
	m.gauge("epi_cycle_latency_ms", "Duration of the last capture cycle in milliseconds",
		func() float64 { return float64(m.CycleLatencyMs.Load()) })

	m.gauge("epi_capture_busy", "Capture cycle in flight (0=idle, 1=busy)",
		func() float64 { return float64(m.Busy.Load()) })
	m.gauge("epi_camera_active", "Camera started (0=stopped, 1=started)",
		func() float64 { return float64(m.CameraOn.Load()) })
	m.gauge("epi_auto_detect_active", "Periodic capture enabled (0=off, 1=on)",
		func() float64 { return float64(m.AutoDetect.Load()) })

	m.gauge("epi_event_clients", "Connected evaluation event stream clients",
		func() float64 { return float64(m.EventClients.Load()) })
	m.gauge("epi_mjpeg_clients", "Connected MJPEG clients",
		func() float64 { return float64(m.MJPEGClients.Load()) })

	m.counter("epi_archive_frames_written_total", "Evidence frames written to disk", &m.ArchiveFramesWritten)
	m.counter("epi_archive_frames_dropped_total", "Evidence frames dropped because the writer was behind", &m.ArchiveFramesDropped)
	m.counter("epi_archive_bytes_total", "Bytes written to the evidence archive", &m.ArchiveBytes)

	m.counter("epi_notifications_sent_total", "Compliance notifications delivered", &m.NotificationsSent)
	m.counter("epi_notification_errors_total", "Compliance notifications that failed", &m.NotificationErrors)
}

// UpdateRelayLatency records the duration of the last relay call
func (m *Metrics) UpdateRelayLatency(d time.Duration) {
	m.RelayLatencyMs.Store(uint64(d.Milliseconds()))
}

// UpdateCycleLatency records the duration of the last capture cycle
func (m *Metrics) UpdateCycleLatency(start time.Time) {
	m.CycleLatencyMs.Store(uint64(time.Since(start).Milliseconds()))
}

// SetFlag stores a boolean gauge
func SetFlag(v *atomic.Uint64, on bool) {
	if on {
		v.Store(1)
	} else {
		v.Store(0)
	}
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
