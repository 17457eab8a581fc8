package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Export surfaces
const (
	SurfacePrometheus = "prometheus"
	SurfaceSnapshot   = "snapshot"
)

// Export results
const (
	ResultOK          = "ok"
	ResultTruncated   = "truncated"
	ResultNotReady    = "not_ready"
	ResultLockTimeout = "lock_timeout"
	ResultError       = "error"
)

// Metrics contains the station's self-instrumentation. These series describe
// the exporters themselves and are served on the internal endpoint, never
// mixed into the station exposition document.
//
// All Record methods are safe on a nil receiver so components can run
// without instrumentation in tests.
type Metrics struct {
	// Export metrics
	ExportsTotal   *prometheus.CounterVec
	ExportBytes    *prometheus.GaugeVec
	ExportDuration *prometheus.HistogramVec

	// Registry metrics
	RegisteredSensors prometheus.Gauge

	// Observation ingest metrics
	ObservationsTotal *prometheus.CounterVec

	// Component health
	HealthCheckStatus *prometheus.GaugeVec

	// NATS metrics
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all station metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ExportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stationd",
				Subsystem: "export",
				Name:      "total",
				Help:      "Export attempts by surface and result",
			},
			[]string{"surface", "result"},
		),

		ExportBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "stationd",
				Subsystem: "export",
				Name:      "last_bytes",
				Help:      "Size of the last complete export document in bytes",
			},
			[]string{"surface"},
		),

		ExportDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "stationd",
				Subsystem: "export",
				Name:      "duration_seconds",
				Help:      "Time spent rendering and handing off one export",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"surface"},
		),

		RegisteredSensors: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "stationd",
				Subsystem: "registry",
				Name:      "sensors",
				Help:      "Number of registered sensors",
			},
		),

		ObservationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stationd",
				Subsystem: "bthome",
				Name:      "observations_total",
				Help:      "Broadcast observations received by result (stored, rejected, evicted)",
			},
			[]string{"result"},
		),

		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "stationd",
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"component"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "stationd",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "stationd",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.ExportsTotal,
		c.ExportBytes,
		c.ExportDuration,
		c.RegisteredSensors,
		c.ObservationsTotal,
		c.HealthCheckStatus,
		c.NATSConnected,
		c.NATSReconnects,
	}
}

// RecordExport records one export attempt. size is only recorded for
// successful exports.
func (c *Metrics) RecordExport(surface, result string, size int, duration time.Duration) {
	if c == nil {
		return
	}
	c.ExportsTotal.WithLabelValues(surface, result).Inc()
	c.ExportDuration.WithLabelValues(surface).Observe(duration.Seconds())
	if result == ResultOK {
		c.ExportBytes.WithLabelValues(surface).Set(float64(size))
	}
}

// RecordRegisteredSensors updates the registry size gauge
func (c *Metrics) RecordRegisteredSensors(n int) {
	if c == nil {
		return
	}
	c.RegisteredSensors.Set(float64(n))
}

// RecordObservations adds ingest counts
func (c *Metrics) RecordObservations(result string, n uint64) {
	if c == nil || n == 0 {
		return
	}
	c.ObservationsTotal.WithLabelValues(result).Add(float64(n))
}

// RecordHealthStatus updates health check status
func (c *Metrics) RecordHealthStatus(component string, healthy bool) {
	if c == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	c.HealthCheckStatus.WithLabelValues(component).Set(value)
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	if c == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	if c == nil {
		return
	}
	c.NATSReconnects.Inc()
}
