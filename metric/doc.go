// Package metric provides the station's pull-side HTTP server and its
// Prometheus self-instrumentation.
//
// Two kinds of metrics live side by side and never share a document:
//
//  1. Station metrics: weight, uptime and relayed BTHome readings, rendered
//     by the exposition package into a bounded buffer and served at /metrics.
//  2. Self metrics: export outcomes, registry size, ingest counts and NATS
//     state, collected with client_golang and served at /metrics/internal.
//
// # Basic Usage
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(8080, registry, stationExporter)
//	server.Handle("/health", healthHandler)
//
//	go func() {
//	    if err := server.Start(); err != nil {
//	        logger.Error("Metrics server failed", "error", err)
//	    }
//	}()
//
//	m := registry.CoreMetrics()
//	m.RecordExport(metric.SurfaceSnapshot, metric.ResultOK, n, elapsed)
//
// Record methods accept a nil *Metrics, so components built without a
// registry run uninstrumented.
//
// # Component Metrics
//
// Components register further collectors through MetricsRegistrar:
//
//	err := registry.Register("bthome", "cache_devices", prometheus.NewGaugeFunc(
//	    prometheus.GaugeOpts{Name: "stationd_bthome_cache_devices", Help: "Cached devices"},
//	    func() float64 { return float64(cache.Len()) },
//	))
//
// Registering the same component and metric name twice is rejected with an
// invalid-class error.
//
// # HTTP Server
//
//   - GET /metrics - station exposition document
//   - GET /metrics/internal - self metrics (OpenMetrics negotiated)
//   - GET /health - plain OK unless a health handler is registered
//
// Start blocks until the server stops; Shutdown drains in-flight requests.
package metric
