// Package stationd is the core of a sensor station: a fixed-capacity
// registry of sensor readings exposed to two consumers.
//
// # Architecture
//
// Readings enter the registry from local samplers (the load cell) and from
// broadcast BLE sensors relayed over NATS. Two exporters read the registry
// without allocating per request:
//
//   - exposition serves the Prometheus text format on /metrics, grouping
//     samples by metric name and appending the station diagnostics and
//     BTHome cache families.
//   - snapshot renders one compact JSON document and publishes it to a
//     NATS subject on a timer, failing fast while the broker is away.
//
// # Packages
//
//	sensor      registry of named readings, addressed by Handle
//	bthome      BTHome observation cache, object vocabulary and filters
//	exposition  Prometheus text renderer and HTTP handler
//	snapshot    JSON snapshot renderer and publisher
//	natsclient  NATS connection with health tracking
//	metric      self metrics and the HTTP server
//	health      component status, memory counters and WiFi signal
//	config      layered JSON/YAML configuration
//	loadcell    IIO load-cell sampler
//	discovery   mDNS advertisement of the metrics endpoint
//	pkg/boundbuf fixed-capacity output buffer
//	pkg/retry   exponential backoff
//
// The stationd command in cmd/stationd wires them together.
//
// # Testing
//
// Unit tests use testify. Tests tagged integration start a NATS server
// with testcontainers:
//
//	go test -tags=integration ./...
package stationd
