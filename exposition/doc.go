// Package exposition renders the station's pull-side metrics document in
// the Prometheus text exposition format.
//
// The Exporter writes local weight, uplink signal and uptime families and
// then delegates to an Engine for BTHome broadcast readings. The Engine
// groups series by metric family without sorting or indexing: it walks the
// observation source once to collect the selected object IDs in first-seen
// order, once more for device signal strength, and then once per family.
//
// Everything is rendered into one fixed-capacity buffer. A document that
// does not fit is reported as ErrBufferExhausted and served as a 500, never
// as a short 200.
package exposition
