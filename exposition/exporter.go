package exposition

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/c360/stationd/errors"
	"github.com/c360/stationd/metric"
	"github.com/c360/stationd/pkg/boundbuf"
	"github.com/c360/stationd/sensor"
)

// Defaults
const (
	DefaultHostname   = "weight-station"
	DefaultBufferSize = 8192
	ContentType       = "text/plain; version=0.0.4"
)

// SignalSource reports the station's own uplink signal strength in dBm.
// Zero means unknown.
type SignalSource interface {
	RSSI() int
}

// SignalFunc adapts a function to SignalSource.
type SignalFunc func() int

// RSSI implements SignalSource.
func (f SignalFunc) RSSI() int { return f() }

// Exporter renders the station exposition document: local weight, uplink
// signal and uptime, followed by the BTHome families of its Engine. One
// buffer is allocated at construction and reused for every request.
type Exporter struct {
	registry *sensor.Registry
	weight   sensor.Handle
	raw      sensor.Handle
	signal   SignalSource
	engine   *Engine
	hostname string
	started  time.Time
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metric.Metrics

	mu  sync.Mutex
	buf *boundbuf.Writer

	bodies sync.Pool // *[]byte copies of rendered documents
}

// Option configures an Exporter
type Option func(*Exporter)

// WithHostname sets the hostname label. Empty keeps the default.
func WithHostname(hostname string) Option {
	return func(x *Exporter) {
		if hostname != "" {
			x.hostname = hostname
		}
	}
}

// WithBufferSize sets the document capacity in bytes.
func WithBufferSize(n int) Option {
	return func(x *Exporter) {
		if n > 0 {
			x.buf = boundbuf.New(n)
		}
	}
}

// WithWeightSensors names the registry handles holding the weight in grams
// and the raw converter reading.
func WithWeightSensors(weight, raw sensor.Handle) Option {
	return func(x *Exporter) {
		x.weight = weight
		x.raw = raw
	}
}

// WithSignal sets the uplink signal source.
func WithSignal(s SignalSource) Option {
	return func(x *Exporter) {
		x.signal = s
	}
}

// WithEngine appends BTHome families rendered by e.
func WithEngine(e *Engine) Option {
	return func(x *Exporter) {
		x.engine = e
	}
}

// WithClock overrides the time source used for uptime.
func WithClock(now func() time.Time) Option {
	return func(x *Exporter) {
		if now != nil {
			x.now = now
		}
	}
}

// WithStartTime sets the instant uptime is measured from.
func WithStartTime(t time.Time) Option {
	return func(x *Exporter) {
		x.started = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(x *Exporter) {
		if logger != nil {
			x.logger = logger
		}
	}
}

// WithMetrics records export outcomes in m.
func WithMetrics(m *metric.Metrics) Option {
	return func(x *Exporter) {
		x.metrics = m
	}
}

// NewExporter creates an exporter reading local sensors from registry.
func NewExporter(registry *sensor.Registry, opts ...Option) *Exporter {
	x := &Exporter{
		registry: registry,
		weight:   -1,
		raw:      -1,
		hostname: DefaultHostname,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(x)
	}
	if x.buf == nil {
		x.buf = boundbuf.New(DefaultBufferSize)
	}
	if x.started.IsZero() {
		x.started = x.now()
	}
	x.logger = x.logger.With("component", "prometheus-exporter")
	return x
}

// Render writes the full document into w, replacing its contents. It
// returns ErrBufferExhausted when the document does not fit; w then holds
// an incomplete document that must not be served.
func (x *Exporter) Render(w *boundbuf.Writer) error {
	w.Reset()

	x.renderLocal(w)
	if x.engine != nil {
		x.engine.Render(w, x.hostname)
	}

	if w.Overflowed() {
		return errors.Wrap(
			fmt.Errorf("%w: capacity %d bytes", errors.ErrBufferExhausted, w.Cap()),
			"Exporter", "Render", "render exposition document")
	}
	return nil
}

func (x *Exporter) renderLocal(w *boundbuf.Writer) {
	w.AppendString("# HELP weight_grams Current weight reading in grams\n")
	w.AppendString("# TYPE weight_grams gauge\n")
	if v, ok := x.registry.Read(x.weight); ok {
		x.appendSample(w, "weight_grams")
		w.AppendFloat(v, 2)
		w.AppendString("\n")
	}

	w.AppendString("# HELP weight_raw Current weight reading in raw units\n")
	w.AppendString("# TYPE weight_raw gauge\n")
	if v, ok := x.registry.Read(x.raw); ok {
		x.appendSample(w, "weight_raw")
		w.AppendInt(int64(v))
		w.AppendString("\n")
	}

	w.AppendString("# HELP wifi_rssi_dbm WiFi signal strength in dBm\n")
	w.AppendString("# TYPE wifi_rssi_dbm gauge\n")
	if x.signal != nil {
		if rssi := x.signal.RSSI(); rssi != 0 {
			x.appendSample(w, "wifi_rssi_dbm")
			w.AppendInt(int64(rssi))
			w.AppendString("\n")
		}
	}

	w.AppendString("# HELP uptime_seconds System uptime in seconds\n")
	w.AppendString("# TYPE uptime_seconds counter\n")
	x.appendSample(w, "uptime_seconds")
	w.AppendInt(int64(x.now().Sub(x.started) / time.Second))
	w.AppendString("\n")
}

func (x *Exporter) appendSample(w *boundbuf.Writer, name string) {
	w.AppendString(name)
	w.AppendString(`{hostname="`)
	w.AppendEscaped(x.hostname)
	w.AppendString(`"} `)
}

// ServeHTTP renders into the exporter's buffer and writes out a copy, so a
// slow client never holds the buffer. A document that overflowed is never
// sent; the client gets a 500 instead.
func (x *Exporter) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	start := time.Now()

	body, err := x.renderCopy()
	if err != nil {
		x.metrics.RecordExport(metric.SurfacePrometheus, metric.ResultTruncated, 0, time.Since(start))
		x.logger.Warn("Exposition document truncated", "capacity", x.buf.Cap(), "error", err)
		http.Error(w, "metrics truncated", http.StatusInternalServerError)
		return
	}
	defer x.bodies.Put(body)

	h := w.Header()
	h.Set("Content-Type", ContentType)
	h.Set("Connection", "keep-alive")
	h.Set("Content-Length", strconv.Itoa(len(*body)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(*body); err != nil {
		x.logger.Debug("Exposition write failed", "error", err)
	}
	x.metrics.RecordExport(metric.SurfacePrometheus, metric.ResultOK, len(*body), time.Since(start))
}

func (x *Exporter) renderCopy() (*[]byte, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.Render(x.buf); err != nil {
		return nil, err
	}
	body, _ := x.bodies.Get().(*[]byte)
	if body == nil {
		b := make([]byte, 0, x.buf.Cap())
		body = &b
	}
	*body = append((*body)[:0], x.buf.Bytes()...)
	return body, nil
}
