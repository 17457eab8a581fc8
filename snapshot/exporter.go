package snapshot

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/c360/stationd/errors"
	"github.com/c360/stationd/health"
	"github.com/c360/stationd/metric"
	"github.com/c360/stationd/natsclient"
	"github.com/c360/stationd/pkg/boundbuf"
	"github.com/c360/stationd/sensor"
)

// Defaults
const (
	DefaultHostname    = "weight-station"
	DefaultTopic       = "station/sensors"
	DefaultBufferSize  = 4096
	DefaultLockTimeout = time.Second
)

// Channel is the push transport the snapshot is handed to.
type Channel interface {
	Ready() bool
	Publish(ctx context.Context, subject string, data []byte) error
}

// Signal reports the uplink signal strength in dBm; zero means unknown.
type Signal interface {
	RSSI() int
}

// Exporter renders the registry as one JSON document and publishes it.
// The document buffer is allocated once and guarded by a weighted
// semaphore so a stuck publish cannot block the caller forever.
type Exporter struct {
	registry    *sensor.Registry
	channel     Channel
	counters    health.Counters
	signal      Signal
	hostname    string
	topic       string
	lockTimeout time.Duration
	started     time.Time
	now         func() time.Time
	logger      *slog.Logger
	metrics     *metric.Metrics

	sem *semaphore.Weighted
	buf *boundbuf.Writer
}

// Option configures an Exporter
type Option func(*Exporter)

// WithHostname sets the hostname field. Empty keeps the default.
func WithHostname(hostname string) Option {
	return func(x *Exporter) {
		if hostname != "" {
			x.hostname = hostname
		}
	}
}

// WithTopic sets the publish subject. Empty keeps the default.
func WithTopic(topic string) Option {
	return func(x *Exporter) {
		if topic != "" {
			x.topic = topic
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

// WithLockTimeout bounds the wait for the document buffer.
func WithLockTimeout(d time.Duration) Option {
	return func(x *Exporter) {
		if d > 0 {
			x.lockTimeout = d
		}
	}
}

// WithCounters sets the memory diagnostics source.
func WithCounters(c health.Counters) Option {
	return func(x *Exporter) {
		x.counters = c
	}
}

// WithSignal sets the uplink signal source.
func WithSignal(s Signal) Option {
	return func(x *Exporter) {
		x.signal = s
	}
}

// WithClock overrides the time source for the timestamp and uptime fields.
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

// WithMetrics records publish outcomes in m.
func WithMetrics(m *metric.Metrics) Option {
	return func(x *Exporter) {
		x.metrics = m
	}
}

// NewExporter creates a snapshot exporter publishing registry over channel.
func NewExporter(registry *sensor.Registry, channel Channel, opts ...Option) *Exporter {
	x := &Exporter{
		registry:    registry,
		channel:     channel,
		hostname:    DefaultHostname,
		topic:       DefaultTopic,
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
		logger:      slog.Default(),
		sem:         semaphore.NewWeighted(1),
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
	x.logger = x.logger.With("component", "snapshot-publisher", "topic", x.topic)
	return x
}

// Topic returns the publish subject.
func (x *Exporter) Topic() string { return x.topic }

// Publish renders one snapshot and hands it to the channel. It fails fast
// with ErrChannelNotReady while disconnected, ErrLockTimeout when the buffer
// stays busy past the lock timeout and ErrBufferExhausted when the document
// does not fit. Nothing is published on error.
func (x *Exporter) Publish(ctx context.Context) error {
	start := time.Now()

	if x.channel == nil || !x.channel.Ready() {
		x.metrics.RecordExport(metric.SurfaceSnapshot, metric.ResultNotReady, 0, time.Since(start))
		return errors.WrapTransient(errors.ErrChannelNotReady, "Exporter", "Publish", "check channel")
	}

	if err := x.acquire(ctx); err != nil {
		x.metrics.RecordExport(metric.SurfaceSnapshot, metric.ResultLockTimeout, 0, time.Since(start))
		return err
	}
	defer x.sem.Release(1)

	if err := x.Render(x.buf); err != nil {
		x.metrics.RecordExport(metric.SurfaceSnapshot, metric.ResultTruncated, 0, time.Since(start))
		return err
	}

	payload := x.buf.Bytes()
	if err := x.channel.Publish(ctx, x.topic, payload); err != nil {
		if stderrors.Is(err, natsclient.ErrNotConnected) {
			x.metrics.RecordExport(metric.SurfaceSnapshot, metric.ResultNotReady, 0, time.Since(start))
			return errors.WrapTransient(
				fmt.Errorf("%w: %w", errors.ErrChannelNotReady, err),
				"Exporter", "Publish", "publish snapshot")
		}
		x.metrics.RecordExport(metric.SurfaceSnapshot, metric.ResultError, 0, time.Since(start))
		return errors.Wrap(err, "Exporter", "Publish", "publish snapshot")
	}

	x.metrics.RecordExport(metric.SurfaceSnapshot, metric.ResultOK, len(payload), time.Since(start))
	x.logger.Debug("Published snapshot", "bytes", len(payload))
	return nil
}

func (x *Exporter) acquire(ctx context.Context) error {
	lockCtx, cancel := context.WithTimeout(ctx, x.lockTimeout)
	defer cancel()

	if err := x.sem.Acquire(lockCtx, 1); err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "Exporter", "Publish", "acquire buffer")
		}
		return errors.WrapTransient(
			fmt.Errorf("%w after %v", errors.ErrLockTimeout, x.lockTimeout),
			"Exporter", "Publish", "acquire buffer")
	}
	return nil
}

// Render writes the snapshot document into w, replacing its contents. Only
// sensors that are available, have been updated at least once and carry a
// metric name appear.
// It returns ErrBufferExhausted when the document does not fit.
func (x *Exporter) Render(w *boundbuf.Writer) error {
	w.Reset()
	now := x.now()

	w.AppendString(`{"timestamp":`)
	w.AppendInt(now.UnixMilli())
	w.AppendString(`,"hostname":`)
	w.AppendJSONString(x.hostname)
	w.AppendString(`,"uptime_seconds":`)
	w.AppendInt(int64(now.Sub(x.started) / time.Second))
	w.AppendString(`,"wifi_rssi_dbm":`)
	rssi := 0
	if x.signal != nil {
		rssi = x.signal.RSSI()
	}
	w.AppendInt(int64(rssi))

	var free, minFree, largest uint64
	if x.counters != nil {
		free, minFree, largest = x.counters.Free(), x.counters.MinFree(), x.counters.LargestFreeBlock()
	}
	w.AppendString(`,"heap_free_bytes":`)
	w.AppendUint(free)
	w.AppendString(`,"heap_min_free_bytes":`)
	w.AppendUint(minFree)
	w.AppendString(`,"heap_largest_free_block_bytes":`)
	w.AppendUint(largest)

	w.AppendString(`,"sensors":[`)
	first := true
	x.registry.Each(func(s sensor.Sensor) bool {
		if !s.Available || !s.Updated() || s.MetricName == "" {
			return true
		}
		if !first {
			w.AppendString(",")
		}
		first = false
		appendSensor(w, s)
		return !w.Overflowed()
	})
	w.AppendString("]}")

	if w.Overflowed() {
		return errors.Wrap(
			fmt.Errorf("%w: capacity %d bytes", errors.ErrBufferExhausted, w.Cap()),
			"Exporter", "Render", "render snapshot")
	}
	return nil
}

func appendSensor(w *boundbuf.Writer, s sensor.Sensor) {
	w.AppendString(`{"metric_name":`)
	w.AppendJSONString(s.MetricName)
	w.AppendString(`,"display_name":`)
	w.AppendJSONString(s.DisplayName)
	w.AppendString(`,"unit":`)
	w.AppendJSONString(s.Unit)
	w.AppendString(`,"value":`)
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		w.AppendString("null")
	} else {
		w.AppendFloat(s.Value, 2)
	}
	w.AppendString(`,"last_updated":`)
	w.AppendInt(s.LastUpdated.Unix())
	if s.DeviceName != "" {
		w.AppendString(`,"device_name":`)
		w.AppendJSONString(s.DeviceName)
	}
	if s.DeviceID != "" {
		w.AppendString(`,"device_id":`)
		w.AppendJSONString(s.DeviceID)
	}
	w.AppendString("}")
}

// Run publishes a snapshot every interval until ctx is done. Failures are
// retried on the next tick; transient ones are logged at debug.
func (x *Exporter) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: publish interval %v", errors.ErrInvalidConfig, interval),
			"Exporter", "Run", "validate interval")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	x.logger.Info("Snapshot publisher started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			x.logger.Info("Snapshot publisher stopped")
			return nil
		case <-ticker.C:
			if err := x.Publish(ctx); err != nil {
				if errors.IsTransient(err) {
					x.logger.Debug("Snapshot not published", "error", err)
				} else {
					x.logger.Warn("Snapshot publish failed", "error", err)
				}
			}
		}
	}
}

// ServeHTTP serves the current snapshot document for debugging. It uses a
// separate buffer so it never contends with the publisher.
func (x *Exporter) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	buf := boundbuf.New(x.buf.Cap())
	if err := x.Render(buf); err != nil {
		x.logger.Warn("Snapshot document truncated", "capacity", buf.Cap(), "error", err)
		http.Error(w, "snapshot truncated", http.StatusInternalServerError)
		return
	}

	body := buf.Bytes()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
