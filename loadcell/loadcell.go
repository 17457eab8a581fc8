// Package loadcell turns raw load-cell converter samples into grams and
// keeps the weight sensors of the registry current.
package loadcell

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/c360/stationd/errors"
	"github.com/c360/stationd/health"
	"github.com/c360/stationd/sensor"
)

// Sensor names registered by the sampler.
const (
	WeightName    = "Weight"
	WeightUnit    = "g"
	RawName       = "Weight Raw"
	RawUnit       = "raw"
	componentName = "loadcell"
	tareLinkText  = "Tare"
)

// ErrNoReading is returned by Tare before the first successful sample.
var ErrNoReading = stderrors.New("no load cell reading yet")

// Source produces raw converter counts.
type Source interface {
	ReadRaw(ctx context.Context) (int64, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (int64, error)

// ReadRaw implements Source.
func (f SourceFunc) ReadRaw(ctx context.Context) (int64, error) { return f(ctx) }

// IIOSource reads a Linux IIO sysfs channel such as
// /sys/bus/iio/devices/iio:device0/in_voltage0_raw.
type IIOSource struct {
	Path string
}

// ReadRaw reads and parses the channel file.
func (s IIOSource) ReadRaw(_ context.Context) (int64, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return 0, errors.WrapTransient(err, "IIOSource", "ReadRaw", "read channel")
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrParsingFailed, err), "IIOSource", "ReadRaw", "parse channel")
	}
	return v, nil
}

// Calibration converts raw counts to grams.
type Calibration struct {
	Tare  float64
	Scale float64
}

// Grams returns (raw - tare) / scale. A zero scale yields zero.
func (c Calibration) Grams(raw int64) float64 {
	if c.Scale == 0 {
		return 0
	}
	return (float64(raw) - c.Tare) / c.Scale
}

// Sampler polls a Source and writes the weight and raw readings into the
// registry.
type Sampler struct {
	registry *sensor.Registry
	source   Source
	weight   sensor.Handle
	raw      sensor.Handle
	tareLink string
	logger   *slog.Logger
	monitor  *health.Monitor
	failing  bool

	mu      sync.Mutex // guards cal, lastRaw and hasRaw
	cal     Calibration
	lastRaw int64
	hasRaw  bool
}

// Option configures a Sampler
type Option func(*Sampler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sampler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMonitor reports sampling health to m.
func WithMonitor(m *health.Monitor) Option {
	return func(s *Sampler) {
		s.monitor = m
	}
}

// WithTareLink attaches a link to path on the weight sensor, where a POST
// tares the scale. Register the Sampler itself as the handler for path.
func WithTareLink(path string) Option {
	return func(s *Sampler) {
		s.tareLink = path
	}
}

// NewSampler registers the weight sensors in registry.
func NewSampler(registry *sensor.Registry, source Source, cal Calibration, opts ...Option) (*Sampler, error) {
	s := &Sampler{
		registry: registry,
		source:   source,
		cal:      cal,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", componentName)

	var err error
	if s.weight, err = registry.Register(WeightName, WeightUnit); err != nil {
		return nil, errors.Wrap(err, "Sampler", "NewSampler", "register weight sensor")
	}
	if s.raw, err = registry.Register(RawName, RawUnit); err != nil {
		return nil, errors.Wrap(err, "Sampler", "NewSampler", "register raw sensor")
	}
	return s, nil
}

// Handles returns the registry handles of the weight and raw sensors.
func (s *Sampler) Handles() (weight, raw sensor.Handle) {
	return s.weight, s.raw
}

// Sample takes one reading. A failed read marks both sensors unavailable.
func (s *Sampler) Sample(ctx context.Context) error {
	raw, err := s.source.ReadRaw(ctx)
	if err != nil {
		_ = s.registry.Update(s.weight, 0, false)
		_ = s.registry.Update(s.raw, 0, false)
		if !s.failing {
			s.failing = true
			s.logger.Warn("Load cell read failed", "error", err)
			if s.monitor != nil {
				s.monitor.Update(componentName, health.FromError(componentName, err, ""))
			}
		}
		return err
	}

	if s.failing {
		s.failing = false
		s.logger.Info("Load cell readings resumed")
	}
	if s.monitor != nil {
		s.monitor.UpdateHealthy(componentName, "sampling")
	}

	s.mu.Lock()
	s.lastRaw, s.hasRaw = raw, true
	grams := s.cal.Grams(raw)
	s.mu.Unlock()

	if err := s.registry.Update(s.raw, float64(raw), true); err != nil {
		return err
	}
	if s.tareLink != "" {
		return s.registry.UpdateWithLink(s.weight, grams, true, s.tareLink, tareLinkText)
	}
	return s.registry.Update(s.weight, grams, true)
}

// Calibration returns the calibration in use.
func (s *Sampler) Calibration() Calibration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cal
}

// Tare makes the most recent raw reading the new zero point and returns it.
// The weight sensor reads zero until the next sample.
func (s *Sampler) Tare() (float64, error) {
	s.mu.Lock()
	if !s.hasRaw {
		s.mu.Unlock()
		return 0, errors.WrapTransient(ErrNoReading, "Sampler", "Tare", "read last sample")
	}
	s.cal.Tare = float64(s.lastRaw)
	tare := s.cal.Tare
	s.mu.Unlock()

	s.logger.Info("Scale tared", "tare", tare)
	if s.tareLink != "" {
		_ = s.registry.UpdateWithLink(s.weight, 0, true, s.tareLink, tareLinkText)
	} else {
		_ = s.registry.Update(s.weight, 0, true)
	}
	return tare, nil
}

// ServeHTTP tares the scale on POST and answers with the new tare.
func (s *Sampler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tare, err := s.Tare()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	body := `{"tare":` + strconv.FormatFloat(tare, 'f', -1, 64) + "}"
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

// Run samples every interval until ctx is done.
func (s *Sampler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: sample interval %v", errors.ErrInvalidConfig, interval),
			"Sampler", "Run", "validate interval")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	_ = s.Sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = s.Sample(ctx)
		}
	}
}
