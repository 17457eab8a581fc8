package sensor

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/c360/stationd/errors"
)

// Capacity and field limits of the registry
const (
	DefaultCapacity = 60

	MaxNameLen     = 39
	MaxUnitLen     = 15
	MaxLinkURLLen  = 63
	MaxLinkTextLen = 31
	MaxDeviceLen   = 63
)

// Handle identifies a registered sensor. Handles are assigned in
// registration order starting at zero and are never reused.
type Handle int

// Link is an optional action link shown next to a sensor value.
// A link has both fields set or neither.
type Link struct {
	URL  string
	Text string
}

// IsZero reports whether the link is unset.
func (l Link) IsZero() bool { return l.URL == "" && l.Text == "" }

// Sensor is a point-in-time copy of one registry slot. Local sensors fill
// Name and Unit; sensors derived from broadcast devices also carry
// DeviceName and DeviceID.
type Sensor struct {
	Handle      Handle
	Name        string
	Unit        string
	MetricName  string
	DisplayName string
	Value       float64
	LastUpdated time.Time
	Available   bool
	Link        Link
	DeviceName  string
	DeviceID    string
}

// Updated reports whether the sensor has received at least one reading.
func (s Sensor) Updated() bool { return !s.LastUpdated.IsZero() }

type slot struct {
	mu   sync.RWMutex
	data Sensor
}

// Registry is a bounded store of named, unit-tagged sensor values. All
// slots are allocated up front; registration claims the next free slot and
// updates overwrite a slot in place. Every slot has its own lock, so a
// reader sees the value, timestamp and availability of one update together.
type Registry struct {
	slots  []slot
	count  atomic.Int32
	regMu  sync.Mutex
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Registry
type Option func(*Registry)

// WithCapacity sets the number of slots. Values below 1 keep the default.
func WithCapacity(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.slots = make([]slot, n)
		}
	}
}

// WithLogger sets the logger used to report rejected updates
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the time source used to stamp updates
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates a registry with DefaultCapacity slots unless overridden.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		slots:  make([]slot, DefaultCapacity),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "sensor-registry")
	return r
}

// Cap returns the fixed number of slots.
func (r *Registry) Cap() int { return len(r.slots) }

// Len returns the number of registered sensors.
func (r *Registry) Len() int { return int(r.count.Load()) }

// Register claims the next slot for a local sensor. Name and unit longer than
// the field limits are truncated. Returns ErrRegistryFull once every slot is taken.
func (r *Registry) Register(name, unit string) (Handle, error) {
	name = truncate(name, MaxNameLen)
	return r.register(Sensor{
		Name:        name,
		Unit:        truncate(unit, MaxUnitLen),
		MetricName:  NormalizeName(name),
		DisplayName: name,
	})
}

// RegisterMetric claims a slot for a sensor exported under an explicit metric
// name, such as a value relayed from a broadcast device.
func (r *Registry) RegisterMetric(metricName, displayName, unit string) (Handle, error) {
	metricName = truncate(NormalizeName(metricName), MaxNameLen)
	if displayName == "" {
		displayName = metricName
	}
	displayName = truncate(displayName, MaxNameLen)
	return r.register(Sensor{
		Name:        displayName,
		Unit:        truncate(unit, MaxUnitLen),
		MetricName:  metricName,
		DisplayName: displayName,
	})
}

func (r *Registry) register(s Sensor) (Handle, error) {
	r.regMu.Lock()
	defer r.regMu.Unlock()

	n := int(r.count.Load())
	if n >= len(r.slots) {
		return -1, errors.WrapFatal(
			fmt.Errorf("%w: capacity %d", errors.ErrRegistryFull, len(r.slots)),
			"Registry", "Register", fmt.Sprintf("register sensor %q", s.Name))
	}

	s.Handle = Handle(n)
	sl := &r.slots[n]
	sl.mu.Lock()
	sl.data = s
	sl.mu.Unlock()

	// Publish the slot only after it is initialised.
	r.count.Store(int32(n + 1))
	return s.Handle, nil
}

func (r *Registry) slot(h Handle) *slot {
	if h < 0 || int(h) >= int(r.count.Load()) {
		return nil
	}
	return &r.slots[h]
}

// Update stores a new reading. The timestamp is refreshed and availability
// overwritten on every successful call; any previously set link is cleared.
func (r *Registry) Update(h Handle, value float64, available bool) error {
	return r.UpdateWithLink(h, value, available, "", "")
}

// UpdateWithLink stores a new reading together with an action link. A link
// with only one of url and text set is treated as no link.
func (r *Registry) UpdateWithLink(h Handle, value float64, available bool, url, text string) error {
	sl := r.slot(h)
	if sl == nil {
		return r.invalid(h, "UpdateWithLink")
	}

	link := Link{URL: truncate(url, MaxLinkURLLen), Text: truncate(text, MaxLinkTextLen)}
	if link.URL == "" || link.Text == "" {
		link = Link{}
	}
	now := r.now()

	sl.mu.Lock()
	sl.data.Value = value
	sl.data.Available = available
	sl.data.LastUpdated = now
	sl.data.Link = link
	sl.mu.Unlock()
	return nil
}

// UpdateDevice stores a reading relayed from a broadcast device together with
// the device identity it came from.
func (r *Registry) UpdateDevice(h Handle, value float64, available bool, deviceName, deviceID string) error {
	sl := r.slot(h)
	if sl == nil {
		return r.invalid(h, "UpdateDevice")
	}

	deviceName = truncate(deviceName, MaxDeviceLen)
	deviceID = truncate(deviceID, MaxDeviceLen)
	now := r.now()

	sl.mu.Lock()
	sl.data.Value = value
	sl.data.Available = available
	sl.data.LastUpdated = now
	sl.data.Link = Link{}
	sl.data.DeviceName = deviceName
	sl.data.DeviceID = deviceID
	sl.mu.Unlock()
	return nil
}

func (r *Registry) invalid(h Handle, method string) error {
	r.logger.Warn("Rejected update for unknown sensor handle", "handle", int(h), "registered", r.Len())
	return errors.WrapInvalid(
		fmt.Errorf("%w: %d", errors.ErrInvalidHandle, int(h)),
		"Registry", method, "resolve handle")
}

// Read returns the latest value and availability. Unknown handles read as
// zero and unavailable; reads sit on hot paths and never fail.
func (r *Registry) Read(h Handle) (float64, bool) {
	sl := r.slot(h)
	if sl == nil {
		return 0, false
	}
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return sl.data.Value, sl.data.Available
}

// Get returns a copy of the sensor behind h.
func (r *Registry) Get(h Handle) (Sensor, bool) {
	sl := r.slot(h)
	if sl == nil {
		return Sensor{}, false
	}
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return sl.data, true
}

// Each visits registered sensors in handle order until fn returns false.
// Each slot is copied under its own lock; the walk as a whole is not a
// snapshot of the registry.
func (r *Registry) Each(fn func(Sensor) bool) {
	n := int(r.count.Load())
	for i := 0; i < n; i++ {
		sl := &r.slots[i]
		sl.mu.RLock()
		s := sl.data
		sl.mu.RUnlock()
		if !fn(s) {
			return
		}
	}
}

// NormalizeName lowercases name and replaces spaces and hyphens with
// underscores, giving an exposition-safe metric identifier.
func NormalizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == ' ' || c == '-':
			b.WriteByte('_')
		case c >= 'A' && c <= 'Z':
			b.WriteByte(c + ('a' - 'A'))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// truncate shortens s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
