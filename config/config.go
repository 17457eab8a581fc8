package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/c360/stationd/bthome"
	"github.com/c360/stationd/errors"
	"github.com/c360/stationd/sensor"
)

// Defaults
const (
	DefaultHostname        = "weight-station"
	DefaultHTTPPort        = 8080
	DefaultExportBuffer    = 8192
	DefaultSnapshotBuffer  = 4096
	DefaultTopic           = "station/sensors"
	DefaultPublishInterval = 10 * time.Second
	DefaultLockTimeout     = time.Second
	DefaultIngestSubject   = "station.ble.observations"
	DefaultNATSURL         = "nats://localhost:4222"

	minBufferSize = 256
)

// Config is the complete station configuration. It is loaded once at
// startup and treated as immutable afterwards.
type Config struct {
	Station  StationConfig  `json:"station"`
	HTTP     HTTPConfig     `json:"http"`
	NATS     NATSConfig     `json:"nats"`
	Publish  PublishConfig  `json:"publish"`
	Registry RegistryConfig `json:"registry"`
	LoadCell LoadCellConfig `json:"loadcell"`
	BTHome   BTHomeConfig   `json:"bthome"`
}

// StationConfig identifies the station.
type StationConfig struct {
	Hostname   string `json:"hostname"`
	InstanceID string `json:"instance_id,omitempty"` // generated at startup when empty
}

// HTTPConfig configures the pull surface.
type HTTPConfig struct {
	Port       int  `json:"port"`
	BufferSize int  `json:"buffer_size"`
	Advertise  bool `json:"advertise"` // announce the endpoint over mDNS
}

// NATSConfig defines the publish channel connection. No URLs disables the
// channel; the pull surface keeps working.
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	ClientName    string        `json:"client_name,omitempty"` // defaults to the hostname
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	PingInterval  time.Duration `json:"ping_interval,omitempty"`
	DrainTimeout  time.Duration `json:"drain_timeout,omitempty"`
}

// Enabled reports whether a broker is configured.
func (n NATSConfig) Enabled() bool {
	return len(n.URLs) > 0 && strings.TrimSpace(strings.Join(n.URLs, "")) != ""
}

// URL returns the broker URLs in the comma-separated form nats.Connect takes.
func (n NATSConfig) URL() string {
	return strings.Join(n.URLs, ",")
}

// PublishConfig configures the JSON snapshot publisher.
type PublishConfig struct {
	Topic       string        `json:"topic"`
	Interval    time.Duration `json:"interval"`
	LockTimeout time.Duration `json:"lock_timeout"`
	BufferSize  int           `json:"buffer_size"`
}

// RegistryConfig sizes the sensor registry.
type RegistryConfig struct {
	Capacity int `json:"capacity"`
}

// LoadCellConfig configures the local weight sensor. Grams are computed as
// (raw - tare) / scale.
type LoadCellConfig struct {
	Enabled  bool          `json:"enabled"`
	Path     string        `json:"path,omitempty"` // IIO sysfs raw value file
	Tare     float64       `json:"tare"`
	Scale    float64       `json:"scale"`
	Interval time.Duration `json:"interval,omitempty"`
}

// BTHomeConfig configures broadcast sensor ingest and export.
type BTHomeConfig struct {
	Subject   string                `json:"subject"`
	CacheSize int                   `json:"cache_size"`
	MaxAge    time.Duration         `json:"max_age,omitempty"`
	Metrics   []int                 `json:"metrics,omitempty"` // selected object IDs
	Devices   []bthome.DeviceFilter `json:"devices,omitempty"`
	Relay     bool                  `json:"relay"` // mirror selected readings into the registry
}

// FilterPolicy builds the export policy. Call after Validate.
func (b BTHomeConfig) FilterPolicy() *bthome.FilterPolicy {
	selected := make([]uint8, 0, len(b.Metrics))
	for _, id := range b.Metrics {
		selected = append(selected, uint8(id))
	}
	return bthome.NewFilterPolicy(selected, b.Devices)
}

// Default returns the configuration used when no file overrides a field.
func Default() *Config {
	return &Config{
		Station: StationConfig{Hostname: DefaultHostname},
		HTTP: HTTPConfig{
			Port:       DefaultHTTPPort,
			BufferSize: DefaultExportBuffer,
		},
		NATS: NATSConfig{
			URLs:          []string{DefaultNATSURL},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Timeout:       5 * time.Second,
		},
		Publish: PublishConfig{
			Topic:       DefaultTopic,
			Interval:    DefaultPublishInterval,
			LockTimeout: DefaultLockTimeout,
			BufferSize:  DefaultSnapshotBuffer,
		},
		Registry: RegistryConfig{Capacity: sensor.DefaultCapacity},
		LoadCell: LoadCellConfig{
			Scale:    1,
			Interval: time.Second,
		},
		BTHome: BTHomeConfig{
			Subject:   DefaultIngestSubject,
			CacheSize: bthome.DefaultCacheSize,
		},
	}
}

func invalid(format string, args ...any) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
		"Config", "Validate", "validate configuration")
}

// Validate checks the configuration and fills derived defaults such as the
// NATS client name.
func (c *Config) Validate() error {
	if c.Station.Hostname == "" {
		return invalid("station.hostname is required")
	}
	if len(c.Station.Hostname) > 63 {
		return invalid("station.hostname longer than 63 bytes")
	}

	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return invalid("http.port %d out of range", c.HTTP.Port)
	}
	if c.HTTP.BufferSize < minBufferSize {
		return invalid("http.buffer_size must be at least %d", minBufferSize)
	}

	if c.NATS.Enabled() {
		for name, d := range map[string]time.Duration{
			"reconnect_wait": c.NATS.ReconnectWait,
			"timeout":        c.NATS.Timeout,
			"ping_interval":  c.NATS.PingInterval,
			"drain_timeout":  c.NATS.DrainTimeout,
		} {
			if d < 0 {
				return invalid("nats.%s must not be negative", name)
			}
		}
		if c.NATS.Token != "" && c.NATS.Username != "" {
			return invalid("nats.token and nats.username are mutually exclusive")
		}
		if c.NATS.ClientName == "" {
			c.NATS.ClientName = c.Station.Hostname
		}
		if c.Publish.Topic == "" {
			return invalid("publish.topic is required")
		}
		if c.Publish.Interval <= 0 {
			return invalid("publish.interval must be positive")
		}
	}
	if c.Publish.LockTimeout <= 0 {
		return invalid("publish.lock_timeout must be positive")
	}
	if c.Publish.BufferSize < minBufferSize {
		return invalid("publish.buffer_size must be at least %d", minBufferSize)
	}

	if c.Registry.Capacity < 1 {
		return invalid("registry.capacity must be positive")
	}

	if c.LoadCell.Enabled {
		if c.LoadCell.Path == "" {
			return invalid("loadcell.path is required when the load cell is enabled")
		}
		if c.LoadCell.Scale == 0 {
			return invalid("loadcell.scale must not be zero")
		}
		if c.LoadCell.Interval <= 0 {
			return invalid("loadcell.interval must be positive")
		}
	}

	if c.BTHome.CacheSize < 1 {
		return invalid("bthome.cache_size must be positive")
	}
	for _, id := range c.BTHome.Metrics {
		if id < 0 || id > 255 {
			return invalid("bthome.metrics object id %d out of range", id)
		}
	}
	seen := make(map[bthome.Address]bool, len(c.BTHome.Devices))
	for _, d := range c.BTHome.Devices {
		if seen[d.Address] {
			return invalid("bthome.devices lists %s twice", d.Address)
		}
		seen[d.Address] = true
	}

	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	clone := *c
	clone.NATS.URLs = append([]string(nil), c.NATS.URLs...)
	clone.BTHome.Metrics = append([]int(nil), c.BTHome.Metrics...)
	clone.BTHome.Devices = append([]bthome.DeviceFilter(nil), c.BTHome.Devices...)
	return &clone
}

// Redacted returns a copy with credentials masked, suitable for logging.
func (c *Config) Redacted() *Config {
	clone := c.Clone()
	if clone.NATS.Password != "" {
		clone.NATS.Password = "[REDACTED]"
	}
	if clone.NATS.Token != "" {
		clone.NATS.Token = "[REDACTED]"
	}
	return clone
}

// String returns the redacted configuration as JSON.
func (c *Config) String() string {
	data, err := json.MarshalIndent(c.Redacted(), "", "  ")
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}
