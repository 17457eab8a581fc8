package bthome

import (
	"iter"
	"sync"
	"time"
)

// Cache limits
const (
	DefaultCacheSize = 32
	MaxMeasurements  = 16
)

type cacheEntry struct {
	used     bool
	addr     Address
	rssi     int
	seen     time.Time
	n        int
	readings [MaxMeasurements]Measurement
}

// Cache holds the latest observation per device address in a fixed number of
// slots. Writers hold the lock only to copy one entry; iteration copies one
// entry at a time, so a long export never stalls the radio side.
type Cache struct {
	mu      sync.Mutex
	entries []cacheEntry
	maxAge  time.Duration
	now     func() time.Time
}

// CacheOption configures a Cache
type CacheOption func(*Cache)

// WithCacheSize sets the number of device slots.
func WithCacheSize(n int) CacheOption {
	return func(c *Cache) {
		if n > 0 {
			c.entries = make([]cacheEntry, n)
		}
	}
}

// WithMaxAge hides observations older than d from iteration. Zero disables expiry.
func WithMaxAge(d time.Duration) CacheOption {
	return func(c *Cache) {
		c.maxAge = d
	}
}

// WithCacheClock overrides the time source.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCache creates an empty cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		entries: make([]cacheEntry, DefaultCacheSize),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store records obs as the latest observation for its address. A new address
// takes a free slot, or the slot of the device heard from least recently.
// Measurements beyond MaxMeasurements are dropped. Store reports whether an
// existing device was evicted.
func (c *Cache) Store(obs Observation) (evicted bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	idx, free, oldest := -1, -1, -1
	for i := range c.entries {
		e := &c.entries[i]
		if !e.used {
			if free < 0 {
				free = i
			}
			continue
		}
		if e.addr == obs.Address {
			idx = i
			break
		}
		if oldest < 0 || e.seen.Before(c.entries[oldest].seen) {
			oldest = i
		}
	}
	switch {
	case idx >= 0:
	case free >= 0:
		idx = free
	default:
		idx = oldest
		evicted = true
	}

	e := &c.entries[idx]
	e.used = true
	e.addr = obs.Address
	e.rssi = obs.RSSI
	e.seen = now
	e.n = copy(e.readings[:], obs.Measurements)
	return evicted
}

// Len returns the number of cached devices, including expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for i := range c.entries {
		if c.entries[i].used {
			n++
		}
	}
	return n
}

// Clear removes every cached device.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// Observations yields cached devices in slot order. Slot order only changes
// when a device is added or evicted, so passes over an idle cache replay
// identically.
func (c *Cache) Observations() iter.Seq[Observation] {
	return func(yield func(Observation) bool) {
		var scratch cacheEntry
		var cutoff time.Time
		if c.maxAge > 0 {
			cutoff = c.now().Add(-c.maxAge)
		}
		for i := 0; ; i++ {
			c.mu.Lock()
			if i >= len(c.entries) {
				c.mu.Unlock()
				return
			}
			scratch = c.entries[i]
			c.mu.Unlock()

			if !scratch.used || (!cutoff.IsZero() && scratch.seen.Before(cutoff)) {
				continue
			}
			obs := Observation{
				Address:      scratch.addr,
				RSSI:         scratch.rssi,
				Measurements: scratch.readings[:scratch.n],
			}
			if !yield(obs) {
				return
			}
		}
	}
}
