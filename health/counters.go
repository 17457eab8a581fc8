package health

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/mem"
	"golang.org/x/time/rate"
)

// Counters reports memory diagnostics for the station snapshot. Values are
// opaque byte counts; zero means unknown.
type Counters interface {
	Free() uint64
	MinFree() uint64
	LargestFreeBlock() uint64
}

// StaticCounters is a fixed Counters value.
type StaticCounters struct {
	FreeBytes             uint64
	MinFreeBytes          uint64
	LargestFreeBlockBytes uint64
}

func (c StaticCounters) Free() uint64             { return c.FreeBytes }
func (c StaticCounters) MinFree() uint64          { return c.MinFreeBytes }
func (c StaticCounters) LargestFreeBlock() uint64 { return c.LargestFreeBlockBytes }

// DefaultSampleInterval bounds how often HostMemory queries the host.
const DefaultSampleInterval = time.Second

// HostMemory implements Counters from host virtual memory statistics.
// Free is the memory available to new allocations, LargestFreeBlock the
// memory not in use at all, and MinFree the lowest Free seen since creation.
type HostMemory struct {
	read     func() (*mem.VirtualMemoryStat, error)
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	sampled time.Time
	free    uint64
	unused  uint64
	minFree uint64
	warn    rate.Sometimes
}

// HostMemoryOption configures HostMemory
type HostMemoryOption func(*HostMemory)

// WithSampleInterval sets how long a sample is reused.
func WithSampleInterval(d time.Duration) HostMemoryOption {
	return func(h *HostMemory) {
		h.interval = d
	}
}

// WithMemoryReader replaces the gopsutil reader.
func WithMemoryReader(read func() (*mem.VirtualMemoryStat, error)) HostMemoryOption {
	return func(h *HostMemory) {
		if read != nil {
			h.read = read
		}
	}
}

// WithCountersClock overrides the sample clock.
func WithCountersClock(now func() time.Time) HostMemoryOption {
	return func(h *HostMemory) {
		if now != nil {
			h.now = now
		}
	}
}

// WithCountersLogger sets the logger used for sampling failures.
func WithCountersLogger(logger *slog.Logger) HostMemoryOption {
	return func(h *HostMemory) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHostMemory creates host-backed counters.
func NewHostMemory(opts ...HostMemoryOption) *HostMemory {
	h := &HostMemory{
		read:     mem.VirtualMemory,
		interval: DefaultSampleInterval,
		now:      time.Now,
		logger:   slog.Default(),
		warn:     rate.Sometimes{First: 1, Interval: time.Minute},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Free returns the available memory in bytes.
func (h *HostMemory) Free() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sample()
	return h.free
}

// MinFree returns the lowest available memory seen so far.
func (h *HostMemory) MinFree() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sample()
	return h.minFree
}

// LargestFreeBlock returns the unused memory in bytes.
func (h *HostMemory) LargestFreeBlock() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sample()
	return h.unused
}

// sample refreshes the cached values. Caller holds mu.
func (h *HostMemory) sample() {
	now := h.now()
	if !h.sampled.IsZero() && now.Sub(h.sampled) < h.interval {
		return
	}
	h.sampled = now

	vm, err := h.read()
	if err != nil || vm == nil {
		// Keep the previous values.
		h.warn.Do(func() {
			h.logger.Warn("Memory statistics unavailable", "component", "health", "error", err)
		})
		return
	}

	h.free = vm.Available
	h.unused = vm.Free
	if h.minFree == 0 || vm.Available < h.minFree {
		h.minFree = vm.Available
	}
}
