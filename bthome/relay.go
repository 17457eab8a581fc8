package bthome

import (
	stderrors "errors"
	"log/slog"
	"sync"

	"github.com/c360/stationd/errors"
	"github.com/c360/stationd/sensor"
)

type relayKey struct {
	addr Address
	id   uint8
}

// Relay mirrors policy-selected broadcast readings into the sensor registry
// so the snapshot publisher carries them alongside local sensors. Each
// (device, object) pair claims one registry slot on first sight; once the
// registry is full, new pairs are skipped.
type Relay struct {
	registry *sensor.Registry
	policy   *FilterPolicy
	vocab    Vocabulary
	logger   *slog.Logger

	mu      sync.Mutex
	handles map[relayKey]sensor.Handle
	full    bool
}

// NewRelay creates a relay writing into registry.
func NewRelay(registry *sensor.Registry, policy *FilterPolicy, vocab Vocabulary, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		registry: registry,
		policy:   policy,
		vocab:    vocab,
		logger:   logger.With("component", "bthome-relay"),
		handles:  make(map[relayKey]sensor.Handle),
	}
}

// Observe updates the registry from one observation.
func (r *Relay) Observe(obs Observation) {
	if r.policy.Empty() {
		return
	}
	display, ok := r.policy.DisplayName(obs.Address)
	if !ok {
		return
	}
	deviceID := obs.Address.String()

	for _, m := range obs.Measurements {
		if !r.policy.Selected(m.ObjectID) {
			continue
		}
		name, _, known := r.vocab.Resolve(m.ObjectID)
		if !known {
			continue
		}
		h, ok := r.handle(relayKey{addr: obs.Address, id: m.ObjectID}, display, name, m.ObjectID)
		if !ok {
			continue
		}
		value := r.vocab.Scale(m.ObjectID, m.Raw)
		if err := r.registry.UpdateDevice(h, value, true, display, deviceID); err != nil {
			r.logger.Warn("Relay update rejected", "device", deviceID, "error", err)
		}
	}
}

func (r *Relay) handle(key relayKey, display, name string, id uint8) (sensor.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[key]; ok {
		return h, true
	}
	if r.full {
		return 0, false
	}

	unit := ""
	if u, ok := r.vocab.(interface{ Unit(uint8) string }); ok {
		unit = u.Unit(id)
	}
	h, err := r.registry.RegisterMetric("bthome "+name, display+" "+name, unit)
	if err != nil {
		if stderrors.Is(err, errors.ErrRegistryFull) {
			r.full = true
			r.logger.Warn("Sensor registry full, relaying no further devices", "device", key.addr.String())
		}
		return 0, false
	}
	r.handles[key] = h
	return h, true
}
