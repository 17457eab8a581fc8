package bthome

// DeviceFilter is one operator-configured allow-list entry.
type DeviceFilter struct {
	Address Address `json:"address" yaml:"address"`
	Enabled bool    `json:"enabled" yaml:"enabled"`
	Name    string  `json:"name,omitempty" yaml:"name,omitempty"`
}

// FilterPolicy decides which object IDs and which devices are exported.
// It is read-only once built and safe for concurrent use.
type FilterPolicy struct {
	selected []uint8
	devices  []DeviceFilter
}

// NewFilterPolicy copies selected and devices into a new policy.
func NewFilterPolicy(selected []uint8, devices []DeviceFilter) *FilterPolicy {
	return &FilterPolicy{
		selected: append([]uint8(nil), selected...),
		devices:  append([]DeviceFilter(nil), devices...),
	}
}

// Empty reports whether no object IDs are selected. An empty policy
// suppresses every BTHome metric.
func (p *FilterPolicy) Empty() bool {
	return p == nil || len(p.selected) == 0
}

// Selected reports whether id is on the allow-list.
func (p *FilterPolicy) Selected(id uint8) bool {
	if p == nil {
		return false
	}
	for _, s := range p.selected {
		if s == id {
			return true
		}
	}
	return false
}

// Allow reports whether the device at addr passes the device filters, and
// the configured display name if one is set. With no filters every device
// passes. With filters, only listed and enabled devices pass. An empty name
// means the caller should display the formatted address.
func (p *FilterPolicy) Allow(addr Address) (name string, ok bool) {
	if p == nil || len(p.devices) == 0 {
		return "", true
	}
	for i := range p.devices {
		f := &p.devices[i]
		if f.Address != addr {
			continue
		}
		if !f.Enabled {
			return "", false
		}
		return f.Name, true
	}
	return "", false
}

// DisplayName returns the name the device is exported under, or false if
// it is filtered out.
func (p *FilterPolicy) DisplayName(addr Address) (string, bool) {
	name, ok := p.Allow(addr)
	if !ok {
		return "", false
	}
	if name == "" {
		return addr.String(), true
	}
	return name, true
}
