package health

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/c360/stationd/metric"
)

// Monitor tracks the health of named station components.
type Monitor struct {
	name    string
	metrics *metric.Metrics

	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates a monitor whose aggregate is reported as name. Each
// update is mirrored to m when it is non-nil.
func NewMonitor(name string, m *metric.Metrics) *Monitor {
	return &Monitor{
		name:     name,
		metrics:  m,
		statuses: make(map[string]Status),
	}
}

// Update replaces the status of component.
func (m *Monitor) Update(component string, status Status) {
	status.Component = component
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.statuses[component] = status
	m.mu.Unlock()

	m.metrics.RecordHealthStatus(component, status.IsHealthy())
}

// UpdateHealthy marks component healthy.
func (m *Monitor) UpdateHealthy(component, message string) {
	m.Update(component, NewHealthy(component, message))
}

// UpdateUnhealthy marks component unhealthy.
func (m *Monitor) UpdateUnhealthy(component, message string) {
	m.Update(component, NewUnhealthy(component, message))
}

// UpdateDegraded marks component degraded.
func (m *Monitor) UpdateDegraded(component, message string) {
	m.Update(component, NewDegraded(component, message))
}

// Get returns the status of component.
func (m *Monitor) Get(component string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[component]
	return s, ok
}

// Remove stops tracking component.
func (m *Monitor) Remove(component string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, component)
}

// Components returns the tracked component names in sorted order.
func (m *Monitor) Components() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.statuses))
	for name := range m.statuses {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Aggregate returns the combined health with sub-statuses in component
// name order.
func (m *Monitor) Aggregate() Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.statuses))
	for _, s := range m.statuses {
		subs = append(subs, s)
	}
	m.mu.RUnlock()

	slices.SortFunc(subs, func(a, b Status) int {
		switch {
		case a.Component < b.Component:
			return -1
		case a.Component > b.Component:
			return 1
		}
		return 0
	})
	return Aggregate(m.name, subs)
}

// ServeHTTP writes the aggregate status as JSON. Unhealthy aggregates are
// served with 503 so load balancers and supervisors can act on the status code.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	status := m.Aggregate()

	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}
