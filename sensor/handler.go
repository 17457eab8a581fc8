package sensor

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/c360/stationd/pkg/boundbuf"
)

// DefaultListSize is the capacity of the sensor list document.
const DefaultListSize = 8192

// Handler serves every registered sensor as a JSON list. Each request
// renders into its own fixed-capacity buffer; a list that does not fit is
// answered with 500 rather than truncated.
type Handler struct {
	registry *Registry
	size     int
	logger   *slog.Logger
}

// NewHandler creates a list handler over r. A size below 1 selects
// DefaultListSize.
func NewHandler(r *Registry, size int, logger *slog.Logger) *Handler {
	if size < 1 {
		size = DefaultListSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{registry: r, size: size, logger: logger.With("component", "sensor-list")}
}

// Render writes the sensor list into w, replacing its contents. It reports
// false when the list did not fit.
func (h *Handler) Render(w *boundbuf.Writer) bool {
	w.Reset()
	w.AppendString(`{"sensors":[`)
	first := true
	h.registry.Each(func(s Sensor) bool {
		if !first {
			w.AppendString(",")
		}
		first = false
		appendSensor(w, s)
		return !w.Overflowed()
	})
	w.AppendString("]}")
	return !w.Overflowed()
}

func appendSensor(w *boundbuf.Writer, s Sensor) {
	w.AppendString(`{"id":`)
	w.AppendInt(int64(s.Handle))
	w.AppendString(`,"name":`)
	w.AppendJSONString(s.Name)
	w.AppendString(`,"unit":`)
	w.AppendJSONString(s.Unit)
	w.AppendString(`,"metric_name":`)
	w.AppendJSONString(s.MetricName)
	w.AppendString(`,"display_name":`)
	w.AppendJSONString(s.DisplayName)
	w.AppendString(`,"value":`)
	if !s.Updated() || math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		w.AppendString("null")
	} else {
		w.AppendFloat(s.Value, 2)
	}
	w.AppendString(`,"available":`)
	w.AppendString(strconv.FormatBool(s.Available))
	w.AppendString(`,"last_updated":`)
	if s.Updated() {
		w.AppendInt(s.LastUpdated.Unix())
	} else {
		w.AppendInt(0)
	}
	// Links are stored both-or-neither.
	if !s.Link.IsZero() {
		w.AppendString(`,"link":{"url":`)
		w.AppendJSONString(s.Link.URL)
		w.AppendString(`,"text":`)
		w.AppendJSONString(s.Link.Text)
		w.AppendString("}")
	}
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

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	buf := boundbuf.New(h.size)
	if !h.Render(buf) {
		h.logger.Warn("Sensor list truncated", "capacity", buf.Cap(), "sensors", h.registry.Len())
		http.Error(w, "sensor list truncated", http.StatusInternalServerError)
		return
	}

	body := buf.Bytes()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(body)
	}
}
