package bthome

// Vocabulary resolves BTHome object IDs to names and scales raw values.
type Vocabulary interface {
	// Resolve returns the object's name and a human-readable unit
	// description. ok is false for IDs the vocabulary does not know.
	Resolve(id uint8) (name, unitDescription string, ok bool)
	// Scale converts a raw decoded value into the object's unit.
	Scale(id uint8, raw int64) float64
}

// Object describes one BTHome measurement type.
type Object struct {
	ID              uint8
	Name            string
	Unit            string
	UnitDescription string
	Factor          float64
}

// Table is a Vocabulary backed by a fixed array indexed by object ID.
type Table struct {
	objects [256]Object
	known   [256]bool
}

// NewTable builds a vocabulary from objects. Later entries replace earlier
// ones with the same ID; a zero Factor is read as 1.
func NewTable(objects ...Object) *Table {
	t := &Table{}
	for _, o := range objects {
		if o.Factor == 0 {
			o.Factor = 1
		}
		t.objects[o.ID] = o
		t.known[o.ID] = true
	}
	return t
}

// Resolve implements Vocabulary.
func (t *Table) Resolve(id uint8) (string, string, bool) {
	if !t.known[id] {
		return "", "", false
	}
	o := &t.objects[id]
	return o.Name, o.UnitDescription, true
}

// Scale implements Vocabulary. Unknown IDs scale by 1.
func (t *Table) Scale(id uint8, raw int64) float64 {
	if !t.known[id] {
		return float64(raw)
	}
	return float64(raw) * t.objects[id].Factor
}

// Unit returns the unit symbol of id, or "" when unknown or unitless.
func (t *Table) Unit(id uint8) string {
	return t.objects[id].Unit
}

// Lookup returns the full object definition.
func (t *Table) Lookup(id uint8) (Object, bool) {
	return t.objects[id], t.known[id]
}

// Objects returns the known objects in ID order.
func (t *Table) Objects() []Object {
	var out []Object
	for id := range t.objects {
		if t.known[id] {
			out = append(out, t.objects[id])
		}
	}
	return out
}

// Names are unique across the table: an object ID maps to exactly one
// metric family, and two IDs never render under the same family name.
var defaultObjects = []Object{
	{ID: 0x01, Name: "battery", Unit: "%", UnitDescription: "percent", Factor: 1},
	{ID: 0x02, Name: "temperature", Unit: "°C", UnitDescription: "degrees Celsius", Factor: 0.01},
	{ID: 0x03, Name: "humidity", Unit: "%", UnitDescription: "percent", Factor: 0.01},
	{ID: 0x04, Name: "pressure", Unit: "hPa", UnitDescription: "hectopascals", Factor: 0.01},
	{ID: 0x05, Name: "illuminance", Unit: "lx", UnitDescription: "lux", Factor: 0.01},
	{ID: 0x06, Name: "mass kg", Unit: "kg", UnitDescription: "kilograms", Factor: 0.01},
	{ID: 0x07, Name: "mass lb", Unit: "lb", UnitDescription: "pounds", Factor: 0.01},
	{ID: 0x08, Name: "dewpoint", Unit: "°C", UnitDescription: "degrees Celsius", Factor: 0.01},
	{ID: 0x09, Name: "count", Factor: 1},
	{ID: 0x0A, Name: "energy", Unit: "kWh", UnitDescription: "kilowatt hours", Factor: 0.001},
	{ID: 0x0B, Name: "power", Unit: "W", UnitDescription: "watts", Factor: 0.01},
	{ID: 0x0C, Name: "voltage", Unit: "V", UnitDescription: "volts", Factor: 0.001},
	{ID: 0x0D, Name: "pm25", Unit: "µg/m³", UnitDescription: "micrograms per cubic meter", Factor: 1},
	{ID: 0x0E, Name: "pm10", Unit: "µg/m³", UnitDescription: "micrograms per cubic meter", Factor: 1},
	{ID: 0x12, Name: "co2", Unit: "ppm", UnitDescription: "parts per million", Factor: 1},
	{ID: 0x13, Name: "tvoc", Unit: "µg/m³", UnitDescription: "micrograms per cubic meter", Factor: 1},
	{ID: 0x14, Name: "moisture", Unit: "%", UnitDescription: "percent", Factor: 0.01},
	{ID: 0x2E, Name: "humidity coarse", Unit: "%", UnitDescription: "percent", Factor: 1},
	{ID: 0x2F, Name: "moisture coarse", Unit: "%", UnitDescription: "percent", Factor: 1},
	{ID: 0x3F, Name: "rotation", Unit: "°", UnitDescription: "degrees", Factor: 0.1},
	{ID: 0x40, Name: "distance mm", Unit: "mm", UnitDescription: "millimeters", Factor: 1},
	{ID: 0x41, Name: "distance m", Unit: "m", UnitDescription: "meters", Factor: 0.1},
	{ID: 0x42, Name: "duration", Unit: "s", UnitDescription: "seconds", Factor: 0.001},
	{ID: 0x43, Name: "current", Unit: "A", UnitDescription: "amperes", Factor: 0.001},
	{ID: 0x44, Name: "speed", Unit: "m/s", UnitDescription: "meters per second", Factor: 0.01},
	{ID: 0x45, Name: "temperature coarse", Unit: "°C", UnitDescription: "degrees Celsius", Factor: 0.1},
	{ID: 0x46, Name: "uv index", Factor: 0.1},
	{ID: 0x47, Name: "volume l", Unit: "L", UnitDescription: "liters", Factor: 0.1},
	{ID: 0x48, Name: "volume ml", Unit: "mL", UnitDescription: "milliliters", Factor: 1},
	{ID: 0x49, Name: "volume flow rate", Unit: "m³/h", UnitDescription: "cubic meters per hour", Factor: 0.001},
	{ID: 0x4A, Name: "voltage coarse", Unit: "V", UnitDescription: "volts", Factor: 0.1},
	{ID: 0x4B, Name: "gas", Unit: "m³", UnitDescription: "cubic meters", Factor: 0.001},
	{ID: 0x51, Name: "acceleration", Unit: "m/s²", UnitDescription: "meters per second squared", Factor: 0.001},
	{ID: 0x52, Name: "gyroscope", Unit: "°/s", UnitDescription: "degrees per second", Factor: 0.001},
}

// DefaultVocabulary returns the BTHome v2 sensor object table.
func DefaultVocabulary() *Table {
	return NewTable(defaultObjects...)
}
