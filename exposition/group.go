package exposition

import (
	"github.com/c360/stationd/bthome"
	"github.com/c360/stationd/pkg/boundbuf"
)

// MaxFamilies caps the number of distinct object IDs collected per export.
// Identities beyond the cap are dropped without error.
const MaxFamilies = 256

const familyPrefix = "bthome_"

// identitySet is the first-seen ordered set of object IDs for one export.
type identitySet struct {
	ids [MaxFamilies]uint8
	n   int
}

func (s *identitySet) add(id uint8) {
	for i := 0; i < s.n; i++ {
		if s.ids[i] == id {
			return
		}
	}
	if s.n < len(s.ids) {
		s.ids[s.n] = id
		s.n++
	}
}

// Engine renders BTHome observations as metric families. It walks the
// observation source several times per export instead of indexing it: one
// pass to collect identities, one for signal strength and one per family.
// Memory use is flat regardless of how many devices are cached.
type Engine struct {
	source bthome.Source
	policy *bthome.FilterPolicy
	vocab  bthome.Vocabulary
}

// NewEngine creates an engine over source.
func NewEngine(source bthome.Source, policy *bthome.FilterPolicy, vocab bthome.Vocabulary) *Engine {
	return &Engine{source: source, policy: policy, vocab: vocab}
}

// Render appends the BTHome families to w. Nothing is written when the policy
// selects no object IDs. Families appear in first-seen order and series in
// source order.
func (e *Engine) Render(w *boundbuf.Writer, hostname string) {
	if e == nil || e.source == nil || e.policy.Empty() {
		return
	}

	var seen identitySet
	for obs := range e.source.Observations() {
		for _, m := range obs.Measurements {
			if e.policy.Selected(m.ObjectID) {
				seen.add(m.ObjectID)
			}
		}
	}

	w.AppendString("# HELP bthome_rssi_dbm BTHome device signal strength in dBm\n")
	w.AppendString("# TYPE bthome_rssi_dbm gauge\n")
	for obs := range e.source.Observations() {
		name, ok := e.policy.Allow(obs.Address)
		if !ok {
			continue
		}
		w.AppendString("bthome_rssi_dbm")
		appendLabels(w, hostname, name, obs.Address)
		w.AppendInt(int64(obs.RSSI))
		w.AppendString("\n")
	}

	for _, id := range seen.ids[:seen.n] {
		e.renderFamily(w, hostname, id)
	}
}

func (e *Engine) renderFamily(w *boundbuf.Writer, hostname string, id uint8) {
	name, unitDesc, ok := e.vocab.Resolve(id)
	if !ok {
		return
	}

	w.AppendString("# HELP ")
	appendFamilyName(w, name)
	w.AppendString(" BTHome ")
	w.AppendString(name)
	if unitDesc != "" {
		w.AppendString(" in ")
		w.AppendString(unitDesc)
	}
	w.AppendString("\n# TYPE ")
	appendFamilyName(w, name)
	w.AppendString(" gauge\n")

	for obs := range e.source.Observations() {
		device, ok := e.policy.Allow(obs.Address)
		if !ok {
			continue
		}
		for _, m := range obs.Measurements {
			if m.ObjectID != id {
				continue
			}
			appendFamilyName(w, name)
			appendLabels(w, hostname, device, obs.Address)
			w.AppendFloat(e.vocab.Scale(id, m.Raw), 2)
			w.AppendString("\n")
		}
	}
}

// appendFamilyName writes bthome_<name> lowercased with spaces and hyphens
// replaced by underscores.
func appendFamilyName(w *boundbuf.Writer, name string) {
	var scratch [64]byte
	b := append(scratch[:0], familyPrefix...)
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == ' ' || c == '-':
			c = '_'
		case c >= 'A' && c <= 'Z':
			c += 'a' - 'A'
		}
		b = append(b, c)
	}
	_, _ = w.Write(b)
}

// appendLabels writes {hostname="…",device="…",mac="…"} and a trailing
// space. An empty device name is displayed as the address.
func appendLabels(w *boundbuf.Writer, hostname, device string, addr bthome.Address) {
	var scratch [17]byte
	mac, _ := addr.AppendText(scratch[:0])

	w.AppendString(`{hostname="`)
	w.AppendEscaped(hostname)
	w.AppendString(`",device="`)
	if device == "" {
		_, _ = w.Write(mac)
	} else {
		w.AppendEscaped(device)
	}
	w.AppendString(`",mac="`)
	_, _ = w.Write(mac)
	w.AppendString(`"} `)
}
