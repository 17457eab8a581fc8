package bthome

import (
	"encoding/hex"
	"fmt"
	"iter"
)

// Address is a 6-byte Bluetooth device address in transmission order.
type Address [6]byte

// addressTextLen is the length of "aa:bb:cc:dd:ee:ff".
const addressTextLen = 17

// AppendText appends the lowercase colon-separated form of a to b.
func (a Address) AppendText(b []byte) ([]byte, error) {
	for i, octet := range a {
		if i > 0 {
			b = append(b, ':')
		}
		b = append(b, hexDigits[octet>>4], hexDigits[octet&0x0f])
	}
	return b, nil
}

const hexDigits = "0123456789abcdef"

// String returns the lowercase colon-separated form, e.g. "a4:c1:38:0b:5e:01".
func (a Address) String() string {
	var buf [addressTextLen]byte
	b, _ := a.AppendText(buf[:0])
	return string(b)
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return a.AppendText(make([]byte, 0, addressTextLen))
}

// UnmarshalText implements encoding.TextUnmarshaler. Colon and dash
// separators are accepted in either case.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress parses "aa:bb:cc:dd:ee:ff" or "AA-BB-CC-DD-EE-FF".
func ParseAddress(s string) (Address, error) {
	var a Address
	if len(s) != addressTextLen {
		return a, fmt.Errorf("bthome: invalid address %q", s)
	}
	for i := range a {
		if i > 0 {
			sep := s[i*3-1]
			if sep != ':' && sep != '-' {
				return a, fmt.Errorf("bthome: invalid address separator in %q", s)
			}
		}
		if _, err := hex.Decode(a[i:i+1], []byte(s[i*3:i*3+2])); err != nil {
			return a, fmt.Errorf("bthome: invalid address %q: %w", s, err)
		}
	}
	return a, nil
}

// Measurement is one decoded value from a broadcast, before scaling.
type Measurement struct {
	ObjectID uint8
	Raw      int64
}

// Observation is the latest decoded broadcast from one device. The
// Measurements slice is only valid while the iteration step that produced
// it is running.
type Observation struct {
	Address      Address
	RSSI         int
	Measurements []Measurement
}

// Source supplies cached observations. Each call to Observations returns a
// fresh, finite sequence that may be consumed once; callers that need
// several passes call Observations again. Consecutive passes are not
// guaranteed to agree while the cache is being written.
type Source interface {
	Observations() iter.Seq[Observation]
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func() iter.Seq[Observation]

// Observations calls f.
func (f SourceFunc) Observations() iter.Seq[Observation] { return f() }

// StaticSource replays a fixed list of observations on every pass.
type StaticSource []Observation

// Observations yields the observations in slice order.
func (s StaticSource) Observations() iter.Seq[Observation] {
	return func(yield func(Observation) bool) {
		for _, obs := range s {
			if !yield(obs) {
				return
			}
		}
	}
}
