// Package boundbuf provides a fixed-capacity, append-only byte writer for
// rendering wire documents without growing memory.
//
// The writer owns one backing array allocated at construction. Every append
// checks the remaining capacity first; an append that does not fit is dropped
// whole, the writer is marked overflowed, and every later append is a no-op.
// The cursor never moves past the capacity, so remaining-capacity arithmetic
// cannot underflow.
//
// Usage:
//
//	w := boundbuf.New(8192)
//	for {
//	    w.Reset()
//	    w.AppendString("# TYPE uptime_seconds counter\n")
//	    w.AppendInt(uptime)
//	    if w.Overflowed() {
//	        // report truncation, never send w.Bytes() as complete
//	    }
//	}
package boundbuf

import (
	"strconv"
	"unicode/utf8"

	"github.com/c360/stationd/errors"
)

// ErrOverflow is returned by the io.Writer methods once the capacity is exhausted.
var ErrOverflow = errors.ErrBufferExhausted

// Writer is a bounded append-only byte buffer. It is not safe for concurrent
// use; callers serialise access to a shared Writer.
type Writer struct {
	buf        []byte
	overflowed bool
	// scratch holds number formatting output before the capacity check.
	scratch [64]byte
}

// New returns a Writer with the given capacity. Capacity below 1 is raised to 1.
func New(capacity int) *Writer {
	if capacity < 1 {
		capacity = 1
	}
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Reset empties the writer and clears the overflow flag. The backing array is kept.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
	w.overflowed = false
}

// Len returns the number of bytes written.
func (w *Writer) Len() int { return len(w.buf) }

// Cap returns the fixed capacity.
func (w *Writer) Cap() int { return cap(w.buf) }

// Remaining returns the free capacity. It is never negative.
func (w *Writer) Remaining() int { return cap(w.buf) - len(w.buf) }

// Overflowed reports whether any append was rejected since the last Reset.
func (w *Writer) Overflowed() bool { return w.overflowed }

// Bytes returns the written bytes. The slice aliases the internal buffer and
// is valid until the next Reset or append.
func (w *Writer) Bytes() []byte { return w.buf }

// String returns a copy of the written bytes.
func (w *Writer) String() string { return string(w.buf) }

func (w *Writer) fits(n int) bool {
	if w.overflowed {
		return false
	}
	if n > w.Remaining() {
		w.overflowed = true
		return false
	}
	return true
}

// Write appends p whole or not at all. It implements io.Writer; on overflow
// it reports zero bytes written and ErrOverflow.
func (w *Writer) Write(p []byte) (int, error) {
	if !w.fits(len(p)) {
		return 0, ErrOverflow
	}
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// AppendString appends s whole or not at all and reports whether it fit.
func (w *Writer) AppendString(s string) bool {
	if !w.fits(len(s)) {
		return false
	}
	w.buf = append(w.buf, s...)
	return true
}

// WriteByte appends c. It implements io.ByteWriter.
func (w *Writer) WriteByte(c byte) error {
	if !w.fits(1) {
		return ErrOverflow
	}
	w.buf = append(w.buf, c)
	return nil
}

func (w *Writer) appendScratch(b []byte) bool {
	if !w.fits(len(b)) {
		return false
	}
	w.buf = append(w.buf, b...)
	return true
}

// AppendInt appends the decimal form of v.
func (w *Writer) AppendInt(v int64) bool {
	return w.appendScratch(strconv.AppendInt(w.scratch[:0], v, 10))
}

// AppendUint appends the decimal form of v.
func (w *Writer) AppendUint(v uint64) bool {
	return w.appendScratch(strconv.AppendUint(w.scratch[:0], v, 10))
}

// AppendFloat appends v with a fixed number of decimals, like %.2f for prec 2.
func (w *Writer) AppendFloat(v float64, prec int) bool {
	return w.appendScratch(strconv.AppendFloat(w.scratch[:0], v, 'f', prec, 64))
}

// AppendEscaped appends s with backslash, double quote and newline escaped,
// as required for exposition label values.
func (w *Writer) AppendEscaped(s string) bool {
	start := 0
	for i := 0; i < len(s); i++ {
		var esc string
		switch s[i] {
		case '\\':
			esc = `\\`
		case '"':
			esc = `\"`
		case '\n':
			esc = `\n`
		default:
			continue
		}
		if !w.AppendString(s[start:i]) || !w.AppendString(esc) {
			return false
		}
		start = i + 1
	}
	return w.AppendString(s[start:])
}

const hexDigits = "0123456789abcdef"

// AppendJSONString appends s as a quoted JSON string. Invalid UTF-8 is
// replaced with U+FFFD.
func (w *Writer) AppendJSONString(s string) bool {
	if !w.AppendString(`"`) {
		return false
	}
	start := 0
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			if c >= 0x20 && c != '"' && c != '\\' {
				i++
				continue
			}
			if !w.AppendString(s[start:i]) {
				return false
			}
			var ok bool
			switch c {
			case '"':
				ok = w.AppendString(`\"`)
			case '\\':
				ok = w.AppendString(`\\`)
			case '\n':
				ok = w.AppendString(`\n`)
			case '\r':
				ok = w.AppendString(`\r`)
			case '\t':
				ok = w.AppendString(`\t`)
			default:
				esc := [6]byte{'\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf]}
				ok = w.appendScratch(esc[:])
			}
			if !ok {
				return false
			}
			i++
			start = i
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			if !w.AppendString(s[start:i]) || !w.AppendString("\ufffd") {
				return false
			}
			i += size
			start = i
			continue
		}
		i += size
	}
	if !w.AppendString(s[start:]) {
		return false
	}
	return w.AppendString(`"`)
}
