package boundbuf

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stationerrors "github.com/c360/stationd/errors"
)

func TestNew_MinimumCapacity(t *testing.T) {
	w := New(0)
	assert.Equal(t, 1, w.Cap())
	assert.Equal(t, 1, w.Remaining())
}

func TestWriter_AppendWithinCapacity(t *testing.T) {
	w := New(32)

	assert.True(t, w.AppendString("uptime "))
	assert.True(t, w.AppendInt(-42))
	assert.True(t, w.AppendString(" "))
	assert.True(t, w.AppendFloat(3.14159, 2))

	assert.Equal(t, "uptime -42 3.14", w.String())
	assert.False(t, w.Overflowed())
	assert.Equal(t, 32-len("uptime -42 3.14"), w.Remaining())
}

func TestWriter_OverlongAppendIsRejectedWhole(t *testing.T) {
	w := New(8)

	require.True(t, w.AppendString("abcd"))
	assert.False(t, w.AppendString("efghij"), "six bytes do not fit in four")

	assert.True(t, w.Overflowed())
	assert.Equal(t, "abcd", w.String(), "rejected append must not leave a partial write")
	assert.Equal(t, 4, w.Remaining())
}

func TestWriter_OverflowIsSticky(t *testing.T) {
	w := New(4)

	assert.False(t, w.AppendString("12345"))
	assert.False(t, w.AppendString("1"), "later appends fail even if they would fit")
	assert.Equal(t, 0, w.Len())

	w.Reset()
	assert.False(t, w.Overflowed())
	assert.True(t, w.AppendString("1234"))
	assert.Equal(t, 0, w.Remaining())
	assert.False(t, w.AppendString("5"))
	assert.GreaterOrEqual(t, w.Remaining(), 0)
}

func TestWriter_IOWriter(t *testing.T) {
	w := New(4)

	n, err := w.Write([]byte("ab"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = w.Write([]byte("cde"))
	assert.Equal(t, 0, n)
	assert.True(t, errors.Is(err, stationerrors.ErrBufferExhausted))

	assert.ErrorIs(t, w.WriteByte('x'), ErrOverflow)
}

func TestWriter_ResetKeepsBackingArray(t *testing.T) {
	w := New(16)
	w.AppendString("hello")
	before := &w.Bytes()[:1][0]

	w.Reset()
	w.AppendString("world")
	after := &w.Bytes()[:1][0]

	assert.Same(t, before, after)
}

func TestWriter_AppendEscaped(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain", "kitchen", "kitchen"},
		{"quote", `a"b`, `a\"b`},
		{"backslash", `a\b`, `a\\b`},
		{"newline", "a\nb", `a\nb`},
		{"all", "\"\\\n", `\"\\\n`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := New(64)
			require.True(t, w.AppendEscaped(tt.input))
			assert.Equal(t, tt.expected, w.String())
		})
	}
}

func TestWriter_AppendJSONString(t *testing.T) {
	inputs := []string{
		"plain",
		`quote " and backslash \`,
		"control \x01 tab \t newline \n",
		"unicode °C µg/m³",
		"",
	}

	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			w := New(128)
			require.True(t, w.AppendJSONString(input))

			var decoded string
			require.NoError(t, json.Unmarshal(w.Bytes(), &decoded))
			assert.Equal(t, input, decoded)
		})
	}
}

func TestWriter_AppendJSONString_InvalidUTF8(t *testing.T) {
	w := New(32)
	require.True(t, w.AppendJSONString("a\xffb"))

	var decoded string
	require.NoError(t, json.Unmarshal(w.Bytes(), &decoded))
	assert.Equal(t, "a\ufffdb", decoded)
}

func TestWriter_AppendJSONString_Overflow(t *testing.T) {
	w := New(8)
	assert.False(t, w.AppendJSONString(strings.Repeat("x", 16)))
	assert.True(t, w.Overflowed())
	assert.LessOrEqual(t, w.Len(), w.Cap())
}
