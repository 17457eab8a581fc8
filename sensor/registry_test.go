package sensor

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/stationd/errors"
)

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()

	assert.Equal(t, DefaultCapacity, reg.Cap())
	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_RegisterAssignsSequentialHandles(t *testing.T) {
	reg := NewRegistry()

	h0, err := reg.Register("Weight", "g")
	require.NoError(t, err)
	h1, err := reg.Register("Weight Raw", "")
	require.NoError(t, err)

	assert.Equal(t, Handle(0), h0)
	assert.Equal(t, Handle(1), h1)
	assert.Equal(t, 2, reg.Len())

	s, ok := reg.Get(h1)
	require.True(t, ok)
	assert.Equal(t, "weight_raw", s.MetricName)
	assert.Equal(t, "Weight Raw", s.DisplayName)
	assert.False(t, s.Available, "new sensors start unavailable")
	assert.False(t, s.Updated())
}

func TestRegistry_RegisterTruncates(t *testing.T) {
	reg := NewRegistry()

	h, err := reg.Register(strings.Repeat("n", 100), strings.Repeat("u", 100))
	require.NoError(t, err)

	s, _ := reg.Get(h)
	assert.Len(t, s.Name, MaxNameLen)
	assert.Len(t, s.Unit, MaxUnitLen)
}

func TestRegistry_TruncateKeepsUTF8Boundary(t *testing.T) {
	// 14 ASCII bytes followed by a two-byte rune straddling the limit
	unit := strings.Repeat("x", MaxUnitLen-1) + "°C"

	got := truncate(unit, MaxUnitLen)
	assert.Equal(t, strings.Repeat("x", MaxUnitLen-1), got)
}

func TestRegistry_FullRejectsWithoutOverwriting(t *testing.T) {
	reg := NewRegistry()

	for i := 0; i < DefaultCapacity; i++ {
		h, err := reg.Register(fmt.Sprintf("sensor %d", i), "u")
		require.NoError(t, err)
		require.NoError(t, reg.Update(h, float64(i), true))
	}

	h, err := reg.Register("one too many", "u")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrRegistryFull)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, Handle(-1), h)
	assert.Equal(t, DefaultCapacity, reg.Len())

	for i := 0; i < DefaultCapacity; i++ {
		s, ok := reg.Get(Handle(i))
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("sensor %d", i), s.Name)
		assert.Equal(t, float64(i), s.Value)
	}
}

func TestRegistry_WithCapacity(t *testing.T) {
	reg := NewRegistry(WithCapacity(2))

	_, err := reg.Register("a", "")
	require.NoError(t, err)
	_, err = reg.Register("b", "")
	require.NoError(t, err)
	_, err = reg.Register("c", "")
	assert.ErrorIs(t, err, errors.ErrRegistryFull)
}

func TestRegistry_UpdateThenRead(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry(WithClock(func() time.Time { return fixed }))

	h, err := reg.Register("Weight", "g")
	require.NoError(t, err)

	for _, v := range []float64{0, -12.5, 1e6, 1234.56} {
		require.NoError(t, reg.Update(h, v, true))
		value, available := reg.Read(h)
		assert.Equal(t, v, value)
		assert.True(t, available)
	}

	s, _ := reg.Get(h)
	assert.Equal(t, fixed, s.LastUpdated)

	require.NoError(t, reg.Update(h, 7, false))
	value, available := reg.Read(h)
	assert.Equal(t, 7.0, value)
	assert.False(t, available)
}

func TestRegistry_InvalidHandle(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Register("Weight", "g")
	require.NoError(t, err)

	for _, h := range []Handle{-1, 1, 59, 60, 1000} {
		t.Run(fmt.Sprintf("handle_%d", h), func(t *testing.T) {
			err := reg.Update(h, 1, true)
			assert.ErrorIs(t, err, errors.ErrInvalidHandle)
			assert.True(t, errors.IsInvalid(err))

			assert.ErrorIs(t, reg.UpdateWithLink(h, 1, true, "/tare", "Tare"), errors.ErrInvalidHandle)
			assert.ErrorIs(t, reg.UpdateDevice(h, 1, true, "kitchen", "a4:c1:38:00:00:01"), errors.ErrInvalidHandle)

			value, available := reg.Read(h)
			assert.Zero(t, value)
			assert.False(t, available)

			_, ok := reg.Get(h)
			assert.False(t, ok)
		})
	}
}

func TestRegistry_LinkLifecycle(t *testing.T) {
	reg := NewRegistry()
	h, err := reg.Register("Weight", "g")
	require.NoError(t, err)

	require.NoError(t, reg.UpdateWithLink(h, 10, true, "/tare", "Tare"))
	s, _ := reg.Get(h)
	assert.Equal(t, Link{URL: "/tare", Text: "Tare"}, s.Link)

	// Plain update clears the link
	require.NoError(t, reg.Update(h, 11, true))
	s, _ = reg.Get(h)
	assert.True(t, s.Link.IsZero())

	// Half a link is no link
	require.NoError(t, reg.UpdateWithLink(h, 12, true, "/tare", ""))
	s, _ = reg.Get(h)
	assert.True(t, s.Link.IsZero())
}

func TestRegistry_RegisterMetric(t *testing.T) {
	reg := NewRegistry()

	h, err := reg.RegisterMetric("Kitchen Temperature", "", "°C")
	require.NoError(t, err)
	require.NoError(t, reg.UpdateDevice(h, 21.5, true, "kitchen", "a4:c1:38:00:00:01"))

	s, ok := reg.Get(h)
	require.True(t, ok)
	assert.Equal(t, "kitchen_temperature", s.MetricName)
	assert.Equal(t, "kitchen_temperature", s.DisplayName)
	assert.Equal(t, "kitchen", s.DeviceName)
	assert.Equal(t, "a4:c1:38:00:00:01", s.DeviceID)
}

func TestRegistry_EachStopsEarly(t *testing.T) {
	reg := NewRegistry()
	for i := 0; i < 5; i++ {
		_, err := reg.Register(fmt.Sprintf("s%d", i), "")
		require.NoError(t, err)
	}

	var seen []Handle
	reg.Each(func(s Sensor) bool {
		seen = append(seen, s.Handle)
		return len(seen) < 3
	})
	assert.Equal(t, []Handle{0, 1, 2}, seen)
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Temperature", "temperature"},
		{"PM2.5", "pm2.5"},
		{"Volatile Organic-Compounds", "volatile_organic_compounds"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, NormalizeName(tt.input))
	}
}

// Readers must never see a value from one update paired with the
// availability of another. Odd values are written unavailable, even values
// available.
func TestRegistry_ConcurrentUpdateNoTornReads(t *testing.T) {
	reg := NewRegistry()

	handles := make([]Handle, 4)
	for i := range handles {
		h, err := reg.Register(fmt.Sprintf("stress %d", i), "")
		require.NoError(t, err)
		handles[i] = h
	}

	var stop atomic.Bool
	var torn atomic.Int64
	var wg sync.WaitGroup

	for _, h := range handles {
		wg.Add(1)
		go func(h Handle) {
			defer wg.Done()
			for i := 0; !stop.Load(); i++ {
				_ = reg.Update(h, float64(i), i%2 == 0)
			}
		}(h)
	}

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				for _, h := range handles {
					value, available := reg.Read(h)
					if value != 0 && (int64(value)%2 == 0) != available {
						torn.Add(1)
					}
				}
				reg.Each(func(s Sensor) bool {
					if s.Updated() && (int64(s.Value)%2 == 0) != s.Available {
						torn.Add(1)
					}
					return true
				})
			}
		}()
	}

	time.Sleep(100 * time.Millisecond)
	stop.Store(true)
	wg.Wait()

	assert.Zero(t, torn.Load())
}
