package snapshot

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/stationd/errors"
	"github.com/c360/stationd/health"
	"github.com/c360/stationd/metric"
	"github.com/c360/stationd/natsclient"
	"github.com/c360/stationd/sensor"
)

type fakeChannel struct {
	mu       sync.Mutex
	ready    bool
	err      error
	subjects []string
	payloads [][]byte
}

func (c *fakeChannel) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *fakeChannel) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, append([]byte(nil), data...))
	return nil
}

func (c *fakeChannel) published() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

type fixedSignal int

func (s fixedSignal) RSSI() int { return int(s) }

var (
	bootTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	nowTime  = bootTime.Add(95 * time.Second)
)

func newTestExporter(t *testing.T, ch Channel, opts ...Option) (*Exporter, *sensor.Registry) {
	t.Helper()
	reg := sensor.NewRegistry(sensor.WithClock(func() time.Time { return nowTime.Add(-5 * time.Second) }))
	base := []Option{
		WithStartTime(bootTime),
		WithClock(func() time.Time { return nowTime }),
		WithSignal(fixedSignal(-61)),
		WithCounters(health.StaticCounters{FreeBytes: 180000, MinFreeBytes: 150000, LargestFreeBlockBytes: 110000}),
	}
	return NewExporter(reg, ch, append(base, opts...)...), reg
}

func TestRender_GoldenDocument(t *testing.T) {
	x, reg := newTestExporter(t, &fakeChannel{ready: true})

	weight, err := reg.Register("Weight", "g")
	require.NoError(t, err)
	require.NoError(t, reg.Update(weight, 1234.567, true))

	ble, err := reg.RegisterMetric("bthome_temperature", "kitchen temperature", "°C")
	require.NoError(t, err)
	require.NoError(t, reg.UpdateDevice(ble, 21.5, true, "kitchen", "a4:c1:38:00:11:22"))

	require.NoError(t, x.Render(x.buf))

	ts := nowTime.Add(-5 * time.Second).Unix()
	expected := fmt.Sprintf(`{"timestamp":%d,"hostname":"weight-station","uptime_seconds":95,"wifi_rssi_dbm":-61,`+
		`"heap_free_bytes":180000,"heap_min_free_bytes":150000,"heap_largest_free_block_bytes":110000,`+
		`"sensors":[`+
		`{"metric_name":"weight","display_name":"Weight","unit":"g","value":1234.57,"last_updated":%d},`+
		`{"metric_name":"bthome_temperature","display_name":"kitchen temperature","unit":"°C","value":21.50,"last_updated":%d,"device_name":"kitchen","device_id":"a4:c1:38:00:11:22"}`+
		`]}`, nowTime.UnixMilli(), ts, ts)
	assert.Equal(t, expected, x.buf.String())

	var doc map[string]any
	require.NoError(t, json.Unmarshal(x.buf.Bytes(), &doc))
	assert.Len(t, doc["sensors"], 2)
}

func TestRender_OmitsUnavailableAndNeverUpdated(t *testing.T) {
	x, reg := newTestExporter(t, &fakeChannel{ready: true})

	_, err := reg.Register("Idle", "x")
	require.NoError(t, err)
	down, err := reg.Register("Down", "x")
	require.NoError(t, err)
	require.NoError(t, reg.Update(down, 1, false))
	up, err := reg.Register("Up", "x")
	require.NoError(t, err)
	require.NoError(t, reg.Update(up, 2, true))

	require.NoError(t, x.Render(x.buf))

	var doc struct {
		Sensors []struct {
			MetricName string  `json:"metric_name"`
			Value      float64 `json:"value"`
		} `json:"sensors"`
	}
	require.NoError(t, json.Unmarshal(x.buf.Bytes(), &doc))
	require.Len(t, doc.Sensors, 1)
	assert.Equal(t, "up", doc.Sensors[0].MetricName)
	assert.Equal(t, 2.0, doc.Sensors[0].Value)
}

func TestRender_OmitsSensorsWithoutMetricName(t *testing.T) {
	x, reg := newTestExporter(t, &fakeChannel{ready: true})

	unnamed, err := reg.Register("", "g")
	require.NoError(t, err)
	require.NoError(t, reg.Update(unnamed, 5, true))
	named, err := reg.Register("Weight", "g")
	require.NoError(t, err)
	require.NoError(t, reg.Update(named, 7, true))

	require.NoError(t, x.Render(x.buf))

	var doc struct {
		Sensors []struct {
			MetricName string `json:"metric_name"`
		} `json:"sensors"`
	}
	require.NoError(t, json.Unmarshal(x.buf.Bytes(), &doc))
	require.Len(t, doc.Sensors, 1)
	assert.Equal(t, "weight", doc.Sensors[0].MetricName)
	assert.NotContains(t, x.buf.String(), `"metric_name":""`)
}

func TestRender_EmptyRegistry(t *testing.T) {
	x, _ := newTestExporter(t, &fakeChannel{ready: true}, WithCounters(nil), WithSignal(nil))
	require.NoError(t, x.Render(x.buf))
	assert.True(t, strings.HasSuffix(x.buf.String(), `"heap_largest_free_block_bytes":0,"sensors":[]}`))
	assert.True(t, json.Valid(x.buf.Bytes()))
}

func TestRender_EscapesStrings(t *testing.T) {
	x, reg := newTestExporter(t, &fakeChannel{ready: true}, WithHostname(`lab "A"`))
	h, err := reg.Register("Cell\\1", "g")
	require.NoError(t, err)
	require.NoError(t, reg.Update(h, 1, true))

	require.NoError(t, x.Render(x.buf))
	var doc struct {
		Hostname string `json:"hostname"`
		Sensors  []struct {
			DisplayName string `json:"display_name"`
		} `json:"sensors"`
	}
	require.NoError(t, json.Unmarshal(x.buf.Bytes(), &doc))
	assert.Equal(t, `lab "A"`, doc.Hostname)
	require.Len(t, doc.Sensors, 1)
	assert.Equal(t, `Cell\1`, doc.Sensors[0].DisplayName)
}

func TestPublish_Success(t *testing.T) {
	ch := &fakeChannel{ready: true}
	reg := metric.NewMetricsRegistry()
	x, sensors := newTestExporter(t, ch, WithTopic("lab/scale"), WithMetrics(reg.CoreMetrics()))
	h, err := sensors.Register("Weight", "g")
	require.NoError(t, err)
	require.NoError(t, sensors.Update(h, 10, true))

	require.NoError(t, x.Publish(context.Background()))
	require.Equal(t, 1, ch.published())
	assert.Equal(t, "lab/scale", ch.subjects[0])
	assert.True(t, json.Valid(ch.payloads[0]))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		reg.CoreMetrics().ExportsTotal.WithLabelValues(metric.SurfaceSnapshot, metric.ResultOK)))
}

func TestPublish_NotReadyLeavesLockAndBufferAlone(t *testing.T) {
	ch := &fakeChannel{ready: false}
	x, _ := newTestExporter(t, ch)

	// Hold the lock: a not-ready publish must return before trying it.
	require.True(t, x.sem.TryAcquire(1))
	defer x.sem.Release(1)

	start := time.Now()
	err := x.Publish(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrChannelNotReady)
	assert.True(t, errors.IsTransient(err))
	assert.Less(t, time.Since(start), x.lockTimeout)
	assert.Equal(t, 0, x.buf.Len())
	assert.Equal(t, 0, ch.published())
}

func TestPublish_LockTimeout(t *testing.T) {
	ch := &fakeChannel{ready: true}
	x, _ := newTestExporter(t, ch, WithLockTimeout(20*time.Millisecond))

	require.True(t, x.sem.TryAcquire(1))
	defer x.sem.Release(1)

	err := x.Publish(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrLockTimeout)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, 0, ch.published())
}

func TestPublish_Overflow(t *testing.T) {
	ch := &fakeChannel{ready: true}
	x, reg := newTestExporter(t, ch, WithBufferSize(256))
	for i := 0; i < 10; i++ {
		h, err := reg.Register(fmt.Sprintf("Sensor %d", i), "g")
		require.NoError(t, err)
		require.NoError(t, reg.Update(h, float64(i), true))
	}

	err := x.Publish(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrBufferExhausted)
	assert.Equal(t, 0, ch.published())

	// The lock is released after a failed render.
	require.True(t, x.sem.TryAcquire(1))
	x.sem.Release(1)
}

func TestPublish_MapsNotConnected(t *testing.T) {
	ch := &fakeChannel{ready: true, err: natsclient.ErrNotConnected}
	x, _ := newTestExporter(t, ch)

	err := x.Publish(context.Background())
	assert.ErrorIs(t, err, errors.ErrChannelNotReady)
	assert.True(t, errors.IsTransient(err))

	ch.err = stderrors.New("payload rejected")
	err = x.Publish(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, errors.ErrChannelNotReady)
}

func TestRun_PublishesOnTicks(t *testing.T) {
	ch := &fakeChannel{ready: true}
	x, _ := newTestExporter(t, ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- x.Run(ctx, 10*time.Millisecond) }()

	assert.Eventually(t, func() bool { return ch.published() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestRun_RejectsZeroInterval(t *testing.T) {
	x, _ := newTestExporter(t, &fakeChannel{ready: true})
	err := x.Run(context.Background(), 0)
	assert.True(t, errors.IsInvalid(err))
}

func TestServeHTTP(t *testing.T) {
	x, reg := newTestExporter(t, &fakeChannel{})
	h, err := reg.Register("Weight", "g")
	require.NoError(t, err)
	require.NoError(t, reg.Update(h, 3, true))

	rec := httptest.NewRecorder()
	x.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/snapshot", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.True(t, json.Valid(rec.Body.Bytes()))
}
