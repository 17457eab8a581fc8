package exposition

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/stationd/bthome"
	"github.com/c360/stationd/errors"
	"github.com/c360/stationd/metric"
	"github.com/c360/stationd/pkg/boundbuf"
	"github.com/c360/stationd/sensor"
)

var (
	addrA = bthome.Address{0xa4, 0xc1, 0x38, 0x0b, 0x5e, 0x01}
	addrB = bthome.Address{0xa4, 0xc1, 0x38, 0x0b, 0x5e, 0x02}
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func newClock() *testClock { return &testClock{t: time.Unix(1_700_000_100, 0)} }

func startTime() time.Time { return time.Unix(1_700_000_000, 0) }

func render(t *testing.T, x *Exporter) string {
	t.Helper()
	w := boundbuf.New(DefaultBufferSize)
	require.NoError(t, x.Render(w))
	return w.String()
}

func parse(t *testing.T, doc string) map[string]*dto.MetricFamily {
	t.Helper()
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(strings.NewReader(doc))
	require.NoError(t, err, doc)
	return families
}

func labels(m *dto.Metric) map[string]string {
	out := map[string]string{}
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

func TestExporter_GoldenDocument(t *testing.T) {
	reg := sensor.NewRegistry()
	weight, err := reg.Register("weight", "g")
	require.NoError(t, err)
	raw, err := reg.Register("weight_raw", "")
	require.NoError(t, err)
	require.NoError(t, reg.Update(weight, 1234.5, true))
	require.NoError(t, reg.Update(raw, 845123, true))

	source := bthome.StaticSource{
		{Address: addrA, RSSI: -70, Measurements: []bthome.Measurement{{ObjectID: 0x02, Raw: 2137}}},
	}
	policy := bthome.NewFilterPolicy([]uint8{0x02}, []bthome.DeviceFilter{{Address: addrA, Enabled: true, Name: "kitchen"}})
	clock := newClock()

	x := NewExporter(reg,
		WithHostname("station-1"),
		WithWeightSensors(weight, raw),
		WithSignal(SignalFunc(func() int { return -61 })),
		WithEngine(NewEngine(source, policy, bthome.DefaultVocabulary())),
		WithClock(clock.now),
		WithStartTime(startTime()),
	)

	expected := `# HELP weight_grams Current weight reading in grams
# TYPE weight_grams gauge
weight_grams{hostname="station-1"} 1234.50
# HELP weight_raw Current weight reading in raw units
# TYPE weight_raw gauge
weight_raw{hostname="station-1"} 845123
# HELP wifi_rssi_dbm WiFi signal strength in dBm
# TYPE wifi_rssi_dbm gauge
wifi_rssi_dbm{hostname="station-1"} -61
# HELP uptime_seconds System uptime in seconds
# TYPE uptime_seconds counter
uptime_seconds{hostname="station-1"} 100
# HELP bthome_rssi_dbm BTHome device signal strength in dBm
# TYPE bthome_rssi_dbm gauge
bthome_rssi_dbm{hostname="station-1",device="kitchen",mac="a4:c1:38:0b:5e:01"} -70
# HELP bthome_temperature BTHome temperature in degrees Celsius
# TYPE bthome_temperature gauge
bthome_temperature{hostname="station-1",device="kitchen",mac="a4:c1:38:0b:5e:01"} 21.37
`
	assert.Equal(t, expected, render(t, x))
}

func TestExporter_UnavailableLocalSensors(t *testing.T) {
	reg := sensor.NewRegistry()
	weight, _ := reg.Register("weight", "g")
	raw, _ := reg.Register("weight_raw", "")
	require.NoError(t, reg.Update(weight, 10, false))

	x := NewExporter(reg,
		WithWeightSensors(weight, raw),
		WithSignal(SignalFunc(func() int { return 0 })),
		WithClock(newClock().now),
		WithStartTime(startTime()),
	)
	doc := render(t, x)

	assert.Contains(t, doc, "# TYPE weight_grams gauge\n# HELP weight_raw")
	assert.Contains(t, doc, "# TYPE weight_raw gauge\n# HELP wifi_rssi_dbm")
	assert.Contains(t, doc, "# TYPE wifi_rssi_dbm gauge\n# HELP uptime_seconds")
	assert.Contains(t, doc, `uptime_seconds{hostname="weight-station"} 100`)
	assert.NotContains(t, doc, "bthome_", "no engine, no BTHome families")

	families := parse(t, doc)
	assert.Len(t, families, 1, "only uptime carries a series")
	assert.Contains(t, families, "uptime_seconds")
}

func TestExporter_SelectedIdentitiesOnly(t *testing.T) {
	source := bthome.StaticSource{
		{Address: addrA, RSSI: -70, Measurements: []bthome.Measurement{
			{ObjectID: 0x01, Raw: 87},
			{ObjectID: 0x02, Raw: 2137},
			{ObjectID: 0x03, Raw: 4550},
		}},
	}
	policy := bthome.NewFilterPolicy([]uint8{0x01, 0x03}, nil)
	x := NewExporter(sensor.NewRegistry(), WithEngine(NewEngine(source, policy, bthome.DefaultVocabulary())))

	doc := render(t, x)
	families := parse(t, doc)

	require.Contains(t, families, "bthome_battery")
	require.Contains(t, families, "bthome_humidity")
	assert.NotContains(t, families, "bthome_temperature")
	assert.NotContains(t, doc, "temperature")

	humidity := families["bthome_humidity"].GetMetric()
	require.Len(t, humidity, 1)
	assert.Equal(t, 45.5, humidity[0].GetGauge().GetValue())
	assert.Equal(t, map[string]string{
		"hostname": DefaultHostname,
		"device":   addrA.String(),
		"mac":      addrA.String(),
	}, labels(humidity[0]))

	assert.Less(t, strings.Index(doc, "bthome_rssi_dbm"), strings.Index(doc, "bthome_battery"))
	assert.Less(t, strings.Index(doc, "bthome_battery"), strings.Index(doc, "bthome_humidity"),
		"families follow first-seen order")
}

func TestExporter_DisabledDeviceExcluded(t *testing.T) {
	only := bthome.StaticSource{
		{Address: addrA, RSSI: -70, Measurements: []bthome.Measurement{{ObjectID: 0x02, Raw: 2137}}},
	}
	policy := bthome.NewFilterPolicy([]uint8{0x02}, []bthome.DeviceFilter{{Address: addrA, Enabled: false}})

	t.Run("only device", func(t *testing.T) {
		x := NewExporter(sensor.NewRegistry(), WithEngine(NewEngine(only, policy, bthome.DefaultVocabulary())))
		doc := render(t, x)

		assert.NotContains(t, doc, addrA.String())
		families := parse(t, doc)
		assert.NotContains(t, families, "bthome_rssi_dbm")
		assert.NotContains(t, families, "bthome_temperature")
	})

	t.Run("among others", func(t *testing.T) {
		source := append(bthome.StaticSource{
			{Address: addrB, RSSI: -55, Measurements: []bthome.Measurement{{ObjectID: 0x02, Raw: 1900}}},
		}, only...)
		withB := bthome.NewFilterPolicy([]uint8{0x02}, []bthome.DeviceFilter{
			{Address: addrA, Enabled: false},
			{Address: addrB, Enabled: true, Name: "porch"},
		})
		x := NewExporter(sensor.NewRegistry(), WithEngine(NewEngine(source, withB, bthome.DefaultVocabulary())))
		doc := render(t, x)

		assert.NotContains(t, doc, addrA.String())
		families := parse(t, doc)
		require.Len(t, families["bthome_rssi_dbm"].GetMetric(), 1)
		require.Len(t, families["bthome_temperature"].GetMetric(), 1)
		assert.Equal(t, "porch", labels(families["bthome_temperature"].GetMetric()[0])["device"])
	})
}

func TestEngine_UnresolvedIdentityOmitted(t *testing.T) {
	vocab := bthome.NewTable(bthome.Object{ID: 0x01, Name: "battery", Unit: "%", UnitDescription: "percent"})
	source := bthome.StaticSource{
		{Address: addrA, RSSI: -70, Measurements: []bthome.Measurement{{ObjectID: 0x99, Raw: 5}, {ObjectID: 0x01, Raw: 90}}},
	}
	policy := bthome.NewFilterPolicy([]uint8{0x01, 0x99}, nil)

	w := boundbuf.New(DefaultBufferSize)
	NewEngine(source, policy, vocab).Render(w, "h")
	doc := w.String()

	assert.Equal(t, 2, strings.Count(doc, "# HELP "), doc)
	assert.Equal(t, 2, strings.Count(doc, "# TYPE "), doc)
	assert.Contains(t, doc, "# HELP bthome_battery BTHome battery in percent\n")
	assert.Contains(t, doc, `bthome_battery{hostname="h",device="a4:c1:38:0b:5e:01",mac="a4:c1:38:0b:5e:01"} 90.00`)
}

func TestEngine_EmptyPolicyRendersNothing(t *testing.T) {
	source := bthome.StaticSource{
		{Address: addrA, RSSI: -70, Measurements: []bthome.Measurement{{ObjectID: 0x02, Raw: 2137}}},
	}
	w := boundbuf.New(DefaultBufferSize)

	NewEngine(source, bthome.NewFilterPolicy(nil, nil), bthome.DefaultVocabulary()).Render(w, "h")
	assert.Zero(t, w.Len())

	NewEngine(source, nil, bthome.DefaultVocabulary()).Render(w, "h")
	assert.Zero(t, w.Len())
}

func TestEngine_FamiliesGroupAcrossDevices(t *testing.T) {
	source := bthome.StaticSource{
		{Address: addrA, RSSI: -70, Measurements: []bthome.Measurement{{ObjectID: 0x02, Raw: 2000}, {ObjectID: 0x03, Raw: 4000}}},
		{Address: addrB, RSSI: -60, Measurements: []bthome.Measurement{{ObjectID: 0x03, Raw: 5000}}},
	}
	policy := bthome.NewFilterPolicy([]uint8{0x02, 0x03}, nil)

	w := boundbuf.New(DefaultBufferSize)
	NewEngine(source, policy, bthome.DefaultVocabulary()).Render(w, "h")
	families := parse(t, w.String())

	assert.Equal(t, 1, strings.Count(w.String(), "# TYPE bthome_humidity gauge"))
	humidity := families["bthome_humidity"].GetMetric()
	require.Len(t, humidity, 2)
	assert.Equal(t, addrA.String(), labels(humidity[0])["mac"], "series follow source order")
	assert.Equal(t, addrB.String(), labels(humidity[1])["mac"])
	assert.Len(t, families["bthome_temperature"].GetMetric(), 1)
	assert.Len(t, families["bthome_rssi_dbm"].GetMetric(), 2)
}

func TestExporter_LabelEscaping(t *testing.T) {
	source := bthome.StaticSource{
		{Address: addrA, RSSI: -70, Measurements: []bthome.Measurement{{ObjectID: 0x01, Raw: 50}}},
	}
	policy := bthome.NewFilterPolicy([]uint8{0x01}, []bthome.DeviceFilter{{Address: addrA, Enabled: true, Name: `shed "north"`}})
	x := NewExporter(sensor.NewRegistry(),
		WithHostname(`lab\one`),
		WithEngine(NewEngine(source, policy, bthome.DefaultVocabulary())))

	doc := render(t, x)
	assert.Contains(t, doc, `device="shed \"north\""`)

	families := parse(t, doc)
	battery := families["bthome_battery"].GetMetric()
	require.Len(t, battery, 1)
	assert.Equal(t, `shed "north"`, labels(battery[0])["device"])
	assert.Equal(t, `lab\one`, labels(battery[0])["hostname"])
}

func TestExporter_RepeatableWithoutStateChange(t *testing.T) {
	reg := sensor.NewRegistry()
	weight, _ := reg.Register("weight", "g")
	require.NoError(t, reg.Update(weight, 500, true))

	cache := bthome.NewCache()
	cache.Store(bthome.Observation{Address: addrA, RSSI: -70, Measurements: []bthome.Measurement{{ObjectID: 0x02, Raw: 2137}}})
	cache.Store(bthome.Observation{Address: addrB, RSSI: -80, Measurements: []bthome.Measurement{{ObjectID: 0x01, Raw: 99}}})

	clock := newClock()
	x := NewExporter(reg,
		WithWeightSensors(weight, -1),
		WithEngine(NewEngine(cache, bthome.NewFilterPolicy([]uint8{0x01, 0x02}, nil), bthome.DefaultVocabulary())),
		WithClock(clock.now),
		WithStartTime(startTime()),
	)

	first := render(t, x)
	clock.t = clock.t.Add(42 * time.Second)
	second := render(t, x)

	withoutUptime := func(doc string) string {
		var kept []string
		for _, line := range strings.Split(doc, "\n") {
			if !strings.HasPrefix(line, "uptime_seconds{") {
				kept = append(kept, line)
			}
		}
		return strings.Join(kept, "\n")
	}
	assert.NotEqual(t, first, second)
	assert.Equal(t, withoutUptime(first), withoutUptime(second))
	assert.Contains(t, second, `uptime_seconds{hostname="weight-station"} 142`)
}

func manyFamilies() (*Engine, int) {
	var objects []bthome.Object
	var selected []uint8
	var readings []bthome.Measurement
	for id := 0; id < bthome.MaxMeasurements; id++ {
		objects = append(objects, bthome.Object{
			ID:              uint8(id),
			Name:            fmt.Sprintf("synthetic quantity number %03d", id),
			UnitDescription: "arbitrary units of measure",
		})
		selected = append(selected, uint8(id))
		readings = append(readings, bthome.Measurement{ObjectID: uint8(id), Raw: int64(id)})
	}
	var source bthome.StaticSource
	for d := 0; d < 20; d++ {
		source = append(source, bthome.Observation{
			Address:      bthome.Address{0, 0, 0, 0, 0, byte(d)},
			RSSI:         -50 - d,
			Measurements: readings,
		})
	}
	return NewEngine(source, bthome.NewFilterPolicy(selected, nil), bthome.NewTable(objects...)), len(objects)
}

func TestExporter_TruncationIsReported(t *testing.T) {
	engine, _ := manyFamilies()
	registry := metric.NewMetricsRegistry()
	x := NewExporter(sensor.NewRegistry(), WithEngine(engine), WithMetrics(registry.CoreMetrics()))

	err := x.Render(boundbuf.New(DefaultBufferSize))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrBufferExhausted)

	rec := httptest.NewRecorder()
	x.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "metrics truncated\n", rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "# HELP")

	m := registry.CoreMetrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExportsTotal.WithLabelValues(metric.SurfacePrometheus, metric.ResultTruncated)))

	// A larger buffer holds the same document.
	big := NewExporter(sensor.NewRegistry(), WithEngine(engine), WithBufferSize(64*1024))
	rec = httptest.NewRecorder()
	big.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExporter_ServeHTTP(t *testing.T) {
	reg := sensor.NewRegistry()
	weight, _ := reg.Register("weight", "g")
	require.NoError(t, reg.Update(weight, 12.5, true))

	registry := metric.NewMetricsRegistry()
	x := NewExporter(reg, WithWeightSensors(weight, -1), WithMetrics(registry.CoreMetrics()))

	server := httptest.NewServer(x)
	defer server.Close()

	for i := 0; i < 2; i++ {
		resp, err := http.Get(server.URL)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, ContentType, resp.Header.Get("Content-Type"))
		assert.Equal(t, int64(len(body)), resp.ContentLength)
		assert.True(t, bytes.Contains(body, []byte(`weight_grams{hostname="weight-station"} 12.50`)))
	}

	m := registry.CoreMetrics()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ExportsTotal.WithLabelValues(metric.SurfacePrometheus, metric.ResultOK)))
}

// stalledWriter blocks in Write until release is closed.
type stalledWriter struct {
	header  http.Header
	writing chan struct{}
	release chan struct{}
}

func (w *stalledWriter) Header() http.Header { return w.header }

func (w *stalledWriter) WriteHeader(int) {}

func (w *stalledWriter) Write(p []byte) (int, error) {
	close(w.writing)
	<-w.release
	return len(p), nil
}

func TestServeHTTP_SlowClientDoesNotBlockOthers(t *testing.T) {
	reg := sensor.NewRegistry()
	weight, _ := reg.Register("weight", "g")
	require.NoError(t, reg.Update(weight, 12.5, true))
	x := NewExporter(reg, WithWeightSensors(weight, -1))

	slow := &stalledWriter{header: http.Header{}, writing: make(chan struct{}), release: make(chan struct{})}
	done := make(chan struct{})
	go func() {
		x.ServeHTTP(slow, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		close(done)
	}()
	<-slow.writing

	served := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		rec := httptest.NewRecorder()
		x.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		served <- rec
	}()

	select {
	case rec := <-served:
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `weight_grams{hostname="weight-station"} 12.50`)
	case <-time.After(2 * time.Second):
		t.Fatal("second scrape blocked behind a stalled client")
	}

	close(slow.release)
	<-done
}
