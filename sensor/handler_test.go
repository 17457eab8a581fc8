package sensor

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listedSensor struct {
	ID          int      `json:"id"`
	Name        string   `json:"name"`
	Unit        string   `json:"unit"`
	MetricName  string   `json:"metric_name"`
	DisplayName string   `json:"display_name"`
	Value       *float64 `json:"value"`
	Available   bool     `json:"available"`
	LastUpdated int64    `json:"last_updated"`
	Link        *struct {
		URL  string `json:"url"`
		Text string `json:"text"`
	} `json:"link"`
	DeviceName string `json:"device_name"`
	DeviceID   string `json:"device_id"`
}

func getList(t *testing.T, h http.Handler) (*httptest.ResponseRecorder, []listedSensor) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sensors", nil))
	if rec.Code != http.StatusOK {
		return rec, nil
	}
	var doc struct {
		Sensors []listedSensor `json:"sensors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	return rec, doc.Sensors
}

func TestHandler_ListsLinks(t *testing.T) {
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry(WithClock(func() time.Time { return updated }))
	h, err := reg.Register("Weight", "g")
	require.NoError(t, err)
	handler := NewHandler(reg, 0, nil)

	require.NoError(t, reg.UpdateWithLink(h, 12.3, true, "/loadcell/tare", "Tare"))
	rec, list := getList(t, handler)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Len(t, list, 1)
	require.NotNil(t, list[0].Link)
	assert.Equal(t, "/loadcell/tare", list[0].Link.URL)
	assert.Equal(t, "Tare", list[0].Link.Text)
	require.NotNil(t, list[0].Value)
	assert.Equal(t, 12.3, *list[0].Value)
	assert.Equal(t, updated.Unix(), list[0].LastUpdated)
	assert.True(t, list[0].Available)

	// A plain update clears the link from the listing.
	require.NoError(t, reg.Update(h, 13, true))
	_, list = getList(t, handler)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].Link)

	// Half a link is never listed.
	require.NoError(t, reg.UpdateWithLink(h, 14, true, "", "Tare"))
	rec, list = getList(t, handler)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].Link)
	assert.NotContains(t, rec.Body.String(), `"link"`)
}

func TestHandler_ListsEverySensor(t *testing.T) {
	reg := NewRegistry()
	idle, err := reg.Register("Idle", "x")
	require.NoError(t, err)
	nan, err := reg.Register("Broken", "x")
	require.NoError(t, err)
	require.NoError(t, reg.Update(nan, math.NaN(), false))
	ble, err := reg.RegisterMetric("bthome_humidity", "kitchen humidity", "%")
	require.NoError(t, err)
	require.NoError(t, reg.UpdateDevice(ble, 40, true, "kitchen", "a4:c1:38:00:00:01"))

	rec, list := getList(t, NewHandler(reg, 0, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, list, 3)

	assert.Equal(t, int(idle), list[0].ID)
	assert.Nil(t, list[0].Value, "never updated")
	assert.Zero(t, list[0].LastUpdated)

	assert.Nil(t, list[1].Value, "NaN renders as null")
	assert.False(t, list[1].Available)

	assert.Equal(t, "bthome_humidity", list[2].MetricName)
	assert.Equal(t, "kitchen humidity", list[2].DisplayName)
	assert.Equal(t, "kitchen", list[2].DeviceName)
	assert.Equal(t, "a4:c1:38:00:00:01", list[2].DeviceID)
}

func TestHandler_Overflow(t *testing.T) {
	reg := NewRegistry()
	for i := 0; i < 10; i++ {
		h, err := reg.Register(fmt.Sprintf("sensor %d", i), "g")
		require.NoError(t, err)
		require.NoError(t, reg.UpdateWithLink(h, float64(i), true, "/loadcell/tare", "Tare"))
	}

	rec := httptest.NewRecorder()
	NewHandler(reg, 256, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sensors", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHandler(NewRegistry(), 0, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sensors", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, HEAD", rec.Header().Get("Allow"))
}

func TestHandler_EmptyRegistry(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHandler(NewRegistry(), 0, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sensors", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sensors":[]}`, rec.Body.String())
}
