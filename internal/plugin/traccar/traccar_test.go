package traccar

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trakbridge/trakbridge/internal/plugin"
)

func traccarServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/positions", func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`[
			{"deviceId": 7, "id": 100, "latitude": 40.1, "longitude": -74.2,
			 "deviceTime": "2026-01-02T03:04:05Z", "speed": 10.0, "course": 90.0,
			 "altitude": 120.0, "attributes": {"battery": 88, "ignition": true}},
			{"deviceId": 8, "id": 101, "latitude": 41.0, "longitude": -73.0,
			 "fixTime": "2026-01-02T03:05:00Z"}
		]`))
	})
	mux.HandleFunc("/api/devices", func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`[{"id": 7, "name": "Truck Alpha"}, {"id": 8, "name": "Van Bravo"}]`))
	})
	return httptest.NewServer(mux)
}

func validConfig(url string) map[string]any {
	return map[string]any{"server_url": url, "username": "admin", "password": "secret"}
}

func TestFetch_JoinsPositionsWithDeviceNames(t *testing.T) {
	srv := traccarServer(t)
	defer srv.Close()

	p := &Plugin{}
	positions, err := p.Fetch(context.Background(), srv.Client(), validConfig(srv.URL))
	require.NoError(t, err)
	require.Len(t, positions, 2)

	byUID := map[string]int{}
	for i, pos := range positions {
		byUID[pos.UID] = i
	}
	alpha := positions[byUID["traccar-7"]]
	assert.Equal(t, "Truck Alpha", alpha.Name)
	assert.Equal(t, 40.1, alpha.Lat)
	assert.Equal(t, -74.2, alpha.Lon)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), alpha.Timestamp)
	require.NotNil(t, alpha.SpeedMPS)
	assert.InDelta(t, 5.14444, *alpha.SpeedMPS, 0.0001)
	assert.Contains(t, alpha.Description, "Battery: 88%")
	assert.Contains(t, alpha.Description, "Ignition: On")

	bravo := positions[byUID["traccar-8"]]
	assert.Equal(t, "Van Bravo", bravo.Name)
	assert.Nil(t, bravo.SpeedMPS)
}

func TestFetch_BadCredentials_IsAuthError(t *testing.T) {
	srv := traccarServer(t)
	defer srv.Close()

	p := &Plugin{}
	cfg := validConfig(srv.URL)
	cfg["password"] = "wrong"
	_, err := p.Fetch(context.Background(), srv.Client(), cfg)

	var fe *plugin.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, plugin.KindAuth, fe.Kind)
}

func TestFetch_DeviceLookupFailure_DegradesToGenericNames(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/positions", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"deviceId": 7, "id": 100, "latitude": 40.1, "longitude": -74.2,
			"deviceTime": "2026-01-02T03:04:05Z"}]`))
	})
	mux.HandleFunc("/api/devices", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := &Plugin{}
	positions, err := p.Fetch(context.Background(), srv.Client(), validConfig(srv.URL))
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "Device 7", positions[0].Name)
}

func TestFetch_DeviceFilter(t *testing.T) {
	srv := traccarServer(t)
	defer srv.Close()

	p := &Plugin{}
	cfg := validConfig(srv.URL)
	cfg["device_filter"] = "truck"
	positions, err := p.Fetch(context.Background(), srv.Client(), cfg)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "Truck Alpha", positions[0].Name)
}

func TestValidateConfig_MissingFields(t *testing.T) {
	p := &Plugin{}
	res := p.ValidateConfig(map[string]any{"server_url": "http://x"})
	assert.False(t, res.OK)
	assert.Len(t, res.Warnings, 2)

	res = p.ValidateConfig(validConfig("http://x"))
	assert.True(t, res.OK)
}

func TestParseTimestamp_FallbackChain(t *testing.T) {
	got := parseTimestamp("2026-01-02T03:04:05Z", "")
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), got)

	got = parseTimestamp("", "2026-01-02T03:05:00Z")
	assert.Equal(t, time.Date(2026, 1, 2, 3, 5, 0, 0, time.UTC), got)

	// Unparseable inputs fall back to now.
	got = parseTimestamp("garbage", "")
	assert.WithinDuration(t, time.Now().UTC(), got, time.Minute)
}

func TestRequestTimeout_AcceptsMultipleTypes(t *testing.T) {
	assert.Equal(t, 10*time.Second, requestTimeout(map[string]any{"timeout": 10}))
	assert.Equal(t, 15*time.Second, requestTimeout(map[string]any{"timeout": 15.0}))
	assert.Equal(t, 20*time.Second, requestTimeout(map[string]any{"timeout": "20"}))
	assert.Equal(t, 30*time.Second, requestTimeout(map[string]any{}))
}
