package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"smartclimate/internal/climate"
	"smartclimate/internal/clock"
	"smartclimate/internal/ha"
	"smartclimate/internal/metrics"
	"smartclimate/internal/offset"
	"smartclimate/internal/override"
)

func newTestController(t *testing.T, wrapped, virtual string) *climate.Controller {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clk := clock.NewMockClock(time.Date(2026, 7, 10, 12, 0, 0, 0, time.UTC))

	client := ha.NewMockClient()
	client.SetState(wrapped, "cool", map[string]interface{}{
		"temperature":         22.0,
		"current_temperature": 24.0,
		"hvac_action":         "idle",
	})

	cfg := climate.ControllerConfig{
		WrappedEntity: climate.WrappedEntityID(wrapped),
		VirtualEntity: climate.VirtualEntityID(virtual),
		DefaultTarget: 22.0,
		Limits:        offset.Limits{MinTemp: 16, MaxTemp: 30},
	}
	deps := climate.Collaborators{
		Client:   client,
		Sensors:  climate.NewSensorReader(climate.SensorConfig{}, client, logger),
		Offset:   offset.NewEngine(offset.EngineConfig{}, nil, clk, logger),
		Modes:    climate.NewModeManager(nil, nil, clk, logger),
		Thermal:  climate.NewRegistry(),
		Override: override.NewManager(clk, logger),
		Delay:    offset.NewDelayLearner(0),
		Clock:    clk,
	}
	return climate.NewController(cfg, deps, logger)
}

func newTestServer(t *testing.T, m *metrics.Metrics) *Server {
	t.Helper()
	controllers := []*climate.Controller{
		newTestController(t, "climate.bedroom_ac", "climate.bedroom_smart"),
		newTestController(t, "climate.living_room_ac", "climate.living_room_smart"),
	}
	return NewServer(controllers, m, zaptest.NewLogger(t), ":0")
}

func doRequest(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestStatusListsEntitiesInConfiguredOrder(t *testing.T) {
	s := newTestServer(t, nil)

	w := doRequest(t, s, "/api/v1/status")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))

	require.Len(t, resp.Entities, 2)
	assert.Equal(t, "climate.bedroom_smart", resp.Entities[0].VirtualEntity)
	assert.Equal(t, "climate.bedroom_ac", resp.Entities[0].WrappedEntity)
	assert.Equal(t, "climate.living_room_smart", resp.Entities[1].VirtualEntity)
	assert.Equal(t, 22.0, resp.Entities[0].CurrentTarget)
	assert.Equal(t, "none", resp.Entities[0].Preset)
}

func TestEntityLookupAcceptsVirtualAndWrappedIDs(t *testing.T) {
	s := newTestServer(t, nil)

	for _, id := range []string{"climate.bedroom_smart", "climate.bedroom_ac"} {
		w := doRequest(t, s, "/api/v1/entities/"+id)
		require.Equal(t, http.StatusOK, w.Code, "lookup by %s", id)

		var st climate.Status
		require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
		assert.Equal(t, "climate.bedroom_smart", st.VirtualEntity)
		assert.Equal(t, "climate.bedroom_ac", st.WrappedEntity)
	}
}

func TestEntityLookupUnknownIDReturnsJSONError(t *testing.T) {
	s := newTestServer(t, nil)

	w := doRequest(t, s, "/api/v1/entities/climate.garage")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Contains(t, body["error"], "climate.garage")
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	w := doRequest(t, s, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestUnknownRouteReturnsJSONError(t *testing.T) {
	s := newTestServer(t, nil)

	w := doRequest(t, s, "/api/v2/nothing")
	require.Equal(t, http.StatusNotFound, w.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Contains(t, body["error"], "/api/v2/nothing")
}

func TestMetricsEndpointServesPrometheusExposition(t *testing.T) {
	s := newTestServer(t, metrics.NewMetrics())

	w := doRequest(t, s, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "smartclimate_commands_sent_total")
}

func TestMetricsRouteAbsentWithoutCollector(t *testing.T) {
	s := newTestServer(t, nil)

	w := doRequest(t, s, "/metrics")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
