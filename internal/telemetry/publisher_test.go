package telemetry

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"smartclimate/internal/climate"
	"smartclimate/internal/clock"
	"smartclimate/internal/forecast"
	"smartclimate/internal/ha"
	"smartclimate/internal/offset"
	"smartclimate/internal/override"
	"smartclimate/internal/seasonal"
	"smartclimate/internal/thermal"
)

type fakeToken struct{}

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Error() error                   { return nil }
func (fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type publishedMessage struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeBroker records publishes in place of a live MQTT connection.
type fakeBroker struct {
	mu       sync.Mutex
	messages []publishedMessage
}

func (b *fakeBroker) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, publishedMessage{topic, qos, retained, payload.([]byte)})
	return fakeToken{}
}

func (b *fakeBroker) byTopic(topic string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.messages {
		if m.topic == topic {
			return m.payload, true
		}
	}
	return nil, false
}

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

func newTestPublisher(t *testing.T, controllers ...*climate.Controller) *Publisher {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2026, 7, 10, 12, 0, 0, 0, time.UTC))
	return NewPublisher(Config{Broker: "tcp://localhost:1883"}, controllers, clk, zaptest.NewLogger(t))
}

func TestDiscoveryAnnouncesDerivedSensors(t *testing.T) {
	p := newTestPublisher(t, newTestController(t, "climate.bedroom_ac", "climate.bedroom_smart"))
	broker := &fakeBroker{}

	p.publishDiscovery(broker)

	require.Len(t, broker.messages, 4)
	for _, m := range broker.messages {
		assert.True(t, m.retained, "discovery configs must be retained")
		assert.Equal(t, byte(1), m.qos)
	}

	payload, ok := broker.byTopic("homeassistant/sensor/bedroom_smart_current_offset/config")
	require.True(t, ok)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &doc))
	assert.Equal(t, "Current Offset", doc["name"])
	assert.Equal(t, "smartclimate/bedroom_smart/state", doc["state_topic"])
	assert.Equal(t, "{{ value_json.current_offset }}", doc["value_template"])
	assert.Equal(t, "bedroom_smart_current_offset", doc["unique_id"])
	assert.Equal(t, "°C", doc["unit_of_measurement"])

	device := doc["device"].(map[string]interface{})
	assert.Equal(t, "climate.bedroom_smart", device["name"])
	assert.Equal(t, []interface{}{"bedroom_smart"}, device["identifiers"])
}

func TestDiscoveryCoversEveryEntity(t *testing.T) {
	p := newTestPublisher(t,
		newTestController(t, "climate.bedroom_ac", "climate.bedroom_smart"),
		newTestController(t, "climate.living_room_ac", "climate.living_room_smart"),
	)
	broker := &fakeBroker{}

	p.publishDiscovery(broker)

	require.Len(t, broker.messages, 8)
	_, ok := broker.byTopic("homeassistant/sensor/living_room_smart_learned_tau/config")
	assert.True(t, ok)
}

func TestStateDocumentReflectsControllerStatus(t *testing.T) {
	p := newTestPublisher(t, newTestController(t, "climate.bedroom_ac", "climate.bedroom_smart"))
	broker := &fakeBroker{}

	p.publishStates(broker)

	require.Len(t, broker.messages, 1)
	m := broker.messages[0]
	assert.Equal(t, "smartclimate/bedroom_smart/state", m.topic)
	assert.False(t, m.retained)
	assert.Equal(t, byte(0), m.qos)

	var doc statePayload
	require.NoError(t, json.Unmarshal(m.payload, &doc))
	assert.Equal(t, 22.0, doc.CurrentTarget)
	assert.Equal(t, "none", doc.Preset)
	assert.Equal(t, 0.0, doc.CurrentOffset)
}

func TestObjectIDStripsClimateDomain(t *testing.T) {
	assert.Equal(t, "bedroom_smart", objectID("climate.bedroom_smart"))
	assert.Equal(t, "loft_smart_ac", objectID("climate.loft_smart.ac"))
	assert.Equal(t, "fan_loft", objectID("fan.loft"))
}

func TestBuildStatePayloadFlattensSections(t *testing.T) {
	st := climate.Status{
		VirtualEntity: "climate.bedroom_smart",
		CurrentTarget: 23.0,
		Preset:        "sleep",
		OffsetEngine:  offset.Status{LastOffset: 1.5},
		Thermal:       &thermal.Status{State: "drifting", Tau: 5400},
		Seasonal:      &seasonal.Analytics{PatternCount: 5, Accuracy: 57.5},
		ActiveStrategy: &forecast.ActiveStrategy{
			Name:       "pre_cool",
			Adjustment: -2.0,
		},
	}

	doc := buildStatePayload(st)
	assert.Equal(t, 1.5, doc.CurrentOffset)
	assert.Equal(t, -2.0, doc.PredictiveOffset)
	assert.Equal(t, 5400.0, doc.LearnedTau)
	assert.Equal(t, 57.5, doc.SeasonalAccuracy)
	assert.Equal(t, "drifting", doc.ThermalState)
	assert.Equal(t, "sleep", doc.Preset)
}

func TestBuildStatePayloadHandlesMissingSections(t *testing.T) {
	doc := buildStatePayload(climate.Status{CurrentTarget: 22.0, Preset: "none"})
	assert.Equal(t, 0.0, doc.PredictiveOffset)
	assert.Equal(t, 0.0, doc.LearnedTau)
	assert.Equal(t, 0.0, doc.SeasonalAccuracy)
	assert.Empty(t, doc.ThermalState)
}

func TestTickWithoutConnectionPublishesNothing(t *testing.T) {
	p := newTestPublisher(t, newTestController(t, "climate.bedroom_ac", "climate.bedroom_smart"))

	// Never started, so there is no client; the tick must cope.
	p.tick()
}
