package telemetry

import (
	"encoding/json"
	"strings"

	"smartclimate/internal/climate"
)

// sensorDef describes one derived sensor announced per managed entity. The
// key doubles as the JSON field in the state document.
type sensorDef struct {
	key        string
	name       string
	unit       string
	stateClass string
	precision  int
}

var sensorDefs = []sensorDef{
	{key: "current_offset", name: "Current Offset", unit: "°C", stateClass: "measurement", precision: 2},
	{key: "predictive_offset", name: "Predictive Offset", unit: "°C", stateClass: "measurement", precision: 1},
	{key: "learned_tau", name: "Thermal Time Constant", unit: "s", stateClass: "measurement", precision: 0},
	{key: "seasonal_accuracy", name: "Seasonal Accuracy", unit: "%", stateClass: "measurement", precision: 0},
}

// discoveryConfig is the Home Assistant MQTT discovery document for one
// sensor.
type discoveryConfig struct {
	Name             string `json:"name"`
	StateTopic       string `json:"state_topic"`
	UnitOfMeasure    string `json:"unit_of_measurement,omitempty"`
	ValueTemplate    string `json:"value_template"`
	UniqueID         string `json:"unique_id"`
	ExpireAfter      uint   `json:"expire_after,omitempty"`
	StateClass       string `json:"state_class,omitempty"`
	DisplayPrecision int    `json:"suggested_display_precision,omitempty"`
	Device           struct {
		Identifiers  []string `json:"identifiers"`
		Name         string   `json:"name"`
		Manufacturer string   `json:"manufacturer,omitempty"`
		Model        string   `json:"model,omitempty"`
	} `json:"device"`
}

// statePayload is the per-entity state document. Sections the controller
// has no data for publish as zero rather than disappearing, so HA history
// stays continuous.
type statePayload struct {
	CurrentOffset    float64 `json:"current_offset"`
	PredictiveOffset float64 `json:"predictive_offset"`
	LearnedTau       float64 `json:"learned_tau"`
	SeasonalAccuracy float64 `json:"seasonal_accuracy"`
	CurrentTarget    float64 `json:"current_target"`
	Preset           string  `json:"preset"`
	ThermalState     string  `json:"thermal_state,omitempty"`
}

type discoveryMessage struct {
	topic   string
	payload []byte
}

// objectID derives the MQTT object identifier from a virtual entity ID.
func objectID(virtualEntity string) string {
	id := strings.TrimPrefix(virtualEntity, "climate.")
	return strings.ReplaceAll(id, ".", "_")
}

func stateTopic(prefix, id string) string {
	return prefix + "/" + id + "/state"
}

func configTopic(discoveryPrefix, id, key string) string {
	return discoveryPrefix + "/sensor/" + id + "_" + key + "/config"
}

// discoveryMessages builds the retained discovery documents for one entity.
func discoveryMessages(cfg Config, id, virtualEntity string) []discoveryMessage {
	msgs := make([]discoveryMessage, 0, len(sensorDefs))
	for _, def := range sensorDefs {
		doc := discoveryConfig{
			Name:             def.name,
			StateTopic:       stateTopic(cfg.TopicPrefix, id),
			UnitOfMeasure:    def.unit,
			ValueTemplate:    "{{ value_json." + def.key + " }}",
			UniqueID:         id + "_" + def.key,
			ExpireAfter:      60 * 30,
			StateClass:       def.stateClass,
			DisplayPrecision: def.precision,
		}
		doc.Device.Identifiers = []string{id}
		doc.Device.Name = virtualEntity
		doc.Device.Manufacturer = "smartclimate"
		doc.Device.Model = "offset controller"

		payload, err := json.Marshal(doc)
		if err != nil {
			continue
		}
		msgs = append(msgs, discoveryMessage{
			topic:   configTopic(cfg.DiscoveryPrefix, id, def.key),
			payload: payload,
		})
	}
	return msgs
}

// buildStatePayload flattens a controller snapshot into the published
// document.
func buildStatePayload(st climate.Status) statePayload {
	p := statePayload{
		CurrentOffset: st.OffsetEngine.LastOffset,
		CurrentTarget: st.CurrentTarget,
		Preset:        st.Preset,
	}
	if st.ActiveStrategy != nil {
		p.PredictiveOffset = st.ActiveStrategy.Adjustment
	}
	if st.Thermal != nil {
		p.LearnedTau = st.Thermal.Tau
		p.ThermalState = st.Thermal.State
	}
	if st.Seasonal != nil {
		p.SeasonalAccuracy = st.Seasonal.Accuracy
	}
	return p
}
