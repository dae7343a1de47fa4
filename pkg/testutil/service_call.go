package testutil

import "time"

// ServiceCall is one recorded service invocation, kept for assertions about
// what the controller sent to Home Assistant.
type ServiceCall struct {
	Timestamp   time.Time
	Domain      string
	Service     string
	ServiceData map[string]interface{}
}

// SetTemperatureValues extracts the commanded setpoints from every
// climate.set_temperature call targeting entityID, oldest first. An empty
// entityID matches all entities.
func SetTemperatureValues(calls []ServiceCall, entityID string) []float64 {
	var values []float64
	for _, call := range calls {
		if call.Domain != "climate" || call.Service != "set_temperature" {
			continue
		}
		if entityID != "" {
			if eid, ok := call.ServiceData["entity_id"].(string); !ok || eid != entityID {
				continue
			}
		}
		if v, ok := call.ServiceData["temperature"].(float64); ok {
			values = append(values, v)
		}
	}
	return values
}
