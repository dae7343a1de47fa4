package ha

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MockClient implements HAClient for unit tests. It serves states from an
// in-memory map, records every service call, mirrors the state effects a
// real HA instance would apply (set_temperature echoes back as an attribute
// change), and answers weather.get_forecasts with canned payloads.
// Subscriber notification is synchronous, which the controller tests use to
// drive echo handling deterministically.
type MockClient struct {
	statesMu  sync.RWMutex
	states    map[string]*State
	forecasts map[string][]ForecastEntry

	subsMu    sync.RWMutex
	subs      map[string]map[int]StateChangeHandler
	nextSubID atomic.Int64

	connMu    sync.RWMutex
	connected bool

	callsMu     sync.Mutex
	calls       []ServiceCall
	callErr     error
	forecastErr error
}

// ServiceCall is one recorded service invocation.
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Time    time.Time
}

// NewMockClient returns a connected mock with no states.
func NewMockClient() *MockClient {
	return &MockClient{
		states:    make(map[string]*State),
		forecasts: make(map[string][]ForecastEntry),
		subs:      make(map[string]map[int]StateChangeHandler),
		connected: true,
	}
}

func (m *MockClient) Connect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.connected = true
	return nil
}

func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	m.connected = false
	m.connMu.Unlock()

	m.subsMu.Lock()
	m.subs = make(map[string]map[int]StateChangeHandler)
	m.subsMu.Unlock()
	return nil
}

func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// GetState returns the stored state for one entity.
func (m *MockClient) GetState(entityID string) (*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	state, ok := m.states[entityID]
	if !ok {
		return nil, fmt.Errorf("entity %s not found", entityID)
	}
	return state, nil
}

// GetAllStates returns every stored state, in no particular order.
func (m *MockClient) GetAllStates() ([]*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	states := make([]*State, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, state)
	}
	return states, nil
}

// SetCallServiceError makes every subsequent CallService fail with err.
// Pass nil to restore normal behavior. Failed calls are still recorded.
func (m *MockClient) SetCallServiceError(err error) {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.callErr = err
}

// CallService records the call and, when it succeeds, applies its state
// effect and notifies subscribers.
func (m *MockClient) CallService(domain, service string, data map[string]interface{}) error {
	m.callsMu.Lock()
	failErr := m.callErr
	m.calls = append(m.calls, ServiceCall{
		Domain:  domain,
		Service: service,
		Data:    data,
		Time:    time.Now(),
	})
	m.callsMu.Unlock()

	if failErr != nil {
		return failErr
	}
	if entityID, ok := data["entity_id"].(string); ok && domain == "climate" {
		m.echoClimateCall(entityID, service, data)
	}
	return nil
}

// echoClimateCall mirrors what HA does after a climate command: the device
// state is updated and a state_changed notification goes out.
func (m *MockClient) echoClimateCall(entityID, service string, data map[string]interface{}) {
	m.statesMu.Lock()
	oldState := m.states[entityID]

	stateValue := ""
	attrs := make(map[string]interface{})
	if oldState != nil {
		stateValue = oldState.State
		for k, v := range oldState.Attributes {
			attrs[k] = v
		}
	}

	switch service {
	case "set_temperature":
		if value, ok := data["temperature"].(float64); ok {
			attrs["temperature"] = value
		}
	case "set_hvac_mode":
		if mode, ok := data["hvac_mode"].(string); ok {
			stateValue = mode
		}
	}

	now := time.Now()
	newState := &State{
		EntityID:    entityID,
		State:       stateValue,
		Attributes:  attrs,
		LastChanged: now,
		LastUpdated: now,
	}
	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.notify(entityID, oldState, newState)
}

// SetForecastResponse sets the canned hourly forecast served for a weather
// entity via CallServiceWithResponse.
func (m *MockClient) SetForecastResponse(entityID string, entries []ForecastEntry) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	m.forecasts[entityID] = entries
}

// SetForecastError makes weather.get_forecasts fail with err.
func (m *MockClient) SetForecastError(err error) {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.forecastErr = err
}

// CallServiceWithResponse serves weather.get_forecasts from the canned
// forecast map; anything else is recorded and answered with null.
func (m *MockClient) CallServiceWithResponse(domain, service string, data map[string]interface{}, targetEntityID string) (json.RawMessage, error) {
	m.callsMu.Lock()
	forecastErr := m.forecastErr
	m.calls = append(m.calls, ServiceCall{
		Domain:  domain,
		Service: service,
		Data:    data,
		Time:    time.Now(),
	})
	m.callsMu.Unlock()

	if domain != "weather" || service != "get_forecasts" {
		return json.RawMessage("null"), nil
	}
	if forecastErr != nil {
		return nil, forecastErr
	}

	m.statesMu.RLock()
	entries := m.forecasts[targetEntityID]
	m.statesMu.RUnlock()

	return json.Marshal(map[string]interface{}{
		"response": map[string]interface{}{
			targetEntityID: ForecastPayload{Forecast: entries},
		},
	})
}

// SubscribeStateChanges registers a handler for one entity, same contract
// as the real client.
func (m *MockClient) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	id := int(m.nextSubID.Add(1))

	m.subsMu.Lock()
	if m.subs[entityID] == nil {
		m.subs[entityID] = make(map[int]StateChangeHandler)
	}
	m.subs[entityID][id] = handler
	m.subsMu.Unlock()

	return &mockSubscription{mock: m, entityID: entityID, id: id}, nil
}

type mockSubscription struct {
	mock     *MockClient
	entityID string
	id       int
}

func (s *mockSubscription) Unsubscribe() error {
	m := s.mock
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	if handlers, ok := m.subs[s.entityID]; ok {
		delete(handlers, s.id)
		if len(handlers) == 0 {
			delete(m.subs, s.entityID)
		}
	}
	return nil
}

// SetTemperature issues climate.set_temperature through CallService.
func (m *MockClient) SetTemperature(entityID string, temperature float64) error {
	return m.CallService("climate", "set_temperature", map[string]interface{}{
		"entity_id":   entityID,
		"temperature": temperature,
	})
}

// SetHvacMode issues climate.set_hvac_mode through CallService.
func (m *MockClient) SetHvacMode(entityID string, mode string) error {
	return m.CallService("climate", "set_hvac_mode", map[string]interface{}{
		"entity_id": entityID,
		"hvac_mode": mode,
	})
}

// SetState stores a state and notifies subscribers of the change.
func (m *MockClient) SetState(entityID string, stateValue string, attributes map[string]interface{}) {
	if attributes == nil {
		attributes = make(map[string]interface{})
	}

	m.statesMu.Lock()
	oldState := m.states[entityID]
	now := time.Now()
	newState := &State{
		EntityID:    entityID,
		State:       stateValue,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.notify(entityID, oldState, newState)
}

// RemoveState deletes an entity, simulating it disappearing from HA.
func (m *MockClient) RemoveState(entityID string) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	delete(m.states, entityID)
}

// SimulateStateChange rewrites only the state string, keeping attributes.
func (m *MockClient) SimulateStateChange(entityID string, newStateValue string) {
	m.statesMu.Lock()
	oldState := m.states[entityID]

	attrs := make(map[string]interface{})
	if oldState != nil {
		attrs = oldState.Attributes
	}
	now := time.Now()
	newState := &State{
		EntityID:    entityID,
		State:       newStateValue,
		Attributes:  attrs,
		LastChanged: now,
		LastUpdated: now,
	}
	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.notify(entityID, oldState, newState)
}

// GetServiceCalls returns a copy of the recorded calls, oldest first.
func (m *MockClient) GetServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	calls := make([]ServiceCall, len(m.calls))
	copy(calls, m.calls)
	return calls
}

// ClearServiceCalls drops the recorded call history.
func (m *MockClient) ClearServiceCalls() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.calls = nil
}

func (m *MockClient) notify(entityID string, oldState, newState *State) {
	m.subsMu.RLock()
	handlers := make([]StateChangeHandler, 0, len(m.subs[entityID]))
	for _, h := range m.subs[entityID] {
		handlers = append(handlers, h)
	}
	m.subsMu.RUnlock()

	for _, h := range handlers {
		h(entityID, oldState, newState)
	}
}
