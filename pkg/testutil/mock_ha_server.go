// Package testutil provides testing utilities for smartclimate. This package
// contains a mock Home Assistant WebSocket server that speaks enough of the
// climate, sensor and weather domains for end-to-end controller tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MockHAServer is an in-process stand-in for a Home Assistant instance. It
// accepts WebSocket clients on /api/websocket, runs the token handshake,
// answers get_states and call_service, and pushes state_changed events to
// every connected client. Climate commands are echoed back as state changes
// after a short delay, the way a real device acknowledges them.
type MockHAServer struct {
	addr  string
	token string

	server *http.Server

	statesMu sync.RWMutex
	states   map[string]*EntityState

	forecastsMu sync.RWMutex
	forecasts   map[string][]ForecastEntry

	sessionsMu sync.Mutex
	sessions   []*session

	callsMu sync.Mutex
	calls   []ServiceCall

	eventDelay time.Duration
}

// EntityState mirrors the HA REST/WebSocket state object.
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// ForecastEntry is one hourly forecast sample, serialized the way Home
// Assistant's weather.get_forecasts responds.
type ForecastEntry struct {
	DateTime    string  `json:"datetime"`
	Temperature float64 `json:"temperature"`
	Condition   string  `json:"condition"`
}

// Message is the server-to-client frame shape.
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Event carries one bus event inside a Message.
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedEvent is the payload of a state_changed event.
type StateChangedEvent struct {
	EntityID string       `json:"entity_id"`
	NewState *EntityState `json:"new_state"`
	OldState *EntityState `json:"old_state"`
}

// ServiceTarget names the entities a service call is aimed at.
type ServiceTarget struct {
	EntityID []string `json:"entity_id,omitempty"`
}

// clientRequest is the decoded superset of every command frame a client
// sends after authentication. Fields irrelevant to a given type are zero.
type clientRequest struct {
	ID             int                    `json:"id"`
	Type           string                 `json:"type"`
	Domain         string                 `json:"domain"`
	Service        string                 `json:"service"`
	ServiceData    map[string]interface{} `json:"service_data"`
	Target         *ServiceTarget         `json:"target"`
	ReturnResponse bool                   `json:"return_response"`
}

// session is one client connection. gorilla/websocket allows a single
// writer at a time, so all writes go through send.
type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) send(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// reply acknowledges a command frame with success and an optional result.
func (s *session) reply(id int, result json.RawMessage) {
	ok := true
	_ = s.send(Message{ID: id, Type: "result", Success: &ok, Result: result})
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewMockHAServer returns a server that will listen on addr and accept the
// given access token. The default event delay approximates LAN latency.
func NewMockHAServer(addr, token string) *MockHAServer {
	return &MockHAServer{
		addr:       addr,
		token:      token,
		states:     make(map[string]*EntityState),
		forecasts:  make(map[string][]ForecastEntry),
		eventDelay: 10 * time.Millisecond,
	}
}

// SetEventDelay overrides the artificial latency applied before each
// state_changed broadcast.
func (s *MockHAServer) SetEventDelay(delay time.Duration) {
	s.eventDelay = delay
}

// Start begins serving and returns once the listener is up.
func (s *MockHAServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	s.server = &http.Server{Addr: s.addr, Handler: mux}

	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("mock HA server: %v", err)
		}
	}()

	// Give the listener a moment before clients dial in.
	time.Sleep(100 * time.Millisecond)
	return nil
}

// Stop drops every client and shuts the listener down.
func (s *MockHAServer) Stop() error {
	s.sessionsMu.Lock()
	for _, sess := range s.sessions {
		sess.conn.Close()
	}
	s.sessions = nil
	s.sessionsMu.Unlock()

	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// SetState stores a new state for an entity and broadcasts the change to
// every connected client after the configured event delay.
func (s *MockHAServer) SetState(entityID, state string, attributes map[string]interface{}) {
	now := time.Now()
	newState := &EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}

	s.statesMu.Lock()
	oldState := s.states[entityID]
	s.states[entityID] = newState
	s.statesMu.Unlock()

	if s.eventDelay > 0 {
		time.Sleep(s.eventDelay)
	}
	s.broadcastStateChange(entityID, oldState, newState)
}

// GetState returns the stored state for entityID, or nil.
func (s *MockHAServer) GetState(entityID string) *EntityState {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	return s.states[entityID]
}

// AddClimate registers a climate device with the canonical attribute set the
// controller reads: the device setpoint, its internal temperature reading
// and the current compressor action.
func (s *MockHAServer) AddClimate(entityID, hvacMode string, setpoint, internalTemp float64, hvacAction string) {
	s.SetState(entityID, hvacMode, map[string]interface{}{
		"temperature":         setpoint,
		"current_temperature": internalTemp,
		"hvac_action":         hvacAction,
		"friendly_name":       entityID,
	})
}

// AddSensor registers a numeric sensor entity.
func (s *MockHAServer) AddSensor(entityID string, value float64, unit string) {
	s.SetState(entityID, fmt.Sprintf("%g", value), map[string]interface{}{
		"unit_of_measurement": unit,
		"friendly_name":       entityID,
	})
}

// AddWeather registers a weather entity with its current condition and
// temperature. Hourly forecasts are configured separately via SetForecast.
func (s *MockHAServer) AddWeather(entityID, condition string, temperature float64) {
	s.SetState(entityID, condition, map[string]interface{}{
		"temperature":   temperature,
		"friendly_name": entityID,
	})
}

// SetForecast configures the hourly forecast returned for an entity by
// weather.get_forecasts.
func (s *MockHAServer) SetForecast(entityID string, entries []ForecastEntry) {
	s.forecastsMu.Lock()
	defer s.forecastsMu.Unlock()
	s.forecasts[entityID] = entries
}

func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("mock HA server: upgrade failed: %v", err)
		return
	}
	sess := &session{conn: conn}

	s.sessionsMu.Lock()
	s.sessions = append(s.sessions, sess)
	s.sessionsMu.Unlock()
	defer s.dropSession(sess)

	if !s.handshake(sess) {
		return
	}

	for {
		var req clientRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		switch req.Type {
		case "subscribe_events":
			sess.reply(req.ID, nil)
		case "get_states":
			s.handleGetStates(sess, req.ID)
		case "call_service":
			s.handleCallService(sess, &req)
		}
	}
}

func (s *MockHAServer) dropSession(sess *session) {
	s.sessionsMu.Lock()
	for i, candidate := range s.sessions {
		if candidate == sess {
			s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
			break
		}
	}
	s.sessionsMu.Unlock()
	sess.conn.Close()
}

// handshake runs the HA auth exchange: auth_required, then the client's
// token, then the verdict. Returns false when the client must be dropped.
func (s *MockHAServer) handshake(sess *session) bool {
	if err := sess.send(Message{Type: "auth_required"}); err != nil {
		return false
	}

	var auth struct {
		Type        string `json:"type"`
		AccessToken string `json:"access_token"`
	}
	if err := sess.conn.ReadJSON(&auth); err != nil {
		log.Printf("mock HA server: auth read failed: %v", err)
		return false
	}

	if auth.AccessToken != s.token {
		_ = sess.send(Message{Type: "auth_invalid"})
		return false
	}
	return sess.send(Message{Type: "auth_ok"}) == nil
}

func (s *MockHAServer) handleGetStates(sess *session, id int) {
	s.statesMu.RLock()
	states := make([]*EntityState, 0, len(s.states))
	for _, state := range s.states {
		states = append(states, state)
	}
	s.statesMu.RUnlock()

	payload, _ := json.Marshal(states)
	sess.reply(id, payload)
}

func (s *MockHAServer) handleCallService(sess *session, req *clientRequest) {
	s.callsMu.Lock()
	s.calls = append(s.calls, ServiceCall{
		Timestamp:   time.Now(),
		Domain:      req.Domain,
		Service:     req.Service,
		ServiceData: req.ServiceData,
	})
	s.callsMu.Unlock()

	entityID, _ := req.ServiceData["entity_id"].(string)
	if entityID == "" && req.Target != nil && len(req.Target.EntityID) > 0 {
		entityID = req.Target.EntityID[0]
	}

	var result json.RawMessage
	switch {
	case req.Domain == "climate" && req.Service == "set_temperature":
		// The device accepts the command and reports the new value back,
		// which is exactly what a real integration does: the state event
		// is the acknowledgment.
		if value, ok := req.ServiceData["temperature"].(float64); ok {
			s.updateClimateAttribute(entityID, "temperature", value)
		}
	case req.Domain == "climate" && req.Service == "set_hvac_mode":
		if mode, ok := req.ServiceData["hvac_mode"].(string); ok {
			s.statesMu.RLock()
			oldState := s.states[entityID]
			s.statesMu.RUnlock()
			if oldState != nil {
				s.SetState(entityID, mode, oldState.Attributes)
			}
		}
	case req.Domain == "weather" && req.Service == "get_forecasts" && req.ReturnResponse:
		result = s.forecastResponse(entityID)
	}

	// Unknown services are still acknowledged so clients never time out.
	sess.reply(req.ID, result)
}

// updateClimateAttribute rewrites one attribute of a climate entity and
// broadcasts the change. Attributes are copied, never mutated in place;
// clients may still hold the old map.
func (s *MockHAServer) updateClimateAttribute(entityID, key string, value interface{}) {
	s.statesMu.RLock()
	oldState := s.states[entityID]
	s.statesMu.RUnlock()
	if oldState == nil {
		return
	}

	attrs := make(map[string]interface{}, len(oldState.Attributes)+1)
	for k, v := range oldState.Attributes {
		attrs[k] = v
	}
	attrs[key] = value
	s.SetState(entityID, oldState.State, attrs)
}

// forecastResponse builds the weather.get_forecasts result payload for one
// entity.
func (s *MockHAServer) forecastResponse(entityID string) json.RawMessage {
	s.forecastsMu.RLock()
	entries := s.forecasts[entityID]
	s.forecastsMu.RUnlock()

	payload := map[string]interface{}{
		"response": map[string]interface{}{
			entityID: map[string]interface{}{
				"forecast": entries,
			},
		},
	}
	data, _ := json.Marshal(payload)
	return data
}

func (s *MockHAServer) broadcastStateChange(entityID string, oldState, newState *EntityState) {
	data, _ := json.Marshal(StateChangedEvent{
		EntityID: entityID,
		NewState: newState,
		OldState: oldState,
	})
	msg := Message{
		Type: "event",
		Event: &Event{
			EventType: "state_changed",
			Data:      data,
			Origin:    "LOCAL",
			TimeFired: time.Now(),
		},
	}

	s.sessionsMu.Lock()
	targets := make([]*session, len(s.sessions))
	copy(targets, s.sessions)
	s.sessionsMu.Unlock()

	for _, sess := range targets {
		_ = sess.send(msg)
	}
}

// GetServiceCalls returns a copy of every recorded service call, oldest
// first.
func (s *MockHAServer) GetServiceCalls() []ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	calls := make([]ServiceCall, len(s.calls))
	copy(calls, s.calls)
	return calls
}

// ClearServiceCalls resets the service call log.
func (s *MockHAServer) ClearServiceCalls() {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.calls = nil
}

// FindServiceCall returns the most recent call matching domain and service,
// and entityID when non-empty. Nil when nothing matches.
func (s *MockHAServer) FindServiceCall(domain, service string, entityID string) *ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()

	for i := len(s.calls) - 1; i >= 0; i-- {
		call := s.calls[i]
		if call.Domain != domain || call.Service != service {
			continue
		}
		if entityID == "" {
			return &call
		}
		if eid, ok := call.ServiceData["entity_id"].(string); ok && eid == entityID {
			return &call
		}
	}
	return nil
}

// CountServiceCalls reports how many recorded calls match domain and
// service.
func (s *MockHAServer) CountServiceCalls(domain, service string) int {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()

	count := 0
	for _, call := range s.calls {
		if call.Domain == domain && call.Service == service {
			count++
		}
	}
	return count
}
