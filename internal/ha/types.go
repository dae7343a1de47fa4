package ha

import (
	"encoding/json"
	"strconv"
	"time"
)

// Message is the envelope for every frame on the Home Assistant WebSocket
// API. Which fields are populated depends on Type; unused ones marshal away.
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Error is the code/message pair HA attaches to failed commands.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage carries the access token during the connection handshake.
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// Event is the payload of a Type "event" frame.
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedEvent is the Data of a state_changed event. OldState is nil
// for entities appearing for the first time.
type StateChangedEvent struct {
	EntityID string `json:"entity_id"`
	NewState *State `json:"new_state"`
	OldState *State `json:"old_state"`
}

// State is one entity's state object as HA serializes it. The State string
// holds the primary value ("cool", "21.5", "on"); everything else lives in
// Attributes.
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
	Context     *Context               `json:"context,omitempty"`
}

// Context identifies what triggered a state change.
type Context struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// IsUnavailable reports whether Home Assistant considers the entity
// unusable ("unavailable"/"unknown" are the sentinel state strings).
func (s *State) IsUnavailable() bool {
	if s == nil {
		return true
	}
	switch s.State {
	case "", "unavailable", "unknown":
		return true
	}
	return false
}

// Float64 parses the state string as a float. Returns nil for
// unavailable states or non-numeric strings.
func (s *State) Float64() *float64 {
	if s.IsUnavailable() {
		return nil
	}
	v, err := strconv.ParseFloat(s.State, 64)
	if err != nil {
		return nil
	}
	return &v
}

// AttrFloat64 reads a numeric attribute. Home Assistant serializes numbers
// as JSON floats, but integers and numeric strings show up too.
func (s *State) AttrFloat64(key string) *float64 {
	if s == nil || s.Attributes == nil {
		return nil
	}
	switch v := s.Attributes[key].(type) {
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil
		}
		return &f
	}
	return nil
}

// AttrString reads a string attribute, "" when absent.
func (s *State) AttrString(key string) string {
	if s == nil || s.Attributes == nil {
		return ""
	}
	v, _ := s.Attributes[key].(string)
	return v
}

// CallServiceRequest asks HA to execute a service. ReturnResponse requests
// a response payload, which only some services support.
type CallServiceRequest struct {
	ID             int                    `json:"id"`
	Type           string                 `json:"type"`
	Domain         string                 `json:"domain"`
	Service        string                 `json:"service"`
	ServiceData    map[string]interface{} `json:"service_data,omitempty"`
	Target         *ServiceTarget         `json:"target,omitempty"`
	ReturnResponse bool                   `json:"return_response,omitempty"`
}

// ServiceTarget names the entities a service call is aimed at.
type ServiceTarget struct {
	EntityID []string `json:"entity_id,omitempty"`
}

// GetStatesRequest asks for a dump of every entity state.
type GetStatesRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// SubscribeEventsRequest subscribes the connection to bus events,
// optionally filtered to one event type.
type SubscribeEventsRequest struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

// ServiceResponse is the result payload of a call_service request issued
// with return_response set (e.g. weather.get_forecasts).
type ServiceResponse struct {
	Context  *Context                   `json:"context,omitempty"`
	Response map[string]json.RawMessage `json:"response"`
}

// ForecastPayload is the per-entity payload inside a weather.get_forecasts
// service response.
type ForecastPayload struct {
	Forecast []ForecastEntry `json:"forecast"`
}

// ForecastEntry is one forecast sample as Home Assistant serializes it.
type ForecastEntry struct {
	DateTime    string  `json:"datetime"`
	Temperature float64 `json:"temperature"`
	Condition   string  `json:"condition"`
}

// StateChangeHandler receives state_changed notifications for a subscribed
// entity. oldState may be nil.
type StateChangeHandler func(entityID string, oldState, newState *State)

// Subscription is a handle for canceling a state change subscription.
type Subscription interface {
	Unsubscribe() error
}
