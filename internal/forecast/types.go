package forecast

import (
	"fmt"
	"time"
)

// Forecast is one hourly forecast sample, ordered by DateTime.
type Forecast struct {
	DateTime    time.Time `json:"datetime"`
	Temperature float64   `json:"temperature"`
	Condition   string    `json:"condition"`
}

// StrategyKind selects the evaluation rule for a predictive strategy.
type StrategyKind string

const (
	KindHeatWave StrategyKind = "heat_wave"
	KindClearSky StrategyKind = "clear_sky"
)

// ParseStrategyKind validates a config string against the closed set of
// supported strategy kinds.
func ParseStrategyKind(s string) (StrategyKind, error) {
	switch StrategyKind(s) {
	case KindHeatWave, KindClearSky:
		return StrategyKind(s), nil
	default:
		return "", fmt.Errorf("unknown strategy type %q", s)
	}
}

// StrategyConfig configures one predictive strategy. Strategies are
// evaluated in configured order and the first one that activates wins.
type StrategyConfig struct {
	Kind    StrategyKind
	Name    string
	Enabled bool

	// TempThreshold applies to heat_wave, Condition to clear_sky.
	TempThreshold float64
	Condition     string

	MinDurationHours float64
	LookaheadHours   float64
	PreActionHours   float64

	// Adjustment is the fixed setpoint offset in °C while the strategy
	// is active (negative pre-cools).
	Adjustment float64

	// DaylightOnly additionally requires the event to start between
	// sunrise and sunset. Off by default.
	DaylightOnly bool
}

// ActiveStrategy is a currently-armed predictive adjustment. EndTime is the
// forecast event's start: pre-cooling runs up to the event, not through it.
type ActiveStrategy struct {
	Name       string    `json:"name"`
	Adjustment float64   `json:"adjustment"`
	EndTime    time.Time `json:"end_time"`
	Reason     string    `json:"reason"`
}

// WeatherStrategy is the smart-wake view of the engine: whether a forecast
// event is still pending its pre-action phase or already underway, and
// whether a recent manual mode change suppresses acting on it.
type WeatherStrategy struct {
	Name                   string    `json:"name,omitempty"`
	PreActionActive        bool      `json:"pre_action_active"`
	EventActive            bool      `json:"event_active"`
	SuppressedByModeChange bool      `json:"suppressed_by_mode_change"`
	EventStart             time.Time `json:"event_start"`
}

// eventRecord survives strategy expiry so WeatherStrategy can still tell
// that the event itself is underway after pre-cooling has ended. It is
// bounded by the event's minimum duration.
type eventRecord struct {
	name           string
	preActionStart time.Time
	start          time.Time
	end            time.Time
}

func hoursToDuration(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
