// Package forecast polls a Home Assistant weather entity and arms
// time-bounded predictive pre-cooling strategies (heat wave, clear sky)
// ahead of forecast events.
package forecast

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"smartclimate/internal/clock"
	"smartclimate/internal/ha"
	"smartclimate/internal/metrics"

	"go.uber.org/zap"
)

const (
	fetchThrottle         = 30 * time.Minute
	modeChangeSuppression = 30 * time.Minute
)

// Config wires the engine to a weather entity and its strategies. Latitude
// and longitude are only consulted by strategies with DaylightOnly set.
type Config struct {
	WeatherEntity string
	Strategies    []StrategyConfig
	Latitude      float64
	Longitude     float64
}

// Engine evaluates predictive strategies against the cached hourly
// forecast. At most one strategy is active at a time; all state is
// mutex-guarded since ticks, user actions and API reads run on different
// goroutines.
type Engine struct {
	client  ha.HAClient
	cfg     Config
	clk     clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
	sun     *sunTimes

	mu             sync.Mutex
	forecasts      []Forecast
	active         *ActiveStrategy
	lastEvent      *eventRecord
	lastFetch      time.Time
	fetched        bool
	lastModeChange time.Time
	modeChanged    bool
}

// NewEngine creates a forecast engine. m may be nil.
func NewEngine(cfg Config, client ha.HAClient, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *Engine {
	return &Engine{
		client:  client,
		cfg:     cfg,
		clk:     clk,
		metrics: m,
		logger:  logger.Named("forecast"),
		sun:     newSunTimes(cfg.Latitude, cfg.Longitude),
	}
}

// Update fetches the hourly forecast and re-evaluates all strategies,
// throttled to once per 30 minutes. On fetch failure the cached forecast
// and any active strategy stay authoritative and the error is returned for
// logging only; the caller must not escalate it.
func (e *Engine) Update() error {
	now := e.clk.Now()

	e.mu.Lock()
	if e.fetched && now.Sub(e.lastFetch) < fetchThrottle {
		e.mu.Unlock()
		return nil
	}
	e.lastFetch = now
	e.fetched = true
	e.mu.Unlock()

	samples, err := e.fetchForecast()
	if err != nil {
		e.metrics.ForecastFetch("error")
		return fmt.Errorf("forecast update failed: %w", err)
	}
	e.metrics.ForecastFetch("ok")

	wx := e.currentWeather()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.forecasts = samples
	e.expireLocked(now)
	e.evaluateLocked(now, wx)
	return nil
}

func (e *Engine) fetchForecast() ([]Forecast, error) {
	raw, err := e.client.CallServiceWithResponse("weather", "get_forecasts",
		map[string]interface{}{"type": "hourly"}, e.cfg.WeatherEntity)
	if err != nil {
		return nil, err
	}

	var resp ha.ServiceResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("malformed forecast response: %w", err)
	}
	payload, ok := resp.Response[e.cfg.WeatherEntity]
	if !ok {
		return nil, fmt.Errorf("forecast response missing entity %s", e.cfg.WeatherEntity)
	}
	var fp ha.ForecastPayload
	if err := json.Unmarshal(payload, &fp); err != nil {
		return nil, fmt.Errorf("malformed forecast payload: %w", err)
	}

	samples := make([]Forecast, 0, len(fp.Forecast))
	skipped := 0
	for _, entry := range fp.Forecast {
		ts, err := time.Parse(time.RFC3339, entry.DateTime)
		if err != nil {
			skipped++
			continue
		}
		samples = append(samples, Forecast{
			DateTime:    ts,
			Temperature: entry.Temperature,
			Condition:   entry.Condition,
		})
	}
	if skipped > 0 {
		e.logger.Warn("Skipped forecast samples with unparseable timestamps",
			zap.Int("skipped", skipped))
	}
	return samples, nil
}

// weatherNow is a snapshot of the weather entity's current state, taken
// outside the engine mutex.
type weatherNow struct {
	temp      *float64
	condition string
	ok        bool
}

func (e *Engine) currentWeather() weatherNow {
	state, err := e.client.GetState(e.cfg.WeatherEntity)
	if err != nil || state.IsUnavailable() {
		return weatherNow{}
	}
	return weatherNow{
		temp:      state.AttrFloat64("temperature"),
		condition: state.State,
		ok:        true,
	}
}

func (e *Engine) evaluateLocked(now time.Time, wx weatherNow) {
	for i := range e.cfg.Strategies {
		sc := &e.cfg.Strategies[i]
		if !sc.Enabled {
			continue
		}

		var eventStart time.Time
		var found bool
		var reason string
		switch sc.Kind {
		case KindHeatWave:
			eventStart, found, reason = e.evaluateHeatWave(now, wx, sc)
		case KindClearSky:
			eventStart, found, reason = e.evaluateClearSky(now, wx, sc)
		default:
			e.logger.Warn("Unknown strategy kind", zap.String("kind", string(sc.Kind)))
			continue
		}
		if !found {
			continue
		}

		e.activateLocked(sc, eventStart, reason)
		return
	}

	if e.active != nil {
		e.logger.Info("No strategy matches anymore, clearing",
			zap.String("name", e.active.Name))
		e.active = nil
	}
}

func (e *Engine) evaluateHeatWave(now time.Time, wx weatherNow, sc *StrategyConfig) (time.Time, bool, string) {
	// Already at/above threshold: the pre-cooling window has passed, so
	// activating now would fight the event instead of preparing for it.
	if wx.ok && wx.temp != nil && *wx.temp >= sc.TempThreshold {
		e.logger.Debug("Heat wave already underway, skipping pre-cool",
			zap.Float64("current_temp", *wx.temp),
			zap.Float64("threshold", sc.TempThreshold))
		return time.Time{}, false, ""
	}

	start, ok := findConsecutiveEvent(e.forecasts, now,
		hoursToDuration(sc.LookaheadHours), hoursToDuration(sc.MinDurationHours),
		func(f Forecast) bool { return f.Temperature >= sc.TempThreshold })
	if !ok || !e.withinActionWindow(now, sc, start) {
		return time.Time{}, false, ""
	}

	reason := fmt.Sprintf("forecast %.1f°C or hotter for %.1fh starting %s",
		sc.TempThreshold, sc.MinDurationHours, start.Format(time.RFC3339))
	return start, true, reason
}

func (e *Engine) evaluateClearSky(now time.Time, wx weatherNow, sc *StrategyConfig) (time.Time, bool, string) {
	if wx.ok && wx.condition == sc.Condition {
		e.logger.Debug("Condition already present, skipping pre-cool",
			zap.String("condition", sc.Condition))
		return time.Time{}, false, ""
	}

	start, ok := findConsecutiveEvent(e.forecasts, now,
		hoursToDuration(sc.LookaheadHours), hoursToDuration(sc.MinDurationHours),
		func(f Forecast) bool { return f.Condition == sc.Condition })
	if !ok || !e.withinActionWindow(now, sc, start) {
		return time.Time{}, false, ""
	}

	reason := fmt.Sprintf("forecast %q for %.1fh starting %s",
		sc.Condition, sc.MinDurationHours, start.Format(time.RFC3339))
	return start, true, reason
}

// withinActionWindow applies the gates shared by all strategy kinds: the
// optional daylight requirement and the pre-action lead window.
func (e *Engine) withinActionWindow(now time.Time, sc *StrategyConfig, eventStart time.Time) bool {
	if sc.DaylightOnly && !e.sun.isDaylight(eventStart) {
		e.logger.Debug("Event starts outside daylight, skipping",
			zap.String("strategy", sc.Name),
			zap.Time("event_start", eventStart))
		return false
	}
	preActionStart := eventStart.Add(-hoursToDuration(sc.PreActionHours))
	if now.Before(preActionStart) {
		e.logger.Debug("Event found but pre-action window not reached",
			zap.String("strategy", sc.Name),
			zap.Time("event_start", eventStart),
			zap.Time("pre_action_start", preActionStart))
		return false
	}
	return true
}

func (e *Engine) activateLocked(sc *StrategyConfig, eventStart time.Time, reason string) {
	if e.active != nil && e.active.Name == sc.Name && e.active.EndTime.Equal(eventStart) {
		return
	}
	e.active = &ActiveStrategy{
		Name:       sc.Name,
		Adjustment: sc.Adjustment,
		EndTime:    eventStart,
		Reason:     reason,
	}
	e.lastEvent = &eventRecord{
		name:           sc.Name,
		preActionStart: eventStart.Add(-hoursToDuration(sc.PreActionHours)),
		start:          eventStart,
		end:            eventStart.Add(hoursToDuration(sc.MinDurationHours)),
	}
	e.logger.Info("Predictive strategy armed",
		zap.String("name", sc.Name),
		zap.Float64("adjustment", sc.Adjustment),
		zap.Time("end_time", eventStart),
		zap.String("reason", reason))
}

// findConsecutiveEvent returns the start of the first run of strictly
// future samples (inside the lookahead window) satisfying pred whose span,
// measured by timestamp differencing rather than sample count, is at least
// minDuration. A run still open at the window edge qualifies if it already
// meets the bar.
func findConsecutiveEvent(samples []Forecast, now time.Time, lookahead, minDuration time.Duration, pred func(Forecast) bool) (time.Time, bool) {
	windowEnd := now.Add(lookahead)

	var runStart, runLast time.Time
	inRun := false
	for _, s := range samples {
		if !s.DateTime.After(now) || s.DateTime.After(windowEnd) {
			continue
		}
		if pred(s) {
			if !inRun {
				runStart = s.DateTime
				inRun = true
			}
			runLast = s.DateTime
			continue
		}
		if inRun && runLast.Sub(runStart) >= minDuration {
			return runStart, true
		}
		inRun = false
	}
	if inRun && runLast.Sub(runStart) >= minDuration {
		return runStart, true
	}
	return time.Time{}, false
}

// ExpireIfPast retires the active strategy once its end time has been
// reached. It is the only place expiry happens: reads never mutate, the
// controller sweeps once per tick before reading.
func (e *Engine) ExpireIfPast(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expireLocked(now)
}

func (e *Engine) expireLocked(now time.Time) {
	if e.active != nil && !now.Before(e.active.EndTime) {
		e.logger.Info("Predictive strategy reached its end time",
			zap.String("name", e.active.Name),
			zap.Float64("adjustment", e.active.Adjustment))
		e.active = nil
	}
	if e.lastEvent != nil && !now.Before(e.lastEvent.end) {
		e.lastEvent = nil
	}
}

// PredictiveOffset returns the active strategy's adjustment, 0.0 when none
// is active or the armed one has passed its end time but not been swept
// yet. Pure read.
func (e *Engine) PredictiveOffset() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil || !e.clk.Now().Before(e.active.EndTime) {
		return 0
	}
	return e.active.Adjustment
}

// ActiveStrategyInfo returns a copy of the active strategy, nil when none.
// Pure read, consistent with PredictiveOffset within the same tick.
func (e *Engine) ActiveStrategyInfo() *ActiveStrategy {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil || !e.clk.Now().Before(e.active.EndTime) {
		return nil
	}
	cp := *e.active
	return &cp
}

// RecordModeChange notes a manual preset/mode change for the smart-wake
// suppression window.
func (e *Engine) RecordModeChange(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastModeChange = now
	e.modeChanged = true
}

// WeatherStrategy derives the smart-wake view. A recent manual mode change
// suppresses acting on an armed or running event so automation does not
// fight fresh user intent.
func (e *Engine) WeatherStrategy() WeatherStrategy {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ws WeatherStrategy
	ev := e.lastEvent
	if ev == nil {
		return ws
	}

	now := e.clk.Now()
	if now.Before(ev.preActionStart) || !now.Before(ev.end) {
		return ws
	}

	ws.Name = ev.name
	ws.EventStart = ev.start
	if now.Before(ev.start) {
		ws.PreActionActive = true
	} else {
		ws.EventActive = true
	}
	if e.modeChanged && now.Sub(e.lastModeChange) < modeChangeSuppression {
		ws.SuppressedByModeChange = true
	}
	return ws
}
