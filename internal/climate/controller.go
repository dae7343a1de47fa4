// Package climate orchestrates one wrapped climate device: it runs the
// offset pipeline on every tick and user action, arbitrates between user
// intent and thermal learning, and closes the learning feedback loop.
package climate

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"smartclimate/internal/clock"
	"smartclimate/internal/forecast"
	"smartclimate/internal/ha"
	"smartclimate/internal/metrics"
	"smartclimate/internal/offset"
	"smartclimate/internal/override"
	"smartclimate/internal/seasonal"
	"smartclimate/internal/thermal"
)

const (
	defaultUpdateInterval = time.Minute
	// interferenceWindow is how long after our own command a wrapped-entity
	// setpoint event with an unexpected value is still attributed to a
	// stale echo rather than the user. Kept shorter than the tick interval
	// so user edits between ticks are seen.
	interferenceWindow = 30 * time.Second
	setpointEpsilon    = 0.01
)

func isActiveHVACMode(mode string) bool {
	return mode != "" && mode != "off"
}

// ControllerConfig is the static per-entity configuration.
type ControllerConfig struct {
	WrappedEntity   WrappedEntityID
	VirtualEntity   VirtualEntityID
	DefaultTarget   float64
	UpdateInterval  time.Duration
	ReadOnly        bool
	LearningEnabled bool
	Limits          offset.Limits
}

// Collaborators wires the controller to the rest of the daemon. Forecast,
// Quiet, Seasonal and Metrics are optional.
type Collaborators struct {
	Client   ha.HAClient
	Sensors  *SensorReader
	Offset   *offset.Engine
	Forecast *forecast.Engine
	Modes    *ModeManager
	Thermal  *Registry
	Override *override.Manager
	Quiet    *offset.QuietModeController
	Delay    *offset.DelayLearner
	Seasonal *seasonal.Learner
	Metrics  *metrics.Metrics
	Clock    clock.Clock
}

// CommandRecord is the most recent setpoint decision, kept for the status
// API. Simulated marks read-only mode.
type CommandRecord struct {
	Temperature float64   `json:"temperature"`
	Source      string    `json:"source"`
	SentAt      time.Time `json:"sent_at"`
	Simulated   bool      `json:"simulated,omitempty"`
}

type commandEcho struct {
	temperature float64
	sentAt      time.Time
}

// Status is the controller view served by the status API.
type Status struct {
	VirtualEntity  string                   `json:"virtual_entity"`
	WrappedEntity  string                   `json:"wrapped_entity"`
	Preset         string                   `json:"preset"`
	CurrentTarget  float64                  `json:"current_target"`
	LastCommand    *CommandRecord           `json:"last_command,omitempty"`
	LastOffset     *offset.Result           `json:"last_offset,omitempty"`
	OffsetEngine   offset.Status            `json:"offset_engine"`
	Thermal        *thermal.Status          `json:"thermal,omitempty"`
	Seasonal       *seasonal.Analytics      `json:"seasonal,omitempty"`
	Override       *override.ManualOverride `json:"override,omitempty"`
	ActiveStrategy *forecast.ActiveStrategy `json:"active_strategy,omitempty"`
}

// Controller drives one wrapped climate entity.
type Controller struct {
	cfg      ControllerConfig
	client   ha.HAClient
	sensors  *SensorReader
	engine   *offset.Engine
	forecast *forecast.Engine
	modes    *ModeManager
	thermal  *Registry
	override *override.Manager
	quiet    *offset.QuietModeController
	delay    *offset.DelayLearner
	seasonal *seasonal.Learner
	metrics  *metrics.Metrics
	clk      clock.Clock
	logger   *zap.Logger

	mu             sync.Mutex
	running        bool
	currentTarget  float64
	lastCommand    *CommandRecord
	lastResult     *offset.Result
	cycleStartTemp *float64
	pendingEcho    *commandEcho
	tickTimer      clock.Timer
	feedbackTimers map[int]clock.Timer
	nextTimerID    int
	subs           []ha.Subscription
}

func NewController(cfg ControllerConfig, deps Collaborators, logger *zap.Logger) *Controller {
	return &Controller{
		cfg:            cfg,
		client:         deps.Client,
		sensors:        deps.Sensors,
		engine:         deps.Offset,
		forecast:       deps.Forecast,
		modes:          deps.Modes,
		thermal:        deps.Thermal,
		override:       deps.Override,
		quiet:          deps.Quiet,
		delay:          deps.Delay,
		seasonal:       deps.Seasonal,
		metrics:        deps.Metrics,
		clk:            deps.Clock,
		logger:         logger.Named("climate").With(zap.String("entity_id", cfg.WrappedEntity.String())),
		currentTarget:  cfg.DefaultTarget,
		feedbackTimers: make(map[int]clock.Timer),
	}
}

// Start restores thermal history, subscribes to state changes, applies the
// default target once, and begins the periodic update loop.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("controller already started")
	}
	c.mu.Unlock()

	c.logger.Info("Starting climate controller",
		zap.String("virtual_entity", c.cfg.VirtualEntity.String()),
		zap.Float64("default_target", c.cfg.DefaultTarget),
		zap.Bool("read_only", c.cfg.ReadOnly),
		zap.Bool("learning_enabled", c.cfg.LearningEnabled))

	if mgr, ok := c.thermal.Lookup(c.cfg.WrappedEntity); ok {
		if err := mgr.RestoreFromStore(); err != nil {
			c.logger.Warn("Could not restore thermal history", zap.Error(err))
		}
	}

	if c.sensors.cfg.RoomTemp != "" {
		sub, err := c.client.SubscribeStateChanges(c.sensors.cfg.RoomTemp, c.handleRoomSensorChange)
		if err != nil {
			return fmt.Errorf("subscribe to room sensor: %w", err)
		}
		c.subs = append(c.subs, sub)
	}
	sub, err := c.client.SubscribeStateChanges(c.cfg.WrappedEntity.String(), c.handleWrappedChange)
	if err != nil {
		c.unsubscribeAll()
		return fmt.Errorf("subscribe to wrapped entity: %w", err)
	}
	c.subs = append(c.subs, sub)

	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	if err := c.ApplyTemperatureWithOffset(context.Background(), c.cfg.DefaultTarget, offset.SourceStartup); err != nil {
		c.logger.Warn("Initial apply failed", zap.Error(err))
	}

	c.scheduleTick()
	return nil
}

// Stop halts the update loop, cancels every pending feedback callback and
// unsubscribes. No feedback fires after Stop returns.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	tick := c.tickTimer
	c.tickTimer = nil
	timers := c.feedbackTimers
	c.feedbackTimers = make(map[int]clock.Timer)
	c.mu.Unlock()

	c.logger.Info("Stopping climate controller")
	if tick != nil {
		tick.Stop()
	}
	for _, t := range timers {
		t.Stop()
	}
	c.unsubscribeAll()
}

func (c *Controller) unsubscribeAll() {
	for _, s := range c.subs {
		if err := s.Unsubscribe(); err != nil {
			c.logger.Warn("Unsubscribe failed", zap.Error(err))
		}
	}
	c.subs = nil
}

// SetTargetTemperature is the user-facing setpoint request.
func (c *Controller) SetTargetTemperature(ctx context.Context, target float64) error {
	c.logger.Info("User target temperature request", zap.Float64("target", target))
	return c.ApplyTemperatureWithOffset(ctx, target, offset.SourceManual)
}

// SetPresetMode switches the operating profile and re-applies.
func (c *Controller) SetPresetMode(ctx context.Context, preset PresetMode) error {
	if err := c.modes.SetPreset(preset); err != nil {
		return err
	}
	return c.ApplyTemperatureWithOffset(ctx, c.target(), offset.SourceModeChange)
}

// SetManualOverride arms a time-bounded offset and re-applies.
func (c *Controller) SetManualOverride(ctx context.Context, off float64, duration time.Duration) error {
	c.override.SetOverride(off, duration)
	return c.ApplyTemperatureWithOffset(ctx, c.target(), offset.SourceManual)
}

// ClearManualOverride drops the override and re-applies.
func (c *Controller) ClearManualOverride(ctx context.Context) error {
	c.override.ClearOverride()
	return c.ApplyTemperatureWithOffset(ctx, c.target(), offset.SourceManual)
}

func (c *Controller) target() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTarget
}

// ApplyTemperatureWithOffset runs the full decision pipeline for one target
// request. Every stage degrades narrowly: missing sensors fall back to raw
// passthrough, a failing forecast contributes zero, and an internal panic
// still commands the device with the raw target. The only path that sends
// nothing at all is quiet-mode suppression (plus the two preconditions).
func (c *Controller) ApplyTemperatureWithOffset(ctx context.Context, target float64, source offset.Source) (err error) {
	start := c.clk.Now()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Pipeline panic, forwarding raw target", zap.Any("panic", r))
			err = c.dispatch(target, source, "raw passthrough after pipeline fault")
		}
		c.metrics.ObservePipelineDuration(c.clk.Since(start))
	}()
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.currentTarget = target
	c.mu.Unlock()

	ws := c.sensors.WrappedState(c.cfg.WrappedEntity)
	if !ws.Available {
		c.logger.Warn("⏭  Skipped: wrapped entity unavailable")
		return nil
	}
	if !isActiveHVACMode(ws.HVACMode) {
		c.logger.Info("⏭  Skipped: HVAC mode inactive",
			zap.String("hvac_mode", ws.HVACMode))
		return nil
	}

	roomTemp := c.sensors.RoomTemp()
	outdoor := c.sensors.OutdoorTemp()
	power := c.sensors.Power()

	// Never withhold a command just because learning inputs are missing.
	if roomTemp == nil || ws.InternalTemp == nil {
		c.logger.Warn("Missing room or internal temperature, forwarding raw target",
			zap.Bool("have_room_temp", roomTemp != nil),
			zap.Bool("have_internal_temp", ws.InternalTemp != nil),
			zap.Float64("target", target))
		return c.dispatch(target, source, "raw passthrough")
	}

	indoorRH := c.sensors.IndoorHumidity()
	outdoorRH := c.sensors.OutdoorHumidity()
	features := offset.ComputeHumidityFeatures(*roomTemp, outdoor, indoorRH, outdoorRH)
	if features.HeatIndex != nil {
		c.logger.Debug("Humidity features",
			zap.Float64("heat_index", *features.HeatIndex),
			zap.Float64("indoor_dew_point", *features.IndoorDewPoint))
	}

	result := c.engine.CalculateOffset(offset.Input{
		ACInternalTemp:   *ws.InternalTemp,
		RoomTemp:         *roomTemp,
		OutdoorTemp:      outdoor,
		PowerConsumption: power,
		IndoorHumidity:   indoorRH,
		OutdoorHumidity:  outdoorRH,
		HVACMode:         ws.HVACMode,
		Time:             c.clk.Now(),
	})
	c.metrics.OffsetUpdate(string(source))
	c.metrics.SetCurrentOffset(c.cfg.WrappedEntity.String(), result.Offset)

	// Predictive failure never blocks reactive control.
	predictive := 0.0
	if c.forecast != nil {
		predictive = c.forecast.PredictiveOffset()
	}
	c.metrics.SetPredictiveOffset(c.cfg.WrappedEntity.String(), predictive)
	totalOffset := result.Offset + predictive

	adj := c.modes.CurrentAdjustments()
	adj.OffsetAdjustment += c.override.ActiveOffset()

	base := target
	if adj.TemperatureOverride != nil {
		base = *adj.TemperatureOverride
	}

	resolved := base
	if mgr, ok := c.thermal.Lookup(c.cfg.WrappedEntity); ok {
		resolved = ResolveTargetTemperature(base, *roomTemp, mgr.CurrentState(), adj, c.logger)
	} else {
		c.logger.Debug("No thermal manager registered, using plain target")
	}

	proposed := resolved + totalOffset
	currentSetpoint := resolved
	if ws.Setpoint != nil {
		currentSetpoint = *ws.Setpoint
	}
	final, limited := c.cfg.Limits.Apply(proposed, currentSetpoint)
	if limited {
		c.logger.Debug("Limits adjusted the proposal",
			zap.Float64("proposed", proposed),
			zap.Float64("final", final))
	}

	if c.quiet != nil && power != nil {
		if suppress, reason := c.quiet.ShouldSuppress(ws.Setpoint, &final, ws.HVACMode, power, c.seasonal, c.clk.Now()); suppress {
			c.metrics.CommandSuppressed(reason)
			c.logger.Info("⏭  Suppressed by quiet mode",
				zap.String("reason", reason),
				zap.Float64("withheld_target", final))
			c.setLastResult(result)
			return nil
		}
	}

	if err := c.dispatch(final, source, result.Reason); err != nil {
		return err
	}
	c.engine.RecordAdjustmentSource(source)
	c.setLastResult(result)

	if c.cfg.LearningEnabled && result.Offset != 0 {
		c.scheduleFeedback(target, *roomTemp, result.Offset)
	}
	return nil
}

func (c *Controller) setLastResult(result offset.Result) {
	c.mu.Lock()
	c.lastResult = &result
	c.mu.Unlock()
}

// dispatch sends the final setpoint, or logs it in read-only mode.
func (c *Controller) dispatch(temp float64, source offset.Source, note string) error {
	rec := &CommandRecord{Temperature: temp, Source: string(source), SentAt: c.clk.Now()}

	if c.cfg.ReadOnly {
		rec.Simulated = true
		c.logger.Info("Read-only mode: would set temperature",
			zap.Float64("temperature", temp),
			zap.String("source", string(source)),
			zap.String("reason", note))
		c.mu.Lock()
		c.lastCommand = rec
		c.mu.Unlock()
		return nil
	}

	// Arm the echo before sending: the resulting state event can arrive
	// while the call is still in flight.
	c.mu.Lock()
	prevCmd, prevEcho := c.lastCommand, c.pendingEcho
	c.lastCommand = rec
	c.pendingEcho = &commandEcho{temperature: temp, sentAt: rec.SentAt}
	c.mu.Unlock()

	if err := c.client.SetTemperature(c.cfg.WrappedEntity.String(), temp); err != nil {
		c.mu.Lock()
		c.lastCommand, c.pendingEcho = prevCmd, prevEcho
		c.mu.Unlock()
		c.logger.Error("Failed to set temperature",
			zap.Float64("temperature", temp), zap.Error(err))
		return fmt.Errorf("set temperature on %s: %w", c.cfg.WrappedEntity, err)
	}

	c.metrics.CommandSent()
	c.logger.Info("✓ Setpoint dispatched",
		zap.Float64("temperature", temp),
		zap.String("source", string(source)),
		zap.String("reason", note))
	return nil
}

// scheduleTick arms the next periodic update. The mode table may override
// the interval (sleep mode slows the loop down).
func (c *Controller) scheduleTick() {
	interval := c.cfg.UpdateInterval
	if interval <= 0 {
		interval = defaultUpdateInterval
	}
	if o := c.modes.CurrentAdjustments().UpdateIntervalOverride; o != nil {
		interval = *o
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.tickTimer = c.clk.AfterFunc(interval, c.tick)
}

// tick feeds the stability detector, sweeps expiries, refreshes gauges and
// re-applies the pipeline.
func (c *Controller) tick() {
	defer c.scheduleTick()
	now := c.clk.Now()

	ws := c.sensors.WrappedState(c.cfg.WrappedEntity)
	if room := c.sensors.RoomTemp(); room != nil && ws.Available {
		c.feedThermal(*room, ws.HVACAction)
	}

	if c.forecast != nil {
		if err := c.forecast.Update(); err != nil {
			c.logger.Warn("Forecast update failed", zap.Error(err))
		}
		c.forecast.ExpireIfPast(now)
	}
	c.override.ExpireIfPast(now)

	if c.seasonal != nil {
		c.metrics.SetSeasonalPatternCount(c.seasonal.PatternCount())
		c.metrics.SetSeasonalAccuracy(c.seasonal.SeasonalAccuracy())
	}

	if err := c.ApplyTemperatureWithOffset(context.Background(), c.target(), offset.SourcePrediction); err != nil {
		c.logger.Warn("Periodic apply failed", zap.Error(err))
	}
}

func (c *Controller) feedThermal(roomTemp float64, hvacAction string) {
	mgr, ok := c.thermal.Lookup(c.cfg.WrappedEntity)
	if !ok {
		return
	}
	if probe := mgr.ProcessReading(roomTemp, hvacAction); probe != nil {
		c.metrics.DriftEventAnalyzed("accepted")
		if tau, _, ok := mgr.LearnedTau(); ok {
			c.metrics.SetLearnedTau(c.cfg.WrappedEntity.String(), tau)
		}
	}
}

// handleRoomSensorChange feeds fresh room readings into the thermal
// pipeline as they arrive, between ticks.
func (c *Controller) handleRoomSensorChange(_ string, _, newState *ha.State) {
	if newState.IsUnavailable() {
		return
	}
	temp := newState.Float64()
	if temp == nil {
		return
	}
	ws := c.sensors.WrappedState(c.cfg.WrappedEntity)
	c.feedThermal(*temp, ws.HVACAction)
}

// handleWrappedChange watches the device for compressor cycle transitions
// (hysteresis learning), setpoint echoes of our own commands (delay
// learning) and setpoint changes we did not make (user intervention).
func (c *Controller) handleWrappedChange(_ string, oldState, newState *ha.State) {
	now := c.clk.Now()
	if newState.IsUnavailable() {
		c.logger.Warn("Wrapped entity became unavailable")
		return
	}

	oldAction := ""
	if oldState != nil {
		oldAction = oldState.AttrString("hvac_action")
	}
	newAction := newState.AttrString("hvac_action")
	if oldAction != newAction {
		c.trackCycle(oldAction, newAction)
	}

	sp := newState.AttrFloat64("temperature")
	if sp == nil {
		return
	}

	c.mu.Lock()
	pending := c.pendingEcho
	lastCmd := c.lastCommand
	c.mu.Unlock()

	if pending != nil && math.Abs(*sp-pending.temperature) <= setpointEpsilon {
		c.delay.RecordStabilization(now.Sub(pending.sentAt))
		c.mu.Lock()
		c.pendingEcho = nil
		c.mu.Unlock()
		return
	}

	// Only a real setpoint move counts as potential interference.
	if oldState != nil {
		if oldSp := oldState.AttrFloat64("temperature"); oldSp != nil && math.Abs(*oldSp-*sp) <= setpointEpsilon {
			return
		}
	}
	if lastCmd != nil && math.Abs(*sp-lastCmd.Temperature) <= setpointEpsilon {
		return
	}
	if _, recent := c.engine.RecentAdjustment(interferenceWindow, now); recent {
		return
	}

	c.logger.Info("External setpoint change detected",
		zap.Float64("setpoint", *sp))
	if mgr, ok := c.thermal.Lookup(c.cfg.WrappedEntity); ok {
		mgr.NotifyIntervention("external setpoint change")
	}
	c.mu.Lock()
	c.currentTarget = *sp
	c.mu.Unlock()
}

// trackCycle records hysteresis patterns from compressor start/stop pairs:
// the room temperature when the unit kicked in and when it shut off.
func (c *Controller) trackCycle(oldAction, newAction string) {
	if c.seasonal == nil {
		return
	}
	room := c.sensors.RoomTemp()
	if room == nil {
		return
	}

	wasActive := oldAction == "cooling" || oldAction == "heating"
	isActive := newAction == "cooling" || newAction == "heating"
	switch {
	case !wasActive && isActive:
		c.mu.Lock()
		c.cycleStartTemp = room
		c.mu.Unlock()
	case wasActive && !isActive:
		c.mu.Lock()
		start := c.cycleStartTemp
		c.cycleStartTemp = nil
		c.mu.Unlock()
		if start != nil {
			c.seasonal.LearnNewCycle(*start, *room)
			c.logger.Debug("Observed hysteresis cycle",
				zap.Float64("start_temp", *start),
				zap.Float64("stop_temp", *room))
		}
	}
}

// scheduleFeedback arms the delayed learning callback. Multiple feedbacks
// may be pending at once; each revalidates the remembered target before
// recording anything.
func (c *Controller) scheduleFeedback(rememberedTarget, initialRoom, predicted float64) {
	delay := c.delay.FeedbackDelay()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	id := c.nextTimerID
	c.nextTimerID++
	c.feedbackTimers[id] = c.clk.AfterFunc(delay, func() {
		c.feedbackFired(id, rememberedTarget, initialRoom, predicted)
	})
	c.logger.Debug("Scheduled learning feedback",
		zap.Duration("delay", delay),
		zap.Float64("predicted_offset", predicted))
}

func (c *Controller) feedbackFired(id int, rememberedTarget, initialRoom, predicted float64) {
	c.mu.Lock()
	delete(c.feedbackTimers, id)
	current := c.currentTarget
	running := c.running
	c.mu.Unlock()
	if !running {
		return
	}

	if math.Abs(current-rememberedTarget) > setpointEpsilon {
		c.logger.Debug("Feedback skipped: target changed since scheduling",
			zap.Float64("remembered_target", rememberedTarget),
			zap.Float64("current_target", current))
		return
	}
	c.engine.RecordFeedback(rememberedTarget-initialRoom, predicted)
}

// Status assembles the API view across all collaborators.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		VirtualEntity: c.cfg.VirtualEntity.String(),
		WrappedEntity: c.cfg.WrappedEntity.String(),
		CurrentTarget: c.currentTarget,
	}
	if c.lastCommand != nil {
		rec := *c.lastCommand
		st.LastCommand = &rec
	}
	if c.lastResult != nil {
		res := *c.lastResult
		st.LastOffset = &res
	}
	c.mu.Unlock()

	st.Preset = string(c.modes.Current())
	st.OffsetEngine = c.engine.Snapshot()
	if mgr, ok := c.thermal.Lookup(c.cfg.WrappedEntity); ok {
		snap := mgr.Snapshot()
		st.Thermal = &snap
	}
	if c.seasonal != nil {
		analytics := c.seasonal.Snapshot()
		st.Seasonal = &analytics
	}
	st.Override = c.override.Info()
	if c.forecast != nil {
		st.ActiveStrategy = c.forecast.ActiveStrategyInfo()
	}
	return st
}

// VirtualEntity returns the smartclimate entity ID for API routing.
func (c *Controller) VirtualEntity() VirtualEntityID { return c.cfg.VirtualEntity }

// WrappedEntity returns the controlled device's entity ID.
func (c *Controller) WrappedEntity() WrappedEntityID { return c.cfg.WrappedEntity }
