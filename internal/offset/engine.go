// Package offset computes the reactive setpoint offset from the systematic
// discrepancy between the AC's internal sensor and the trusted room sensor,
// and carries the supporting policies around it: clamping, gradual
// adjustment, quiet-hours suppression and feedback-delay learning.
package offset

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"smartclimate/internal/clock"
	"smartclimate/internal/seasonal"
)

// Source labels who initiated a setpoint adjustment. Recording it lets the
// daemon tell its own commands apart from genuine user interventions.
type Source string

const (
	SourceManual     Source = "manual"
	SourceModeChange Source = "mode_change"
	SourceStartup    Source = "startup"
	SourcePrediction Source = "prediction"
	SourceRecovery   Source = "recovery"
)

// Input is one sensor snapshot. Pointer fields are optional sensors.
type Input struct {
	ACInternalTemp   float64
	RoomTemp         float64
	OutdoorTemp      *float64
	PowerConsumption *float64
	IndoorHumidity   *float64
	OutdoorHumidity  *float64
	HVACMode         string
	Time             time.Time
}

// Result is one reactive offset decision.
type Result struct {
	Offset     float64 `json:"offset"`
	Clamped    bool    `json:"clamped"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// EngineConfig bounds the reactive offset.
type EngineConfig struct {
	// MaxOffset is the absolute clamp, degrees.
	MaxOffset float64
	// MaxChangePerCycle limits how far the offset may move between two
	// calculations. Zero disables the limit.
	MaxChangePerCycle float64
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.MaxOffset == 0 {
		c.MaxOffset = 5.0
	}
	return c
}

// Status is the engine view served by the status API.
type Status struct {
	LastOffset       float64 `json:"last_offset"`
	LastSource       string  `json:"last_source,omitempty"`
	FeedbackSamples  int     `json:"feedback_samples"`
	AvgFeedbackError float64 `json:"avg_feedback_error"`
}

const feedbackAlpha = 0.3

// Engine turns sensor snapshots into offset decisions. The learner is
// optional; without it the raw discrepancy is used as-is.
type Engine struct {
	cfg     EngineConfig
	learner *seasonal.Learner
	clk     clock.Clock
	logger  *zap.Logger

	mu           sync.Mutex
	lastOffset   float64
	hasLast      bool
	lastSource   Source
	lastSourceAt time.Time
	hasSource    bool
	errEWMA      float64
	samples      int
}

func NewEngine(cfg EngineConfig, learner *seasonal.Learner, clk clock.Clock, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:     cfg.withDefaults(),
		learner: learner,
		clk:     clk,
		logger:  logger.Named("offset"),
	}
}

// CalculateOffset computes the reactive offset for one snapshot.
//
// The raw signal is ACInternalTemp minus RoomTemp. When the seasonal
// learner has a hysteresis picture for the current outdoor conditions and
// the raw signal sits inside half the learned band, the discrepancy is
// normal compressor cycling rather than sensor bias, so it is damped in
// proportion to how much the seasonal data is trusted. The result is then
// rate-limited against the previous calculation and clamped to MaxOffset.
func (e *Engine) CalculateOffset(in Input) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	raw := in.ACInternalTemp - in.RoomTemp
	offset := raw
	reason := "sensor discrepancy"

	var contribution float64
	if e.learner != nil {
		if delta := e.learner.RelevantHysteresisDelta(in.OutdoorTemp); delta != nil {
			contribution = e.learner.SeasonalContribution()
			if half := *delta / 2; math.Abs(raw) <= half && half > 0 {
				offset = raw * (1 - 0.5*contribution)
				reason = "damped inside learned hysteresis band"
			}
		}
	}

	clamped := false
	if e.hasLast && e.cfg.MaxChangePerCycle > 0 {
		if diff := offset - e.lastOffset; math.Abs(diff) > e.cfg.MaxChangePerCycle {
			offset = e.lastOffset + math.Copysign(e.cfg.MaxChangePerCycle, diff)
			clamped = true
		}
	}
	if math.Abs(offset) > e.cfg.MaxOffset {
		offset = math.Copysign(e.cfg.MaxOffset, offset)
		clamped = true
	}

	e.lastOffset = offset
	e.hasLast = true

	confidence := e.confidenceLocked(contribution)
	e.logger.Debug("Calculated reactive offset",
		zap.Float64("raw", raw),
		zap.Float64("offset", offset),
		zap.Bool("clamped", clamped),
		zap.Float64("confidence", confidence),
		zap.String("reason", reason))

	return Result{Offset: offset, Clamped: clamped, Reason: reason, Confidence: confidence}
}

// RecordAdjustmentSource notes who initiated the adjustment that was just
// dispatched, so a wrapped-entity state change shortly after is not
// mistaken for user interference.
func (e *Engine) RecordAdjustmentSource(source Source) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSource = source
	e.lastSourceAt = e.clk.Now()
	e.hasSource = true
}

// RecentAdjustment reports the last recorded source if it happened within
// window of now.
func (e *Engine) RecentAdjustment(window time.Duration, now time.Time) (Source, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasSource || now.Sub(e.lastSourceAt) > window {
		return "", false
	}
	return e.lastSource, true
}

// RecordFeedback closes the learning loop with the offset that would have
// been ideal versus the one that was predicted.
func (e *Engine) RecordFeedback(idealOffset, predictedOffset float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := idealOffset - predictedOffset
	if e.samples == 0 {
		e.errEWMA = err
	} else {
		e.errEWMA = feedbackAlpha*err + (1-feedbackAlpha)*e.errEWMA
	}
	e.samples++

	e.logger.Debug("Recorded offset feedback",
		zap.Float64("ideal", idealOffset),
		zap.Float64("predicted", predictedOffset),
		zap.Float64("error_ewma", e.errEWMA),
		zap.Int("samples", e.samples))
}

// FeedbackStats returns the running error EWMA and sample count.
func (e *Engine) FeedbackStats() (float64, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errEWMA, e.samples
}

// LastOffset returns the most recently calculated offset.
func (e *Engine) LastOffset() (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastOffset, e.hasLast
}

// Snapshot returns the API view.
func (e *Engine) Snapshot() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		LastOffset:       e.lastOffset,
		LastSource:       string(e.lastSource),
		FeedbackSamples:  e.samples,
		AvgFeedbackError: e.errEWMA,
	}
}

// confidenceLocked grows with feedback volume and the seasonal picture.
// 20 feedback samples saturate the sample term.
func (e *Engine) confidenceLocked(contribution float64) float64 {
	sampleScore := math.Min(1, float64(e.samples)/20)
	return sampleScore*0.7 + contribution*0.3
}
