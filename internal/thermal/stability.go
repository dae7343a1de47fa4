package thermal

import (
	"sync"
	"time"

	"smartclimate/internal/clock"

	"go.uber.org/zap"
)

// History and detection defaults.
const (
	shortHistoryCap = 20
	longHistoryCap  = 240 // ~4 hours at one-minute cadence

	driftWindow = 10 * time.Minute

	DefaultIdleThreshold  = 30 * time.Minute
	DefaultDriftThreshold = 0.3 // °C swing within driftWindow

	minEventSamples        = 10
	primingMinEventSamples = 6

	DefaultMinEventDuration        = 15 * time.Minute
	DefaultPrimingMinEventDuration = 5 * time.Minute
)

// DetectorConfig tunes the stability thresholds. Zero values fall back to
// the defaults above.
type DetectorConfig struct {
	IdleThreshold           time.Duration
	DriftThreshold          float64
	MinEventDuration        time.Duration
	PrimingMinEventDuration time.Duration
}

func (c DetectorConfig) withDefaults() DetectorConfig {
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = DefaultIdleThreshold
	}
	if c.DriftThreshold <= 0 {
		c.DriftThreshold = DefaultDriftThreshold
	}
	if c.MinEventDuration <= 0 {
		c.MinEventDuration = DefaultMinEventDuration
	}
	if c.PrimingMinEventDuration <= 0 {
		c.PrimingMinEventDuration = DefaultPrimingMinEventDuration
	}
	return c
}

// reading is one long-history entry used for drift-event mining.
type reading struct {
	ts   float64
	temp float64
	hvac string
}

// StabilityDetector tracks the AC's discrete state and room temperature to
// answer two questions: is the system steady enough for opportunistic
// calibration, and did a natural drift event (active -> off, temperature
// coasting) just complete that is worth fitting.
type StabilityDetector struct {
	mu     sync.Mutex
	clk    clock.Clock
	logger *zap.Logger
	cfg    DetectorConfig

	lastACState    string
	lastTransition time.Time
	seenUpdate     bool

	short []Sample
	long  []reading

	// analyzedWatermark is the transition timestamp of the last drift
	// event handed out, so the same event is never analyzed twice.
	analyzedWatermark float64
}

// NewStabilityDetector creates a detector with the given thresholds.
func NewStabilityDetector(cfg DetectorConfig, clk clock.Clock, logger *zap.Logger) *StabilityDetector {
	return &StabilityDetector{
		cfg:    cfg.withDefaults(),
		clk:    clk,
		logger: logger.Named("stability"),
	}
}

// Update records the current AC state and room temperature in the short
// history, tracking state-transition times.
func (d *StabilityDetector) Update(acState string, roomTemp float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clk.Now()

	if !d.seenUpdate || acState != d.lastACState {
		d.lastTransition = now
		d.seenUpdate = true
		if d.lastACState != acState {
			d.logger.Debug("AC state transition",
				zap.String("from", d.lastACState),
				zap.String("to", acState))
		}
		d.lastACState = acState
	}

	d.short = append(d.short, Sample{TS: unixSeconds(now), Temp: roomTemp})
	if len(d.short) > shortHistoryCap {
		d.short = d.short[len(d.short)-shortHistoryCap:]
	}
}

// IsStableForCalibration reports whether the AC has been idle long enough
// and the temperature flat enough for an opportunistic calibration.
func (d *StabilityDetector) IsStableForCalibration() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.short) == 0 {
		return false
	}
	if d.idleDurationLocked() < d.cfg.IdleThreshold {
		return false
	}
	return d.temperatureDriftLocked() < d.cfg.DriftThreshold
}

// IdleDuration returns how long the AC has been continuously idle/off,
// zero when it is active.
func (d *StabilityDetector) IdleDuration() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.idleDurationLocked()
}

func (d *StabilityDetector) idleDurationLocked() time.Duration {
	if !d.seenUpdate || !isIdleState(d.lastACState) {
		return 0
	}
	return d.clk.Since(d.lastTransition)
}

// TemperatureDrift returns the max-minus-min swing over the last ten
// minutes of short-history samples.
func (d *StabilityDetector) TemperatureDrift() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.temperatureDriftLocked()
}

func (d *StabilityDetector) temperatureDriftLocked() float64 {
	if len(d.short) < 2 {
		return 0
	}

	cutoff := unixSeconds(d.clk.Now().Add(-driftWindow))
	window := make([]Sample, 0, len(d.short))
	for _, s := range d.short {
		if s.TS >= cutoff {
			window = append(window, s)
		}
	}
	if len(window) < 2 {
		window = d.short
	}

	minT, maxT := window[0].Temp, window[0].Temp
	for _, s := range window[1:] {
		if s.Temp < minT {
			minT = s.Temp
		}
		if s.Temp > maxT {
			maxT = s.Temp
		}
	}
	return maxT - minT
}

// AddReading appends to the long history used for drift-event mining.
// This buffer is independent of Update's short history.
func (d *StabilityDetector) AddReading(ts time.Time, temp float64, hvacState string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.long = append(d.long, reading{ts: unixSeconds(ts), temp: temp, hvac: hvacState})
	if len(d.long) > longHistoryCap {
		d.long = d.long[len(d.long)-longHistoryCap:]
	}
}

// FindNaturalDriftEvent returns the most recent completed active->off drift
// run that has not been analyzed yet, or nil. A returned event is
// watermarked so subsequent calls skip it.
func (d *StabilityDetector) FindNaturalDriftEvent() []Sample {
	return d.findDriftEvent(minEventSamples, d.cfg.MinEventDuration)
}

// FindNaturalDriftEventPriming is the relaxed variant used during the
// priming phase: fewer samples and a shorter minimum duration, trading
// rigor for faster feedback early in learning.
func (d *StabilityDetector) FindNaturalDriftEventPriming() []Sample {
	return d.findDriftEvent(primingMinEventSamples, d.cfg.PrimingMinEventDuration)
}

func (d *StabilityDetector) findDriftEvent(minSamples int, minDuration time.Duration) []Sample {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.long) < minSamples {
		return nil
	}

	// Most recent active -> idle/off transition newer than the watermark.
	transition := -1
	for i := len(d.long) - 1; i >= 1; i-- {
		if isIdleState(d.long[i].hvac) && isActiveState(d.long[i-1].hvac) {
			transition = i
			break
		}
	}
	if transition == -1 {
		return nil
	}
	if d.long[transition].ts <= d.analyzedWatermark {
		return nil
	}

	// Extent of the idle run following the transition.
	end := transition
	for end < len(d.long) && isIdleState(d.long[end].hvac) {
		end++
	}

	run := d.long[transition:end]
	if len(run) < minSamples {
		return nil
	}
	span := run[len(run)-1].ts - run[0].ts
	if span < minDuration.Seconds() {
		return nil
	}

	d.analyzedWatermark = d.long[transition].ts
	d.logger.Info("Natural drift event found",
		zap.Int("samples", len(run)),
		zap.Float64("span_seconds", span))

	event := make([]Sample, len(run))
	for i, r := range run {
		event[i] = Sample{TS: r.ts, Temp: r.temp}
	}
	return event
}

func isIdleState(state string) bool {
	return state == "off" || state == "idle"
}

func isActiveState(state string) bool {
	return state == "cooling" || state == "heating"
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
