package offset

import (
	"math"
	"time"

	"go.uber.org/zap"

	"smartclimate/internal/seasonal"
)

// QuietModeConfig defines the nightly window in which marginal setpoint
// changes are withheld to avoid audible compressor cycling.
type QuietModeConfig struct {
	Enabled bool
	// StartHour/EndHour bound the window in local time; the window may
	// cross midnight (22 to 7). Equal hours mean an empty window.
	StartHour int
	EndHour   int
	// MinDelta is the smallest setpoint change worth sending during quiet
	// hours.
	MinDelta float64
	// IdlePowerThreshold in watts; below it the compressor counts as idle.
	IdlePowerThreshold float64
}

func (c QuietModeConfig) withDefaults() QuietModeConfig {
	if c.MinDelta == 0 {
		c.MinDelta = 0.5
	}
	if c.IdlePowerThreshold == 0 {
		c.IdlePowerThreshold = 50
	}
	return c
}

// QuietModeController decides whether one specific adjustment should be
// suppressed. It never mutates anything; the controller simply drops the
// command when suppression is signaled.
type QuietModeController struct {
	cfg    QuietModeConfig
	logger *zap.Logger
}

func NewQuietModeController(cfg QuietModeConfig, logger *zap.Logger) *QuietModeController {
	return &QuietModeController{cfg: cfg.withDefaults(), logger: logger.Named("quiet")}
}

// ShouldSuppress reports whether sending proposedSetpoint now would cause
// undesirable compressor behavior. Outside quiet hours it never suppresses.
// Inside quiet hours it suppresses changes below MinDelta, and changes that
// would wake an idle compressor while staying inside the learned hysteresis
// band (the unit would start a cycle it was going to skip).
func (q *QuietModeController) ShouldSuppress(currentSetpoint, proposedSetpoint *float64, hvacMode string, power *float64, learner *seasonal.Learner, now time.Time) (bool, string) {
	if !q.cfg.Enabled || !q.inQuietHours(now) {
		return false, ""
	}
	if hvacMode == "off" || hvacMode == "fan_only" {
		return false, ""
	}
	if currentSetpoint == nil || proposedSetpoint == nil {
		return false, ""
	}

	delta := math.Abs(*proposedSetpoint - *currentSetpoint)
	if delta < q.cfg.MinDelta {
		q.logger.Debug("Suppressing sub-threshold change in quiet hours",
			zap.Float64("delta", delta),
			zap.Float64("min_delta", q.cfg.MinDelta))
		return true, "change below minimum meaningful delta"
	}

	if power != nil && *power < q.cfg.IdlePowerThreshold && learner != nil {
		if band := learner.RelevantHysteresisDelta(nil); band != nil && delta <= *band {
			q.logger.Debug("Suppressing change that would wake idle compressor",
				zap.Float64("delta", delta),
				zap.Float64("hysteresis_band", *band),
				zap.Float64("power", *power))
			return true, "would wake idle compressor inside hysteresis band"
		}
	}

	return false, ""
}

func (q *QuietModeController) inQuietHours(now time.Time) bool {
	h := now.Hour()
	start, end := q.cfg.StartHour, q.cfg.EndHour
	if start == end {
		return false
	}
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}
