package climate

import (
	"go.uber.org/zap"

	"smartclimate/internal/thermal"
)

// driftReleaseDelta keeps the setpoint far enough above the room that no
// cooling call is issued while the building drifts for learning.
const driftReleaseDelta = 3.0

// ResolveTargetTemperature arbitrates between explicit user intent and the
// thermal learner. Strict order, first match wins:
//
//  1. ForceOperation (boost): base plus the boost offset, thermal state
//     ignored entirely.
//  2. Drifting: room temperature plus 3.0, a deliberate "no cooling call"
//     target.
//  3. Standard: base plus the mode's offset adjustment.
//
// Pure function of its inputs; each branch logs the value it produced.
func ResolveTargetTemperature(baseTarget, roomTemp float64, state thermal.State, adj ModeAdjustments, logger *zap.Logger) float64 {
	if adj.ForceOperation {
		target := baseTarget + adj.BoostOffset
		logger.Info("Resolved target: mode override",
			zap.Float64("base", baseTarget),
			zap.Float64("boost_offset", adj.BoostOffset),
			zap.Float64("target", target),
			zap.String("thermal_state", state.String()))
		return target
	}
	if state == thermal.StateDrifting {
		target := roomTemp + driftReleaseDelta
		logger.Info("Resolved target: drift directive",
			zap.Float64("room_temp", roomTemp),
			zap.Float64("target", target))
		return target
	}
	target := baseTarget + adj.OffsetAdjustment
	logger.Debug("Resolved target: standard operation",
		zap.Float64("base", baseTarget),
		zap.Float64("offset_adjustment", adj.OffsetAdjustment),
		zap.Float64("target", target))
	return target
}
