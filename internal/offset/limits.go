package offset

import "math"

// Limits clamps resolved target temperatures to the device's safe range and
// optionally paces how fast the setpoint may move per cycle.
type Limits struct {
	MinTemp float64
	MaxTemp float64
	// MaxStepPerCycle limits the setpoint move relative to the current
	// setpoint. Zero disables pacing.
	MaxStepPerCycle float64
}

// Apply paces proposed against current, then clamps to [MinTemp, MaxTemp].
// The bool reports whether either policy altered the proposal.
func (l Limits) Apply(proposed, current float64) (float64, bool) {
	out := proposed
	if l.MaxStepPerCycle > 0 {
		if diff := out - current; math.Abs(diff) > l.MaxStepPerCycle {
			out = current + math.Copysign(l.MaxStepPerCycle, diff)
		}
	}
	if l.MaxTemp > l.MinTemp {
		if out < l.MinTemp {
			out = l.MinTemp
		} else if out > l.MaxTemp {
			out = l.MaxTemp
		}
	}
	return out, out != proposed
}
