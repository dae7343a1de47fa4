// Package thermal learns a building's passive thermal behavior: an
// exponential-decay model fitted to natural drift segments (AC off,
// temperature coasting toward ambient), a stability detector that finds
// those segments, and a per-entity state machine that drives the
// passive-learning cycle.
package thermal

import (
	"math"
)

// Fitting bounds and limits for drift analysis.
const (
	minDriftPoints = 10

	tempBoundLow  = -20.0
	tempBoundHigh = 40.0
	tauBoundLow   = 300.0   // 5 minutes
	tauBoundHigh  = 86400.0 // 24 hours

	maxFitIterations = 1000
)

// Sample is one observed (unix timestamp, temperature) pair.
type Sample struct {
	TS   float64
	Temp float64
}

// ProbeResult is the outcome of fitting a drift segment.
type ProbeResult struct {
	// TauValue is the fitted thermal time constant in seconds.
	TauValue float64 `json:"tau_value"`
	// Confidence in [0,1], derived from the fit covariance; passive
	// measurements are trusted half as much as active probes.
	Confidence float64 `json:"confidence"`
	// Duration of the analyzed segment in seconds.
	Duration int `json:"duration"`
	// FitQuality is the coefficient of determination in [0,1].
	FitQuality float64 `json:"fit_quality"`
	// Aborted is false for every completed fit; it exists for the wider
	// probe lifecycle where an active probe can be cancelled mid-flight.
	Aborted bool `json:"aborted"`
	// OutdoorTemp annotates the result with the outdoor temperature at
	// analysis time, when known.
	OutdoorTemp *float64 `json:"outdoor_temp,omitempty"`
}

// ExponentialDecay models temperature drift toward ambient:
// T(t) = T_final + (T_initial - T_final) * exp(-t/tau).
func ExponentialDecay(t, tFinal, tInitial, tau float64) float64 {
	return tFinal + (tInitial-tFinal)*math.Exp(-t/tau)
}

// AnalyzeDriftData fits the exponential-decay model to an ordered drift
// segment and scores the result. Returns nil when the segment is unusable:
// fewer than 10 points, non-finite values, a degenerate time span, or a fit
// that does not converge. Callers treat nil as "no signal", not an error.
func AnalyzeDriftData(points []Sample, passive bool, outdoorTemp *float64) *ProbeResult {
	if len(points) < minDriftPoints {
		return nil
	}
	for _, p := range points {
		if !isFinite(p.TS) || !isFinite(p.Temp) {
			return nil
		}
	}

	duration := points[len(points)-1].TS - points[0].TS
	if duration <= 0 {
		return nil
	}

	// Normalize the time axis to start at zero.
	ts := make([]float64, len(points))
	temps := make([]float64, len(points))
	for i, p := range points {
		ts[i] = p.TS - points[0].TS
		temps[i] = p.Temp
	}

	guess := decayParams{
		tFinal:   clamp(temps[len(temps)-1], tempBoundLow, tempBoundHigh),
		tInitial: clamp(temps[0], tempBoundLow, tempBoundHigh),
		tau:      clamp(duration/3, tauBoundLow, tauBoundHigh),
	}

	fit, ok := fitExponentialDecay(ts, temps, guess)
	if !ok {
		return nil
	}

	fitQuality := rSquared(ts, temps, fit.params)

	confidence := (1 - math.Min(1, fit.tauRelStdErr)) * fitQuality
	if passive {
		confidence *= 0.5
	}
	confidence = clamp(confidence, 0, 1)

	return &ProbeResult{
		TauValue:    fit.params.tau,
		Confidence:  confidence,
		Duration:    int(duration),
		FitQuality:  fitQuality,
		Aborted:     false,
		OutdoorTemp: outdoorTemp,
	}
}

// rSquared computes the coefficient of determination of the fitted curve
// against the observations, clamped to [0,1].
func rSquared(ts, temps []float64, p decayParams) float64 {
	mean := 0.0
	for _, y := range temps {
		mean += y
	}
	mean /= float64(len(temps))

	ssRes := 0.0
	ssTot := 0.0
	for i, t := range ts {
		r := temps[i] - ExponentialDecay(t, p.tFinal, p.tInitial, p.tau)
		ssRes += r * r
		d := temps[i] - mean
		ssTot += d * d
	}

	if ssTot == 0 {
		if ssRes == 0 {
			return 1.0
		}
		return 0.0
	}
	return clamp(1-ssRes/ssTot, 0, 1)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp(v, low, high float64) float64 {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}
