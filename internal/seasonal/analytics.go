package seasonal

import (
	"fmt"
	"math"
)

// Analytics is the dashboard view of the learner. Everything here degrades
// to zero values rather than erroring: these numbers feed displays, not
// control decisions.
type Analytics struct {
	PatternCount  int     `json:"pattern_count"`
	Accuracy      float64 `json:"accuracy"`
	Contribution  float64 `json:"contribution"`
	OutdoorBucket *string `json:"outdoor_bucket,omitempty"`
}

// PatternCount returns how many patterns are currently stored.
func (l *Learner) PatternCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.patterns)
}

// OutdoorTempBucket returns the 5°C bucket the current outdoor temperature
// falls into, formatted "{low}-{high}°C", or nil when the sensor is
// unavailable. Floor semantics keep negative temperatures in the right
// bucket (-2.5 belongs to "-5-0°C", not "0-5°C").
func (l *Learner) OutdoorTempBucket() *string {
	outdoor := l.readOutdoor()
	if outdoor == nil {
		return nil
	}
	low := int(math.Floor(*outdoor/5) * 5)
	bucket := fmt.Sprintf("%d-%d°C", low, low+5)
	return &bucket
}

// SeasonalAccuracy scores how much the learned data can be trusted, 0-100.
// It combines pattern count (15 points each, capped at 100), outdoor
// range diversity (2 points per °C spanned, capped at 50) and recency
// (fraction of patterns from the last 30 days, scaled to 20), weighted
// 50/30/20 with each term normalized to a 0-100 scale.
func (l *Learner) SeasonalAccuracy() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.patterns)
	if n < 1 {
		return 0
	}
	if n == 1 {
		return 20
	}

	countScore := math.Min(100, 15*float64(n))

	minOut, maxOut := l.patterns[0].OutdoorTemp, l.patterns[0].OutdoorTemp
	for _, p := range l.patterns[1:] {
		if p.OutdoorTemp < minOut {
			minOut = p.OutdoorTemp
		}
		if p.OutdoorTemp > maxOut {
			maxOut = p.OutdoorTemp
		}
	}
	rangeScore := math.Min(50, 2*(maxOut-minOut))

	cutoff := float64(l.clk.Now().Add(-recencyWindow).Unix())
	recent := 0
	for _, p := range l.patterns {
		if p.Timestamp >= cutoff {
			recent++
		}
	}
	recencyScore := float64(recent) / float64(n) * 20

	accuracy := 0.5*countScore + 0.3*(rangeScore*2) + 0.2*(recencyScore*5)
	return math.Max(0, math.Min(100, accuracy))
}

// SeasonalContribution is the share of the offset decision the seasonal
// signal may claim, 0.0-1.0. Zero when nothing has been learned.
func (l *Learner) SeasonalContribution() float64 {
	return l.SeasonalAccuracy() / 100
}

// Snapshot bundles the analytics for the status API and telemetry.
func (l *Learner) Snapshot() Analytics {
	return Analytics{
		PatternCount:  l.PatternCount(),
		Accuracy:      l.SeasonalAccuracy(),
		Contribution:  l.SeasonalContribution(),
		OutdoorBucket: l.OutdoorTempBucket(),
	}
}
