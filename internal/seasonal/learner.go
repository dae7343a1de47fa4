// Package seasonal learns AC hysteresis cycles bucketed by outdoor
// temperature, so the offset engine can ask "what cycle delta is typical
// at this outdoor temperature" and degrade gracefully when the answer is
// thin.
package seasonal

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"smartclimate/internal/clock"

	"go.uber.org/zap"
)

const (
	retentionPeriod = 45 * 24 * time.Hour
	recencyWindow   = 30 * 24 * time.Hour

	narrowTolerance = 2.5
	wideTolerance   = 5.0
	minMatches      = 3
)

// LearnedPattern is one observed AC cooling-cycle hysteresis sample.
type LearnedPattern struct {
	Timestamp   float64 `json:"timestamp"`
	StartTemp   float64 `json:"start_temp"`
	StopTemp    float64 `json:"stop_temp"`
	OutdoorTemp float64 `json:"outdoor_temp"`
}

// HysteresisDelta is the temperature drop achieved during the cycle.
func (p LearnedPattern) HysteresisDelta() float64 {
	return p.StartTemp - p.StopTemp
}

func (p LearnedPattern) valid() bool {
	return isFinite(p.Timestamp) && isFinite(p.StartTemp) &&
		isFinite(p.StopTemp) && isFinite(p.OutdoorTemp)
}

// OutdoorTempSource reads the current outdoor temperature, nil when the
// sensor is unavailable.
type OutdoorTempSource func() *float64

// PatternStore persists the learned pattern list.
type PatternStore interface {
	LoadPatterns(ctx context.Context) ([]LearnedPattern, error)
	ReplacePatterns(ctx context.Context, patterns []LearnedPattern) error
}

// Learner is the outdoor-temperature-bucketed hysteresis pattern store.
type Learner struct {
	mu       sync.Mutex
	outdoor  OutdoorTempSource
	store    PatternStore
	clk      clock.Clock
	logger   *zap.Logger
	patterns []LearnedPattern
}

// NewLearner creates a learner. store may be nil (learning then lives only
// in memory) and outdoor may be nil (learning is then effectively disabled).
func NewLearner(outdoor OutdoorTempSource, store PatternStore, clk clock.Clock, logger *zap.Logger) *Learner {
	return &Learner{
		outdoor: outdoor,
		store:   store,
		clk:     clk,
		logger:  logger.Named("seasonal"),
	}
}

// LearnNewCycle records one completed AC cycle. Without a live outdoor
// temperature the observation is discarded: outdoor context is the whole
// point of this learner.
func (l *Learner) LearnNewCycle(startTemp, stopTemp float64) {
	outdoor := l.readOutdoor()
	if outdoor == nil {
		l.logger.Debug("Discarding cycle, outdoor temperature unavailable",
			zap.Float64("start_temp", startTemp),
			zap.Float64("stop_temp", stopTemp))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	l.patterns = append(l.patterns, LearnedPattern{
		Timestamp:   float64(now.Unix()),
		StartTemp:   startTemp,
		StopTemp:    stopTemp,
		OutdoorTemp: *outdoor,
	})
	l.pruneLocked(now)

	l.logger.Debug("Learned hysteresis cycle",
		zap.Float64("delta", startTemp-stopTemp),
		zap.Float64("outdoor_temp", *outdoor),
		zap.Int("patterns", len(l.patterns)))
}

// RelevantHysteresisDelta answers "what hysteresis delta is typical at this
// outdoor temperature". Matching widens in two steps before falling back to
// every stored pattern; the result is the median of the matched deltas so a
// single interrupted cycle cannot skew it. Returns nil when the outdoor
// temperature cannot be resolved or nothing has been learned.
func (l *Learner) RelevantHysteresisDelta(currentOutdoor *float64) *float64 {
	target := currentOutdoor
	if target == nil {
		target = l.readOutdoor()
	}
	if target == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.patterns) == 0 {
		return nil
	}

	matched := l.matchLocked(*target, narrowTolerance)
	if len(matched) < minMatches {
		matched = l.matchLocked(*target, wideTolerance)
	}
	if len(matched) < minMatches {
		matched = l.patterns
	}

	deltas := make([]float64, len(matched))
	for i, p := range matched {
		deltas[i] = p.HysteresisDelta()
	}
	m := median(deltas)
	return &m
}

func (l *Learner) matchLocked(target, tolerance float64) []LearnedPattern {
	var matched []LearnedPattern
	for _, p := range l.patterns {
		if math.Abs(p.OutdoorTemp-target) <= tolerance {
			matched = append(matched, p)
		}
	}
	return matched
}

// Load replaces the in-memory patterns with the persisted ones, skipping
// malformed entries individually and pruning expired ones.
func (l *Learner) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	loaded, err := l.store.LoadPatterns(ctx)
	if err != nil {
		return fmt.Errorf("failed to load hysteresis patterns: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.patterns = l.patterns[:0]
	skipped := 0
	for _, p := range loaded {
		if !p.valid() {
			skipped++
			continue
		}
		l.patterns = append(l.patterns, p)
	}
	if skipped > 0 {
		l.logger.Warn("Skipped malformed persisted patterns", zap.Int("skipped", skipped))
	}
	l.pruneLocked(l.clk.Now())

	l.logger.Info("Loaded hysteresis patterns", zap.Int("patterns", len(l.patterns)))
	return nil
}

// Save persists the current pattern list.
func (l *Learner) Save(ctx context.Context) error {
	if l.store == nil {
		return nil
	}

	l.mu.Lock()
	snapshot := make([]LearnedPattern, len(l.patterns))
	copy(snapshot, l.patterns)
	l.mu.Unlock()

	if err := l.store.ReplacePatterns(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to save hysteresis patterns: %w", err)
	}
	return nil
}

func (l *Learner) pruneLocked(now time.Time) {
	cutoff := float64(now.Add(-retentionPeriod).Unix())
	kept := l.patterns[:0]
	for _, p := range l.patterns {
		if p.Timestamp >= cutoff {
			kept = append(kept, p)
		}
	}
	if dropped := len(l.patterns) - len(kept); dropped > 0 {
		l.logger.Debug("Pruned expired patterns", zap.Int("dropped", dropped))
	}
	l.patterns = kept
}

func (l *Learner) readOutdoor() *float64 {
	if l.outdoor == nil {
		return nil
	}
	return l.outdoor()
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
