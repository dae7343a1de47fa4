// Package override holds a per-controller manual temperature override with a
// fixed lifetime, e.g. "+1.5°C for the next two hours".
package override

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"smartclimate/internal/clock"
)

// ManualOverride is the user-armed offset and its lifetime.
type ManualOverride struct {
	Offset    float64       `json:"offset"`
	Duration  time.Duration `json:"duration"`
	StartTime time.Time     `json:"start_time"`
	Active    bool          `json:"active"`
}

func (o ManualOverride) expiresAt() time.Time {
	return o.StartTime.Add(o.Duration)
}

// Manager arms, reports and expires the override. Reads never mutate:
// expiry happens only in ExpireIfPast, which the controller calls once per
// tick before reading.
type Manager struct {
	mu       sync.Mutex
	clk      clock.Clock
	logger   *zap.Logger
	override *ManualOverride
}

func NewManager(clk clock.Clock, logger *zap.Logger) *Manager {
	return &Manager{
		clk:    clk,
		logger: logger.Named("override"),
	}
}

// SetOverride arms a new override starting now, replacing any existing one.
func (m *Manager) SetOverride(offset float64, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.override = &ManualOverride{
		Offset:    offset,
		Duration:  duration,
		StartTime: m.clk.Now(),
		Active:    true,
	}
	m.logger.Info("Manual override armed",
		zap.Float64("offset", offset),
		zap.Duration("duration", duration))
}

// ClearOverride drops the override immediately.
func (m *Manager) ClearOverride() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.override == nil {
		return
	}
	m.logger.Info("Manual override cleared",
		zap.Float64("offset", m.override.Offset))
	m.override = nil
}

// ExpireIfPast retires the override once its lifetime has elapsed.
func (m *Manager) ExpireIfPast(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.override == nil || now.Before(m.override.expiresAt()) {
		return
	}
	m.logger.Info("Manual override expired",
		zap.Float64("offset", m.override.Offset),
		zap.Duration("duration", m.override.Duration))
	m.override = nil
}

// ActiveOffset returns the override offset, 0.0 when none is armed or the
// armed one has run out but not been swept yet. Pure read.
func (m *Manager) ActiveOffset() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.liveLocked() {
		return 0
	}
	return m.override.Offset
}

// Info returns a copy of the armed override, nil when none is live.
func (m *Manager) Info() *ManualOverride {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.liveLocked() {
		return nil
	}
	cp := *m.override
	return &cp
}

// Remaining reports how much lifetime is left at now, zero when none.
func (m *Manager) Remaining(now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.liveLocked() {
		return 0
	}
	left := m.override.expiresAt().Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

func (m *Manager) liveLocked() bool {
	return m.override != nil && m.clk.Now().Before(m.override.expiresAt())
}
