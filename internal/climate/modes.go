package climate

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"smartclimate/internal/clock"
)

// PresetMode is a user-selectable operating profile.
type PresetMode string

const (
	PresetNone  PresetMode = "none"
	PresetAway  PresetMode = "away"
	PresetSleep PresetMode = "sleep"
	PresetBoost PresetMode = "boost"
)

func ParsePresetMode(s string) (PresetMode, error) {
	switch PresetMode(s) {
	case PresetNone, PresetAway, PresetSleep, PresetBoost:
		return PresetMode(s), nil
	}
	return "", fmt.Errorf("unknown preset mode %q", s)
}

// ModeAdjustments is what a preset does to the control pipeline.
type ModeAdjustments struct {
	// TemperatureOverride replaces the user target entirely (away mode
	// pins a fixed setpoint).
	TemperatureOverride *float64
	// OffsetAdjustment shifts the target at the standard resolver tier.
	OffsetAdjustment float64
	// UpdateIntervalOverride slows or speeds the controller tick.
	UpdateIntervalOverride *time.Duration
	// BoostOffset applies when ForceOperation is set.
	BoostOffset float64
	// ForceOperation makes the resolver ignore thermal-state directives.
	ForceOperation bool
}

// DefaultModeTable is used when the config file does not customize presets.
func DefaultModeTable() map[PresetMode]ModeAdjustments {
	away := 28.0
	sleepInterval := 10 * time.Minute
	return map[PresetMode]ModeAdjustments{
		PresetNone: {},
		PresetAway: {TemperatureOverride: &away},
		PresetSleep: {
			OffsetAdjustment:       1.0,
			UpdateIntervalOverride: &sleepInterval,
		},
		PresetBoost: {
			BoostOffset:    -2.0,
			ForceOperation: true,
		},
	}
}

// ModeManager tracks the active preset and reports its adjustments. Mode
// changes are announced to the forecast engine so recent user intent can
// suppress smart-wake behavior.
type ModeManager struct {
	mu       sync.Mutex
	current  PresetMode
	table    map[PresetMode]ModeAdjustments
	onChange func(now time.Time)
	clk      clock.Clock
	logger   *zap.Logger
}

// NewModeManager starts in PresetNone. onChange may be nil.
func NewModeManager(table map[PresetMode]ModeAdjustments, onChange func(time.Time), clk clock.Clock, logger *zap.Logger) *ModeManager {
	if table == nil {
		table = DefaultModeTable()
	}
	return &ModeManager{
		current:  PresetNone,
		table:    table,
		onChange: onChange,
		clk:      clk,
		logger:   logger.Named("modes"),
	}
}

// SetPreset switches the active profile. Unknown presets are rejected.
func (m *ModeManager) SetPreset(p PresetMode) error {
	if _, err := ParsePresetMode(string(p)); err != nil {
		return err
	}

	m.mu.Lock()
	prev := m.current
	m.current = p
	onChange := m.onChange
	m.mu.Unlock()

	if prev == p {
		return nil
	}
	m.logger.Info("Preset mode changed",
		zap.String("from", string(prev)),
		zap.String("to", string(p)))
	if onChange != nil {
		onChange(m.clk.Now())
	}
	return nil
}

func (m *ModeManager) Current() PresetMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CurrentAdjustments returns the adjustments for the active preset. A
// preset missing from the table behaves like PresetNone.
func (m *ModeManager) CurrentAdjustments() ModeAdjustments {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table[m.current]
}
