package thermal

import (
	"sync"
	"time"

	"smartclimate/internal/clock"

	"go.uber.org/zap"
)

// State is the thermal learning phase of one wrapped climate entity.
type State int

const (
	// StatePriming is the initial observation phase after setup.
	StatePriming State = iota
	// StateDrifting lets the room coast so natural decay can be observed.
	StateDrifting
	// StateCorrecting is normal operation with learned offsets applied.
	StateCorrecting
	// StateRecovery follows a user intervention or HVAC mode change.
	StateRecovery
	// StateProbing is an active, commanded measurement cycle.
	StateProbing
	// StateCalibrating is opportunistic calibration while the room is stable.
	StateCalibrating
)

func (s State) String() string {
	switch s {
	case StatePriming:
		return "priming"
	case StateDrifting:
		return "drifting"
	case StateCorrecting:
		return "correcting"
	case StateRecovery:
		return "recovery"
	case StateProbing:
		return "probing"
	case StateCalibrating:
		return "calibrating"
	default:
		return "unknown"
	}
}

const (
	primingProbeTarget = 2
	recoveryDuration   = 30 * time.Minute

	// Exponential smoothing factor for folding new probes into the
	// learned time constant.
	tauSmoothing = 0.3
)

// ProbeStore persists completed probe analyses across restarts.
type ProbeStore interface {
	SaveProbeResult(entityID string, result *ProbeResult) error
	LoadProbeHistory(entityID string, limit int) ([]ProbeResult, error)
}

// Status is a read-only snapshot of a Manager for the status API.
type Status struct {
	EntityID   string       `json:"entity_id"`
	State      string       `json:"state"`
	Tau        float64      `json:"tau"`
	Confidence float64      `json:"confidence"`
	ProbeCount int          `json:"probe_count"`
	LastProbe  *ProbeResult `json:"last_probe,omitempty"`
}

// Manager runs the passive thermal-learning loop for one wrapped climate
// entity: it feeds the stability detector, mines completed drift events,
// fits them, and maintains the learned time constant and phase.
type Manager struct {
	mu       sync.Mutex
	entityID string
	detector *StabilityDetector
	store    ProbeStore
	outdoor  func() *float64
	clk      clock.Clock
	logger   *zap.Logger

	state         State
	tau           float64
	tauConfidence float64
	probeCount    int
	lastProbe     *ProbeResult

	recoveryUntil time.Time
	driftUntil    time.Time
}

// NewManager creates a thermal manager for one entity. store and outdoor
// may be nil; learning then runs unpersisted and without outdoor context.
func NewManager(entityID string, detector *StabilityDetector, store ProbeStore, outdoor func() *float64, clk clock.Clock, logger *zap.Logger) *Manager {
	return &Manager{
		entityID: entityID,
		detector: detector,
		store:    store,
		outdoor:  outdoor,
		clk:      clk,
		logger:   logger.Named("thermal").With(zap.String("entity_id", entityID)),
		state:    StatePriming,
	}
}

// RestoreFromStore rebuilds the learned time constant from persisted probe
// history. Safe to call when no store is configured.
func (m *Manager) RestoreFromStore() error {
	if m.store == nil {
		return nil
	}
	history, err := m.store.LoadProbeHistory(m.entityID, 10)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return nil
	}

	var tauSum, confSum float64
	for _, p := range history {
		w := p.Confidence
		if w <= 0 {
			w = 0.01
		}
		tauSum += p.TauValue * w
		confSum += w
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tau = tauSum / confSum
	m.tauConfidence = confSum / float64(len(history))
	m.probeCount = len(history)
	if m.probeCount >= primingProbeTarget {
		m.setStateLocked(StateCorrecting, "restored from persisted probes")
	}
	m.logger.Info("Restored thermal model",
		zap.Float64("tau", m.tau),
		zap.Float64("confidence", m.tauConfidence),
		zap.Int("probes", m.probeCount))
	return nil
}

// ProcessReading ingests one room-temperature sample with the HVAC action
// reported alongside it, advances the phase machine, and returns the probe
// result if a drift event was absorbed on this call.
func (m *Manager) ProcessReading(roomTemp float64, hvacAction string) *ProbeResult {
	now := m.clk.Now()

	m.detector.Update(hvacAction, roomTemp)
	m.detector.AddReading(now, roomTemp, hvacAction)

	m.mu.Lock()
	defer m.mu.Unlock()

	var event []Sample
	if m.state == StatePriming {
		event = m.detector.FindNaturalDriftEventPriming()
	} else {
		event = m.detector.FindNaturalDriftEvent()
	}

	var absorbed *ProbeResult
	if event != nil {
		var outdoorTemp *float64
		if m.outdoor != nil {
			outdoorTemp = m.outdoor()
		}
		passive := m.state != StateProbing
		if result := AnalyzeDriftData(event, passive, outdoorTemp); result != nil {
			m.absorbProbeLocked(result)
			absorbed = result
		} else {
			m.logger.Debug("Drift event did not produce a usable fit",
				zap.Int("samples", len(event)))
		}
	}

	m.advanceLocked(now, hvacAction)
	return absorbed
}

func (m *Manager) absorbProbeLocked(result *ProbeResult) {
	if m.probeCount == 0 {
		m.tau = result.TauValue
		m.tauConfidence = result.Confidence
	} else {
		m.tau = (1-tauSmoothing)*m.tau + tauSmoothing*result.TauValue
		m.tauConfidence = (1-tauSmoothing)*m.tauConfidence + tauSmoothing*result.Confidence
	}
	m.probeCount++
	m.lastProbe = result

	m.logger.Info("Absorbed thermal probe",
		zap.Float64("probe_tau", result.TauValue),
		zap.Float64("probe_confidence", result.Confidence),
		zap.Float64("learned_tau", m.tau),
		zap.Int("probe_count", m.probeCount))

	if m.store != nil {
		if err := m.store.SaveProbeResult(m.entityID, result); err != nil {
			m.logger.Warn("Failed to persist probe result", zap.Error(err))
		}
	}
}

func (m *Manager) advanceLocked(now time.Time, hvacAction string) {
	switch m.state {
	case StatePriming:
		if m.probeCount >= primingProbeTarget {
			m.setStateLocked(StateCorrecting, "priming complete")
		}
	case StateRecovery:
		if !now.Before(m.recoveryUntil) {
			m.setStateLocked(StateCorrecting, "recovery window elapsed")
		}
	case StateDrifting:
		if isActiveState(hvacAction) {
			m.setStateLocked(StateCorrecting, "drift interrupted by HVAC activity")
		} else if !now.Before(m.driftUntil) {
			m.setStateLocked(StateCorrecting, "drift window elapsed")
		}
	case StateCorrecting:
		if m.detector.IsStableForCalibration() {
			m.setStateLocked(StateCalibrating, "room stable while idle")
		}
	case StateCalibrating:
		if !m.detector.IsStableForCalibration() {
			m.setStateLocked(StateCorrecting, "stability lost")
		}
	}
}

// NotifyIntervention moves the entity into recovery after a manual setpoint
// change or HVAC mode change, pausing drift and calibration phases.
func (m *Manager) NotifyIntervention(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StatePriming {
		return
	}
	m.recoveryUntil = m.clk.Now().Add(recoveryDuration)
	m.setStateLocked(StateRecovery, reason)
}

// RequestDrift asks for a commanded drift window of the given length.
// Granted only from the correcting or calibrating phases.
func (m *Manager) RequestDrift(d time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateCorrecting && m.state != StateCalibrating {
		return false
	}
	m.driftUntil = m.clk.Now().Add(d)
	m.setStateLocked(StateDrifting, "drift requested")
	return true
}

func (m *Manager) setStateLocked(s State, reason string) {
	if m.state == s {
		return
	}
	m.logger.Info("Thermal state transition",
		zap.String("from", m.state.String()),
		zap.String("to", s.String()),
		zap.String("reason", reason))
	m.state = s
}

// CurrentState returns the current thermal phase.
func (m *Manager) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LearnedTau returns the smoothed time constant and its confidence.
// ok is false until at least one probe has been absorbed.
func (m *Manager) LearnedTau() (tau, confidence float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tau, m.tauConfidence, m.probeCount > 0
}

// Stability exposes the underlying detector, mainly for the status API.
func (m *Manager) Stability() *StabilityDetector {
	return m.detector
}

// Snapshot returns the manager's current status for reporting.
func (m *Manager) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		EntityID:   m.entityID,
		State:      m.state.String(),
		Tau:        m.tau,
		Confidence: m.tauConfidence,
		ProbeCount: m.probeCount,
		LastProbe:  m.lastProbe,
	}
}
