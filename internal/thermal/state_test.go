package thermal

import (
	"errors"
	"sync"
	"testing"
	"time"

	"smartclimate/internal/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type savedProbe struct {
	entityID string
	result   *ProbeResult
}

type fakeProbeStore struct {
	mu      sync.Mutex
	history []ProbeResult
	saved   []savedProbe
	saveErr error
	loadErr error
}

func (s *fakeProbeStore) SaveProbeResult(entityID string, result *ProbeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, savedProbe{entityID: entityID, result: result})
	return nil
}

func (s *fakeProbeStore) LoadProbeHistory(entityID string, limit int) ([]ProbeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.history, nil
}

func newTestManager(t *testing.T, store ProbeStore) (*Manager, *clock.MockClock) {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2025, 7, 15, 9, 0, 0, 0, time.UTC))
	detector := NewStabilityDetector(DetectorConfig{}, clk, zap.NewNop())
	outdoor := func() *float64 { v := 31.0; return &v }
	return NewManager("climate.living_room", detector, store, outdoor, clk, zap.NewNop()), clk
}

// feedDriftCycle pushes a short cooling burst followed by an off coast
// through the manager, decaying from startTemp toward finalTemp with the
// given time constant. Returns how many probes were absorbed.
func feedDriftCycle(m *Manager, clk *clock.MockClock, startTemp, finalTemp float64) int {
	absorbed := 0
	for i := 0; i < 3; i++ {
		if m.ProcessReading(startTemp, "cooling") != nil {
			absorbed++
		}
		clk.Advance(30 * time.Second)
	}
	start := clk.Now()
	for i := 0; i < 14; i++ {
		elapsed := clk.Now().Sub(start).Seconds()
		temp := ExponentialDecay(elapsed, finalTemp, startTemp, 600)
		if m.ProcessReading(temp, "off") != nil {
			absorbed++
		}
		clk.Advance(30 * time.Second)
	}
	return absorbed
}

func TestManagerStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StatePriming, "priming"},
		{StateDrifting, "drifting"},
		{StateCorrecting, "correcting"},
		{StateRecovery, "recovery"},
		{StateProbing, "probing"},
		{StateCalibrating, "calibrating"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestManager_AbsorbsDriftEventsAndLeavesPriming(t *testing.T) {
	store := &fakeProbeStore{}
	m, clk := newTestManager(t, store)

	assert.Equal(t, StatePriming, m.CurrentState())
	_, _, ok := m.LearnedTau()
	assert.False(t, ok)

	absorbed := feedDriftCycle(m, clk, 26.0, 22.0)
	assert.Equal(t, 1, absorbed, "first coast should yield exactly one probe")
	assert.Equal(t, StatePriming, m.CurrentState(), "one probe is not enough to leave priming")

	absorbed = feedDriftCycle(m, clk, 25.5, 21.5)
	assert.Equal(t, 1, absorbed)
	assert.Equal(t, StateCorrecting, m.CurrentState())

	tau, confidence, ok := m.LearnedTau()
	require.True(t, ok)
	assert.InEpsilon(t, 600, tau, 0.15, "learned tau should be near the synthetic value")
	assert.Greater(t, confidence, 0.0)

	require.Len(t, store.saved, 2)
	assert.Equal(t, "climate.living_room", store.saved[0].entityID)
	require.NotNil(t, store.saved[0].result)
	assert.False(t, store.saved[0].result.Aborted)

	snap := m.Snapshot()
	assert.Equal(t, "climate.living_room", snap.EntityID)
	assert.Equal(t, "correcting", snap.State)
	assert.Equal(t, 2, snap.ProbeCount)
	require.NotNil(t, snap.LastProbe)
	require.NotNil(t, snap.LastProbe.OutdoorTemp)
	assert.Equal(t, 31.0, *snap.LastProbe.OutdoorTemp)
}

func TestManager_RecoveryWindow(t *testing.T) {
	m, clk := newTestManager(t, nil)

	feedDriftCycle(m, clk, 26.0, 22.0)
	feedDriftCycle(m, clk, 25.5, 21.5)
	require.Equal(t, StateCorrecting, m.CurrentState())

	m.NotifyIntervention("setpoint changed by user")
	assert.Equal(t, StateRecovery, m.CurrentState())

	clk.Advance(10 * time.Minute)
	m.ProcessReading(24.0, "cooling")
	assert.Equal(t, StateRecovery, m.CurrentState(), "recovery holds for its full window")

	clk.Advance(21 * time.Minute)
	m.ProcessReading(24.0, "cooling")
	assert.Equal(t, StateCorrecting, m.CurrentState())
}

func TestManager_InterventionDuringPrimingIsIgnored(t *testing.T) {
	m, _ := newTestManager(t, nil)

	m.NotifyIntervention("mode change")
	assert.Equal(t, StatePriming, m.CurrentState())
}

func TestManager_DriftRequests(t *testing.T) {
	m, clk := newTestManager(t, nil)

	assert.False(t, m.RequestDrift(10*time.Minute), "drift is not available during priming")

	feedDriftCycle(m, clk, 26.0, 22.0)
	feedDriftCycle(m, clk, 25.5, 21.5)
	require.Equal(t, StateCorrecting, m.CurrentState())

	require.True(t, m.RequestDrift(10*time.Minute))
	assert.Equal(t, StateDrifting, m.CurrentState())

	// HVAC kicking in ends the drift early.
	m.ProcessReading(24.0, "cooling")
	assert.Equal(t, StateCorrecting, m.CurrentState())

	require.True(t, m.RequestDrift(10*time.Minute))
	clk.Advance(11 * time.Minute)
	m.ProcessReading(24.0, "off")
	assert.Equal(t, StateCorrecting, m.CurrentState(), "drift window elapsed")
}

func TestManager_CalibratingFollowsStability(t *testing.T) {
	m, clk := newTestManager(t, nil)

	feedDriftCycle(m, clk, 26.0, 22.0)
	feedDriftCycle(m, clk, 25.5, 21.5)
	require.Equal(t, StateCorrecting, m.CurrentState())

	// A long, flat idle stretch qualifies for opportunistic calibration.
	for i := 0; i < 40; i++ {
		m.ProcessReading(22.0, "idle")
		clk.Advance(time.Minute)
	}
	assert.Equal(t, StateCalibrating, m.CurrentState())

	// Any activity drops back to correcting.
	m.ProcessReading(22.0, "cooling")
	assert.Equal(t, StateCorrecting, m.CurrentState())
}

func TestManager_RestoreFromStore(t *testing.T) {
	store := &fakeProbeStore{
		history: []ProbeResult{
			{TauValue: 1800, Confidence: 0.8},
			{TauValue: 1200, Confidence: 0.4},
		},
	}
	m, _ := newTestManager(t, store)

	require.NoError(t, m.RestoreFromStore())

	tau, confidence, ok := m.LearnedTau()
	require.True(t, ok)
	assert.InDelta(t, 1600, tau, 1e-9, "tau is confidence weighted")
	assert.InDelta(t, 0.6, confidence, 1e-9)
	assert.Equal(t, StateCorrecting, m.CurrentState())
}

func TestManager_RestoreErrors(t *testing.T) {
	t.Run("load failure surfaces", func(t *testing.T) {
		store := &fakeProbeStore{loadErr: errors.New("disk gone")}
		m, _ := newTestManager(t, store)
		assert.Error(t, m.RestoreFromStore())
	})

	t.Run("empty history keeps priming", func(t *testing.T) {
		store := &fakeProbeStore{}
		m, _ := newTestManager(t, store)
		require.NoError(t, m.RestoreFromStore())
		assert.Equal(t, StatePriming, m.CurrentState())
	})

	t.Run("nil store is fine", func(t *testing.T) {
		m, _ := newTestManager(t, nil)
		require.NoError(t, m.RestoreFromStore())
	})
}

func TestManager_PersistenceFailureDoesNotAbortLearning(t *testing.T) {
	store := &fakeProbeStore{saveErr: errors.New("table locked")}
	m, clk := newTestManager(t, store)

	absorbed := feedDriftCycle(m, clk, 26.0, 22.0)
	assert.Equal(t, 1, absorbed)

	_, _, ok := m.LearnedTau()
	assert.True(t, ok, "the in-memory model still advances")
}
