package climate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"smartclimate/internal/clock"
	"smartclimate/internal/thermal"
)

func newThermalManager(t *testing.T, entityID string) *thermal.Manager {
	t.Helper()
	clk := clock.NewMockClock(testStart)
	logger := zaptest.NewLogger(t)
	det := thermal.NewStabilityDetector(thermal.DetectorConfig{}, clk, logger)
	return thermal.NewManager(entityID, det, nil, nil, clk, logger)
}

func TestRegistryLookupUsesWrappedIDs(t *testing.T) {
	reg := NewRegistry()
	mgr := newThermalManager(t, "climate.living_room_ac")
	reg.Register(WrappedEntityID("climate.living_room_ac"), mgr)

	got, ok := reg.Lookup(WrappedEntityID("climate.living_room_ac"))
	require.True(t, ok)
	assert.Same(t, mgr, got)

	_, ok = reg.Lookup(WrappedEntityID("climate.smart_living_room"))
	assert.False(t, ok, "the virtual entity is not a registry key")
}

func TestRegistryEntitiesAreSorted(t *testing.T) {
	reg := NewRegistry()
	for _, id := range []string{"climate.office_ac", "climate.attic_ac", "climate.den_ac"} {
		reg.Register(WrappedEntityID(id), newThermalManager(t, id))
	}

	want := []WrappedEntityID{"climate.attic_ac", "climate.den_ac", "climate.office_ac"}
	assert.Equal(t, want, reg.Entities())
}
