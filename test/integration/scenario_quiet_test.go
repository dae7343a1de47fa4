package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartclimate/internal/offset"
	"smartclimate/pkg/testutil"
)

// TestScenario_QuietHoursSuppressMarginalChanges covers the one path that
// sends nothing at all: inside quiet hours a sub-threshold change is
// withheld entirely, while a meaningful user request still goes through.
func TestScenario_QuietHoursSuppressMarginalChanges(t *testing.T) {
	env, cleanup := setupTest(t)
	defer cleanup()

	t.Log("GIVEN: quiet hours covering midday and a marginal 1.2°C discrepancy")
	env.Server.AddClimate("climate.bedroom_ac", "cool", 22.0, 23.2, "idle")
	env.Server.AddSensor("sensor.bedroom_temperature", 22.0, "°C")
	env.Server.AddSensor("sensor.bedroom_ac_power", 20, "W")

	ctrl := env.NewController(testutil.ControllerOptions{
		WrappedEntity: "climate.bedroom_ac",
		VirtualEntity: "climate.bedroom_smart",
		DefaultTarget: 22.0,
		RoomSensor:    "sensor.bedroom_temperature",
		PowerSensor:   "sensor.bedroom_ac_power",
		Quiet: offset.QuietModeConfig{
			Enabled:   true,
			StartHour: 9,
			EndHour:   18,
			MinDelta:  2.0,
		},
	})

	t.Log("WHEN: the controller starts at noon, inside the quiet window")
	require.NoError(t, ctrl.Start())
	defer ctrl.Stop()
	time.Sleep(200 * time.Millisecond)

	t.Log("THEN: no command of any kind reaches the device")
	assert.Equal(t, 0, env.Server.CountServiceCalls("climate", "set_temperature"),
		"Suppression sends nothing, unlike raw passthrough")

	st := ctrl.Status()
	assert.Nil(t, st.LastCommand, "No command was dispatched or simulated")
	require.NotNil(t, st.LastOffset, "The decision was still computed")
	assert.InDelta(t, 1.2, st.LastOffset.Offset, 0.001)

	t.Log("WHEN: the user requests a change larger than the quiet threshold")
	require.NoError(t, ctrl.SetTargetTemperature(context.Background(), 26.0))
	time.Sleep(200 * time.Millisecond)

	t.Log("THEN: the meaningful change is dispatched even during quiet hours")
	values := testutil.SetTemperatureValues(env.GetServiceCalls(), "climate.bedroom_ac")
	require.Len(t, values, 1)
	assert.InDelta(t, 27.2, values[0], 0.001)

	t.Log("✓ Quiet mode withholds marginal changes but honors real requests")
}

// TestScenario_QuietWindowCrossingMidnight pins the window logic: an
// overnight window (22 to 7) is inactive at noon, so the same marginal
// change that quiet hours would withhold is dispatched freely.
func TestScenario_QuietWindowCrossingMidnight(t *testing.T) {
	env, cleanup := setupTest(t)
	defer cleanup()

	t.Log("GIVEN: an AC whose quiet window runs overnight, 22:00 to 07:00")
	env.Server.AddClimate("climate.study_ac", "cool", 22.0, 23.2, "idle")
	env.Server.AddSensor("sensor.study_temperature", 22.0, "°C")
	env.Server.AddSensor("sensor.study_ac_power", 20, "W")

	ctrl := env.NewController(testutil.ControllerOptions{
		WrappedEntity: "climate.study_ac",
		VirtualEntity: "climate.study_smart",
		DefaultTarget: 22.0,
		RoomSensor:    "sensor.study_temperature",
		PowerSensor:   "sensor.study_ac_power",
		Quiet: offset.QuietModeConfig{
			Enabled:   true,
			StartHour: 22,
			EndHour:   7,
			MinDelta:  2.0,
		},
	})

	t.Log("WHEN: the controller starts at noon, outside the overnight window")
	require.NoError(t, ctrl.Start())
	defer ctrl.Stop()
	time.Sleep(200 * time.Millisecond)

	t.Log("THEN: the marginal 1.2°C change is dispatched")
	values := testutil.SetTemperatureValues(env.GetServiceCalls(), "climate.study_ac")
	require.Len(t, values, 1)
	assert.InDelta(t, 23.2, values[0], 0.001)

	t.Log("✓ The quiet window only binds between its start and end hours")
}
