package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartclimate/pkg/testutil"
)

// TestScenario_ExternalSetpointAdoption covers a user reaching for the
// remote control: device-side setpoint changes right after our own command
// are treated as interference echoes and ignored, while later ones are
// adopted as the new target.
func TestScenario_ExternalSetpointAdoption(t *testing.T) {
	env, cleanup := setupTest(t)
	defer cleanup()

	t.Log("GIVEN: a controller that has applied its compensated setpoint")
	env.Server.AddClimate("climate.bedroom_ac", "cool", 22.0, 24.5, "idle")
	env.Server.AddSensor("sensor.bedroom_temperature", 22.0, "°C")

	ctrl := env.NewController(testutil.ControllerOptions{
		WrappedEntity: "climate.bedroom_ac",
		VirtualEntity: "climate.bedroom_smart",
		DefaultTarget: 22.0,
		RoomSensor:    "sensor.bedroom_temperature",
	})

	require.NoError(t, ctrl.Start())
	defer ctrl.Stop()
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 1, env.Server.CountServiceCalls("climate", "set_temperature"))

	t.Log("WHEN: the device setpoint moves moments after our own adjustment")
	env.Server.SetState("climate.bedroom_ac", "cool", map[string]interface{}{
		"temperature":         25.0,
		"current_temperature": 24.5,
		"hvac_action":         "idle",
		"friendly_name":       "climate.bedroom_ac",
	})
	time.Sleep(200 * time.Millisecond)

	t.Log("THEN: the change is dismissed as interference, not user intent")
	assert.Equal(t, 22.0, ctrl.Status().CurrentTarget,
		"Target must not move inside the interference window")

	t.Log("WHEN: the user changes the device setpoint well after our command")
	env.Clock.Advance(40 * time.Second)
	env.Server.SetState("climate.bedroom_ac", "cool", map[string]interface{}{
		"temperature":         26.0,
		"current_temperature": 24.5,
		"hvac_action":         "idle",
		"friendly_name":       "climate.bedroom_ac",
	})
	time.Sleep(200 * time.Millisecond)

	t.Log("THEN: the controller adopts the user's setpoint as its target")
	assert.Equal(t, 26.0, ctrl.Status().CurrentTarget)
	assert.Equal(t, 1, env.Server.CountServiceCalls("climate", "set_temperature"),
		"Adoption itself must not dispatch a command")

	t.Log("WHEN: the next periodic update runs")
	env.Clock.Advance(20 * time.Second)
	time.Sleep(200 * time.Millisecond)

	t.Log("THEN: compensation is applied on top of the adopted target")
	values := testutil.SetTemperatureValues(env.GetServiceCalls(), "climate.bedroom_ac")
	require.Len(t, values, 2)
	assert.InDelta(t, 28.5, values[1], 0.001)
	assert.Equal(t, 26.0, ctrl.Status().CurrentTarget)

	t.Log("✓ Remote control changes win; the controller keeps compensating around them")
}

// TestScenario_ManualOverrideRoundTrip arms a temporary offset override,
// checks the shifted command, then clears it and checks the restore.
func TestScenario_ManualOverrideRoundTrip(t *testing.T) {
	env, cleanup := setupTest(t)
	defer cleanup()

	t.Log("GIVEN: steady-state compensation commanding 24.5")
	env.Server.AddClimate("climate.bedroom_ac", "cool", 22.0, 24.5, "idle")
	env.Server.AddSensor("sensor.bedroom_temperature", 22.0, "°C")

	ctrl := env.NewController(testutil.ControllerOptions{
		WrappedEntity: "climate.bedroom_ac",
		VirtualEntity: "climate.bedroom_smart",
		DefaultTarget: 22.0,
		RoomSensor:    "sensor.bedroom_temperature",
	})

	require.NoError(t, ctrl.Start())
	defer ctrl.Stop()
	time.Sleep(200 * time.Millisecond)

	values := testutil.SetTemperatureValues(env.GetServiceCalls(), "climate.bedroom_ac")
	require.Len(t, values, 1)
	assert.InDelta(t, 24.5, values[0], 0.001)

	t.Log("WHEN: the user arms a -1.5°C override for 30 minutes")
	require.NoError(t, ctrl.SetManualOverride(context.Background(), -1.5, 30*time.Minute))
	time.Sleep(200 * time.Millisecond)

	t.Log("THEN: the next command is shifted by the override")
	values = testutil.SetTemperatureValues(env.GetServiceCalls(), "climate.bedroom_ac")
	require.Len(t, values, 2)
	assert.InDelta(t, 23.0, values[1], 0.001)

	st := ctrl.Status()
	require.NotNil(t, st.Override, "The override should be visible in status")
	require.NotNil(t, st.LastCommand)
	assert.Equal(t, "manual", st.LastCommand.Source)

	t.Log("WHEN: the user clears the override")
	require.NoError(t, ctrl.ClearManualOverride(context.Background()))
	time.Sleep(200 * time.Millisecond)

	t.Log("THEN: compensation returns to the plain offset")
	values = testutil.SetTemperatureValues(env.GetServiceCalls(), "climate.bedroom_ac")
	require.Len(t, values, 3)
	assert.InDelta(t, 24.5, values[2], 0.001)
	assert.Nil(t, ctrl.Status().Override)

	t.Log("✓ Manual override shifts the target and restores cleanly")
}
