package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartclimate/pkg/testutil"
)

const (
	testToken = "test_token_12345"
	testAddr  = "localhost:18123"
)

// setupTest brings up a mock HA server with a connected client and a mock
// clock pinned to noon. Entities and controllers are added per scenario.
func setupTest(t *testing.T) (*testutil.TestEnv, func()) {
	env, err := testutil.NewTestEnv(testAddr, testToken)
	require.NoError(t, err)
	return env, env.Cleanup
}

// TestBasicConnection tests the plumbing every scenario builds on: the
// WebSocket round trip, state reads and service call tracking.
func TestBasicConnection(t *testing.T) {
	env, cleanup := setupTest(t)
	defer cleanup()

	env.Server.AddClimate("climate.bedroom_ac", "cool", 22.0, 24.5, "idle")
	env.Server.AddSensor("sensor.bedroom_temperature", 21.5, "°C")

	t.Run("connection status", func(t *testing.T) {
		assert.True(t, env.Client.IsConnected())
	})

	t.Run("state round trip", func(t *testing.T) {
		state, err := env.Client.GetState("climate.bedroom_ac")
		require.NoError(t, err)
		assert.Equal(t, "cool", state.State)

		sp := state.AttrFloat64("temperature")
		require.NotNil(t, sp)
		assert.Equal(t, 22.0, *sp)

		internal := state.AttrFloat64("current_temperature")
		require.NotNil(t, internal)
		assert.Equal(t, 24.5, *internal)

		room, err := env.Client.GetState("sensor.bedroom_temperature")
		require.NoError(t, err)
		temp := room.Float64()
		require.NotNil(t, temp)
		assert.Equal(t, 21.5, *temp)
	})

	t.Run("service call tracking", func(t *testing.T) {
		env.ClearServiceCalls()
		assert.Equal(t, 0, len(env.GetServiceCalls()), "Should start with no service calls")

		err := env.Client.SetTemperature("climate.bedroom_ac", 21.0)
		require.NoError(t, err)
		time.Sleep(100 * time.Millisecond)

		call := env.Server.FindServiceCall("climate", "set_temperature", "climate.bedroom_ac")
		require.NotNil(t, call, "Should find the set_temperature call")
		assert.Equal(t, "climate", call.Domain)
		assert.Equal(t, "set_temperature", call.Service)
		assert.Equal(t, 21.0, call.ServiceData["temperature"])

		// The mock device reports the commanded value back as its state,
		// which is how a real integration acknowledges commands.
		state, err := env.Client.GetState("climate.bedroom_ac")
		require.NoError(t, err)
		sp := state.AttrFloat64("temperature")
		require.NotNil(t, sp)
		assert.Equal(t, 21.0, *sp)

		env.ClearServiceCalls()
		assert.Equal(t, 0, len(env.GetServiceCalls()), "Should have no calls after clearing")
	})
}
