// This file provides a TestEnv for controller integration tests.
package testutil

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"smartclimate/internal/climate"
	"smartclimate/internal/clock"
	"smartclimate/internal/ha"
	"smartclimate/internal/offset"
	"smartclimate/internal/override"
	"smartclimate/internal/thermal"
)

// TestEnv provides a complete test environment: a mock HA server, a real
// WebSocket client connected to it, and a mock clock shared by everything
// built through the env so scenarios control ticks and quiet hours.
type TestEnv struct {
	Server *MockHAServer
	Client *ha.Client
	Clock  *clock.MockClock
	Logger *zap.Logger
}

// NewTestEnv creates a fully configured test environment with mock HA
// server and connected client. The mock clock starts at noon UTC so quiet
// hours are inactive unless a scenario moves the clock.
//
// Example usage:
//
//	env, err := testutil.NewTestEnv("localhost:18123", "test_token")
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer env.Cleanup()
func NewTestEnv(addr, token string) (*TestEnv, error) {
	logger, _ := zap.NewDevelopment()

	// Start mock HA server
	server := NewMockHAServer(addr, token)
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("failed to start mock server: %w", err)
	}

	// Create and connect client
	client := ha.NewClient(fmt.Sprintf("ws://%s/api/websocket", addr), token, logger)
	if err := client.Connect(); err != nil {
		server.Stop()
		return nil, fmt.Errorf("failed to connect client: %w", err)
	}

	return &TestEnv{
		Server: server,
		Client: client,
		Clock:  clock.NewMockClock(time.Date(2026, 7, 10, 12, 0, 0, 0, time.UTC)),
		Logger: logger,
	}, nil
}

// ControllerOptions selects the entities and policies for one controller
// under test. Empty sensor IDs mean the sensor is not installed; a zero
// Limits struct disables clamping.
type ControllerOptions struct {
	WrappedEntity string
	VirtualEntity string
	DefaultTarget float64
	ReadOnly      bool

	RoomSensor    string
	OutdoorSensor string
	PowerSensor   string

	Limits offset.Limits
	Quiet  offset.QuietModeConfig
}

// NewController builds a controller wired to the env's client and clock,
// with a fresh thermal manager and offset engine. The caller owns
// Start/Stop.
func (e *TestEnv) NewController(opts ControllerOptions) *climate.Controller {
	sensors := climate.NewSensorReader(climate.SensorConfig{
		RoomTemp:    opts.RoomSensor,
		OutdoorTemp: opts.OutdoorSensor,
		Power:       opts.PowerSensor,
	}, e.Client, e.Logger)

	wrapped := climate.WrappedEntityID(opts.WrappedEntity)
	registry := climate.NewRegistry()
	registry.Register(wrapped, thermal.NewManager(opts.WrappedEntity,
		thermal.NewStabilityDetector(thermal.DetectorConfig{}, e.Clock, e.Logger),
		nil, sensors.OutdoorTemp, e.Clock, e.Logger))

	return climate.NewController(climate.ControllerConfig{
		WrappedEntity:   wrapped,
		VirtualEntity:   climate.VirtualEntityID(opts.VirtualEntity),
		DefaultTarget:   opts.DefaultTarget,
		ReadOnly:        opts.ReadOnly,
		LearningEnabled: true,
		Limits:          opts.Limits,
	}, climate.Collaborators{
		Client:   e.Client,
		Sensors:  sensors,
		Offset:   offset.NewEngine(offset.EngineConfig{}, nil, e.Clock, e.Logger),
		Modes:    climate.NewModeManager(nil, nil, e.Clock, e.Logger),
		Thermal:  registry,
		Override: override.NewManager(e.Clock, e.Logger),
		Quiet:    offset.NewQuietModeController(opts.Quiet, e.Logger),
		Delay:    offset.NewDelayLearner(0),
		Clock:    e.Clock,
	}, e.Logger)
}

// Cleanup stops all components in the correct order.
// Always call this in a defer after creating the TestEnv.
func (e *TestEnv) Cleanup() {
	if e.Client != nil {
		e.Client.Disconnect()
	}
	if e.Server != nil {
		e.Server.Stop()
	}
}

// GetServiceCalls returns all service calls made to the mock server.
// Useful for asserting which commands reached the device.
func (e *TestEnv) GetServiceCalls() []ServiceCall {
	return e.Server.GetServiceCalls()
}

// ClearServiceCalls clears the recorded service calls.
func (e *TestEnv) ClearServiceCalls() {
	e.Server.ClearServiceCalls()
}
