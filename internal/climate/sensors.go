package climate

import (
	"sync"

	"go.uber.org/zap"

	"smartclimate/internal/ha"
)

// SensorConfig names the Home Assistant entities feeding one controller.
// Empty strings mean the sensor is not installed.
type SensorConfig struct {
	RoomTemp        string
	OutdoorTemp     string
	Power           string
	IndoorHumidity  string
	OutdoorHumidity string
}

// WrappedState is a snapshot of the controlled device. HVACMode and
// HVACAction fall back to the last known value while the device is
// unavailable; InternalTemp and Setpoint do not, so their absence keeps the
// raw-passthrough contract honest.
type WrappedState struct {
	Available    bool
	HVACMode     string
	HVACAction   string
	InternalTemp *float64
	Setpoint     *float64
}

// SensorReader reads the sensor suite and the wrapped device, degrading to
// nil for anything unavailable instead of failing.
type SensorReader struct {
	client ha.HAClient
	cfg    SensorConfig
	logger *zap.Logger

	mu             sync.Mutex
	lastHVACMode   string
	lastHVACAction string
}

func NewSensorReader(cfg SensorConfig, client ha.HAClient, logger *zap.Logger) *SensorReader {
	return &SensorReader{
		client: client,
		cfg:    cfg,
		logger: logger.Named("sensors"),
		// Safe defaults until the device has been seen once.
		lastHVACMode:   "off",
		lastHVACAction: "idle",
	}
}

func (r *SensorReader) RoomTemp() *float64        { return r.readFloat(r.cfg.RoomTemp) }
func (r *SensorReader) OutdoorTemp() *float64     { return r.readFloat(r.cfg.OutdoorTemp) }
func (r *SensorReader) Power() *float64           { return r.readFloat(r.cfg.Power) }
func (r *SensorReader) IndoorHumidity() *float64  { return r.readFloat(r.cfg.IndoorHumidity) }
func (r *SensorReader) OutdoorHumidity() *float64 { return r.readFloat(r.cfg.OutdoorHumidity) }

// WrappedState reads the controlled climate device.
func (r *SensorReader) WrappedState(id WrappedEntityID) WrappedState {
	state, err := r.client.GetState(id.String())
	if err != nil || state.IsUnavailable() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if err != nil {
			r.logger.Debug("Wrapped entity read failed",
				zap.String("entity_id", id.String()), zap.Error(err))
		}
		return WrappedState{
			Available:  false,
			HVACMode:   r.lastHVACMode,
			HVACAction: r.lastHVACAction,
		}
	}

	ws := WrappedState{
		Available:    true,
		HVACMode:     state.State,
		HVACAction:   state.AttrString("hvac_action"),
		InternalTemp: state.AttrFloat64("current_temperature"),
		Setpoint:     state.AttrFloat64("temperature"),
	}
	if ws.HVACAction == "" {
		ws.HVACAction = "idle"
	}

	r.mu.Lock()
	r.lastHVACMode = ws.HVACMode
	r.lastHVACAction = ws.HVACAction
	r.mu.Unlock()
	return ws
}

// readFloat returns nil for unconfigured, unreachable, unavailable or
// non-numeric sensors. Absence is the only failure signal.
func (r *SensorReader) readFloat(entityID string) *float64 {
	if entityID == "" {
		return nil
	}
	state, err := r.client.GetState(entityID)
	if err != nil {
		r.logger.Debug("Sensor read failed",
			zap.String("entity_id", entityID), zap.Error(err))
		return nil
	}
	if state.IsUnavailable() {
		return nil
	}
	return state.Float64()
}
