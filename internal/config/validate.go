package config

import (
	"go.uber.org/zap"

	"smartclimate/internal/ha"
)

// ValidateEntities checks every configured entity against Home Assistant
// at startup. An entity that does not exist at all is a typed hard
// failure; one that exists but reports unavailable only warns, since the
// controller copes with outages at runtime.
func ValidateEntities(client ha.HAClient, cfg *Config, logger *zap.Logger) error {
	log := logger.Named("config")

	for _, cc := range cfg.Climates {
		state, err := client.GetState(cc.WrappedEntity)
		if err != nil {
			return &WrappedEntityError{EntityID: cc.WrappedEntity, Reason: "not found in Home Assistant"}
		}
		if state.IsUnavailable() {
			log.Warn("Wrapped entity is currently unavailable",
				zap.String("entity_id", cc.WrappedEntity))
		}

		for _, s := range []struct {
			role string
			id   string
		}{
			{"room temperature", cc.Sensors.RoomTemp},
			{"outdoor temperature", cc.Sensors.OutdoorTemp},
			{"power", cc.Sensors.Power},
			{"indoor humidity", cc.Sensors.IndoorHumidity},
			{"outdoor humidity", cc.Sensors.OutdoorHumidity},
		} {
			if s.id == "" {
				continue
			}
			state, err := client.GetState(s.id)
			if err != nil {
				return &SensorUnavailableError{EntityID: s.id, Role: s.role}
			}
			if state.IsUnavailable() {
				log.Warn("Sensor is currently unavailable",
					zap.String("entity_id", s.id),
					zap.String("role", s.role))
			}
		}
	}

	if cfg.Forecast != nil {
		if _, err := client.GetState(cfg.Forecast.WeatherEntity); err != nil {
			return &SensorUnavailableError{EntityID: cfg.Forecast.WeatherEntity, Role: "weather"}
		}
	}
	return nil
}
