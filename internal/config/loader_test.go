package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"smartclimate/internal/forecast"
	"smartclimate/internal/ha"
	"smartclimate/internal/offset"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "smartclimate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// validConfig is the smallest configuration that passes Validate, used as
// the base for the mutation table below.
func validConfig() *Config {
	cfg := &Config{
		Climates: []ClimateConfig{{
			WrappedEntity: "climate.bedroom_ac",
			VirtualEntity: "climate.bedroom_smart",
			Sensors:       SensorsConfig{RoomTemp: "sensor.bedroom_temperature"},
		}},
	}
	cfg.applyDefaults()
	return cfg
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfigFile(t, `
climates:
  - wrapped_entity: climate.bedroom_ac
    virtual_entity: climate.bedroom_smart
    default_target: 23.5
    update_interval: 2m
    read_only: true
    learning: false
    sensors:
      room_temp: sensor.bedroom_temperature
      outdoor_temp: sensor.outdoor_temperature
      power: sensor.bedroom_ac_power
      indoor_humidity: sensor.bedroom_humidity
      outdoor_humidity: sensor.outdoor_humidity
    limits:
      min_temp: 18
      max_temp: 28
      max_step_per_cycle: 1.0
    offset:
      max_offset: 4.0
      max_change_per_cycle: 0.5
    quiet_mode:
      enabled: true
      start_hour: 22
      end_hour: 7
      min_delta: 0.5
      idle_power_threshold: 60
forecast:
  weather_entity: weather.home
  latitude: 32.1
  longitude: 34.8
  strategies:
    - type: heat_wave
      name: pre_cool
      enabled: true
      temp_threshold: 35
      min_duration_hours: 4
      lookahead_hours: 24
      pre_action_hours: 4
      adjustment: -2.0
    - type: clear_sky
      name: sunny_afternoon
      condition: sunny
      lookahead_hours: 12
      pre_action_hours: 2
      adjustment: -1.0
      daylight_only: true
store:
  path: /data/climate.db
http:
  listen: ":9090"
mqtt:
  broker: tcp://mosquitto:1883
  username: mqtt
  password: secret
`)

	cfg, err := NewLoader(path, zaptest.NewLogger(t)).Load()
	require.NoError(t, err)

	require.Len(t, cfg.Climates, 1)
	cc := cfg.Climates[0]
	assert.Equal(t, "climate.bedroom_ac", cc.WrappedEntity)
	assert.Equal(t, "climate.bedroom_smart", cc.VirtualEntity)
	assert.Equal(t, 23.5, cc.DefaultTarget)
	assert.Equal(t, 2*time.Minute, cc.Interval())
	assert.True(t, cc.ReadOnly)
	assert.False(t, cc.LearningEnabled())
	assert.Equal(t, "sensor.bedroom_ac_power", cc.Sensors.Power)
	assert.Equal(t, "sensor.outdoor_humidity", cc.Sensors.OutdoorHumidity)

	assert.Equal(t, offset.Limits{MinTemp: 18, MaxTemp: 28, MaxStepPerCycle: 1.0}, cc.OffsetLimits())
	assert.Equal(t, offset.EngineConfig{MaxOffset: 4.0, MaxChangePerCycle: 0.5}, cc.OffsetEngine())

	quiet := cc.Quiet()
	assert.True(t, quiet.Enabled)
	assert.Equal(t, 22, quiet.StartHour)
	assert.Equal(t, 7, quiet.EndHour)
	assert.Equal(t, 60.0, quiet.IdlePowerThreshold)

	require.NotNil(t, cfg.Forecast)
	fc := cfg.Forecast.EngineConfig()
	assert.Equal(t, "weather.home", fc.WeatherEntity)
	require.Len(t, fc.Strategies, 2)
	assert.Equal(t, forecast.KindHeatWave, fc.Strategies[0].Kind)
	assert.True(t, fc.Strategies[0].Enabled)
	assert.Equal(t, forecast.KindClearSky, fc.Strategies[1].Kind)
	assert.True(t, fc.Strategies[1].Enabled, "enabled should default to true")
	assert.True(t, fc.Strategies[1].DaylightOnly)

	assert.Equal(t, "/data/climate.db", cfg.Store.Path)
	assert.Equal(t, ":9090", cfg.HTTP.Listen)
	require.NotNil(t, cfg.MQTT)
	assert.Equal(t, "tcp://mosquitto:1883", cfg.MQTT.Broker)
	assert.Equal(t, "smartclimate", cfg.MQTT.TopicPrefix)
	assert.Equal(t, "homeassistant", cfg.MQTT.DiscoveryPrefix)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
climates:
  - wrapped_entity: climate.bedroom_ac
    virtual_entity: climate.bedroom_smart
`)

	cfg, err := NewLoader(path, zaptest.NewLogger(t)).Load()
	require.NoError(t, err)

	cc := cfg.Climates[0]
	assert.Equal(t, time.Minute, cc.Interval())
	assert.Equal(t, 22.0, cc.DefaultTarget)
	assert.Equal(t, 16.0, cc.Limits.MinTemp)
	assert.Equal(t, 30.0, cc.Limits.MaxTemp)
	assert.True(t, cc.LearningEnabled())
	assert.False(t, cc.ReadOnly)

	assert.Equal(t, "smartclimate.db", cfg.Store.Path)
	assert.Equal(t, ":8080", cfg.HTTP.Listen)
	assert.Nil(t, cfg.Forecast)
	assert.Nil(t, cfg.MQTT)
}

func TestLoadMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")

	_, err := NewLoader(path, zaptest.NewLogger(t)).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfigFile(t, "climates: [\n")

	_, err := NewLoader(path, zaptest.NewLogger(t)).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config file")
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
	}{
		{
			name:      "no climates",
			mutate:    func(c *Config) { c.Climates = nil },
			wantField: "climates",
		},
		{
			name:      "missing wrapped entity",
			mutate:    func(c *Config) { c.Climates[0].WrappedEntity = "" },
			wantField: "climates[0].wrapped_entity",
		},
		{
			name:      "wrapped entity outside climate domain",
			mutate:    func(c *Config) { c.Climates[0].WrappedEntity = "sensor.bedroom_ac" },
			wantField: "climates[0].wrapped_entity",
		},
		{
			name:      "virtual equals wrapped",
			mutate:    func(c *Config) { c.Climates[0].VirtualEntity = "climate.bedroom_ac" },
			wantField: "climates[0].virtual_entity",
		},
		{
			name: "duplicate wrapped entity",
			mutate: func(c *Config) {
				dup := c.Climates[0]
				dup.VirtualEntity = "climate.other_smart"
				c.Climates = append(c.Climates, dup)
			},
			wantField: "climates[1].wrapped_entity",
		},
		{
			name:      "unparseable update interval",
			mutate:    func(c *Config) { c.Climates[0].UpdateInterval = "soon" },
			wantField: "climates[0].update_interval",
		},
		{
			name:      "inverted limits",
			mutate:    func(c *Config) { c.Climates[0].Limits = LimitsConfig{MinTemp: 28, MaxTemp: 18} },
			wantField: "climates[0].limits",
		},
		{
			name:      "target outside limits",
			mutate:    func(c *Config) { c.Climates[0].DefaultTarget = 35 },
			wantField: "climates[0].default_target",
		},
		{
			name:      "negative step",
			mutate:    func(c *Config) { c.Climates[0].Limits.MaxStepPerCycle = -1 },
			wantField: "climates[0].limits.max_step_per_cycle",
		},
		{
			name:      "malformed sensor id",
			mutate:    func(c *Config) { c.Climates[0].Sensors.RoomTemp = "bedroomtemp" },
			wantField: "climates[0].sensors.room_temp",
		},
		{
			name: "quiet hours out of range",
			mutate: func(c *Config) {
				c.Climates[0].QuietMode = QuietConfig{Enabled: true, StartHour: 24}
			},
			wantField: "climates[0].quiet_mode.start_hour",
		},
		{
			name: "unknown strategy type",
			mutate: func(c *Config) {
				c.Forecast = &ForecastConfig{
					WeatherEntity: "weather.home",
					Strategies:    []StrategyConfig{{Type: "rainy_day", Name: "x", LookaheadHours: 12}},
				}
			},
			wantField: "forecast.strategies[0].type",
		},
		{
			name: "clear sky without condition",
			mutate: func(c *Config) {
				c.Forecast = &ForecastConfig{
					WeatherEntity: "weather.home",
					Strategies:    []StrategyConfig{{Type: "clear_sky", Name: "x", LookaheadHours: 12}},
				}
			},
			wantField: "forecast.strategies[0].condition",
		},
		{
			name: "daylight gate without coordinates",
			mutate: func(c *Config) {
				c.Forecast = &ForecastConfig{
					WeatherEntity: "weather.home",
					Strategies: []StrategyConfig{{
						Type: "heat_wave", Name: "x", TempThreshold: 35,
						LookaheadHours: 24, DaylightOnly: true,
					}},
				}
			},
			wantField: "forecast.strategies[0].daylight_only",
		},
		{
			name:      "mqtt without broker",
			mutate:    func(c *Config) { c.MQTT = &MQTTConfig{} },
			wantField: "mqtt.broker",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantField, cfgErr.Field)
		})
	}
}

func TestValidateEntitiesPassesWhenEverythingExists(t *testing.T) {
	client := ha.NewMockClient()
	client.SetState("climate.bedroom_ac", "cool", nil)
	client.SetState("sensor.bedroom_temperature", "22.0", nil)
	client.SetState("weather.home", "sunny", nil)

	cfg := validConfig()
	cfg.Forecast = &ForecastConfig{WeatherEntity: "weather.home"}

	require.NoError(t, ValidateEntities(client, cfg, zaptest.NewLogger(t)))
}

func TestValidateEntitiesToleratesUnavailableDevice(t *testing.T) {
	client := ha.NewMockClient()
	client.SetState("climate.bedroom_ac", "unavailable", nil)
	client.SetState("sensor.bedroom_temperature", "22.0", nil)

	require.NoError(t, ValidateEntities(client, validConfig(), zaptest.NewLogger(t)))
}

func TestValidateEntitiesRejectsMissingWrappedEntity(t *testing.T) {
	client := ha.NewMockClient()
	client.SetState("sensor.bedroom_temperature", "22.0", nil)

	err := ValidateEntities(client, validConfig(), zaptest.NewLogger(t))
	require.Error(t, err)

	var wrapErr *WrappedEntityError
	require.ErrorAs(t, err, &wrapErr)
	assert.Equal(t, "climate.bedroom_ac", wrapErr.EntityID)
}

func TestValidateEntitiesRejectsMissingSensor(t *testing.T) {
	client := ha.NewMockClient()
	client.SetState("climate.bedroom_ac", "cool", nil)

	err := ValidateEntities(client, validConfig(), zaptest.NewLogger(t))
	require.Error(t, err)

	var sensorErr *SensorUnavailableError
	require.ErrorAs(t, err, &sensorErr)
	assert.Equal(t, "sensor.bedroom_temperature", sensorErr.EntityID)
	assert.Equal(t, "room temperature", sensorErr.Role)
}

func TestValidateEntitiesRejectsMissingWeather(t *testing.T) {
	client := ha.NewMockClient()
	client.SetState("climate.bedroom_ac", "cool", nil)
	client.SetState("sensor.bedroom_temperature", "22.0", nil)

	cfg := validConfig()
	cfg.Forecast = &ForecastConfig{WeatherEntity: "weather.home"}

	err := ValidateEntities(client, cfg, zaptest.NewLogger(t))
	require.Error(t, err)

	var sensorErr *SensorUnavailableError
	require.ErrorAs(t, err, &sensorErr)
	assert.Equal(t, "weather.home", sensorErr.EntityID)
}
