package config

import (
	"fmt"
	"strings"
	"time"

	"smartclimate/internal/forecast"
	"smartclimate/internal/offset"
)

// Config is the daemon configuration parsed from a single YAML file.
// Connection settings (HA_URL, HA_TOKEN) and global switches (READ_ONLY,
// LOG_LEVEL) come from the environment instead, so the same file can move
// between installations.
type Config struct {
	Climates []ClimateConfig `yaml:"climates"`
	Forecast *ForecastConfig `yaml:"forecast"`
	Store    StoreConfig     `yaml:"store"`
	HTTP     HTTPConfig      `yaml:"http"`
	MQTT     *MQTTConfig     `yaml:"mqtt"`
}

// ClimateConfig describes one wrapped climate device and the sensor suite
// around it.
type ClimateConfig struct {
	WrappedEntity  string  `yaml:"wrapped_entity"`
	VirtualEntity  string  `yaml:"virtual_entity"`
	DefaultTarget  float64 `yaml:"default_target"`
	UpdateInterval string  `yaml:"update_interval"`
	ReadOnly       bool    `yaml:"read_only"`
	// Learning defaults to on; absent means enabled.
	Learning  *bool         `yaml:"learning"`
	Sensors   SensorsConfig `yaml:"sensors"`
	Limits    LimitsConfig  `yaml:"limits"`
	Offset    OffsetConfig  `yaml:"offset"`
	QuietMode QuietConfig   `yaml:"quiet_mode"`
}

// SensorsConfig lists the optional sensors feeding the pipeline. Every
// field may be empty; the controller degrades feature by feature.
type SensorsConfig struct {
	RoomTemp        string `yaml:"room_temp"`
	OutdoorTemp     string `yaml:"outdoor_temp"`
	Power           string `yaml:"power"`
	IndoorHumidity  string `yaml:"indoor_humidity"`
	OutdoorHumidity string `yaml:"outdoor_humidity"`
}

// LimitsConfig bounds what the daemon may send to the device.
type LimitsConfig struct {
	MinTemp         float64 `yaml:"min_temp"`
	MaxTemp         float64 `yaml:"max_temp"`
	MaxStepPerCycle float64 `yaml:"max_step_per_cycle"`
}

// OffsetConfig tunes the reactive offset engine.
type OffsetConfig struct {
	MaxOffset         float64 `yaml:"max_offset"`
	MaxChangePerCycle float64 `yaml:"max_change_per_cycle"`
}

// QuietConfig configures night-time command suppression.
type QuietConfig struct {
	Enabled            bool    `yaml:"enabled"`
	StartHour          int     `yaml:"start_hour"`
	EndHour            int     `yaml:"end_hour"`
	MinDelta           float64 `yaml:"min_delta"`
	IdlePowerThreshold float64 `yaml:"idle_power_threshold"`
}

// ForecastConfig configures the predictive strategies. The whole section
// is optional.
type ForecastConfig struct {
	WeatherEntity string           `yaml:"weather_entity"`
	Latitude      float64          `yaml:"latitude"`
	Longitude     float64          `yaml:"longitude"`
	Strategies    []StrategyConfig `yaml:"strategies"`
}

// StrategyConfig is the YAML shape of one predictive strategy.
type StrategyConfig struct {
	Type             string  `yaml:"type"`
	Name             string  `yaml:"name"`
	Enabled          *bool   `yaml:"enabled"`
	TempThreshold    float64 `yaml:"temp_threshold"`
	Condition        string  `yaml:"condition"`
	MinDurationHours float64 `yaml:"min_duration_hours"`
	LookaheadHours   float64 `yaml:"lookahead_hours"`
	PreActionHours   float64 `yaml:"pre_action_hours"`
	Adjustment       float64 `yaml:"adjustment"`
	DaylightOnly     bool    `yaml:"daylight_only"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// HTTPConfig configures the status API server.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// MQTTConfig configures the optional telemetry publisher. A nil section
// disables MQTT entirely.
type MQTTConfig struct {
	Broker          string `yaml:"broker"`
	ClientID        string `yaml:"client_id"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	TopicPrefix     string `yaml:"topic_prefix"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

const (
	defaultUpdateInterval = "1m"
	defaultTarget         = 22.0
	defaultMinTemp        = 16.0
	defaultMaxTemp        = 30.0
	defaultStorePath      = "smartclimate.db"
	defaultHTTPListen     = ":8080"
	defaultTopicPrefix    = "smartclimate"
	defaultDiscovery      = "homeassistant"
)

func (c *Config) applyDefaults() {
	for i := range c.Climates {
		cc := &c.Climates[i]
		if cc.UpdateInterval == "" {
			cc.UpdateInterval = defaultUpdateInterval
		}
		if cc.DefaultTarget == 0 {
			cc.DefaultTarget = defaultTarget
		}
		if cc.Limits.MinTemp == 0 {
			cc.Limits.MinTemp = defaultMinTemp
		}
		if cc.Limits.MaxTemp == 0 {
			cc.Limits.MaxTemp = defaultMaxTemp
		}
	}
	if c.Store.Path == "" {
		c.Store.Path = defaultStorePath
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = defaultHTTPListen
	}
	if c.MQTT != nil {
		if c.MQTT.TopicPrefix == "" {
			c.MQTT.TopicPrefix = defaultTopicPrefix
		}
		if c.MQTT.DiscoveryPrefix == "" {
			c.MQTT.DiscoveryPrefix = defaultDiscovery
		}
	}
}

// Validate checks the configuration after defaults have been applied.
// Every failure is a *ConfigurationError naming the offending field.
func (c *Config) Validate() error {
	if len(c.Climates) == 0 {
		return &ConfigurationError{Field: "climates", Reason: "at least one climate entity is required"}
	}

	seenWrapped := make(map[string]bool)
	seenVirtual := make(map[string]bool)
	for i, cc := range c.Climates {
		prefix := fmt.Sprintf("climates[%d]", i)
		if err := validateEntityID(prefix+".wrapped_entity", cc.WrappedEntity, "climate"); err != nil {
			return err
		}
		if err := validateEntityID(prefix+".virtual_entity", cc.VirtualEntity, "climate"); err != nil {
			return err
		}
		if cc.WrappedEntity == cc.VirtualEntity {
			return &ConfigurationError{
				Field:  prefix + ".virtual_entity",
				Reason: "must differ from wrapped_entity",
			}
		}
		if seenWrapped[cc.WrappedEntity] {
			return &ConfigurationError{
				Field:  prefix + ".wrapped_entity",
				Reason: fmt.Sprintf("%s is already wrapped by another climate", cc.WrappedEntity),
			}
		}
		if seenVirtual[cc.VirtualEntity] {
			return &ConfigurationError{
				Field:  prefix + ".virtual_entity",
				Reason: fmt.Sprintf("%s is already used by another climate", cc.VirtualEntity),
			}
		}
		seenWrapped[cc.WrappedEntity] = true
		seenVirtual[cc.VirtualEntity] = true

		if d, err := time.ParseDuration(cc.UpdateInterval); err != nil || d <= 0 {
			return &ConfigurationError{
				Field:  prefix + ".update_interval",
				Reason: fmt.Sprintf("%q is not a positive duration", cc.UpdateInterval),
			}
		}
		if cc.Limits.MinTemp >= cc.Limits.MaxTemp {
			return &ConfigurationError{
				Field:  prefix + ".limits",
				Reason: fmt.Sprintf("min_temp %.1f must be below max_temp %.1f", cc.Limits.MinTemp, cc.Limits.MaxTemp),
			}
		}
		if cc.Limits.MaxStepPerCycle < 0 {
			return &ConfigurationError{Field: prefix + ".limits.max_step_per_cycle", Reason: "must not be negative"}
		}
		if cc.DefaultTarget < cc.Limits.MinTemp || cc.DefaultTarget > cc.Limits.MaxTemp {
			return &ConfigurationError{
				Field:  prefix + ".default_target",
				Reason: fmt.Sprintf("%.1f is outside limits [%.1f, %.1f]", cc.DefaultTarget, cc.Limits.MinTemp, cc.Limits.MaxTemp),
			}
		}
		if cc.Offset.MaxOffset < 0 {
			return &ConfigurationError{Field: prefix + ".offset.max_offset", Reason: "must not be negative"}
		}
		if cc.Offset.MaxChangePerCycle < 0 {
			return &ConfigurationError{Field: prefix + ".offset.max_change_per_cycle", Reason: "must not be negative"}
		}
		if err := validateSensors(prefix+".sensors", cc.Sensors); err != nil {
			return err
		}
		if err := validateQuiet(prefix+".quiet_mode", cc.QuietMode); err != nil {
			return err
		}
	}

	if c.Forecast != nil {
		if err := c.Forecast.validate(); err != nil {
			return err
		}
	}
	if c.MQTT != nil && c.MQTT.Broker == "" {
		return &ConfigurationError{Field: "mqtt.broker", Reason: "required when the mqtt section is present"}
	}
	return nil
}

func validateEntityID(field, id, domain string) error {
	if id == "" {
		return &ConfigurationError{Field: field, Reason: "required"}
	}
	if !strings.HasPrefix(id, domain+".") {
		return &ConfigurationError{
			Field:  field,
			Reason: fmt.Sprintf("%q is not a %s entity", id, domain),
		}
	}
	return nil
}

func validateSensors(prefix string, s SensorsConfig) error {
	for _, ref := range []struct {
		field string
		id    string
	}{
		{prefix + ".room_temp", s.RoomTemp},
		{prefix + ".outdoor_temp", s.OutdoorTemp},
		{prefix + ".power", s.Power},
		{prefix + ".indoor_humidity", s.IndoorHumidity},
		{prefix + ".outdoor_humidity", s.OutdoorHumidity},
	} {
		if ref.id == "" {
			continue
		}
		if !strings.Contains(ref.id, ".") {
			return &ConfigurationError{
				Field:  ref.field,
				Reason: fmt.Sprintf("%q is not an entity ID", ref.id),
			}
		}
	}
	return nil
}

func validateQuiet(prefix string, q QuietConfig) error {
	if !q.Enabled {
		return nil
	}
	if q.StartHour < 0 || q.StartHour > 23 {
		return &ConfigurationError{Field: prefix + ".start_hour", Reason: "must be between 0 and 23"}
	}
	if q.EndHour < 0 || q.EndHour > 23 {
		return &ConfigurationError{Field: prefix + ".end_hour", Reason: "must be between 0 and 23"}
	}
	if q.MinDelta < 0 {
		return &ConfigurationError{Field: prefix + ".min_delta", Reason: "must not be negative"}
	}
	if q.IdlePowerThreshold < 0 {
		return &ConfigurationError{Field: prefix + ".idle_power_threshold", Reason: "must not be negative"}
	}
	return nil
}

func (f *ForecastConfig) validate() error {
	if err := validateEntityID("forecast.weather_entity", f.WeatherEntity, "weather"); err != nil {
		return err
	}
	if f.Latitude < -90 || f.Latitude > 90 {
		return &ConfigurationError{Field: "forecast.latitude", Reason: "must be between -90 and 90"}
	}
	if f.Longitude < -180 || f.Longitude > 180 {
		return &ConfigurationError{Field: "forecast.longitude", Reason: "must be between -180 and 180"}
	}
	for i, s := range f.Strategies {
		prefix := fmt.Sprintf("forecast.strategies[%d]", i)
		kind, err := forecast.ParseStrategyKind(s.Type)
		if err != nil {
			return &ConfigurationError{Field: prefix + ".type", Reason: err.Error()}
		}
		if s.Name == "" {
			return &ConfigurationError{Field: prefix + ".name", Reason: "required"}
		}
		if s.LookaheadHours <= 0 {
			return &ConfigurationError{Field: prefix + ".lookahead_hours", Reason: "must be positive"}
		}
		if s.MinDurationHours < 0 {
			return &ConfigurationError{Field: prefix + ".min_duration_hours", Reason: "must not be negative"}
		}
		if s.PreActionHours < 0 {
			return &ConfigurationError{Field: prefix + ".pre_action_hours", Reason: "must not be negative"}
		}
		if kind == forecast.KindClearSky && s.Condition == "" {
			return &ConfigurationError{Field: prefix + ".condition", Reason: "required for clear_sky strategies"}
		}
		if s.DaylightOnly && f.Latitude == 0 && f.Longitude == 0 {
			return &ConfigurationError{
				Field:  prefix + ".daylight_only",
				Reason: "requires forecast.latitude and forecast.longitude",
			}
		}
	}
	return nil
}

// Interval returns the parsed update interval. Validate guarantees the
// string parses, so a zero value only appears on an unvalidated config.
func (c ClimateConfig) Interval() time.Duration {
	d, err := time.ParseDuration(c.UpdateInterval)
	if err != nil {
		return time.Minute
	}
	return d
}

// LearningEnabled reports whether the feedback loop should run.
func (c ClimateConfig) LearningEnabled() bool {
	return c.Learning == nil || *c.Learning
}

// OffsetLimits maps the limits section onto the offset package type.
func (c ClimateConfig) OffsetLimits() offset.Limits {
	return offset.Limits{
		MinTemp:         c.Limits.MinTemp,
		MaxTemp:         c.Limits.MaxTemp,
		MaxStepPerCycle: c.Limits.MaxStepPerCycle,
	}
}

// OffsetEngine maps the offset section onto the engine config.
func (c ClimateConfig) OffsetEngine() offset.EngineConfig {
	return offset.EngineConfig{
		MaxOffset:         c.Offset.MaxOffset,
		MaxChangePerCycle: c.Offset.MaxChangePerCycle,
	}
}

// Quiet maps the quiet_mode section onto the offset package type.
func (c ClimateConfig) Quiet() offset.QuietModeConfig {
	return offset.QuietModeConfig{
		Enabled:            c.QuietMode.Enabled,
		StartHour:          c.QuietMode.StartHour,
		EndHour:            c.QuietMode.EndHour,
		MinDelta:           c.QuietMode.MinDelta,
		IdlePowerThreshold: c.QuietMode.IdlePowerThreshold,
	}
}

// EngineConfig maps the forecast section onto the forecast package config.
// Strategies with an invalid type are skipped; Validate rejects them long
// before this runs on a loaded config.
func (f *ForecastConfig) EngineConfig() forecast.Config {
	cfg := forecast.Config{
		WeatherEntity: f.WeatherEntity,
		Latitude:      f.Latitude,
		Longitude:     f.Longitude,
	}
	for _, s := range f.Strategies {
		kind, err := forecast.ParseStrategyKind(s.Type)
		if err != nil {
			continue
		}
		enabled := s.Enabled == nil || *s.Enabled
		cfg.Strategies = append(cfg.Strategies, forecast.StrategyConfig{
			Kind:             kind,
			Name:             s.Name,
			Enabled:          enabled,
			TempThreshold:    s.TempThreshold,
			Condition:        s.Condition,
			MinDurationHours: s.MinDurationHours,
			LookaheadHours:   s.LookaheadHours,
			PreActionHours:   s.PreActionHours,
			Adjustment:       s.Adjustment,
			DaylightOnly:     s.DaylightOnly,
		})
	}
	return cfg
}
