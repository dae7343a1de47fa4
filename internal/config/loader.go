// Package config loads and validates the daemon configuration. Parsing
// problems and invalid values surface as typed errors that abort startup;
// this is deliberately the opposite of the runtime control path, which
// degrades instead of failing.
package config

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Loader reads the configuration file.
type Loader struct {
	path   string
	logger *zap.Logger
}

// NewLoader creates a loader for the given file path.
func NewLoader(path string, logger *zap.Logger) *Loader {
	return &Loader{path: path, logger: logger.Named("config")}
}

// Load reads, parses, defaults and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	l.logger.Info("Loading configuration", zap.String("path", l.path))

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l.logger.Info("Configuration loaded",
		zap.Int("climates", len(cfg.Climates)),
		zap.Bool("forecast", cfg.Forecast != nil),
		zap.Bool("mqtt", cfg.MQTT != nil),
		zap.String("store", cfg.Store.Path))
	return &cfg, nil
}
