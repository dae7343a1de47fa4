package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"smartclimate/internal/api"
	"smartclimate/internal/climate"
	"smartclimate/internal/clock"
	"smartclimate/internal/config"
	"smartclimate/internal/forecast"
	"smartclimate/internal/ha"
	"smartclimate/internal/metrics"
	"smartclimate/internal/offset"
	"smartclimate/internal/override"
	"smartclimate/internal/seasonal"
	"smartclimate/internal/store"
	"smartclimate/internal/telemetry"
	"smartclimate/internal/thermal"
)

func main() {
	// Environment is loaded before the logger so LOG_LEVEL can come
	// from a .env file.
	envErr := godotenv.Load()

	logger := newLogger()
	defer logger.Sync()

	if envErr != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	haURL := os.Getenv("HA_URL")
	haToken := os.Getenv("HA_TOKEN")
	readOnly := os.Getenv("READ_ONLY") == "true"

	if haURL == "" || haToken == "" {
		logger.Fatal("HA_URL and HA_TOKEN environment variables must be set")
	}

	configPath := os.Getenv("CONFIG_FILE")
	if configPath == "" {
		configPath = "smartclimate.yaml"
	}

	// Load and validate configuration. Setup problems abort here; once
	// the daemon is running it degrades instead of exiting.
	cfg, err := config.NewLoader(configPath, logger).Load()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	logger.Info("Starting smartclimate",
		zap.String("url", haURL),
		zap.Int("climates", len(cfg.Climates)),
		zap.Bool("read_only", readOnly))
	if readOnly {
		logger.Info("Running in READ-ONLY mode - no changes will be made to Home Assistant")
	}

	// Connect to Home Assistant
	client := ha.NewClient(haURL, haToken, logger)
	if err := client.Connect(); err != nil {
		logger.Fatal("Failed to connect to Home Assistant", zap.Error(err))
	}
	defer client.Disconnect()

	logger.Info("Connected to Home Assistant")

	// Every wrapped entity and configured sensor must exist before the
	// daemon takes over control.
	if err := config.ValidateEntities(client, cfg, logger); err != nil {
		logger.Fatal("Startup validation failed", zap.Error(err))
	}

	// Open the persistence store
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Fatal("Failed to open store",
			zap.String("path", cfg.Store.Path), zap.Error(err))
	}
	defer db.Close()

	clk := clock.NewRealClock()
	m := metrics.NewMetrics()
	patterns := store.NewPatternRepo(db)
	probes := store.NewProbeRepo(db, clk)

	// Sensor readers are built first so the seasonal learner can borrow
	// an outdoor temperature source from whichever climate has one.
	readers := make([]*climate.SensorReader, len(cfg.Climates))
	var outdoor seasonal.OutdoorTempSource
	for i, cc := range cfg.Climates {
		readers[i] = climate.NewSensorReader(climate.SensorConfig{
			RoomTemp:        cc.Sensors.RoomTemp,
			OutdoorTemp:     cc.Sensors.OutdoorTemp,
			Power:           cc.Sensors.Power,
			IndoorHumidity:  cc.Sensors.IndoorHumidity,
			OutdoorHumidity: cc.Sensors.OutdoorHumidity,
		}, client, logger)
		if outdoor == nil && cc.Sensors.OutdoorTemp != "" {
			outdoor = readers[i].OutdoorTemp
		}
	}

	learner := seasonal.NewLearner(outdoor, patterns, clk, logger)
	if err := learner.Load(context.Background()); err != nil {
		logger.Warn("Failed to load hysteresis patterns, starting fresh", zap.Error(err))
	}

	var forecastEngine *forecast.Engine
	if cfg.Forecast != nil {
		forecastEngine = forecast.NewEngine(cfg.Forecast.EngineConfig(), client, clk, m, logger)
	}

	registry := climate.NewRegistry()
	controllers := make([]*climate.Controller, 0, len(cfg.Climates))
	for i, cc := range cfg.Climates {
		wrapped := climate.WrappedEntityID(cc.WrappedEntity)

		mgr := thermal.NewManager(cc.WrappedEntity,
			thermal.NewStabilityDetector(thermal.DetectorConfig{}, clk, logger),
			probes, readers[i].OutdoorTemp, clk, logger)
		if err := mgr.RestoreFromStore(); err != nil {
			logger.Warn("Failed to restore thermal model",
				zap.String("entity_id", cc.WrappedEntity), zap.Error(err))
		}
		registry.Register(wrapped, mgr)

		var onModeChange func(time.Time)
		if forecastEngine != nil {
			onModeChange = forecastEngine.RecordModeChange
		}

		ctrl := climate.NewController(climate.ControllerConfig{
			WrappedEntity:   wrapped,
			VirtualEntity:   climate.VirtualEntityID(cc.VirtualEntity),
			DefaultTarget:   cc.DefaultTarget,
			UpdateInterval:  cc.Interval(),
			ReadOnly:        readOnly || cc.ReadOnly,
			LearningEnabled: cc.LearningEnabled(),
			Limits:          cc.OffsetLimits(),
		}, climate.Collaborators{
			Client:   client,
			Sensors:  readers[i],
			Offset:   offset.NewEngine(cc.OffsetEngine(), learner, clk, logger),
			Forecast: forecastEngine,
			Modes:    climate.NewModeManager(nil, onModeChange, clk, logger),
			Thermal:  registry,
			Override: override.NewManager(clk, logger),
			Quiet:    offset.NewQuietModeController(cc.Quiet(), logger),
			Delay:    offset.NewDelayLearner(0),
			Seasonal: learner,
			Metrics:  m,
			Clock:    clk,
		}, logger)
		controllers = append(controllers, ctrl)
	}

	for _, ctrl := range controllers {
		if err := ctrl.Start(); err != nil {
			logger.Fatal("Failed to start climate controller", zap.Error(err))
		}
	}

	server := api.NewServer(controllers, m, logger, cfg.HTTP.Listen)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start HTTP server", zap.Error(err))
	}

	var publisher *telemetry.Publisher
	if cfg.MQTT != nil {
		publisher = telemetry.NewPublisher(telemetry.Config{
			Broker:          cfg.MQTT.Broker,
			ClientID:        cfg.MQTT.ClientID,
			Username:        cfg.MQTT.Username,
			Password:        cfg.MQTT.Password,
			TopicPrefix:     cfg.MQTT.TopicPrefix,
			DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
		}, controllers, clk, logger)
		if err := publisher.Start(); err != nil {
			logger.Warn("Failed to start telemetry publisher", zap.Error(err))
		}
	}

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Application running. Press Ctrl+C to exit.")

	<-sigChan

	logger.Info("Shutting down gracefully...")

	// Shutdown runs in reverse of startup: stop publishing, stop
	// serving, stop controlling, then persist what was learned.
	if publisher != nil {
		publisher.Stop()
	}
	if err := server.Stop(); err != nil {
		logger.Warn("HTTP server shutdown failed", zap.Error(err))
	}
	for _, ctrl := range controllers {
		ctrl.Stop()
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := learner.Save(saveCtx); err != nil {
		logger.Warn("Failed to persist hysteresis patterns", zap.Error(err))
	}
}

// newLogger builds the production logger, honoring LOG_LEVEL when set.
func newLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		if level, err := zapcore.ParseLevel(raw); err == nil {
			cfg.Level = zap.NewAtomicLevelAt(level)
		}
	}
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}
