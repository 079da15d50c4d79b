// S0PCM Bridge - Pulse Counter to MQTT
//
// This is the main entry point for the S0PCM bridge. The bridge reads
// pulse-count telegrams from an S0PCM-2/S0PCM-5 module over a serial port,
// maintains per-meter daily and lifetime counters, and publishes them to an
// MQTT broker with Home Assistant discovery. Counter state survives restarts
// through retained messages, so the bridge keeps no local storage.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/s0pcm-bridge/internal/bridge"
	"github.com/nerrad567/s0pcm-bridge/internal/hass"
	"github.com/nerrad567/s0pcm-bridge/internal/infrastructure/config"
	"github.com/nerrad567/s0pcm-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/s0pcm-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/s0pcm-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/s0pcm-bridge/internal/meter"
	"github.com/nerrad567/s0pcm-bridge/internal/s0pcm"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// shutdownTimeout bounds how long loops get to stop before the process
// exits with a fault.
const shutdownTimeout = 5 * time.Second

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting S0PCM bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Counter engine holds all measurement and error state. Created before
	// the broker connection so connect failures land in the error state.
	engine := meter.NewEngine(cfg.Meters.IDs, time.Now())

	// Connect to MQTT broker, retrying until it answers or we are told to
	// shut down. Failed attempts land in the error state and are published
	// once a connection finally comes up.
	mqttClient, err := mqtt.ConnectWithRetry(ctx, cfg.MQTT, func(err error) {
		log.Warn("MQTT connection failed, retrying",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"retry_in", cfg.GetMQTTRetry().String(),
			"error", err,
		)
		engine.ReportError(meter.ErrorMQTTConnection, err.Error())
	})
	if err != nil {
		if ctx.Err() != nil {
			log.Info("shutdown requested before MQTT connected")
			return nil
		}
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	engine.ClearErrorKind(meter.ErrorMQTTConnection)
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
		"tls_fallback", mqttClient.TLSFallback(),
	)

	// Connect to InfluxDB (optional pulse telemetry)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// External state store fallback for startup recovery (present when
	// running as a Home Assistant add-on).
	var states bridge.StateQuerier
	if hassClient := hass.NewClient(); hassClient.Available() {
		states = hassClient
		log.Info("state store fallback available")
	} else {
		log.Info("state store fallback unavailable, recovery uses retained messages only")
	}

	// Start the bridge: recovery, discovery, command topics, housekeeping.
	br := bridge.New(cfg, engine, mqttClient, states, influxClient, log, version)
	if err := br.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	log.Info("bridge started")

	// Start the serial reader. It reconnects on its own, so a missing
	// device at boot is a reported error, not a fatal one.
	reader := s0pcm.NewReader(cfg, br, log)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		reader.Run(ctx)
	}()
	log.Info("serial reader started", "port", cfg.Serial.Port)

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Bounded join: the reader and the housekeeping loop both watch ctx.
	select {
	case <-readerDone:
	case <-time.After(shutdownTimeout):
		return fmt.Errorf("serial reader did not stop within %s", shutdownTimeout)
	}
	if err := br.Stop(shutdownTimeout); err != nil {
		return fmt.Errorf("stopping bridge: %w", err)
	}

	// Deferred Close() calls run in reverse order: InfluxDB, then MQTT,
	// which publishes the offline status on the way out.

	log.Info("S0PCM bridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses S0PCM_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("S0PCM_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
