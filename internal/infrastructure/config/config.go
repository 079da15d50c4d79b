package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the S0PCM bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Serial   SerialConfig   `yaml:"serial"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Meters   MetersConfig   `yaml:"meters"`
	Recovery RecoveryConfig `yaml:"recovery"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SerialConfig contains S0PCM device transport settings.
//
// Port accepts either a serial device path ("/dev/ttyACM0") or a stream
// socket address ("socket://host:port") for test and simulator setups.
type SerialConfig struct {
	Port         string `yaml:"port"`
	Baudrate     int    `yaml:"baudrate"`
	DataBits     int    `yaml:"data_bits"`
	Parity       string `yaml:"parity"`
	StopBits     int    `yaml:"stop_bits"`
	ReadTimeout  int    `yaml:"read_timeout"`
	ConnectRetry int    `yaml:"connect_retry"`
}

// MQTTConfig contains MQTT broker connection and publishing settings.
type MQTTConfig struct {
	Broker       MQTTBrokerConfig    `yaml:"broker"`
	Auth         MQTTAuthConfig      `yaml:"auth"`
	TLS          MQTTTLSConfig       `yaml:"tls"`
	BaseTopic    string              `yaml:"base_topic"`
	QoS          int                 `yaml:"qos"`
	Retain       bool                `yaml:"retain"`
	SplitTopic   bool                `yaml:"split_topic"`
	ConnectRetry int                 `yaml:"connect_retry"`
	Discovery    MQTTDiscoveryConfig `yaml:"discovery"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
//
// Protocol selects the MQTT protocol version: "3.1" or "3.1.1".
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLSPort  int    `yaml:"tls_port"`
	ClientID string `yaml:"client_id"`
	Protocol string `yaml:"protocol"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTTLSConfig contains MQTT TLS settings.
//
// When Enabled and CheckPeer is false, a TLS-layer failure falls back once
// to a plaintext connection on the plaintext port. With CheckPeer set the
// fallback is disabled and the connect attempt is retried instead.
type MQTTTLSConfig struct {
	Enabled   bool   `yaml:"enabled"`
	CA        string `yaml:"ca"`
	CheckPeer bool   `yaml:"check_peer"`
}

// MQTTDiscoveryConfig contains Home Assistant MQTT discovery settings.
type MQTTDiscoveryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Prefix  string `yaml:"prefix"`
}

// MetersConfig contains the set of S0PCM inputs to expose.
type MetersConfig struct {
	// IDs is the set of input channels. Defaults to {1..5} (S0PCM-5).
	IDs []int `yaml:"ids"`

	// PublishInterval is the housekeeping tick in seconds between
	// periodic republishes and day-rollover checks.
	PublishInterval int `yaml:"publish_interval"`
}

// RecoveryConfig contains startup state recovery settings.
type RecoveryConfig struct {
	// Wait is how long in seconds to collect retained messages before
	// falling back to the remote state query.
	Wait int `yaml:"wait"`
}

// InfluxDBConfig contains optional pulse telemetry sink settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: S0PCM_SECTION_KEY
// For example: S0PCM_SERIAL_PORT, S0PCM_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
//
// The serial defaults (9600 baud, 7 data bits, even parity, 1 stop bit)
// match the S0PCM-2 and S0PCM-5 factory firmware.
func defaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:         "/dev/ttyACM0",
			Baudrate:     9600,
			DataBits:     7,
			Parity:       "E",
			StopBits:     1,
			ReadTimeout:  30,
			ConnectRetry: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "127.0.0.1",
				Port:     1883,
				TLSPort:  8883,
				ClientID: "s0pcm-bridge",
				Protocol: "3.1.1",
			},
			BaseTopic:    "s0pcmreader",
			QoS:          1,
			Retain:       true,
			SplitTopic:   true,
			ConnectRetry: 5,
			Discovery: MQTTDiscoveryConfig{
				Enabled: true,
				Prefix:  "homeassistant",
			},
		},
		Meters: MetersConfig{
			IDs:             []int{1, 2, 3, 4, 5},
			PublishInterval: 10,
		},
		Recovery: RecoveryConfig{
			Wait: 7,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: S0PCM_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Serial
	if v := os.Getenv("S0PCM_SERIAL_PORT"); v != "" {
		cfg.Serial.Port = v
	}

	// MQTT
	if v := os.Getenv("S0PCM_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("S0PCM_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("S0PCM_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := os.Getenv("S0PCM_MQTT_BASE_TOPIC"); v != "" {
		cfg.MQTT.BaseTopic = v
	}

	// InfluxDB
	if v := os.Getenv("S0PCM_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Serial validation
	if c.Serial.Port == "" {
		errs = append(errs, "serial.port is required")
	}
	switch strings.ToUpper(c.Serial.Parity) {
	case "N", "E", "O":
	default:
		errs = append(errs, "serial.parity must be N, E, or O")
	}

	// MQTT validation
	if c.MQTT.BaseTopic == "" {
		errs = append(errs, "mqtt.base_topic is required")
	}
	if strings.ContainsAny(c.MQTT.BaseTopic, "+#/") {
		errs = append(errs, "mqtt.base_topic must be a single topic level (no /, + or #)")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.Broker.TLSPort < 1 || c.MQTT.Broker.TLSPort > 65535 {
		errs = append(errs, "mqtt.broker.tls_port must be between 1 and 65535")
	}
	switch c.MQTT.Broker.Protocol {
	case "3.1", "3.1.1":
	default:
		errs = append(errs, "mqtt.broker.protocol must be 3.1 or 3.1.1")
	}
	if c.MQTT.Discovery.Enabled && c.MQTT.Discovery.Prefix == "" {
		errs = append(errs, "mqtt.discovery.prefix is required when discovery is enabled")
	}

	// Meter validation
	if len(c.Meters.IDs) == 0 {
		errs = append(errs, "meters.ids must name at least one input")
	}
	seen := make(map[int]bool)
	for _, id := range c.Meters.IDs {
		if id < 1 {
			errs = append(errs, fmt.Sprintf("meters.ids: %d is not a positive id", id))
		}
		if seen[id] {
			errs = append(errs, fmt.Sprintf("meters.ids: %d listed twice", id))
		}
		seen[id] = true
	}
	if c.Meters.PublishInterval < 1 {
		errs = append(errs, "meters.publish_interval must be at least 1 second")
	}

	// Recovery validation
	if c.Recovery.Wait < 0 {
		errs = append(errs, "recovery.wait must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the serial read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.Serial.ReadTimeout) * time.Second
}

// GetSerialRetry returns the serial reconnect interval as a Duration.
func (c *Config) GetSerialRetry() time.Duration {
	return time.Duration(c.Serial.ConnectRetry) * time.Second
}

// GetMQTTRetry returns the MQTT reconnect interval as a Duration.
func (c *Config) GetMQTTRetry() time.Duration {
	return time.Duration(c.MQTT.ConnectRetry) * time.Second
}

// GetRecoveryWait returns the retained-message collection window as a Duration.
func (c *Config) GetRecoveryWait() time.Duration {
	return time.Duration(c.Recovery.Wait) * time.Second
}

// GetPublishInterval returns the housekeeping tick as a Duration.
func (c *Config) GetPublishInterval() time.Duration {
	return time.Duration(c.Meters.PublishInterval) * time.Second
}
