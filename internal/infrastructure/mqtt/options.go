package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/s0pcm-bridge/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Status payloads for the retained status topic.
// New subscribers receive whichever was published last, and the broker
// publishes StatusOffline via the LWT on an unclean disconnect.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// buildClientOptions creates paho MQTT options from the bridge config.
//
// This configures:
//   - Broker URL (tcp:// or ssl://, with the matching port for each)
//   - MQTT protocol version (3.1 or 3.1.1)
//   - Client ID for identification
//   - Authentication credentials (if provided)
//   - Auto-reconnect at a fixed interval
//   - TLS configuration (if requested)
//   - Clean session mode
func buildClientOptions(cfg config.MQTTConfig, useTLS bool) (*pahomqtt.ClientOptions, error) {
	opts := pahomqtt.NewClientOptions()

	// Broker URL
	scheme := "tcp"
	port := cfg.Broker.Port
	if useTLS {
		scheme = "ssl"
		port = cfg.Broker.TLSPort
	}
	brokerURL := fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, port)
	opts.AddBroker(brokerURL)

	// Client identification
	opts.SetClientID(cfg.Broker.ClientID)

	// Protocol version. Paho speaks 3.1 (wire version 3) and 3.1.1 (wire version 4).
	if cfg.Broker.Protocol == "3.1" {
		opts.SetProtocolVersion(3)
	} else {
		opts.SetProtocolVersion(4)
	}

	// Authentication (if credentials provided)
	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	// Clean session - start fresh on connect (no persistent session on broker)
	opts.SetCleanSession(true)

	// Auto-reconnect at a fixed interval. The retained recovery topics make
	// reconnects cheap, so there is no need for exponential backoff here.
	retry := time.Duration(cfg.ConnectRetry) * time.Second
	if retry <= 0 {
		retry = defaultConnectTimeout
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(retry)
	opts.SetMaxReconnectInterval(retry)

	// Connection timeout
	opts.SetConnectTimeout(defaultConnectTimeout)

	// Keepalive - broker sends PINGs to detect dead connections
	opts.SetKeepAlive(defaultKeepAlive)

	// TLS configuration if requested
	if useTLS {
		tlsConfig, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	return opts, nil
}

// buildTLSConfig creates the TLS configuration for a secure broker connection.
//
// When a CA bundle path is configured it is loaded into the root pool so
// self-signed broker certificates can be trusted. Peer verification is
// skipped entirely when check_peer is disabled.
func buildTLSConfig(cfg config.MQTTTLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tlsMinVersion,
		InsecureSkipVerify: !cfg.CheckPeer, //nolint:gosec // operator opt-out for self-signed brokers
	}

	if cfg.CA != "" {
		pem, err := os.ReadFile(cfg.CA)
		if err != nil {
			return nil, fmt.Errorf("%w: reading CA bundle: %w", ErrTLSConfig, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no certificates found in %s", ErrTLSConfig, cfg.CA)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// configureLWT sets up Last Will and Testament for offline detection.
//
// The LWT message is published by the broker if the client disconnects
// unexpectedly (crash, network failure, etc.). Consumers watching the
// retained status topic see "offline" until the bridge reconnects.
func configureLWT(opts *pahomqtt.ClientOptions, cfg config.MQTTConfig) {
	willTopic := Topics{Base: cfg.BaseTopic}.Status()
	opts.SetWill(willTopic, StatusOffline, byte(cfg.QoS), true)
}
