// Package mqtt provides MQTT client connectivity for the S0PCM bridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - TLS negotiation with optional one-shot plaintext fallback
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// The bridge uses MQTT as its only externalized state store. Meter counters
// and diagnostics are published as retained messages, and the same retained
// messages are read back on startup to reconstruct state.
//
//	S0PCM device ↔ bridge ↔ MQTT broker ↔ consumers (Home Assistant, ...)
//
// # TLS Fallback
//
// When TLS is enabled the TLS port is tried first. If the handshake fails
// and peer verification is off, the client falls back once to the plaintext
// port and reports the downgrade through TLSFallback. With peer verification
// on, the TLS failure is returned and no fallback happens.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	topics := mqtt.Topics{Base: cfg.MQTT.BaseTopic}
//
//	// Subscribe to total-correction commands
//	err = client.Subscribe(topics.AllSetTotals(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish a meter total
//	client.PublishRetained(topics.MeterTotal("Water"), []byte("1024"))
package mqtt
