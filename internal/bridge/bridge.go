package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nerrad567/s0pcm-bridge/internal/infrastructure/config"
	"github.com/nerrad567/s0pcm-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/s0pcm-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/s0pcm-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/s0pcm-bridge/internal/meter"
	"github.com/nerrad567/s0pcm-bridge/internal/s0pcm"
)

// Broker is the slice of the MQTT client the bridge depends on. Satisfied
// by *mqtt.Client and by test fakes.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	PublishRetained(topic string, payload []byte) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
	TLSFallback() bool
	SetOnConnect(callback func())
	SetOnDisconnect(callback func(err error))
}

// Bridge wires the counter engine to the broker and the device reader. It
// owns startup recovery, discovery announcements, the command topics and
// the housekeeping loop that republishes state and rolls days over.
//
// The bridge is the reader's Handler: telegrams arrive on the reader
// goroutine, commands on the MQTT client goroutine, and the housekeeping
// loop runs on its own. All shared state lives behind the engine's lock;
// the publish bookkeeping is touched only by the housekeeping goroutine.
type Bridge struct {
	cfg    *config.Config
	engine *meter.Engine
	broker Broker
	states StateQuerier
	influx *influxdb.Client
	logger *logging.Logger
	topics mqtt.Topics

	version     string
	startupTime time.Time

	trigger  chan struct{}
	resync   atomic.Bool
	prevMsgs map[string]string

	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a bridge. states and influx are optional and may be nil.
func New(cfg *config.Config, engine *meter.Engine, broker Broker, states StateQuerier, influx *influxdb.Client, logger *logging.Logger, version string) *Bridge {
	return &Bridge{
		cfg:         cfg,
		engine:      engine,
		broker:      broker,
		states:      states,
		influx:      influx,
		logger:      logger.With("component", "bridge"),
		topics:      mqtt.Topics{Base: cfg.MQTT.BaseTopic},
		version:     version,
		startupTime: time.Now(),
		trigger:     make(chan struct{}, 1),
		prevMsgs:    make(map[string]string),
	}
}

// Start runs startup recovery, announces the device, subscribes the
// command topics and launches the housekeeping loop. It blocks for the
// recovery window and returns once the loop is running.
func (b *Bridge) Start(ctx context.Context) error {
	if b.started {
		return errors.New("bridge: already started")
	}

	b.broker.SetOnDisconnect(func(err error) {
		msg := "broker connection lost"
		if err != nil {
			msg = "broker connection lost: " + err.Error()
		}
		b.logger.Warn("mqtt disconnected", "error", err)
		b.engine.ReportError(meter.ErrorMQTTConnection, msg)
	})
	b.broker.SetOnConnect(func() {
		b.logger.Info("mqtt connected")
		b.engine.ClearErrorKind(meter.ErrorMQTTConnection)
		// Republish the full tree, discovery included, after a reconnect.
		b.resync.Store(true)
		b.Trigger()
	})
	if b.broker.TLSFallback() {
		b.engine.ReportError(meter.ErrorMQTTConnection,
			"TLS connection failed, running over plaintext")
	}

	NewRecoverer(b.cfg, b.engine, b.broker, b.states, b.logger).Run(ctx)

	b.purgeMeterDiscovery()

	qos := byte(b.cfg.MQTT.QoS)
	for _, filter := range []string{b.topics.AllSetTotals(), b.topics.AllSetNames()} {
		if err := b.broker.Subscribe(filter, qos, b.handleCommand); err != nil {
			b.logger.Error("command subscription failed", "topic", filter, "error", err)
			b.engine.ReportError(meter.ErrorMQTTConnection, "command subscription failed: "+err.Error())
		}
	}

	b.publishAll()

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.started = true
	go b.run(runCtx)

	b.logger.Info("bridge started",
		"meters", len(b.cfg.Meters.IDs),
		"split_topic", b.cfg.MQTT.SplitTopic,
		"discovery", b.cfg.MQTT.Discovery.Enabled)
	return nil
}

// run is the housekeeping loop. The ticker drives periodic republish and
// day rollover; the trigger channel coalesces on-demand publishes from the
// reader and command handlers.
func (b *Bridge) run(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.GetPublishInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.engine.RolloverIfNeeded(time.Now()) {
				b.logger.Info("day rollover")
			}
			// A connection error that outlived its reconnect is stale.
			if b.broker.IsConnected() {
				b.engine.ClearErrorKind(meter.ErrorMQTTConnection)
			}
			b.publishAll()
		case <-b.trigger:
			b.publishAll()
		}
	}
}

// Trigger requests a publish pass without blocking. Multiple requests
// before the loop wakes collapse into one pass.
func (b *Bridge) Trigger() {
	select {
	case b.trigger <- struct{}{}:
	default:
	}
}

// Stop cancels the housekeeping loop and waits for it to exit. A loop that
// fails to stop within timeout is a fatal fault.
func (b *Bridge) Stop(timeout time.Duration) error {
	if !b.started {
		return ErrNotStarted
	}
	b.cancel()
	select {
	case <-b.done:
		return nil
	case <-time.After(timeout):
		return ErrShutdownTimeout
	}
}

// HandleReading applies a parsed device telegram. Header telegrams update
// the firmware diagnostic; data telegrams feed the counter engine.
func (b *Bridge) HandleReading(r s0pcm.Reading) {
	if r.Kind == s0pcm.KindHeader {
		b.logger.Info("device header received", "firmware", r.Firmware)
		b.engine.SetFirmware(r.Firmware)
		b.Trigger()
		return
	}

	result := b.engine.Apply(r.Pulsecounts, time.Now())
	for _, a := range result.Anomalies {
		switch a.Kind {
		case meter.ErrorPulsecountReset:
			b.logger.Warn("pulsecount reset detected",
				"meter", a.MeterID, "prev", a.Prev, "next", a.Next)
		case meter.ErrorPulsecountAnomaly:
			b.logger.Error("pulsecount anomaly, reading discarded",
				"meter", a.MeterID, "prev", a.Prev, "next", a.Next)
		case meter.ErrorTotalOverflow:
			b.logger.Error("counter at maximum, delta rejected",
				"meter", a.MeterID, "prev", a.Prev, "next", a.Next)
		}
		if b.influx != nil {
			b.influx.WriteAnomaly(a.MeterID, a.Kind.String(), a.Prev, a.Next)
		}
	}

	if b.influx != nil && result.Applied {
		snap := b.engine.Snapshot()
		for _, m := range snap.Meters {
			b.influx.WriteMeterMetric(m.ID, m.Name, m.Total, m.Today, m.Yesterday)
		}
	}

	b.Trigger()
}

// HandleFault records a device transport or parse failure.
func (b *Bridge) HandleFault(err error) {
	if errors.Is(err, s0pcm.ErrInvalidTelegram) {
		b.engine.ReportError(meter.ErrorPacketParse, err.Error())
	} else {
		b.engine.ReportError(meter.ErrorSerialConnection, err.Error())
	}
	b.Trigger()
}

// handleCommand processes an inbound */set message.
func (b *Bridge) handleCommand(topic string, payload []byte) error {
	cmd, err := meter.DecodeCommand(b.cfg.MQTT.BaseTopic, topic, payload)
	if err != nil {
		b.logger.Warn("rejected command", "topic", topic, "error", err)
		b.engine.ReportError(meter.ErrorMQTTCommand, err.Error())
		b.Trigger()
		return err
	}

	switch c := cmd.(type) {
	case meter.SetTotalCommand:
		id, err := b.engine.SetTotal(c.Target, c.Value)
		if err != nil {
			b.logger.Warn("set total rejected", "target", c.Target, "value", c.Value, "error", err)
			b.engine.ReportError(meter.ErrorMQTTCommand,
				fmt.Sprintf("set total %q: %v", c.Target, err))
			b.Trigger()
			return err
		}
		b.logger.Info("total overridden by command", "meter", id, "total", c.Value)
	case meter.SetNameCommand:
		id, err := b.engine.SetName(c.Target, c.Name)
		if err != nil {
			b.logger.Warn("set name rejected", "target", c.Target, "error", err)
			b.engine.ReportError(meter.ErrorMQTTCommand,
				fmt.Sprintf("set name %q: %v", c.Target, err))
			b.Trigger()
			return err
		}
		b.logger.Info("meter renamed by command", "meter", id, "name", c.Name)
	}

	b.Trigger()
	return nil
}
