package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/s0pcm-bridge/internal/infrastructure/config"
	"github.com/nerrad567/s0pcm-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/s0pcm-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/s0pcm-bridge/internal/meter"
	"github.com/nerrad567/s0pcm-bridge/internal/s0pcm"
)

// =============================================================================
// Fake Broker
// =============================================================================

// fakeBroker records publishes and lets tests inject retained messages into
// registered subscription handlers.
type fakeBroker struct {
	mu           sync.Mutex
	published    map[string][]string
	retained     map[string]string
	subs         map[string]mqtt.MessageHandler
	failPublish  bool
	failSub      bool
	tlsFallback  bool
	onConnect    func()
	onDisconnect func(err error)
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		published: make(map[string][]string),
		retained:  make(map[string]string),
		subs:      make(map[string]mqtt.MessageHandler),
	}
}

func (f *fakeBroker) Publish(topic string, payload []byte, qos byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPublish {
		return errors.New("broker down")
	}
	f.published[topic] = append(f.published[topic], string(payload))
	if retained {
		f.retained[topic] = string(payload)
	}
	return nil
}

func (f *fakeBroker) PublishRetained(topic string, payload []byte) error {
	return f.Publish(topic, payload, 1, true)
}

// Subscribe replays matching retained messages to the handler, the way a
// real broker does on subscription.
func (f *fakeBroker) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	if f.failSub {
		f.mu.Unlock()
		return errors.New("broker down")
	}
	f.subs[topic] = handler
	replay := make(map[string]string)
	for rt, payload := range f.retained {
		if topicMatches(topic, rt) {
			replay[rt] = payload
		}
	}
	f.mu.Unlock()
	for rt, payload := range replay {
		_ = handler(rt, []byte(payload))
	}
	return nil
}

func (f *fakeBroker) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, topic)
	return nil
}

func (f *fakeBroker) IsConnected() bool                        { return true }
func (f *fakeBroker) TLSFallback() bool                        { return f.tlsFallback }
func (f *fakeBroker) SetOnConnect(callback func())             { f.onConnect = callback }
func (f *fakeBroker) SetOnDisconnect(callback func(err error)) { f.onDisconnect = callback }

// deliver routes a message to the first subscription filter matching its
// topic, using single-level wildcard matching.
func (f *fakeBroker) deliver(t *testing.T, topic string, payload string) {
	t.Helper()
	f.mu.Lock()
	var handler mqtt.MessageHandler
	for filter, h := range f.subs {
		if topicMatches(filter, topic) {
			handler = h
			break
		}
	}
	f.mu.Unlock()
	if handler == nil {
		t.Fatalf("no subscription matches topic %q", topic)
	}
	_ = handler(topic, []byte(payload))
}

func topicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	if len(fp) != len(tp) {
		return false
	}
	for i := range fp {
		if fp[i] != "+" && fp[i] != tp[i] {
			return false
		}
	}
	return true
}

// last returns the most recent payload published to topic.
func (f *fakeBroker) last(topic string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	history := f.published[topic]
	if len(history) == 0 {
		return "", false
	}
	return history[len(history)-1], true
}

// history returns every payload published to topic, in order.
func (f *fakeBroker) history(topic string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published[topic]...)
}

func (f *fakeBroker) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeBroker) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, history := range f.published {
		n += len(history)
	}
	return n
}

// =============================================================================
// Test Setup
// =============================================================================

func testConfig() *config.Config {
	return &config.Config{
		Serial: config.SerialConfig{Port: "/dev/ttyACM0"},
		MQTT: config.MQTTConfig{
			BaseTopic:  "s0pcmreader",
			QoS:        1,
			Retain:     true,
			SplitTopic: true,
		},
		Meters:   config.MetersConfig{IDs: []int{1, 2}, PublishInterval: 10},
		Recovery: config.RecoveryConfig{Wait: 0},
	}
}

func testBridge(cfg *config.Config) (*Bridge, *fakeBroker) {
	broker := newFakeBroker()
	engine := meter.NewEngine(cfg.Meters.IDs, time.Now())
	b := New(cfg, engine, broker, nil, nil, logging.Default(), "1.0.0-test")
	return b, broker
}

// drainTrigger reports whether a publish request is pending.
func drainTrigger(b *Bridge) bool {
	select {
	case <-b.trigger:
		return true
	default:
		return false
	}
}

// =============================================================================
// Publish Tests
// =============================================================================

func TestPublishAll_SplitTopics(t *testing.T) {
	b, broker := testBridge(testConfig())
	b.engine.Seed(1, 100, 10, 5, "")
	b.engine.Seed(2, 200, 20, 15, "water")

	b.publishAll()

	checks := map[string]string{
		"s0pcmreader/1/total":     "100",
		"s0pcmreader/1/today":     "10",
		"s0pcmreader/1/yesterday": "5",
		"s0pcmreader/2/total":     "200",
		"s0pcmreader/2/name":      "water",
		"s0pcmreader/water/total": "200",
		"s0pcmreader/water/today": "20",
		"s0pcmreader/version":     "1.0.0-test",
		"s0pcmreader/port":        "/dev/ttyACM0",
		"s0pcmreader/error":       "",
	}
	for topic, want := range checks {
		got, ok := broker.last(topic)
		if !ok {
			t.Fatalf("topic %q never published", topic)
		}
		if got != want {
			t.Errorf("topic %q = %q, want %q", topic, got, want)
		}
	}
}

func TestPublishAll_CombinedJSON(t *testing.T) {
	cfg := testConfig()
	cfg.MQTT.SplitTopic = false
	b, broker := testBridge(cfg)
	b.engine.Seed(1, 100, 10, 5, "")

	b.publishAll()

	got, ok := broker.last("s0pcmreader/1")
	if !ok {
		t.Fatal("combined meter topic never published")
	}
	want := `{"total":100,"today":10,"yesterday":5}`
	if got != want {
		t.Errorf("combined payload = %q, want %q", got, want)
	}
	// Channel-keyed recovery topics are published in both modes.
	if _, ok := broker.last("s0pcmreader/1/total"); !ok {
		t.Error("recovery total topic missing in combined mode")
	}
}

func TestPublishAll_OnlyChangesRepublished(t *testing.T) {
	b, broker := testBridge(testConfig())
	b.engine.Seed(1, 100, 10, 5, "")

	b.publishAll()
	first := broker.publishCount()

	b.publishAll()
	if broker.publishCount() != first {
		t.Errorf("unchanged state republished: %d publishes, want %d", broker.publishCount(), first)
	}

	b.engine.Seed(1, 101, 11, 5, "")
	b.publishAll()
	if got, _ := broker.last("s0pcmreader/1/total"); got != "101" {
		t.Errorf("total after change = %q, want 101", got)
	}
}

func TestPublishAll_RenameClearsOldTopics(t *testing.T) {
	b, broker := testBridge(testConfig())
	b.engine.Seed(1, 100, 10, 5, "gas")
	b.publishAll()

	if _, ok := broker.last("s0pcmreader/gas/total"); !ok {
		t.Fatal("named topic never published")
	}

	if _, err := b.engine.SetName("1", "water"); err != nil {
		t.Fatalf("SetName: %v", err)
	}
	b.publishAll()

	if got, _ := broker.last("s0pcmreader/gas/total"); got != "" {
		t.Errorf("old topic not cleared, last payload %q", got)
	}
	if got, _ := broker.last("s0pcmreader/water/total"); got != "100" {
		t.Errorf("new topic = %q, want 100", got)
	}
}

func TestPublishAll_FailedPublishRetried(t *testing.T) {
	b, broker := testBridge(testConfig())
	b.engine.Seed(1, 100, 10, 5, "")

	broker.failPublish = true
	b.publishAll()
	if len(b.prevMsgs) != 0 {
		t.Fatalf("failed publishes recorded: %d entries", len(b.prevMsgs))
	}

	broker.failPublish = false
	b.publishAll()
	if got, _ := broker.last("s0pcmreader/1/total"); got != "100" {
		t.Errorf("retry did not publish total, got %q", got)
	}
}

func TestPublishAll_RetainOffKeepsRecoveryTopicsRetained(t *testing.T) {
	cfg := testConfig()
	cfg.MQTT.Retain = false
	b, broker := testBridge(cfg)
	b.engine.Seed(1, 100, 10, 5, "water")

	b.publishAll()

	broker.mu.Lock()
	defer broker.mu.Unlock()
	if _, ok := broker.retained["s0pcmreader/1/total"]; !ok {
		t.Error("channel-keyed total not retained with retain off")
	}
	if _, ok := broker.retained["s0pcmreader/water/total"]; ok {
		t.Error("public total retained with retain off")
	}
}

func TestPublishAll_ResyncRepublishesEverything(t *testing.T) {
	b, broker := testBridge(testConfig())
	b.engine.Seed(1, 100, 10, 5, "")

	b.publishAll()
	first := broker.publishCount()

	b.resync.Store(true)
	b.publishAll()
	if got := broker.publishCount(); got != 2*first {
		t.Errorf("resync published %d messages, want %d", got-first, first)
	}
}

func TestErrorPayload(t *testing.T) {
	tests := []struct {
		name  string
		state meter.ErrorState
		want  string
	}{
		{"healthy", meter.ErrorState{}, ""},
		{"with message", meter.ErrorState{Kind: meter.ErrorSerialConnection, Message: "open /dev/ttyACM0: no such file"},
			"serial_connection_failure: open /dev/ttyACM0: no such file"},
		{"kind only", meter.ErrorState{Kind: meter.ErrorPulsecountReset}, "pulsecount_reset"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorPayload(tt.state); got != tt.want {
				t.Errorf("errorPayload() = %q, want %q", got, tt.want)
			}
		})
	}
}

// =============================================================================
// Reading and Fault Handling Tests
// =============================================================================

func TestHandleReading_DataTelegram(t *testing.T) {
	b, _ := testBridge(testConfig())

	b.HandleReading(s0pcm.Reading{
		Kind:        s0pcm.KindData,
		Pulsecounts: map[int]int64{1: 5, 2: 3},
	})

	snap := b.engine.Snapshot()
	m := snap.Meter(1)
	if m == nil || m.Total != 5 || m.Today != 5 {
		t.Fatalf("meter 1 after telegram = %+v", m)
	}
	if !drainTrigger(b) {
		t.Error("telegram did not request a publish")
	}
}

func TestHandleReading_Header(t *testing.T) {
	b, _ := testBridge(testConfig())

	b.HandleReading(s0pcm.Reading{Kind: s0pcm.KindHeader, Firmware: "S0PCM-5:a337"})

	if fw := b.engine.Snapshot().Firmware; fw != "S0PCM-5:a337" {
		t.Errorf("firmware = %q", fw)
	}
	if !drainTrigger(b) {
		t.Error("header did not request a publish")
	}
}

func TestHandleFault_Classification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want meter.ErrorKind
	}{
		{"parse failure", fmt.Errorf("%w: bad line", s0pcm.ErrInvalidTelegram), meter.ErrorPacketParse},
		{"connect failure", fmt.Errorf("%w: no such device", s0pcm.ErrConnect), meter.ErrorSerialConnection},
		{"read failure", fmt.Errorf("%w: EOF", s0pcm.ErrRead), meter.ErrorSerialConnection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := testBridge(testConfig())
			b.HandleFault(tt.err)
			if got := b.engine.CurrentError().Kind; got != tt.want {
				t.Errorf("error kind = %v, want %v", got, tt.want)
			}
		})
	}
}

// =============================================================================
// Command Tests
// =============================================================================

func TestHandleCommand_SetTotal(t *testing.T) {
	b, _ := testBridge(testConfig())

	if err := b.handleCommand("s0pcmreader/1/total/set", []byte("5000")); err != nil {
		t.Fatalf("handleCommand: %v", err)
	}
	if m := b.engine.Snapshot().Meter(1); m.Total != 5000 {
		t.Errorf("total = %d, want 5000", m.Total)
	}
}

func TestHandleCommand_SetTotalByName(t *testing.T) {
	b, _ := testBridge(testConfig())
	b.engine.Seed(1, 100, 0, 0, "water")

	if err := b.handleCommand("s0pcmreader/water/total/set", []byte("7500")); err != nil {
		t.Fatalf("handleCommand: %v", err)
	}
	if m := b.engine.Snapshot().Meter(1); m.Total != 7500 {
		t.Errorf("total = %d, want 7500", m.Total)
	}
}

func TestHandleCommand_SetName(t *testing.T) {
	b, _ := testBridge(testConfig())

	if err := b.handleCommand("s0pcmreader/2/name/set", []byte("gas")); err != nil {
		t.Fatalf("handleCommand: %v", err)
	}
	if m := b.engine.Snapshot().Meter(2); m.Name != "gas" {
		t.Errorf("name = %q, want gas", m.Name)
	}
}

func TestHandleCommand_InvalidPayload(t *testing.T) {
	b, _ := testBridge(testConfig())

	if err := b.handleCommand("s0pcmreader/1/total/set", []byte("not-a-number")); err == nil {
		t.Fatal("expected error for bad payload")
	}
	if got := b.engine.CurrentError().Kind; got != meter.ErrorMQTTCommand {
		t.Errorf("error kind = %v, want ErrorMQTTCommand", got)
	}
	if m := b.engine.Snapshot().Meter(1); m.Total != 0 {
		t.Errorf("total changed by bad command: %d", m.Total)
	}
}

func TestHandleCommand_UnknownMeter(t *testing.T) {
	b, _ := testBridge(testConfig())

	if err := b.handleCommand("s0pcmreader/99/total/set", []byte("10")); err == nil {
		t.Fatal("expected error for unknown meter")
	}
	if got := b.engine.CurrentError().Kind; got != meter.ErrorMQTTCommand {
		t.Errorf("error kind = %v, want ErrorMQTTCommand", got)
	}
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestStartStop(t *testing.T) {
	b, broker := testBridge(testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Command subscriptions are live after Start.
	broker.deliver(t, "s0pcmreader/1/total/set", "42")
	if m := b.engine.Snapshot().Meter(1); m.Total != 42 {
		t.Errorf("command after Start: total = %d, want 42", m.Total)
	}

	if err := b.Stop(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStop_NotStarted(t *testing.T) {
	b, _ := testBridge(testConfig())
	if err := b.Stop(time.Second); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Stop before Start = %v, want ErrNotStarted", err)
	}
}

func TestStart_TLSFallbackReported(t *testing.T) {
	b, broker := testBridge(testConfig())
	broker.tlsFallback = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop(time.Second)

	if got := b.engine.CurrentError().Kind; got != meter.ErrorMQTTConnection {
		t.Errorf("error kind = %v, want ErrorMQTTConnection", got)
	}
}

func TestDisconnectReconnectErrorSurface(t *testing.T) {
	b, broker := testBridge(testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop(time.Second)

	broker.onDisconnect(errors.New("connection refused"))
	if got := b.engine.CurrentError().Kind; got != meter.ErrorMQTTConnection {
		t.Fatalf("after disconnect: error kind = %v", got)
	}

	broker.onConnect()
	if got := b.engine.CurrentError().Kind; got != meter.ErrorNone {
		t.Errorf("after reconnect: error kind = %v, want ErrorNone", got)
	}
}
