package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nerrad567/s0pcm-bridge/internal/infrastructure/config"
)

func discoveryConfig() *config.Config {
	cfg := testConfig()
	cfg.MQTT.Discovery = config.MQTTDiscoveryConfig{Enabled: true, Prefix: "homeassistant"}
	return cfg
}

func decodePayload(t *testing.T, raw string) discoveryPayload {
	t.Helper()
	var p discoveryPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("unmarshal discovery payload: %v", err)
	}
	return p
}

func TestDiscoveryMessages_Disabled(t *testing.T) {
	b, _ := testBridge(testConfig())
	if msgs := b.discoveryMessages(b.engine.Snapshot()); msgs != nil {
		t.Errorf("discovery disabled but %d messages rendered", len(msgs))
	}
}

func TestDiscoveryMessages_DiagnosticEntities(t *testing.T) {
	b, _ := testBridge(discoveryConfig())
	msgs := b.discoveryMessages(b.engine.Snapshot())

	raw, ok := msgs["homeassistant/binary_sensor/s0pcm_s0pcmreader_status/config"]
	if !ok {
		t.Fatal("status binary_sensor config missing")
	}
	p := decodePayload(t, raw)
	if p.DeviceClass != "connectivity" || p.PayloadOn != "online" || p.PayloadOff != "offline" {
		t.Errorf("status payload = %+v", p)
	}
	if p.StateTopic != "s0pcmreader/status" {
		t.Errorf("status state_topic = %q", p.StateTopic)
	}
	if len(p.Device.Identifiers) != 1 || p.Device.Identifiers[0] != "s0pcmreader" {
		t.Errorf("device identifiers = %v", p.Device.Identifiers)
	}

	for _, suffix := range []string{"error", "version", "firmware", "startup_time", "port"} {
		topic := "homeassistant/sensor/s0pcm_s0pcmreader_" + suffix + "/config"
		raw, ok := msgs[topic]
		if !ok {
			t.Errorf("diagnostic config %q missing", topic)
			continue
		}
		p := decodePayload(t, raw)
		if p.EntityCategory != "diagnostic" {
			t.Errorf("%s entity_category = %q", suffix, p.EntityCategory)
		}
		if p.AvailabilityTopic != "s0pcmreader/status" {
			t.Errorf("%s availability_topic = %q", suffix, p.AvailabilityTopic)
		}
	}

	if p := decodePayload(t, msgs["homeassistant/sensor/s0pcm_s0pcmreader_startup_time/config"]); p.DeviceClass != "timestamp" {
		t.Errorf("startup_time device_class = %q", p.DeviceClass)
	}
}

func TestDiscoveryMessages_MeterSensorsSplitMode(t *testing.T) {
	b, _ := testBridge(discoveryConfig())
	b.engine.Seed(1, 0, 0, 0, "water")
	msgs := b.discoveryMessages(b.engine.Snapshot())

	raw, ok := msgs["homeassistant/sensor/s0pcm_s0pcmreader_1_total/config"]
	if !ok {
		t.Fatal("meter total config missing")
	}
	p := decodePayload(t, raw)
	if p.StateTopic != "s0pcmreader/water/total" {
		t.Errorf("state_topic = %q", p.StateTopic)
	}
	if p.ValueTemplate != "" {
		t.Errorf("split mode should not set value_template, got %q", p.ValueTemplate)
	}
	if p.StateClass != "total_increasing" {
		t.Errorf("state_class = %q", p.StateClass)
	}

	if p := decodePayload(t, msgs["homeassistant/sensor/s0pcm_s0pcmreader_1_yesterday/config"]); p.StateClass != "measurement" {
		t.Errorf("yesterday state_class = %q", p.StateClass)
	}
}

func TestDiscoveryMessages_MeterSensorsCombinedMode(t *testing.T) {
	cfg := discoveryConfig()
	cfg.MQTT.SplitTopic = false
	b, _ := testBridge(cfg)
	msgs := b.discoveryMessages(b.engine.Snapshot())

	p := decodePayload(t, msgs["homeassistant/sensor/s0pcm_s0pcmreader_1_today/config"])
	if p.StateTopic != "s0pcmreader/1" {
		t.Errorf("state_topic = %q", p.StateTopic)
	}
	if p.ValueTemplate != "{{ value_json.today }}" {
		t.Errorf("value_template = %q", p.ValueTemplate)
	}
}

func TestDiscoveryMessages_ConfigEntities(t *testing.T) {
	b, _ := testBridge(discoveryConfig())
	msgs := b.discoveryMessages(b.engine.Snapshot())

	name := decodePayload(t, msgs["homeassistant/text/s0pcm_s0pcmreader_1_name_config/config"])
	if name.CommandTopic != "s0pcmreader/1/name/set" || name.StateTopic != "s0pcmreader/1/name" {
		t.Errorf("name entity topics = %+v", name)
	}

	total := decodePayload(t, msgs["homeassistant/number/s0pcm_s0pcmreader_1_total_config/config"])
	if total.CommandTopic != "s0pcmreader/1/total/set" || total.StateTopic != "s0pcmreader/1/total" {
		t.Errorf("total entity topics = %+v", total)
	}
	if total.Min == nil || *total.Min != 0 || total.Max == nil || *total.Max != 2147483647 {
		t.Errorf("total entity bounds = %+v", total)
	}
	if total.Mode != "box" {
		t.Errorf("total entity mode = %q", total.Mode)
	}
}

func TestPurgeMeterDiscovery(t *testing.T) {
	b, broker := testBridge(discoveryConfig())

	b.purgeMeterDiscovery()

	// Every channel's announcements are cleared, including ones a previous
	// larger configuration may have left behind.
	for _, topic := range []string{
		"homeassistant/sensor/s0pcm_s0pcmreader_1_total/config",
		"homeassistant/sensor/s0pcm_s0pcmreader_3_total/config",
		"homeassistant/number/s0pcm_s0pcmreader_5_total_config/config",
		"homeassistant/text/s0pcm_s0pcmreader_2_name_config/config",
	} {
		if got, ok := broker.last(topic); !ok || got != "" {
			t.Errorf("config %q not cleared: %q", topic, got)
		}
	}
}

func TestStartPurgesThenAnnounces(t *testing.T) {
	b, broker := testBridge(discoveryConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop(time.Second)

	// The purge runs first, then the initial publish re-announces the
	// configured channels.
	history := broker.history("homeassistant/sensor/s0pcm_s0pcmreader_1_total/config")
	if len(history) < 2 || history[0] != "" || history[len(history)-1] == "" {
		t.Errorf("config history = %q, want clear then announce", history)
	}
}

func TestPublishAll_IncludesDiscovery(t *testing.T) {
	b, broker := testBridge(discoveryConfig())
	b.publishAll()

	if _, ok := broker.last("homeassistant/sensor/s0pcm_s0pcmreader_1_total/config"); !ok {
		t.Error("publishAll did not announce meter sensors")
	}
}

func TestPublishAll_RenameReannouncesDiscovery(t *testing.T) {
	b, broker := testBridge(discoveryConfig())
	b.publishAll()

	before, _ := broker.last("homeassistant/sensor/s0pcm_s0pcmreader_1_total/config")

	if _, err := b.engine.SetName("1", "water"); err != nil {
		t.Fatalf("SetName: %v", err)
	}
	b.publishAll()

	after, _ := broker.last("homeassistant/sensor/s0pcm_s0pcmreader_1_total/config")
	if before == after {
		t.Error("rename did not update the discovery announcement")
	}
	p := decodePayload(t, after)
	if p.StateTopic != "s0pcmreader/water/total" {
		t.Errorf("state_topic after rename = %q", p.StateTopic)
	}
	// The unique id derives from the numeric id and base topic only, so the
	// entity keeps its history across renames.
	if p.UniqueID != "s0pcm_s0pcmreader_1_total" {
		t.Errorf("unique_id after rename = %q", p.UniqueID)
	}
}
