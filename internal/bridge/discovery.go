package bridge

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nerrad567/s0pcm-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/s0pcm-bridge/internal/meter"
)

// maxChannels is the largest channel count across supported S0PCM variants.
// Used to purge announcements left behind by a shrunk meter set.
const maxChannels = 5

// discoveryDevice groups all announced entities under one Home Assistant
// device entry.
type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// discoveryPayload is a Home Assistant MQTT discovery config document. One
// struct covers every entity type we announce; omitempty keeps unused
// fields out of the wire format.
type discoveryPayload struct {
	Name              string          `json:"name"`
	UniqueID          string          `json:"unique_id"`
	Device            discoveryDevice `json:"device"`
	StateTopic        string          `json:"state_topic,omitempty"`
	CommandTopic      string          `json:"command_topic,omitempty"`
	AvailabilityTopic string          `json:"availability_topic,omitempty"`
	ValueTemplate     string          `json:"value_template,omitempty"`
	DeviceClass       string          `json:"device_class,omitempty"`
	StateClass        string          `json:"state_class,omitempty"`
	EntityCategory    string          `json:"entity_category,omitempty"`
	PayloadOn         string          `json:"payload_on,omitempty"`
	PayloadOff        string          `json:"payload_off,omitempty"`
	Icon              string          `json:"icon,omitempty"`
	Min               *int64          `json:"min,omitempty"`
	Max               *int64          `json:"max,omitempty"`
	Step              *int64          `json:"step,omitempty"`
	Mode              string          `json:"mode,omitempty"`
}

func (b *Bridge) device() discoveryDevice {
	return discoveryDevice{
		Identifiers:  []string{b.cfg.MQTT.BaseTopic},
		Name:         "S0PCM Reader",
		Model:        "S0PCM",
		Manufacturer: "SmartMeterDashboard",
		SWVersion:    b.version,
	}
}

// uniqueID namespaces entity ids by base topic so two bridges on one broker
// do not collide.
func (b *Bridge) uniqueID(suffix string) string {
	return "s0pcm_" + b.cfg.MQTT.BaseTopic + "_" + suffix
}

func (b *Bridge) meterUniqueID(id int, suffix string) string {
	return b.uniqueID(strconv.Itoa(id) + "_" + suffix)
}

// discoveryMessages renders every discovery config document keyed by its
// config topic. Meter sensor topics follow the current meter key, so a
// rename produces changed payloads and the normal publish diff re-announces
// them.
func (b *Bridge) discoveryMessages(snap meter.Snapshot) map[string]string {
	if !b.cfg.MQTT.Discovery.Enabled {
		return nil
	}

	msgs := make(map[string]string)
	dev := b.device()
	prefix := b.cfg.MQTT.Discovery.Prefix
	avail := b.topics.Status()

	add := func(component string, p discoveryPayload) {
		raw, err := json.Marshal(p)
		if err != nil {
			return
		}
		msgs[mqtt.DiscoveryConfig(prefix, component, p.UniqueID)] = string(raw)
	}

	add("binary_sensor", discoveryPayload{
		Name:           "Status",
		UniqueID:       b.uniqueID("status"),
		Device:         dev,
		StateTopic:     b.topics.Status(),
		DeviceClass:    "connectivity",
		EntityCategory: "diagnostic",
		PayloadOn:      "online",
		PayloadOff:     "offline",
	})
	add("sensor", discoveryPayload{
		Name:              "Error",
		UniqueID:          b.uniqueID("error"),
		Device:            dev,
		AvailabilityTopic: avail,
		StateTopic:        b.topics.Error(),
		EntityCategory:    "diagnostic",
		Icon:              "mdi:alert-circle",
	})
	add("sensor", discoveryPayload{
		Name:              "Version",
		UniqueID:          b.uniqueID("version"),
		Device:            dev,
		AvailabilityTopic: avail,
		StateTopic:        b.topics.Version(),
		EntityCategory:    "diagnostic",
	})
	add("sensor", discoveryPayload{
		Name:              "Firmware",
		UniqueID:          b.uniqueID("firmware"),
		Device:            dev,
		AvailabilityTopic: avail,
		StateTopic:        b.topics.Firmware(),
		EntityCategory:    "diagnostic",
	})
	add("sensor", discoveryPayload{
		Name:              "Startup Time",
		UniqueID:          b.uniqueID("startup_time"),
		Device:            dev,
		AvailabilityTopic: avail,
		StateTopic:        b.topics.StartupTime(),
		DeviceClass:       "timestamp",
		EntityCategory:    "diagnostic",
	})
	add("sensor", discoveryPayload{
		Name:              "Port",
		UniqueID:          b.uniqueID("port"),
		Device:            dev,
		AvailabilityTopic: avail,
		StateTopic:        b.topics.Port(),
		EntityCategory:    "diagnostic",
	})

	for _, m := range snap.Meters {
		label := m.Key()
		for _, sub := range []struct {
			suffix     string
			title      string
			stateClass string
		}{
			{"total", "Total", "total_increasing"},
			{"today", "Today", "total_increasing"},
			{"yesterday", "Yesterday", "measurement"},
		} {
			p := discoveryPayload{
				Name:              fmt.Sprintf("%s %s", label, sub.title),
				UniqueID:          b.meterUniqueID(m.ID, sub.suffix),
				Device:            dev,
				AvailabilityTopic: avail,
				StateClass:        sub.stateClass,
			}
			if b.cfg.MQTT.SplitTopic {
				p.StateTopic = b.topics.Meter(label) + "/" + sub.suffix
			} else {
				p.StateTopic = b.topics.Meter(label)
				p.ValueTemplate = fmt.Sprintf("{{ value_json.%s }}", sub.suffix)
			}
			add("sensor", p)
		}

		idKey := strconv.Itoa(m.ID)
		add("text", discoveryPayload{
			Name:              fmt.Sprintf("Meter %d Name", m.ID),
			UniqueID:          b.meterUniqueID(m.ID, "name_config"),
			Device:            dev,
			StateTopic:        b.topics.MeterName(m.ID),
			CommandTopic:      b.topics.SetName(idKey),
			AvailabilityTopic: avail,
			EntityCategory:    "config",
		})
		minVal, maxVal, step := int64(0), meter.MaxTotal, int64(1)
		add("number", discoveryPayload{
			Name:              fmt.Sprintf("Meter %d Total", m.ID),
			UniqueID:          b.meterUniqueID(m.ID, "total_config"),
			Device:            dev,
			StateTopic:        b.topics.MeterTotal(idKey),
			CommandTopic:      b.topics.SetTotal(idKey),
			AvailabilityTopic: avail,
			EntityCategory:    "config",
			Min:               &minVal,
			Max:               &maxVal,
			Step:              &step,
			Mode:              "box",
		})
	}

	return msgs
}

// purgeMeterDiscovery clears every per-channel announcement at startup.
// Home Assistant drops an entity when its config topic is retained-empty,
// so this removes ghosts left by a shrunk meter set; configured channels
// are re-announced by the first publish pass right after.
func (b *Bridge) purgeMeterDiscovery() {
	if !b.cfg.MQTT.Discovery.Enabled {
		return
	}
	prefix := b.cfg.MQTT.Discovery.Prefix
	for id := 1; id <= maxChannels; id++ {
		for _, entity := range []struct {
			component string
			suffix    string
		}{
			{"sensor", "total"},
			{"sensor", "today"},
			{"sensor", "yesterday"},
			{"text", "name_config"},
			{"number", "total_config"},
		} {
			topic := mqtt.DiscoveryConfig(prefix, entity.component, b.meterUniqueID(id, entity.suffix))
			if err := b.broker.PublishRetained(topic, nil); err != nil {
				b.logger.Warn("discovery purge failed", "topic", topic, "error", err)
			}
		}
	}
}
