package bridge

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/nerrad567/s0pcm-bridge/internal/meter"
)

// meterPayload is the combined per-meter JSON document used when
// split-topic mode is off.
type meterPayload struct {
	Total     int64 `json:"total"`
	Today     int64 `json:"today"`
	Yesterday int64 `json:"yesterday"`
}

// infoPayload summarises the bridge on the info topic.
type infoPayload struct {
	Version     string `json:"version"`
	Firmware    string `json:"firmware,omitempty"`
	StartupTime string `json:"startup_time"`
	Port        string `json:"port"`
}

// buildMessages renders the complete topic set for a snapshot: diagnostics,
// per-channel recovery topics, the public meter topics and the discovery
// announcements. Everything the bridge owns on the broker comes from this
// one map, so the publish diff below is also authoritative for cleanup.
//
// transient marks topics published without the retained flag when the
// retain option is off. That never includes the channel-keyed topics:
// startup recovery depends on those being retained.
func (b *Bridge) buildMessages(snap meter.Snapshot) (msgs map[string]string, transient map[string]bool) {
	msgs = make(map[string]string)
	transient = make(map[string]bool)

	msgs[b.topics.Version()] = b.version
	msgs[b.topics.Firmware()] = snap.Firmware
	msgs[b.topics.StartupTime()] = b.startupTime.Format(time.RFC3339)
	msgs[b.topics.Port()] = b.cfg.Serial.Port
	msgs[b.topics.Date()] = snap.Date
	msgs[b.topics.Error()] = errorPayload(snap.Error)

	info, err := json.Marshal(infoPayload{
		Version:     b.version,
		Firmware:    snap.Firmware,
		StartupTime: b.startupTime.Format(time.RFC3339),
		Port:        b.cfg.Serial.Port,
	})
	if err == nil {
		msgs[b.topics.Info()] = string(info)
	}

	for _, m := range snap.Meters {
		idKey := strconv.Itoa(m.ID)

		// Channel-keyed topics back startup recovery and the config
		// entities. Always published, rename or not.
		msgs[b.topics.MeterTotal(idKey)] = strconv.FormatInt(m.Total, 10)
		msgs[b.topics.MeterToday(idKey)] = strconv.FormatInt(m.Today, 10)
		msgs[b.topics.MeterYesterday(idKey)] = strconv.FormatInt(m.Yesterday, 10)
		msgs[b.topics.MeterName(m.ID)] = m.Name

		key := m.Key()
		if b.cfg.MQTT.SplitTopic {
			msgs[b.topics.MeterTotal(key)] = strconv.FormatInt(m.Total, 10)
			msgs[b.topics.MeterToday(key)] = strconv.FormatInt(m.Today, 10)
			msgs[b.topics.MeterYesterday(key)] = strconv.FormatInt(m.Yesterday, 10)
			if !b.cfg.MQTT.Retain && key != idKey {
				transient[b.topics.MeterTotal(key)] = true
				transient[b.topics.MeterToday(key)] = true
				transient[b.topics.MeterYesterday(key)] = true
			}
		} else {
			combined, err := json.Marshal(meterPayload{
				Total:     m.Total,
				Today:     m.Today,
				Yesterday: m.Yesterday,
			})
			if err == nil {
				msgs[b.topics.Meter(key)] = string(combined)
				transient[b.topics.Meter(key)] = !b.cfg.MQTT.Retain
			}
		}
	}

	for topic, payload := range b.discoveryMessages(snap) {
		msgs[topic] = payload
	}

	return msgs, transient
}

// errorPayload is empty while healthy so dashboards can alert on any
// non-empty value.
func errorPayload(e meter.ErrorState) string {
	if e.IsZero() {
		return ""
	}
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Message
}

// publishAll diffs the rendered topic set against what was last published
// and sends only the changes as retained messages. Topics that dropped out
// of the set, a renamed meter's old public topics for instance, are cleared
// with an empty retained publish. Failed publishes stay out of the record
// so the next tick retries them.
func (b *Bridge) publishAll() {
	if !b.broker.IsConnected() {
		b.logger.Debug("broker disconnected, skipping publish pass")
		return
	}

	if b.resync.Swap(false) {
		b.prevMsgs = make(map[string]string)
	}

	snap := b.engine.Snapshot()
	msgs, transient := b.buildMessages(snap)

	var stale []string
	for topic := range b.prevMsgs {
		if _, ok := msgs[topic]; !ok {
			stale = append(stale, topic)
		}
	}
	sort.Strings(stale)
	for _, topic := range stale {
		if err := b.broker.PublishRetained(topic, nil); err != nil {
			b.logger.Warn("failed to clear stale topic", "topic", topic, "error", err)
			continue
		}
		b.logger.Debug("cleared stale retained topic", "topic", topic)
		delete(b.prevMsgs, topic)
	}

	topics := make([]string, 0, len(msgs))
	for topic := range msgs {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	qos := byte(b.cfg.MQTT.QoS)
	for _, topic := range topics {
		payload := msgs[topic]
		if prev, ok := b.prevMsgs[topic]; ok && prev == payload {
			continue
		}
		var err error
		if transient[topic] {
			err = b.broker.Publish(topic, []byte(payload), qos, false)
		} else {
			err = b.broker.PublishRetained(topic, []byte(payload))
		}
		if err != nil {
			b.logger.Warn("publish failed", "topic", topic, "error", err)
			continue
		}
		b.prevMsgs[topic] = payload
	}
}
