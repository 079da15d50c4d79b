package mqtt

import "fmt"

// Topics provides builders for the bridge's MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
// All topics hang off a single configurable base level:
//
//	topics := mqtt.Topics{Base: "s0pcmreader"}
//	totalTopic := topics.MeterTotal("Water")
//	// Returns: "s0pcmreader/Water/total"
//
// Meter topics take a key which is either the meter's display name or, when
// no name is set, its numeric id. The id-keyed variants (used for startup
// recovery) always use the numeric id so retained state survives renames.
type Topics struct {
	Base string
}

// =============================================================================
// Diagnostic Topics
// =============================================================================

// Status returns the retained connectivity topic.
//
// Example: s0pcmreader/status
func (t Topics) Status() string {
	return fmt.Sprintf("%s/status", t.Base)
}

// Error returns the retained error topic. Empty payload means healthy.
//
// Example: s0pcmreader/error
func (t Topics) Error() string {
	return fmt.Sprintf("%s/error", t.Base)
}

// Version returns the bridge software version topic.
//
// Example: s0pcmreader/version
func (t Topics) Version() string {
	return fmt.Sprintf("%s/version", t.Base)
}

// Firmware returns the device firmware topic.
//
// Example: s0pcmreader/firmware
func (t Topics) Firmware() string {
	return fmt.Sprintf("%s/firmware", t.Base)
}

// StartupTime returns the process start time topic.
//
// Example: s0pcmreader/startup_time
func (t Topics) StartupTime() string {
	return fmt.Sprintf("%s/startup_time", t.Base)
}

// Port returns the device transport path topic.
//
// Example: s0pcmreader/port
func (t Topics) Port() string {
	return fmt.Sprintf("%s/port", t.Base)
}

// Info returns the combined diagnostics JSON topic.
//
// Example: s0pcmreader/info
func (t Topics) Info() string {
	return fmt.Sprintf("%s/info", t.Base)
}

// Date returns the topic carrying the day the current today bucket belongs to.
//
// Example: s0pcmreader/date
func (t Topics) Date() string {
	return fmt.Sprintf("%s/date", t.Base)
}

// =============================================================================
// Meter Topics
// =============================================================================

// Meter returns the combined JSON topic for a meter (split-topic mode off).
//
// Example: s0pcmreader/Water
func (t Topics) Meter(key string) string {
	return fmt.Sprintf("%s/%s", t.Base, key)
}

// MeterTotal returns the total topic for a meter.
//
// Example: s0pcmreader/Water/total
func (t Topics) MeterTotal(key string) string {
	return fmt.Sprintf("%s/%s/total", t.Base, key)
}

// MeterToday returns the today topic for a meter.
//
// Example: s0pcmreader/Water/today
func (t Topics) MeterToday(key string) string {
	return fmt.Sprintf("%s/%s/today", t.Base, key)
}

// MeterYesterday returns the yesterday topic for a meter.
//
// Example: s0pcmreader/Water/yesterday
func (t Topics) MeterYesterday(key string) string {
	return fmt.Sprintf("%s/%s/yesterday", t.Base, key)
}

// MeterName returns the retained display-name topic for a meter.
// Always keyed by numeric id so the name itself survives restarts.
//
// Example: s0pcmreader/2/name
func (t Topics) MeterName(id int) string {
	return fmt.Sprintf("%s/%d/name", t.Base, id)
}

// =============================================================================
// Command Topics
// =============================================================================

// SetTotal returns the total-correction command topic for a meter.
//
// Example: s0pcmreader/2/total/set
func (t Topics) SetTotal(key string) string {
	return fmt.Sprintf("%s/%s/total/set", t.Base, key)
}

// SetName returns the rename command topic for a meter.
//
// Example: s0pcmreader/2/name/set
func (t Topics) SetName(key string) string {
	return fmt.Sprintf("%s/%s/name/set", t.Base, key)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllTotals returns a pattern matching every meter's total topic.
//
// Pattern: s0pcmreader/+/total
func (t Topics) AllTotals() string {
	return fmt.Sprintf("%s/+/total", t.Base)
}

// AllTodays returns a pattern matching every meter's today topic.
//
// Pattern: s0pcmreader/+/today
func (t Topics) AllTodays() string {
	return fmt.Sprintf("%s/+/today", t.Base)
}

// AllYesterdays returns a pattern matching every meter's yesterday topic.
//
// Pattern: s0pcmreader/+/yesterday
func (t Topics) AllYesterdays() string {
	return fmt.Sprintf("%s/+/yesterday", t.Base)
}

// AllNames returns a pattern matching every meter's name topic.
//
// Pattern: s0pcmreader/+/name
func (t Topics) AllNames() string {
	return fmt.Sprintf("%s/+/name", t.Base)
}

// AllSetTotals returns a pattern matching every total-correction command.
//
// Pattern: s0pcmreader/+/total/set
func (t Topics) AllSetTotals() string {
	return fmt.Sprintf("%s/+/total/set", t.Base)
}

// AllSetNames returns a pattern matching every rename command.
//
// Pattern: s0pcmreader/+/name/set
func (t Topics) AllSetNames() string {
	return fmt.Sprintf("%s/+/name/set", t.Base)
}

// =============================================================================
// Discovery Topics
// =============================================================================

// DiscoveryConfig returns the Home Assistant discovery config topic for an entity.
//
// Example: homeassistant/sensor/s0pcm_s0pcmreader_1_total/config
func DiscoveryConfig(prefix, component, objectID string) string {
	return fmt.Sprintf("%s/%s/%s/config", prefix, component, objectID)
}
