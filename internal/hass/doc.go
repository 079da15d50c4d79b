// Package hass is a minimal Home Assistant REST client for the fallback
// recovery layer.
//
// When retained MQTT messages do not yield a meter's lifetime total after a
// restart, the bridge asks Home Assistant for the last value its total
// sensor held. Inside an add-on container the core API is reachable through
// the supervisor proxy using the injected SUPERVISOR_TOKEN; outside one the
// client simply reports itself unavailable and recovery proceeds with
// zeroed state.
//
// Only single-entity state reads are implemented. Nothing here writes to
// Home Assistant.
package hass
