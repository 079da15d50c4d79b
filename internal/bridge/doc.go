// Package bridge connects the S0PCM counter engine to the MQTT broker.
//
// The Bridge consumes parsed telegrams from the device reader, applies them
// through the engine, and maintains the full retained topic tree on the
// broker: per-channel recovery topics, public meter topics (split or
// combined JSON), diagnostics and Home Assistant discovery announcements.
// It also serves the inbound */set command topics and restores counter
// state at startup from retained messages with an optional external
// state-store fallback.
package bridge
