// Package influxdb provides an optional time-series sink for pulse
// telemetry.
//
// The bridge's source of truth stays on the MQTT broker; when InfluxDB is
// enabled in configuration, meter counters and classified anomalies are
// additionally written as batched, non-blocking points for long-term
// history and dashboards. A failed or absent InfluxDB never affects
// counting or publishing.
package influxdb
