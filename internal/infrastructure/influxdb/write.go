package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteMeterMetric writes one meter's counters as a measurement point.
//
// The write is non-blocking; data is batched and sent asynchronously.
// Tags carry the stable numeric meter id plus the display name so queries
// can group either way.
//
// Example:
//
//	client.WriteMeterMetric(2, "Water", 1024, 55, 200)
func (c *Client) WriteMeterMetric(meterID int, name string, total, today, yesterday int64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"pulse_counts",
		map[string]string{
			"meter_id": strconv.Itoa(meterID),
			"name":     name,
		},
		map[string]interface{}{
			"total":     total,
			"today":     today,
			"yesterday": yesterday,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteAnomaly records a classified counter anomaly (reset, backwards jump,
// overflow rejection) as an event point for later inspection.
func (c *Client) WriteAnomaly(meterID int, kind string, prev, next int64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"pulse_anomalies",
		map[string]string{
			"meter_id": strconv.Itoa(meterID),
			"kind":     kind,
		},
		map[string]interface{}{
			"prev": prev,
			"next": next,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
