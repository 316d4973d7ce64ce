package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// StatsMeasurement is the measurement controller statistics are written to.
const StatsMeasurement = "pixelblaze_stats"

// WriteDeviceStats records one statistics push from a controller.
//
// The write is non-blocking; data is batched and sent asynchronously.
// Points with no fields are dropped.
//
// Example:
//
//	client.WriteDeviceStats("porch", map[string]any{"fps": 58.2, "mem": 10240.0}, time.Now())
func (c *Client) WriteDeviceStats(device string, fields map[string]any, ts time.Time) {
	if len(fields) == 0 {
		return
	}
	c.WritePointWithTime(StatsMeasurement, map[string]string{"device": device}, fields, ts)
}

// WritePoint writes a custom point timestamped now.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a custom point with a specific timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
	c.pointsWritten.Add(1)
}
