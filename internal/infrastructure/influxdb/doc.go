// Package influxdb provides InfluxDB connectivity for pixelbridge.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched statistics writes and health monitoring.
//
// # Usage
//
//	cfg := config.InfluxDBConfig{
//	    Enabled: true,
//	    URL:     "http://localhost:8086",
//	    Token:   "your-token",
//	    Org:     "home",
//	    Bucket:  "lighting",
//	}
//
//	client, err := influxdb.Connect(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteDeviceStats("porch", map[string]any{"fps": 60.0}, time.Now())
//
// # Error Handling
//
// Writes are non-blocking and batched; batch failures are delivered to the
// SetOnError callback wrapped in ErrWriteFailed. Connection and health
// check errors are returned directly.
package influxdb
