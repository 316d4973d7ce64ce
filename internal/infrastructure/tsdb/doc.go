// Package tsdb writes controller statistics to VictoriaMetrics.
//
// Points are encoded as InfluxDB line protocol and POSTed in batches to the
// /write endpoint, so any server that accepts that format will work. It is
// the lightweight alternative to the influxdb package for installations
// that run VictoriaMetrics instead of InfluxDB 2.
//
// # Usage
//
//	client, err := tsdb.Connect(ctx, config.TSDBConfig{
//	    Enabled: true,
//	    URL:     "http://localhost:8428",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteDeviceStats("porch", map[string]any{"fps": 60.0}, time.Now())
//
// Writes are batched and flushed on size or timer; failures are reported
// through SetOnError.
package tsdb
