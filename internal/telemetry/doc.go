// Package telemetry routes frames controllers push on their own.
//
// A session hands every frame no request claimed to its sink. Fanout lets
// several consumers share that one slot: the MQTT bridge republishes the
// frames, and a StatsSink records stats pushes through an InfluxDB or
// VictoriaMetrics client.
//
//	stats := telemetry.NewStatsSink(influxClient)
//	sess.SetTelemetrySink(telemetry.NewFanout(bridge, stats))
package telemetry
