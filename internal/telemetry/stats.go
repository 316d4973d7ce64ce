package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/pixelbridge/internal/session"
)

// PreviewFramesField is the field carrying the number of preview frames
// seen since the previous stats point.
const PreviewFramesField = "preview_frames"

// StatsWriter stores one statistics point per controller push.
// Both the InfluxDB and the VictoriaMetrics clients implement it.
type StatsWriter interface {
	WriteDeviceStats(device string, fields map[string]any, ts time.Time)
}

// StatsWriters writes every point to each of its writers.
type StatsWriters []StatsWriter

// WriteDeviceStats implements StatsWriter.
func (ws StatsWriters) WriteDeviceStats(device string, fields map[string]any, ts time.Time) {
	for _, w := range ws {
		w.WriteDeviceStats(device, fields, ts)
	}
}

// StatsSink turns stats pushes into points.
//
// Numeric top-level fields of a telemetry frame (fps, vmerr, mem, uptime,
// storageUsed, ...) become point fields; anything else is ignored. Preview
// frames are only counted, and the count since the last point is attached
// as PreviewFramesField.
type StatsSink struct {
	writer StatsWriter

	mu       sync.Mutex
	previews map[string]uint64

	pointsWritten atomic.Uint64
	previewsTotal atomic.Uint64
}

// SinkStats holds operational statistics.
type SinkStats struct {
	PointsWritten uint64
	PreviewFrames uint64
}

// NewStatsSink returns a sink writing through w.
func NewStatsSink(w StatsWriter) *StatsSink {
	return &StatsSink{
		writer:   w,
		previews: make(map[string]uint64),
	}
}

// HandleFrame implements Sink.
func (s *StatsSink) HandleFrame(device string, f session.Frame) {
	switch f.Kind {
	case session.KindPreviewFrame:
		s.previewsTotal.Add(1)
		s.mu.Lock()
		s.previews[device]++
		s.mu.Unlock()

	case session.KindTelemetry:
		fields := numericFields(f.Fields)
		if len(fields) == 0 {
			return
		}

		s.mu.Lock()
		fields[PreviewFramesField] = float64(s.previews[device])
		delete(s.previews, device)
		s.mu.Unlock()

		ts := f.Received
		if ts.IsZero() {
			ts = time.Now()
		}
		s.writer.WriteDeviceStats(device, fields, ts)
		s.pointsWritten.Add(1)
	}
}

// Stats returns current operational statistics.
func (s *StatsSink) Stats() SinkStats {
	return SinkStats{
		PointsWritten: s.pointsWritten.Load(),
		PreviewFrames: s.previewsTotal.Load(),
	}
}

// numericFields copies the numeric top-level values of a decoded push.
func numericFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		switch n := v.(type) {
		case float64:
			out[k] = n
		case float32:
			out[k] = float64(n)
		case int:
			out[k] = float64(n)
		case int64:
			out[k] = float64(n)
		}
	}
	return out
}

var _ Sink = (*StatsSink)(nil)
