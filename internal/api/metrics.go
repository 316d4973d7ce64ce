package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Runtime       RuntimeMetrics    `json:"runtime"`
	WebSocket     WSMetrics         `json:"websocket"`
	MQTT          *MQTTMetrics      `json:"mqtt,omitempty"`
	Devices       DeviceMetrics     `json:"devices"`
	Discovery     *DiscoveryMetrics `json:"discovery,omitempty"`
	Telemetry     *TelemetryMetrics `json:"telemetry,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// DeviceMetrics counts managed controllers.
type DeviceMetrics struct {
	Total   int            `json:"total"`
	ByState map[string]int `json:"by_state"`
}

// DiscoveryMetrics contains beacon listener statistics.
type DiscoveryMetrics struct {
	Live            int    `json:"live"`
	BeaconsRx       uint64 `json:"beacons_rx"`
	TimesyncRx      uint64 `json:"timesync_rx"`
	TimesyncTx      uint64 `json:"timesync_tx"`
	PacketsIgnored  uint64 `json:"packets_ignored"`
	DevicesExpired  uint64 `json:"devices_expired"`
	Errors          uint64 `json:"errors"`
	TimesyncEnabled bool   `json:"timesync_enabled"`
}

// TelemetryMetrics contains stats sink counters.
type TelemetryMetrics struct {
	PointsWritten uint64 `json:"points_written"`
	PreviewFrames uint64 `json:"preview_frames"`
}

// handleMetrics returns comprehensive system metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
	}

	if s.mqtt != nil {
		metrics.MQTT = &MQTTMetrics{Connected: s.mqtt.IsConnected()}
	}

	devices := s.fleet.Devices()
	metrics.Devices = DeviceMetrics{
		Total:   len(devices),
		ByState: make(map[string]int),
	}
	for _, d := range devices {
		metrics.Devices.ByState[d.State.String()]++
	}

	if s.listener != nil {
		st := s.listener.Stats()
		metrics.Discovery = &DiscoveryMetrics{
			BeaconsRx:       st.BeaconsRx,
			TimesyncRx:      st.TimesyncRx,
			TimesyncTx:      st.TimesyncTx,
			PacketsIgnored:  st.PacketsIgnored,
			DevicesExpired:  st.DevicesExpired,
			Errors:          st.ErrorsTotal,
			TimesyncEnabled: st.TimesyncEnabled,
		}
		if s.discovery != nil {
			metrics.Discovery.Live = len(s.discovery.List())
		}
	}

	if s.telemetry != nil {
		st := s.telemetry.Stats()
		metrics.Telemetry = &TelemetryMetrics{
			PointsWritten: st.PointsWritten,
			PreviewFrames: st.PreviewFrames,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
