package api

import (
	"net/http"
	"time"
)

// discoveredResponse describes a controller seen on the network.
type discoveredResponse struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	LastSeen string `json:"last_seen"`
}

// handleListDiscovered returns controllers currently sending beacons.
func (s *Server) handleListDiscovered(w http.ResponseWriter, _ *http.Request) {
	if s.discovery == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "discovery is disabled")
		return
	}

	devices := s.discovery.List()
	out := make([]discoveredResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, discoveredResponse{
			ID:       d.ID,
			Address:  d.IP(),
			LastSeen: d.LastSeen.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": out,
		"count":   len(out),
	})
}
