package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/pixelbridge/internal/client"
	"github.com/nerrad567/pixelbridge/internal/fleet"
)

// deviceResponse describes a managed controller.
type deviceResponse struct {
	Name      string `json:"name"`
	Address   string `json:"address"`
	Static    bool   `json:"static"`
	State     string `json:"state"`
	SessionID string `json:"session_id"`
}

func toDeviceResponse(d fleet.DeviceInfo) deviceResponse {
	return deviceResponse{
		Name:      d.Name,
		Address:   d.Address,
		Static:    d.Static,
		State:     d.State.String(),
		SessionID: d.SessionID,
	}
}

// patternResponse identifies a pattern.
type patternResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// setBrightnessRequest is the body of PUT /devices/{name}/brightness.
type setBrightnessRequest struct {
	Brightness *float64 `json:"brightness"`
	Save       bool     `json:"save"`
}

// setPatternRequest is the body of PUT /devices/{name}/pattern.
type setPatternRequest struct {
	Pattern string `json:"pattern"`
}

// handleListDevices returns every managed controller.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.fleet.Devices()
	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, toDeviceResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": out,
		"count":   len(out),
	})
}

// handleGetDevice returns one controller's connection details.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	for _, d := range s.fleet.Devices() {
		if d.Name == name {
			writeJSON(w, http.StatusOK, toDeviceResponse(d))
			return
		}
	}
	writeNotFound(w, fmt.Sprintf("device %q not found", name))
}

// clientFor resolves the {name} URL parameter, writing a 404 when the
// controller is not managed.
func (s *Server) clientFor(w http.ResponseWriter, r *http.Request) (*client.Client, bool) {
	c, err := s.fleet.Client(chi.URLParam(r, "name"))
	if err != nil {
		writeControllerError(w, err)
		return nil, false
	}
	return c, true
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	c, ok := s.clientFor(w, r)
	if !ok {
		return
	}
	cfg, err := c.HardwareConfig(r.Context())
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleGetVars(w http.ResponseWriter, r *http.Request) {
	c, ok := s.clientFor(w, r)
	if !ok {
		return
	}
	vars, err := c.Vars(r.Context())
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vars)
}

// handleSetVars writes variables to the running pattern. The body is a
// JSON object of variable names to values.
func (s *Server) handleSetVars(w http.ResponseWriter, r *http.Request) {
	c, ok := s.clientFor(w, r)
	if !ok {
		return
	}

	var vars map[string]any
	if err := json.NewDecoder(r.Body).Decode(&vars); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(vars) == 0 {
		writeBadRequest(w, "no variables given")
		return
	}

	if err := c.SetVars(r.Context(), vars); err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vars)
}

func (s *Server) handleSetBrightness(w http.ResponseWriter, r *http.Request) {
	c, ok := s.clientFor(w, r)
	if !ok {
		return
	}

	var req setBrightnessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Brightness == nil {
		writeBadRequest(w, "brightness is required")
		return
	}
	if *req.Brightness < 0 || *req.Brightness > 1 {
		writeBadRequest(w, "brightness must be between 0 and 1")
		return
	}

	if err := c.SetBrightness(r.Context(), *req.Brightness, req.Save); err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"brightness": *req.Brightness})
}

// handleGetPattern returns the running pattern.
func (s *Server) handleGetPattern(w http.ResponseWriter, r *http.Request) {
	c, ok := s.clientFor(w, r)
	if !ok {
		return
	}
	id, err := c.ActivePattern(r.Context())
	if err != nil {
		writeControllerError(w, err)
		return
	}
	name, err := c.ActivePatternName(r.Context())
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, patternResponse{ID: id, Name: name})
}

// handleSetPattern switches pattern by id or name.
func (s *Server) handleSetPattern(w http.ResponseWriter, r *http.Request) {
	c, ok := s.clientFor(w, r)
	if !ok {
		return
	}

	var req setPatternRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Pattern == "" {
		writeBadRequest(w, "pattern is required")
		return
	}

	id, name, err := c.ResolvePattern(r.Context(), req.Pattern)
	if err != nil {
		writeControllerError(w, err)
		return
	}
	confirmed, err := c.SetActivePatternID(r.Context(), id)
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        id,
		"name":      name,
		"confirmed": confirmed,
	})
}

func (s *Server) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	c, ok := s.clientFor(w, r)
	if !ok {
		return
	}
	patterns, err := c.Patterns(r.Context())
	if err != nil {
		writeControllerError(w, err)
		return
	}
	out := make([]patternResponse, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, patternResponse{ID: p.ID, Name: p.Name})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"patterns": out,
		"count":    len(out),
	})
}

// handlePreview returns a pattern's JPEG thumbnail. The pattern "active"
// means the running one.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	c, ok := s.clientFor(w, r)
	if !ok {
		return
	}

	pattern := chi.URLParam(r, "pattern")
	if pattern == "active" {
		pattern = ""
	} else {
		id, _, err := c.ResolvePattern(r.Context(), pattern)
		if err != nil {
			writeControllerError(w, err)
			return
		}
		pattern = id
	}

	img, err := c.PreviewImage(r.Context(), pattern)
	if err != nil {
		writeControllerError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // Best-effort write to response; connection may be closed
	w.Write(img)
}
