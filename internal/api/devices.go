package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ApplY3D/com.xiaomi-miio/internal/actions"
)

// handleListDevices returns every device with its state and availability.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.bridge.Devices()
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleGetDevice returns one device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.bridge.Device(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// SetCapabilityRequest is the body of a capability write.
type SetCapabilityRequest struct {
	Value any `json:"value"`
}

// handleSetCapability runs the capability listener for a device, the same
// path a controller write over MQTT takes.
func (s *Server) handleSetCapability(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "capability")

	var req SetCapabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Value == nil {
		writeBadRequest(w, "value is required")
		return
	}

	if err := s.bridge.SetCapability(r.Context(), id, name, req.Value); err != nil {
		s.logger.Warn("capability write failed", "device_id", id, "capability", name, "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"device_id":  id,
		"capability": name,
		"value":      req.Value,
	})
}

// RunActionRequest is the body of an action request. It may be empty.
type RunActionRequest struct {
	Params actions.Params `json:"params"`
}

// handleRunAction runs a named action against a device.
func (s *Server) handleRunAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	action := chi.URLParam(r, "action")

	var req RunActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := s.bridge.RunAction(r.Context(), id, action, req.Params); err != nil {
		s.logger.Warn("action failed", "device_id", id, "action", action, "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"device_id": id,
		"action":    action,
	})
}

// handleUpdateDeviceSettings merges per-device settings. Changing address,
// token or polling reconnects the device.
func (s *Server) handleUpdateDeviceSettings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var values map[string]any
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(values) == 0 {
		writeBadRequest(w, "no settings given")
		return
	}

	changed, err := s.bridge.UpdateDeviceSettings(r.Context(), id, values)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if changed == nil {
		changed = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"changed":   changed,
	})
}
