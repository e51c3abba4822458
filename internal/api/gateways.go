package api

import (
	"io"
	"net/http"

	"github.com/ApplY3D/com.xiaomi-miio/internal/infrastructure/logging"
)

// handleListGateways returns the connected gateways and the sub-device sids
// each one reported.
func (s *Server) handleListGateways(w http.ResponseWriter, _ *http.Request) {
	gateways := s.bridge.Gateways()
	writeJSON(w, http.StatusOK, map[string]any{
		"gateways": gateways,
		"count":    len(gateways),
	})
}

// handleGetGatewaysList returns the gatewaysList setting with developer
// keys redacted.
func (s *Server) handleGetGatewaysList(w http.ResponseWriter, r *http.Request) {
	list, err := s.bridge.GatewaysList(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]map[string]string, 0, len(list))
	for _, id := range list {
		out = append(out, map[string]string{
			"address": id.Address,
			"token":   logging.Redact(id.Token),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSetGatewaysList replaces the gatewaysList setting. The body is the
// JSON list itself.
func (s *Server) handleSetGatewaysList(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "failed to read body")
		return
	}
	if err := s.bridge.SetGatewaysList(r.Context(), string(body)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"gateways": s.bridge.Gateways(),
	})
}
