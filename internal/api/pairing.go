package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ApplY3D/com.xiaomi-miio/internal/miio"
	"github.com/ApplY3D/com.xiaomi-miio/internal/pairing"
)

// PairingRequest addresses a device for the pairing helpers.
type PairingRequest struct {
	Address string `json:"address"`
	Token   string `json:"token"`
}

func decodePairingRequest(w http.ResponseWriter, r *http.Request) (PairingRequest, bool) {
	var req PairingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return req, false
	}
	req.Address = strings.TrimSpace(req.Address)
	if req.Address == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "address is required")
		return req, false
	}
	if _, err := miio.ParseToken(req.Token); err != nil {
		writeDomainError(w, err)
		return req, false
	}
	return req, true
}

// handleGenerateKey returns a fresh developer key without installing it.
func (s *Server) handleGenerateKey(w http.ResponseWriter, _ *http.Request) {
	key, err := pairing.GenerateKey()
	if err != nil {
		writeInternalError(w, "failed to generate key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key})
}

// handleBindKey installs a new developer key on a gateway.
func (s *Server) handleBindKey(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePairingRequest(w, r)
	if !ok {
		return
	}
	res, err := s.pairing.BindDeveloperKey(r.Context(), req.Address, req.Token)
	if err != nil {
		s.logger.Warn("binding developer key failed", "address", req.Address, "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleTestConnection checks that a device answers with the given token.
func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePairingRequest(w, r)
	if !ok {
		return
	}
	res, err := s.pairing.TestConnection(r.Context(), req.Address, req.Token)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
