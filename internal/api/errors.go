package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ApplY3D/com.xiaomi-miio/internal/actions"
	"github.com/ApplY3D/com.xiaomi-miio/internal/bridge"
	"github.com/ApplY3D/com.xiaomi-miio/internal/capability"
	"github.com/ApplY3D/com.xiaomi-miio/internal/hub"
	"github.com/ApplY3D/com.xiaomi-miio/internal/miio"
	"github.com/ApplY3D/com.xiaomi-miio/internal/platform"
	"github.com/ApplY3D/com.xiaomi-miio/internal/supervisor"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeInternal     = "internal_error"
	ErrCodeValidation   = "validation_error"
	ErrCodeUnreachable  = "unreachable"
	ErrCodeDevice       = "device_error"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDomainError maps an error from the bridge, actions or pairing
// helpers onto a status code. The message is the error text, which is
// meant to be readable.
func writeDomainError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, platform.ErrDeviceNotFound),
		errors.Is(err, actions.ErrUnknownAction),
		errors.Is(err, platform.ErrNoListener):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, actions.ErrInvalidZones),
		errors.Is(err, actions.ErrInvalidRooms),
		errors.Is(err, actions.ErrInvalidArgument),
		errors.Is(err, actions.ErrUnsupported),
		errors.Is(err, capability.ErrInvalidValue),
		errors.Is(err, capability.ErrInvalidLevel),
		errors.Is(err, bridge.ErrInvalidSetting),
		errors.Is(err, bridge.ErrInvalidGatewaysList),
		errors.Is(err, miio.ErrInvalidToken):
		return http.StatusBadRequest, ErrCodeValidation
	case errors.Is(err, supervisor.ErrUnreachable),
		errors.Is(err, supervisor.ErrDeleted),
		errors.Is(err, bridge.ErrStopped):
		return http.StatusServiceUnavailable, ErrCodeUnreachable
	case errors.Is(err, supervisor.ErrCall),
		errors.Is(err, hub.ErrGatewayNotFound),
		errors.Is(err, hub.ErrWriteFailed),
		errors.Is(err, miio.ErrHandshake),
		errors.Is(err, miio.ErrTimeout),
		isRPCError(err):
		return http.StatusBadGateway, ErrCodeDevice
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

func isRPCError(err error) bool {
	var rpc *miio.RPCError
	return errors.As(err, &rpc)
}
