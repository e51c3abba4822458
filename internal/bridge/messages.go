package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ApplY3D/com.xiaomi-miio/internal/actions"
	"github.com/ApplY3D/com.xiaomi-miio/internal/hub"
)

// CommandMessage is received on miio/command/{device}.
type CommandMessage struct {
	RequestID  string         `json:"request_id,omitempty"`
	Capability string         `json:"capability,omitempty"`
	Value      any            `json:"value"`
	Action     string         `json:"action,omitempty"`
	Params     actions.Params `json:"params,omitempty"`
}

// AckStatus is the outcome of a command.
type AckStatus string

const (
	// AckAccepted means the device accepted the command.
	AckAccepted AckStatus = "accepted"

	// AckFailed means the command failed; Error says why.
	AckFailed AckStatus = "failed"
)

// AckMessage is published to miio/ack/{device} for every command.
type AckMessage struct {
	RequestID  string    `json:"request_id"`
	DeviceID   string    `json:"device_id"`
	Status     AckStatus `json:"status"`
	Capability string    `json:"capability,omitempty"`
	Action     string    `json:"action,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func newAck(deviceID string, cmd CommandMessage, err error, now time.Time) AckMessage {
	ack := AckMessage{
		RequestID:  cmd.RequestID,
		DeviceID:   deviceID,
		Status:     AckAccepted,
		Capability: cmd.Capability,
		Action:     cmd.Action,
		Timestamp:  now.UTC(),
	}
	if err != nil {
		ack.Status = AckFailed
		ack.Error = err.Error()
	}
	return ack
}

// HealthStatus is the overall state reported on miio/health.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is published to miio/health.
type HealthMessage struct {
	Status             HealthStatus `json:"status"`
	Reason             string       `json:"reason,omitempty"`
	Version            string       `json:"version"`
	Timestamp          time.Time    `json:"timestamp"`
	UptimeSeconds      int64        `json:"uptime_seconds"`
	MQTTConnected      bool         `json:"mqtt_connected"`
	DevicesManaged     int          `json:"devices_managed"`
	DevicesReachable   int          `json:"devices_reachable"`
	GatewaysConfigured int          `json:"gateways_configured"`
	GatewaysConnected  int          `json:"gateways_connected"`
}

// ParseGatewaysList decodes the gatewaysList setting. A blank value or
// JSON null is an empty list.
func ParseGatewaysList(raw string) ([]hub.GatewayIdentity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var ids []hub.GatewayIdentity
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGatewaysList, err)
	}
	for i, id := range ids {
		if strings.TrimSpace(id.Address) == "" {
			return nil, fmt.Errorf("%w: entry %d has no address", ErrInvalidGatewaysList, i+1)
		}
	}
	return ids, nil
}
