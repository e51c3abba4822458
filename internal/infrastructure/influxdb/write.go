package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the bridge.
const (
	measurementCapability   = "capability"
	measurementAvailability = "availability"
)

// WriteDeviceMetric records one numeric capability value, e.g.
// ("humidifier-bedroom", "measure_humidity", 41).
func (c *Client) WriteDeviceMetric(deviceID, capability string, value float64) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(capabilityPoint(c.site, deviceID, capability, value, time.Now()))
}

// WriteAvailability records a reachability transition. The reason is kept
// as a field so it does not inflate series cardinality.
func (c *Client) WriteAvailability(deviceID string, available bool, reason string) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(availabilityPoint(c.site, deviceID, available, reason, time.Now()))
}

func capabilityPoint(site, deviceID, capability string, value float64, ts time.Time) *write.Point {
	return write.NewPoint(measurementCapability,
		map[string]string{
			"site":       site,
			"device_id":  deviceID,
			"capability": capability,
		},
		map[string]any{"value": value},
		ts)
}

func availabilityPoint(site, deviceID string, available bool, reason string, ts time.Time) *write.Point {
	fields := map[string]any{"available": available}
	if reason != "" {
		fields["reason"] = reason
	}
	return write.NewPoint(measurementAvailability,
		map[string]string{
			"site":      site,
			"device_id": deviceID,
		},
		fields, ts)
}
