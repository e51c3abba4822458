package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every topic the bridge publishes or consumes.
const TopicPrefix = "miio"

// Topics provides builders for the bridge's MQTT topics.
// Using these helpers keeps publishers and subscribers in agreement.
//
//	topics := mqtt.Topics{}
//	topics.DeviceCapability("humidifier-bedroom", "measure_humidity")
//	// Returns: "miio/state/humidifier-bedroom/measure_humidity"
type Topics struct{}

// DeviceCapability returns the retained topic carrying one capability value.
//
// Example: miio/state/curtain-living/dim
func (Topics) DeviceCapability(deviceID, capability string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, deviceID, capability)
}

// DeviceAvailability returns the retained topic carrying a device's reachability.
//
// Example: miio/availability/humidifier-bedroom
func (Topics) DeviceAvailability(deviceID string) string {
	return fmt.Sprintf("%s/availability/%s", TopicPrefix, deviceID)
}

// DeviceCommand returns the topic the controller publishes capability commands on.
//
// Example: miio/command/curtain-living
func (Topics) DeviceCommand(deviceID string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, deviceID)
}

// DeviceAck returns the topic command results are published on.
//
// Example: miio/ack/curtain-living
func (Topics) DeviceAck(deviceID string) string {
	return fmt.Sprintf("%s/ack/%s", TopicPrefix, deviceID)
}

// Setting returns the topic an app-level setting is written through.
//
// Example: miio/settings/gatewaysList
func (Topics) Setting(key string) string {
	return fmt.Sprintf("%s/settings/%s", TopicPrefix, key)
}

// Health returns the topic for periodic bridge health reports.
func (Topics) Health() string {
	return TopicPrefix + "/health"
}

// BridgeStatus returns the retained online/offline status topic (also the LWT).
func (Topics) BridgeStatus() string {
	return TopicPrefix + "/bridge/status"
}

// AllDeviceCommands matches commands for every device.
//
// Pattern: miio/command/+
func (Topics) AllDeviceCommands() string {
	return TopicPrefix + "/command/+"
}

// AllSettings matches writes to every app-level setting.
//
// Pattern: miio/settings/+
func (Topics) AllSettings() string {
	return TopicPrefix + "/settings/+"
}

// AllDeviceStates matches every capability value of every device.
//
// Pattern: miio/state/+/+
func (Topics) AllDeviceStates() string {
	return TopicPrefix + "/state/+/+"
}

// AllDeviceAvailability matches the availability of every device.
//
// Pattern: miio/availability/+
func (Topics) AllDeviceAvailability() string {
	return TopicPrefix + "/availability/+"
}

// LastSegment returns the final level of topic when it lives under
// miio/{category}/, e.g. the device id of a command topic.
func LastSegment(topic, category string) (string, bool) {
	prefix := TopicPrefix + "/" + category + "/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(topic, prefix)
	if rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}
