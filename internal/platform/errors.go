package platform

import "errors"

var (
	// ErrDeviceNotFound is returned for unknown device ids.
	ErrDeviceNotFound = errors.New("platform: device not found")

	// ErrDeviceExists is returned when adding a device id twice.
	ErrDeviceExists = errors.New("platform: device already exists")

	// ErrNoListener is returned when triggering a capability nobody handles.
	ErrNoListener = errors.New("platform: capability has no listener")

	// ErrSettingNotFound is returned for unset app settings.
	ErrSettingNotFound = errors.New("platform: setting not found")
)
