// Package platform is the bridge's implementation of the home controller's
// device interface.
//
// A Device keeps capability values, store values and settings in memory,
// persists values to SQLite, publishes every change as a retained MQTT
// message and records measurements in InfluxDB. Capability listeners
// registered by device handlers are run through Trigger when the
// controller requests a change; the value is committed only if the
// listener succeeds.
//
// AppSettings holds bridge-wide settings such as gatewaysList and notifies
// subscribers when one changes.
package platform
