// Package subdevice maps gateway events for Aqara sub-devices onto
// capabilities, and capability requests back onto gateway writes.
//
// Each handler is registered with the hub under its sid. Inbound events
// mark the sub-device available and write only the capabilities whose
// values changed. Capability listeners translate controller requests into
// the key-value writes the gateway understands.
package subdevice
