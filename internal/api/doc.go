// Package api implements the local HTTP API of the miio bridge.
//
// This package provides:
//   - Device listing, capability writes, actions and per-device settings
//   - Gateway status and the gatewaysList setting
//   - Gateway pairing helpers (developer key generation and binding)
//   - A websocket stream of device state at /api/v1/ws
//   - Prometheus metrics at /metrics and a runtime status endpoint
//   - Middleware stack (request ID, logging, recovery, CORS, metrics)
//
// The API is meant for the local network and carries no authentication of
// its own.
//
// # Errors
//
// Every error is a JSON object {status, code, message}. Device errors map
// to status codes as follows:
//
//	unknown device                  404 not_found
//	malformed value, zone or room   400 validation_error
//	device not reachable            503 unreachable
//	device or gateway rejected call 502 device_error
package api
