// Package logging provides structured logging for the miio bridge.
//
// It wraps log/slog so every entry carries the service name and version,
// with JSON output for production and text output for development.
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Device tokens and gateway passwords must never be logged in full; use
// Redact when a log line needs to identify which secret was used.
package logging
