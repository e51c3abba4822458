// Package database provides the bridge's SQLite storage.
//
// The database keeps what must survive a restart: the last capability and
// store values of every device and the app-level settings (gatewaysList).
// Schema changes are plain SQL migrations embedded in the binary and
// applied at startup by Migrate.
package database
