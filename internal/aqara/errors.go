package aqara

import "errors"

var (
	// ErrInvalidPassword is returned when a developer key is not 16 characters.
	ErrInvalidPassword = errors.New("aqara: developer key must be 16 characters")

	// ErrNoToken is returned for writes before the gateway has sent a token.
	ErrNoToken = errors.New("aqara: gateway token not known yet")

	// ErrRejected is returned when the gateway answers a write with an error.
	ErrRejected = errors.New("aqara: write rejected")

	// ErrTimeout is returned when a write is not acknowledged in time.
	ErrTimeout = errors.New("aqara: write timed out")

	// ErrClosed is returned for operations on a closed connection.
	ErrClosed = errors.New("aqara: connection closed")
)
