package hub

import "errors"

var (
	// ErrGatewayNotFound is returned when no connected gateway owns a sid.
	ErrGatewayNotFound = errors.New("hub: gateway not found")

	// ErrWriteFailed wraps a write the gateway rejected or did not ack.
	ErrWriteFailed = errors.New("hub: write failed")

	// ErrDial wraps a gateway connection that could not be established.
	ErrDial = errors.New("hub: gateway connection failed")

	// ErrInvalidGateway is returned for gateway entries without an address.
	ErrInvalidGateway = errors.New("hub: invalid gateway entry")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("hub: closed")
)
