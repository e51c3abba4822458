package miio

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidToken is returned when a token is not 32 hex characters.
	ErrInvalidToken = errors.New("miio: token must be 32 hex characters")

	// ErrHandshake is returned when the device does not answer the hello packet.
	ErrHandshake = errors.New("miio: handshake failed")

	// ErrTimeout is returned when a call gets no matching response in time.
	ErrTimeout = errors.New("miio: call timed out")

	// ErrClosed is returned for calls on a closed Device.
	ErrClosed = errors.New("miio: device closed")

	// ErrBadPacket is returned for malformed or unverifiable packets.
	ErrBadPacket = errors.New("miio: bad packet")

	// ErrUnexpectedResult is returned when a result does not have the expected shape.
	ErrUnexpectedResult = errors.New("miio: unexpected result")

	// ErrUnsupportedModel is returned by ProfileFor for unknown models.
	ErrUnsupportedModel = errors.New("miio: unsupported model")
)

// RPCError is an error reported by the device itself.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("miio: device error %d: %s", e.Code, e.Message)
}
