package bridge

import "errors"

var (
	// ErrInvalidCommand is returned for a command that names neither a
	// capability nor an action.
	ErrInvalidCommand = errors.New("bridge: invalid command")

	// ErrInvalidGatewaysList is returned when gatewaysList is not a JSON
	// list of {address, token} objects.
	ErrInvalidGatewaysList = errors.New("bridge: invalid gatewaysList")

	// ErrInvalidSetting is returned for a device setting with a bad value.
	ErrInvalidSetting = errors.New("bridge: invalid setting")

	// ErrUnknownSetting is returned for an app setting the bridge does not
	// manage.
	ErrUnknownSetting = errors.New("bridge: unknown setting")

	// ErrStopped is returned once the bridge has been stopped.
	ErrStopped = errors.New("bridge: stopped")
)
