package supervisor

import "errors"

var (
	// ErrConnect is returned when a session could not be opened.
	ErrConnect = errors.New("supervisor: connect failed")

	// ErrSession is returned when a call on a live session failed during a poll.
	ErrSession = errors.New("supervisor: session failed")

	// ErrCall is returned when a single command failed.
	ErrCall = errors.New("supervisor: command failed")

	// ErrUnreachable is returned for commands issued while no session exists.
	ErrUnreachable = errors.New("device unreachable, please try again")

	// ErrDeleted is returned for commands issued after Delete.
	ErrDeleted = errors.New("supervisor: device deleted")
)

// errStale marks a device write dropped because its session was replaced
// or the supervisor deleted.
var errStale = errors.New("supervisor: stale session")
