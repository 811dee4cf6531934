package domain

import "errors"

// Connection-layer errors.
var (
	ErrAuthRejected = errors.New("relay rejected credential")
	ErrUnreachable  = errors.New("relay unreachable")
	ErrTimeout      = errors.New("relay handshake timed out")
)

// Session-layer usage errors.
var (
	ErrNotConnected     = errors.New("not connected to relay")
	ErrUnknownBroadcast = errors.New("unknown broadcast")
)

// ErrLocalSourceFailure reports that the emulator source could not be attached
// or stopped producing data.
var ErrLocalSourceFailure = errors.New("local source failure")
