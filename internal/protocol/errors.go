package protocol

import (
	"fmt"

	"github.com/weiawesome/slippi-broadcast/internal/domain"
)

// RemoteError is an error reply received from the relay.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("relay error %s: %s", e.Code, e.Message)
}

// Unwrap maps relay error codes onto the domain error taxonomy so callers can
// use errors.Is.
func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case ErrCodeUnauthorized:
		return domain.ErrAuthRejected
	case ErrCodeUnknownBroadcast, ErrCodeNotFound:
		return domain.ErrUnknownBroadcast
	default:
		return nil
	}
}

// AsError converts a decoded error message into a RemoteError.
func (m *ErrorMessage) AsError() error {
	return &RemoteError{Code: m.Code, Message: m.Message}
}
