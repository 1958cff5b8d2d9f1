package channels

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Deliver before a successful Connect.
var ErrNotConnected = errors.New("channels: not connected")

// ErrUnknownSink is returned by New for an unsupported sink type.
type ErrUnknownSink struct {
	Type string
}

func (e *ErrUnknownSink) Error() string {
	return fmt.Sprintf("channels: unknown sink type %q", e.Type)
}

// ErrSendFailed is returned when a notification could not be delivered to
// the platform.
type ErrSendFailed struct {
	Sink     string // notification ID or sink name
	Platform string
	Cause    error
}

func (e *ErrSendFailed) Error() string {
	return fmt.Sprintf("channels: send failed on %s (%s): %v", e.Sink, e.Platform, e.Cause)
}

func (e *ErrSendFailed) Unwrap() error { return e.Cause }

// APIError is an error reported by the platform itself rather than the
// network.
type APIError struct {
	Code        int
	Description string
	RetryAfter  int // seconds, when the platform asks to slow down
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("api error %d: %s (retry after %ds)", e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("api error %d: %s", e.Code, e.Description)
}
