package compute

import (
	"errors"
	"fmt"
	"strings"
)

// Errors reported by the compute unit. On the wire they travel as
// "<code>: <detail>" strings and are mapped back by ResponseError.
var (
	ErrInvalidMessage          = errors.New("invalid-message")
	ErrUnknownMessageType      = errors.New("unknown-message-type")
	ErrAccelerationUnavailable = errors.New("acceleration-unavailable")
	ErrMemoryCeilingExceeded   = errors.New("memory-ceiling-exceeded")
	ErrUnitStopped             = errors.New("unit-stopped")
	ErrInternal                = errors.New("internal-error")
)

var wireErrors = []error{
	ErrInvalidMessage,
	ErrUnknownMessageType,
	ErrAccelerationUnavailable,
	ErrMemoryCeilingExceeded,
	ErrUnitStopped,
	ErrInternal,
}

// wireError renders err for the error field of a Response.
func wireError(err error) string {
	msg := err.Error()
	for _, sentinel := range wireErrors {
		if errors.Is(err, sentinel) {
			if strings.HasPrefix(msg, sentinel.Error()) {
				return msg
			}
			return sentinel.Error() + ": " + msg
		}
	}
	return ErrInternal.Error() + ": " + msg
}

// ResponseError returns the error carried by resp, or nil when resp is not an
// error response. Known codes unwrap to the package sentinels.
func ResponseError(resp Response) error {
	if resp.Type != TypeError {
		return nil
	}
	msg := resp.Error
	if msg == "" {
		msg = ErrInternal.Error()
	}
	code, detail, _ := strings.Cut(msg, ": ")
	for _, sentinel := range wireErrors {
		if code == sentinel.Error() {
			if detail == "" {
				return sentinel
			}
			return fmt.Errorf("%w: %s", sentinel, detail)
		}
	}
	return fmt.Errorf("%w: %s", ErrInternal, msg)
}
