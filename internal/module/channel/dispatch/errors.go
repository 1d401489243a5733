package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrNotSupported matches every NotSupportedError.
	ErrNotSupported = errors.New("payment method not supported")

	// ErrAdapterPanic is returned when an adapter panics during a call.
	ErrAdapterPanic = errors.New("adapter panicked")
)

// NotSupportedError reports an unknown channel, an unknown method, or a
// capability the channel does not declare. Callers show it as "payment
// method unavailable" rather than as a provider failure.
type NotSupportedError struct {
	Channel string
	Method  Method
	Reason  string
}

func (e *NotSupportedError) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.Channel, e.Method, e.Reason)
}

// Is makes errors.Is(err, ErrNotSupported) hold.
func (e *NotSupportedError) Is(target error) bool {
	return target == ErrNotSupported
}

func notSupported(channel string, method Method, format string, args ...any) error {
	return &NotSupportedError{Channel: channel, Method: method, Reason: fmt.Sprintf(format, args...)}
}
