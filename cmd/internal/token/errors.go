package token

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for malformed register parameters.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when no token exists for the given id.
	ErrNotFound = errors.New("token not found")

	// ErrExpired is returned when the token is past its expiry.
	ErrExpired = errors.New("token expired")

	// ErrExhausted is returned when the token has no uses left or was explicitly exhausted.
	ErrExhausted = errors.New("token exhausted")

	// ErrConflict is returned by a Store when a concurrent update won the race.
	// The Engine retries conflicts before giving up.
	ErrConflict = errors.New("token update conflict")

	// ErrStoreUnavailable is returned when persistence failed for reasons unrelated to the token.
	ErrStoreUnavailable = errors.New("token store unavailable")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid token config")
)

// OpError ties a failed engine operation to a stable Kind (one of the sentinels above)
// and the underlying cause, if any. errors.Is matches both.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
