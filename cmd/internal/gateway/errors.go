package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrWaiterTimeout is returned when the result did not appear within the polling budget,
	// or the claim was abandoned by its owner.
	ErrWaiterTimeout = errors.New("waiter timeout")

	// ErrClaimNotFound is returned when no claim exists for the key.
	ErrClaimNotFound = errors.New("claim not found")

	// ErrNotOwner is returned when a caller tries to publish or release a claim it does not own.
	ErrNotOwner = errors.New("not claim owner")

	// ErrInvalidInput is returned for empty keys or nil work.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStoreUnavailable is returned when the claim store failed.
	ErrStoreUnavailable = errors.New("claim store unavailable")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid gateway config")
)

// Internal outcomes of a polling round.
var (
	errPending   = errors.New("claim pending")
	errVanished  = errors.New("claim vanished")
	errAbandoned = errors.New("claim abandoned")
)

// OpError wraps a gateway failure with the operation and a stable Kind.
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

type errString string

func (e errString) Error() string { return string(e) }
