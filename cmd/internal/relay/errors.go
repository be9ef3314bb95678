package relay

import "errors"

var (
	// ErrDownstreamTimeout is returned when the downstream call exceeded RequestTimeout.
	ErrDownstreamTimeout = errors.New("downstream request timeout")

	// ErrDownstream is returned for transport failures talking to a downstream service.
	ErrDownstream = errors.New("downstream request failed")

	// ErrNotConfigured is returned when the downstream target URL is empty.
	ErrNotConfigured = errors.New("downstream not configured")
)
