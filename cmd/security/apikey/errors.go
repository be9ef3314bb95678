package apikey

import "errors"

// Public, stable errors for callers.
var (
	ErrMissingKey = errors.New("api key missing")
	ErrInvalidKey = errors.New("api key invalid")
)
