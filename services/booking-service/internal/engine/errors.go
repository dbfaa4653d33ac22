package engine

import "errors"

var (
	// ErrInvalidInput marks requests rejected before any provider call.
	ErrInvalidInput = errors.New("invalid input")

	// ErrAuthRequired means no usable credentials exist for the caller.
	ErrAuthRequired = errors.New("calendar authorization required")

	// ErrNotFound means a lookup matched no booking.
	ErrNotFound = errors.New("no matching booking")
)
