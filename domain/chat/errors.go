package chat

import "errors"

var (
	// ErrEmptyMessage is returned when the submitted text is blank
	ErrEmptyMessage = errors.New("message cannot be empty")

	// ErrExchangeInFlight is returned when a conversation already awaits a response
	ErrExchangeInFlight = errors.New("an exchange is already awaiting a response for this conversation")

	// ErrBackendFailure wraps any error reported by a backend or its transport
	ErrBackendFailure = errors.New("backend request failed")

	// ErrInvalidTemperature is returned for sampling temperatures outside [0, 2]
	ErrInvalidTemperature = errors.New("temperature must be between 0 and 2")

	// ErrBackendTimeout is returned when the backend did not answer before the deadline
	ErrBackendTimeout = errors.New("backend request timed out")
)
