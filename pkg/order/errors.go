package order

import (
	"errors"
	"fmt"
)

// ErrInvalidQuote marks a nil or malformed adapter response.
var ErrInvalidQuote = errors.New("invalid quote")

// VenueQuoteFailure is returned by the router when a venue could not quote.
type VenueQuoteFailure struct {
	Venue string
	Err   error
}

func (e *VenueQuoteFailure) Error() string {
	return fmt.Sprintf("venue %s quote failed: %v", e.Venue, e.Err)
}

func (e *VenueQuoteFailure) Unwrap() error { return e.Err }

// ExecutionFailure is returned when the chosen venue failed to execute.
type ExecutionFailure struct {
	Venue string
	Err   error
}

func (e *ExecutionFailure) Error() string {
	return fmt.Sprintf("venue %s execution failed: %v", e.Venue, e.Err)
}

func (e *ExecutionFailure) Unwrap() error { return e.Err }
