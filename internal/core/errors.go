package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDuplicateOrder indicates the client order id is already tracked.
	ErrDuplicateOrder = errors.New("duplicate order")
	// ErrRateLimitTimeout indicates the caller's deadline elapsed while waiting for limiter capacity.
	ErrRateLimitTimeout = errors.New("rate limit wait exceeded deadline")
	// ErrOrderNotFound indicates the order does not exist on the venue.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderRejected indicates the venue refused the order.
	ErrOrderRejected = errors.New("order rejected")
	// ErrInsufficientBalance indicates the venue rejected the action due to insufficient funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrTransient marks a failure expected to clear on retry.
	ErrTransient = errors.New("transient venue failure")
)

// ConfigurationError reports missing or malformed credentials or settings.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return "configuration error: " + e.Field + ": " + e.Reason
}

// RequestFailedError is returned once the retry budget is exhausted.
type RequestFailedError struct {
	Endpoint string
	Attempts int
	Last     error
}

func (e *RequestFailedError) Error() string {
	return fmt.Sprintf("request %s failed after %d attempts: %v", e.Endpoint, e.Attempts, e.Last)
}

func (e *RequestFailedError) Unwrap() error { return e.Last }

// VenueRejectedError reports an explicit refusal of an order by the venue.
type VenueRejectedError struct {
	Reasons []string
}

func (e *VenueRejectedError) Error() string {
	return "venue rejected order: " + strings.Join(e.Reasons, "; ")
}

func (e *VenueRejectedError) Is(target error) bool {
	return target == ErrOrderRejected
}
