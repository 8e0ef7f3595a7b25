package deepstack

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ValidationError marks a bad local input. No network request was attempted.
type ValidationError struct {
	Input  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid input '%s': %s", e.Input, e.Reason)
}

// NetworkError marks a transport-level failure reaching the service.
type NetworkError struct {
	cause error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.cause)
}

func (e *NetworkError) Unwrap() error {
	return e.cause
}

// TimeoutError marks a request that exceeded its capability timeout.
type TimeoutError struct {
	cause error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request timed out: %v", e.cause)
}

func (e *TimeoutError) Unwrap() error {
	return e.cause
}

// RemoteError marks a well-formed but unsuccessful API response.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("deepstack API error (status %d): %s", e.Status, e.Message)
}

// classifyTransport wraps a transport error as TimeoutError or NetworkError.
func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{cause: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{cause: err}
	}
	return &NetworkError{cause: err}
}

// isNetworkClass reports whether an error is retryable as a network failure.
// Timeouts count: from the caller's view the request may simply have been
// sent too early in the container's life.
func isNetworkClass(err error) bool {
	var networkErr *NetworkError
	var timeoutErr *TimeoutError
	return errors.As(err, &networkErr) || errors.As(err, &timeoutErr)
}
