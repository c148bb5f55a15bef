package model

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrInvalidURL is returned when the user input cannot be turned into an
// absolute http(s) URL. No fetch is attempted.
var ErrInvalidURL = errors.New("invalid URL")

// ErrAllFallbacksExhausted is returned when every fetch strategy failed.
var ErrAllFallbacksExhausted = errors.New("all fallbacks exhausted")

// NetworkError describes a failed upstream fetch: either a non-2xx response
// (Status set) or a transport failure (Transport set).
type NetworkError struct {
	Status     int
	StatusText string
	Transport  error
}

func (e *NetworkError) Error() string {
	if e.Transport != nil {
		return fmt.Sprintf("upstream transport: %v", e.Transport)
	}
	return fmt.Sprintf("upstream status %d %s", e.Status, e.StatusText)
}

func (e *NetworkError) Unwrap() error { return e.Transport }

// StatusError builds a NetworkError for a non-2xx upstream status.
func StatusError(status int) *NetworkError {
	return &NetworkError{Status: status, StatusText: http.StatusText(status)}
}

// TransportError builds a NetworkError for a connection-level failure.
func TransportError(err error) *NetworkError {
	return &NetworkError{Transport: err}
}

// FailureError is a failed ProxyResult seen as an error. It unwraps to the
// sentinel for its reason.
type FailureError struct {
	Reason      FailureReason
	Detail      string
	Suggestions []string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

func (e *FailureError) Unwrap() error {
	switch e.Reason {
	case ReasonInvalidURL:
		return ErrInvalidURL
	case ReasonAllFallbacksExhausted:
		return ErrAllFallbacksExhausted
	}
	return nil
}
