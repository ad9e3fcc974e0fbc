package api

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error kinds carried by APIError. Match them with errors.Is.
var (
	// ErrNetwork is returned when the backend could not be reached or the
	// connection broke before a complete response arrived.
	ErrNetwork = errors.New("backend unreachable")

	// ErrTimeout is returned when a request exceeded the client timeout.
	ErrTimeout = errors.New("request timed out")

	// ErrHTTPStatus is returned for any non-2xx response. ErrNotFound and
	// ErrConflict responses match it as well.
	ErrHTTPStatus = errors.New("backend returned an error status")

	// ErrNotFound is returned for 404 responses.
	ErrNotFound = errors.New("resource not found")

	// ErrConflict is returned for 409 responses, e.g. a duplicate company name.
	ErrConflict = errors.New("resource already exists")

	// ErrDecode is returned when a response that should be JSON is not.
	ErrDecode = errors.New("unexpected response body")

	// ErrInvalidRequest is returned before any network call when the caller
	// passed arguments the backend would reject.
	ErrInvalidRequest = errors.New("invalid request")
)

// ErrorBody is the JSON error payload the backend sends with 4xx/5xx responses.
type ErrorBody struct {
	Error   string          `json:"error"`
	Message string          `json:"message,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// APIError is the single error type returned by Client methods.
type APIError struct {
	// Op is the client operation that failed (e.g. "ListInvoices").
	Op string

	// Kind is one of the sentinel errors above.
	Kind error

	// StatusCode is the HTTP status, or 0 when no response was received.
	StatusCode int

	// Message is a human readable description, taken from the backend error
	// body when available and from the status text otherwise.
	Message string

	// Body is the parsed backend error payload, if any.
	Body *ErrorBody

	// Err is the underlying cause (transport or decode error), if any.
	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("api: %s failed (status %d): %s", e.Op, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("api: %s failed: %s: %v", e.Op, e.Message, e.Err)
	default:
		return fmt.Sprintf("api: %s failed: %s", e.Op, e.Message)
	}
}

// Unwrap returns the underlying cause.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Is matches the error kind. Every 4xx/5xx kind also matches ErrHTTPStatus.
func (e *APIError) Is(target error) bool {
	if target == e.Kind {
		return true
	}
	return target == ErrHTTPStatus && e.StatusCode >= 400
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Message returns the backend's message for err, falling back to err.Error().
func Message(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}

func newInvalidRequest(op, message string) *APIError {
	return &APIError{Op: op, Kind: ErrInvalidRequest, Message: message}
}
