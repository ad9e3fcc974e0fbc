package actions

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when the invoice's known status does
	// not allow the action. No request is sent.
	ErrInvalidTransition = errors.New("action not allowed in current status")

	// ErrBlankReason is returned when a rejection reason was given but
	// contains only whitespace. No request is sent.
	ErrBlankReason = errors.New("rejection reason must not be blank")

	// ErrUnknownAction is returned for an action kind other than confirm,
	// reject or retry.
	ErrUnknownAction = errors.New("unknown action")
)

// ActionError records which action failed for which invoice.
type ActionError struct {
	Op        string
	Action    Kind
	InvoiceID int64
	Err       error
}

// Error implements the error interface.
func (e *ActionError) Error() string {
	return fmt.Sprintf("actions: %s %s invoice %d: %v", e.Op, e.Action, e.InvoiceID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ActionError) Unwrap() error {
	return e.Err
}
