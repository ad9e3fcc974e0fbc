package models

import (
	"fmt"
	"strings"
)

// InvoiceStatus is the processing state the backend reports for an invoice.
// Transitions are owned by the backend; the client only reads them.
type InvoiceStatus string

const (
	StatusPendingProcessing InvoiceStatus = "pending_processing"
	StatusProcessing        InvoiceStatus = "processing"
	StatusWaitingValidation InvoiceStatus = "waiting_validation"
	StatusProcessed         InvoiceStatus = "processed"
	StatusFailed            InvoiceStatus = "failed"
	StatusRejected          InvoiceStatus = "rejected"
	StatusDuplicated        InvoiceStatus = "duplicated"

	// UploadStatusError only appears on upload response items.
	UploadStatusError InvoiceStatus = "error"
)

// KnownStatuses lists every status a list filter may ask for, in display order.
var KnownStatuses = []InvoiceStatus{
	StatusPendingProcessing,
	StatusProcessing,
	StatusWaitingValidation,
	StatusProcessed,
	StatusFailed,
	StatusRejected,
	StatusDuplicated,
}

// IsValid reports whether s is one of KnownStatuses.
func (s InvoiceStatus) IsValid() bool {
	for _, known := range KnownStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// CanConfirm reports whether a confirm action is allowed from s.
func (s InvoiceStatus) CanConfirm() bool {
	return s == StatusWaitingValidation
}

// CanReject reports whether a reject action is allowed from s.
func (s InvoiceStatus) CanReject() bool {
	return s == StatusWaitingValidation
}

// CanRetry reports whether a retry action is allowed from s.
func (s InvoiceStatus) CanRetry() bool {
	return s == StatusFailed || s == StatusRejected
}

func (s InvoiceStatus) String() string {
	return string(s)
}

// ParseStatus converts user input into a known status.
func ParseStatus(value string) (InvoiceStatus, error) {
	status := InvoiceStatus(strings.ToLower(strings.TrimSpace(value)))
	if !status.IsValid() {
		return "", fmt.Errorf("unknown invoice status %q", value)
	}
	return status, nil
}
