package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// InvoiceListItem is one row of the paginated invoice history.
type InvoiceListItem struct {
	ID        int64         `json:"id"`         // Backend identity of the invoice
	Filename  string        `json:"filename"`   // Original upload filename
	Status    InvoiceStatus `json:"status"`     // Current processing status
	CreatedAt Timestamp     `json:"created_at"` // Upload time
}

// InvoiceItem is a line item extracted from an invoice.
type InvoiceItem struct {
	Description        string          `json:"description"`
	Amount             decimal.Decimal `json:"amount"`
	AdvertisingNumbers Tokens          `json:"advertising_numbers,omitempty"`
}

// InvoiceContent holds extracted header fields and line items. It is used for
// both preview data awaiting validation and confirmed final data.
type InvoiceContent struct {
	InvoiceNumber string          `json:"invoice_number"`
	Date          string          `json:"date"`
	BillTo        string          `json:"bill_to"`
	Currency      string          `json:"currency"`
	AmountTotal   decimal.Decimal `json:"amount_total"`
	PaymentTerms  string          `json:"payment_terms,omitempty"`
	Items         []InvoiceItem   `json:"items"`
}

// AdvertisingNumbers flattens the advertising numbers of every line item.
func (c *InvoiceContent) AdvertisingNumbers() []string {
	var numbers []string
	for _, item := range c.Items {
		numbers = append(numbers, item.AdvertisingNumbers...)
	}
	return numbers
}

// InvoiceDetail is the full view of a single invoice.
type InvoiceDetail struct {
	ID          int64           `json:"id,omitempty"`
	InvoiceID   int64           `json:"invoice_id,omitempty"`
	Filename    string          `json:"filename,omitempty"`
	Status      InvoiceStatus   `json:"status"`
	CreatedAt   Timestamp       `json:"created_at"`
	FinalData   *InvoiceContent `json:"final_data,omitempty"`   // Present once processed
	PreviewData *InvoiceContent `json:"preview_data,omitempty"` // Present before confirmation
	Preview     *InvoiceContent `json:"preview,omitempty"`      // Alias some endpoints use for preview_data
}

// Identity returns the invoice id whichever field the backend filled.
func (d *InvoiceDetail) Identity() int64 {
	if d.ID != 0 {
		return d.ID
	}
	return d.InvoiceID
}

// PendingPreview returns the unconfirmed extraction, if any.
func (d *InvoiceDetail) PendingPreview() *InvoiceContent {
	if d.PreviewData != nil {
		return d.PreviewData
	}
	return d.Preview
}

// Content returns final data when present and the pending preview otherwise.
func (d *InvoiceDetail) Content() *InvoiceContent {
	if d.FinalData != nil {
		return d.FinalData
	}
	return d.PendingPreview()
}

// ProcessedInvoiceData is one row of the confirmed invoice data listing.
type ProcessedInvoiceData struct {
	InvoiceID     int64           `json:"invoice_id"`
	InvoiceNumber string          `json:"invoice_number"`
	AmountTotal   decimal.Decimal `json:"amount_total"`
	Date          string          `json:"date"`
	BillTo        string          `json:"bill_to"`
	Currency      string          `json:"currency"`
	PaymentTerms  string          `json:"payment_terms,omitempty"`
	Items         []InvoiceItem   `json:"items"`
	CustomFields  json.RawMessage `json:"custom_fields,omitempty"`
	CompanyID     *int64          `json:"company_id,omitempty"`
}

// PaginatedInvoices is a page of T plus paging metadata.
type PaginatedInvoices[T any] struct {
	Page     int `json:"page"`
	PerPage  int `json:"per_page"`
	Total    int `json:"total"`
	Pages    int `json:"pages"`
	Invoices []T `json:"invoices"`
}

// Normalize fills Pages when the backend omitted it.
func (p *PaginatedInvoices[T]) Normalize() {
	if p.Pages == 0 {
		p.Pages = PageCount(p.Total, p.PerPage)
	}
}

// PageCount returns ceil(total/perPage), or 0 when perPage is not positive.
func PageCount(total, perPage int) int {
	if perPage <= 0 || total <= 0 {
		return 0
	}
	return (total + perPage - 1) / perPage
}

// StatusSummary counts invoices per status.
type StatusSummary struct {
	Summary map[InvoiceStatus]int `json:"summary"`
}

// Total sums every status bucket.
func (s *StatusSummary) Total() int {
	total := 0
	for _, count := range s.Summary {
		total += count
	}
	return total
}

// TrendPoint is the number of invoices that reached a status on one day.
type TrendPoint struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// TrendsResponse is the daily series returned by the trends endpoint.
type TrendsResponse struct {
	TrendData     []TrendPoint  `json:"trend_data"`
	StatusQueried InvoiceStatus `json:"status_queried"`
	StartDate     string        `json:"start_date"`
	EndDate       string        `json:"end_date"`
}

// UploadResponseItem reports the outcome for one uploaded file.
type UploadResponseItem struct {
	InvoiceID *int64        `json:"invoice_id"`
	Filename  string        `json:"filename"`
	Status    InvoiceStatus `json:"status"`
	Message   string        `json:"message"`
}

// Failed reports whether the backend refused this file.
func (u UploadResponseItem) Failed() bool {
	return u.Status == UploadStatusError || u.InvoiceID == nil
}

// ActionResult is returned by confirm, reject and retry.
type ActionResult struct {
	InvoiceID int64         `json:"invoice_id"`
	Status    InvoiceStatus `json:"status"`
	Message   string        `json:"message"`
}

// PreviewUpdateResult is returned after patching preview data.
type PreviewUpdateResult struct {
	InvoiceID int64  `json:"invoice_id"`
	Message   string `json:"message"`
}

// Tokens is a list of identifiers the extractor may emit as strings or numbers.
type Tokens []string

// UnmarshalJSON implements json.Unmarshaler.
func (t *Tokens) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*t = nil
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("expected a list of identifiers: %w", err)
	}

	out := make(Tokens, 0, len(raw))
	for _, element := range raw {
		var s string
		if err := json.Unmarshal(element, &s); err == nil {
			out = append(out, s)
			continue
		}
		var n json.Number
		if err := json.Unmarshal(element, &n); err != nil {
			return fmt.Errorf("identifier %s is neither string nor number", element)
		}
		if i, err := n.Int64(); err == nil {
			out = append(out, strconv.FormatInt(i, 10))
		} else {
			out = append(out, n.String())
		}
	}
	*t = out
	return nil
}
