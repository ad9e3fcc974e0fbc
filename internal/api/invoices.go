package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"invoicedesk/pkg/models"
)

// Sort orders accepted by the list endpoint.
const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

// ListQuery selects a page of the invoice history.
type ListQuery struct {
	Page      int
	PerPage   int
	Statuses  []models.InvoiceStatus
	Search    string
	SortBy    string // defaults to created_at
	SortOrder string // asc or desc, defaults to desc
}

// Values encodes q in the backend's query format. Statuses are sorted so
// equivalent queries produce identical cache keys.
func (q ListQuery) Values() url.Values {
	v := url.Values{}
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.PerPage > 0 {
		v.Set("per_page", strconv.Itoa(q.PerPage))
	}

	statuses := make([]string, 0, len(q.Statuses))
	for _, s := range q.Statuses {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		v.Add("status", s)
	}

	if search := strings.TrimSpace(q.Search); search != "" {
		v.Set("search", search)
	}

	sortBy := q.SortBy
	if sortBy == "" {
		sortBy = "created_at"
	}
	v.Set("sort_by", sortBy)

	sortOrder := strings.ToLower(q.SortOrder)
	if sortOrder != SortAsc {
		sortOrder = SortDesc
	}
	v.Set("sort_order", sortOrder)
	return v
}

// ListInvoices returns one page of the invoice history.
func (c *Client) ListInvoices(ctx context.Context, q ListQuery) (*models.PaginatedInvoices[models.InvoiceListItem], error) {
	const op = "ListInvoices"

	var page models.PaginatedInvoices[models.InvoiceListItem]
	if err := c.getJSON(ctx, op, "/api/invoices/", q.Values(), &page, true); err != nil {
		return nil, err
	}
	page.Normalize()
	return &page, nil
}

// GetInvoice returns the full record of one invoice.
func (c *Client) GetInvoice(ctx context.Context, id int64) (*models.InvoiceDetail, error) {
	const op = "GetInvoice"

	var detail models.InvoiceDetail
	if err := c.getJSON(ctx, op, invoicePath(id, ""), nil, &detail, false); err != nil {
		return nil, err
	}
	return &detail, nil
}

// DataQuery selects a page of confirmed invoice data.
type DataQuery struct {
	Page     int
	PerPage  int
	OpNumber string
}

func (q DataQuery) values() url.Values {
	v := url.Values{}
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.PerPage > 0 {
		v.Set("per_page", strconv.Itoa(q.PerPage))
	}
	if op := strings.TrimSpace(q.OpNumber); op != "" {
		v.Set("op_number", op)
	}
	return v
}

// ListInvoiceData returns one page of processed invoice data.
func (c *Client) ListInvoiceData(ctx context.Context, q DataQuery) (*models.PaginatedInvoices[models.ProcessedInvoiceData], error) {
	const op = "ListInvoiceData"

	var page models.PaginatedInvoices[models.ProcessedInvoiceData]
	if err := c.getJSON(ctx, op, "/api/invoices/data", q.values(), &page, true); err != nil {
		return nil, err
	}
	page.Normalize()
	return &page, nil
}

// DateRange limits summary and trend queries. Dates use YYYY-MM-DD.
type DateRange struct {
	StartDate string
	EndDate   string
}

func (r DateRange) apply(v url.Values) {
	if r.StartDate != "" {
		v.Set("start_date", r.StartDate)
	}
	if r.EndDate != "" {
		v.Set("end_date", r.EndDate)
	}
}

// StatusSummary returns invoice counts per status.
func (c *Client) StatusSummary(ctx context.Context, r DateRange) (*models.StatusSummary, error) {
	const op = "StatusSummary"

	v := url.Values{}
	r.apply(v)

	var summary models.StatusSummary
	if err := c.getJSON(ctx, op, "/api/invoices/status-summary/", v, &summary, true); err != nil {
		return nil, err
	}
	if summary.Summary == nil {
		summary.Summary = map[models.InvoiceStatus]int{}
	}
	return &summary, nil
}

// TrendsQuery selects a daily series. DaysAgo takes precedence over StartDate
// on the backend.
type TrendsQuery struct {
	DateRange
	DaysAgo int
	Status  models.InvoiceStatus // defaults to processed on the backend
}

// Trends returns daily counts of invoices that reached a status.
func (c *Client) Trends(ctx context.Context, q TrendsQuery) (*models.TrendsResponse, error) {
	const op = "Trends"

	if q.DaysAgo < 0 {
		return nil, newInvalidRequest(op, "days_ago must not be negative")
	}

	v := url.Values{}
	if q.DaysAgo > 0 {
		v.Set("days_ago", strconv.Itoa(q.DaysAgo))
	}
	q.DateRange.apply(v)
	if q.Status != "" {
		v.Set("status", string(q.Status))
	}

	var trends models.TrendsResponse
	if err := c.getJSON(ctx, op, "/api/invoices/trends/", v, &trends, true); err != nil {
		return nil, err
	}
	return &trends, nil
}

// UploadFile is one file of a multipart upload.
type UploadFile struct {
	Name    string
	Content io.Reader
}

// UploadInvoices sends files to the OCR endpoint. Each file becomes a
// multipart part named "file"; companyID, when set, selects the company
// prompt used for extraction.
func (c *Client) UploadInvoices(ctx context.Context, files []UploadFile, companyID *int64) ([]models.UploadResponseItem, error) {
	const op = "UploadInvoices"

	if len(files) == 0 {
		return nil, newInvalidRequest(op, "no files to upload")
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for _, f := range files {
		part, err := writer.CreateFormFile("file", filepath.Base(f.Name))
		if err != nil {
			return nil, &APIError{Op: op, Kind: ErrInvalidRequest, Message: "could not build upload", Err: err}
		}
		if _, err := io.Copy(part, f.Content); err != nil {
			return nil, &APIError{Op: op, Kind: ErrInvalidRequest, Message: fmt.Sprintf("could not read %s", f.Name), Err: err}
		}
	}
	if companyID != nil {
		if err := writer.WriteField("company_id", strconv.FormatInt(*companyID, 10)); err != nil {
			return nil, &APIError{Op: op, Kind: ErrInvalidRequest, Message: "could not build upload", Err: err}
		}
	}
	if err := writer.Close(); err != nil {
		return nil, &APIError{Op: op, Kind: ErrInvalidRequest, Message: "could not build upload", Err: err}
	}

	var items []models.UploadResponseItem
	err := c.execute(ctx, call{
		op:          op,
		method:      http.MethodPost,
		path:        "/api/invoices/ocr",
		body:        &buf,
		contentType: writer.FormDataContentType(),
	}, func(resp *http.Response) error {
		_, err := decodeJSON(op, resp, &items)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.cache.Invalidate(ctx)
	return items, nil
}

// ConfirmInvoice accepts the preview data of an invoice awaiting validation.
func (c *Client) ConfirmInvoice(ctx context.Context, id int64) (*models.ActionResult, error) {
	const op = "ConfirmInvoice"
	return c.invoiceAction(ctx, op, id, "confirm", nil)
}

// RejectInvoice rejects an invoice awaiting validation. A nil reason lets the
// backend record its default reason.
func (c *Client) RejectInvoice(ctx context.Context, id int64, reason *string) (*models.ActionResult, error) {
	const op = "RejectInvoice"

	payload := map[string]string{}
	if reason != nil {
		payload["reason"] = *reason
	}
	return c.invoiceAction(ctx, op, id, "reject", payload)
}

// RetryInvoice queues a failed or rejected invoice for processing again.
func (c *Client) RetryInvoice(ctx context.Context, id int64) (*models.ActionResult, error) {
	const op = "RetryInvoice"
	return c.invoiceAction(ctx, op, id, "retry", nil)
}

func (c *Client) invoiceAction(ctx context.Context, op string, id int64, action string, payload interface{}) (*models.ActionResult, error) {
	var result models.ActionResult
	if err := c.sendJSON(ctx, op, http.MethodPost, invoicePath(id, action), payload, &result); err != nil {
		return nil, err
	}
	if result.InvoiceID == 0 {
		result.InvoiceID = id
	}
	return &result, nil
}

// UpdatePreview replaces the preview data of an invoice. The backend echoes
// the change to the invoice's socket room.
func (c *Client) UpdatePreview(ctx context.Context, id int64, preview interface{}) (*models.PreviewUpdateResult, error) {
	const op = "UpdatePreview"

	if preview == nil {
		return nil, newInvalidRequest(op, "preview data is required")
	}

	var result models.PreviewUpdateResult
	payload := map[string]interface{}{"preview_data": preview}
	if err := c.sendJSON(ctx, op, http.MethodPatch, invoicePath(id, "preview"), payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Download describes a streamed invoice file.
type Download struct {
	Filename    string
	ContentType string
	Bytes       int64
}

// DownloadInvoice streams the original file of an invoice into w.
func (c *Client) DownloadInvoice(ctx context.Context, id int64, w io.Writer) (*Download, error) {
	const op = "DownloadInvoice"

	dl := &Download{}
	err := c.execute(ctx, call{
		op:     op,
		method: http.MethodGet,
		path:   invoicePath(id, "download"),
		accept: "*/*",
	}, func(resp *http.Response) error {
		dl.ContentType = resp.Header.Get("Content-Type")
		dl.Filename = attachmentName(resp.Header.Get("Content-Disposition"))
		if dl.Filename == "" {
			dl.Filename = fmt.Sprintf("invoice-%d", id)
		}

		n, err := io.Copy(w, resp.Body)
		dl.Bytes = n
		if err != nil {
			return &APIError{Op: op, Kind: ErrNetwork, Message: "download interrupted", Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dl, nil
}

func attachmentName(disposition string) string {
	if disposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	return filepath.Base(params["filename"])
}

func invoicePath(id int64, action string) string {
	path := "/api/invoices/" + strconv.FormatInt(id, 10)
	if action != "" {
		path += "/" + action
	}
	return path
}
