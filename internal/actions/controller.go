// Package actions runs confirm, reject and retry against single invoices or
// batches of them.
//
// Each action kind has its own busy state, so confirming one invoice never
// blocks retrying another. When the controller knows an invoice's current
// status (through a StatusLookup, normally the list controller) it refuses
// transitions the backend would reject before sending anything.
//
// Failed actions never change local state: the caller gets a nil result and
// an error, and the row keeps its status until the backend pushes a new one.
package actions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"invoicedesk/internal/api"
	"invoicedesk/internal/logger"
	"invoicedesk/internal/metrics"
	"invoicedesk/pkg/models"
)

// Kind is an invoice mutation.
type Kind string

const (
	KindConfirm Kind = "confirm"
	KindReject  Kind = "reject"
	KindRetry   Kind = "retry"
)

// Kinds lists every action.
var Kinds = []Kind{KindConfirm, KindReject, KindRetry}

// ParseKind converts a command-line word to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// allows reports whether an invoice in status may receive k.
func (k Kind) allows(status models.InvoiceStatus) bool {
	switch k {
	case KindConfirm:
		return status.CanConfirm()
	case KindReject:
		return status.CanReject()
	case KindRetry:
		return status.CanRetry()
	default:
		return false
	}
}

// Backend issues the mutations. *api.Client implements it.
type Backend interface {
	ConfirmInvoice(ctx context.Context, id int64) (*models.ActionResult, error)
	RejectInvoice(ctx context.Context, id int64, reason *string) (*models.ActionResult, error)
	RetryInvoice(ctx context.Context, id int64) (*models.ActionResult, error)
}

// StatusLookup reports the last known status of an invoice.
type StatusLookup interface {
	Status(id int64) (models.InvoiceStatus, bool)
}

// Options configure a Controller.
type Options struct {
	Lookup      StatusLookup
	Concurrency int // bulk requests in flight, 0 means all at once
	Metrics     *metrics.Metrics
}

// Controller runs actions. It is safe for concurrent use.
type Controller struct {
	backend Backend
	opts    Options
	log     zerolog.Logger

	mu      sync.Mutex
	busy    map[Kind]int
	pending map[Kind]map[int64]int
	lastErr map[Kind]error
}

// NewController creates a Controller.
func NewController(backend Backend, opts Options) *Controller {
	return &Controller{
		backend: backend,
		opts:    opts,
		log:     logger.WithComponent("actions"),
		busy:    make(map[Kind]int),
		pending: make(map[Kind]map[int64]int),
		lastErr: make(map[Kind]error),
	}
}

// Confirm approves an invoice waiting for validation.
func (c *Controller) Confirm(ctx context.Context, id int64) (*models.ActionResult, error) {
	return c.Do(ctx, KindConfirm, id, nil)
}

// Reject rejects an invoice waiting for validation. reason is optional but
// must not be blank when given.
func (c *Controller) Reject(ctx context.Context, id int64, reason *string) (*models.ActionResult, error) {
	return c.Do(ctx, KindReject, id, reason)
}

// Retry reprocesses a failed or rejected invoice.
func (c *Controller) Retry(ctx context.Context, id int64) (*models.ActionResult, error) {
	return c.Do(ctx, KindRetry, id, nil)
}

// Do runs kind against one invoice. reason is only used by KindReject. On
// failure the result is nil and the error is also kept for LastError.
func (c *Controller) Do(ctx context.Context, kind Kind, id int64, reason *string) (*models.ActionResult, error) {
	const op = "Do"

	log := c.log.With().Str("action", string(kind)).Int64("invoice_id", id).Logger()

	if err := c.precheck(kind, id, reason); err != nil {
		actionErr := &ActionError{Op: op, Action: kind, InvoiceID: id, Err: err}
		c.record(kind, actionErr)
		log.Warn().Err(err).Msg("Action blocked locally")
		return nil, actionErr
	}

	c.begin(kind, id)
	defer c.end(kind, id)

	log.Debug().Msg("Sending action")
	result, err := c.send(ctx, kind, id, reason)
	if err != nil {
		actionErr := &ActionError{Op: op, Action: kind, InvoiceID: id, Err: err}
		c.record(kind, actionErr)
		log.Warn().
			Err(err).
			Int("status_code", api.StatusCode(err)).
			Msg("Action failed")
		return nil, actionErr
	}

	if result == nil {
		result = &models.ActionResult{InvoiceID: id}
	}
	c.record(kind, nil)
	log.Info().
		Str("status", string(result.Status)).
		Str("message", result.Message).
		Msg("Action completed")
	return result, nil
}

func (c *Controller) precheck(kind Kind, id int64, reason *string) error {
	switch kind {
	case KindConfirm, KindRetry:
	case KindReject:
		if reason != nil && strings.TrimSpace(*reason) == "" {
			return ErrBlankReason
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, kind)
	}

	if c.opts.Lookup == nil {
		return nil
	}
	status, ok := c.opts.Lookup.Status(id)
	if !ok || kind.allows(status) {
		return nil
	}
	return fmt.Errorf("%w: cannot %s an invoice in status %s", ErrInvalidTransition, kind, status)
}

func (c *Controller) send(ctx context.Context, kind Kind, id int64, reason *string) (*models.ActionResult, error) {
	switch kind {
	case KindConfirm:
		return c.backend.ConfirmInvoice(ctx, id)
	case KindReject:
		if reason != nil {
			trimmed := strings.TrimSpace(*reason)
			reason = &trimmed
		}
		return c.backend.RejectInvoice(ctx, id, reason)
	default:
		return c.backend.RetryInvoice(ctx, id)
	}
}

// IsBusy reports whether any kind action is in flight.
func (c *Controller) IsBusy(kind Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy[kind] > 0
}

// IsPending reports whether a kind action for id is in flight.
func (c *Controller) IsPending(kind Kind, id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[kind][id] > 0
}

// LastError returns the error of the most recent kind action, or nil if it
// succeeded.
func (c *Controller) LastError(kind Kind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr[kind]
}

func (c *Controller) begin(kind Kind, id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy[kind]++
	if c.pending[kind] == nil {
		c.pending[kind] = make(map[int64]int)
	}
	c.pending[kind][id]++
}

func (c *Controller) end(kind Kind, id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy[kind]--
	c.pending[kind][id]--
	if c.pending[kind][id] <= 0 {
		delete(c.pending[kind], id)
	}
}

func (c *Controller) record(kind Kind, err error) {
	c.mu.Lock()
	c.lastErr[kind] = err
	c.mu.Unlock()
}

// Failure is one invoice a bulk action could not process.
type Failure struct {
	ID      int64  `json:"id"`
	Message string `json:"message"`
}

// BulkReport aggregates a bulk action.
type BulkReport struct {
	Action    Kind                  `json:"action"`
	Succeeded int                   `json:"succeeded"`
	Failed    int                   `json:"failed"`
	Failures  []Failure             `json:"failures"`
	Results   []models.ActionResult `json:"results,omitempty"`
}

// Bulk runs kind for every id concurrently and reports each outcome. One
// failure never stops the others. Duplicate ids are sent once.
func (c *Controller) Bulk(ctx context.Context, kind Kind, ids []int64, reason *string) BulkReport {
	report := BulkReport{Action: kind, Failures: []Failure{}}
	unique := dedupe(ids)

	c.log.Info().
		Str("action", string(kind)).
		Int("invoices", len(unique)).
		Int("concurrency", c.opts.Concurrency).
		Msg("Starting bulk action")

	var mu sync.Mutex
	var g errgroup.Group
	if c.opts.Concurrency > 0 {
		g.SetLimit(c.opts.Concurrency)
	}
	for _, id := range unique {
		g.Go(func() error {
			result, err := c.Do(ctx, kind, id, reason)
			c.opts.Metrics.BulkOutcome(string(kind), err == nil)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				report.Failures = append(report.Failures, Failure{ID: id, Message: failureMessage(err)})
				return nil
			}
			report.Succeeded++
			report.Results = append(report.Results, *result)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Failures, func(i, j int) bool { return report.Failures[i].ID < report.Failures[j].ID })
	sort.Slice(report.Results, func(i, j int) bool { return report.Results[i].InvoiceID < report.Results[j].InvoiceID })

	c.log.Info().
		Str("action", string(kind)).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Msg("Bulk action finished")
	return report
}

// failureMessage prefers the backend's explanation over the wrapped chain.
func failureMessage(err error) string {
	var actionErr *ActionError
	if errors.As(err, &actionErr) {
		return api.Message(actionErr.Err)
	}
	return api.Message(err)
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
