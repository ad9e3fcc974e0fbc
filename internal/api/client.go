// Package api is the HTTP client for the invoice-processing backend.
//
// Every backend call in the application goes through Client, which:
//   - joins paths onto a configured base URL (trailing slashes stripped)
//   - applies a per-request timeout and tags each request with X-Request-ID
//   - decodes JSON responses, streams binary downloads and builds multipart uploads
//   - converts transport failures, non-2xx statuses and malformed bodies into *APIError
//   - serves read-only list queries from a cache.Cache and clears it after mutations
//
// Callers receive either a decoded payload or an *APIError; raw transport
// errors and JSON syntax errors never escape.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"invoicedesk/internal/cache"
	"invoicedesk/internal/logger"
	"invoicedesk/internal/metrics"
)

// DefaultTimeout bounds each request when no WithTimeout option is given.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 << 10

// Client talks to the backend REST API. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	cache      cache.Cache
	metrics    *metrics.Metrics
	userAgent  string
	log        zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithCache enables response caching for list queries.
func WithCache(store cache.Cache) Option {
	return func(c *Client) {
		if store != nil {
			c.cache = store
		}
	}
}

// WithMetrics records request counts and latencies.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a Client for the backend at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	const op = "NewClient"

	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	u, err := url.Parse(trimmed)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, newInvalidRequest(op, fmt.Sprintf("base URL %q must be an absolute http(s) URL", baseURL))
	}

	c := &Client{
		baseURL:    trimmed,
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		cache:      cache.Nop{},
		userAgent:  "invoicedesk",
		log:        logger.WithComponent("api"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the normalized backend origin.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// InvalidateCache drops every cached response.
func (c *Client) InvalidateCache(ctx context.Context) {
	c.cache.Invalidate(ctx)
}

// call describes one backend request.
type call struct {
	op          string
	method      string
	path        string
	query       url.Values
	body        io.Reader
	contentType string
	accept      string
}

func (c *Client) endpoint(path string, query url.Values) string {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return target
}

// execute sends the request and hands successful responses to handle while
// the request context is still live. Non-2xx responses never reach handle.
func (c *Client) execute(ctx context.Context, r call, handle func(*http.Response) error) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, r.method, c.endpoint(r.path, r.query), r.body)
	if err != nil {
		return &APIError{Op: r.op, Kind: ErrInvalidRequest, Message: "could not build request", Err: err}
	}

	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("User-Agent", c.userAgent)
	if r.accept != "" {
		req.Header.Set("Accept", r.accept)
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}

	log := logger.WithRequestID(c.log, requestID).With().Str("op", r.op).Logger()
	log.Debug().
		Str("method", r.method).
		Str("path", r.path).
		Msg("Sending request")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveRequest(r.op, 0, time.Since(start))
		log.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("Request failed before a response arrived")
		return transportError(r.op, err)
	}
	defer resp.Body.Close()

	c.metrics.ObserveRequest(r.op, resp.StatusCode, time.Since(start))
	log.Debug().
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("Received response")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := statusError(r.op, resp)
		log.Warn().
			Int("status", resp.StatusCode).
			Str("message", apiErr.Message).
			Msg("Backend returned an error")
		return apiErr
	}

	if handle == nil {
		return nil
	}
	if err := handle(resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return err
		}
		return transportError(r.op, err)
	}
	return nil
}

// getJSON issues a GET and decodes the response into out. When cacheable is
// set the response body is looked up in and written to the cache.
func (c *Client) getJSON(ctx context.Context, op, path string, query url.Values, out interface{}, cacheable bool) error {
	key := cacheKey(op, path, query)

	if cacheable {
		if data, ok := c.cache.Get(ctx, key); ok {
			if err := json.Unmarshal(data, out); err == nil {
				c.metrics.CacheHit(true)
				c.log.Debug().Str("op", op).Str("key", key).Msg("Served from cache")
				return nil
			}
			c.cache.Invalidate(ctx, key)
		}
		c.metrics.CacheHit(false)
	}

	var raw []byte
	err := c.execute(ctx, call{op: op, method: http.MethodGet, path: path, query: query}, func(resp *http.Response) error {
		var err error
		raw, err = decodeJSON(op, resp, out)
		return err
	})
	if err != nil {
		return err
	}

	if cacheable && len(raw) > 0 {
		c.cache.Set(ctx, key, raw)
	}
	return nil
}

// sendJSON issues a mutating request with an optional JSON payload and
// clears the response cache once the backend accepted it.
func (c *Client) sendJSON(ctx context.Context, op, method, path string, payload, out interface{}) error {
	var body io.Reader
	contentType := ""
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return &APIError{Op: op, Kind: ErrInvalidRequest, Message: "could not encode request body", Err: err}
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	err := c.execute(ctx, call{op: op, method: method, path: path, body: body, contentType: contentType}, func(resp *http.Response) error {
		_, err := decodeJSON(op, resp, out)
		return err
	})
	if err != nil {
		return err
	}

	c.cache.Invalidate(ctx)
	return nil
}

// decodeJSON reads the full body and unmarshals it into out. Empty bodies
// (204 No Content or zero length) leave out untouched.
func decodeJSON(op string, resp *http.Response, out interface{}) ([]byte, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Op: op, Kind: ErrNetwork, Message: "response body interrupted", Err: err}
	}
	if resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(raw)) == 0 || out == nil {
		return nil, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, &APIError{
			Op:         op,
			Kind:       ErrDecode,
			StatusCode: 0,
			Message:    "response is not the expected JSON",
			Err:        err,
		}
	}
	return raw, nil
}

// statusError builds an APIError from a non-2xx response. The backend
// usually answers {"error": "..."}; anything else falls back to the status text.
func statusError(op string, resp *http.Response) *APIError {
	apiErr := &APIError{
		Op:         op,
		Kind:       ErrHTTPStatus,
		StatusCode: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		apiErr.Kind = ErrNotFound
	case http.StatusConflict:
		apiErr.Kind = ErrConflict
	}
	if apiErr.Message == "" {
		apiErr.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return apiErr
	}

	var body ErrorBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return apiErr
	}
	apiErr.Body = &body
	switch {
	case body.Error != "":
		apiErr.Message = body.Error
	case body.Message != "":
		apiErr.Message = body.Message
	}
	return apiErr
}

// transportError classifies failures where no usable response was received.
func transportError(op string, err error) *APIError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &APIError{Op: op, Kind: ErrTimeout, Message: "request timed out", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &APIError{Op: op, Kind: ErrTimeout, Message: "request timed out", Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &APIError{Op: op, Kind: ErrNetwork, Message: "request canceled", Err: err}
	}
	return &APIError{Op: op, Kind: ErrNetwork, Message: "backend unreachable", Err: err}
}

func cacheKey(op, path string, query url.Values) string {
	return op + ":" + path + "?" + query.Encode()
}
