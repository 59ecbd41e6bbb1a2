// Package dolibarr is a read-only client for the Dolibarr REST API.
package dolibarr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// MaxPageSize is the largest page the client will request.
	MaxPageSize = 200

	defaultSortField = "t.rowid"
	apiKeyHeader     = "DOLAPIKEY"
	maxResponseSize  = 32 << 20
	maxErrorBody     = 512
)

// Upstream resources.
const (
	ResourceProducts         = "products"
	ResourceThirdparties     = "thirdparties"
	ResourceContacts         = "contacts"
	ResourceInvoices         = "invoices"
	ResourceSupplierInvoices = "supplierinvoices"
	ResourceBankAccounts     = "bankaccounts"
	ResourceSalaries         = "salaries"
	ResourceProjects         = "projects"
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	// BaseDelay is the first backoff step; later steps double it.
	BaseDelay time.Duration
}

// Client issues authenticated GET requests with retry.
type Client struct {
	baseURL    string
	apiKey     string
	maxRetries int
	baseDelay  time.Duration
	http       *http.Client
	logger     *slog.Logger
	sleep      func(context.Context, time.Duration) error
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSleeper overrides the backoff wait, mostly for tests.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// New validates cfg and builds a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("%w: base url required", ErrInvalidRequest)
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("%w: base url: %v", ErrInvalidRequest, err)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: api key required", ErrInvalidRequest)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	c := &Client{
		baseURL:    base,
		apiKey:     cfg.APIKey,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		http:       &http.Client{Timeout: cfg.Timeout},
		logger:     slog.Default(),
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "dolibarr"))
	return c, nil
}

// PageRequest selects one page of a list endpoint. Page is zero based.
type PageRequest struct {
	Page       int
	PageSize   int
	SortField  string
	SortDir    string
	SQLFilters string
}

// Page is one page of raw upstream records.
type Page struct {
	Records []json.RawMessage
	HasMore bool
}

func (r PageRequest) normalize() (PageRequest, error) {
	if r.Page < 0 {
		return r, fmt.Errorf("%w: page must be >= 0", ErrInvalidRequest)
	}
	if r.PageSize < 1 || r.PageSize > MaxPageSize {
		return r, fmt.Errorf("%w: page size %d outside 1..%d", ErrInvalidRequest, r.PageSize, MaxPageSize)
	}
	if r.SortField == "" {
		r.SortField = defaultSortField
	}
	switch strings.ToUpper(r.SortDir) {
	case "", "ASC":
		r.SortDir = "ASC"
	case "DESC":
		r.SortDir = "DESC"
	default:
		return r, fmt.Errorf("%w: sort direction %q", ErrInvalidRequest, r.SortDir)
	}
	return r, nil
}

// FetchPage fetches one page of resource. A page shorter than PageSize is the last one.
func (c *Client) FetchPage(ctx context.Context, resource string, req PageRequest) (Page, error) {
	req, err := req.normalize()
	if err != nil {
		return Page{}, err
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(req.PageSize))
	q.Set("page", strconv.Itoa(req.Page))
	q.Set("sortfield", req.SortField)
	q.Set("sortorder", req.SortDir)
	if req.SQLFilters != "" {
		q.Set("sqlfilters", req.SQLFilters)
	}
	body, err := c.get(ctx, resource, q)
	if errors.Is(err, ErrNotFound) {
		// list endpoints answer 404 when nothing matches
		return Page{}, nil
	}
	if err != nil {
		return Page{}, err
	}
	var records []json.RawMessage
	if err := json.Unmarshal(body, &records); err != nil {
		return Page{}, &UpstreamDataError{Field: resource, Raw: truncate(string(body)), Err: err}
	}
	return Page{Records: records, HasMore: len(records) == req.PageSize}, nil
}

// Walk fetches every page of resource in order, calling fn for each one.
func (c *Client) Walk(ctx context.Context, resource string, req PageRequest, fn func(Page) error) error {
	for page := req.Page; ; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		req.Page = page
		p, err := c.FetchPage(ctx, resource, req)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		if !p.HasMore {
			return nil
		}
	}
}

// FetchByID fetches one record.
func (c *Client) FetchByID(ctx context.Context, resource, id string) (json.RawMessage, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: id required", ErrInvalidRequest)
	}
	body, err := c.get(ctx, resource+"/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// FetchInvoicePayments lists the payments recorded against one invoice.
// resource is ResourceInvoices or ResourceSupplierInvoices.
func (c *Client) FetchInvoicePayments(ctx context.Context, resource, invoiceID string) ([]json.RawMessage, error) {
	if resource != ResourceInvoices && resource != ResourceSupplierInvoices {
		return nil, fmt.Errorf("%w: payments not available for %s", ErrInvalidRequest, resource)
	}
	body, err := c.get(ctx, resource+"/"+url.PathEscape(invoiceID)+"/payments", nil)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []json.RawMessage
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &UpstreamDataError{Field: "payments", Raw: truncate(string(body)), Err: err}
	}
	return out, nil
}

// Status describes the upstream instance.
type Status struct {
	Version string `json:"version"`
}

// Ping calls the status endpoint.
func (c *Client) Ping(ctx context.Context) (Status, error) {
	body, err := c.get(ctx, "status", nil)
	if err != nil {
		return Status{}, err
	}
	var envelope struct {
		Success struct {
			Version string `json:"dolibarr_version"`
		} `json:"success"`
		Version string `json:"dolibarr_version"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Status{}, &UpstreamDataError{Field: "status", Raw: truncate(string(body)), Err: err}
	}
	version := envelope.Success.Version
	if version == "" {
		version = envelope.Version
	}
	return Status{Version: version}, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	endpoint := c.baseURL + "/" + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.baseDelay << (attempt - 1)
			c.logger.Warn("retrying upstream request",
				slog.String("path", path), slog.Int("attempt", attempt+1), slog.Duration("delay", delay), slog.Any("error", lastErr))
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
		attempts++
		body, retry, err := c.do(ctx, endpoint, path)
		if err == nil {
			return body, nil
		}
		if !retry {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		lastErr = err
	}
	return nil, &UpstreamUnavailableError{Resource: path, Attempts: attempts, Err: lastErr}
}

// do performs one request and reports whether a failure is worth retrying.
func (c *Client) do(ctx context.Context, endpoint, path string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, fmt.Errorf("dolibarr: build request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, isTransient(err), fmt.Errorf("dolibarr: %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, true, fmt.Errorf("dolibarr: %s: read body: %w", path, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("dolibarr: %s: HTTP %d", path, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, false, &RequestError{Resource: path, Status: resp.StatusCode, Body: truncate(string(body))}
	}
	return body, false, nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// connection resets and EOFs surface as *url.Error without net.Error in some paths
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) || errors.Is(err, context.DeadlineExceeded)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string) string {
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
