package ringside

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// FetchParams scopes a table fetch to a license and trial, and optionally to
// rows changed since a unix-millisecond timestamp (incremental sync).
type FetchParams struct {
	LicenseID string
	TrialID   string
	Since     int64
}

// RemoteSource provides table data from the backing service. Implementations
// must be safe for concurrent use.
type RemoteSource interface {
	// FetchTable returns the rows of a table matching params.
	FetchTable(ctx context.Context, table string, params FetchParams) ([]Row, error)

	// FetchRow returns a single row by id.
	FetchRow(ctx context.Context, table, id string) (Row, error)
}

// HTTPSourceConfig configures the HTTP remote source.
type HTTPSourceConfig struct {
	// BaseURL is the root of the remote API, e.g. "https://api.example.com".
	BaseURL string `json:"base_url"`

	// Timeout bounds each request including delivery of the body.
	// Default: 30s.
	Timeout time.Duration `json:"timeout"`

	// UserAgent is sent with every request. Default: "ringside-client/1".
	UserAgent string `json:"user_agent"`

	// Token, when set, supplies a bearer token per request.
	Token func(ctx context.Context) (string, error) `json:"-"`

	// Retry configures transient-failure retries.
	Retry RetryConfig `json:"retry"`

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient HTTPDoer `json:"-"`
}

// DefaultHTTPSourceConfig returns an HTTPSourceConfig with sensible defaults.
func DefaultHTTPSourceConfig(baseURL string) HTTPSourceConfig {
	return HTTPSourceConfig{
		BaseURL:   baseURL,
		Timeout:   30 * time.Second,
		UserAgent: "ringside-client/1",
		Retry:     DefaultRetryConfig(),
	}
}

// HTTPSource fetches table data over JSON/HTTP. Transient failures (5xx,
// 429, transport errors) are retried with backoff; repeated failures trip a
// circuit breaker so an unreachable backend fails fast instead of stalling
// every caller behind timeouts.
type HTTPSource struct {
	config  HTTPSourceConfig
	client  HTTPDoer
	retryer *Retryer
	breaker *CircuitBreaker
}

// NewHTTPSource creates an HTTP remote source.
func NewHTTPSource(config HTTPSourceConfig) (*HTTPSource, error) {
	if config.BaseURL == "" {
		return nil, errors.New("remote base URL is required")
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.UserAgent == "" {
		config.UserAgent = "ringside-client/1"
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	return &HTTPSource{
		config:  config,
		client:  client,
		retryer: NewRetryer(config.Retry),
		breaker: NewCircuitBreaker(5, 30*time.Second),
	}, nil
}

// FetchTable returns the rows of a table matching params.
func (h *HTTPSource) FetchTable(ctx context.Context, table string, params FetchParams) ([]Row, error) {
	if err := ValidateTableName(table); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/api/v1/tables/%s/rows", h.config.BaseURL, url.PathEscape(table))
	q := url.Values{}
	if params.LicenseID != "" {
		q.Set("license_id", params.LicenseID)
	}
	if params.TrialID != "" {
		q.Set("trial_id", params.TrialID)
	}
	if params.Since > 0 {
		q.Set("since", strconv.FormatInt(params.Since, 10))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var out struct {
		Rows []Row `json:"rows"`
	}
	if err := h.getJSON(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return out.Rows, nil
}

// FetchRow returns a single row by id.
func (h *HTTPSource) FetchRow(ctx context.Context, table, id string) (Row, error) {
	if err := ValidateTableName(table); err != nil {
		return Row{}, err
	}
	if err := ValidateRowID(id); err != nil {
		return Row{}, err
	}

	endpoint := fmt.Sprintf("%s/api/v1/tables/%s/rows/%s",
		h.config.BaseURL, url.PathEscape(table), url.PathEscape(id))

	var row Row
	if err := h.getJSON(ctx, endpoint, &row); err != nil {
		return Row{}, err
	}
	return row, nil
}

// getJSON performs a GET with retries and decodes the JSON response into out.
// The circuit breaker runs inside the retry loop: once it opens, the retryer
// sees ErrCircuitOpen and gives up immediately.
func (h *HTTPSource) getJSON(ctx context.Context, endpoint string, out any) error {
	return h.retryer.Do(ctx, func(ctx context.Context) error {
		return h.breaker.Execute(func() error {
			return h.doOnce(ctx, endpoint, out)
		})
	})
}

func (h *HTTPSource) doOnce(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("User-Agent", h.config.UserAgent)
	if h.config.Token != nil {
		token, err := h.config.Token(ctx)
		if err != nil {
			return fmt.Errorf("resolve auth token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return newNetworkError("get", endpoint, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return newNetworkError("get", endpoint, resp.StatusCode, errors.New(msg))
	}

	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("open gzip reader: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	if err := json.NewDecoder(reader).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var _ RemoteSource = (*HTTPSource)(nil)
