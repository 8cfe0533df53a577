package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// ClaimAPI is the subset of the claims platform the fetcher needs.
type ClaimAPI interface {
	// Search submits a raw identifier to the search endpoint.
	Search(ctx context.Context, criteria string) (json.RawMessage, error)

	// Get performs a GET against a platform path and returns the JSON body.
	Get(ctx context.Context, path string, query url.Values) (json.RawMessage, error)

	// BaseURL returns the platform origin used to build file download links.
	BaseURL() string
}

// ClaimAPIConfig holds configuration for the claims platform client.
type ClaimAPIConfig struct {
	BaseURL       string
	SessionCookie string
	UserAgent     string
	Timeout       time.Duration
	// RequestsPerSecond caps outgoing request rate; zero disables the limiter.
	RequestsPerSecond float64
	Burst             int
}

// APIError is returned for non-2xx platform responses.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("%s %s returned HTTP %d: %s", e.Method, e.Path, e.StatusCode, body)
}

// ClaimAPIClient talks to the claims platform REST API reusing an existing session.
type ClaimAPIClient struct {
	client  *resty.Client
	limiter *rate.Limiter
	baseURL string
	now     func() time.Time
}

// NewClaimAPIClient creates a new platform client.
// Parameters:
//   - cfg: platform base URL, opaque session cookie and request pacing.
//
// Returns:
//   - *ClaimAPIClient: initialized client.
func NewClaimAPIClient(cfg *ClaimAPIConfig) *ClaimAPIClient {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(timeout)
	client.SetHeader("Accept", "application/json")
	client.SetHeader("X-Requested-With", "XMLHttpRequest")
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	if cfg.SessionCookie != "" {
		client.SetHeader("Cookie", cfg.SessionCookie)
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &ClaimAPIClient{
		client:  client,
		limiter: limiter,
		baseURL: baseURL,
		now:     time.Now,
	}
}

// BaseURL returns the platform origin.
func (c *ClaimAPIClient) BaseURL() string {
	return c.baseURL
}

// Search posts the identifier as form-encoded criteria to /api/search/.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - criteria: raw claim/file number.
//
// Returns:
//   - json.RawMessage: search response body.
//   - error: non-nil on transport failure or non-2xx status.
func (c *ClaimAPIClient) Search(ctx context.Context, criteria string) (json.RawMessage, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("_", c.cacheBuster()).
		SetFormData(map[string]string{
			"criteria": criteria,
			"type":     "",
		}).
		Post("/api/search/")
	return c.body(resp, err, "POST", "/api/search/")
}

// Get fetches a JSON document from the platform.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - path: API path beginning with /api/.
//   - query: extra query parameters, may be nil.
//
// Returns:
//   - json.RawMessage: response body.
//   - error: non-nil on transport failure, non-2xx status or a non-JSON body.
func (c *ClaimAPIClient) Get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	req := c.client.R().SetContext(ctx)
	if query != nil {
		req.SetQueryParamsFromValues(query)
	}
	req.SetQueryParam("_", c.cacheBuster())

	resp, err := req.Get(path)
	return c.body(resp, err, "GET", path)
}

func (c *ClaimAPIClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

func (c *ClaimAPIClient) cacheBuster() string {
	return strconv.FormatInt(c.now().UnixMilli(), 10)
}

func (c *ClaimAPIClient) body(resp *resty.Response, err error, method, path string) (json.RawMessage, error) {
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode(),
			Body:       string(resp.Body()),
		}
	}

	body := resp.Body()
	if !json.Valid(body) {
		// An expired session typically answers with the HTML login page
		return nil, fmt.Errorf("%s %s: response is not JSON (HTTP %d)", method, path, resp.StatusCode())
	}
	return json.RawMessage(body), nil
}

// Ensure interface compliance
var _ ClaimAPI = (*ClaimAPIClient)(nil)
