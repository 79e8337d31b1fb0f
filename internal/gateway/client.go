// Package gateway is a thin client for the Financial Modeling Prep (FMP) HTTP API. It builds
// parameterized GET requests, attaches the API key, enforces a per-call timeout and reports non-2xx
// responses as typed errors. Responses are decoded into whatever shape the caller asks for; validating
// that shape is the caller's business.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/MegaGrindStone/market-chat/internal/observe"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// DefaultBaseURL is the FMP stable API root.
	DefaultBaseURL = "https://financialmodelingprep.com/stable"
	// DefaultTimeout bounds a single call when no other timeout is given.
	DefaultTimeout = 20 * time.Second
	// APIKeyEnv is the environment variable NewFromEnv reads the API key from.
	APIKeyEnv = "FMP_API_KEY"
)

var (
	// ErrMissingAPIKey is returned when a client is constructed without credentials.
	ErrMissingAPIKey = errors.New("FMP_API_KEY is required. Provide it in the configuration or set the FMP_API_KEY environment variable")
	// ErrTimeout is returned when a call doesn't complete within its timeout.
	ErrTimeout = errors.New("FMP API request timed out")
)

// StatusError is returned when the API answers with a non-2xx status. Body holds the response body
// text as received.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("FMP API error (%d): %s", e.StatusCode, e.Body)
}

// Params are the query parameters of a call. Nil values, including typed nil pointers, are treated as
// undefined and left out of the query.
type Params map[string]any

// Fetcher performs a single API call and decodes the JSON response into out.
type Fetcher interface {
	Fetch(ctx context.Context, path string, params Params, out any, opts ...FetchOption) error
}

// Cache stores successful response bodies by request key. Keys never contain the API key.
type Cache interface {
	Get(key string) ([]byte, bool)
	Put(key string, body []byte)
}

// Client implements Fetcher against the FMP API. It holds configuration only and is safe for
// concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration

	httpClient *http.Client
	cache      Cache
	metrics    *observe.Metrics

	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// FetchOption configures a single call.
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	timeout time.Duration
}

// WithBaseURL overrides the API root.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient sets the HTTP client used for calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithDefaultTimeout changes the timeout of calls that don't set one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithCache serves repeated calls from c and stores successful responses in it.
func WithCache(cache Cache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithMetrics records call counts and latencies.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTimeout bounds this call by d instead of the client default.
func WithTimeout(d time.Duration) FetchOption {
	return func(o *fetchOptions) { o.timeout = d }
}

// New creates a Client authenticating with apiKey. It fails with ErrMissingAPIKey right away when
// apiKey is empty, rather than on the first call.
func New(apiKey string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	c := &Client{
		baseURL:    DefaultBaseURL,
		apiKey:     apiKey,
		timeout:    DefaultTimeout,
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("module", "gateway"))
	return c, nil
}

// NewFromEnv creates a Client with the API key read from FMP_API_KEY.
func NewFromEnv(opts ...Option) (*Client, error) {
	return New(os.Getenv(APIKeyEnv), opts...)
}

// Get is a typed convenience wrapper around Fetcher.Fetch.
func Get[T any](ctx context.Context, f Fetcher, path string, params Params, opts ...FetchOption) (T, error) {
	var out T
	err := f.Fetch(ctx, path, params, &out, opts...)
	return out, err
}

// Fetch issues a GET request for path with the given params and decodes the JSON body into out.
// There is no retry: a failed call is returned to the caller as it happened.
func (c *Client) Fetch(ctx context.Context, path string, params Params, out any, opts ...FetchOption) error {
	fo := fetchOptions{timeout: c.timeout}
	for _, opt := range opts {
		opt(&fo)
	}

	query := encodeParams(params)
	key := cacheKey(path, query)
	if c.cache != nil {
		if body, ok := c.cache.Get(key); ok {
			c.logger.Debug("Serving from cache", slog.String("path", path))
			return decodeBody(path, body, out)
		}
	}

	start := time.Now()
	body, err := c.do(ctx, path, query, fo.timeout)
	c.record(ctx, path, start, err)
	if err != nil {
		return err
	}

	if c.cache != nil {
		c.cache.Put(key, body)
	}
	return decodeBody(path, body, out)
}

func (c *Client) do(ctx context.Context, path string, query url.Values, timeout time.Duration) ([]byte, error) {
	u, err := c.buildURL(path, query)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.callError(ctx, callCtx, path, timeout, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.callError(ctx, callCtx, path, timeout, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// callError tells our own timeout apart from the caller giving up.
func (c *Client) callError(parent, callCtx context.Context, path string, timeout time.Duration, err error) error {
	if parent.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, path)
	}
	return fmt.Errorf("error sending request to %s: %w", path, err)
}

func (c *Client) buildURL(path string, query url.Values) (string, error) {
	base := c.baseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	u, err := url.Parse(base + strings.TrimPrefix(path, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid path %q: %w", path, err)
	}
	q := u.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	q.Set("apikey", c.apiKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) record(ctx context.Context, path string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
		c.logger.Debug("Request failed", slog.String("path", path), slog.String("err", err.Error()))
	}
	attrs := metric.WithAttributes(attribute.String("path", path), attribute.String("status", status))
	c.metrics.GatewayRequests.Add(ctx, 1, attrs)
	c.metrics.GatewayDuration.Record(ctx, time.Since(start).Seconds(), attrs)
}

func encodeParams(params Params) url.Values {
	q := url.Values{}
	for k, v := range params {
		s, ok := paramValue(v)
		if !ok {
			continue
		}
		q.Set(k, s)
	}
	return q
}

func paramValue(v any) (string, bool) {
	switch v := v.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case *string:
		if v == nil {
			return "", false
		}
		return *v, true
	case *int:
		if v == nil {
			return "", false
		}
		return fmt.Sprint(*v), true
	case fmt.Stringer:
		return v.String(), true
	default:
		return fmt.Sprint(v), true
	}
}

func cacheKey(path string, query url.Values) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(strings.TrimPrefix(path, "/"))
	for _, k := range keys {
		sb.WriteString("|")
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(query.Get(k))
	}
	return sb.String()
}

func decodeBody(path string, body []byte, out any) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("error decoding response of %s: %w", path, err)
	}
	return nil
}
