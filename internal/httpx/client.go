package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-logr/logr"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
)

// UserAgent is sent with every request unless overridden via WithHeaders.
const UserAgent = "mrd-storage-sdk-go"

// DefaultTimeout bounds a single HTTP exchange, including reading headers.
const DefaultTimeout = 3 * time.Second

// RetryPolicy controls the retry behaviour for transient failures.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     float64
	RetryIf    func(resp *http.Response, err error) bool
}

// DefaultRetryPolicy retries idempotent requests three times.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 3,
	BaseDelay:  250 * time.Millisecond,
	MaxDelay:   2 * time.Second,
	Jitter:     0.25,
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used by the helper. The timeout and
// transport options are ignored when a client is supplied.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithTransport overrides the round tripper of the default HTTP client.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		if rt != nil {
			c.transport = rt
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHeaders assigns default headers added to every request.
func WithHeaders(h http.Header) Option {
	return func(c *Client) {
		for k, values := range h {
			c.headers.Del(k)
			for _, v := range values {
				c.headers.Add(k, v)
			}
		}
	}
}

// WithRetryPolicy overrides the default retry configuration.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) {
		c.retryPolicy = policy
	}
}

// WithLogger logs retry attempts to the given logger.
func WithLogger(l logr.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// Client wraps a retrying HTTP client, providing base URL utilities.
type Client struct {
	baseURL     *url.URL
	headers     http.Header
	retryPolicy RetryPolicy
	timeout     time.Duration
	transport   http.RoundTripper
	httpClient  *http.Client
	logger      logr.Logger

	http *retryablehttp.Client
}

// Request describes a single outbound request.
//
// Path is resolved against the base URL; absolute URLs (such as links
// returned by the server) are used as is. Query values are merged into any
// query already present on Path.
type Request struct {
	Method       string
	Path         string
	Query        url.Values
	Header       http.Header
	DisableRetry bool
	Body         io.Reader
}

// NewClient creates a Client for the provided base URL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("httpx: base URL is required")
	}

	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("httpx: invalid base URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("httpx: invalid base URL %q: scheme must be http or https", baseURL)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("httpx: invalid base URL %q: missing host", baseURL)
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}

	c := &Client{
		baseURL:     parsed,
		headers:     http.Header{"User-Agent": {UserAgent}},
		retryPolicy: DefaultRetryPolicy,
		timeout:     DefaultTimeout,
		logger:      logr.Discard(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.retryPolicy.MaxRetries < 0 {
		c.retryPolicy.MaxRetries = 0
	}
	if c.retryPolicy.BaseDelay <= 0 {
		c.retryPolicy.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if c.retryPolicy.MaxDelay <= 0 {
		c.retryPolicy.MaxDelay = DefaultRetryPolicy.MaxDelay
	}

	hc := c.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: c.timeout, Transport: c.transport}
	}
	backoff := NewBackoff(c.retryPolicy.BaseDelay, c.retryPolicy.MaxDelay, c.retryPolicy.Jitter)
	c.http = &retryablehttp.Client{
		HTTPClient:   hc,
		RetryWaitMin: c.retryPolicy.BaseDelay,
		RetryWaitMax: c.retryPolicy.MaxDelay,
		RetryMax:     c.retryPolicy.MaxRetries,
		CheckRetry:   c.checkRetry,
		Backoff:      backoff.Retryable(),
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}
	return c, nil
}

// BaseURL returns the URL every relative request path is resolved against.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Do executes the provided request and returns the response, or an HTTPError
// when the final attempt produced a non-2xx status.
func (c *Client) Do(ctx context.Context, req *Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("httpx: request is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if req.Method == "" {
		return nil, errors.New("httpx: HTTP method is required")
	}

	fullURL, err := c.buildURL(req.Path, req.Query)
	if err != nil {
		return nil, err
	}

	if req.DisableRetry {
		ctx = context.WithValue(ctx, noRetryKey{}, true)
	}

	var body any
	if req.Body != nil {
		body = req.Body
	}
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, req.Method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("httpx: build request: %w", err)
	}
	httpReq.Header = c.headers.Clone()
	maps.Copy(httpReq.Header, req.Header)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		closeBody(respBody(resp))
		// The context error is more useful than the transport's wrapping of it.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, c.handleError(req.Method, fullURL, resp)
	}
	return resp, nil
}

type noRetryKey struct{}

func (c *Client) checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	if disabled, _ := ctx.Value(noRetryKey{}).(bool); disabled {
		return false, nil
	}

	var retry bool
	if c.retryPolicy.RetryIf != nil {
		retry = c.retryPolicy.RetryIf(resp, err)
	} else {
		retry = shouldRetry(ctx, resp, err)
	}
	if retry {
		if resp != nil {
			c.logger.V(1).Info("retrying request", "url", resp.Request.URL.String(), "status", resp.StatusCode)
		} else {
			c.logger.V(1).Info("retrying request", "error", err.Error())
		}
	}
	return retry, nil
}

func shouldRetry(ctx context.Context, resp *http.Response, err error) bool {
	if err != nil {
		// The default policy rules out errors that never resolve on retry,
		// such as bad schemes or untrusted certificates. Attempt timeouts
		// are retried; checkRetry has already stopped on the caller's context.
		retry, _ := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		return retry
	}
	if resp == nil {
		return false
	}
	return retryableStatus(resp.StatusCode)
}

func closeBody(rc io.ReadCloser) {
	if rc != nil {
		_ = rc.Close()
	}
}

func respBody(resp *http.Response) io.ReadCloser {
	if resp == nil {
		return nil
	}
	return resp.Body
}

func (c *Client) buildURL(path string, q url.Values) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("httpx: invalid request path %q: %w", path, err)
	}
	if len(q) > 0 {
		merged := ref.Query()
		for k, values := range q {
			for _, v := range values {
				merged.Add(k, v)
			}
		}
		ref.RawQuery = merged.Encode()
	}
	return c.baseURL.ResolveReference(ref).String(), nil
}

func (c *Client) handleError(method, rawURL string, resp *http.Response) error {
	defer closeBody(resp.Body)
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("httpx: read error body: %w", err)
	}
	return &HTTPError{
		Method:     method,
		URL:        rawURL,
		StatusCode: resp.StatusCode,
		Body:       body,
		Header:     resp.Header.Clone(),
	}
}

const maxErrorBody = 64 << 10

// ReadAllAndClose drains the reader and ensures it is closed.
func ReadAllAndClose(rc io.ReadCloser) ([]byte, error) {
	defer closeBody(rc)
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return data, nil
}
