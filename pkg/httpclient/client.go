// Package httpclient provides the uniform retrying, header-normalizing
// HTTP client shared by the OPDS/ODL importer, the credential vault, and
// the OIDC flow manager (spec.md §4.1). Two factory variants share one
// request pipeline: Web (short timeouts, no retries, for request-path
// code) and Worker (long timeouts, retries with exponential backoff, for
// background tasks).
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Variant distinguishes the two factory presets from spec.md §4.1.
type Variant int

const (
	Web Variant = iota
	Worker
)

// Client is the shared HTTP client. Do not construct directly; use NewWeb
// or NewWorker.
type Client struct {
	httpClient  *http.Client
	variant     Variant
	maxRetries  int
	backoff     BackoffFunc
	userAgent   string
	defaultAccept string
}

const defaultAcceptHeader = "application/json;q=0.9, */*;q=0.8"

// NewWeb builds the request-path variant: 5s timeout, at most 2 redirects,
// retries disabled.
func NewWeb(version string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout:       5 * time.Second,
			CheckRedirect: maxRedirects(2),
		},
		variant:       Web,
		maxRetries:    0,
		backoff:       ExponentialBackoff(2*time.Second, 45*time.Second, 3, 0.5),
		userAgent:     userAgent(version),
		defaultAccept: defaultAcceptHeader,
	}
}

// NewWorker builds the background-task variant: 20s timeout, at most 20
// redirects, 3 retries with exponential backoff (factor=3, base=2,
// jitter=0.5, cap=45s).
func NewWorker(version string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout:       20 * time.Second,
			CheckRedirect: maxRedirects(20),
		},
		variant:       Worker,
		maxRetries:    3,
		backoff:       ExponentialBackoff(2*time.Second, 45*time.Second, 3, 0.5),
		userAgent:     userAgent(version),
		defaultAccept: defaultAcceptHeader,
	}
}

func userAgent(version string) string {
	if version == "" {
		version = "dev"
	}
	return fmt.Sprintf("circulation-core/%s", version)
}

func maxRedirects(n int) func(*http.Request, []*http.Request) error {
	return func(_ *http.Request, via []*http.Request) error {
		if len(via) > n {
			return fmt.Errorf("stopped after %d redirects", n)
		}
		return nil
	}
}

// Get issues a GET request with the default options.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, []byte, error) {
	return c.Do(ctx, http.MethodGet, rawURL, nil, RequestOptions{})
}

// GetWithOptions issues a GET request with caller-supplied options.
func (c *Client) GetWithOptions(ctx context.Context, rawURL string, opts RequestOptions) (*http.Response, []byte, error) {
	return c.Do(ctx, http.MethodGet, rawURL, nil, opts)
}

// Do issues a request of the given method, retrying per the variant's and
// options' policy, and returns the final response together with its
// (already-drained) body.
func (c *Client) Do(ctx context.Context, method, rawURL string, body []byte, opts RequestOptions) (*http.Response, []byte, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, nil, &RequestNetworkException{URL: rawURL, Message: "invalid URL: " + err.Error(), Err: err}
	}

	maxRetries := c.maxRetries
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
	}
	backoff := c.backoff
	if opts.Backoff != nil {
		backoff = opts.Backoff
	}

	var lastErr error
	retries := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		retries = attempt
		resp, respBody, err := c.doOnce(ctx, method, rawURL, body, opts)
		if err == nil {
			return resp, respBody, nil
		}
		lastErr = err

		if attempt == maxRetries {
			break
		}
		if !retriable(err, opts) {
			break
		}

		delay := backoff(attempt + 1)
		if opts.respectRetryAfter() {
			var bad *BadResponseException
			if errors.As(err, &bad) && bad.RetryAfter > 0 {
				ra := bad.RetryAfter
				if cap := opts.maxRetryAfterDelay(); ra > cap {
					ra = cap
				}
				if ra > delay {
					delay = ra
				}
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, nil, withRetryCount(lastErr, retries)
}

func (c *Client) doOnce(ctx context.Context, method, rawURL string, body []byte, opts RequestOptions) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, nil, &RequestNetworkException{URL: rawURL, Message: err.Error(), Err: err}
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", c.defaultAccept)
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, nil, &RequestTimedOut{RequestNetworkException{URL: rawURL, Message: err.Error(), Err: err}}
		}
		return nil, nil, &RequestNetworkException{URL: rawURL, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, 16<<20) // 16 MiB safety cap
	respBody, err := io.ReadAll(limited)
	if err != nil {
		return nil, nil, &RequestNetworkException{URL: rawURL, Message: "reading response body: " + err.Error(), Err: err}
	}

	if badErr := classify(rawURL, resp, respBody, opts); badErr != nil {
		return resp, respBody, badErr
	}

	return resp, respBody, nil
}

// classify implements spec.md §4.1's response classification: 5xx and
// disallowed codes raise BadResponseException; if AllowedResponseCodes is
// set, anything outside it also raises.
func classify(rawURL string, resp *http.Response, body []byte, opts RequestOptions) error {
	status := resp.StatusCode

	isBad := status >= 500
	if anyMatches(opts.DisallowedResponseCodes, status) {
		isBad = true
	}
	if len(opts.AllowedResponseCodes) > 0 && !anyMatches(opts.AllowedResponseCodes, status) {
		isBad = true
	}
	if !isBad {
		return nil
	}

	preview := body
	if len(preview) > bodyPreviewLimit {
		preview = preview[:bodyPreviewLimit]
	}

	retryAfter, _ := ParseRetryAfter(resp.Header.Get("Retry-After"))

	return &BadResponseException{
		URL:          rawURL,
		StatusCode:   status,
		Message:      fmt.Sprintf("unacceptable status code %d", status),
		DebugMessage: string(preview),
		RetryAfter:   retryAfter,
	}
}

// retriable decides whether a failed attempt should be retried: transport
// errors always are; BadResponseException is retriable unless its status
// is in NoRetryStatusCodes.
func retriable(err error, opts RequestOptions) bool {
	var bad *BadResponseException
	if errors.As(err, &bad) {
		return !anyMatches(opts.NoRetryStatusCodes, bad.StatusCode)
	}
	var timeout *RequestTimedOut
	if errors.As(err, &timeout) {
		return true
	}
	var netErr *RequestNetworkException
	return errors.As(err, &netErr)
}

func withRetryCount(err error, retries int) error {
	var bad *BadResponseException
	if errors.As(err, &bad) {
		bad.Retries = retries
		return bad
	}
	var netErr *RequestNetworkException
	if errors.As(err, &netErr) {
		netErr.Retries = retries
		return netErr
	}
	return err
}

// ParseRetryAfter parses an HTTP Retry-After header value, which is either
// an integer number of seconds or an HTTP-date.
func ParseRetryAfter(header string) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(header); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
