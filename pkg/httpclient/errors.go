package httpclient

import (
	"fmt"
	"time"
)

// ProblemDetail is a minimal RFC7807-shaped projection an upstream HTTP
// layer can marshal directly. Producing the actual HTTP response is out of
// scope (spec.md §1); this is just the payload shape.
type ProblemDetail struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

// RequestNetworkException is raised for network-level failures: DNS,
// connection refused, connection reset, TLS handshake errors. Carries the
// full request URL and the retry count already observed.
type RequestNetworkException struct {
	URL     string
	Message string
	Retries int
	Err     error
}

func (e *RequestNetworkException) Error() string {
	return fmt.Sprintf("network error requesting %s (after %d retries): %s", e.URL, e.Retries, e.Message)
}

func (e *RequestNetworkException) Unwrap() error { return e.Err }

func (e *RequestNetworkException) ProblemDetail() ProblemDetail {
	return ProblemDetail{
		Type:   "integration-error",
		Title:  "Network error",
		Status: 502,
		Detail: e.Message,
	}
}

// RequestTimedOut is a subtype of RequestNetworkException: the request
// exceeded its deadline.
type RequestTimedOut struct {
	RequestNetworkException
}

func (e *RequestTimedOut) Error() string {
	return fmt.Sprintf("timed out requesting %s (after %d retries)", e.URL, e.Retries)
}

func (e *RequestTimedOut) ProblemDetail() ProblemDetail {
	return ProblemDetail{
		Type:   "integration-error",
		Title:  "Timed out",
		Status: 502,
		Detail: fmt.Sprintf("request to %s timed out", e.URL),
	}
}

// BadResponseException is raised when a response's status code is outside
// the configured allowed set, inside the disallowed set, or is a 5xx.
// Carries a terse message plus a debug message with a body preview.
type BadResponseException struct {
	URL          string
	StatusCode   int
	Message      string
	DebugMessage string // truncated body preview
	Retries      int
	// RetryAfter is the parsed Retry-After header value, if the response
	// carried one and it parsed successfully.
	RetryAfter time.Duration
}

func (e *BadResponseException) Error() string {
	return fmt.Sprintf("bad response from %s: status %d: %s", e.URL, e.StatusCode, e.Message)
}

func (e *BadResponseException) ProblemDetail() ProblemDetail {
	return ProblemDetail{
		Type:   "integration-error",
		Title:  "Bad response from upstream",
		Status: 502,
		Detail: fmt.Sprintf("%s returned status %d: %s", e.URL, e.StatusCode, e.Message),
	}
}

// bodyPreviewLimit caps how much of a response body is retained for the
// debug message, so a misbehaving upstream can't balloon memory/log size.
const bodyPreviewLimit = 4096
