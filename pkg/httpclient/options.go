package httpclient

import (
	"math"
	"math/rand"
	"time"
)

// CodeRange matches either an exact HTTP status code or a "series" like
// 5xx (any code in [500,600)), per spec.md §4.1.
type CodeRange struct {
	Exact  int
	Series int // e.g. 5 for "5xx"; 0 means "not a series"
}

// Code returns a CodeRange matching exactly one status code.
func Code(code int) CodeRange { return CodeRange{Exact: code} }

// Series returns a CodeRange matching an entire series, e.g. Series(5) for "5xx".
func Series(leadingDigit int) CodeRange { return CodeRange{Series: leadingDigit} }

func (c CodeRange) matches(status int) bool {
	if c.Series != 0 {
		return status/100 == c.Series
	}
	return status == c.Exact
}

func anyMatches(ranges []CodeRange, status int) bool {
	for _, r := range ranges {
		if r.matches(status) {
			return true
		}
	}
	return false
}

// BackoffFunc computes the delay before the Nth retry attempt (1-indexed).
type BackoffFunc func(attempt int) time.Duration

// ExponentialBackoff implements spec.md §4.1's default worker-variant
// policy: factor=3, base=2, jitter=0.5, cap=45s. delay = min(cap, min(cap,
// base * factor^attempt) * (1 + jitter*rand)): the jitter only lengthens
// the delay, and the result never exceeds the cap.
func ExponentialBackoff(base, capDelay time.Duration, factor, jitter float64) BackoffFunc {
	return func(attempt int) time.Duration {
		d := float64(base) * math.Pow(factor, float64(attempt))
		if capped := float64(capDelay); d > capped {
			d = capped
		}
		jittered := d * (1 + jitter*rand.Float64())
		if jittered > float64(capDelay) {
			jittered = float64(capDelay)
		}
		return time.Duration(jittered)
	}
}

// RequestOptions customizes a single request's retry/validation behavior,
// overlaid on the client variant's defaults.
type RequestOptions struct {
	// AllowedResponseCodes, if non-empty, makes any status outside this set
	// a BadResponseException, even 2xx ones not listed.
	AllowedResponseCodes []CodeRange
	// DisallowedResponseCodes additionally marks specific codes/series as
	// errors regardless of AllowedResponseCodes.
	DisallowedResponseCodes []CodeRange
	// NoRetryStatusCodes suppresses retry for these codes even though a
	// BadResponseException is retriable by default.
	NoRetryStatusCodes []CodeRange
	MaxRetries         *int // nil = use variant default
	Backoff            BackoffFunc
	// RespectRetryAfter honors a Retry-After header on retriable responses.
	// Defaults to true.
	RespectRetryAfter *bool
	MaxRetryAfterDelay time.Duration // default 120s
	Headers            map[string]string
}

func (o RequestOptions) respectRetryAfter() bool {
	if o.RespectRetryAfter == nil {
		return true
	}
	return *o.RespectRetryAfter
}

func (o RequestOptions) maxRetryAfterDelay() time.Duration {
	if o.MaxRetryAfterDelay <= 0 {
		return 120 * time.Second
	}
	return o.MaxRetryAfterDelay
}
