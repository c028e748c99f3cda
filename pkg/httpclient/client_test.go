package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDoRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := NewWorker("test")
	c.backoff = func(int) time.Duration { return time.Millisecond }

	resp, body, err := c.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if string(body) != "ok" {
		t.Errorf("body = %q, want %q", body, "ok")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoNoRetryStatusCodesSuppressesRetry(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewWorker("test")
	c.backoff = func(int) time.Duration { return time.Millisecond }

	_, _, err := c.GetWithOptions(context.Background(), srv.URL, RequestOptions{
		NoRetryStatusCodes: []CodeRange{Code(http.StatusServiceUnavailable)},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry)", calls)
	}
}

func TestDoAllowedResponseCodesRejectsOutsideSet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewWeb("test")
	_, _, err := c.GetWithOptions(context.Background(), srv.URL, RequestOptions{
		AllowedResponseCodes: []CodeRange{Code(http.StatusOK)},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	var bad *BadResponseException
	if !errors.As(err, &bad) {
		t.Fatalf("expected BadResponseException, got %T: %v", err, err)
	}
	if bad.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want 201", bad.StatusCode)
	}
}

func TestMaxRetryAfterDelayCapsRetryAfter(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.Header().Set("Retry-After", "3600")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewWorker("test")
	c.backoff = func(int) time.Duration { return time.Millisecond }

	start := time.Now()
	_, _, err := c.GetWithOptions(context.Background(), srv.URL, RequestOptions{
		MaxRetryAfterDelay: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("took %s, Retry-After cap should have limited the wait", elapsed)
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	d, ok := ParseRetryAfter("120")
	if !ok || d != 120*time.Second {
		t.Errorf("ParseRetryAfter(120) = %v, %v", d, ok)
	}
}

func TestExponentialBackoffCapsDelay(t *testing.T) {
	backoff := ExponentialBackoff(2*time.Second, 45*time.Second, 3, 0.5)
	for attempt := 1; attempt <= 10; attempt++ {
		if d := backoff(attempt); d > 45*time.Second {
			t.Errorf("attempt %d: delay %s exceeds cap", attempt, d)
		}
	}
}

