// Package vault implements the Credential Vault (spec.md §4.3): per-upstream
// OAuth token caching with expiry-window refresh, shared across worker
// processes via the lock & state store so a token fetched by one worker is
// reused by all.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opdshub/circulation-core/pkg/httpclient"
	"github.com/opdshub/circulation-core/pkg/lockstore"
)

// safetyWindow is how far ahead of expires_at a token is treated as
// already expired, per spec.md §4.3 ("within a 30-second safety window
// before expires_at, refreshes").
const safetyWindow = 30 * time.Second

// refreshLeaseTTL bounds how long one worker holds exclusive refresh
// rights for an upstream before another worker is allowed to try.
const refreshLeaseTTL = 15 * time.Second

// Token is the cached credential for one upstream.
type Token struct {
	AccessToken  string    `json:"access_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshToken string    `json:"refresh_token,omitempty"`
}

func (t Token) freshAt(now time.Time) bool {
	return t.AccessToken != "" && now.Add(safetyWindow).Before(t.ExpiresAt)
}

// Source fetches a fresh token for an upstream, e.g. via OAuth2
// client_credentials or refresh_token grant. Implementations use
// *httpclient.Client against the upstream's token endpoint.
type Source interface {
	FetchToken(ctx context.Context, upstream string, prior *Token) (Token, error)
}

// Vault caches tokens for a set of upstreams, keyed by name.
type Vault struct {
	store   *lockstore.Store
	sources map[string]Source
}

// New creates a Vault. Register per-upstream Sources with Register before
// calling Get.
func New(store *lockstore.Store) *Vault {
	return &Vault{store: store, sources: make(map[string]Source)}
}

// Register associates an upstream name with the Source that knows how to
// mint tokens for it.
func (v *Vault) Register(upstream string, source Source) {
	v.sources[upstream] = source
}

func (v *Vault) storeKey(upstream string) string {
	return fmt.Sprintf("vault/%s", upstream)
}

// Get returns the current token for upstream, refreshing it if absent or
// within the safety window of expiry.
func (v *Vault) Get(ctx context.Context, upstream string) (Token, error) {
	tok, fresh, err := v.readCached(ctx, upstream)
	if err != nil {
		return Token{}, err
	}
	if fresh {
		return tok, nil
	}
	return v.refresh(ctx, upstream, &tok)
}

// ForceRefresh discards any cached token's freshness and fetches a new one
// unconditionally. Used after a 401 on an authenticated call (spec.md
// §4.3: "triggers one forced refresh-and-retry").
func (v *Vault) ForceRefresh(ctx context.Context, upstream string) (Token, error) {
	tok, _, err := v.readCached(ctx, upstream)
	if err != nil {
		return Token{}, err
	}
	return v.refresh(ctx, upstream, &tok)
}

func (v *Vault) readCached(ctx context.Context, upstream string) (Token, bool, error) {
	raw, _, err := v.store.ReadPayload(ctx, v.storeKey(upstream))
	if err != nil {
		return Token{}, false, err
	}
	if len(raw) == 0 {
		return Token{}, false, nil
	}
	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return Token{}, false, fmt.Errorf("decoding cached token for %s: %w", upstream, err)
	}
	return tok, tok.freshAt(time.Now()), nil
}

// refresh fetches a new token, guarded by a short-lived lease so that a
// stampede of concurrent callers for the same expired upstream token
// collapses to a single upstream call. Callers that lose the race for the
// lease simply re-read whatever the winner just wrote.
func (v *Vault) refresh(ctx context.Context, upstream string, prior *Token) (Token, error) {
	source, ok := v.sources[upstream]
	if !ok {
		return Token{}, fmt.Errorf("vault: no token source registered for upstream %q", upstream)
	}

	lease, err := v.store.AcquireLease(ctx, v.storeKey(upstream)+"/refresh", refreshLeaseTTL)
	if err != nil {
		return Token{}, err
	}
	if lease == nil {
		// Another worker is refreshing; briefly wait then re-read.
		select {
		case <-ctx.Done():
			return Token{}, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
		tok, fresh, err := v.readCached(ctx, upstream)
		if err != nil {
			return Token{}, err
		}
		if fresh {
			return tok, nil
		}
		return Token{}, fmt.Errorf("vault: upstream %q token still stale after concurrent refresh", upstream)
	}
	defer func() { _ = v.store.ReleaseLease(ctx, lease) }()

	fresh, err := source.FetchToken(ctx, upstream, prior)
	if err != nil {
		return Token{}, fmt.Errorf("fetching token for %s: %w", upstream, err)
	}

	raw, err := json.Marshal(fresh)
	if err != nil {
		return Token{}, fmt.Errorf("encoding token for %s: %w", upstream, err)
	}
	// Best-effort cache write: an independently-held refresh lease means
	// Mutate's lease check would reject this, so write directly via a
	// throwaway lease acquired solely to perform the CAS write.
	cacheLease, err := v.store.AcquireLease(ctx, v.storeKey(upstream), time.Hour)
	if err == nil && cacheLease != nil {
		_, _ = v.store.Mutate(ctx, cacheLease, time.Hour, func(json.RawMessage) (json.RawMessage, error) {
			return raw, nil
		})
		_ = v.store.ReleaseLease(ctx, cacheLease)
	}

	return fresh, nil
}

// DoAuthenticated issues a request through client with the current token
// as a bearer credential, and on a single 401 forces a refresh and retries
// exactly once, per spec.md §4.3.
func (v *Vault) DoAuthenticated(ctx context.Context, client *httpclient.Client, upstream, method, url string, body []byte, opts httpclient.RequestOptions) (int, []byte, error) {
	tok, err := v.Get(ctx, upstream)
	if err != nil {
		return 0, nil, err
	}

	status, respBody, err := v.doOnceWithToken(ctx, client, tok, method, url, body, opts)
	if !isUnauthorized(status, err) {
		return status, respBody, err
	}

	tok, err = v.ForceRefresh(ctx, upstream)
	if err != nil {
		return 0, nil, err
	}
	status, respBody, err = v.doOnceWithToken(ctx, client, tok, method, url, body, opts)
	if isUnauthorized(status, err) {
		var bad *httpclient.BadResponseException
		if errors.As(err, &bad) {
			return status, respBody, bad
		}
		return status, respBody, &httpclient.BadResponseException{URL: url, StatusCode: status, Message: "unauthorized after forced refresh"}
	}
	return status, respBody, err
}

func (v *Vault) doOnceWithToken(ctx context.Context, client *httpclient.Client, tok Token, method, url string, body []byte, opts httpclient.RequestOptions) (int, []byte, error) {
	if opts.Headers == nil {
		opts.Headers = map[string]string{}
	} else {
		headers := make(map[string]string, len(opts.Headers)+1)
		for k, val := range opts.Headers {
			headers[k] = val
		}
		opts.Headers = headers
	}
	opts.Headers["Authorization"] = "Bearer " + tok.AccessToken

	resp, respBody, err := client.Do(ctx, method, url, body, opts)
	if resp != nil {
		return resp.StatusCode, respBody, err
	}
	return 0, respBody, err
}

func isUnauthorized(status int, err error) bool {
	if status == 401 {
		return true
	}
	var bad *httpclient.BadResponseException
	if errors.As(err, &bad) {
		return bad.StatusCode == 401
	}
	return false
}
