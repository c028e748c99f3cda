package oidcflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/opdshub/circulation-core/pkg/httpclient"
	"github.com/opdshub/circulation-core/pkg/lockstore"
)

func newTestStore(t *testing.T) *lockstore.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return lockstore.New(rdb, "circ-test")
}

func TestGenerateNonceIsURLSafeAndUnique(t *testing.T) {
	a, err := GenerateNonce(32)
	if err != nil {
		t.Fatalf("GenerateNonce: %v", err)
	}
	b, err := GenerateNonce(32)
	if err != nil {
		t.Fatalf("GenerateNonce: %v", err)
	}
	if a == b {
		t.Error("expected two distinct nonces")
	}
	if a == "" {
		t.Error("expected non-empty nonce")
	}
}

func TestGeneratePKCEChallengeDerivesFromVerifier(t *testing.T) {
	verifier, challenge, err := GeneratePKCE()
	if err != nil {
		t.Fatalf("GeneratePKCE: %v", err)
	}
	if verifier == "" || challenge == "" {
		t.Fatal("expected non-empty verifier and challenge")
	}
	_, challenge2, err := GeneratePKCE()
	if err != nil {
		t.Fatalf("GeneratePKCE: %v", err)
	}
	if challenge == challenge2 {
		t.Error("expected distinct challenges across calls")
	}
}

func TestGenerateAndValidateStateRoundTrips(t *testing.T) {
	now := time.Now()
	state, err := GenerateState(map[string]any{"foo": "bar"}, "secret", now)
	if err != nil {
		t.Fatalf("GenerateState: %v", err)
	}

	data, err := ValidateState(state, "secret", 600, now.Add(30*time.Second))
	if err != nil {
		t.Fatalf("ValidateState: %v", err)
	}
	if data["foo"] != "bar" {
		t.Errorf("data[foo] = %v, want bar", data["foo"])
	}
	if _, ok := data["timestamp"]; ok {
		t.Error("expected timestamp to be stripped from returned data")
	}
}

func TestValidateStateRejectsTamperedSignature(t *testing.T) {
	now := time.Now()
	state, err := GenerateState(map[string]any{}, "secret", now)
	if err != nil {
		t.Fatalf("GenerateState: %v", err)
	}

	if _, err := ValidateState(state, "wrong-secret", 600, now); err == nil {
		t.Fatal("expected signature validation to fail with wrong secret")
	}
}

func TestValidateStateRejectsExpired(t *testing.T) {
	now := time.Now()
	state, err := GenerateState(map[string]any{}, "secret", now)
	if err != nil {
		t.Fatalf("GenerateState: %v", err)
	}

	if _, err := ValidateState(state, "secret", 600, now.Add(11*time.Minute)); err == nil {
		t.Fatal("expected expired state to fail validation")
	}
}

func TestValidateStateRejectsFutureTimestamp(t *testing.T) {
	now := time.Now()
	state, err := GenerateState(map[string]any{}, "secret", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("GenerateState: %v", err)
	}

	if _, err := ValidateState(state, "secret", 600, now); err == nil {
		t.Fatal("expected future-timestamped state to fail validation")
	}
}

func TestValidateStateRejectsMalformedToken(t *testing.T) {
	if _, err := ValidateState("not-a-valid-token", "secret", 600, time.Now()); err == nil {
		t.Fatal("expected malformed state to fail validation")
	}
}

func TestPKCEEntryIsConsumedExactlyOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := storePKCE(ctx, store, "state-1", pkceEntry{CodeVerifier: "v", Nonce: "n"}); err != nil {
		t.Fatalf("storePKCE: %v", err)
	}

	entry, found, err := retrievePKCE(ctx, store, "state-1")
	if err != nil {
		t.Fatalf("retrievePKCE: %v", err)
	}
	if !found {
		t.Fatal("expected entry to be found")
	}
	if entry.CodeVerifier != "v" || entry.Nonce != "n" {
		t.Errorf("entry = %+v, want {v n}", entry)
	}

	_, found, err = retrievePKCE(ctx, store, "state-1")
	if err != nil {
		t.Fatalf("retrievePKCE second call: %v", err)
	}
	if found {
		t.Error("expected PKCE entry to be consumed after first retrieval")
	}
}

func TestLogoutStateIsConsumedExactlyOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := storeLogoutState(ctx, store, "state-1", "https://example.org/after-logout"); err != nil {
		t.Fatalf("storeLogoutState: %v", err)
	}

	entry, found, err := retrieveLogoutState(ctx, store, "state-1")
	if err != nil {
		t.Fatalf("retrieveLogoutState: %v", err)
	}
	if !found {
		t.Fatal("expected entry to be found")
	}
	if entry.RedirectURI != "https://example.org/after-logout" {
		t.Errorf("RedirectURI = %q", entry.RedirectURI)
	}

	_, found, err = retrieveLogoutState(ctx, store, "state-1")
	if err != nil {
		t.Fatalf("retrieveLogoutState second call: %v", err)
	}
	if found {
		t.Error("expected logout state to be consumed after first retrieval")
	}
}

func TestDiscoverConfigurationValidatesRequiredFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"issuer": "https://idp.example.org"})
	}))
	defer srv.Close()

	client := httpclient.NewWeb("test")
	store := newTestStore(t)

	if _, err := discoverConfiguration(context.Background(), client, store, srv.URL, true); err == nil {
		t.Fatal("expected discovery to fail when required fields are missing")
	}
}

func TestDiscoverConfigurationCachesDocument(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 "https://idp.example.org",
			"authorization_endpoint": "https://idp.example.org/auth",
			"token_endpoint":         "https://idp.example.org/token",
			"jwks_uri":               "https://idp.example.org/jwks",
		})
	}))
	defer srv.Close()

	client := httpclient.NewWeb("test")
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := discoverConfiguration(ctx, client, store, srv.URL, true); err != nil {
		t.Fatalf("first discoverConfiguration: %v", err)
	}
	if _, err := discoverConfiguration(ctx, client, store, srv.URL, true); err != nil {
		t.Fatalf("second discoverConfiguration: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (second call should hit cache)", calls)
	}
}

func TestFetchJWKSRequiresKeysArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not_keys": []}`))
	}))
	defer srv.Close()

	client := httpclient.NewWeb("test")
	store := newTestStore(t)

	if _, err := fetchJWKS(context.Background(), client, store, srv.URL, true); err == nil {
		t.Fatal("expected fetchJWKS to fail without a 'keys' array")
	}
}
