package oidcflow

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/opdshub/circulation-core/pkg/httpclient"
	"github.com/opdshub/circulation-core/pkg/lockstore"
)

// Cache TTLs and key prefixes, grounded verbatim on original_source's
// OIDCUtility class constants (oidc/util.py).
const (
	discoveryCacheTTL   = 24 * time.Hour
	jwksCacheTTL        = 24 * time.Hour
	pkceCacheTTL        = 10 * time.Minute
	stateMaxAge         = int64((10 * time.Minute) / time.Second)
	logoutStateCacheTTL = 10 * time.Minute

	discoveryKeyPrefix   = "oidc:discovery:"
	jwksKeyPrefix        = "oidc:jwks:"
	pkceKeyPrefix        = "oidc:pkce:"
	logoutStateKeyPrefix = "oidc:logout_state:"
)

func base64URLNoPad(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// GenerateNonce returns a cryptographically random, base64url-encoded
// nonce of length bytes of entropy.
func GenerateNonce(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	return base64URLNoPad(b), nil
}

// GeneratePKCE implements RFC 7636: a 96-byte random code_verifier and its
// SHA256 S256 code_challenge, both base64url without padding.
func GeneratePKCE() (codeVerifier, codeChallenge string, err error) {
	verifierBytes := make([]byte, 96)
	if _, err := rand.Read(verifierBytes); err != nil {
		return "", "", fmt.Errorf("generating pkce verifier: %w", err)
	}
	codeVerifier = base64URLNoPad(verifierBytes)
	sum := sha256.Sum256([]byte(codeVerifier))
	codeChallenge = base64URLNoPad(sum[:])
	return codeVerifier, codeChallenge, nil
}

// GenerateState builds an HMAC-signed, replay-resistant state token:
// base64url(HMAC_SHA256(secret, encodedData)) + "." + encodedData, where
// encodedData is base64url(JSON(data plus an injected "timestamp")).
func GenerateState(data map[string]any, secret string, now time.Time) (string, error) {
	stateData := make(map[string]any, len(data)+1)
	for k, v := range data {
		stateData[k] = v
	}
	stateData["timestamp"] = now.Unix()

	jsonData, err := json.Marshal(stateData)
	if err != nil {
		return "", fmt.Errorf("encoding state data: %w", err)
	}
	encodedData := base64.URLEncoding.EncodeToString(jsonData)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(encodedData))
	encodedSignature := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	return encodedSignature + "." + encodedData, nil
}

// ValidateState verifies a token minted by GenerateState: HMAC signature
// (constant-time), and that its embedded timestamp is neither in the
// future nor older than maxAge seconds. Returns the original data map
// with "timestamp" removed.
func ValidateState(state, secret string, maxAge int64, now time.Time) (map[string]any, error) {
	var encodedSignature, encodedData string
	if i := indexByte(state, '.'); i >= 0 {
		encodedSignature, encodedData = state[:i], state[i+1:]
	} else {
		return nil, &StateValidationError{Message: "malformed state: missing signature separator"}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(encodedData))
	expected := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	if subtle.ConstantTimeCompare([]byte(encodedSignature), []byte(expected)) != 1 {
		return nil, &StateValidationError{Message: "signature verification failed"}
	}

	jsonData, err := base64.URLEncoding.DecodeString(encodedData)
	if err != nil {
		return nil, &StateValidationError{Message: fmt.Sprintf("decoding state payload: %v", err)}
	}
	var stateData map[string]any
	if err := json.Unmarshal(jsonData, &stateData); err != nil {
		return nil, &StateValidationError{Message: fmt.Sprintf("decoding state json: %v", err)}
	}

	ts, ok := claimNumber(stateData, "timestamp")
	if !ok {
		return nil, &StateValidationError{Message: "state missing timestamp"}
	}
	age := now.Unix() - ts
	if age > maxAge {
		return nil, &StateValidationError{Message: fmt.Sprintf("state expired (age: %ds, max: %ds)", age, maxAge)}
	}
	if age < 0 {
		return nil, &StateValidationError{Message: "state timestamp is in the future"}
	}

	delete(stateData, "timestamp")
	return stateData, nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// discoveryCacheKey and jwksCacheKey mirror original_source's
// sha256(issuer)/sha256(jwks_uri) keyed cache entries, so two settings
// objects pointed at the same provider share one cached document.
func discoveryCacheKey(issuer string) string {
	sum := sha256.Sum256([]byte(issuer))
	return discoveryKeyPrefix + fmt.Sprintf("%x", sum)
}

func jwksCacheKey(jwksURI string) string {
	sum := sha256.Sum256([]byte(jwksURI))
	return jwksKeyPrefix + fmt.Sprintf("%x", sum)
}

// discoverConfiguration fetches {issuer}/.well-known/openid-configuration,
// validating the presence of the four fields every relying party needs,
// using the store as a 24-hour cache when useCache is true.
func discoverConfiguration(ctx context.Context, client *httpclient.Client, store *lockstore.Store, issuer string, useCache bool) (map[string]any, error) {
	cacheKey := discoveryCacheKey(issuer)
	if useCache && store != nil {
		if raw, found, err := store.GetCache(ctx, cacheKey); err == nil && found {
			var doc map[string]any
			if jsonErr := json.Unmarshal(raw, &doc); jsonErr == nil {
				return doc, nil
			}
		}
	}

	url := issuer + "/.well-known/openid-configuration"
	_, body, err := client.Get(ctx, url)
	if err != nil {
		return nil, &DiscoveryError{Message: fmt.Sprintf("fetching %s: %v", url, err)}
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &DiscoveryError{Message: fmt.Sprintf("invalid json in discovery document: %v", err)}
	}

	for _, field := range []string{"issuer", "authorization_endpoint", "token_endpoint", "jwks_uri"} {
		if _, ok := doc[field]; !ok {
			return nil, &DiscoveryError{Message: fmt.Sprintf("discovery document missing required field %q", field)}
		}
	}

	if useCache && store != nil {
		if raw, err := json.Marshal(doc); err == nil {
			_ = store.PutCache(ctx, cacheKey, raw, discoveryCacheTTL)
		}
	}
	return doc, nil
}

// fetchJWKS fetches the JSON Web Key Set at jwksURI, caching the raw bytes
// for 24 hours.
func fetchJWKS(ctx context.Context, client *httpclient.Client, store *lockstore.Store, jwksURI string, useCache bool) ([]byte, error) {
	cacheKey := jwksCacheKey(jwksURI)
	if useCache && store != nil {
		if raw, found, err := store.GetCache(ctx, cacheKey); err == nil && found {
			return raw, nil
		}
	}

	_, body, err := client.Get(ctx, jwksURI)
	if err != nil {
		return nil, &UtilityError{Message: fmt.Sprintf("fetching jwks from %s: %v", jwksURI, err)}
	}
	var parsed struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Keys == nil {
		return nil, &UtilityError{Message: "jwks must contain a 'keys' array"}
	}

	if useCache && store != nil {
		_ = store.PutCache(ctx, cacheKey, body, jwksCacheTTL)
	}
	return body, nil
}

// pkceEntry is what BuildAuthorizationURL stores against the state token
// and CompleteAuthorization consumes exactly once.
type pkceEntry struct {
	CodeVerifier string `json:"code_verifier"`
	Nonce        string `json:"nonce"`
}

func storePKCE(ctx context.Context, store *lockstore.Store, state string, entry pkceEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return store.PutCache(ctx, pkceKeyPrefix+state, raw, pkceCacheTTL)
}

// retrievePKCE fetches and deletes the PKCE entry for state (one-time
// use); found is false if the state is unknown or already consumed.
func retrievePKCE(ctx context.Context, store *lockstore.Store, state string) (entry pkceEntry, found bool, err error) {
	raw, found, err := store.GetCache(ctx, pkceKeyPrefix+state)
	if err != nil || !found {
		return pkceEntry{}, found, err
	}
	_ = store.DeleteCache(ctx, pkceKeyPrefix+state)
	if err := json.Unmarshal(raw, &entry); err != nil {
		return pkceEntry{}, false, fmt.Errorf("decoding pkce entry: %w", err)
	}
	return entry, true, nil
}

type logoutStateEntry struct {
	RedirectURI string `json:"redirect_uri"`
}

func storeLogoutState(ctx context.Context, store *lockstore.Store, state, redirectURI string) error {
	raw, err := json.Marshal(logoutStateEntry{RedirectURI: redirectURI})
	if err != nil {
		return err
	}
	return store.PutCache(ctx, logoutStateKeyPrefix+state, raw, logoutStateCacheTTL)
}

func retrieveLogoutState(ctx context.Context, store *lockstore.Store, state string) (logoutStateEntry, bool, error) {
	raw, found, err := store.GetCache(ctx, logoutStateKeyPrefix+state)
	if err != nil || !found {
		return logoutStateEntry{}, found, err
	}
	_ = store.DeleteCache(ctx, logoutStateKeyPrefix+state)
	var entry logoutStateEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return logoutStateEntry{}, false, fmt.Errorf("decoding logout state entry: %w", err)
	}
	return entry, true, nil
}

// formValues builds an application/x-www-form-urlencoded body.
func formValues(values map[string]string) []byte {
	form := url.Values{}
	for k, v := range values {
		form.Set(k, v)
	}
	return []byte(form.Encode())
}
