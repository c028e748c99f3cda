package oidcflow

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/opdshub/circulation-core/pkg/httpclient"
	"github.com/opdshub/circulation-core/pkg/lockstore"
)

// TokenEndpointAuthMethod is the closed set of ways a Manager
// authenticates itself to a provider's token endpoint.
type TokenEndpointAuthMethod string

const (
	AuthMethodClientSecretPost  TokenEndpointAuthMethod = "client_secret_post"
	AuthMethodClientSecretBasic TokenEndpointAuthMethod = "client_secret_basic"
)

// Settings configures one OIDC provider integration (spec.md §4.6),
// grounded on OIDCAuthSettings in
// original_source/integration/patron_auth/oidc/configuration/model.py.
type Settings struct {
	IssuerURL string // when set, endpoints below are discovered and this field wins
	// Issuer is the expected "iss" claim value for manually configured
	// providers (IssuerURL empty). original_source's auth.py references
	// self._settings.issuer in its manual-config branch, but no such field
	// exists on OIDCAuthSettings in the retrieved source — filled in here
	// as an explicit field rather than leaving expected-issuer validation
	// silently unenforced in manual mode.
	Issuer                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	JWKSURI               string
	UserinfoEndpoint      string
	EndSessionEndpoint    string

	ClientID     string
	ClientSecret string

	Scopes                      []string
	PatronIDClaim               string
	PatronIDRegularExpression   string // must contain a named group "patron_id" if non-empty
	UsePKCE                     bool
	TokenEndpointAuthMethod     TokenEndpointAuthMethod
	AccessType                  string // "offline" | "online"

	// SecretKey signs state and logout-state tokens (spec.md §4.6). Not
	// part of the provider's own configuration in original_source (it's
	// passed separately to OIDCAuthenticationManager's constructor).
	SecretKey string
}

func (s Settings) scopeString() string { return strings.Join(s.Scopes, " ") }

// Manager implements the full Authorization Code + PKCE flow plus
// optional back-channel logout, grounded on original_source's
// OIDCAuthenticationManager (oidc/auth.py).
type Manager struct {
	settings  Settings
	client    *httpclient.Client
	store     *lockstore.Store
	validator Validator
	patronRe  *regexp.Regexp
}

// NewManager validates settings eagerly — scopes must include "openid",
// and patron_id_regular_expression (if configured) must contain a named
// group "patron_id" — matching SPEC_FULL.md §4.6's supplement that these
// are config-load-time failures, not callback-time ones.
func NewManager(settings Settings, client *httpclient.Client, store *lockstore.Store) (*Manager, error) {
	hasOpenID := false
	for _, scope := range settings.Scopes {
		if scope == "openid" {
			hasOpenID = true
			break
		}
	}
	if !hasOpenID {
		return nil, fmt.Errorf("oidcflow: scopes must include \"openid\"")
	}
	if settings.PatronIDClaim == "" {
		settings.PatronIDClaim = "sub"
	}
	if settings.TokenEndpointAuthMethod == "" {
		settings.TokenEndpointAuthMethod = AuthMethodClientSecretPost
	}
	if settings.AccessType == "" {
		settings.AccessType = "offline"
	}

	var patronRe *regexp.Regexp
	if settings.PatronIDRegularExpression != "" {
		re, err := regexp.Compile(settings.PatronIDRegularExpression)
		if err != nil {
			return nil, fmt.Errorf("oidcflow: compiling patron_id_regular_expression: %w", err)
		}
		hasGroup := false
		for _, name := range re.SubexpNames() {
			if name == "patron_id" {
				hasGroup = true
				break
			}
		}
		if !hasGroup {
			return nil, fmt.Errorf("oidcflow: patron_id_regular_expression must contain a named group \"patron_id\"")
		}
		patronRe = re
	}

	return &Manager{settings: settings, client: client, store: store, patronRe: patronRe}, nil
}

// Metadata is the resolved set of a provider's endpoints.
type Metadata struct {
	Issuer                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	JWKSURI               string
	UserinfoEndpoint      string
	EndSessionEndpoint    string
}

func metadataString(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}

// GetProviderMetadata resolves the provider's endpoints, discovering them
// from IssuerURL (cached 24h) or reading the manually configured fields.
func (m *Manager) GetProviderMetadata(ctx context.Context, useCache bool) (Metadata, error) {
	if m.settings.IssuerURL != "" {
		doc, err := discoverConfiguration(ctx, m.client, m.store, strings.TrimRight(m.settings.IssuerURL, "/"), useCache)
		if err != nil {
			return Metadata{}, err
		}
		return Metadata{
			Issuer:                metadataString(doc, "issuer"),
			AuthorizationEndpoint: metadataString(doc, "authorization_endpoint"),
			TokenEndpoint:         metadataString(doc, "token_endpoint"),
			JWKSURI:               metadataString(doc, "jwks_uri"),
			UserinfoEndpoint:      metadataString(doc, "userinfo_endpoint"),
			EndSessionEndpoint:    metadataString(doc, "end_session_endpoint"),
		}, nil
	}

	if m.settings.AuthorizationEndpoint == "" || m.settings.TokenEndpoint == "" || m.settings.JWKSURI == "" {
		return Metadata{}, &DiscoveryError{Message: "no issuer_url configured and manual endpoints are incomplete"}
	}
	return Metadata{
		Issuer:                m.settings.Issuer,
		AuthorizationEndpoint: m.settings.AuthorizationEndpoint,
		TokenEndpoint:         m.settings.TokenEndpoint,
		JWKSURI:               m.settings.JWKSURI,
		UserinfoEndpoint:      m.settings.UserinfoEndpoint,
		EndSessionEndpoint:    m.settings.EndSessionEndpoint,
	}, nil
}

// AuthorizationRequest is the result of BuildAuthorizationURL: the URL to
// redirect the patron's browser to, and the state token the callback must
// present to complete the flow.
type AuthorizationRequest struct {
	URL   string
	State string
}

// BuildAuthorizationURL generates PKCE material and a nonce, stores them
// under a freshly minted signed state token (10-minute TTL), and returns
// the full authorization-endpoint URL.
func (m *Manager) BuildAuthorizationURL(ctx context.Context, redirectURI string) (AuthorizationRequest, error) {
	metadata, err := m.GetProviderMetadata(ctx, true)
	if err != nil {
		return AuthorizationRequest{}, err
	}

	nonce, err := GenerateNonce(32)
	if err != nil {
		return AuthorizationRequest{}, err
	}
	codeVerifier, codeChallenge, err := GeneratePKCE()
	if err != nil {
		return AuthorizationRequest{}, err
	}
	state, err := GenerateState(map[string]any{}, m.settings.SecretKey, time.Now())
	if err != nil {
		return AuthorizationRequest{}, err
	}
	if err := storePKCE(ctx, m.store, state, pkceEntry{CodeVerifier: codeVerifier, Nonce: nonce}); err != nil {
		return AuthorizationRequest{}, err
	}

	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", m.settings.ClientID)
	params.Set("redirect_uri", redirectURI)
	params.Set("scope", m.settings.scopeString())
	params.Set("state", state)
	params.Set("nonce", nonce)
	if m.settings.UsePKCE {
		params.Set("code_challenge", codeChallenge)
		params.Set("code_challenge_method", "S256")
	}
	if m.settings.AccessType != "" {
		params.Set("access_type", m.settings.AccessType)
	}

	return AuthorizationRequest{
		URL:   metadata.AuthorizationEndpoint + "?" + params.Encode(),
		State: state,
	}, nil
}

// TokenResponse is the token endpoint's response shape.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

func (m *Manager) prepareTokenAuth(data map[string]string) (basicUser, basicPass string, useBasic bool) {
	if m.settings.TokenEndpointAuthMethod == AuthMethodClientSecretBasic {
		return m.settings.ClientID, m.settings.ClientSecret, true
	}
	data["client_id"] = m.settings.ClientID
	data["client_secret"] = m.settings.ClientSecret
	return "", "", false
}

func (m *Manager) postTokenEndpoint(ctx context.Context, tokenEndpoint string, data map[string]string) (map[string]any, error) {
	basicUser, basicPass, useBasic := m.prepareTokenAuth(data)

	opts := httpclient.RequestOptions{
		Headers: map[string]string{
			"Content-Type": "application/x-www-form-urlencoded",
			"Accept":       "application/json",
		},
	}
	if useBasic {
		opts.Headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(basicUser+":"+basicPass))
	}

	_, body, err := m.client.Do(ctx, http.MethodPost, tokenEndpoint, formValues(data), opts)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decoding token endpoint response: %w", err)
	}
	return result, nil
}

// ExchangeAuthorizationCode exchanges code for tokens at the token
// endpoint, supplying codeVerifier when PKCE is in use.
func (m *Manager) ExchangeAuthorizationCode(ctx context.Context, code, redirectURI, codeVerifier string) (TokenResponse, error) {
	metadata, err := m.GetProviderMetadata(ctx, true)
	if err != nil {
		return TokenResponse{}, err
	}

	data := map[string]string{
		"grant_type":   "authorization_code",
		"code":         code,
		"redirect_uri": redirectURI,
	}
	if codeVerifier != "" {
		data["code_verifier"] = codeVerifier
	}

	result, err := m.postTokenEndpoint(ctx, metadata.TokenEndpoint, data)
	if err != nil {
		return TokenResponse{}, &TokenExchangeError{Message: err.Error()}
	}

	accessToken, _ := result["access_token"].(string)
	idToken, _ := result["id_token"].(string)
	if accessToken == "" {
		return TokenResponse{}, &TokenExchangeError{Message: "token response missing access_token"}
	}
	if idToken == "" {
		return TokenResponse{}, &TokenExchangeError{Message: "token response missing id_token"}
	}

	refreshToken, _ := result["refresh_token"].(string)
	tokenType, _ := result["token_type"].(string)
	expiresIn, _ := claimNumber(result, "expires_in")

	return TokenResponse{
		AccessToken:  accessToken,
		IDToken:      idToken,
		RefreshToken: refreshToken,
		TokenType:    tokenType,
		ExpiresIn:    expiresIn,
	}, nil
}

// RefreshAccessToken exchanges a refresh token for a fresh access token
// (and possibly a new ID token).
func (m *Manager) RefreshAccessToken(ctx context.Context, refreshToken string) (TokenResponse, error) {
	metadata, err := m.GetProviderMetadata(ctx, true)
	if err != nil {
		return TokenResponse{}, err
	}

	result, err := m.postTokenEndpoint(ctx, metadata.TokenEndpoint, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	})
	if err != nil {
		return TokenResponse{}, &RefreshTokenError{Message: err.Error()}
	}

	accessToken, _ := result["access_token"].(string)
	if accessToken == "" {
		return TokenResponse{}, &RefreshTokenError{Message: "token response missing access_token"}
	}
	idToken, _ := result["id_token"].(string)
	refreshTok, _ := result["refresh_token"].(string)
	tokenType, _ := result["token_type"].(string)
	expiresIn, _ := claimNumber(result, "expires_in")

	return TokenResponse{
		AccessToken:  accessToken,
		IDToken:      idToken,
		RefreshToken: refreshTok,
		TokenType:    tokenType,
		ExpiresIn:    expiresIn,
	}, nil
}

// FetchUserInfo calls the provider's optional UserInfo endpoint.
func (m *Manager) FetchUserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	metadata, err := m.GetProviderMetadata(ctx, true)
	if err != nil {
		return nil, err
	}
	if metadata.UserinfoEndpoint == "" {
		return nil, &AuthenticationError{Message: "provider does not support a userinfo endpoint"}
	}

	_, body, err := m.client.Do(ctx, http.MethodGet, metadata.UserinfoEndpoint, nil, httpclient.RequestOptions{
		Headers: map[string]string{"Authorization": "Bearer " + accessToken, "Accept": "application/json"},
	})
	if err != nil {
		return nil, &AuthenticationError{Message: fmt.Sprintf("fetching user info: %v", err)}
	}
	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &AuthenticationError{Message: fmt.Sprintf("decoding user info: %v", err)}
	}
	return result, nil
}

// ValidateIDToken fetches JWKS (cached) and validates idToken's signature
// and standard claims. Pass nonce == "" to skip the nonce check (used for
// id_token_hint validation at logout).
func (m *Manager) ValidateIDToken(ctx context.Context, idToken, nonce string) (map[string]any, error) {
	metadata, err := m.GetProviderMetadata(ctx, true)
	if err != nil {
		return nil, err
	}
	jwks, err := fetchJWKS(ctx, m.client, m.store, metadata.JWKSURI, true)
	if err != nil {
		return nil, err
	}
	claims, err := m.validator.ValidateSignature(idToken, jwks)
	if err != nil {
		return nil, err
	}
	if err := m.validator.ValidateClaims(claims, metadata.Issuer, m.settings.ClientID, nonce, time.Now().Unix()); err != nil {
		return nil, err
	}
	return claims, nil
}

// ExtractPatronID applies the configured patron_id_claim (and optional
// regular expression) to already-validated claims.
func (m *Manager) ExtractPatronID(claims map[string]any) (string, error) {
	return m.validator.ExtractPatronID(claims, m.settings.PatronIDClaim, m.patronRe)
}

// CompleteAuthorization validates state, consumes its one-time PKCE
// entry, exchanges code for tokens, validates the ID token against the
// stored nonce, and extracts the patron identifier — the full callback
// sequence of spec.md §4.6.
func (m *Manager) CompleteAuthorization(ctx context.Context, state, code, redirectURI string) (claims map[string]any, patronID string, tokens TokenResponse, err error) {
	if _, err := ValidateState(state, m.settings.SecretKey, stateMaxAge, time.Now()); err != nil {
		return nil, "", TokenResponse{}, err
	}

	entry, found, err := retrievePKCE(ctx, m.store, state)
	if err != nil {
		return nil, "", TokenResponse{}, err
	}
	if !found {
		return nil, "", TokenResponse{}, &StateValidationError{Message: "state not found or already used"}
	}

	tokens, err = m.ExchangeAuthorizationCode(ctx, code, redirectURI, entry.CodeVerifier)
	if err != nil {
		return nil, "", TokenResponse{}, err
	}

	claims, err = m.ValidateIDToken(ctx, tokens.IDToken, entry.Nonce)
	if err != nil {
		return nil, "", TokenResponse{}, err
	}

	patronID, err = m.ExtractPatronID(claims)
	if err != nil {
		return nil, "", TokenResponse{}, err
	}

	return claims, patronID, tokens, nil
}

// BuildLogoutURL builds an RP-Initiated Logout URL and stashes the
// post-logout redirect URI under a fresh signed state token for the
// provider's redirect-back.
func (m *Manager) BuildLogoutURL(ctx context.Context, idTokenHint, postLogoutRedirectURI string) (logoutURL, state string, err error) {
	metadata, err := m.GetProviderMetadata(ctx, true)
	if err != nil {
		return "", "", err
	}
	endSessionEndpoint := metadata.EndSessionEndpoint
	if endSessionEndpoint == "" {
		endSessionEndpoint = m.settings.EndSessionEndpoint
	}
	if endSessionEndpoint == "" {
		return "", "", &AuthenticationError{Message: "provider does not support RP-Initiated Logout (no end_session_endpoint)"}
	}

	state, err = GenerateState(map[string]any{}, m.settings.SecretKey, time.Now())
	if err != nil {
		return "", "", err
	}
	if err := storeLogoutState(ctx, m.store, state, postLogoutRedirectURI); err != nil {
		return "", "", err
	}

	params := url.Values{}
	params.Set("id_token_hint", idTokenHint)
	params.Set("post_logout_redirect_uri", postLogoutRedirectURI)
	params.Set("state", state)

	return endSessionEndpoint + "?" + params.Encode(), state, nil
}

// ValidateLogoutRedirect validates a logout-state token produced by
// BuildLogoutURL and returns the redirect URI it was minted for,
// consuming the entry (one-time use).
func (m *Manager) ValidateLogoutRedirect(ctx context.Context, state string) (string, error) {
	if _, err := ValidateState(state, m.settings.SecretKey, int64(logoutStateCacheTTL/time.Second), time.Now()); err != nil {
		return "", err
	}
	entry, found, err := retrieveLogoutState(ctx, m.store, state)
	if err != nil {
		return "", err
	}
	if !found {
		return "", &StateValidationError{Message: "logout state not found or already used"}
	}
	return entry.RedirectURI, nil
}

// ValidateLogoutToken validates an OIDC back-channel logout_token: unlike
// an ID token it must NOT contain "nonce", must carry "events" naming the
// back-channel-logout event, must contain "sub" or "sid", and must
// contain "iat" and "jti". When the normal ID-token claim check fails and
// a missing "sub" is among its issues, signature-only validation plus a
// manual issuer/audience check is used instead — grounded on auth.py's
// validate_logout_token.
func (m *Manager) ValidateLogoutToken(ctx context.Context, logoutToken string) (map[string]any, error) {
	claims, err := m.ValidateIDToken(ctx, logoutToken, "")
	if err != nil {
		if !claimsErrorMentionsMissing(err, "sub") {
			return nil, &AuthenticationError{Message: fmt.Sprintf("invalid logout token: %v", err)}
		}

		metadata, metaErr := m.GetProviderMetadata(ctx, true)
		if metaErr != nil {
			return nil, metaErr
		}
		jwks, jwksErr := fetchJWKS(ctx, m.client, m.store, metadata.JWKSURI, true)
		if jwksErr != nil {
			return nil, jwksErr
		}
		sigClaims, sigErr := m.validator.ValidateSignature(logoutToken, jwks)
		if sigErr != nil {
			return nil, sigErr
		}
		if _, hasSID := sigClaims["sid"]; !hasSID {
			return nil, &AuthenticationError{Message: "logout token must contain either 'sub' or 'sid' claim"}
		}
		if iss, _ := sigClaims["iss"].(string); iss != metadata.Issuer {
			return nil, &AuthenticationError{Message: fmt.Sprintf("invalid issuer: expected %q, got %q", metadata.Issuer, iss)}
		}
		if !audienceMatches(sigClaims["aud"], m.settings.ClientID) {
			return nil, &AuthenticationError{Message: fmt.Sprintf("invalid audience: expected %q, got %v", m.settings.ClientID, sigClaims["aud"])}
		}
		claims = sigClaims
	}

	if _, hasNonce := claims["nonce"]; hasNonce {
		return nil, &AuthenticationError{Message: "logout token must not contain 'nonce' claim"}
	}

	events, _ := claims["events"].(map[string]any)
	if len(events) == 0 {
		return nil, &AuthenticationError{Message: "logout token missing 'events' claim"}
	}
	if _, ok := events[backchannelLogoutEvent]; !ok {
		return nil, &AuthenticationError{Message: fmt.Sprintf("logout token missing %q event", backchannelLogoutEvent)}
	}

	_, hasSub := claims["sub"]
	_, hasSID := claims["sid"]
	if !hasSub && !hasSID {
		return nil, &AuthenticationError{Message: "logout token must contain either 'sub' or 'sid' claim"}
	}
	if _, ok := claims["iat"]; !ok {
		return nil, &AuthenticationError{Message: "logout token missing 'iat' claim"}
	}
	if _, ok := claims["jti"]; !ok {
		return nil, &AuthenticationError{Message: "logout token missing 'jti' claim"}
	}

	return claims, nil
}
