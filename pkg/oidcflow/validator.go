package oidcflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// clockSkewTolerance bounds how far exp/iat may fall on the "wrong" side of
// now before a token is rejected. original_source/oidc/validator.py is not
// part of the retrieved source (only its tests survived distillation); its
// test suite only constrains this to be comfortably larger than 100s and
// strictly enforced beyond its own value, so 5 minutes is chosen as the
// conventional JWT clock-skew default.
const clockSkewTolerance = 300

var signatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
}

const backchannelLogoutEvent = "http://schemas.openid.net/event/backchannel-logout"

// Validator verifies ID-token (and logout-token) signatures against a
// JWKS, validates the standard claim set, and extracts a patron
// identifier, grounded on original_source's OIDCTokenValidator (referenced
// throughout auth.py; its own source was filtered from original_source,
// so this is rebuilt from its test suite's observable contract).
type Validator struct{}

// ValidateSignature parses idToken as a compact JWS, locates the signing
// key in jwksJSON by the token's "kid" header (falling back to the sole
// key when the JWKS has exactly one and the token carries no kid), and
// returns the decoded claims on a successful verification.
func (Validator) ValidateSignature(idToken string, jwksJSON []byte) (map[string]any, error) {
	var keySet jose.JSONWebKeySet
	if err := json.Unmarshal(jwksJSON, &keySet); err != nil {
		return nil, &TokenSignatureError{Message: fmt.Sprintf("decoding jwks: %v", err)}
	}

	token, err := jwt.ParseSigned(idToken, signatureAlgorithms)
	if err != nil {
		return nil, &TokenSignatureError{Message: fmt.Sprintf("parsing token: %v", err)}
	}

	key, err := matchingKey(token, keySet)
	if err != nil {
		return nil, err
	}

	var claims map[string]any
	if err := token.Claims(key, &claims); err != nil {
		return nil, &TokenSignatureError{Message: fmt.Sprintf("verifying signature: %v", err)}
	}
	return claims, nil
}

func matchingKey(token *jwt.JSONWebToken, keySet jose.JSONWebKeySet) (any, error) {
	var kid string
	if len(token.Headers) > 0 {
		kid = token.Headers[0].KeyID
	}

	if kid != "" {
		matches := keySet.Key(kid)
		if len(matches) == 0 {
			return nil, &TokenSignatureError{Message: fmt.Sprintf("no jwks key matches kid %q", kid)}
		}
		return matches[0].Key, nil
	}

	if len(keySet.Keys) == 1 {
		return keySet.Keys[0].Key, nil
	}
	return nil, &TokenSignatureError{Message: "token carries no kid and jwks has more than one key"}
}

// ValidateClaims checks the standard ID-token claim set against
// expectedIssuer, expectedAudience, and (when non-empty) nonce, using
// currentTime as "now" for expiry/issued-at checks. Every violation found
// is reported together in a single TokenClaimsError.
func (Validator) ValidateClaims(claims map[string]any, expectedIssuer, expectedAudience string, nonce string, currentTime int64) error {
	var issues []string

	iss, issOK := claims["iss"].(string)
	switch {
	case !issOK || iss == "":
		issues = append(issues, missingClaimMessage("iss"))
	case iss != expectedIssuer:
		issues = append(issues, fmt.Sprintf("issuer mismatch: expected %q, got %q", expectedIssuer, iss))
	}

	aud, audOK := claims["aud"]
	switch {
	case !audOK:
		issues = append(issues, missingClaimMessage("aud"))
	case !audienceMatches(aud, expectedAudience):
		issues = append(issues, fmt.Sprintf("audience mismatch: expected %q, got %v", expectedAudience, aud))
	}

	exp, expOK := claimNumber(claims, "exp")
	if !expOK {
		issues = append(issues, missingClaimMessage("exp"))
	} else if exp < currentTime-clockSkewTolerance {
		issues = append(issues, fmt.Sprintf("token expired: exp=%d, now=%d", exp, currentTime))
	}

	iat, iatOK := claimNumber(claims, "iat")
	if !iatOK {
		issues = append(issues, missingClaimMessage("iat"))
	} else if iat > currentTime+clockSkewTolerance {
		issues = append(issues, fmt.Sprintf("token issued in the future: iat=%d, now=%d", iat, currentTime))
	}

	if sub, _ := claims["sub"].(string); sub == "" {
		issues = append(issues, missingClaimMessage("sub"))
	}

	if nonce != "" {
		got, ok := claims["nonce"].(string)
		switch {
		case !ok || got == "":
			issues = append(issues, missingClaimMessage("nonce"))
		case got != nonce:
			issues = append(issues, fmt.Sprintf("nonce mismatch: expected %q, got %q", nonce, got))
		}
	}

	if len(issues) > 0 {
		return &TokenClaimsError{Issues: issues}
	}
	return nil
}

func audienceMatches(aud any, expected string) bool {
	switch v := aud.(type) {
	case string:
		return v == expected
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == expected {
				return true
			}
		}
	}
	return false
}

func claimNumber(claims map[string]any, name string) (int64, bool) {
	switch v := claims[name].(type) {
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case int64:
		return v, true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// ExtractPatronID reads claimName from claims (stringifying non-string
// values) and, when regex is non-nil, applies it and returns the named
// "patron_id" capture group.
func (Validator) ExtractPatronID(claims map[string]any, claimName string, regex *regexp.Regexp) (string, error) {
	raw, ok := claims[claimName]
	if !ok {
		return "", &PatronIDExtractionError{Message: fmt.Sprintf("claim %q not found in ID token", claimName)}
	}

	value := stringifyClaim(raw)
	if strings.TrimSpace(value) == "" {
		return "", &PatronIDExtractionError{Message: fmt.Sprintf("claim %q is empty or whitespace-only", claimName)}
	}

	if regex == nil {
		return value, nil
	}

	groupIndex := -1
	for i, name := range regex.SubexpNames() {
		if name == "patron_id" {
			groupIndex = i
			break
		}
	}
	if groupIndex == -1 {
		return "", &PatronIDExtractionError{Message: "patron_id_regular_expression must contain a named group 'patron_id'"}
	}

	match := regex.FindStringSubmatch(value)
	if match == nil {
		return "", &PatronIDExtractionError{Message: fmt.Sprintf("patron_id_regular_expression did not match claim %q", claimName)}
	}
	captured := match[groupIndex]
	if captured == "" {
		return "", &PatronIDExtractionError{Message: "'patron_id' group is empty"}
	}
	return captured, nil
}

func stringifyClaim(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// ValidateAndExtract runs ValidateSignature, ValidateClaims, and
// ExtractPatronID in sequence, short-circuiting on the first failure.
func (v Validator) ValidateAndExtract(idToken string, jwksJSON []byte, expectedIssuer, expectedAudience, patronIDClaim, nonce string, currentTime int64, regex *regexp.Regexp) (map[string]any, string, error) {
	claims, err := v.ValidateSignature(idToken, jwksJSON)
	if err != nil {
		return nil, "", err
	}
	if err := v.ValidateClaims(claims, expectedIssuer, expectedAudience, nonce, currentTime); err != nil {
		return nil, "", err
	}
	patronID, err := v.ExtractPatronID(claims, patronIDClaim, regex)
	if err != nil {
		return nil, "", err
	}
	return claims, patronID, nil
}
