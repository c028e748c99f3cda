// Package sirsidynix implements patron authentication against the
// SirsiDynix Horizon web API (spec.md §5.2), grounded on
// original_source/api/sirsidynix_authentication_provider.py.
package sirsidynix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/opdshub/circulation-core/pkg/catalog"
	"github.com/opdshub/circulation-core/pkg/httpclient"
)

const defaultAppID = "PALACE"

// sessionTokenKey is the ProviderState key this package uses to round-trip
// the session token between RemoteAuthenticate and RemotePatronLookup.
const sessionTokenKey = "sirsidynix_session_token"

// blockReason values not covered by catalog's SIP2-derived BlockReason set;
// SirsiDynix reports some states (not-approved, membership expired) that
// have no SIP2 analog, grounded on SirsiBlockReasons in
// original_source/api/sirsidynix_authentication_provider.py.
var (
	blockNotApproved = catalog.BlockNotApproved
	blockExpired     = catalog.BlockExpired
)

// Settings configures a SirsiDynix Horizon integration (spec.md §5.2's
// SirsiDynixHorizonAuthSettings / SirsiDynixHorizonAuthLibrarySettings).
type Settings struct {
	ServerURL          string // must end with '/'; Provider normalizes this
	ClientID           string
	AppID              string // defaults to "PALACE" if empty, per SIRSI_DYNIX_APP_ID
	LibraryID          string
	DisallowedSuffixes []string
	PatronStatusBlock  bool
}

// Provider authenticates patrons against the SirsiDynix Horizon API.
type Provider struct {
	settings Settings
	client   *httpclient.Client
}

func NewProvider(settings Settings, client *httpclient.Client) *Provider {
	if !strings.HasSuffix(settings.ServerURL, "/") {
		settings.ServerURL += "/"
	}
	if settings.AppID == "" {
		settings.AppID = defaultAppID
	}
	return &Provider{settings: settings, client: client}
}

// request issues an API call with the headers SirsiDynix's Horizon API
// requires, matching original_source's _request. path must be relative
// (no leading slash) so it composes correctly against ServerURL via
// path.Join-style joining.
func (p *Provider) request(ctx context.Context, method, path string, body []byte, sessionToken string) (*http.Response, []byte, error) {
	if strings.HasPrefix(path, "/") {
		return nil, nil, fmt.Errorf("sirsidynix: path %q must not have a leading slash", path)
	}
	headers := map[string]string{
		"SD-Originating-App-Id": p.settings.AppID,
		"SD-Working-LibraryID":  p.settings.LibraryID,
		"x-sirs-clientID":       p.settings.ClientID,
		"Content-Type":          "application/json",
	}
	if sessionToken != "" {
		headers["x-sirs-sessionToken"] = sessionToken
	}
	return p.client.Do(ctx, method, p.settings.ServerURL+path, body, httpclient.RequestOptions{
		Headers:             headers,
		AllowedResponseCodes: nil, // this package inspects status codes itself, mirroring the original's manual checks
	})
}

type loginResponse struct {
	PatronKey    string `json:"patronKey"`
	SessionToken string `json:"sessionToken"`
}

// apiPatronLogin verifies credentials, returning ok=false (not an error)
// on a non-200 response, matching original_source's Literal[False] idiom.
func (p *Provider) apiPatronLogin(ctx context.Context, username, password string) (loginResponse, bool, error) {
	body, err := json.Marshal(map[string]string{"login": username, "password": password})
	if err != nil {
		return loginResponse{}, false, err
	}
	resp, respBody, err := p.request(ctx, http.MethodPost, "user/patron/login", body, "")
	if err != nil {
		return loginResponse{}, false, err
	}
	if resp.StatusCode != http.StatusOK {
		return loginResponse{}, false, nil
	}
	var out loginResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return loginResponse{}, false, fmt.Errorf("sirsidynix: decoding login response: %w", err)
	}
	return out, true, nil
}

type patronDataResponse struct {
	Fields struct {
		DisplayName string `json:"displayName"`
		PatronType  struct {
			Key string `json:"key"`
		} `json:"patronType"`
		Approved bool `json:"approved"`
	} `json:"fields"`
}

func (p *Provider) apiReadPatronData(ctx context.Context, patronKey, sessionToken string) (patronDataResponse, bool, error) {
	resp, respBody, err := p.request(ctx, http.MethodGet, "user/patron/key/"+patronKey, nil, sessionToken)
	if err != nil {
		return patronDataResponse{}, false, err
	}
	if resp.StatusCode != http.StatusOK {
		return patronDataResponse{}, false, nil
	}
	var out patronDataResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return patronDataResponse{}, false, fmt.Errorf("sirsidynix: decoding patron data: %w", err)
	}
	return out, true, nil
}

type patronStatusResponse struct {
	Fields struct {
		EstimatedFines struct {
			Amount string `json:"amount"`
		} `json:"estimatedFines"`
		HasMaxDaysWithFines bool `json:"hasMaxDaysWithFines"`
		HasMaxFines         bool `json:"hasMaxFines"`
		HasMaxLostItem      bool `json:"hasMaxLostItem"`
		HasMaxOverdueDays   bool `json:"hasMaxOverdueDays"`
		HasMaxOverdueItem   bool `json:"hasMaxOverdueItem"`
		HasMaxItemsCheckedOut bool `json:"hasMaxItemsCheckedOut"`
		Expired             bool `json:"expired"`
	} `json:"fields"`
}

func (p *Provider) apiPatronStatusInfo(ctx context.Context, patronKey, sessionToken string) (patronStatusResponse, bool, error) {
	resp, respBody, err := p.request(ctx, http.MethodGet, "user/patronStatusInfo/key/"+patronKey, nil, sessionToken)
	if err != nil {
		return patronStatusResponse{}, false, err
	}
	if resp.StatusCode != http.StatusOK {
		return patronStatusResponse{}, false, nil
	}
	var out patronStatusResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return patronStatusResponse{}, false, fmt.Errorf("sirsidynix: decoding patron status: %w", err)
	}
	return out, true, nil
}

func (p *Provider) RemoteAuthenticate(ctx context.Context, username, password string) (*catalog.PatronData, error) {
	if username == "" || password == "" {
		return nil, nil
	}
	login, ok, err := p.apiPatronLogin(ctx, username, password)
	if err != nil {
		return nil, fmt.Errorf("sirsidynix: logging in patron: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &catalog.PatronData{
		PermanentID:             login.PatronKey,
		AuthorizationIdentifier: username,
		Complete:                false,
		BlockReason:             catalog.BlockNone,
		ProviderState:           map[string]string{sessionTokenKey: login.SessionToken},
	}, nil
}

// RemotePatronLookup can only complete a record that already carries a
// session token from RemoteAuthenticate, matching original_source's
// guard ("We cannot do a remote lookup without a session token").
func (p *Provider) RemotePatronLookup(ctx context.Context, patron catalog.PatronData) (*catalog.PatronData, error) {
	sessionToken := patron.ProviderState[sessionTokenKey]
	if sessionToken == "" {
		return nil, nil
	}

	data, ok, err := p.apiReadPatronData(ctx, patron.PermanentID, sessionToken)
	if err != nil {
		return nil, fmt.Errorf("sirsidynix: reading patron data: %w", err)
	}
	if !ok {
		return nil, nil
	}

	out := patron
	out.Complete = true
	out.PersonalName = data.Fields.DisplayName
	out.PatronType = data.Fields.PatronType.Key

	if !data.Fields.Approved {
		out.BlockReason = blockNotApproved
		return &out, nil
	}

	for _, suffix := range p.settings.DisallowedSuffixes {
		if suffix != "" && strings.HasSuffix(out.PatronType, suffix) {
			out.BlockReason = catalog.BlockUnknown
			return &out, nil
		}
	}

	if !p.settings.PatronStatusBlock {
		out.BlockReason = catalog.BlockNone
		return &out, nil
	}

	status, ok, err := p.apiPatronStatusInfo(ctx, patron.PermanentID, sessionToken)
	if err != nil {
		return nil, fmt.Errorf("sirsidynix: reading patron status: %w", err)
	}
	if !ok {
		return nil, nil
	}

	if amount := status.Fields.EstimatedFines.Amount; amount != "" {
		if f, err := strconv.ParseFloat(amount, 64); err == nil {
			out.Fines = catalog.Money{Cents: int64(f*100 + 0.5), Currency: "USD"}
		}
	}

	switch {
	case status.Fields.Expired:
		out.BlockReason = blockExpired
	case status.Fields.HasMaxDaysWithFines || status.Fields.HasMaxFines:
		out.BlockReason = catalog.BlockExcessiveFines
	case status.Fields.HasMaxLostItem:
		out.BlockReason = catalog.BlockTooManyLost
	case status.Fields.HasMaxOverdueDays || status.Fields.HasMaxOverdueItem:
		out.BlockReason = catalog.BlockTooManyOverdue
	case status.Fields.HasMaxItemsCheckedOut:
		out.BlockReason = catalog.BlockTooManyLoans
	default:
		out.BlockReason = catalog.BlockNone
	}

	return &out, nil
}
