package sip2

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opdshub/circulation-core/pkg/catalog"
)

// blockReasonsThatDenyBorrowing maps the SIP2 patron-status field names
// that should produce a block to the protocol-independent BlockReason,
// grounded on original_source's SPECIFIC_BLOCK_REASONS table.
var blockReasonsThatDenyBorrowing = map[string]catalog.BlockReason{
	"card_reported_lost":      catalog.BlockCardReportedLost,
	"excessive_fines":         catalog.BlockExcessiveFines,
	"excessive_fees":          catalog.BlockExcessiveFees,
	"too_many_items_billed":   catalog.BlockTooManyItemsBilled,
	"charge_privileges_denied": catalog.BlockNoBorrowingPrivileges,
	"too_many_items_charged":  catalog.BlockTooManyLoans,
	"too_many_items_overdue":  catalog.BlockTooManyOverdue,
	"too_many_renewals":       catalog.BlockTooManyRenewals,
	"too_many_lost":           catalog.BlockTooManyLost,
	"recall_overdue":          catalog.BlockRecallOverdue,
}

// fieldsThatDenyBorrowingInOrder fixes the order patron status fields are
// examined in, so that when more than one is set the first (most specific)
// wins, matching original_source's early break on a non-UNKNOWN block
// reason.
var fieldsThatDenyBorrowingInOrder = []string{
	"card_reported_lost",
	"excessive_fines",
	"excessive_fees",
	"too_many_items_billed",
	"charge_privileges_denied",
	"too_many_items_charged",
	"too_many_items_overdue",
	"too_many_renewals",
	"too_many_lost",
	"recall_overdue",
}

// dateFormats are the SIP2 expiry formats this provider attempts to parse,
// grounded on original_source's SIP2AuthenticationProvider.DATE_FORMATS.
// Rather than replicate the Python strptime directives' exact zone-token
// semantics (whose %Z-as-literal-text behavior is itself nonstandard),
// this parses the leading 8-digit date and, if present, a trailing 6-digit
// time, tolerating whatever separator characters a given ILS puts between
// them.
func parseSIPDate(value string) (*time.Time, bool) {
	value = strings.TrimSpace(value)
	if len(value) < 8 {
		return nil, false
	}
	datePart := value[:8]
	date, err := time.Parse("20060102", datePart)
	if err != nil {
		return nil, false
	}
	if len(value) >= 14 {
		timePart := value[len(value)-6:]
		if clock, err := time.Parse("150405", timePart); err == nil {
			date = date.Add(time.Duration(clock.Hour())*time.Hour +
				time.Duration(clock.Minute())*time.Minute +
				time.Duration(clock.Second())*time.Second)
		}
	}
	return &date, true
}

func parseMoney(s string) catalog.Money {
	s = strings.TrimSpace(s)
	if s == "" {
		return catalog.Money{Currency: "USD"}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return catalog.Money{Currency: "USD"}
	}
	return catalog.Money{Cents: int64(f*100 + 0.5), Currency: "USD"}
}

// Settings is the library-level SIP2 configuration, grounded on
// original_source's SIP2Settings/SIP2LibrarySettings pair.
type Settings struct {
	Config
	PatronStatusBlock bool
}

// Provider authenticates patrons against a SIP2 server (spec.md §5.1).
type Provider struct {
	settings Settings
	// dial constructs the underlying wire client; overridable in tests.
	dial func(Config) *Client
}

func NewProvider(settings Settings) *Provider {
	return &Provider{settings: settings, dial: New}
}

func (p *Provider) client() *Client {
	dial := p.dial
	if dial == nil {
		dial = New
	}
	return dial(p.settings.Config)
}

// patronInformation runs the connect/login/sc_status/patron_information/
// end_session/disconnect sequence, mirroring original_source's
// patron_information() method exactly.
func (p *Provider) patronInformation(ctx context.Context, username, password string) (PatronInformationResult, error) {
	c := p.client()
	if err := c.Connect(ctx); err != nil {
		return PatronInformationResult{}, err
	}
	defer c.Disconnect()

	if err := c.Login(ctx); err != nil {
		return PatronInformationResult{}, err
	}
	if _, err := c.SCStatus(ctx); err != nil {
		return PatronInformationResult{}, err
	}
	info, err := c.PatronInformation(ctx, username, password)
	if err != nil {
		return PatronInformationResult{}, err
	}
	if err := c.EndSession(ctx, username, password); err != nil {
		return PatronInformationResult{}, err
	}
	return info, nil
}

func (p *Provider) RemoteAuthenticate(ctx context.Context, username, password string) (*catalog.PatronData, error) {
	info, err := p.patronInformation(ctx, username, password)
	if err != nil {
		return nil, fmt.Errorf("sip2: contacting %s: %w", p.settings.Server, err)
	}
	return p.infoToPatronData(info, true)
}

func (p *Provider) RemotePatronLookup(ctx context.Context, patron catalog.PatronData) (*catalog.PatronData, error) {
	info, err := p.patronInformation(ctx, patron.AuthorizationIdentifier, "")
	if err != nil {
		return nil, fmt.Errorf("sip2: contacting %s: %w", p.settings.Server, err)
	}
	return p.infoToPatronData(info, false)
}

// infoToPatronData converts a PatronInformationResult into
// catalog.PatronData, mirroring original_source's info_to_patrondata.
func (p *Provider) infoToPatronData(info PatronInformationResult, validatePassword bool) (*catalog.PatronData, error) {
	if !info.ValidPatron {
		return nil, nil
	}
	if validatePassword && !info.ValidPatronPassword {
		return nil, nil
	}

	pd := &catalog.PatronData{
		PermanentID:             info.PermanentID,
		AuthorizationIdentifier: info.PatronIdentifier,
		Email:                   info.EmailAddress,
		PersonalName:            info.PersonalName,
		PatronType:              info.PatronClass,
		Fines:                   parseMoney(info.FeeAmount),
		BlockReason:             catalog.BlockNone,
	}

	if expires, ok := parseSIPDate(info.ExpirationRaw); ok {
		pd.AuthorizationExpires = expires
	}

	if p.settings.PatronStatusBlock {
		pd.BlockReason = blockReasonFromStatus(info, pd)
	}

	return pd, nil
}

func blockReasonFromStatus(info PatronInformationResult, pd *catalog.PatronData) catalog.BlockReason {
	reason := catalog.BlockNone
	for _, field := range fieldsThatDenyBorrowingInOrder {
		if !info.PatronStatusParsed[field] {
			continue
		}
		mapped, ok := blockReasonsThatDenyBorrowing[field]
		if !ok {
			mapped = catalog.BlockUnknown
		}
		reason = mapped
		if reason != catalog.BlockNone && reason != catalog.BlockUnknown {
			break
		}
	}

	// An explicit fee limit overrides the status-field-derived reason, same
	// as original_source's fee_limit hard override.
	if info.FeeLimit != "" {
		limit := parseMoney(info.FeeLimit)
		if limit.Cents > 0 && pd.Fines.Cents > limit.Cents {
			reason = catalog.BlockExcessiveFines
		}
	}

	return reason
}
