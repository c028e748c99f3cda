package sip2

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// parseVariableFields decodes the variable-length "XXvalue<sep>" fields of a SIP2
// response into a multimap, since some fields (e.g. screen messages) may
// repeat.
func parseVariableFields(msg, sep string) map[string][]string {
	out := map[string][]string{}
	for _, part := range strings.Split(msg, sep) {
		if len(part) < 2 {
			continue
		}
		code, value := part[:2], part[2:]
		out[code] = append(out[code], value)
	}
	return out
}

func firstField(fields map[string][]string, code string) (string, bool) {
	v, ok := fields[code]
	if !ok || len(v) == 0 {
		return "", false
	}
	return v[0], true
}

// buildLogin constructs a SIP2 Login message (type 93).
func (c *Client) buildLogin() string {
	sep := c.cfg.separator()
	var b strings.Builder
	b.WriteString("9300")
	b.WriteString("CN" + c.cfg.LoginUserID + sep)
	b.WriteString("CO" + c.cfg.LoginPassword + sep)
	if c.cfg.LocationCode != "" {
		b.WriteString("CP" + c.cfg.LocationCode + sep)
	}
	return b.String()
}

// Login sends a Login message and returns an error if the server rejects it.
func (c *Client) Login(ctx context.Context) error {
	if err := c.send(c.buildLogin()); err != nil {
		return err
	}
	resp, err := c.receive()
	if err != nil {
		return err
	}
	if !strings.HasPrefix(resp, "94") {
		return fmt.Errorf("sip2: unexpected login response %q", preview(resp))
	}
	if len(resp) < 3 || resp[2] != '1' {
		return fmt.Errorf("sip2: login rejected")
	}
	return nil
}

// SCStatus sends an SC Status message (type 99) and returns the server's
// ACS Status fields (type 98). Must follow a successful Login.
func (c *Client) SCStatus(ctx context.Context) (map[string][]string, error) {
	msg := "9900302.00"
	if err := c.send(msg); err != nil {
		return nil, err
	}
	resp, err := c.receive()
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(resp, "98") {
		return nil, fmt.Errorf("sip2: unexpected sc status response %q", preview(resp))
	}
	return parseVariableFields(trimFixedPrefix(resp, acsStatusFixedLength), c.cfg.separator()), nil
}

// Fixed-field prefix lengths consumed before variable fields begin, per the
// SIP2 spec: acsStatusFixedLength covers ACS Status's (type 98) online
// status block and counters; patronInfoFixedLength covers Patron
// Information Response's (type 64) patron status block, language,
// timestamp, and six 4-digit counts.
const (
	acsStatusFixedLength  = 15
	patronInfoFixedLength = 61
)

func trimFixedPrefix(resp string, n int) string {
	if len(resp) <= n {
		return ""
	}
	return resp[n:]
}

func preview(s string) string {
	if len(s) > 40 {
		return s[:40] + "..."
	}
	return s
}

// patronStatusFieldNames is the ordered 14-character patron status block
// from the SIP2 spec, matching the field order
// original_source/api/sip/__init__.py's SPECIFIC_BLOCK_REASONS assumes via
// SIPClient's named constants.
var patronStatusFieldNames = [14]string{
	"charge_privileges_denied",
	"renewal_privileges_denied",
	"recall_privileges_denied",
	"hold_privileges_denied",
	"card_reported_lost",
	"too_many_items_charged",
	"too_many_items_overdue",
	"too_many_renewals",
	"too_many_claims_returned",
	"too_many_lost",
	"excessive_fines",
	"excessive_fees",
	"recall_overdue",
	"too_many_items_billed",
}

func parsePatronStatus(block string) map[string]bool {
	out := make(map[string]bool, len(patronStatusFieldNames))
	for i, name := range patronStatusFieldNames {
		if i < len(block) {
			out[name] = block[i] == 'Y'
		}
	}
	return out
}

// buildPatronInformation constructs a Patron Information message (type 63).
func (c *Client) buildPatronInformation(username, password string) string {
	sep := c.cfg.separator()
	var b strings.Builder
	b.WriteString("63")
	b.WriteString("000") // language: unspecified
	b.WriteString(sipTimestamp(time.Now()))
	b.WriteString("          ") // 10-char summary block, all blank = request everything available
	if c.cfg.InstitutionID != "" {
		b.WriteString("AO" + c.cfg.InstitutionID + sep)
	} else {
		b.WriteString("AO" + sep)
	}
	b.WriteString("AA" + username + sep)
	if c.cfg.LocationCode != "" {
		b.WriteString("AC" + c.cfg.LocationCode + sep)
	}
	if password != "" {
		b.WriteString("AD" + password + sep)
	}
	return b.String()
}

// PatronInformationResult is the parsed Patron Information response (type
// 64), matching the dict original_source's patron_information() returns.
type PatronInformationResult struct {
	ValidPatron         bool
	ValidPatronPassword bool
	PatronStatusParsed  map[string]bool
	PermanentID         string
	PatronIdentifier    string
	EmailAddress        string
	PersonalName        string
	PermanentLocation   string
	FeeAmount           string
	FeeLimit            string
	PatronClass         string
	ExpirationRaw       string
}

// PatronInformation sends a Patron Information message and parses the
// response into the fields the provider needs, mirroring
// original_source's SIP2AuthenticationProvider.info_to_patrondata.
func (c *Client) PatronInformation(ctx context.Context, username, password string) (PatronInformationResult, error) {
	if err := c.send(c.buildPatronInformation(username, password)); err != nil {
		return PatronInformationResult{}, err
	}
	resp, err := c.receive()
	if err != nil {
		return PatronInformationResult{}, err
	}
	if !strings.HasPrefix(resp, "64") {
		return PatronInformationResult{}, fmt.Errorf("sip2: unexpected patron information response %q", preview(resp))
	}

	var result PatronInformationResult
	if len(resp) >= 16 {
		result.PatronStatusParsed = parsePatronStatus(resp[2:16])
	}

	fields := parseVariableFields(trimFixedPrefix(resp, patronInfoFixedLength), c.cfg.separator())

	if v, ok := firstField(fields, "BL"); ok {
		result.ValidPatron = v == "Y"
	} else {
		result.ValidPatron = true // absent BL is treated as valid in most dialects
	}
	if v, ok := firstField(fields, "CQ"); ok {
		result.ValidPatronPassword = v == "Y"
	} else {
		result.ValidPatronPassword = true
	}
	result.PermanentID, _ = firstField(fields, "AA")
	result.PatronIdentifier, _ = firstField(fields, "AA")
	result.EmailAddress, _ = firstField(fields, "BE")
	result.PersonalName, _ = firstField(fields, "AE")
	result.PermanentLocation, _ = firstField(fields, "AQ")
	result.FeeAmount, _ = firstField(fields, "BV")
	result.FeeLimit, _ = firstField(fields, "CC")
	result.PatronClass, _ = firstField(fields, "PC")
	if v, ok := firstField(fields, "PA"); ok {
		result.ExpirationRaw = v
	} else if v, ok := firstField(fields, "PD"); ok {
		result.ExpirationRaw = v
	}

	return result, nil
}

// EndSession sends an End Patron Session message (type 35).
func (c *Client) EndSession(ctx context.Context, username, password string) error {
	sep := c.cfg.separator()
	var b strings.Builder
	b.WriteString("35")
	b.WriteString(sipTimestamp(time.Now()))
	b.WriteString("AO" + c.cfg.InstitutionID + sep)
	b.WriteString("AA" + username + sep)
	if password != "" {
		b.WriteString("AD" + password + sep)
	}
	if err := c.send(b.String()); err != nil {
		return err
	}
	_, err := c.receive()
	return err
}
