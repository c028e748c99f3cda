package opds

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// canonicalSnapshot is the subset of BibliographicData that participates
// in change detection (DESIGN.md Open Question decision 1): identifier,
// the edition's title, subtitle, sort title, language, medium, publisher,
// issue date and series, contributor names and roles, and the circulation
// counts plus the number of licenses and formats. LastChecked, which
// changes on every fetch, is left out; so are imprint, series position,
// contributor sort names and the contents of individual licenses and
// formats, and a change to those alone does not alter the snapshot.
type canonicalSnapshot struct {
	IdentifierType string                 `json:"identifier_type"`
	IdentifierValue string                `json:"identifier_value"`
	Title           string                 `json:"title"`
	Subtitle        string                 `json:"subtitle"`
	SortTitle       string                 `json:"sort_title"`
	Language        string                 `json:"language"`
	Medium          string                 `json:"medium"`
	Publisher       string                 `json:"publisher"`
	Issued          string                 `json:"issued"`
	Series          string                 `json:"series"`
	Contributions   []map[string]string    `json:"contributions"`
	Circulation     map[string]interface{} `json:"circulation,omitempty"`
}

// Snapshot computes the has_changed comparison key for b: compact JSON
// (fixed struct field order, sorted map keys) of b's canonicalSnapshot,
// SHA-256 hashed, hex-encoded.
func (b BibliographicData) Snapshot() (string, error) {
	snap := canonicalSnapshot{
		IdentifierType:  string(b.Identifier.Type),
		IdentifierValue: b.Identifier.Value,
		Title:           b.Edition.Title,
		Subtitle:        b.Edition.Subtitle,
		SortTitle:       b.Edition.SortTitle,
		Language:        b.Edition.Language,
		Medium:          string(b.Edition.Medium),
		Publisher:       b.Edition.Publisher,
		Issued:          b.Edition.Issued.UTC().Format("2006-01-02"),
		Series:          b.Edition.Series,
	}

	contributions := make([]map[string]string, 0, len(b.Edition.Contributions))
	for _, c := range b.Edition.Contributions {
		contributions = append(contributions, map[string]string{
			"name": c.ContributorName,
			"role": string(c.Role),
		})
	}
	sort.Slice(contributions, func(i, j int) bool {
		if contributions[i]["role"] != contributions[j]["role"] {
			return contributions[i]["role"] < contributions[j]["role"]
		}
		return contributions[i]["name"] < contributions[j]["name"]
	})
	snap.Contributions = contributions

	if b.Circulation != nil {
		snap.Circulation = map[string]interface{}{
			"licenses_owned":        b.Circulation.LicensesOwned,
			"licenses_available":    b.Circulation.LicensesAvailable,
			"licenses_reserved":     b.Circulation.LicensesReserved,
			"patrons_in_hold_queue": b.Circulation.PatronsInHoldQueue,
			"license_count":         len(b.Circulation.Licenses),
			"format_count":          len(b.Circulation.Formats),
		}
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// HasChanged compares b's current Snapshot against a previously stored
// hash, per spec.md §4.4 step 5 ("a pure comparison against the stored
// snapshot"). A missing prior hash (ok=false) is always a change.
func (b BibliographicData) HasChanged(priorHash string, ok bool) (bool, error) {
	if !ok {
		return true, nil
	}
	current, err := b.Snapshot()
	if err != nil {
		return false, err
	}
	return current != priorHash, nil
}
