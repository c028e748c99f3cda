package opds2

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opdshub/circulation-core/pkg/catalog"
	"github.com/opdshub/circulation-core/pkg/httpclient"
	"github.com/opdshub/circulation-core/pkg/opds"
)

// feedbooksAudioFormat is the DeMarque/Feedbooks content type that embeds
// its DRM scheme as a "protection" parameter rather than a separate field
// (spec.md §4.4 "Format handling"), grounded on
// original_source/integration/license/opds/odl/importer.py's LICENSE_FORMATS
// table.
const feedbooksAudioFormat = "application/audiobook+json; protection=http://www.feedbooks.com/audiobooks/access-restriction"

// feedbooksAudiobookDRM is the synthesized DRM scheme for the above.
const feedbooksAudiobookDRM = "http://www.feedbooks.com/audiobooks/access-restriction"

const feedbooksResolvedContentType = "application/audiobook+json"

// bearerTokenEligibleTypes are the content types that, with no DRM and an
// acquisition rel, get a synthesized BEARER_TOKEN delivery mechanism for
// OAuth-protected ODL feeds (spec.md §4.4).
var bearerTokenEligibleTypes = map[string]bool{
	"application/epub+zip": true,
	"application/pdf":      true,
	"application/audiobook+json": true,
}

// odlLicenseTerms carries expiry and concurrency, cross-checked against
// the fetched license-info document.
type odlLicenseTerms struct {
	Expires     *time.Time `json:"expires"`
	Concurrency *int64     `json:"concurrency"`
}

func (t *odlLicenseTerms) UnmarshalJSON(data []byte) error {
	var raw struct {
		Expires     string `json:"expires"`
		Concurrency *int64 `json:"concurrency"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.Concurrency = raw.Concurrency
	if raw.Expires != "" {
		if parsed, err := time.Parse(time.RFC3339, raw.Expires); err == nil {
			t.Expires = &parsed
		}
	}
	return nil
}

type odlLicenseMetadata struct {
	Identifier   string          `json:"identifier"`
	Formats      []string        `json:"format"`
	Terms        odlLicenseTerms `json:"terms"`
	Protection   *struct {
		Formats []string `json:"format"`
	} `json:"protection"`
	Availability struct {
		Available bool `json:"available"`
	} `json:"availability"`
}

type odlLicense struct {
	Metadata odlLicenseMetadata `json:"metadata"`
	Links    []publicationLink  `json:"links"`
}

func (l odlLicense) linkByRel(rel string) (publicationLink, bool) {
	for _, link := range l.Links {
		for _, r := range link.Rel {
			if r == rel {
				return link, true
			}
		}
	}
	return publicationLink{}, false
}

// odlPublication is an OPDS2 publication carrying ODL licenses.
type odlPublication struct {
	Metadata publicationMetadata `json:"metadata"`
	Links    []publicationLink   `json:"links"`
	Licenses []odlLicense        `json:"licenses"`
}

// licenseInfoDoc is the JSON document at a license's status_url (spec.md
// §4.4's "LicenseInfo documents").
type licenseInfoDoc struct {
	Identifier string `json:"identifier"`
	Status     string `json:"status"`
	Terms      struct {
		Expires     string `json:"expires"`
		Concurrency *int64 `json:"concurrency"`
	} `json:"terms"`
	Checkouts struct {
		Left      *int64 `json:"left"`
		Available int64  `json:"available"`
	} `json:"checkouts"`
	Formats []string `json:"format"`
}

// OdlExtractor extends Extractor with ODL per-license reconciliation:
// concurrent license-doc fetch, feed/document cross-checking, and
// BEARER_TOKEN synthesis for OAuth-protected feeds (spec.md §4.4 steps 3
// and "ODL-specific reconciliation").
type OdlExtractor struct {
	Extractor
	Client    *httpclient.Client
	OAuthFeed bool // true when the collection's auth type requires bearer-token fulfillment
}

func (e OdlExtractor) Identifier(pub opds.RawPublication) (catalog.Identifier, error) {
	return e.Extractor.Identifier(pub)
}

func (e OdlExtractor) Extract(ctx context.Context, pub opds.RawPublication) (opds.BibliographicData, error) {
	raw, ok := pub.Raw.(json.RawMessage)
	if !ok {
		return opds.BibliographicData{}, fmt.Errorf("opds2/odl: unexpected publication type %T", pub.Raw)
	}

	var p odlPublication
	if err := json.Unmarshal(raw, &p); err != nil {
		return opds.BibliographicData{}, fmt.Errorf("decoding odl publication: %w", err)
	}
	if len(p.Licenses) == 0 {
		// Not actually an ODL publication; fall back to the base extractor.
		return e.Extractor.extractFrom(basePublication{Metadata: p.Metadata, Links: p.Links})
	}

	bib, err := e.Extractor.extractFrom(basePublication{Metadata: p.Metadata, Links: p.Links})
	if err != nil {
		return opds.BibliographicData{}, err
	}

	licenses, formats, err := e.resolveLicenses(ctx, p)
	if err != nil {
		return opds.BibliographicData{}, err
	}

	bib.Circulation.Licenses = licenses
	bib.Circulation.Formats = append(bib.Circulation.Formats, formats...)
	if e.OAuthFeed {
		bib.Circulation.Formats = synthesizeBearerTokenFormats(bib.Circulation.Formats)
	}
	// ODL collections never assert aggregate counts directly; they are
	// derived entirely from the per-license status (spec.md §4.4's ODL
	// importer sets licenses_owned/available/reserved/hold_queue to nil).
	bib.Circulation.LicensesOwned = nil
	bib.Circulation.LicensesAvailable = nil
	bib.Circulation.LicensesReserved = nil
	bib.Circulation.PatronsInHoldQueue = nil

	return bib, nil
}

// resolveLicenses implements spec.md §4.4 step 3 and "ODL-specific
// reconciliation": concurrently fetches each available license's status
// document, bounded by the HTTP client's own connection pool via
// errgroup, and cross-checks identifier/expiry/concurrency against the
// feed's claims.
func (e OdlExtractor) resolveLicenses(ctx context.Context, p odlPublication) ([]catalog.License, []opds.FormatData, error) {
	publicationAvailable := p.Metadata.Availability.Available

	resolved := make([]*catalog.License, len(p.Licenses))
	var formats []opds.FormatData

	g, gctx := errgroup.WithContext(ctx)
	for i, odlLic := range p.Licenses {
		i, odlLic := i, odlLic

		for _, licenseFormat := range odlLic.Metadata.Formats {
			formats = append(formats, e.formatsForLicenseFormat(licenseFormat, odlLic)...)
		}

		if !odlLic.Metadata.Availability.Available || !publicationAvailable {
			resolved[i] = &catalog.License{
				Identifier:         odlLic.Metadata.Identifier,
				Status:             catalog.LicenseUnavailable,
				ChecksOutAvailable: 0,
			}
			continue
		}

		g.Go(func() error {
			lic, err := e.fetchAndReconcileLicense(gctx, odlLic)
			if err != nil {
				// Network errors, invalid documents, and identifier
				// mismatches drop the license from the result entirely;
				// the publication remains importable without it (spec.md
				// §4.4 step 3: "that license is absent from the
				// resulting LicensePool.licenses").
				return nil
			}
			resolved[i] = &lic
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	licenses := make([]catalog.License, 0, len(resolved))
	for _, lic := range resolved {
		if lic != nil {
			licenses = append(licenses, *lic)
		}
	}

	return licenses, formats, nil
}

func (e OdlExtractor) formatsForLicenseFormat(licenseFormat string, lic odlLicense) []opds.FormatData {
	if e.SkippedLicenseFormats[licenseFormat] {
		return nil
	}

	if licenseFormat == feedbooksAudioFormat {
		return []opds.FormatData{{ContentType: feedbooksResolvedContentType, DRMScheme: feedbooksAudiobookDRM}}
	}

	var drmSchemes []string
	if lic.Metadata.Protection != nil {
		drmSchemes = lic.Metadata.Protection.Formats
	}
	if len(drmSchemes) == 0 {
		return []opds.FormatData{{ContentType: licenseFormat}}
	}
	out := make([]opds.FormatData, 0, len(drmSchemes))
	for _, scheme := range drmSchemes {
		out = append(out, opds.FormatData{ContentType: licenseFormat, DRMScheme: scheme})
	}
	return out
}

func (e OdlExtractor) fetchAndReconcileLicense(ctx context.Context, odlLic odlLicense) (catalog.License, error) {
	statusLink, ok := odlLic.linkByRel("self")
	if !ok {
		return catalog.License{}, fmt.Errorf("odl license %s missing status link", odlLic.Metadata.Identifier)
	}
	checkoutLink, _ := odlLic.linkByRel("http://opds-spec.org/acquisition/borrow")

	_, body, err := e.Client.Get(ctx, statusLink.Href)
	if err != nil {
		return catalog.License{}, fmt.Errorf("fetching license info for %s: %w", odlLic.Metadata.Identifier, err)
	}

	var doc licenseInfoDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return catalog.License{}, fmt.Errorf("parsing license info for %s: %w", odlLic.Metadata.Identifier, err)
	}

	if doc.Identifier != odlLic.Metadata.Identifier {
		return catalog.License{}, fmt.Errorf("license identifier mismatch: feed=%s doc=%s", odlLic.Metadata.Identifier, doc.Identifier)
	}

	lic := catalog.License{
		Identifier:         doc.Identifier,
		CheckoutURL:        checkoutLink.Href,
		StatusURL:          statusLink.Href,
		Status:             catalog.LicenseStatus(doc.Status),
		ChecksOutLeft:      doc.Checkouts.Left,
		ChecksOutAvailable: doc.Checkouts.Available,
		Concurrency:        0,
		ContentTypes:       doc.Formats,
	}
	if doc.Terms.Concurrency != nil {
		lic.Concurrency = *doc.Terms.Concurrency
	}
	if doc.Terms.Expires != "" {
		if t, err := time.Parse(time.RFC3339, doc.Terms.Expires); err == nil {
			lic.Expires = &t
		}
	}

	// Cross-check against the feed's own claims (spec.md §4.4
	// "ODL-specific reconciliation"): expiry or concurrency mismatch
	// forces the license to unavailable rather than dropping it.
	feedExpires := odlLic.Metadata.Terms.Expires
	if !timesEqual(feedExpires, lic.Expires) {
		lic.Status = catalog.LicenseUnavailable
	}
	feedConcurrency := odlLic.Metadata.Terms.Concurrency
	if feedConcurrency != nil && *feedConcurrency != lic.Concurrency {
		lic.Status = catalog.LicenseUnavailable
	}

	return lic, nil
}

func timesEqual(a, b *time.Time) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.Equal(*b)
}

// synthesizeBearerTokenFormats adds a BEARER_TOKEN delivery mechanism to
// every eligible, DRM-free acquisition format, per spec.md §4.4: "every
// application/...+opds-acquisition format with no DRM gets an additional
// BEARER_TOKEN delivery mechanism synthesized".
func synthesizeBearerTokenFormats(formats []opds.FormatData) []opds.FormatData {
	out := make([]opds.FormatData, 0, len(formats))
	for _, f := range formats {
		out = append(out, f)
		if f.DRMScheme == "" && bearerTokenEligibleTypes[f.ContentType] {
			out = append(out, opds.FormatData{
				ContentType: f.ContentType,
				DRMScheme:   catalog.BearerTokenDRMScheme,
				LinkHref:    f.LinkHref,
			})
		}
	}
	return out
}
