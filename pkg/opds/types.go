// Package opds implements the OPDS 1.x / OPDS 2.x+ODL import pipeline
// (spec.md §4.4): feed fetch, per-publication extraction, concurrent ODL
// license-doc fetch, change-detection reconciliation, and apply dispatch.
// Protocol-specific parsing lives in the opds1 and opds2 subpackages; this
// package holds the pipeline, the shared result types, and the Extractor
// seam between them.
package opds

import (
	"time"

	"github.com/opdshub/circulation-core/pkg/catalog"
)

// FormatData is a content-type × DRM-scheme × rights-uri triple extracted
// from a feed entry, prior to being attached to a LicensePool as a
// DeliveryMechanism.
type FormatData struct {
	ContentType string
	DRMScheme   string
	RightsURI   string
	LinkHref    string
}

// CirculationData is the availability-facing half of a publication's
// extracted bibliographic data: counts, licenses, and formats.
type CirculationData struct {
	LicensesOwned      *int64 // nil means "unknown/not asserted" (ODL collections never assert these)
	LicensesAvailable  *int64
	LicensesReserved   *int64
	PatronsInHoldQueue *int64
	Licenses           []catalog.License
	Formats            []FormatData
}

// BibliographicData is one publication's fully extracted record (spec.md
// §4.4 step 4): edition facts, identifier, circulation data, and a
// hash-equivalent snapshot used for change detection.
type BibliographicData struct {
	Identifier  catalog.Identifier
	Edition     catalog.Edition
	Circulation *CirculationData
	LastChecked time.Time
}

// FailedPublication is returned, rather than raised, for any per-item
// error during extraction (spec.md §4.4 "Failure model").
type FailedPublication struct {
	Identifier string // best-effort; may be empty if extraction failed before an id was found
	Reason     string
}

// PublicationImportResult records the outcome for one successfully
// extracted publication: whether it changed, and which apply message (if
// any) was dispatched.
type PublicationImportResult struct {
	Identifier        catalog.Identifier
	Changed           bool
	DispatchedBiblio  bool
	DispatchedCirc    bool
}

// FeedImportResult is the Importer's output for one task (spec.md §4.4).
type FeedImportResult struct {
	NextPageURL string
	Results     []PublicationImportResult
	Failures    []FailedPublication
	FeedParsed  bool // false means the feed itself failed to fetch/parse
}

// ImportOptions are per-task knobs.
type ImportOptions struct {
	// IgnoredIdentifierTypes causes publications whose identifier has one
	// of these types to be skipped silently with a warning (spec.md §4.4
	// step 2).
	IgnoredIdentifierTypes map[catalog.IdentifierType]bool

	// ImportEvenIfUnchanged dispatches apply_bibliographic even when
	// has_changed reports false.
	ImportEvenIfUnchanged bool

	// ForceReimport is the Open-Question-resolved flag (DESIGN.md #2):
	// short-circuits has_changed and always treats the publication as
	// changed. The importer applies it whenever it is set, whatever the
	// collection's protocol; the caller sets it for ODL collections, as
	// OPDS2WithODLImportMonitor in original_source always does.
	ForceReimport bool
}
