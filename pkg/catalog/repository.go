package catalog

import "context"

// BibliographicRepository is the persistence seam for Collections,
// Identifiers, Editions, LicensePools, and Works. Per spec.md §1's
// explicit Non-goal ("the relational schema itself... treated as an
// opaque persistence interface"), this package defines the contract only
// — no concrete implementation ships here. A host application backs this
// with whatever schema it already has.
type BibliographicRepository interface {
	// FindCollection resolves a Collection by id.
	FindCollection(ctx context.Context, id string) (Collection, error)

	// FindLicensePool resolves the LicensePool for (collectionID, identifier),
	// or returns (LicensePool{}, false, nil) if none exists yet.
	FindLicensePool(ctx context.Context, collectionID string, id Identifier) (LicensePool, bool, error)

	// SnapshotHash returns the last-stored change-detection hash for an
	// identifier, as computed by pkg/opds's has_changed comparison, or
	// ("", false, nil) if no snapshot has ever been stored.
	SnapshotHash(ctx context.Context, id Identifier) (string, bool, error)

	// StoreSnapshotHash persists a new change-detection hash for an
	// identifier, superseding any prior value.
	StoreSnapshotHash(ctx context.Context, id Identifier, hash string) error

	// SaveLicensePool upserts a LicensePool's bibliographic-adjacent fields
	// (delivery mechanisms, suppressed flag) following an apply_bibliographic
	// dispatch.
	SaveLicensePool(ctx context.Context, pool LicensePool) error
}

// CirculationRepository is the persistence seam for circulation counts
// and ODL License records, updated by apply_circulation dispatches and
// read by the MARC export engine and patron-facing surfaces (out of
// scope for this module, per spec.md §1).
type CirculationRepository interface {
	// UpdateCirculation applies a circulation-only delta (counts, license
	// statuses) to an existing LicensePool, identified by (collectionID,
	// identifier). Returns an error if no pool exists yet — circulation
	// deltas never create a pool on their own.
	UpdateCirculation(ctx context.Context, collectionID string, id Identifier, pool LicensePool) error

	// WorksForCollection streams a Collection's Works ordered by Work.ID
	// ascending, in batches of batchSize, for the MARC export engine's
	// record-generation pass (spec.md §4.7: "query ordered by work id,
	// cursor = last-processed id"). afterWorkID resumes from a prior
	// cursor; pass "" to start from the beginning. A single collection's
	// works are shared by every library that holds it (spec.md §4.7's
	// per-library layering happens downstream of this query, in the
	// Annotator, not in the repository). The returned channel is closed
	// when iteration completes or ctx is cancelled; a non-nil error on
	// the error channel aborts iteration.
	WorksForCollection(ctx context.Context, collectionID, afterWorkID string, batchSize int) (<-chan Work, <-chan error)
}
