package opds

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/opdshub/circulation-core/pkg/catalog"
)

// ParsedFeed is what a protocol-specific Fetcher hands back: the raw
// publication entries (opaque to this package) plus the feed's absolute
// next-page URL, if any.
type ParsedFeed struct {
	Publications []RawPublication
	NextPageURL  string
}

// RawPublication is an opaque per-protocol feed entry, passed through to
// the Extractor unexamined by the shared pipeline.
type RawPublication struct {
	Raw interface{}
}

// Fetcher resolves and parses one feed page. taskURL is the absolute URL
// to GET (already resolved against the Collection's base per spec.md
// §4.4 step 1).
type Fetcher interface {
	Fetch(ctx context.Context, taskURL string) (ParsedFeed, error)
}

// Extractor turns one RawPublication into BibliographicData, or a
// FailedPublication-shaped error.
type Extractor interface {
	// Identifier extracts just the identifier, used for the ignored-types
	// filter before full extraction (spec.md §4.4 step 2).
	Identifier(pub RawPublication) (catalog.Identifier, error)

	// Extract performs full bibliographic extraction (spec.md §4.4 step
	// 4). ctx bounds any concurrent license-doc fetches the extractor
	// performs internally (ODL-only, step 3).
	Extract(ctx context.Context, pub RawPublication) (BibliographicData, error)
}

// SnapshotStore is the narrow persistence seam the reconciliation step
// needs: read and write a per-identifier change-detection hash. A
// catalog.BibliographicRepository satisfies this directly.
type SnapshotStore interface {
	SnapshotHash(ctx context.Context, id catalog.Identifier) (string, bool, error)
	StoreSnapshotHash(ctx context.Context, id catalog.Identifier, hash string) error
}

// Dispatcher routes apply messages to the persistence layer (spec.md
// §4.9's Apply Dispatcher component; see pkg/applydispatch for the
// concrete Redis-backed implementation satisfying this interface).
type Dispatcher interface {
	DispatchBibliographic(ctx context.Context, id catalog.Identifier, data BibliographicData) error
	DispatchCirculation(ctx context.Context, id catalog.Identifier, data CirculationData) error
}

// Importer runs the fetch→filter→extract→reconcile→dispatch pipeline for
// one (Collection, url) task.
type Importer struct {
	Fetcher    Fetcher
	Extractor  Extractor
	Snapshots  SnapshotStore
	Dispatcher Dispatcher
	Logger     *slog.Logger
}

// Run executes one import task against baseURL (the Collection's
// external_account_id, or the caller-supplied override) and returns the
// FeedImportResult.
func (imp *Importer) Run(ctx context.Context, baseURL string, opts ImportOptions) FeedImportResult {
	logger := imp.Logger
	if logger == nil {
		logger = slog.Default()
	}

	feed, err := imp.Fetcher.Fetch(ctx, baseURL)
	if err != nil {
		logger.Error("opds feed fetch failed", "url", baseURL, "error", err)
		return FeedImportResult{FeedParsed: false}
	}

	result := FeedImportResult{
		NextPageURL: feed.NextPageURL,
		FeedParsed:  true,
	}

	for _, pub := range feed.Publications {
		id, err := imp.Extractor.Identifier(pub)
		if err != nil {
			result.Failures = append(result.Failures, FailedPublication{Reason: fmt.Sprintf("extracting identifier: %v", err)})
			continue
		}
		if opts.IgnoredIdentifierTypes[id.Type] {
			logger.Warn("skipping publication with ignored identifier type", "identifier", id.String())
			continue
		}

		bib, err := imp.Extractor.Extract(ctx, pub)
		if err != nil {
			result.Failures = append(result.Failures, FailedPublication{Identifier: id.String(), Reason: err.Error()})
			continue
		}

		pubResult, err := imp.reconcileAndDispatch(ctx, id, bib, opts)
		if err != nil {
			result.Failures = append(result.Failures, FailedPublication{Identifier: id.String(), Reason: err.Error()})
			continue
		}
		result.Results = append(result.Results, pubResult)
	}

	return result
}

func (imp *Importer) reconcileAndDispatch(ctx context.Context, id catalog.Identifier, bib BibliographicData, opts ImportOptions) (PublicationImportResult, error) {
	priorHash, ok, err := imp.Snapshots.SnapshotHash(ctx, id)
	if err != nil {
		return PublicationImportResult{}, fmt.Errorf("reading snapshot for %s: %w", id, err)
	}

	changed, err := bib.HasChanged(priorHash, ok)
	if err != nil {
		return PublicationImportResult{}, fmt.Errorf("computing snapshot for %s: %w", id, err)
	}
	if opts.ForceReimport {
		changed = true
	}

	out := PublicationImportResult{Identifier: id, Changed: changed}

	if changed || opts.ImportEvenIfUnchanged {
		if err := imp.Dispatcher.DispatchBibliographic(ctx, id, bib); err != nil {
			return out, fmt.Errorf("dispatching apply_bibliographic for %s: %w", id, err)
		}
		out.DispatchedBiblio = true

		newHash, err := bib.Snapshot()
		if err != nil {
			return out, fmt.Errorf("computing snapshot for %s: %w", id, err)
		}
		if err := imp.Snapshots.StoreSnapshotHash(ctx, id, newHash); err != nil {
			return out, fmt.Errorf("storing snapshot for %s: %w", id, err)
		}
	} else if bib.Circulation != nil {
		if err := imp.Dispatcher.DispatchCirculation(ctx, id, *bib.Circulation); err != nil {
			return out, fmt.Errorf("dispatching apply_circulation for %s: %w", id, err)
		}
		out.DispatchedCirc = true
	}

	return out, nil
}

// ResolveURL joins a possibly-relative URL against a Collection's base,
// per spec.md §4.4 step 1.
func ResolveURL(base, ref string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing base url %q: %w", base, err)
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parsing ref url %q: %w", ref, err)
	}
	return baseURL.ResolveReference(refURL).String(), nil
}
