package marcexport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opdshub/circulation-core/pkg/catalog"
	"github.com/opdshub/circulation-core/pkg/lockstore"
)

// defaultBatchSize is how many works are fetched per WorksForCollection
// page (spec.md §4.7 "Record generation": "for each batch of works").
const defaultBatchSize = 500

// LibraryTarget is one library's export parameters for a collection
// (exporter.py's LibraryInfo): display settings, the web-client deep-link
// bases, and whether a prior full export exists (gating the delta file).
type LibraryTarget struct {
	LibraryID        string
	LibraryShortName string
	OrganizationCode string
	IncludeSummary   bool
	IncludeGenres    bool
	WebClientURLs    []string
	LastFullExportAt *time.Time // nil: no prior full export, so no delta this run
}

// libraryPlan is a LibraryTarget with this run's computed S3 keys.
type libraryPlan struct {
	target     LibraryTarget
	s3KeyFull  string
	s3KeyDelta string // "" if no delta this run
}

func s3Key(librarySN, collectionName string, creation time.Time, since *time.Time, id uuid.UUID) string {
	fileType := "full." + creation.UTC().Format("2006-01-02")
	if since != nil {
		fileType = fmt.Sprintf("delta.%s.%s", since.UTC().Format("2006-01-02"), creation.UTC().Format("2006-01-02"))
	}
	name := strings.ReplaceAll(collectionName, " ", "_")
	return fmt.Sprintf("marc/%s/%s.%s.%s.mrc", librarySN, name, fileType, id.String())
}

// Exporter runs one collection's MARC export (spec.md §4.7): lease
// acquisition, batch record generation, buffered S3 multipart upload,
// and manifest persistence.
type Exporter struct {
	store       *lockstore.Store
	circRepo    catalog.CirculationRepository
	manifest    *ManifestStore
	s3Bucket    string
	logger      *slog.Logger
	batchSize   int
	partsMetric *prometheus.CounterVec
	filesMetric *prometheus.CounterVec
}

// NewExporter builds an Exporter. The *s3.Client-backed Uploader for each
// session is supplied per call through Export's newS3Uploader argument;
// see NewUploader.
func NewExporter(store *lockstore.Store, circRepo catalog.CirculationRepository, manifest *ManifestStore, s3Bucket string, logger *slog.Logger, partsMetric, filesMetric *prometheus.CounterVec) *Exporter {
	return &Exporter{
		store:       store,
		circRepo:    circRepo,
		manifest:    manifest,
		s3Bucket:    s3Bucket,
		logger:      logger,
		batchSize:   defaultBatchSize,
		partsMetric: partsMetric,
		filesMetric: filesMetric,
	}
}

// ExportResult summarizes one Export call.
type ExportResult struct {
	Deferred     bool // another worker already holds the collection's lease
	WorksStreamed int
	UploadedKeys []string
}

func sessionKey(collectionID string) string {
	return "marcupload:" + collectionID
}

// Export streams collectionID's works into every target library's MARC
// files, finalizes the S3 objects, and persists manifest rows — spec.md
// §4.7 end to end, §5's "two workers for different collections run
// independently" / "the first acquires the lease, the second defers".
func (e *Exporter) Export(ctx context.Context, newS3Uploader func(session *lockstore.MarcUploadSession) *Uploader, collectionID, collectionName string, targets []LibraryTarget, now time.Time, distributorName, baseURL string) (ExportResult, error) {
	session, err := lockstore.AcquireMarcUploadSession(ctx, e.store, sessionKey(collectionID))
	if err != nil {
		return ExportResult{}, fmt.Errorf("acquiring marc export lease for collection %s: %w", collectionID, err)
	}
	if session == nil {
		e.logger.Info("marc export deferred: lease held by another worker", "collection_id", collectionID)
		return ExportResult{Deferred: true}, nil
	}
	defer func() {
		if err := session.Release(ctx); err != nil {
			e.logger.Error("releasing marc export lease", "collection_id", collectionID, "error", err)
		}
	}()

	plans := make([]libraryPlan, 0, len(targets))
	for _, t := range targets {
		plan := libraryPlan{
			target:    t,
			s3KeyFull: s3Key(t.LibraryShortName, collectionName, now, nil, uuid.New()),
		}
		if t.LastFullExportAt != nil {
			plan.s3KeyDelta = s3Key(t.LibraryShortName, collectionName, now, t.LastFullExportAt, uuid.New())
		}
		plans = append(plans, plan)
	}

	uploader := newS3Uploader(session)

	result := ExportResult{}
	cursor := ""
	for {
		works, errs := e.circRepo.WorksForCollection(ctx, collectionID, cursor, e.batchSize)
		var batchErr error
		lastID := cursor
		streamed := 0
		for work := range works {
			if err := e.processWork(ctx, uploader, work, plans, now, distributorName, baseURL); err != nil {
				batchErr = err
				break
			}
			lastID = work.ID
			streamed++
		}
		if err, ok := <-errs; ok && err != nil && batchErr == nil {
			batchErr = err
		}
		if batchErr != nil {
			return result, fmt.Errorf("streaming works for collection %s: %w", collectionID, batchErr)
		}
		result.WorksStreamed += streamed
		if streamed < e.batchSize {
			break
		}
		cursor = lastID
	}

	var allKeys []string
	for _, p := range plans {
		allKeys = append(allKeys, p.s3KeyFull)
		if p.s3KeyDelta != "" {
			allKeys = append(allKeys, p.s3KeyDelta)
		}
	}

	uploaded, err := uploader.Finalize(ctx, allKeys, "")
	if err != nil {
		return result, fmt.Errorf("finalizing marc uploads for collection %s: %w", collectionID, err)
	}
	result.UploadedKeys = uploaded
	uploadedSet := make(map[string]bool, len(uploaded))
	for _, k := range uploaded {
		uploadedSet[k] = true
	}

	for _, p := range plans {
		if uploadedSet[p.s3KeyFull] {
			if err := e.manifest.Create(ctx, ManifestRow{
				ID: uuid.New(), LibraryID: p.target.LibraryID, CollectionID: collectionID,
				Created: now, S3Key: p.s3KeyFull,
			}); err != nil {
				return result, fmt.Errorf("recording full marc manifest row: %w", err)
			}
			if e.filesMetric != nil {
				e.filesMetric.WithLabelValues(p.target.LibraryShortName, "full").Inc()
			}
		}
		if p.s3KeyDelta != "" && uploadedSet[p.s3KeyDelta] {
			since := *p.target.LastFullExportAt
			if err := e.manifest.Create(ctx, ManifestRow{
				ID: uuid.New(), LibraryID: p.target.LibraryID, CollectionID: collectionID,
				Created: now, Since: &since, S3Key: p.s3KeyDelta,
			}); err != nil {
				return result, fmt.Errorf("recording delta marc manifest row: %w", err)
			}
			if e.filesMetric != nil {
				e.filesMetric.WithLabelValues(p.target.LibraryShortName, "delta").Inc()
			}
		}
	}

	return result, nil
}

func (e *Exporter) processWork(ctx context.Context, uploader *Uploader, work catalog.Work, plans []libraryPlan, now time.Time, distributorName, baseURL string) error {
	if work.ActiveLicensePool.Identifier.IsZero() {
		return nil
	}
	base := BaseRecord(work, distributorName, now)

	for _, p := range plans {
		libRecord := LibraryRecord(base, work.ActiveLicensePool.Identifier, baseURL, p.target.LibraryShortName,
			p.target.WebClientURLs, p.target.OrganizationCode, p.target.IncludeSummary, p.target.IncludeGenres)

		data, err := libRecord.Marshal()
		if err != nil {
			return fmt.Errorf("marshaling marc record for work %s: %w", work.ID, err)
		}
		if err := uploader.AddRecord(ctx, p.s3KeyFull, data, p.target.LibraryShortName); err != nil {
			return err
		}

		if p.s3KeyDelta != "" && p.target.LastFullExportAt != nil && work.LastUpdateTime.After(*p.target.LastFullExportAt) {
			revised := SetRevised(libRecord)
			deltaData, err := revised.Marshal()
			if err != nil {
				return fmt.Errorf("marshaling delta marc record for work %s: %w", work.ID, err)
			}
			if err := uploader.AddRecord(ctx, p.s3KeyDelta, deltaData, p.target.LibraryShortName); err != nil {
				return err
			}
		}
	}
	return nil
}
