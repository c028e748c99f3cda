package marcexport

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const manifestColumns = `id, library_id, collection_id, created, since, s3_key`

// ManifestRow is one persisted MarcFile manifest record (spec.md §3,
// §4.7 "Finalization"): one row per uploaded artifact key. Since is nil
// for a full export, set for a delta.
type ManifestRow struct {
	ID           uuid.UUID
	LibraryID    string
	CollectionID string
	Created      time.Time
	Since        *time.Time
	S3Key        string
}

// ManifestStore persists MarcFile rows using the process-wide Postgres
// pool, grounded on the teacher's pkg/apikey.Store (plain pgxpool.Pool +
// hand-written SQL + scan helpers, no generated query layer).
type ManifestStore struct {
	pool *pgxpool.Pool
}

// NewManifestStore creates a ManifestStore backed by pool.
func NewManifestStore(pool *pgxpool.Pool) *ManifestStore {
	return &ManifestStore{pool: pool}
}

func scanManifestRow(row pgx.Row) (ManifestRow, error) {
	var r ManifestRow
	err := row.Scan(&r.ID, &r.LibraryID, &r.CollectionID, &r.Created, &r.Since, &r.S3Key)
	return r, err
}

func scanManifestRows(rows pgx.Rows) ([]ManifestRow, error) {
	defer rows.Close()
	var items []ManifestRow
	for rows.Next() {
		r, err := scanManifestRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning marc manifest row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating marc manifest rows: %w", err)
	}
	return items, nil
}

// Create inserts one manifest row (testable property 6 / §4.7
// "Finalization": "one MarcFile manifest row is persisted per uploaded
// artifact key").
func (s *ManifestStore) Create(ctx context.Context, row ManifestRow) error {
	query := `INSERT INTO marc_files (` + manifestColumns + `) VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.pool.Exec(ctx, query, row.ID, row.LibraryID, row.CollectionID, row.Created, row.Since, row.S3Key)
	if err != nil {
		return fmt.Errorf("creating marc manifest row: %w", err)
	}
	return nil
}

// ListAll returns every manifest row, for the retention cleanup pass
// (spec.md §4.7 "Retention").
func (s *ManifestStore) ListAll(ctx context.Context) ([]ManifestRow, error) {
	query := `SELECT ` + manifestColumns + ` FROM marc_files ORDER BY library_id, collection_id, created DESC`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing marc manifest rows: %w", err)
	}
	return scanManifestRows(rows)
}

// Delete removes one manifest row by id, after its backing S3 object has
// been deleted by the caller.
func (s *ManifestStore) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM marc_files WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting marc manifest row %s: %w", id, err)
	}
	return nil
}

// PairKey identifies a (library, collection) export relationship.
type PairKey struct {
	LibraryID    string
	CollectionID string
}

// SelectCleanupCandidates computes which ManifestRows should be deleted
// (spec.md §4.7 "Retention"), as a pure function over already-fetched
// rows so it is testable without a database: files for pairs no longer
// in enabledPairs are removed entirely; for enabled pairs, all but the
// single most recent full export and all but the 12 most recent delta
// exports are removed. Grounded directly on exporter.py's
// files_for_cleanup.
func SelectCleanupCandidates(rows []ManifestRow, enabledPairs map[PairKey]bool) []ManifestRow {
	byPair := make(map[PairKey][]ManifestRow)
	for _, r := range rows {
		key := PairKey{LibraryID: r.LibraryID, CollectionID: r.CollectionID}
		byPair[key] = append(byPair[key], r)
	}

	var toDelete []ManifestRow
	for pair, pairRows := range byPair {
		if !enabledPairs[pair] {
			toDelete = append(toDelete, pairRows...)
			continue
		}

		var full, delta []ManifestRow
		for _, r := range pairRows {
			if r.Since == nil {
				full = append(full, r)
			} else {
				delta = append(delta, r)
			}
		}
		sortByCreatedDesc(full)
		sortByCreatedDesc(delta)

		if len(full) > 1 {
			toDelete = append(toDelete, full[1:]...)
		}
		if len(delta) > 12 {
			toDelete = append(toDelete, delta[12:]...)
		}
	}
	return toDelete
}

func sortByCreatedDesc(rows []ManifestRow) {
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && rows[j].Created.After(rows[j-1].Created); j-- {
			rows[j], rows[j-1] = rows[j-1], rows[j]
		}
	}
}
