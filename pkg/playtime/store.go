package playtime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const entryColumns = `id, "timestamp", identifier, collection, library, identifier_str, collection_name, library_name, loan_identifier, data_source_name, seconds_played, processed`

// Store persists Entry and Summary rows using the process-wide Postgres
// pool, grounded on the teacher's pkg/apikey.Store (plain pgxpool.Pool +
// hand-written SQL + scan helpers).
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanEntryRow(row pgx.Row) (Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.Timestamp, &e.Identifier, &e.Collection, &e.Library,
		&e.IdentifierStr, &e.CollectionName, &e.LibraryName, &e.LoanIdentifier,
		&e.DataSourceName, &e.SecondsPlayed, &e.Processed)
	return e, err
}

func scanEntryRows(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	var items []Entry
	for rows.Next() {
		e, err := scanEntryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning playtime entry row: %w", err)
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating playtime entry rows: %w", err)
	}
	return items, nil
}

// AppendEntry inserts one raw playback event.
func (s *Store) AppendEntry(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	query := `INSERT INTO playtime_entries (` + entryColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := s.pool.Exec(ctx, query, e.ID, e.Timestamp, e.Identifier, e.Collection, e.Library,
		e.IdentifierStr, e.CollectionName, e.LibraryName, e.LoanIdentifier, e.DataSourceName,
		e.SecondsPlayed, e.Processed)
	if err != nil {
		return fmt.Errorf("appending playtime entry: %w", err)
	}
	return nil
}

// DeleteProcessedBefore removes processed entries older than cutoff
// (spec.md §4.8 step 1) and returns the number of rows removed.
func (s *Store) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM playtime_entries WHERE processed AND "timestamp" < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting old processed playtime entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PendingBefore returns unprocessed entries with timestamp <= cutoff
// (spec.md §4.8 step 2, the one-hour stability window).
func (s *Store) PendingBefore(ctx context.Context, cutoff time.Time) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM playtime_entries WHERE NOT processed AND "timestamp" <= $1`
	rows, err := s.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("fetching pending playtime entries: %w", err)
	}
	return scanEntryRows(rows)
}

// MarkProcessed flags the given entry ids as processed, in a single
// statement, after their totals have been folded into PlaytimeSummary
// (spec.md §4.8 step 4).
func (s *Store) MarkProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE playtime_entries SET processed = true WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("marking playtime entries processed: %w", err)
	}
	return nil
}

// UpsertSummary adds seconds to the existing total at the Summary's
// grouping key, creating the row if it doesn't exist yet (spec.md §4.8
// step 4: "adding to existing totals at that bucket").
func (s *Store) UpsertSummary(ctx context.Context, sum Summary) error {
	query := `
		INSERT INTO playtime_summaries (
			"timestamp", identifier, collection, library, identifier_str,
			collection_name, library_name, loan_identifier, data_source_name,
			isbn, title, total_seconds_played
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT ("timestamp", identifier, collection, library, loan_identifier, data_source_name)
		DO UPDATE SET total_seconds_played = playtime_summaries.total_seconds_played + EXCLUDED.total_seconds_played,
		              isbn = EXCLUDED.isbn, title = EXCLUDED.title`
	_, err := s.pool.Exec(ctx, query, sum.Timestamp, sum.Identifier, sum.Collection, sum.Library,
		sum.IdentifierStr, sum.CollectionName, sum.LibraryName, sum.LoanIdentifier, sum.DataSourceName,
		sum.ISBN, sum.Title, sum.TotalSecondsPlayed)
	if err != nil {
		return fmt.Errorf("upserting playtime summary: %w", err)
	}
	return nil
}

// DistinctDataSourceNames returns every data_source_name with a summary
// row whose timestamp falls in [start, until), ordered ascending
// (_fetch_distinct_data_source_names_in_range).
func (s *Store) DistinctDataSourceNames(ctx context.Context, start, until time.Time) ([]string, error) {
	query := `SELECT DISTINCT data_source_name FROM playtime_summaries WHERE "timestamp" >= $1 AND "timestamp" < $2 ORDER BY data_source_name`
	rows, err := s.pool.Query(ctx, query, start, until)
	if err != nil {
		return nil, fmt.Errorf("listing distinct data source names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning data source name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ReportRow is one outer-joined (seconds, loan-count) record for the
// usage report, matching _fetch_report_records's final projection.
type ReportRow struct {
	IdentifierStr  string
	CollectionName string
	LibraryName    string
	ISBN           string
	Title          string
	TotalSeconds   int64
	LoanCount      int64
}

// FetchReportRecords computes the usage-report rows for one data source
// across [start, until): per (identifier_str, collection_name,
// library_name, isbn, title) total seconds, outer-joined with per
// (identifier_str, collection_name, library_name, identifier) distinct
// loan counts — grounded directly on
// scripts/playtime_entries.py's _fetch_report_records, including its
// max-non-empty isbn/title tie-break and coalesce-to-zero loan count.
func (s *Store) FetchReportRecords(ctx context.Context, start, until time.Time, dataSourceName string) ([]ReportRow, error) {
	query := `
		WITH loan_counts AS (
			SELECT
				identifier_str AS identifier_str2,
				collection_name AS collection_name2,
				library_name AS library_name2,
				MAX(COALESCE(isbn, '')) AS isbn2,
				MAX(COALESCE(title, '')) AS title2,
				COUNT(DISTINCT loan_identifier) AS loan_count
			FROM playtime_summaries
			WHERE "timestamp" >= $1 AND "timestamp" < $2 AND data_source_name = $3
			GROUP BY identifier_str, collection_name, library_name, identifier
		),
		seconds AS (
			SELECT
				identifier_str,
				collection_name,
				library_name,
				COALESCE(isbn, '') AS isbn,
				COALESCE(title, '') AS title,
				SUM(total_seconds_played) AS total_seconds_played
			FROM playtime_summaries
			WHERE "timestamp" >= $1 AND "timestamp" < $2 AND data_source_name = $3
			GROUP BY identifier_str, collection_name, library_name, isbn, title, identifier
		)
		SELECT
			seconds.identifier_str,
			seconds.collection_name,
			seconds.library_name,
			seconds.isbn,
			seconds.title,
			seconds.total_seconds_played,
			COALESCE(loan_counts.loan_count, 0)
		FROM seconds
		LEFT OUTER JOIN loan_counts
			ON seconds.identifier_str = loan_counts.identifier_str2
			AND seconds.collection_name = loan_counts.collection_name2
			AND seconds.library_name = loan_counts.library_name2
			AND seconds.isbn = loan_counts.isbn2
			AND seconds.title = loan_counts.title2
		ORDER BY seconds.collection_name, seconds.library_name, seconds.identifier_str`

	rows, err := s.pool.Query(ctx, query, start, until, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("fetching playtime report records: %w", err)
	}
	defer rows.Close()

	var result []ReportRow
	for rows.Next() {
		var r ReportRow
		if err := rows.Scan(&r.IdentifierStr, &r.CollectionName, &r.LibraryName, &r.ISBN, &r.Title, &r.TotalSeconds, &r.LoanCount); err != nil {
			return nil, fmt.Errorf("scanning playtime report row: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}
