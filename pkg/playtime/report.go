package playtime

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"time"
)

// reportDateFormat matches REPORT_DATE_FORMAT ("%Y-%m-%d").
const reportDateFormat = "2006-01-02"

// ReportCSVHeader is the fixed column order (spec.md §4.8: "Write CSV
// with columns: date-label, urn, isbn, collection, library, title,
// total-seconds, loan-count"), matching _produce_report's writerow.
var ReportCSVHeader = []string{"date", "urn", "isbn", "collection", "library", "title", "total seconds", "loan count"}

// DateRangeLabel formats [start, until) the way PlaytimeEntriesReportsScript
// does: "YYYY-MM-DD - YYYY-MM-DD".
func DateRangeLabel(start, until time.Time) string {
	return fmt.Sprintf("%s - %s", start.Format(reportDateFormat), until.Format(reportDateFormat))
}

// WriteReport writes one data source's usage report as CSV to w, matching
// _produce_report: empty isbn/title are written as blank cells, not the
// literal empty string.
func WriteReport(w io.Writer, dateLabel string, records []ReportRow) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(ReportCSVHeader); err != nil {
		return fmt.Errorf("writing playtime report header: %w", err)
	}
	for _, r := range records {
		row := []string{
			dateLabel,
			r.IdentifierStr,
			r.ISBN,
			r.CollectionName,
			r.LibraryName,
			r.Title,
			fmt.Sprintf("%d", r.TotalSeconds),
			fmt.Sprintf("%d", r.LoanCount),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("writing playtime report row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReportFileName composes the per-data-source report file name (spec.md
// §6 "a reporting-name variable for CSV file-name composition"),
// matching scripts/playtime_entries.py's file_name_prefix/linked_file_name.
func ReportFileName(start, until time.Time, reportingName, dataSourceName, uid string) string {
	formattedStart := start.Format(reportDateFormat)
	formattedUntil := until.Format(reportDateFormat)
	reportingNameWithNoSpaces := spacesToUnderscores(fmt.Sprintf("%s-%s", reportingName, dataSourceName))
	return fmt.Sprintf("%s-%s-playtime-summary-%s-%s.csv",
		formattedStart, formattedUntil, reportingNameWithNoSpaces, uid)
}

func spacesToUnderscores(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c == ' ' {
			out[i] = '_'
		}
	}
	return string(out)
}

// GenerateReports writes one CSV report per distinct data source active
// in [start, until), via write(dataSourceName, reader) — the caller
// decides the destination (local file, S3 object, etc.); this module has
// no Google Drive dependency of its own (out of scope per spec.md §1).
func GenerateReports(ctx context.Context, store *Store, start, until time.Time, write func(dataSourceName string, records []ReportRow) error) error {
	names, err := store.DistinctDataSourceNames(ctx, start, until)
	if err != nil {
		return fmt.Errorf("listing data sources for playtime report: %w", err)
	}
	for _, name := range names {
		records, err := store.FetchReportRecords(ctx, start, until, name)
		if err != nil {
			return fmt.Errorf("fetching playtime report records for %s: %w", name, err)
		}
		if err := write(name, records); err != nil {
			return fmt.Errorf("writing playtime report for %s: %w", name, err)
		}
	}
	return nil
}
