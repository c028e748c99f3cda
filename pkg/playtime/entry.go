// Package playtime implements the Playtime Aggregator (spec.md §4.8):
// periodic folding of raw playback entries into per-bucket summaries, and
// usage-report CSV generation from those summaries.
package playtime

import "time"

// Entry is one raw playback event, appended by the reading-app surface
// (out of scope for this module) and consumed here. Processed marks
// whether AggregatePending has already folded it into a Summary.
type Entry struct {
	ID             string
	Timestamp      time.Time
	Identifier     string
	Collection     string
	Library        string
	LoanIdentifier string
	DataSourceName string
	SecondsPlayed  int64
	Processed      bool

	// Label fallbacks, carried alongside the foreign keys in case the
	// referenced identifier/collection/library row is later deleted
	// (original_source/celery/tasks/playtime_entries.py's
	// group_key_for_entry comment: "in case any of the foreign keys are
	// missing").
	IdentifierStr  string
	CollectionName string
	LibraryName    string
}

// groupKey is the aggregation grouping (timestamp-minute-bucket,
// identifier, collection, library, loan_identifier, data_source),
// matching group_key_for_entry exactly.
type groupKey struct {
	Timestamp      time.Time
	Identifier     string
	Collection     string
	Library        string
	IdentifierStr  string
	CollectionName string
	LibraryName    string
	LoanIdentifier string
	DataSourceName string
}

// Summary is one aggregated (bucket, identifier, collection, library,
// loan, data source) total, persisted to PlaytimeSummary.
type Summary struct {
	Timestamp          time.Time
	Identifier         string
	Collection         string
	Library            string
	IdentifierStr      string
	CollectionName     string
	LibraryName        string
	LoanIdentifier     string
	DataSourceName     string
	ISBN               string
	Title              string
	TotalSecondsPlayed int64
}

// GroupAndSum folds entries into per-group second totals, matching
// group_key_for_entry / by_group exactly: entries sharing every grouping
// field have their SecondsPlayed summed. Pure and DB-free so the folding
// logic is unit-testable without a live Postgres connection.
func GroupAndSum(entries []Entry) []Summary {
	order := make([]groupKey, 0, len(entries))
	totals := make(map[groupKey]int64, len(entries))

	for _, e := range entries {
		key := groupKey{
			Timestamp: e.Timestamp.Truncate(time.Minute), Identifier: e.Identifier, Collection: e.Collection,
			Library: e.Library, IdentifierStr: e.IdentifierStr, CollectionName: e.CollectionName,
			LibraryName: e.LibraryName, LoanIdentifier: e.LoanIdentifier, DataSourceName: e.DataSourceName,
		}
		if _, seen := totals[key]; !seen {
			order = append(order, key)
		}
		totals[key] += e.SecondsPlayed
	}

	summaries := make([]Summary, 0, len(order))
	for _, key := range order {
		summaries = append(summaries, Summary{
			Timestamp: key.Timestamp, Identifier: key.Identifier, Collection: key.Collection,
			Library: key.Library, IdentifierStr: key.IdentifierStr, CollectionName: key.CollectionName,
			LibraryName: key.LibraryName, LoanIdentifier: key.LoanIdentifier, DataSourceName: key.DataSourceName,
			TotalSecondsPlayed: totals[key],
			// ISBN/Title are sourced from the catalog at upsert time, not
			// carried on Entry — left zero here, filled by the Store.
		})
	}
	return summaries
}
