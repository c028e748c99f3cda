package playtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// retentionWindow is how long a processed entry is kept before deletion
// (spec.md §4.8 step 1: "older than one month").
const retentionWindow = 30 * 24 * time.Hour

// stabilityWindow is how long an entry must age before aggregation picks
// it up (spec.md §4.8 step 2: "one-hour stability window").
const stabilityWindow = time.Hour

// Aggregator runs the two-phase playtime aggregation pass (spec.md §4.8),
// grounded on original_source/scripts/playtime_entries.py's
// PlaytimeEntriesSummationScript and confirmed by
// original_source/celery/tasks/playtime_entries.py to run as two
// logically separate phases in that order: delete-old, then
// aggregate-ready.
type Aggregator struct {
	store   *Store
	logger  *slog.Logger
	counter prometheus.Counter
}

// NewAggregator builds an Aggregator backed by store.
func NewAggregator(store *Store, logger *slog.Logger, entriesAggregated prometheus.Counter) *Aggregator {
	return &Aggregator{store: store, logger: logger, counter: entriesAggregated}
}

// PruneProcessed deletes already-processed entries older than the
// retention window (spec.md §4.8 step 1).
func (a *Aggregator) PruneProcessed(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-retentionWindow)
	deleted, err := a.store.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning processed playtime entries: %w", err)
	}
	a.logger.Info("pruned processed playtime entries", "count", deleted, "older_than", cutoff)
	return deleted, nil
}

// AggregatePending folds every unprocessed entry older than the
// stability window into PlaytimeSummary rows, then marks the source
// entries processed (spec.md §4.8 steps 2-4).
func (a *Aggregator) AggregatePending(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-stabilityWindow)
	entries, err := a.store.PendingBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("fetching pending playtime entries: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	summaries := GroupAndSum(entries)
	for _, s := range summaries {
		if err := a.store.UpsertSummary(ctx, s); err != nil {
			return 0, fmt.Errorf("upserting playtime summary: %w", err)
		}
		a.logger.Info("aggregated playtime summary",
			"identifier", s.IdentifierStr, "collection", s.CollectionName,
			"library", s.LibraryName, "loan_identifier", s.LoanIdentifier,
			"added_seconds", s.TotalSecondsPlayed, "timestamp", s.Timestamp)
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if err := a.store.MarkProcessed(ctx, ids); err != nil {
		return 0, fmt.Errorf("marking playtime entries processed: %w", err)
	}

	if a.counter != nil {
		a.counter.Add(float64(len(entries)))
	}
	return len(entries), nil
}

// Run executes one full aggregation pass: prune, then aggregate, matching
// PlaytimeEntriesSummationScript.do_run's phase order.
func (a *Aggregator) Run(ctx context.Context, now time.Time) error {
	if _, err := a.PruneProcessed(ctx, now); err != nil {
		return err
	}
	if _, err := a.AggregatePending(ctx, now); err != nil {
		return err
	}
	return nil
}
