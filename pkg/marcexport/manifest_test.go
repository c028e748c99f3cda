package marcexport

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func mkRow(t *testing.T, libraryID, collectionID string, created time.Time, since *time.Time) ManifestRow {
	t.Helper()
	return ManifestRow{
		ID: uuid.New(), LibraryID: libraryID, CollectionID: collectionID,
		Created: created, Since: since, S3Key: "marc/x/y.mrc",
	}
}

func TestSelectCleanupCandidatesDisabledPairRemovedEntirely(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []ManifestRow{
		mkRow(t, "lib1", "col1", base, nil),
		mkRow(t, "lib1", "col1", base.AddDate(0, 0, 1), nil),
	}

	got := SelectCleanupCandidates(rows, map[PairKey]bool{})
	if len(got) != len(rows) {
		t.Errorf("disabled pair: deleted %d rows, want all %d", len(got), len(rows))
	}
}

func TestSelectCleanupCandidatesKeepsOneMostRecentFull(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []ManifestRow{
		mkRow(t, "lib1", "col1", base, nil),
		mkRow(t, "lib1", "col1", base.AddDate(0, 0, 1), nil),
		mkRow(t, "lib1", "col1", base.AddDate(0, 0, 2), nil),
	}
	enabled := map[PairKey]bool{{LibraryID: "lib1", CollectionID: "col1"}: true}

	got := SelectCleanupCandidates(rows, enabled)
	if len(got) != 2 {
		t.Fatalf("enabled pair with 3 fulls: deleted %d rows, want 2", len(got))
	}
	mostRecent := base.AddDate(0, 0, 2)
	for _, r := range got {
		if r.Created.Equal(mostRecent) {
			t.Error("most recent full export was marked for deletion")
		}
	}
}

func TestSelectCleanupCandidatesKeeps12MostRecentDeltas(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	since := base.AddDate(0, -1, 0)
	var rows []ManifestRow
	for i := 0; i < 15; i++ {
		created := base.AddDate(0, 0, i)
		rows = append(rows, mkRow(t, "lib1", "col1", created, &since))
	}
	enabled := map[PairKey]bool{{LibraryID: "lib1", CollectionID: "col1"}: true}

	got := SelectCleanupCandidates(rows, enabled)
	if len(got) != 3 {
		t.Fatalf("enabled pair with 15 deltas: deleted %d rows, want 3 (15-12)", len(got))
	}

	for _, r := range got {
		if !r.Created.Before(base.AddDate(0, 0, 3)) {
			t.Errorf("deleted row created %v is among the 12 most recent, want one of the 3 oldest", r.Created)
		}
	}
}

func TestSelectCleanupCandidatesIndependentPerPair(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []ManifestRow{
		mkRow(t, "lib1", "col1", base, nil),
		mkRow(t, "lib2", "col1", base, nil),
	}
	enabled := map[PairKey]bool{
		{LibraryID: "lib1", CollectionID: "col1"}: true,
		{LibraryID: "lib2", CollectionID: "col1"}: true,
	}

	got := SelectCleanupCandidates(rows, enabled)
	if len(got) != 0 {
		t.Errorf("two enabled pairs with one full each: deleted %d rows, want 0", len(got))
	}
}

func TestSortByCreatedDesc(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []ManifestRow{
		mkRow(t, "l", "c", base, nil),
		mkRow(t, "l", "c", base.AddDate(0, 0, 2), nil),
		mkRow(t, "l", "c", base.AddDate(0, 0, 1), nil),
	}
	sortByCreatedDesc(rows)

	for i := 1; i < len(rows); i++ {
		if rows[i].Created.After(rows[i-1].Created) {
			t.Errorf("sortByCreatedDesc did not sort descending: rows[%d]=%v after rows[%d]=%v", i, rows[i].Created, i-1, rows[i-1].Created)
		}
	}
}
