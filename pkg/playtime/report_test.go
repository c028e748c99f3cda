package playtime

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestDateRangeLabel(t *testing.T) {
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	got := DateRangeLabel(start, until)
	want := "2026-02-01 - 2026-03-01"
	if got != want {
		t.Errorf("DateRangeLabel() = %q, want %q", got, want)
	}
}

func TestWriteReportHeaderAndRows(t *testing.T) {
	var buf bytes.Buffer
	records := []ReportRow{
		{IdentifierStr: "urn:isbn:123", CollectionName: "Main", LibraryName: "Central", ISBN: "123", Title: "A Book", TotalSeconds: 3600, LoanCount: 2},
	}

	if err := WriteReport(&buf, "2026-02-01 - 2026-03-01", records); err != nil {
		t.Fatalf("WriteReport() error = %v", err)
	}

	out := buf.String()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("WriteReport() produced %d lines, want 2 (header + 1 row)", len(lines))
	}
	wantHeader := "date,urn,isbn,collection,library,title,total seconds,loan count"
	if lines[0] != wantHeader {
		t.Errorf("header = %q, want %q", lines[0], wantHeader)
	}
	wantRow := "2026-02-01 - 2026-03-01,urn:isbn:123,123,Main,Central,A Book,3600,2"
	if lines[1] != wantRow {
		t.Errorf("row = %q, want %q", lines[1], wantRow)
	}
}

func TestWriteReportEmptyRecords(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteReport(&buf, "label", nil); err != nil {
		t.Fatalf("WriteReport(nil) error = %v", err)
	}
	if !strings.Contains(buf.String(), "date,urn,isbn") {
		t.Error("WriteReport(nil) should still write the header")
	}
}

func TestReportFileName(t *testing.T) {
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	got := ReportFileName(start, until, "Big Library System", "Overdrive", "abc123")
	want := "2026-02-01-2026-03-01-playtime-summary-Big_Library_System-Overdrive-abc123.csv"
	if got != want {
		t.Errorf("ReportFileName() = %q, want %q", got, want)
	}
}
