package opds2

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opdshub/circulation-core/pkg/catalog"
	"github.com/opdshub/circulation-core/pkg/httpclient"
	"github.com/opdshub/circulation-core/pkg/opds"
)

func TestOdlExtractorFetchesAndReconcilesLicense(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"identifier": "urn:uuid:license-1",
			"status": "available",
			"terms": {"concurrency": 1},
			"checkouts": {"available": 1},
			"format": ["application/epub+zip"]
		}`))
	}))
	defer srv.Close()

	pubJSON := `{
		"metadata": {"identifier": "urn:isbn:123", "title": "Test Book", "availability": {"available": true}},
		"licenses": [{
			"metadata": {
				"identifier": "urn:uuid:license-1",
				"format": ["application/epub+zip"],
				"terms": {"concurrency": 1},
				"availability": {"available": true}
			},
			"links": [
				{"rel": "self", "href": "` + srv.URL + `"},
				{"rel": "http://opds-spec.org/acquisition/borrow", "href": "` + srv.URL + `/borrow"}
			]
		}]
	}`

	extractor := OdlExtractor{Client: httpclient.NewWeb("test")}
	bib, err := extractor.Extract(context.Background(), opds.RawPublication{Raw: json.RawMessage(pubJSON)})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(bib.Circulation.Licenses) != 1 {
		t.Fatalf("licenses = %+v, want 1", bib.Circulation.Licenses)
	}
	lic := bib.Circulation.Licenses[0]
	if lic.Status != "available" {
		t.Errorf("status = %q, want available", lic.Status)
	}
	if lic.ChecksOutAvailable != 1 {
		t.Errorf("checkouts_available = %d, want 1", lic.ChecksOutAvailable)
	}
}

func TestOdlExtractorForcesUnavailableOnConcurrencyMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"identifier": "urn:uuid:license-2",
			"status": "available",
			"terms": {"concurrency": 5},
			"checkouts": {"available": 1}
		}`))
	}))
	defer srv.Close()

	pubJSON := `{
		"metadata": {"identifier": "urn:isbn:456", "availability": {"available": true}},
		"licenses": [{
			"metadata": {
				"identifier": "urn:uuid:license-2",
				"format": ["application/epub+zip"],
				"terms": {"concurrency": 1},
				"availability": {"available": true}
			},
			"links": [{"rel": "self", "href": "` + srv.URL + `"}]
		}]
	}`

	extractor := OdlExtractor{Client: httpclient.NewWeb("test")}
	bib, err := extractor.Extract(context.Background(), opds.RawPublication{Raw: json.RawMessage(pubJSON)})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if bib.Circulation.Licenses[0].Status != catalog.LicenseUnavailable {
		t.Errorf("status = %q, want unavailable (concurrency mismatch)", bib.Circulation.Licenses[0].Status)
	}
}

func TestOdlExtractorDropsLicenseOnIdentifierMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"identifier": "urn:uuid:license-wrong",
			"status": "available",
			"terms": {"concurrency": 1},
			"checkouts": {"available": 1}
		}`))
	}))
	defer srv.Close()

	pubJSON := `{
		"metadata": {"identifier": "urn:isbn:999", "availability": {"available": true}},
		"licenses": [{
			"metadata": {
				"identifier": "urn:uuid:license-a",
				"format": ["application/epub+zip"],
				"terms": {"concurrency": 1},
				"availability": {"available": true}
			},
			"links": [{"rel": "self", "href": "` + srv.URL + `"}]
		}]
	}`

	extractor := OdlExtractor{Client: httpclient.NewWeb("test")}
	bib, err := extractor.Extract(context.Background(), opds.RawPublication{Raw: json.RawMessage(pubJSON)})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(bib.Circulation.Licenses) != 0 {
		t.Fatalf("licenses = %+v, want none (identifier mismatch must drop the license, not mark it unavailable)", bib.Circulation.Licenses)
	}
}

func TestOdlExtractorSkipsUnfetchedWhenPublicationUnavailable(t *testing.T) {
	pubJSON := `{
		"metadata": {"identifier": "urn:isbn:789", "availability": {"available": false}},
		"licenses": [{
			"metadata": {
				"identifier": "urn:uuid:license-3",
				"format": ["application/epub+zip"],
				"availability": {"available": true}
			},
			"links": [{"rel": "self", "href": "http://should-not-be-fetched.invalid"}]
		}]
	}`

	extractor := OdlExtractor{Client: httpclient.NewWeb("test")}
	bib, err := extractor.Extract(context.Background(), opds.RawPublication{Raw: json.RawMessage(pubJSON)})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if bib.Circulation.Licenses[0].Status != catalog.LicenseUnavailable {
		t.Errorf("status = %q, want unavailable without fetching", bib.Circulation.Licenses[0].Status)
	}
	if bib.Circulation.Licenses[0].ChecksOutAvailable != 0 {
		t.Errorf("checkouts_available = %d, want 0", bib.Circulation.Licenses[0].ChecksOutAvailable)
	}
}

func TestSynthesizeBearerTokenFormatsAddsOnlyForDrmFreeEligibleTypes(t *testing.T) {
	in := []opds.FormatData{
		{ContentType: "application/epub+zip"},
		{ContentType: "application/epub+zip", DRMScheme: "some-drm"},
	}
	out := synthesizeBearerTokenFormats(in)
	if len(out) != 3 {
		t.Fatalf("len(out) = %d, want 3 (one synthesized)", len(out))
	}
	found := false
	for _, f := range out {
		if f.DRMScheme == "BEARER_TOKEN" {
			found = true
		}
	}
	if !found {
		t.Error("expected a synthesized BEARER_TOKEN format")
	}
}
