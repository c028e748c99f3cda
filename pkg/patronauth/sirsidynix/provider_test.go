package sirsidynix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opdshub/circulation-core/pkg/catalog"
	"github.com/opdshub/circulation-core/pkg/httpclient"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc, settings Settings) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	settings.ServerURL = srv.URL
	return NewProvider(settings, httpclient.NewWeb("test"))
}

func TestRemoteAuthenticateReturnsSessionToken(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/user/patron/login" {
			t.Errorf("path = %q, want /user/patron/login", r.URL.Path)
		}
		if r.Header.Get("x-sirs-clientID") != "client-1" {
			t.Errorf("missing client id header")
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"patronKey": "pk-1", "sessionToken": "tok-1"})
	}, Settings{ClientID: "client-1", LibraryID: "lib-1"})

	pd, err := p.RemoteAuthenticate(context.Background(), "jdoe", "pin")
	if err != nil {
		t.Fatalf("RemoteAuthenticate: %v", err)
	}
	if pd == nil {
		t.Fatal("expected non-nil PatronData")
	}
	if pd.PermanentID != "pk-1" {
		t.Errorf("PermanentID = %q, want pk-1", pd.PermanentID)
	}
	if pd.ProviderState[sessionTokenKey] != "tok-1" {
		t.Errorf("session token = %q, want tok-1", pd.ProviderState[sessionTokenKey])
	}
	if pd.Complete {
		t.Error("expected Complete = false after login alone")
	}
}

func TestRemoteAuthenticateReturnsNilOnRejectedLogin(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, Settings{ClientID: "client-1", LibraryID: "lib-1"})

	pd, err := p.RemoteAuthenticate(context.Background(), "jdoe", "wrong")
	if err != nil {
		t.Fatalf("RemoteAuthenticate: %v", err)
	}
	if pd != nil {
		t.Errorf("expected nil, got %+v", pd)
	}
}

func TestRemotePatronLookupRequiresSessionToken(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be made without a session token")
	}, Settings{ClientID: "client-1", LibraryID: "lib-1"})

	pd, err := p.RemotePatronLookup(context.Background(), catalog.PatronData{PermanentID: "pk-1"})
	if err != nil {
		t.Fatalf("RemotePatronLookup: %v", err)
	}
	if pd != nil {
		t.Errorf("expected nil, got %+v", pd)
	}
}

func TestRemotePatronLookupBlocksUnapprovedPatron(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"fields": map[string]any{"displayName": "Jane Doe", "approved": false},
		})
	}, Settings{ClientID: "client-1", LibraryID: "lib-1", PatronStatusBlock: true})

	pd, err := p.RemotePatronLookup(context.Background(), catalog.PatronData{
		PermanentID:   "pk-1",
		ProviderState: map[string]string{sessionTokenKey: "tok-1"},
	})
	if err != nil {
		t.Fatalf("RemotePatronLookup: %v", err)
	}
	if pd.BlockReason != catalog.BlockNotApproved {
		t.Errorf("BlockReason = %q, want %q", pd.BlockReason, catalog.BlockNotApproved)
	}
}

func TestRemotePatronLookupBlocksDisallowedSuffix(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"fields": map[string]any{
				"displayName": "Jane Doe",
				"approved":    true,
				"patronType":  map[string]any{"key": "cls"},
			},
		})
	}, Settings{ClientID: "client-1", LibraryID: "lib-1", DisallowedSuffixes: []string{"ls"}})

	pd, err := p.RemotePatronLookup(context.Background(), catalog.PatronData{
		PermanentID:   "pk-1",
		ProviderState: map[string]string{sessionTokenKey: "tok-1"},
	})
	if err != nil {
		t.Fatalf("RemotePatronLookup: %v", err)
	}
	if pd.BlockReason != catalog.BlockUnknown {
		t.Errorf("BlockReason = %q, want %q (disallowed suffix)", pd.BlockReason, catalog.BlockUnknown)
	}
}

func TestRemotePatronLookupAppliesStatusBlock(t *testing.T) {
	calls := 0
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch {
		case r.URL.Path == "/user/patron/key/pk-1":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"fields": map[string]any{
					"displayName": "Jane Doe",
					"approved":    true,
					"patronType":  map[string]any{"key": "adult"},
				},
			})
		case r.URL.Path == "/user/patronStatusInfo/key/pk-1":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"fields": map[string]any{
					"hasMaxOverdueItem": true,
					"estimatedFines":    map[string]any{"amount": "5.00"},
				},
			})
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}, Settings{ClientID: "client-1", LibraryID: "lib-1", PatronStatusBlock: true})

	pd, err := p.RemotePatronLookup(context.Background(), catalog.PatronData{
		PermanentID:   "pk-1",
		ProviderState: map[string]string{sessionTokenKey: "tok-1"},
	})
	if err != nil {
		t.Fatalf("RemotePatronLookup: %v", err)
	}
	if pd.BlockReason != catalog.BlockTooManyOverdue {
		t.Errorf("BlockReason = %q, want %q", pd.BlockReason, catalog.BlockTooManyOverdue)
	}
	if pd.Fines.Cents != 500 {
		t.Errorf("Fines = %+v, want 500 cents", pd.Fines)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (patron data + status)", calls)
	}
}
