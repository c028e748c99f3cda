package lockstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestMarcSession(t *testing.T) *MarcUploadSession {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := New(rdb, "circ-test")
	session, err := AcquireMarcUploadSession(context.Background(), store, "libraries/central/export")
	if err != nil {
		t.Fatalf("AcquireMarcUploadSession: %v", err)
	}
	if session == nil {
		t.Fatal("expected session, got nil")
	}
	return session
}

func TestAppendBuffersAccumulatesAndReportsLength(t *testing.T) {
	session := newTestMarcSession(t)
	ctx := context.Background()

	lengths, err := session.AppendBuffers(ctx, map[string][]byte{"work-1": []byte("hello")})
	if err != nil {
		t.Fatalf("AppendBuffers: %v", err)
	}
	if lengths["work-1"] != 5 {
		t.Errorf("length = %d, want 5", lengths["work-1"])
	}

	lengths, err = session.AppendBuffers(ctx, map[string][]byte{"work-1": []byte(" world")})
	if err != nil {
		t.Fatalf("AppendBuffers: %v", err)
	}
	if lengths["work-1"] != 11 {
		t.Errorf("length = %d, want 11 (hello world)", lengths["work-1"])
	}

	buf, _, _, err := session.Snapshot(ctx, "work-1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if string(buf) != "hello world" {
		t.Errorf("buffer = %q, want %q", buf, "hello world")
	}
}

func TestAddPartAndClearBufferResetsBuffer(t *testing.T) {
	session := newTestMarcSession(t)
	ctx := context.Background()

	if _, err := session.AppendBuffers(ctx, map[string][]byte{"work-2": []byte("some marc bytes")}); err != nil {
		t.Fatalf("AppendBuffers: %v", err)
	}

	part := PartDescriptor{PartNumber: 1, ETag: `"abc123"`, Size: 16}
	if err := session.AddPartAndClearBuffer(ctx, "work-2", part); err != nil {
		t.Fatalf("AddPartAndClearBuffer: %v", err)
	}

	buf, _, parts, err := session.Snapshot(ctx, "work-2")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(buf) != 0 {
		t.Errorf("buffer = %q, want empty after AddPartAndClearBuffer", buf)
	}
	if len(parts) != 1 || parts[0].ETag != `"abc123"` {
		t.Errorf("parts = %+v, want one part with etag abc123", parts)
	}
}

func TestAddPartAndClearBufferRejectsUnknownKey(t *testing.T) {
	session := newTestMarcSession(t)
	ctx := context.Background()

	err := session.AddPartAndClearBuffer(ctx, "never-buffered", PartDescriptor{PartNumber: 1})
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestSetUploadIDIsOnlySetOnce(t *testing.T) {
	session := newTestMarcSession(t)
	ctx := context.Background()

	if err := session.SetUploadID(ctx, "work-3", "first-id"); err != nil {
		t.Fatalf("SetUploadID: %v", err)
	}
	if err := session.SetUploadID(ctx, "work-3", "second-id"); err != nil {
		t.Fatalf("SetUploadID: %v", err)
	}

	_, uploadID, _, err := session.Snapshot(ctx, "work-3")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if uploadID != "first-id" {
		t.Errorf("upload id = %q, want %q (first write wins)", uploadID, "first-id")
	}
}

func TestClearUploadsDiscardsAllState(t *testing.T) {
	session := newTestMarcSession(t)
	ctx := context.Background()

	if _, err := session.AppendBuffers(ctx, map[string][]byte{"work-4": []byte("x")}); err != nil {
		t.Fatalf("AppendBuffers: %v", err)
	}
	if err := session.ClearUploads(ctx); err != nil {
		t.Fatalf("ClearUploads: %v", err)
	}

	buf, uploadID, parts, err := session.Snapshot(ctx, "work-4")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(buf) != 0 || uploadID != "" || len(parts) != 0 {
		t.Errorf("expected empty state after ClearUploads, got buf=%q uploadID=%q parts=%+v", buf, uploadID, parts)
	}
}
