package marcexport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	awsconfig "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/opdshub/circulation-core/pkg/lockstore"
)

// fakeS3 is a minimal stand-in for the handful of S3 multipart-upload
// operations the Uploader calls, exercised over a real HTTP server so the
// AWS SDK's request signing and response parsing run unmodified.
type fakeS3 struct {
	mu         sync.Mutex
	nextUpload int64
	parts      map[string]int // uploadID -> part count
}

func newFakeS3(t *testing.T) *s3.Client {
	t.Helper()
	f := &fakeS3{parts: make(map[string]int)}
	server := httptest.NewServer(f)
	t.Cleanup(server.Close)

	client := s3.NewFromConfig(awsconfig.Config{
		Region:      "us-east-1",
		Credentials: credentials.NewStaticCredentialsProvider("test", "test", ""),
	}, func(o *s3.Options) {
		o.BaseEndpoint = awsconfig.String(server.URL)
		o.UsePathStyle = true
	})
	return client
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case r.Method == http.MethodPost && q.Has("uploads"):
		f.mu.Lock()
		f.nextUpload++
		id := fmt.Sprintf("upload-%d", f.nextUpload)
		f.parts[id] = 0
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<InitiateMultipartUploadResult><Bucket>test</Bucket><Key>%s</Key><UploadId>%s</UploadId></InitiateMultipartUploadResult>`,
			url.QueryEscape(r.URL.Path), id)

	case r.Method == http.MethodPut && q.Has("partNumber") && q.Has("uploadId"):
		id := q.Get("uploadId")
		f.mu.Lock()
		f.parts[id]++
		n := f.parts[id]
		f.mu.Unlock()
		w.Header().Set("ETag", fmt.Sprintf(`"etag-%d"`, n))
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodPost && q.Has("uploadId"):
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<CompleteMultipartUploadResult><Location>http://test/object</Location><Bucket>test</Bucket><Key>%s</Key><ETag>"final"</ETag></CompleteMultipartUploadResult>`,
			url.QueryEscape(r.URL.Path))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestSession(t *testing.T) *lockstore.MarcUploadSession {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := lockstore.New(rdb, "marcexport-test")
	session, err := lockstore.AcquireMarcUploadSession(context.Background(), store, "collection-1")
	if err != nil {
		t.Fatalf("AcquireMarcUploadSession: %v", err)
	}
	if session == nil {
		t.Fatal("expected a session, got nil (lease already held)")
	}
	return session
}

func TestAddRecordDoesNotFlushBelowThreshold(t *testing.T) {
	client := newFakeS3(t)
	session := newTestSession(t)
	uploader := NewUploader(client, "test-bucket", session, nil)
	ctx := context.Background()

	if err := uploader.AddRecord(ctx, "key-1", []byte("short record"), "lib1"); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}

	_, uploadID, parts, err := session.Snapshot(ctx, "key-1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if uploadID != "" || len(parts) != 0 {
		t.Errorf("AddRecord below threshold started a multipart upload: uploadID=%q parts=%v", uploadID, parts)
	}
}

func TestAddRecordFlushesAtThreshold(t *testing.T) {
	client := newFakeS3(t)
	session := newTestSession(t)
	uploader := NewUploader(client, "test-bucket", session, nil)
	ctx := context.Background()

	big := make([]byte, multipartMinimumPartSize)
	if err := uploader.AddRecord(ctx, "key-1", big, "lib1"); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}

	buf, uploadID, parts, err := session.Snapshot(ctx, "key-1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if uploadID == "" {
		t.Error("expected a multipart upload id after crossing the threshold")
	}
	if len(parts) != 1 {
		t.Errorf("parts = %d, want 1", len(parts))
	}
	if len(buf) != 0 {
		t.Errorf("buffer = %d bytes, want 0 after flush", len(buf))
	}
}

func TestFinalizeCompletesUploadsWithRemainingBuffer(t *testing.T) {
	client := newFakeS3(t)
	session := newTestSession(t)
	uploader := NewUploader(client, "test-bucket", session, nil)
	ctx := context.Background()

	big := make([]byte, multipartMinimumPartSize)
	if err := uploader.AddRecord(ctx, "key-1", big, "lib1"); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	if err := uploader.AddRecord(ctx, "key-1", []byte("trailing bytes"), "lib1"); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}

	uploaded, err := uploader.Finalize(ctx, []string{"key-1"}, "lib1")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(uploaded) != 1 || uploaded[0] != "key-1" {
		t.Errorf("Finalize returned %v, want [key-1]", uploaded)
	}
}

func TestFinalizeSkipsKeysWithNoData(t *testing.T) {
	client := newFakeS3(t)
	session := newTestSession(t)
	uploader := NewUploader(client, "test-bucket", session, nil)
	ctx := context.Background()

	uploaded, err := uploader.Finalize(ctx, []string{"never-written"}, "lib1")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(uploaded) != 0 {
		t.Errorf("Finalize on an untouched key returned %v, want empty", uploaded)
	}
}

func TestFinalizeFinalizesSinglePartSmallerThanMinimum(t *testing.T) {
	client := newFakeS3(t)
	session := newTestSession(t)
	uploader := NewUploader(client, "test-bucket", session, nil)
	ctx := context.Background()

	if err := uploader.AddRecord(ctx, "key-1", []byte("tiny"), "lib1"); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}

	uploaded, err := uploader.Finalize(ctx, []string{"key-1"}, "lib1")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(uploaded) != 1 {
		t.Errorf("Finalize of a sub-minimum single part returned %v, want [key-1]", uploaded)
	}
}
