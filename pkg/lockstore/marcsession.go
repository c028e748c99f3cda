package lockstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// marcUploadLeaseTTL is the lease window a MARC export worker holds while
// it owns a library's export session (spec.md §4.7: "lease acquisition,
// 20-minute TTL").
const marcUploadLeaseTTL = 20 * time.Minute

// PartDescriptor records one completed S3 multipart upload part.
type PartDescriptor struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
	Size       int64  `json:"size"`
}

// uploadEntry is the per-work-id state inside a MARC upload session:
// buffered-but-not-yet-uploaded bytes, the S3 multipart upload id (once
// started), and the parts already committed.
type uploadEntry struct {
	Buffer   []byte           `json:"buffer,omitempty"`
	UploadID string           `json:"upload_id,omitempty"`
	Parts    []PartDescriptor `json:"parts,omitempty"`
}

// marcSessionPayload is the JSON payload stored under the lockstore
// document's "payload" field for a MARC export session key.
type marcSessionPayload struct {
	Uploads map[string]uploadEntry `json:"uploads"`
}

func decodeMarcPayload(raw json.RawMessage) (marcSessionPayload, error) {
	var p marcSessionPayload
	if len(raw) == 0 {
		p.Uploads = map[string]uploadEntry{}
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return marcSessionPayload{}, fmt.Errorf("decoding marc session payload: %w", err)
	}
	if p.Uploads == nil {
		p.Uploads = map[string]uploadEntry{}
	}
	return p, nil
}

// MarcUploadSession wraps a Store to provide the MARC export engine's
// buffer/part/upload-id state operations (spec.md §4.2, §4.7), each
// implemented as a single CAS Mutate so concurrent exporters for distinct
// libraries never interfere and a single exporter's sequential calls
// always observe their own prior writes.
type MarcUploadSession struct {
	store *Store
	lease *Lease
}

// AcquireMarcUploadSession acquires the named session's lease, returning
// (nil, nil) if another worker already owns it.
func AcquireMarcUploadSession(ctx context.Context, store *Store, key string) (*MarcUploadSession, error) {
	lease, err := store.AcquireLease(ctx, key, marcUploadLeaseTTL)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		return nil, nil
	}
	return &MarcUploadSession{store: store, lease: lease}, nil
}

// Release gives up the session's lease.
func (m *MarcUploadSession) Release(ctx context.Context) error {
	return m.store.ReleaseLease(ctx, m.lease)
}

// AppendBuffers appends bytes to each named S3 key's buffer (creating the
// entry if absent) and returns the resulting buffer length per key, so
// callers can decide whether a given key has crossed the 5 MiB
// upload-part threshold (spec.md §4.7).
func (m *MarcUploadSession) AppendBuffers(ctx context.Context, updates map[string][]byte) (map[string]int, error) {
	lengths := make(map[string]int, len(updates))

	_, err := m.store.Mutate(ctx, m.lease, marcUploadLeaseTTL, func(raw json.RawMessage) (json.RawMessage, error) {
		payload, err := decodeMarcPayload(raw)
		if err != nil {
			return nil, err
		}
		for key, chunk := range updates {
			entry := payload.Uploads[key]
			entry.Buffer = append(entry.Buffer, chunk...)
			payload.Uploads[key] = entry
			lengths[key] = len(entry.Buffer)
		}
		return json.Marshal(payload)
	})
	if err != nil {
		return nil, err
	}
	return lengths, nil
}

// AddPartAndClearBuffer records a completed multipart upload part for key
// and clears its buffer (the bytes have been durably persisted to S3).
func (m *MarcUploadSession) AddPartAndClearBuffer(ctx context.Context, key string, part PartDescriptor) error {
	_, err := m.store.Mutate(ctx, m.lease, marcUploadLeaseTTL, func(raw json.RawMessage) (json.RawMessage, error) {
		payload, err := decodeMarcPayload(raw)
		if err != nil {
			return nil, err
		}
		entry, ok := payload.Uploads[key]
		if !ok {
			return nil, &MarcFileUploadSessionError{Key: key, Message: "add_part_and_clear_buffer on unknown key"}
		}
		entry.Parts = append(entry.Parts, part)
		entry.Buffer = nil
		payload.Uploads[key] = entry
		return json.Marshal(payload)
	})
	return err
}

// SetUploadID sets key's S3 multipart upload id, but only if one isn't
// already set — concurrent CreateMultipartUpload calls from retried work
// must not each mint a fresh, orphaned upload id.
func (m *MarcUploadSession) SetUploadID(ctx context.Context, key, uploadID string) error {
	_, err := m.store.Mutate(ctx, m.lease, marcUploadLeaseTTL, func(raw json.RawMessage) (json.RawMessage, error) {
		payload, err := decodeMarcPayload(raw)
		if err != nil {
			return nil, err
		}
		entry := payload.Uploads[key]
		if entry.UploadID == "" {
			entry.UploadID = uploadID
		}
		payload.Uploads[key] = entry
		return json.Marshal(payload)
	})
	return err
}

// ClearUploads discards all session state after a successful finalize, so
// a stale lease can't replay completed work.
func (m *MarcUploadSession) ClearUploads(ctx context.Context) error {
	_, err := m.store.Mutate(ctx, m.lease, marcUploadLeaseTTL, func(raw json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(marcSessionPayload{Uploads: map[string]uploadEntry{}})
	})
	return err
}

// Snapshot returns the current state of one S3 key, for resumption after
// a crash: the buffered-but-unflushed bytes, the multipart upload id (if
// started), and the parts already committed.
func (m *MarcUploadSession) Snapshot(ctx context.Context, key string) (buffer []byte, uploadID string, parts []PartDescriptor, err error) {
	raw, _, err := m.store.ReadPayload(ctx, m.lease.Name)
	if err != nil {
		return nil, "", nil, err
	}
	payload, err := decodeMarcPayload(raw)
	if err != nil {
		return nil, "", nil, err
	}
	entry := payload.Uploads[key]
	return entry.Buffer, entry.UploadID, entry.Parts, nil
}
