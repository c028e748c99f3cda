package marcexport

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opdshub/circulation-core/pkg/lockstore"
)

// multipartMinimumPartSize is S3's minimum non-final multipart part size
// (spec.md §6: "Minimum non-final part size: 5 MiB").
const multipartMinimumPartSize = 5 * 1024 * 1024

// Uploader streams MARC bytes for several S3 keys into per-key buffers
// backed by a lockstore.MarcUploadSession, flushing to S3 multipart parts
// once a buffer crosses the 5 MiB threshold (spec.md §4.7 "Buffering and
// upload"). Not safe for concurrent use by multiple goroutines over the
// same key — the export pipeline is sequential per spec.md §5.
type Uploader struct {
	s3      *s3.Client
	bucket  string
	session *lockstore.MarcUploadSession
	parts   *prometheus.CounterVec // labeled by library
}

// NewUploader builds an Uploader bound to one MARC export session.
func NewUploader(client *s3.Client, bucket string, session *lockstore.MarcUploadSession, partsMetric *prometheus.CounterVec) *Uploader {
	return &Uploader{s3: client, bucket: bucket, session: session, parts: partsMetric}
}

// AddRecord appends data to key's buffer and flushes it as a multipart
// part if the buffer has crossed the threshold.
func (u *Uploader) AddRecord(ctx context.Context, key string, data []byte, libraryLabel string) error {
	lengths, err := u.session.AppendBuffers(ctx, map[string][]byte{key: data})
	if err != nil {
		return fmt.Errorf("buffering marc record for %s: %w", key, err)
	}
	if lengths[key] < multipartMinimumPartSize {
		return nil
	}
	return u.flush(ctx, key, libraryLabel, false)
}

// flush uploads key's current buffer as the next multipart part. final
// permits a part smaller than the 5 MiB minimum (spec.md §8: "finalizes
// an upload whose only part is smaller than 5 MiB").
func (u *Uploader) flush(ctx context.Context, key, libraryLabel string, final bool) error {
	buffer, uploadID, parts, err := u.session.Snapshot(ctx, key)
	if err != nil {
		return fmt.Errorf("reading upload session for %s: %w", key, err)
	}
	if len(buffer) == 0 {
		return nil
	}
	if !final && len(buffer) < multipartMinimumPartSize {
		return nil
	}

	if uploadID == "" {
		created, err := u.s3.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(u.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("creating multipart upload for %s: %w", key, err)
		}
		uploadID = aws.ToString(created.UploadId)
		if err := u.session.SetUploadID(ctx, key, uploadID); err != nil {
			return fmt.Errorf("recording upload id for %s: %w", key, err)
		}
	}

	partNumber := int32(len(parts) + 1)
	uploaded, err := u.s3.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(u.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
		Body:       bytes.NewReader(buffer),
	})
	if err != nil {
		return fmt.Errorf("uploading part %d for %s: %w", partNumber, key, err)
	}

	if err := u.session.AddPartAndClearBuffer(ctx, key, lockstore.PartDescriptor{
		PartNumber: int(partNumber),
		ETag:       aws.ToString(uploaded.ETag),
		Size:       int64(len(buffer)),
	}); err != nil {
		return fmt.Errorf("recording part %d for %s: %w", partNumber, key, err)
	}
	if u.parts != nil {
		u.parts.WithLabelValues(libraryLabel).Inc()
	}
	return nil
}

// Finalize uploads every key's remaining non-empty buffer as a final
// part (spec.md §4.7 "Finalization") and completes each multipart
// upload, returning the set of keys that actually produced an object.
func (u *Uploader) Finalize(ctx context.Context, keys []string, libraryLabel string) ([]string, error) {
	var uploaded []string
	for _, key := range keys {
		buffer, _, parts, err := u.session.Snapshot(ctx, key)
		if err != nil {
			return uploaded, fmt.Errorf("reading upload session for %s: %w", key, err)
		}
		if len(buffer) > 0 {
			if err := u.flush(ctx, key, libraryLabel, true); err != nil {
				return uploaded, err
			}
			_, _, parts, err = u.session.Snapshot(ctx, key)
			if err != nil {
				return uploaded, fmt.Errorf("reading upload session for %s: %w", key, err)
			}
		}
		if len(parts) == 0 {
			continue
		}

		_, uploadID, _, err := u.session.Snapshot(ctx, key)
		if err != nil {
			return uploaded, err
		}

		completedParts := make([]types.CompletedPart, len(parts))
		for i, p := range parts {
			completedParts[i] = types.CompletedPart{
				ETag:       aws.String(p.ETag),
				PartNumber: aws.Int32(int32(p.PartNumber)),
			}
		}
		sort.Slice(completedParts, func(i, j int) bool {
			return aws.ToInt32(completedParts[i].PartNumber) < aws.ToInt32(completedParts[j].PartNumber)
		})

		if _, err := u.s3.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:   aws.String(u.bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{
				Parts: completedParts,
			},
		}); err != nil {
			return uploaded, fmt.Errorf("completing multipart upload for %s: %w", key, err)
		}
		uploaded = append(uploaded, key)
	}
	return uploaded, nil
}
