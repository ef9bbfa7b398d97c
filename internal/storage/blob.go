package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

// BlobStore writes parts to any gocloud.dev bucket (GCS, S3-compatible,
// filesystem, memory).
type BlobStore struct {
	bucket    *blob.Bucket
	bucketURL string
	prefix    string
}

// OpenBlobStore opens the bucket at bucketURL.
func OpenBlobStore(ctx context.Context, bucketURL, prefix string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return NewBlobStore(bucket, bucketURL, prefix), nil
}

// NewBlobStore wraps an opened bucket. The store takes ownership of it.
func NewBlobStore(bucket *blob.Bucket, bucketURL, prefix string) *BlobStore {
	return &BlobStore{bucket: bucket, bucketURL: bucketURL, prefix: prefix}
}

func (s *BlobStore) writeTemp(ctx context.Context, finalKey string, data []byte) (string, error) {
	tempKey := finalKey + tempMarker + uuid.NewString()
	if err := s.bucket.WriteAll(ctx, tempKey, data, nil); err != nil {
		return "", fmt.Errorf("write %s: %w", tempKey, err)
	}
	return tempKey, nil
}

func (s *BlobStore) WriteParquetTemp(ctx context.Context, ref PartRef, data []byte) (string, error) {
	return s.writeTemp(ctx, ref.Path(s.prefix), data)
}

func (s *BlobStore) WriteManifestTemp(ctx context.Context, ref PartRef, manifest *Manifest) (string, error) {
	data, err := manifest.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	return s.writeTemp(ctx, ref.ManifestPath(s.prefix), data)
}

// Finalize copies temp objects to their final keys, then deletes the temps.
func (s *BlobStore) Finalize(ctx context.Context, ref PartRef, tempKeys []string) error {
	finalKeys := []string{ref.Path(s.prefix), ref.ManifestPath(s.prefix)}
	if len(tempKeys) != len(finalKeys) {
		return fmt.Errorf("expected %d temp keys, got %d", len(finalKeys), len(tempKeys))
	}

	for i, tempKey := range tempKeys {
		if err := s.bucket.Copy(ctx, finalKeys[i], tempKey, nil); err != nil {
			for j := 0; j < i; j++ {
				s.bucket.Delete(ctx, finalKeys[j])
			}
			s.Abort(ctx, tempKeys)
			return fmt.Errorf("finalize %s -> %s: %w", tempKey, finalKeys[i], err)
		}
	}

	for _, tempKey := range tempKeys {
		s.bucket.Delete(ctx, tempKey)
	}
	return nil
}

func (s *BlobStore) Abort(ctx context.Context, tempKeys []string) error {
	var errs []error
	for _, key := range tempKeys {
		if err := s.bucket.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// URI joins the bucket URL (without query) and key.
func (s *BlobStore) URI(key string) string {
	base, _, _ := strings.Cut(s.bucketURL, "?")
	return strings.TrimSuffix(base, "/") + "/" + key
}

func (s *BlobStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

var _ PartStore = (*BlobStore)(nil)
