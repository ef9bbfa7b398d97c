// Package source implements the file catalog: it lists landed objects under a
// partition prefix and turns each one into a FileIdentity.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver
)

// ErrSourceUnavailable is returned when the object store cannot be listed or read.
var ErrSourceUnavailable = errors.New("source unavailable")

// Config describes where landed files live.
type Config struct {
	BucketURL      string
	Bucket         string // logical bucket name recorded in load keys
	BasePath       string
	Extension      string
	ProducerPrefix string
}

// Catalog lists candidate files in one bucket.
type Catalog struct {
	bucket         *blob.Bucket
	name           string
	basePath       string
	extension      string
	producerPrefix string
	logger         *slog.Logger
}

// OpenCatalog opens the bucket behind cfg.BucketURL.
func OpenCatalog(ctx context.Context, cfg Config) (*Catalog, error) {
	bucket, err := blob.OpenBucket(ctx, cfg.BucketURL)
	if err != nil {
		return nil, fmt.Errorf("%w: open bucket %s: %w", ErrSourceUnavailable, cfg.BucketURL, err)
	}
	return NewCatalog(bucket, cfg), nil
}

// NewCatalog wraps an already opened bucket. The catalog takes ownership of it.
func NewCatalog(bucket *blob.Bucket, cfg Config) *Catalog {
	ext := cfg.Extension
	if ext == "" {
		ext = ".csv"
	}
	return &Catalog{
		bucket:         bucket,
		name:           cfg.Bucket,
		basePath:       strings.Trim(cfg.BasePath, "/"),
		extension:      ext,
		producerPrefix: cfg.ProducerPrefix,
		logger:         slog.With("component", "catalog"),
	}
}

// Bucket returns the logical bucket name.
func (c *Catalog) Bucket() string { return c.name }

// PartitionPrefix returns "<base>/<producer dir>/<table>/".
func (c *Catalog) PartitionPrefix(scope PartitionScope) string {
	dir := ProducerDir(c.producerPrefix, scope.Producer)
	if c.basePath == "" {
		return path.Join(dir, scope.Table) + "/"
	}
	return path.Join(c.basePath, dir, scope.Table) + "/"
}

// List returns every file under the partition prefix whose name carries the
// configured extension. Other objects are skipped. The order is unspecified.
func (c *Catalog) List(ctx context.Context, scope PartitionScope) ([]FileIdentity, error) {
	prefix := c.PartitionPrefix(scope)

	iter := c.bucket.List(&blob.ListOptions{Prefix: prefix})

	var files []FileIdentity
	skipped := 0
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: list %s: %w", ErrSourceUnavailable, prefix, err)
		}
		if obj.IsDir {
			continue
		}
		if !HasExtension(obj.Key, c.extension) {
			skipped++
			continue
		}

		generation, checksum := objectVersion(obj)
		files = append(files, FileIdentity{
			Bucket:       c.name,
			ObjectPath:   obj.Key,
			Generation:   generation,
			Checksum:     checksum,
			LastModified: NormalizeTime(obj.ModTime),
			Table:        scope.Table,
			Producer:     scope.Producer,
			Size:         obj.Size,
		})
	}

	c.logger.Debug("listed partition",
		"prefix", prefix,
		"files", len(files),
		"skipped", skipped,
	)
	return files, nil
}

// Close releases the bucket.
func (c *Catalog) Close() error {
	if c.bucket != nil {
		return c.bucket.Close()
	}
	return nil
}

// HasExtension reports whether key ends in ext, optionally followed by ".zst".
func HasExtension(key, ext string) bool {
	key = strings.ToLower(key)
	ext = strings.ToLower(ext)
	return strings.HasSuffix(key, ext) || strings.HasSuffix(key, ext+zstdSuffix)
}
