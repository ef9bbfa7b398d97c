package source

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const zstdSuffix = ".zst"

// IsCompressed reports whether the object is zstd-compressed.
func IsCompressed(key string) bool {
	return strings.HasSuffix(strings.ToLower(key), zstdSuffix)
}

// Open returns a reader over the object's content, decompressing .zst objects.
func (c *Catalog) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	reader, err := c.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open object %s: %w", ErrSourceUnavailable, key, err)
	}
	if !IsCompressed(key) {
		return reader, nil
	}

	dec, err := zstd.NewReader(reader, zstd.WithDecoderConcurrency(1))
	if err != nil {
		reader.Close()
		return nil, fmt.Errorf("create zstd decoder for %s: %w", key, err)
	}
	return &decodedReader{dec: dec, raw: reader}, nil
}

type decodedReader struct {
	dec *zstd.Decoder
	raw io.Closer
}

func (r *decodedReader) Read(p []byte) (int, error) {
	return r.dec.Read(p)
}

func (r *decodedReader) Close() error {
	r.dec.Close()
	return r.raw.Close()
}
