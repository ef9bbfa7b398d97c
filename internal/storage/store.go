// Package storage writes lake parts (parquet files plus a JSON manifest) with
// a temp-then-finalize publish so readers never see a half-written part.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// PartRef locates the lake part produced from one source file version.
type PartRef struct {
	Table    string
	Producer int64
	// ID is derived from the source load key, so reloading the same file
	// version targets the same part.
	ID string
}

// PartID derives a stable part ID from a load key's components.
func PartID(bucket, objectPath string, generation, lastModifiedMicros int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%d\x00%d", bucket, objectPath, generation, lastModifiedMicros)))
	return hex.EncodeToString(sum[:12])
}

// DirPath returns the directory holding this partition's parts.
func (r PartRef) DirPath(prefix string) string {
	return fmt.Sprintf("%s%s/producer=%d", prefix, r.Table, r.Producer)
}

// Path returns the storage key of the parquet file.
func (r PartRef) Path(prefix string) string {
	return fmt.Sprintf("%s/part-%s.parquet", r.DirPath(prefix), r.ID)
}

// ManifestPath returns the storage key of the part's manifest.
func (r PartRef) ManifestPath(prefix string) string {
	return fmt.Sprintf("%s/_manifests/part-%s.json", r.DirPath(prefix), r.ID)
}

// Manifest describes one published part.
type Manifest struct {
	Source    SourceInfo   `json:"source"`
	File      string       `json:"file"`
	Checksum  string       `json:"checksum"`
	RowCount  int64        `json:"row_count"`
	ByteSize  int64        `json:"byte_size"`
	Columns   []string     `json:"columns"`
	Producer  ProducerInfo `json:"producer"`
	CreatedAt time.Time    `json:"created_at"`
}

// SourceInfo identifies the landed file the part was built from.
type SourceInfo struct {
	Bucket       string    `json:"bucket"`
	ObjectPath   string    `json:"object_path"`
	Generation   int64     `json:"generation"`
	LastModified time.Time `json:"last_modified"`
	Table        string    `json:"table"`
	Producer     int64     `json:"producer"`
}

// ProducerInfo describes the software that wrote the part.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MarshalJSON returns the manifest as indented JSON.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	type Alias Manifest
	return json.MarshalIndent((*Alias)(m), "", "  ")
}

// PartStore publishes lake parts.
type PartStore interface {
	// WriteParquetTemp writes parquet bytes to a temporary key.
	WriteParquetTemp(ctx context.Context, ref PartRef, data []byte) (string, error)
	// WriteManifestTemp writes the manifest to a temporary key.
	WriteManifestTemp(ctx context.Context, ref PartRef, manifest *Manifest) (string, error)
	// Finalize moves [parquet, manifest] temp keys to their final keys.
	// On failure nothing is left published.
	Finalize(ctx context.Context, ref PartRef, tempKeys []string) error
	// Abort removes temporary keys.
	Abort(ctx context.Context, tempKeys []string) error
	// URI returns the canonical URI for a key.
	URI(key string) string
	Close() error
}

// Config selects the storage backend.
type Config struct {
	Backend   string // "local" | "blob"
	LocalDir  string
	BucketURL string // gs://, s3://, file://, mem://
	Prefix    string
}

// Open creates the configured store.
func Open(ctx context.Context, cfg Config) (PartStore, error) {
	switch cfg.Backend {
	case "local", "":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir, cfg.Prefix)
	case "blob":
		if cfg.BucketURL == "" {
			return nil, fmt.Errorf("BucketURL required for blob backend")
		}
		return OpenBlobStore(ctx, cfg.BucketURL, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

const tempMarker = ".tmp."
