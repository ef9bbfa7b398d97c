package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// LocalStore writes parts under a directory on the local filesystem.
type LocalStore struct {
	baseDir string
	prefix  string
}

// NewLocalStore creates baseDir if needed.
func NewLocalStore(baseDir, prefix string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", baseDir, err)
	}
	return &LocalStore{baseDir: baseDir, prefix: prefix}, nil
}

func (s *LocalStore) writeTemp(finalKey string, data []byte) (string, error) {
	path := filepath.Join(s.baseDir, finalKey) + tempMarker + uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write temp file %s: %w", path, err)
	}
	return path, nil
}

func (s *LocalStore) WriteParquetTemp(_ context.Context, ref PartRef, data []byte) (string, error) {
	return s.writeTemp(ref.Path(s.prefix), data)
}

func (s *LocalStore) WriteManifestTemp(_ context.Context, ref PartRef, manifest *Manifest) (string, error) {
	data, err := manifest.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	return s.writeTemp(ref.ManifestPath(s.prefix), data)
}

// Finalize renames temp files into place.
func (s *LocalStore) Finalize(ctx context.Context, ref PartRef, tempKeys []string) error {
	finalPaths := []string{
		filepath.Join(s.baseDir, ref.Path(s.prefix)),
		filepath.Join(s.baseDir, ref.ManifestPath(s.prefix)),
	}
	if len(tempKeys) != len(finalPaths) {
		return fmt.Errorf("expected %d temp keys, got %d", len(finalPaths), len(tempKeys))
	}

	for i, tmp := range tempKeys {
		if err := os.Rename(tmp, finalPaths[i]); err != nil {
			for j := 0; j < i; j++ {
				os.Remove(finalPaths[j])
			}
			s.Abort(ctx, tempKeys[i:])
			return fmt.Errorf("rename %s to %s: %w", tmp, finalPaths[i], err)
		}
	}
	return nil
}

func (s *LocalStore) Abort(_ context.Context, tempKeys []string) error {
	var errs []error
	for _, key := range tempKeys {
		if err := os.Remove(key); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *LocalStore) URI(key string) string {
	abs, err := filepath.Abs(filepath.Join(s.baseDir, key))
	if err != nil {
		abs = filepath.Join(s.baseDir, key)
	}
	return "file://" + abs
}

func (s *LocalStore) Close() error { return nil }

var _ PartStore = (*LocalStore)(nil)
