// Package warehouse loads one landed file into its fixed-schema destination
// table, appending rows and never truncating.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/withObsrvr/obsrvr-raw-loader/internal/source"
)

// ErrLoadFailed matches every *LoadFailedError.
var ErrLoadFailed = errors.New("load failed")

// LoadFailedError reports that one file could not be loaded. The file stays
// pending and is retried on the next run.
type LoadFailedError struct {
	File  source.FileIdentity
	Cause error
}

func (e *LoadFailedError) Error() string {
	return fmt.Sprintf("load %s into %s: %v", e.File.ObjectPath, e.File.Table, e.Cause)
}

func (e *LoadFailedError) Unwrap() error { return e.Cause }

func (e *LoadFailedError) Is(target error) bool { return target == ErrLoadFailed }

func loadFailed(file source.FileIdentity, cause error) error {
	return &LoadFailedError{File: file, Cause: cause}
}

// Result describes a completed load.
type Result struct {
	Rows  int64
	Bytes int64
}

// Loader appends one file's rows into the destination table and blocks until
// the warehouse confirms success or failure. Any failure is a *LoadFailedError.
type Loader interface {
	LoadAppend(ctx context.Context, schema TableSchema, file source.FileIdentity) (Result, error)
	Close() error
}

// Provisioner creates destination tables that do not exist yet. Existing
// tables are left untouched.
type Provisioner interface {
	EnsureTables(ctx context.Context, schemas []TableSchema) error
}

// ObjectOpener reads landed objects; *source.Catalog implements it.
type ObjectOpener interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}
