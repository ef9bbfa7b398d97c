// Package ledger records which file versions have been loaded. The ledger is
// append-only: this package never updates or deletes an entry, and the
// presence of a load key is the only signal that a file was ingested.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/withObsrvr/obsrvr-raw-loader/internal/source"
)

var (
	// ErrLedgerUnavailable is returned when the ledger cannot be read or written.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrChainBroken indicates an entry whose hash or predecessor link does
	// not match what was recorded.
	ErrChainBroken = errors.New("ledger hash chain broken")
)

// Entry is durable proof that one file version was loaded.
type Entry struct {
	source.FileIdentity
	LoadedAt  time.Time
	RunID     string
	PrevHash  string
	EntryHash string
}

// NewEntry builds an unsealed entry for a loaded file.
func NewEntry(file source.FileIdentity, runID string, loadedAt time.Time) Entry {
	file.LastModified = source.NormalizeTime(file.LastModified)
	return Entry{
		FileIdentity: file,
		LoadedAt:     source.NormalizeTime(loadedAt),
		RunID:        runID,
	}
}

// KeySet is a set of load keys.
type KeySet map[source.LoadKey]struct{}

// NewKeySet returns a set holding keys.
func NewKeySet(keys ...source.LoadKey) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func (s KeySet) Add(k source.LoadKey) { s[k] = struct{}{} }

func (s KeySet) Has(k source.LoadKey) bool {
	_, ok := s[k]
	return ok
}

// Ledger is the capability the orchestrator needs: a filtered read of one
// partition's keys and an all-or-nothing append.
type Ledger interface {
	// Loaded returns every key recorded for the partition.
	Loaded(ctx context.Context, scope source.PartitionScope) (KeySet, error)
	// Append writes all entries or none. An empty slice performs no I/O.
	Append(ctx context.Context, entries []Entry) error
}

// Reader exposes full entries for chain verification.
type Reader interface {
	Entries(ctx context.Context, scope source.PartitionScope) ([]Entry, error)
}

// Store is a ledger backend with both capabilities.
type Store interface {
	Ledger
	Reader
	Close() error
}

// Verify walks the partition's chain and returns ErrChainBroken on the first
// inconsistent entry.
func Verify(ctx context.Context, r Reader, scope source.PartitionScope) (int, error) {
	entries, err := r.Entries(ctx, scope)
	if err != nil {
		return 0, err
	}
	return len(entries), VerifyChain(entries)
}

// quoteQualified quotes a possibly schema-qualified table name. Postgres and
// DuckDB share double-quote identifier rules.
func quoteQualified(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}
