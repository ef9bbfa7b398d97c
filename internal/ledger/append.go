package ledger

import (
	"context"

	"github.com/withObsrvr/obsrvr-raw-loader/internal/source"
)

// txWriter is the per-transaction surface a SQL backend provides to appendChained.
type txWriter interface {
	// head returns the entry hash of the partition's latest entry, or "".
	head(ctx context.Context, scope source.PartitionScope) (string, error)
	// insert writes a sealed entry and reports false when its key was
	// already present.
	insert(ctx context.Context, e Entry) (bool, error)
}

// appendChained seals and inserts entries in order inside one transaction.
// Entries whose key already exists are returned as duplicates and do not
// advance their partition's chain.
func appendChained(ctx context.Context, tx txWriter, entries []Entry) ([]Entry, error) {
	heads := make(map[source.PartitionScope]string)
	var duplicates []Entry

	for _, e := range entries {
		scope := e.Scope()
		prev, ok := heads[scope]
		if !ok {
			h, err := tx.head(ctx, scope)
			if err != nil {
				return nil, err
			}
			prev = h
		}

		sealed := Seal(e, prev)
		inserted, err := tx.insert(ctx, sealed)
		if err != nil {
			return nil, err
		}
		if !inserted {
			duplicates = append(duplicates, e)
			heads[scope] = prev
			continue
		}
		heads[scope] = sealed.EntryHash
	}
	return duplicates, nil
}
