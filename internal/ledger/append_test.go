package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/withObsrvr/obsrvr-raw-loader/internal/source"
)

// scriptedTx records inserts and fails the insert numbered failAt (1-based).
type scriptedTx struct {
	heads    map[source.PartitionScope]string
	existing map[source.LoadKey]bool
	failAt   int
	calls    int
	inserted []Entry
}

func (s *scriptedTx) head(_ context.Context, scope source.PartitionScope) (string, error) {
	return s.heads[scope], nil
}

func (s *scriptedTx) insert(_ context.Context, e Entry) (bool, error) {
	s.calls++
	if s.calls == s.failAt {
		return false, errors.New("constraint violated")
	}
	if s.existing[e.Key()] {
		return false, nil
	}
	s.inserted = append(s.inserted, e)
	return true, nil
}

func TestAppendChainedStopsOnInsertError(t *testing.T) {
	tx := &scriptedTx{failAt: 2}
	entries := []Entry{testEntry("p/a.csv", 1), testEntry("p/b.csv", 1), testEntry("p/c.csv", 1)}

	if _, err := appendChained(context.Background(), tx, entries); err == nil {
		t.Fatal("expected the insert error to propagate")
	}
	if tx.calls != 2 {
		t.Errorf("insert called %d times, want 2", tx.calls)
	}
}

func TestAppendChainedLinksWithinPartition(t *testing.T) {
	scope := source.PartitionScope{Producer: 1, Table: "sales"}
	dup := testEntry("p/b.csv", 1)
	tx := &scriptedTx{
		heads:    map[source.PartitionScope]string{scope: "sha256:head"},
		existing: map[source.LoadKey]bool{dup.Key(): true},
	}
	entries := []Entry{testEntry("p/a.csv", 1), dup, testEntry("p/c.csv", 1)}

	duplicates, err := appendChained(context.Background(), tx, entries)
	if err != nil {
		t.Fatalf("appendChained: %v", err)
	}
	if len(duplicates) != 1 || duplicates[0].ObjectPath != "p/b.csv" {
		t.Errorf("duplicates = %v, want p/b.csv", duplicates)
	}
	if len(tx.inserted) != 2 {
		t.Fatalf("inserted %d entries, want 2", len(tx.inserted))
	}
	if tx.inserted[0].PrevHash != "sha256:head" {
		t.Errorf("first PrevHash = %q, want stored head", tx.inserted[0].PrevHash)
	}
	if tx.inserted[1].PrevHash != tx.inserted[0].EntryHash {
		t.Error("duplicate advanced the chain")
	}
}
