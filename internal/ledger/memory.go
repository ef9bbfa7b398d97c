package ledger

import (
	"context"
	"sync"

	"github.com/withObsrvr/obsrvr-raw-loader/internal/source"
)

// Memory is an in-process ledger. It keeps nothing across restarts and
// serves dry runs and tests.
type Memory struct {
	mu      sync.Mutex
	entries map[source.PartitionScope][]Entry
	keys    KeySet
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[source.PartitionScope][]Entry),
		keys:    make(KeySet),
	}
}

func (m *Memory) Loaded(_ context.Context, scope source.PartitionScope) (KeySet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(KeySet, len(m.entries[scope]))
	for _, e := range m.entries[scope] {
		out.Add(e.Key())
	}
	return out, nil
}

func (m *Memory) Append(_ context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		if m.keys.Has(e.Key()) {
			continue
		}
		scope := e.Scope()
		prev := ""
		if existing := m.entries[scope]; len(existing) > 0 {
			prev = existing[len(existing)-1].EntryHash
		}
		m.entries[scope] = append(m.entries[scope], Seal(e, prev))
		m.keys.Add(e.Key())
	}
	return nil
}

func (m *Memory) Entries(_ context.Context, scope source.PartitionScope) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries[scope]...), nil
}

// Len returns the total number of entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

func (m *Memory) Close() error { return nil }
