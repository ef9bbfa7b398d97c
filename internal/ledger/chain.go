package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// hashedEntry is the canonical form hashed for an entry. Field order is
// fixed by declaration order; timestamps are unix microseconds.
type hashedEntry struct {
	Bucket       string `json:"bucket"`
	ObjectPath   string `json:"object_path"`
	Generation   int64  `json:"generation"`
	Checksum     string `json:"checksum"`
	LastModified int64  `json:"last_modified_us"`
	Table        string `json:"table"`
	Producer     int64  `json:"producer"`
	LoadedAt     int64  `json:"loaded_at_us"`
	RunID        string `json:"run_id"`
	PrevHash     string `json:"prev_hash"`
}

// ComputeEntryHash returns "sha256:<hex>" over the canonical JSON of e,
// including its PrevHash and excluding its EntryHash.
func ComputeEntryHash(e Entry) string {
	canonical, err := json.Marshal(hashedEntry{
		Bucket:       e.Bucket,
		ObjectPath:   e.ObjectPath,
		Generation:   e.Generation,
		Checksum:     e.Checksum,
		LastModified: e.LastModified.UnixMicro(),
		Table:        e.Table,
		Producer:     e.Producer,
		LoadedAt:     e.LoadedAt.UnixMicro(),
		RunID:        e.RunID,
		PrevHash:     e.PrevHash,
	})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Seal links e to prev and fills its EntryHash.
func Seal(e Entry, prev string) Entry {
	e.PrevHash = prev
	e.EntryHash = ComputeEntryHash(e)
	return e
}

// VerifyChain checks entries given in append order for one partition.
func VerifyChain(entries []Entry) error {
	prev := ""
	for i, e := range entries {
		if e.PrevHash != prev {
			return fmt.Errorf("%w: entry %d (%s) links to %q, want %q",
				ErrChainBroken, i, e.ObjectPath, e.PrevHash, prev)
		}
		if want := ComputeEntryHash(e); e.EntryHash != want {
			return fmt.Errorf("%w: entry %d (%s) hash %q, recomputed %q",
				ErrChainBroken, i, e.ObjectPath, e.EntryHash, want)
		}
		prev = e.EntryHash
	}
	return nil
}
