package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrHeadMoved is returned by Advance when the report was linked to a head
// that is no longer the source's latest.
var ErrHeadMoved = errors.New("run report chain head moved")

const headsFileName = "run-heads.json"

// RunHead is the latest delivered report of one source.
type RunHead struct {
	Sequence   int64     `json:"sequence"`
	RunID      string    `json:"run_id"`
	FinishedAt time.Time `json:"finished_at"`
	EventHash  string    `json:"event_hash"`
}

type headsFile struct {
	Sources map[string]RunHead `json:"sources"`
}

// HeadStore persists the RunHead of every source under the audit directory.
// It is not safe for concurrent use; ChainedEmitter serializes access.
type HeadStore struct {
	path  string
	heads map[string]RunHead
}

// OpenHeadStore reads dir/run-heads.json, starting empty when it is absent.
func OpenHeadStore(dir string) (*HeadStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	s := &HeadStore{
		path:  filepath.Join(dir, headsFileName),
		heads: make(map[string]RunHead),
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read run heads: %w", err)
	}
	var f headsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	for src, h := range f.Sources {
		s.heads[src] = h
	}
	return s, nil
}

// Head returns the latest report of source. The zero RunHead means the
// source has no reports yet.
func (s *HeadStore) Head(source string) RunHead {
	return s.heads[source]
}

// Advance makes evt the head of its source's chain. evt must have been
// linked to the current head.
func (s *HeadStore) Advance(evt *Event) error {
	cur := s.heads[evt.Source]
	if evt.Chain.PrevEventHash != cur.EventHash || evt.Chain.Sequence != cur.Sequence+1 {
		return fmt.Errorf("%w: %s report %d links to %q, head is %d %q",
			ErrHeadMoved, evt.Source, evt.Chain.Sequence, evt.Chain.PrevEventHash, cur.Sequence, cur.EventHash)
	}

	next := RunHead{
		Sequence:   evt.Chain.Sequence,
		RunID:      evt.Run.RunID,
		FinishedAt: evt.Run.FinishedAt,
		EventHash:  evt.Chain.EventHash,
	}
	s.heads[evt.Source] = next
	if err := s.flush(); err != nil {
		s.heads[evt.Source] = cur
		return err
	}
	return nil
}

func (s *HeadStore) flush() error {
	data, err := json.MarshalIndent(headsFile{Sources: s.heads}, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), headsFileName+".*")
	if err != nil {
		return fmt.Errorf("write run heads: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write run heads: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write run heads: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish run heads: %w", err)
	}
	return nil
}
