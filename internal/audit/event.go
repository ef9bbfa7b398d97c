// Package audit emits one tamper-evident report per run. Reports are hash
// chained per source bucket, saved as JSON files and optionally POSTed to a
// collector.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-raw-loader/internal/ingest"
)

const (
	eventVersion = "1.0"
	eventType    = "raw_ingest_run"
)

// Event is a run report.
type Event struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Source     string            `json:"source"`
	Run        RunInfo           `json:"run"`
	Partitions []PartitionReport `json:"partitions"`
	Producer   ProducerInfo      `json:"producer"`
	Chain      ChainInfo         `json:"chain"`
}

// RunInfo describes the run as a whole.
type RunInfo struct {
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	DryRun     bool      `json:"dry_run"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// PartitionReport holds one partition's counts.
type PartitionReport struct {
	Producer      int64    `json:"producer"`
	Table         string   `json:"table"`
	Outcome       string   `json:"outcome"`
	Discovered    int      `json:"discovered"`
	AlreadyLoaded int      `json:"already_loaded"`
	Pending       int      `json:"pending"`
	Loaded        int      `json:"loaded"`
	Failed        int      `json:"failed"`
	Rows          int64    `json:"rows"`
	FailedFiles   []string `json:"failed_files,omitempty"`
	Unrecorded    []string `json:"unrecorded_files,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// ProducerInfo identifies the software that ran the load.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ChainInfo links the event to the previous report of the same source.
// Sequence counts reports for the source, starting at 1.
type ChainInfo struct {
	Sequence      int64  `json:"sequence"`
	PrevRunID     string `json:"prev_run_id,omitempty"`
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// FromRun builds the report of a finished run.
func FromRun(sourceName string, run ingest.RunSummary, producer ProducerInfo) Event {
	evt := Event{
		Version:   eventVersion,
		EventType: eventType,
		Source:    sourceName,
		Run: RunInfo{
			RunID:      run.RunID,
			Status:     run.Status(),
			DryRun:     run.DryRun,
			StartedAt:  run.StartedAt,
			FinishedAt: run.FinishedAt,
		},
		Producer: producer,
	}

	for _, p := range run.Partitions {
		r := PartitionReport{
			Producer:      p.Scope.Producer,
			Table:         p.Scope.Table,
			Outcome:       string(p.Outcome),
			Discovered:    p.Discovered,
			AlreadyLoaded: p.AlreadyLoaded,
			Pending:       p.Pending,
			Loaded:        p.Loaded,
			Failed:        p.Failed,
			Rows:          p.Rows,
		}
		for _, f := range p.Failures {
			r.FailedFiles = append(r.FailedFiles, f.File.ObjectPath)
		}
		for _, f := range p.Unrecorded {
			r.Unrecorded = append(r.Unrecorded, f.ObjectPath)
		}
		if p.Err != nil {
			r.Error = p.Err.Error()
		}
		evt.Partitions = append(evt.Partitions, r)
	}
	return evt
}

// Link places the event after head and seals it. A zero head starts the
// source's chain.
func (e *Event) Link(head RunHead) {
	e.Chain = ChainInfo{
		Sequence:      head.Sequence + 1,
		PrevRunID:     head.RunID,
		PrevEventHash: head.EventHash,
	}
	e.Chain.EventHash = ComputeEventHash(e)
}

// ComputeEventHash hashes the event's JSON form with event_hash left empty.
func ComputeEventHash(evt *Event) string {
	c := *evt
	c.Chain.EventHash = ""

	canonical, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func newEventID() string {
	return "audit_evt_" + uuid.NewString()
}
