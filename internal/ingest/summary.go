package ingest

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/withObsrvr/obsrvr-raw-loader/internal/source"
)

// State is a step of the per-partition state machine.
type State string

const (
	StateListing   State = "LISTING"
	StateResolving State = "RESOLVING"
	StateLoading   State = "LOADING"
	StateRecording State = "RECORDING"
	StateDone      State = "DONE"
)

// Outcome is how a partition finished.
type Outcome string

const (
	OutcomeOK                       Outcome = "ok"
	OutcomeSourceUnavailable        Outcome = "source_unavailable"
	OutcomeLedgerUnavailable        Outcome = "ledger_unavailable"
	OutcomeLedgerWriteInconsistency Outcome = "ledger_write_inconsistency"
	// OutcomeSkipped marks a partition never started because the run was
	// interrupted.
	OutcomeSkipped Outcome = "skipped"
)

// FileFailure is one file whose load failed. The file stays pending.
type FileFailure struct {
	File source.FileIdentity
	Err  error
}

// PartitionSummary reports one partition. State is the last state reached.
type PartitionSummary struct {
	Scope   source.PartitionScope
	State   State
	Outcome Outcome
	Err     error

	Discovered    int
	AlreadyLoaded int
	Pending       int
	Loaded        int
	Failed        int
	// NotAttempted counts pending files left for the next run because the
	// run was interrupted before they started.
	NotAttempted int
	Rows         int64

	// PendingFiles is filled on dry runs.
	PendingFiles []source.FileIdentity
	Failures     []FileFailure
	// Unrecorded holds files loaded into the warehouse whose ledger append
	// failed. They will be loaded again by the next run.
	Unrecorded []source.FileIdentity

	Duration time.Duration
}

// OK reports whether the partition finished without any failure.
func (p PartitionSummary) OK() bool {
	return p.Outcome == OutcomeOK && p.Failed == 0
}

// Totals sums the per-partition counts of a run.
type Totals struct {
	Partitions    int
	Discovered    int
	AlreadyLoaded int
	Pending       int
	Loaded        int
	Failed        int
	Rows          int64
}

// RunSummary is the result of one engine run.
type RunSummary struct {
	RunID      string
	DryRun     bool
	StartedAt  time.Time
	FinishedAt time.Time
	Partitions []PartitionSummary
}

func (r RunSummary) Totals() Totals {
	t := Totals{Partitions: len(r.Partitions)}
	for _, p := range r.Partitions {
		t.Discovered += p.Discovered
		t.AlreadyLoaded += p.AlreadyLoaded
		t.Pending += p.Pending
		t.Loaded += p.Loaded
		t.Failed += p.Failed
		t.Rows += p.Rows
	}
	return t
}

// Failed reports whether any partition or file failed.
func (r RunSummary) Failed() bool {
	for _, p := range r.Partitions {
		if !p.OK() {
			return true
		}
	}
	return false
}

// Inconsistent reports whether any partition loaded files it could not ledger.
func (r RunSummary) Inconsistent() bool {
	for _, p := range r.Partitions {
		if p.Outcome == OutcomeLedgerWriteInconsistency {
			return true
		}
	}
	return false
}

// Status is "inconsistent", "failed" or "ok".
func (r RunSummary) Status() string {
	switch {
	case r.Inconsistent():
		return "inconsistent"
	case r.Failed():
		return "failed"
	default:
		return "ok"
	}
}

// Err joins the partition-level errors.
func (r RunSummary) Err() error {
	var errs []error
	for _, p := range r.Partitions {
		if p.Err != nil {
			errs = append(errs, fmt.Errorf("partition %s: %w", p.Scope, p.Err))
		}
	}
	return errors.Join(errs...)
}

// Log writes one line per partition and a run total.
func (r RunSummary) Log(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, p := range r.Partitions {
		attrs := []any{
			"run_id", r.RunID,
			"producer", p.Scope.Producer,
			"table", p.Scope.Table,
			"outcome", p.Outcome,
			"state", p.State,
			"discovered", p.Discovered,
			"already_loaded", p.AlreadyLoaded,
			"pending", p.Pending,
			"loaded", p.Loaded,
			"failed", p.Failed,
		}
		if p.Err != nil {
			attrs = append(attrs, "error", p.Err)
		}
		if p.OK() {
			logger.Info("partition summary", attrs...)
		} else {
			logger.Warn("partition summary", attrs...)
		}
	}

	t := r.Totals()
	logger.Info("run summary",
		"run_id", r.RunID,
		"status", r.Status(),
		"dry_run", r.DryRun,
		"partitions", t.Partitions,
		"discovered", t.Discovered,
		"already_loaded", t.AlreadyLoaded,
		"pending", t.Pending,
		"loaded", t.Loaded,
		"failed", t.Failed,
		"rows", t.Rows,
		"duration", r.FinishedAt.Sub(r.StartedAt),
	)
}

// WriteTable prints the per-partition counts as an aligned table.
func (r RunSummary) WriteTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PRODUCER\tTABLE\tOUTCOME\tDISCOVERED\tALREADY_LOADED\tPENDING\tLOADED\tFAILED")
	for _, p := range r.Partitions {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			p.Scope.Producer, p.Scope.Table, p.Outcome,
			p.Discovered, p.AlreadyLoaded, p.Pending, p.Loaded, p.Failed)
	}
	t := r.Totals()
	fmt.Fprintf(tw, "TOTAL\t\t%s\t%d\t%d\t%d\t%d\t%d\n",
		r.Status(), t.Discovered, t.AlreadyLoaded, t.Pending, t.Loaded, t.Failed)
	return tw.Flush()
}
