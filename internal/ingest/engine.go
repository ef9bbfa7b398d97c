// Package ingest drives incremental ingestion: for every (producer, table)
// partition it lists the catalog, subtracts the ledgered load keys, loads what
// is pending one file at a time and records the successes in a single ledger
// append.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-raw-loader/internal/ledger"
	"github.com/withObsrvr/obsrvr-raw-loader/internal/logging"
	"github.com/withObsrvr/obsrvr-raw-loader/internal/metrics"
	"github.com/withObsrvr/obsrvr-raw-loader/internal/source"
	"github.com/withObsrvr/obsrvr-raw-loader/internal/warehouse"
)

// ErrLedgerWriteInconsistency means files were loaded into the warehouse but
// the ledger append recording them failed. The next run reloads them.
var ErrLedgerWriteInconsistency = errors.New("ledger write inconsistency")

// Catalog lists the candidate files of one partition.
type Catalog interface {
	List(ctx context.Context, scope source.PartitionScope) ([]source.FileIdentity, error)
}

// Loader appends one file into its destination table.
type Loader interface {
	LoadAppend(ctx context.Context, schema warehouse.TableSchema, file source.FileIdentity) (warehouse.Result, error)
}

// Options tune an Engine. The zero value runs partitions one at a time.
type Options struct {
	MaxInFlightPartitions int
	// DryRun stops every partition after RESOLVING.
	DryRun  bool
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
	// NewRunID defaults to logging.GenerateRunID.
	NewRunID func() string
}

// Engine is the ingestion orchestrator. Its collaborators are built once by
// the caller and shared by every partition and every run.
type Engine struct {
	catalog Catalog
	ledger  ledger.Ledger
	loader  Loader

	maxInFlight int
	dryRun      bool
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	newRunID    func() string
}

func New(catalog Catalog, l ledger.Ledger, loader Loader, opts Options) *Engine {
	e := &Engine{
		catalog:     catalog,
		ledger:      l,
		loader:      loader,
		maxInFlight: opts.MaxInFlightPartitions,
		dryRun:      opts.DryRun,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
		newRunID:    opts.NewRunID,
	}
	if e.maxInFlight < 1 {
		e.maxInFlight = 1
	}
	if e.logger == nil {
		e.logger = logging.Component("ingest")
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newRunID == nil {
		e.newRunID = logging.GenerateRunID
	}
	return e
}

// Run processes every scope and returns the run summary. A failing partition
// never stops the others. Partitions not yet started when ctx is done are
// reported as skipped; a partition already loading finishes its current file
// and records what it loaded.
func (e *Engine) Run(ctx context.Context, scopes []source.PartitionScope) RunSummary {
	run := RunSummary{
		RunID:      e.newRunID(),
		DryRun:     e.dryRun,
		StartedAt:  e.now().UTC(),
		Partitions: make([]PartitionSummary, len(scopes)),
	}

	e.logger.Info("run started",
		"run_id", run.RunID,
		"partitions", len(scopes),
		"max_in_flight", e.maxInFlight,
		"dry_run", e.dryRun,
	)

	var g errgroup.Group
	g.SetLimit(e.maxInFlight)
	for i, scope := range scopes {
		g.Go(func() error {
			if ctx.Err() != nil {
				run.Partitions[i] = PartitionSummary{Scope: scope, State: StateListing, Outcome: OutcomeSkipped}
				return nil
			}
			e.metrics.AddInFlightPartitions(1)
			defer e.metrics.AddInFlightPartitions(-1)
			run.Partitions[i] = e.RunPartition(ctx, run.RunID, scope)
			return nil
		})
	}
	g.Wait()

	run.FinishedAt = e.now().UTC()
	e.metrics.RecordRun(run.Status(), float64(run.FinishedAt.Unix()))
	return run
}

// RunPartition takes one partition through LISTING, RESOLVING, LOADING,
// RECORDING and DONE.
func (e *Engine) RunPartition(ctx context.Context, runID string, scope source.PartitionScope) (sum PartitionSummary) {
	started := e.now()
	log := logging.PartitionLogger(e.logger, runID, scope.Producer, scope.Table)
	sum = PartitionSummary{Scope: scope, State: StateListing, Outcome: OutcomeOK}

	defer func() {
		sum.Duration = e.now().Sub(started)
		e.metrics.RecordPartition(scope.Table, string(sum.Outcome), metrics.FileCounts{
			Discovered:    sum.Discovered,
			AlreadyLoaded: sum.AlreadyLoaded,
			Pending:       sum.Pending,
			Loaded:        sum.Loaded,
			Failed:        sum.Failed,
		}, sum.Duration.Seconds())
	}()

	// LISTING
	files, loaded, outcome, err := e.list(ctx, scope)
	if err != nil {
		sum.Outcome = outcome
		sum.Err = err
		log.Error("partition listing failed", "outcome", outcome, "error", err)
		return sum
	}
	sum.Discovered = len(files)

	// RESOLVING
	sum.State = StateResolving
	pending := Resolve(files, loaded)
	sum.Pending = len(pending)
	sum.AlreadyLoaded = sum.Discovered - sum.Pending
	log.Debug("resolved pending set",
		"discovered", sum.Discovered,
		"already_loaded", sum.AlreadyLoaded,
		"pending", sum.Pending,
	)

	if len(pending) == 0 {
		sum.State = StateDone
		return sum
	}
	sortForLoading(pending)
	if e.dryRun {
		sum.PendingFiles = pending
		sum.State = StateDone
		return sum
	}

	// LOADING(i)
	sum.State = StateLoading
	// A started load always runs to completion, and whatever loaded is
	// always recorded, even once ctx is done.
	workCtx := context.WithoutCancel(ctx)
	schema, schemaErr := warehouse.Lookup(scope.Table)
	results := make([]fileResult, 0, len(pending))
	for i, f := range pending {
		if ctx.Err() != nil {
			sum.NotAttempted = len(pending) - i
			log.Warn("run interrupted, leaving files pending", "not_attempted", sum.NotAttempted)
			break
		}
		if schemaErr != nil {
			results = append(results, fileResult{file: f, err: &warehouse.LoadFailedError{File: f, Cause: schemaErr}})
			continue
		}
		results = append(results, e.load(workCtx, log, schema, f))
	}

	succeeded, failures, rows := fold(results)
	sum.Loaded = len(succeeded)
	sum.Failed = len(failures)
	sum.Failures = failures
	sum.Rows = rows

	// RECORDING
	sum.State = StateRecording
	if err := e.record(workCtx, runID, succeeded); err != nil {
		sum.Outcome = OutcomeLedgerWriteInconsistency
		sum.Unrecorded = succeeded
		sum.Err = fmt.Errorf("%w: %d loaded files not ledgered: %w", ErrLedgerWriteInconsistency, len(succeeded), err)
		e.metrics.IncLedgerInconsistency(scope.Table)

		paths := make([]string, len(succeeded))
		for i, f := range succeeded {
			paths[i] = f.ObjectPath
		}
		log.Error("DUPLICATION RISK: files loaded into the warehouse but not recorded in the ledger; the next run will load them again",
			"unrecorded", len(succeeded),
			"object_paths", paths,
			"error", err,
		)
		return sum
	}

	// DONE
	sum.State = StateDone
	log.Info("partition done",
		"discovered", sum.Discovered,
		"already_loaded", sum.AlreadyLoaded,
		"pending", sum.Pending,
		"loaded", sum.Loaded,
		"failed", sum.Failed,
		"rows", sum.Rows,
	)
	return sum
}

// list reads the catalog and the ledger for scope concurrently.
func (e *Engine) list(ctx context.Context, scope source.PartitionScope) ([]source.FileIdentity, ledger.KeySet, Outcome, error) {
	var (
		files            []source.FileIdentity
		loaded           ledger.KeySet
		listErr, readErr error
		g                errgroup.Group
	)
	g.Go(func() error {
		files, listErr = e.catalog.List(ctx, scope)
		return nil
	})
	g.Go(func() error {
		loaded, readErr = e.ledger.Loaded(ctx, scope)
		return nil
	})
	g.Wait()

	if listErr != nil {
		if !errors.Is(listErr, source.ErrSourceUnavailable) {
			listErr = fmt.Errorf("%w: %w", source.ErrSourceUnavailable, listErr)
		}
		return nil, nil, OutcomeSourceUnavailable, listErr
	}
	if readErr != nil {
		if !errors.Is(readErr, ledger.ErrLedgerUnavailable) {
			readErr = fmt.Errorf("%w: %w", ledger.ErrLedgerUnavailable, readErr)
		}
		return nil, nil, OutcomeLedgerUnavailable, readErr
	}
	return files, loaded, OutcomeOK, nil
}

// fileResult is the outcome of one load: err is nil for Loaded.
type fileResult struct {
	file source.FileIdentity
	rows int64
	err  error
}

func (e *Engine) load(ctx context.Context, log *slog.Logger, schema warehouse.TableSchema, f source.FileIdentity) fileResult {
	flog := logging.FileLogger(log, f.ObjectPath, f.Generation)
	started := e.now()

	res, err := e.loader.LoadAppend(ctx, schema, f)
	if err != nil {
		if !errors.Is(err, warehouse.ErrLoadFailed) {
			err = &warehouse.LoadFailedError{File: f, Cause: err}
		}
		flog.Warn("load failed, file stays pending", "error", err)
		return fileResult{file: f, err: err}
	}

	elapsed := e.now().Sub(started)
	e.metrics.ObserveLoad(f.Table, res.Rows, elapsed.Seconds())
	flog.Debug("file loaded", "rows", res.Rows, "bytes", res.Bytes, "duration", elapsed)
	return fileResult{file: f, rows: res.Rows}
}

// fold splits per-file results into loaded files and failures.
func fold(results []fileResult) (succeeded []source.FileIdentity, failures []FileFailure, rows int64) {
	for _, r := range results {
		if r.err != nil {
			failures = append(failures, FileFailure{File: r.file, Err: r.err})
			continue
		}
		succeeded = append(succeeded, r.file)
		rows += r.rows
	}
	return succeeded, failures, rows
}

// record appends one ledger entry per loaded file in a single call.
func (e *Engine) record(ctx context.Context, runID string, files []source.FileIdentity) error {
	if len(files) == 0 {
		return nil
	}
	loadedAt := e.now()
	entries := make([]ledger.Entry, len(files))
	for i, f := range files {
		entries[i] = ledger.NewEntry(f, runID, loadedAt)
	}
	return e.ledger.Append(ctx, entries)
}
