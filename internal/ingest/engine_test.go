package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/withObsrvr/obsrvr-raw-loader/internal/ledger"
	"github.com/withObsrvr/obsrvr-raw-loader/internal/metrics"
	"github.com/withObsrvr/obsrvr-raw-loader/internal/source"
	"github.com/withObsrvr/obsrvr-raw-loader/internal/warehouse"
)

// mockCatalog serves fixed listings per partition.
type mockCatalog struct {
	mu    sync.Mutex
	files map[source.PartitionScope][]source.FileIdentity
	errs  map[source.PartitionScope]error
}

func newMockCatalog() *mockCatalog {
	return &mockCatalog{
		files: make(map[source.PartitionScope][]source.FileIdentity),
		errs:  make(map[source.PartitionScope]error),
	}
}

func (m *mockCatalog) put(files ...source.FileIdentity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range files {
		scope := f.Scope()
		list := m.files[scope]
		replaced := false
		for i, existing := range list {
			if existing.ObjectPath == f.ObjectPath {
				list[i] = f
				replaced = true
			}
		}
		if !replaced {
			list = append(list, f)
		}
		m.files[scope] = list
	}
}

func (m *mockCatalog) List(_ context.Context, scope source.PartitionScope) ([]source.FileIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[scope]; err != nil {
		return nil, err
	}
	return append([]source.FileIdentity(nil), m.files[scope]...), nil
}

// mockLoader records loads and fails the paths in fail.
type mockLoader struct {
	mu       sync.Mutex
	fail     map[string]error
	attempts []string
	rows     int64
	inFlight map[source.PartitionScope]int
	overlap  bool
}

func newMockLoader() *mockLoader {
	return &mockLoader{
		fail:     make(map[string]error),
		inFlight: make(map[source.PartitionScope]int),
		rows:     10,
	}
}

func (m *mockLoader) LoadAppend(_ context.Context, schema warehouse.TableSchema, f source.FileIdentity) (warehouse.Result, error) {
	m.mu.Lock()
	m.attempts = append(m.attempts, f.ObjectPath)
	m.inFlight[f.Scope()]++
	if m.inFlight[f.Scope()] > 1 {
		m.overlap = true
	}
	err := m.fail[f.ObjectPath]
	m.mu.Unlock()

	time.Sleep(time.Millisecond)

	m.mu.Lock()
	m.inFlight[f.Scope()]--
	m.mu.Unlock()

	if schema.Name != f.Table {
		return warehouse.Result{}, errors.New("schema mismatch")
	}
	if err != nil {
		return warehouse.Result{}, err
	}
	return warehouse.Result{Rows: m.rows}, nil
}

func (m *mockLoader) attemptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attempts)
}

// flakyLedger wraps a Memory ledger with injectable failures.
type flakyLedger struct {
	*ledger.Memory
	loadedErr error
	appendErr error
	appends   int
}

func (f *flakyLedger) Loaded(ctx context.Context, scope source.PartitionScope) (ledger.KeySet, error) {
	if f.loadedErr != nil {
		return nil, f.loadedErr
	}
	return f.Memory.Loaded(ctx, scope)
}

func (f *flakyLedger) Append(ctx context.Context, entries []ledger.Entry) error {
	f.appends++
	if f.appendErr != nil {
		return f.appendErr
	}
	return f.Memory.Append(ctx, entries)
}

var salesScope = source.PartitionScope{Producer: 1, Table: "sales"}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(cat Catalog, l ledger.Ledger, loader Loader, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	return New(cat, l, loader, opts)
}

func TestScenarioIncrementalRun(t *testing.T) {
	ctx := context.Background()
	a := file("p/a.csv", 3, t1)
	b := file("p/b.csv", 1, t2)

	cat := newMockCatalog()
	cat.put(a, b)
	led := ledger.NewMemory()
	if err := led.Append(ctx, []ledger.Entry{ledger.NewEntry(a, "seed", t1)}); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	loader := newMockLoader()
	eng := newEngine(cat, led, loader, Options{})

	run := eng.Run(ctx, []source.PartitionScope{salesScope})
	p := run.Partitions[0]
	if p.Discovered != 2 || p.AlreadyLoaded != 1 || p.Pending != 1 || p.Loaded != 1 || p.Failed != 0 {
		t.Fatalf("first run counts = %+v", p)
	}
	if p.State != StateDone || p.Outcome != OutcomeOK {
		t.Errorf("state=%s outcome=%s", p.State, p.Outcome)
	}
	if len(loader.attempts) != 1 || loader.attempts[0] != "p/b.csv" {
		t.Errorf("loaded %v, want [p/b.csv]", loader.attempts)
	}

	loaded, _ := led.Loaded(ctx, salesScope)
	if !loaded.Has(a.Key()) || !loaded.Has(b.Key()) || len(loaded) != 2 {
		t.Errorf("ledger = %v, want a and b", loaded)
	}

	second := eng.Run(ctx, []source.PartitionScope{salesScope})
	if got := second.Partitions[0]; got.Pending != 0 || got.Loaded != 0 {
		t.Errorf("second run = %+v, want nothing pending", got)
	}
	if loader.attemptCount() != 1 {
		t.Errorf("second run loaded again: %v", loader.attempts)
	}
}

func TestScenarioLoadFailureLeavesFilePending(t *testing.T) {
	ctx := context.Background()
	a := file("p/a.csv", 3, t1)
	b := file("p/b.csv", 1, t2)

	cat := newMockCatalog()
	cat.put(a, b)
	led := &flakyLedger{Memory: ledger.NewMemory()}
	led.Memory.Append(ctx, []ledger.Entry{ledger.NewEntry(a, "seed", t1)})
	loader := newMockLoader()
	loader.fail["p/b.csv"] = errors.New("warehouse rejected job")
	eng := newEngine(cat, led, loader, Options{})

	run := eng.Run(ctx, []source.PartitionScope{salesScope})
	p := run.Partitions[0]
	if p.Loaded != 0 || p.Failed != 1 {
		t.Fatalf("loaded=%d failed=%d, want 0 and 1", p.Loaded, p.Failed)
	}
	if led.Len() != 1 {
		t.Errorf("ledger has %d entries, want 1", led.Len())
	}
	if led.appends != 0 {
		t.Errorf("append called %d times with nothing loaded", led.appends)
	}
	if !run.Failed() || run.Inconsistent() {
		t.Errorf("Failed=%v Inconsistent=%v", run.Failed(), run.Inconsistent())
	}

	fail := p.Failures[0]
	var lf *warehouse.LoadFailedError
	if !errors.As(fail.Err, &lf) || lf.File.ObjectPath != "p/b.csv" {
		t.Errorf("failure = %v, want LoadFailedError for p/b.csv", fail.Err)
	}
	if !errors.Is(fail.Err, warehouse.ErrLoadFailed) {
		t.Errorf("failure does not match ErrLoadFailed")
	}

	next := eng.Run(ctx, []source.PartitionScope{salesScope})
	if np := next.Partitions[0]; np.Pending != 1 || np.Failures[0].File.ObjectPath != "p/b.csv" {
		t.Errorf("next run = %+v, want p/b.csv still pending", np)
	}
}

func TestNewVersionIsPendingAgain(t *testing.T) {
	ctx := context.Background()
	cat := newMockCatalog()
	cat.put(file("p/a.csv", 1, t1))
	led := ledger.NewMemory()
	loader := newMockLoader()
	eng := newEngine(cat, led, loader, Options{})

	eng.Run(ctx, []source.PartitionScope{salesScope})
	cat.put(file("p/a.csv", 2, t2))

	run := eng.Run(ctx, []source.PartitionScope{salesScope})
	if p := run.Partitions[0]; p.Pending != 1 || p.Loaded != 1 {
		t.Fatalf("overwrite run = %+v, want one pending and loaded", p)
	}
	if led.Len() != 2 {
		t.Errorf("ledger has %d entries, want 2 versions", led.Len())
	}
}

func TestPartialFailureIsolation(t *testing.T) {
	ctx := context.Background()
	cat := newMockCatalog()
	for _, name := range []string{"p/1.csv", "p/2.csv", "p/3.csv", "p/4.csv", "p/5.csv"} {
		cat.put(file(name, 1, t1))
	}
	led := ledger.NewMemory()
	loader := newMockLoader()
	loader.fail["p/3.csv"] = errors.New("malformed row 17")
	eng := newEngine(cat, led, loader, Options{})

	run := eng.Run(ctx, []source.PartitionScope{salesScope})
	p := run.Partitions[0]
	if loader.attemptCount() != 5 {
		t.Errorf("attempted %d loads, want 5", loader.attemptCount())
	}
	if p.Loaded != 4 || p.Failed != 1 || p.Rows != 40 {
		t.Errorf("loaded=%d failed=%d rows=%d", p.Loaded, p.Failed, p.Rows)
	}
	if led.Len() != 4 {
		t.Errorf("ledger has %d entries, want 4", led.Len())
	}
	loaded, _ := led.Loaded(ctx, salesScope)
	if loaded.Has(file("p/3.csv", 1, t1).Key()) {
		t.Errorf("failed file was ledgered")
	}
	if n, err := ledger.Verify(ctx, led, salesScope); err != nil || n != 4 {
		t.Errorf("Verify = %d, %v", n, err)
	}
}

func TestPartitionIndependence(t *testing.T) {
	ctx := context.Background()
	broken := source.PartitionScope{Producer: 1, Table: "stock"}

	cat := newMockCatalog()
	cat.put(file("p/a.csv", 1, t1))
	cat.errs[broken] = errors.New("connection reset")
	led := ledger.NewMemory()
	eng := newEngine(cat, led, newMockLoader(), Options{})

	run := eng.Run(ctx, []source.PartitionScope{broken, salesScope})

	a := run.Partitions[0]
	if a.Outcome != OutcomeSourceUnavailable || a.State != StateListing {
		t.Errorf("broken partition outcome=%s state=%s", a.Outcome, a.State)
	}
	if !errors.Is(a.Err, source.ErrSourceUnavailable) {
		t.Errorf("err = %v, want ErrSourceUnavailable", a.Err)
	}
	if b := run.Partitions[1]; b.Outcome != OutcomeOK || b.Loaded != 1 {
		t.Errorf("healthy partition = %+v", b)
	}
	if !errors.Is(run.Err(), source.ErrSourceUnavailable) {
		t.Errorf("run err = %v", run.Err())
	}
}

func TestLedgerUnavailable(t *testing.T) {
	ctx := context.Background()
	cat := newMockCatalog()
	cat.put(file("p/a.csv", 1, t1))
	led := &flakyLedger{Memory: ledger.NewMemory(), loadedErr: errors.New("timeout")}
	loader := newMockLoader()
	eng := newEngine(cat, led, loader, Options{})

	p := eng.Run(ctx, []source.PartitionScope{salesScope}).Partitions[0]
	if p.Outcome != OutcomeLedgerUnavailable || !errors.Is(p.Err, ledger.ErrLedgerUnavailable) {
		t.Errorf("outcome=%s err=%v", p.Outcome, p.Err)
	}
	if loader.attemptCount() != 0 {
		t.Errorf("loaded without a ledger read")
	}
}

func TestLedgerWriteInconsistency(t *testing.T) {
	ctx := context.Background()
	cat := newMockCatalog()
	cat.put(file("p/a.csv", 1, t1), file("p/b.csv", 1, t1))
	led := &flakyLedger{Memory: ledger.NewMemory(), appendErr: errors.New("connection lost")}
	loader := newMockLoader()

	var logs bytes.Buffer
	reg := prometheus.NewRegistry()
	m := metrics.New("test", reg)
	eng := New(cat, led, loader, Options{
		Logger:  slog.New(slog.NewTextHandler(&logs, nil)),
		Metrics: m,
	})

	run := eng.Run(ctx, []source.PartitionScope{salesScope})
	p := run.Partitions[0]
	if p.Outcome != OutcomeLedgerWriteInconsistency || p.State != StateRecording {
		t.Fatalf("outcome=%s state=%s", p.Outcome, p.State)
	}
	if !errors.Is(p.Err, ErrLedgerWriteInconsistency) {
		t.Errorf("err = %v", p.Err)
	}
	if p.Loaded != 2 || len(p.Unrecorded) != 2 {
		t.Errorf("loaded=%d unrecorded=%d", p.Loaded, len(p.Unrecorded))
	}
	if !run.Inconsistent() || run.Status() != "inconsistent" {
		t.Errorf("run status = %s", run.Status())
	}
	if !strings.Contains(logs.String(), "DUPLICATION RISK") || !strings.Contains(logs.String(), "p/b.csv") {
		t.Errorf("missing duplication warning in logs:\n%s", logs.String())
	}
	if got := testutil.ToFloat64(m.LedgerInconsistencies.WithLabelValues("sales")); got != 1 {
		t.Errorf("inconsistency metric = %v", got)
	}

	// The files were never ledgered, so the next run loads them again.
	led.appendErr = nil
	next := eng.Run(ctx, []source.PartitionScope{salesScope}).Partitions[0]
	if next.Pending != 2 || next.Loaded != 2 || led.Len() != 2 {
		t.Errorf("next run = %+v, ledger=%d", next, led.Len())
	}
	if loader.attemptCount() != 4 {
		t.Errorf("attempts = %d, want 4", loader.attemptCount())
	}
}

func TestDryRunLoadsNothing(t *testing.T) {
	ctx := context.Background()
	cat := newMockCatalog()
	cat.put(file("p/b.csv", 1, t1), file("p/a.csv", 1, t1))
	led := &flakyLedger{Memory: ledger.NewMemory()}
	loader := newMockLoader()
	eng := newEngine(cat, led, loader, Options{DryRun: true})

	run := eng.Run(ctx, []source.PartitionScope{salesScope})
	p := run.Partitions[0]
	if !run.DryRun || p.Pending != 2 || p.Loaded != 0 || p.State != StateDone {
		t.Errorf("dry run = %+v", p)
	}
	if len(p.PendingFiles) != 2 || p.PendingFiles[0].ObjectPath != "p/a.csv" {
		t.Errorf("pending files = %+v", p.PendingFiles)
	}
	if loader.attemptCount() != 0 || led.appends != 0 {
		t.Errorf("dry run loaded=%d appends=%d", loader.attemptCount(), led.appends)
	}
}

func TestUnknownTableFailsEveryFile(t *testing.T) {
	ctx := context.Background()
	scope := source.PartitionScope{Producer: 1, Table: "returns"}
	f := file("p/a.csv", 1, t1)
	f.Table = "returns"

	cat := newMockCatalog()
	cat.put(f)
	loader := newMockLoader()
	eng := newEngine(cat, ledger.NewMemory(), loader, Options{})

	p := eng.Run(ctx, []source.PartitionScope{scope}).Partitions[0]
	if p.Failed != 1 || loader.attemptCount() != 0 {
		t.Errorf("failed=%d attempts=%d", p.Failed, loader.attemptCount())
	}
	if !errors.Is(p.Failures[0].Err, warehouse.ErrLoadFailed) {
		t.Errorf("err = %v", p.Failures[0].Err)
	}
}

func TestConcurrentPartitions(t *testing.T) {
	ctx := context.Background()
	cat := newMockCatalog()
	var scopes []source.PartitionScope
	for producer := int64(1); producer <= 4; producer++ {
		for _, table := range []string{"sales", "stock"} {
			scope := source.PartitionScope{Producer: producer, Table: table}
			scopes = append(scopes, scope)
			for _, name := range []string{"a.csv", "b.csv", "c.csv"} {
				f := file(scope.String()+"/"+name, 1, t1)
				f.Producer, f.Table = producer, table
				cat.put(f)
			}
		}
	}
	led := ledger.NewMemory()
	loader := newMockLoader()
	eng := newEngine(cat, led, loader, Options{MaxInFlightPartitions: 4})

	run := eng.Run(ctx, scopes)
	if run.Failed() {
		t.Fatalf("run failed: %v", run.Err())
	}
	if got := run.Totals(); got.Loaded != 24 || got.Partitions != 8 {
		t.Errorf("totals = %+v", got)
	}
	if led.Len() != 24 {
		t.Errorf("ledger = %d entries", led.Len())
	}
	if loader.overlap {
		t.Errorf("loads overlapped within a partition")
	}
	for i, p := range run.Partitions {
		if p.Scope != scopes[i] {
			t.Errorf("summary %d is for %s, want %s", i, p.Scope, scopes[i])
		}
	}
}

func TestCanceledRunSkipsPartitions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cat := newMockCatalog()
	cat.put(file("p/a.csv", 1, t1))
	loader := newMockLoader()
	eng := newEngine(cat, ledger.NewMemory(), loader, Options{})

	run := eng.Run(ctx, []source.PartitionScope{salesScope})
	if p := run.Partitions[0]; p.Outcome != OutcomeSkipped {
		t.Errorf("outcome = %s", p.Outcome)
	}
	if loader.attemptCount() != 0 {
		t.Errorf("loaded after cancel")
	}
}

func TestRunIDOnEveryEntry(t *testing.T) {
	ctx := context.Background()
	cat := newMockCatalog()
	cat.put(file("p/a.csv", 1, t1))
	led := ledger.NewMemory()
	eng := newEngine(cat, led, newMockLoader(), Options{
		NewRunID: func() string { return "run-1" },
		Now:      func() time.Time { return t2 },
	})

	run := eng.Run(ctx, []source.PartitionScope{salesScope})
	entries, _ := led.Entries(ctx, salesScope)
	if run.RunID != "run-1" || len(entries) != 1 || entries[0].RunID != "run-1" {
		t.Errorf("run id not propagated: %s %+v", run.RunID, entries)
	}
	if !entries[0].LoadedAt.Equal(t2) {
		t.Errorf("loadedAt = %v", entries[0].LoadedAt)
	}
}

func TestWriteTable(t *testing.T) {
	run := RunSummary{Partitions: []PartitionSummary{
		{Scope: salesScope, Outcome: OutcomeOK, Discovered: 2, AlreadyLoaded: 1, Pending: 1, Loaded: 1},
	}}
	var buf bytes.Buffer
	if err := run.WriteTable(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "sales") || !strings.Contains(out, "TOTAL") {
		t.Errorf("table output:\n%s", out)
	}
}
