// Package metrics provides Prometheus metrics for the raw loader.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the raw loader. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// File metrics
	FilesDiscovered    *prometheus.CounterVec
	FilesAlreadyLoaded *prometheus.CounterVec
	FilesPending       *prometheus.CounterVec
	FilesLoaded        *prometheus.CounterVec
	FilesFailed        *prometheus.CounterVec
	RowsLoaded         *prometheus.CounterVec

	// Partition metrics
	PartitionsProcessed   *prometheus.CounterVec
	LedgerInconsistencies *prometheus.CounterVec
	InFlightPartitions    prometheus.Gauge

	// Timing metrics
	LoadDuration      *prometheus.HistogramVec
	PartitionDuration *prometheus.HistogramVec

	// Run metrics
	Runs             *prometheus.CounterVec
	LastRunTimestamp prometheus.Gauge
	AuditErrors      prometheus.Counter
}

// Init registers metrics with the default Prometheus registry.
// Call this once at startup.
func Init(namespace string) *Metrics {
	return New(namespace, prometheus.DefaultRegisterer)
}

// New registers metrics with reg. Tests pass a fresh prometheus.NewRegistry().
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "raw_loader"
	}
	f := promauto.With(reg)

	return &Metrics{
		FilesDiscovered: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_discovered_total",
				Help:      "Candidate files listed in the catalog",
			},
			[]string{"table"},
		),
		FilesAlreadyLoaded: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_already_loaded_total",
				Help:      "Listed files whose load key was already ledgered",
			},
			[]string{"table"},
		),
		FilesPending: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_pending_total",
				Help:      "Files resolved as pending",
			},
			[]string{"table"},
		),
		FilesLoaded: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_loaded_total",
				Help:      "Files loaded into the warehouse",
			},
			[]string{"table"},
		),
		FilesFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_failed_total",
				Help:      "Files whose load failed; they stay pending",
			},
			[]string{"table"},
		),
		RowsLoaded: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_loaded_total",
				Help:      "Rows appended to destination tables",
			},
			[]string{"table"},
		),
		PartitionsProcessed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partitions_processed_total",
				Help:      "Partitions processed, by outcome",
			},
			[]string{"table", "outcome"},
		),
		LedgerInconsistencies: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_write_inconsistencies_total",
				Help:      "Partitions whose loaded files could not be ledgered (duplication risk)",
			},
			[]string{"table"},
		),
		InFlightPartitions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_partitions",
				Help:      "Number of partitions currently being processed",
			},
		),
		LoadDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "load_duration_seconds",
				Help:      "Time to load one file",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
			},
			[]string{"table"},
		),
		PartitionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "partition_duration_seconds",
				Help:      "Time to process one partition end to end",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
			},
			[]string{"table"},
		),
		Runs: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Engine runs, by status",
			},
			[]string{"status"},
		),
		LastRunTimestamp: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last run finished",
			},
		),
		AuditErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_errors_total",
				Help:      "Run reports that could not be emitted",
			},
		),
	}
}

// Handler serves the metrics in g.
func Handler(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// StartServer serves the default registry for Prometheus scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	return http.ListenAndServe(address, Handler(prometheus.DefaultGatherer))
}

// FileCounts is one partition's per-stage file counts.
type FileCounts struct {
	Discovered    int
	AlreadyLoaded int
	Pending       int
	Loaded        int
	Failed        int
}

// RecordPartition records a finished partition.
func (m *Metrics) RecordPartition(table, outcome string, c FileCounts, seconds float64) {
	if m == nil {
		return
	}
	m.FilesDiscovered.WithLabelValues(table).Add(float64(c.Discovered))
	m.FilesAlreadyLoaded.WithLabelValues(table).Add(float64(c.AlreadyLoaded))
	m.FilesPending.WithLabelValues(table).Add(float64(c.Pending))
	m.FilesLoaded.WithLabelValues(table).Add(float64(c.Loaded))
	m.FilesFailed.WithLabelValues(table).Add(float64(c.Failed))
	m.PartitionsProcessed.WithLabelValues(table, outcome).Inc()
	m.PartitionDuration.WithLabelValues(table).Observe(seconds)
}

// ObserveLoad records one file load.
func (m *Metrics) ObserveLoad(table string, rows int64, seconds float64) {
	if m == nil {
		return
	}
	m.RowsLoaded.WithLabelValues(table).Add(float64(rows))
	m.LoadDuration.WithLabelValues(table).Observe(seconds)
}

// IncLedgerInconsistency records a partition whose ledger append failed
// after loads succeeded.
func (m *Metrics) IncLedgerInconsistency(table string) {
	if m == nil {
		return
	}
	m.LedgerInconsistencies.WithLabelValues(table).Inc()
}

// AddInFlightPartitions adjusts the in-flight partition gauge.
func (m *Metrics) AddInFlightPartitions(delta float64) {
	if m == nil {
		return
	}
	m.InFlightPartitions.Add(delta)
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(status string, finishedUnix float64) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(status).Inc()
	m.LastRunTimestamp.Set(finishedUnix)
}

// IncAuditErrors increments the audit error counter.
func (m *Metrics) IncAuditErrors() {
	if m == nil {
		return
	}
	m.AuditErrors.Inc()
}
