package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/withObsrvr/obsrvr-raw-loader/internal/audit"
	"github.com/withObsrvr/obsrvr-raw-loader/internal/config"
	"github.com/withObsrvr/obsrvr-raw-loader/internal/ingest"
	"github.com/withObsrvr/obsrvr-raw-loader/internal/ledger"
	"github.com/withObsrvr/obsrvr-raw-loader/internal/logging"
	"github.com/withObsrvr/obsrvr-raw-loader/internal/metrics"
	"github.com/withObsrvr/obsrvr-raw-loader/internal/source"
	"github.com/withObsrvr/obsrvr-raw-loader/internal/warehouse"
	"github.com/withObsrvr/obsrvr-raw-loader/internal/watcher"
)

// Set with -ldflags at build time.
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// Exit codes.
const (
	exitOK           = 0
	exitFailed       = 1
	exitStartup      = 2
	exitInconsistent = 3
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	dryRun := flag.Bool("dry-run", false, "list and resolve pending files without loading")
	verify := flag.Bool("verify", false, "verify the ledger hash chain of every partition and exit")
	flag.Parse()

	cfg := config.MustLoad(*configPath)
	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	log := logging.Component("main")
	log.Info("raw loader starting", "version", Version, "git_sha", GitSHA)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Info("received signal, finishing in-flight loads", "signal", sig.String())
		cancel()
	}()

	os.Exit(run(ctx, cfg, *dryRun, *verify, log))
}

func run(ctx context.Context, cfg config.Config, dryRun, verify bool, log *slog.Logger) int {
	h, err := openHandles(ctx, cfg)
	if err != nil {
		log.Error("startup failed", "error", err)
		return exitStartup
	}
	defer h.Close()

	producers := cfg.Source.Producers
	if len(producers) == 0 {
		producers, err = h.catalog.DiscoverProducers(ctx)
		if err != nil {
			log.Error("producer discovery failed", "error", err)
			return exitStartup
		}
		log.Info("discovered producers", "count", len(producers), "producers", producers)
	}
	scopes := source.Scopes(producers, cfg.Source.Tables)

	if verify {
		return verifyLedger(ctx, h.ledger, scopes, log)
	}

	if cfg.Warehouse.CreateTables {
		if err := provisionTables(ctx, h.loader, cfg.Source.Tables); err != nil {
			log.Error("table provisioning failed", "error", err)
			return exitStartup
		}
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.Init("raw_loader")
		go func() {
			log.Info("metrics server listening", "address", cfg.Metrics.Address)
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	emitter, err := audit.NewEmitter(audit.Config{
		Enabled:  cfg.Audit.Enabled,
		Dir:      cfg.Audit.Dir,
		Endpoint: cfg.Audit.Endpoint,
	}, logging.Component("audit"))
	if err != nil {
		log.Error("audit setup failed", "error", err)
		return exitStartup
	}
	defer emitter.Close()

	eng := ingest.New(h.catalog, h.ledger, h.loader, ingest.Options{
		MaxInFlightPartitions: cfg.Perf.MaxInFlightPartitions,
		DryRun:                dryRun,
		Logger:                logging.Component("ingest"),
		Metrics:               m,
	})

	once := func(ctx context.Context) ingest.RunSummary {
		sum := eng.Run(ctx, scopes)
		sum.Log(log)
		if !sum.DryRun {
			evt := audit.FromRun(h.catalog.Bucket(), sum, audit.ProducerInfo{Name: "raw-loader", Version: Version})
			if err := emitter.Emit(context.WithoutCancel(ctx), &evt); err != nil {
				m.IncAuditErrors()
				log.Warn("audit emit failed", "run_id", sum.RunID, "error", err)
			}
		}
		return sum
	}

	if cfg.Watch.Interval > 0 && !dryRun {
		worst := exitOK
		watcher.New(cfg.Watch.Interval, func(ctx context.Context) {
			worst = max(worst, exitCode(once(ctx)))
		}, logging.Component("watcher")).Run(ctx)
		return worst
	}

	sum := once(ctx)
	if err := sum.WriteTable(os.Stdout); err != nil {
		log.Warn("write summary", "error", err)
	}
	if dryRun {
		printPending(sum)
	}
	return exitCode(sum)
}

func exitCode(sum ingest.RunSummary) int {
	switch {
	case sum.Inconsistent():
		return exitInconsistent
	case sum.Failed():
		return exitFailed
	default:
		return exitOK
	}
}

func provisionTables(ctx context.Context, loader warehouse.Loader, tables []string) error {
	p, ok := loader.(warehouse.Provisioner)
	if !ok {
		return nil
	}
	schemas := make([]warehouse.TableSchema, 0, len(tables))
	for _, t := range tables {
		s, err := warehouse.Lookup(t)
		if err != nil {
			return err
		}
		schemas = append(schemas, s)
	}
	return p.EnsureTables(ctx, schemas)
}

func verifyLedger(ctx context.Context, r ledger.Reader, scopes []source.PartitionScope, log *slog.Logger) int {
	code := exitOK
	for _, scope := range scopes {
		n, err := ledger.Verify(ctx, r, scope)
		switch {
		case errors.Is(err, ledger.ErrChainBroken):
			log.Error("ledger chain broken", "partition", scope.String(), "entries", n, "error", err)
			code = exitInconsistent
		case err != nil:
			log.Error("ledger verification failed", "partition", scope.String(), "error", err)
			code = max(code, exitFailed)
		default:
			log.Info("ledger chain verified", "partition", scope.String(), "entries", n)
		}
	}
	return code
}

func printPending(sum ingest.RunSummary) {
	for _, p := range sum.Partitions {
		for _, f := range p.PendingFiles {
			fmt.Printf("pending %s gen=%d modified=%s\n",
				f.ObjectPath, f.Generation, f.LastModified.Format(time.RFC3339))
		}
	}
}
