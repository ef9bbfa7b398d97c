// Package watcher reruns the engine on a fixed interval.
package watcher

import (
	"context"
	"log/slog"
	"time"
)

// RunFunc performs one run. Runs never overlap.
type RunFunc func(ctx context.Context)

type Watcher struct {
	interval time.Duration
	run      RunFunc
	logger   *slog.Logger
}

func New(interval time.Duration, run RunFunc, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.With("component", "watcher")
	}
	return &Watcher{interval: interval, run: run, logger: logger}
}

// Run performs a run immediately and then once per interval until ctx is
// done. A run that outlasts the interval delays the next one rather than
// overlapping it.
func (w *Watcher) Run(ctx context.Context) {
	w.logger.Info("watch mode started", "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	runs := 0
	for {
		w.run(ctx)
		runs++

		select {
		case <-ctx.Done():
			w.logger.Info("watch mode stopped", "runs", runs)
			return
		case <-ticker.C:
		}
	}
}
