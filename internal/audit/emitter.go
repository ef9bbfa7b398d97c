package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Config controls run report emission.
type Config struct {
	Enabled  bool
	Dir      string
	Endpoint string // optional collector URL
	RetryMax int
	// RetryWaitMin is the first backoff between POST attempts.
	RetryWaitMin time.Duration
}

// Emitter publishes run reports.
type Emitter interface {
	Emit(ctx context.Context, evt *Event) error
	Close() error
}

// NewEmitter returns a no-op emitter when cfg is disabled, otherwise an
// emitter that always writes a file and also POSTs when an endpoint is set.
func NewEmitter(cfg Config, logger *slog.Logger) (Emitter, error) {
	if logger == nil {
		logger = slog.With("component", "audit")
	}
	if !cfg.Enabled {
		logger.Debug("audit disabled, using no-op emitter")
		return noopEmitter{}, nil
	}
	if cfg.Dir == "" {
		cfg.Dir = "./audit"
	}

	heads, err := OpenHeadStore(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("open run heads: %w", err)
	}
	backup, err := NewFileBackup(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}

	e := &ChainedEmitter{
		heads:    heads,
		backup:   backup,
		endpoint: cfg.Endpoint,
		logger:   logger,
		now:      time.Now,
	}
	if cfg.Endpoint != "" {
		e.client = newRetryClient(cfg, logger)
		logger.Info("audit emitter ready", "dir", cfg.Dir, "endpoint", cfg.Endpoint)
	} else {
		logger.Info("audit emitter ready", "dir", cfg.Dir)
	}
	return e, nil
}

func newRetryClient(cfg Config, logger *slog.Logger) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.Logger = logger
	client.HTTPClient.Timeout = 30 * time.Second
	if cfg.RetryMax > 0 {
		client.RetryMax = cfg.RetryMax
	} else {
		client.RetryMax = 3
	}
	if cfg.RetryWaitMin > 0 {
		client.RetryWaitMin = cfg.RetryWaitMin
		client.RetryWaitMax = 8 * cfg.RetryWaitMin
	}
	return client
}

// ChainedEmitter links every report to the previous report of its source,
// saves it under the audit directory and, when configured, POSTs it. The
// source's head only moves after the report was delivered everywhere it had
// to go.
type ChainedEmitter struct {
	mu       sync.Mutex
	heads    *HeadStore
	backup   *FileBackup
	client   *retryablehttp.Client
	endpoint string
	logger   *slog.Logger
	now      func() time.Time
}

func (e *ChainedEmitter) Emit(ctx context.Context, evt *Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	head := e.heads.Head(evt.Source)

	evt.EventID = newEventID()
	evt.Timestamp = e.now().UTC()
	evt.Version = eventVersion
	evt.EventType = eventType
	evt.Link(head)

	log := e.logger.With("run_id", evt.Run.RunID, "source", evt.Source, "sequence", evt.Chain.Sequence)
	if head.Sequence == 0 {
		log.Debug("first report for source")
	} else {
		log.Debug("linking report", "prev_run_id", head.RunID)
	}

	path, err := e.backup.Save(evt)
	if err != nil {
		if e.client == nil {
			return err
		}
		log.Warn("audit backup failed", "error", err)
	} else {
		log.Info("audit event saved", "path", path, "event_hash", evt.Chain.EventHash)
	}

	if e.client != nil {
		if err := e.post(ctx, evt); err != nil {
			return fmt.Errorf("audit emit failed: %w", err)
		}
	}

	if err := e.heads.Advance(evt); err != nil {
		log.Warn("failed to advance run head", "error", err)
	}
	return nil
}

func (e *ChainedEmitter) post(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		e.logger.Debug("audit event posted", "endpoint", e.endpoint, "status", resp.StatusCode)
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
}

func (e *ChainedEmitter) Close() error {
	if e.client != nil {
		e.client.HTTPClient.CloseIdleConnections()
	}
	return nil
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *Event) error { return nil }
func (noopEmitter) Close() error                       { return nil }
