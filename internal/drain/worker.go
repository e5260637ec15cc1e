// Package drain empties the notification queue into the blob index table.
//
// A Worker repeatedly checks the queue, receives batches, and runs each
// message through decode, resolve, download and upsert before deleting it.
// Messages are deleted exactly once per receive whether or not their
// pipeline succeeded, so a poison message cannot wedge the queue. Between
// drain cycles the worker sleeps for the configured poll interval.
package drain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
	"pkt.systems/queuedrain/internal/clock"
	"pkt.systems/queuedrain/internal/notification"
	"pkt.systems/queuedrain/internal/storage"
	"pkt.systems/queuedrain/internal/svcfields"
)

// Defaults applied by New when Config leaves a field zero.
const (
	DefaultPollInterval      = 10 * time.Second
	DefaultBatchSize         = 10
	DefaultVisibilityTimeout = 5 * time.Second
	DefaultMaxBlobBytes      = 1 << 20
	// MaxBatchSize is the service limit for one receive call.
	MaxBatchSize = storage.MaxMessagesPerCall
)

// QueueSource is the part of storage.Queue the worker consumes.
type QueueSource interface {
	Exists(ctx context.Context) (bool, error)
	ApproximateCount(ctx context.Context) (int64, error)
	Receive(ctx context.Context, max int, visibility time.Duration) ([]storage.Message, error)
	Delete(ctx context.Context, id, popReceipt string) error
}

// BlobSource is the part of storage.Blobs the worker consumes.
type BlobSource interface {
	Resolve(rawURL string) (storage.BlobHandle, error)
	Download(ctx context.Context, h storage.BlobHandle, maxBytes int64) (storage.BlobSnapshot, error)
}

// RowSink is the part of storage.Table the worker consumes.
type RowSink interface {
	EnsureTable(ctx context.Context) error
	Upsert(ctx context.Context, row storage.Row, mode storage.UpdateMode) error
}

// Config tunes a Worker.
type Config struct {
	PollInterval      time.Duration
	BatchSize         int
	VisibilityTimeout time.Duration
	// MaxBlobBytes caps downloads; larger blobs fail the download stage.
	// Negative disables the cap.
	MaxBlobBytes int64
	Encoding     notification.Encoding
}

func (c *Config) applyDefaults() error {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchSize > MaxBatchSize {
		return fmt.Errorf("drain: batch size %d exceeds %d", c.BatchSize, MaxBatchSize)
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if c.VisibilityTimeout < time.Second {
		return fmt.Errorf("drain: visibility timeout %s below 1s", c.VisibilityTimeout)
	}
	// The queue service takes whole seconds.
	if c.VisibilityTimeout%time.Second != 0 {
		return fmt.Errorf("drain: visibility timeout %s is not whole seconds", c.VisibilityTimeout)
	}
	if c.MaxBlobBytes == 0 {
		c.MaxBlobBytes = DefaultMaxBlobBytes
	}
	if c.Encoding == "" {
		c.Encoding = notification.EncodingBase64
	}
	return nil
}

// Option customises a Worker.
type Option func(*Worker)

// WithLogger sets the base logger. Entries are tagged sys=drain.worker.
func WithLogger(logger pslog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithClock sets the clock driving the idle sleep and the partition date.
func WithClock(clk clock.Clock) Option {
	return func(w *Worker) {
		if clk != nil {
			w.clock = clk
		}
	}
}

// WithTracer overrides the tracer used for per-message spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(w *Worker) {
		if tracer != nil {
			w.tracer = tracer
		}
	}
}

// Worker drains the queue. It is safe to call Drain from one goroutine at a time.
type Worker struct {
	cfg     Config
	queue   QueueSource
	blobs   BlobSource
	rows    RowSink
	logger  pslog.Logger
	clock   clock.Clock
	tracer  trace.Tracer
	metrics *workerMetrics

	tableReady bool
}

// New builds a Worker over the three storage services.
func New(cfg Config, queue QueueSource, blobs BlobSource, rows RowSink, opts ...Option) (*Worker, error) {
	if queue == nil || blobs == nil || rows == nil {
		return nil, errors.New("drain: queue, blobs and rows are required")
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	w := &Worker{
		cfg:    cfg,
		queue:  queue,
		blobs:  blobs,
		rows:   rows,
		logger: pslog.NoopLogger(),
		clock:  clock.Real{},
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.tracer == nil {
		w.tracer = otel.Tracer("pkt.systems/queuedrain/drain")
	}
	w.logger = svcfields.WithSubsystem(w.logger, "drain.worker")
	w.metrics = newWorkerMetrics(w.logger)
	return w, nil
}

// Config returns the effective configuration after defaults.
func (w *Worker) Config() Config { return w.cfg }

// Run loops drain cycles until ctx is cancelled. Cycle failures are logged
// and never end the loop. Run returns nil on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("drain.worker.start",
		"poll_interval", w.cfg.PollInterval,
		"batch_size", w.cfg.BatchSize,
		"visibility_timeout", w.cfg.VisibilityTimeout,
		"encoding", string(w.cfg.Encoding),
	)
	for {
		if ctx.Err() != nil {
			w.logger.Info("drain.worker.stop")
			return nil
		}
		w.cycle(ctx)
		select {
		case <-ctx.Done():
			w.logger.Info("drain.worker.stop")
			return nil
		case <-w.clock.After(w.cfg.PollInterval):
		}
	}
}

func (w *Worker) cycle(ctx context.Context) {
	cycleID := xid.New().String()
	logger := w.logger.With(svcfields.CycleIDKey, cycleID)
	w.metrics.cycles.Add(ctx, 1)
	if !w.tableReady {
		if err := w.rows.EnsureTable(ctx); err != nil {
			if ctx.Err() == nil {
				logger.Error("drain.cycle.failed", "stage", "ensure_table", "error", err)
			}
			return
		}
		w.tableReady = true
	}
	logger.Trace("drain.cycle.begin")
	stats, err := w.Drain(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Error("drain.cycle.failed", "error", err, "processed", stats.Processed, "failed", stats.Failed)
		return
	}
	if stats.Received > 0 {
		logger.Info("drain.cycle.complete",
			"batches", stats.Batches,
			"received", stats.Received,
			"processed", stats.Processed,
			"failed", stats.Failed,
			"delete_failures", stats.DeleteFailures,
		)
	} else {
		logger.Trace("drain.cycle.idle")
	}
}

// CycleStats summarises one Drain call.
type CycleStats struct {
	Batches        int
	Received       int
	Processed      int
	Failed         int
	DeleteFailures int
}

func (s *CycleStats) add(results []Result) {
	s.Batches++
	s.Received += len(results)
	for _, res := range results {
		if res.Err != nil {
			s.Failed++
		} else {
			s.Processed++
		}
		if res.DeleteErr != nil {
			s.DeleteFailures++
		}
	}
}

// Drain receives and processes batches until the queue reports no messages,
// the queue does not exist, a receive comes back empty, or ctx is cancelled.
// Queue check and receive errors end the cycle and are returned.
func (w *Worker) Drain(ctx context.Context) (CycleStats, error) {
	var stats CycleStats
	for ctx.Err() == nil {
		has, err := w.hasMessages(ctx)
		if err != nil {
			return stats, fmt.Errorf("drain: check queue: %w", err)
		}
		if !has {
			return stats, nil
		}
		msgs, err := w.queue.Receive(ctx, w.cfg.BatchSize, w.cfg.VisibilityTimeout)
		if err != nil {
			return stats, fmt.Errorf("drain: receive: %w", err)
		}
		if len(msgs) == 0 {
			// The approximate count includes messages hidden by an
			// earlier receive; wait for the next cycle instead of spinning.
			return stats, nil
		}
		w.metrics.received.Add(ctx, int64(len(msgs)))
		stats.add(w.ProcessBatch(ctx, msgs))
	}
	return stats, nil
}

func (w *Worker) hasMessages(ctx context.Context) (bool, error) {
	exists, err := w.queue.Exists(ctx)
	if err != nil {
		return false, err
	}
	if !exists {
		w.logger.Debug("drain.queue.missing")
		return false, nil
	}
	count, err := w.queue.ApproximateCount(ctx)
	if errors.Is(err, storage.ErrQueueNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	w.metrics.observeBacklog(count)
	return count > 0, nil
}
