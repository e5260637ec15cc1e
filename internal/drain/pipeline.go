package drain

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"pkt.systems/queuedrain/internal/notification"
	"pkt.systems/queuedrain/internal/storage"
	"pkt.systems/queuedrain/internal/svcfields"
)

// Stage names the pipeline step a message reached.
type Stage string

const (
	StageDecode   Stage = "decode"
	StageResolve  Stage = "resolve"
	StageDownload Stage = "download"
	StageUpsert   Stage = "upsert"
	StageDone     Stage = "done"
)

// Result is the outcome of one message. Err is the pipeline failure at
// Stage; DeleteErr is reported separately because deletion runs regardless.
type Result struct {
	MessageID    string
	Body         string
	DequeueCount int64
	Stage        Stage
	Row          *storage.Row
	Err          error
	DeleteErr    error
}

// StageError wraps a pipeline failure with the stage it occurred in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("drain: %s: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// ProcessBatch runs every message concurrently and returns once all of them
// have been processed and deleted. Results keep the order of msgs.
//
// Pipelines are detached from ctx cancellation so a shutdown never abandons
// a message between upsert and delete.
func (w *Worker) ProcessBatch(ctx context.Context, msgs []storage.Message) []Result {
	results := make([]Result, len(msgs))
	pctx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(w.cfg.BatchSize)
	for i := range msgs {
		g.Go(func() error {
			results[i] = w.process(pctx, msgs[i])
			return nil
		})
	}
	_ = g.Wait()
	for _, res := range results {
		w.logResult(res)
	}
	return results
}

func (w *Worker) process(ctx context.Context, msg storage.Message) Result {
	start := w.clock.Now()
	ctx, span := w.tracer.Start(ctx, "drain.process", trace.WithAttributes(
		attribute.String("queuedrain.message_id", msg.ID),
		attribute.Int64("queuedrain.dequeue_count", msg.DequeueCount),
	))
	defer span.End()

	w.logger.Debug("drain.message.received", svcfields.MessageIDKey, msg.ID, "dequeue_count", msg.DequeueCount)
	res := Result{MessageID: msg.ID, Body: msg.Body, DequeueCount: msg.DequeueCount}
	row, err := w.project(ctx, msg)
	if err != nil {
		res.Err = err
		if se, ok := err.(*StageError); ok {
			res.Stage = se.Stage
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, string(res.Stage))
	} else {
		res.Stage = StageDone
		res.Row = &row
	}
	if err := w.queue.Delete(ctx, msg.ID, msg.PopReceipt); err != nil {
		res.DeleteErr = err
		w.metrics.deleteFailures.Add(ctx, 1)
	} else {
		w.metrics.deleted.Add(ctx, 1)
	}
	w.metrics.recordProcessed(ctx, res, w.clock.Now().Sub(start))
	span.SetAttributes(attribute.String("queuedrain.stage", string(res.Stage)))
	return res
}

func (w *Worker) project(ctx context.Context, msg storage.Message) (storage.Row, error) {
	evt, err := notification.Decode(msg.Body, w.cfg.Encoding)
	if err != nil {
		return storage.Row{}, &StageError{Stage: StageDecode, Err: err}
	}
	handle, err := w.blobs.Resolve(evt.URL)
	if err != nil {
		return storage.Row{}, &StageError{Stage: StageResolve, Err: err}
	}
	maxBytes := w.cfg.MaxBlobBytes
	if maxBytes < 0 {
		maxBytes = 0
	}
	snap, err := w.blobs.Download(ctx, handle, maxBytes)
	if err != nil {
		return storage.Row{}, &StageError{Stage: StageDownload, Err: err}
	}
	if skipped := SkippedMetadata(snap.Metadata); len(skipped) > 0 {
		w.logger.Warn("drain.message.metadata_skipped",
			svcfields.MessageIDKey, msg.ID,
			svcfields.BlobKey, snap.Name,
			"keys", strings.Join(skipped, ","),
		)
	}
	row := ProjectRow(w.clock.Now(), snap, string(evt.Data))
	if err := w.rows.Upsert(ctx, row, storage.UpdateModeReplace); err != nil {
		return storage.Row{}, &StageError{Stage: StageUpsert, Err: err}
	}
	return row, nil
}

func (w *Worker) logResult(res Result) {
	if res.Err != nil {
		w.logger.Error("drain.message.failed",
			svcfields.MessageIDKey, res.MessageID,
			"stage", string(res.Stage),
			"dequeue_count", res.DequeueCount,
			"body", res.Body,
			"error", res.Err,
		)
	} else {
		w.logger.Debug("drain.message.projected",
			svcfields.MessageIDKey, res.MessageID,
			"partition", res.Row.PartitionKey,
			svcfields.BlobKey, res.Row.RowKey,
		)
	}
	if res.DeleteErr != nil {
		w.logger.Error("drain.message.delete_failed",
			svcfields.MessageIDKey, res.MessageID,
			"error", res.DeleteErr,
		)
	}
}
