// Package logging decorates the storage contracts with spans and
// trace/debug logging around every call.
package logging

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
	"pkt.systems/queuedrain/internal/storage"
)

const tracerName = "pkt.systems/queuedrain/storage"

type observer struct {
	logger pslog.Logger
	tracer trace.Tracer
	kind   string
	name   string
}

func newObserver(logger pslog.Logger, kind, name string) observer {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return observer{
		logger: logger.With(kind, name),
		tracer: otel.Tracer(tracerName),
		kind:   kind,
		name:   name,
	}
}

// call runs fn inside a span named queuedrain.storage.<kind>.<op>. Expected
// misses (ErrNotFound, ErrQueueNotFound) do not mark the span as failed.
func (o observer) call(ctx context.Context, op string, attrs []any, fn func(context.Context) error) error {
	begin := time.Now()
	ctx, span := o.tracer.Start(ctx, "queuedrain.storage."+o.kind+"."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("queuedrain.storage.operation", op),
		attribute.String("queuedrain.storage."+o.kind, o.name),
	)
	event := "storage." + o.kind + "." + op
	o.logger.Trace(event+".begin", attrs...)

	err := fn(ctx)
	elapsed := time.Since(begin)
	fields := append(append([]any(nil), attrs...), "elapsed", elapsed)
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
		o.logger.Debug(event+".success", fields...)
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrQueueNotFound):
		span.SetAttributes(attribute.Bool("queuedrain.storage.not_found", true))
		o.logger.Debug(event+".not_found", fields...)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "storage_error")
		o.logger.Debug(event+".error", append(fields, "error", err)...)
	}
	return err
}

type queue struct {
	inner storage.Queue
	obs   observer
}

// WrapQueue decorates inner with spans and logging.
func WrapQueue(inner storage.Queue, logger pslog.Logger) storage.Queue {
	return &queue{inner: inner, obs: newObserver(logger, "queue", inner.Name())}
}

func (q *queue) Name() string { return q.inner.Name() }

func (q *queue) Create(ctx context.Context) error {
	return q.obs.call(ctx, "create", nil, q.inner.Create)
}

func (q *queue) Exists(ctx context.Context) (bool, error) {
	var exists bool
	err := q.obs.call(ctx, "exists", nil, func(ctx context.Context) error {
		var err error
		exists, err = q.inner.Exists(ctx)
		return err
	})
	return exists, err
}

func (q *queue) ApproximateCount(ctx context.Context) (int64, error) {
	var n int64
	err := q.obs.call(ctx, "count", nil, func(ctx context.Context) error {
		var err error
		n, err = q.inner.ApproximateCount(ctx)
		return err
	})
	return n, err
}

func (q *queue) Receive(ctx context.Context, max int, visibility time.Duration) ([]storage.Message, error) {
	var msgs []storage.Message
	err := q.obs.call(ctx, "receive", []any{"max", max, "visibility", visibility}, func(ctx context.Context) error {
		var err error
		msgs, err = q.inner.Receive(ctx, max, visibility)
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("queuedrain.storage.messages", len(msgs)))
		return err
	})
	return msgs, err
}

func (q *queue) Peek(ctx context.Context, max int) ([]storage.Message, error) {
	var msgs []storage.Message
	err := q.obs.call(ctx, "peek", []any{"max", max}, func(ctx context.Context) error {
		var err error
		msgs, err = q.inner.Peek(ctx, max)
		return err
	})
	return msgs, err
}

func (q *queue) Enqueue(ctx context.Context, body string, opts storage.EnqueueOptions) (storage.Message, error) {
	var msg storage.Message
	err := q.obs.call(ctx, "enqueue", []any{"bytes", len(body), "delay", opts.VisibilityDelay}, func(ctx context.Context) error {
		var err error
		msg, err = q.inner.Enqueue(ctx, body, opts)
		return err
	})
	return msg, err
}

func (q *queue) Delete(ctx context.Context, id, popReceipt string) error {
	return q.obs.call(ctx, "delete", []any{"message_id", id}, func(ctx context.Context) error {
		return q.inner.Delete(ctx, id, popReceipt)
	})
}

type blobs struct {
	inner storage.Blobs
	obs   observer
}

// WrapBlobs decorates inner with spans and logging.
func WrapBlobs(inner storage.Blobs, logger pslog.Logger) storage.Blobs {
	return &blobs{inner: inner, obs: newObserver(logger, "container", inner.Container())}
}

func (b *blobs) Container() string { return b.inner.Container() }

func (b *blobs) EnsureContainer(ctx context.Context) error {
	return b.obs.call(ctx, "ensure", nil, b.inner.EnsureContainer)
}

// Resolve is pure and not traced.
func (b *blobs) Resolve(rawURL string) (storage.BlobHandle, error) {
	return b.inner.Resolve(rawURL)
}

func (b *blobs) Download(ctx context.Context, h storage.BlobHandle, maxBytes int64) (storage.BlobSnapshot, error) {
	var snap storage.BlobSnapshot
	err := b.obs.call(ctx, "download", []any{"blob", h.Name}, func(ctx context.Context) error {
		var err error
		snap, err = b.inner.Download(ctx, h, maxBytes)
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("queuedrain.storage.bytes", len(snap.Content)))
		return err
	})
	return snap, err
}

func (b *blobs) Upload(ctx context.Context, name string, data []byte, opts storage.UploadOptions) (storage.BlobHandle, error) {
	var h storage.BlobHandle
	err := b.obs.call(ctx, "upload", []any{"blob", name, "bytes", len(data)}, func(ctx context.Context) error {
		var err error
		h, err = b.inner.Upload(ctx, name, data, opts)
		return err
	})
	return h, err
}

func (b *blobs) List(ctx context.Context, prefix string) ([]storage.BlobInfo, error) {
	var infos []storage.BlobInfo
	err := b.obs.call(ctx, "list", []any{"prefix", prefix}, func(ctx context.Context) error {
		var err error
		infos, err = b.inner.List(ctx, prefix)
		return err
	})
	return infos, err
}

func (b *blobs) Delete(ctx context.Context, name string) error {
	return b.obs.call(ctx, "delete", []any{"blob", name}, func(ctx context.Context) error {
		return b.inner.Delete(ctx, name)
	})
}

func (b *blobs) SASURL(ctx context.Context, name string, expiry time.Time) (string, error) {
	var u string
	err := b.obs.call(ctx, "sas", []any{"blob", name, "expiry", expiry}, func(ctx context.Context) error {
		var err error
		u, err = b.inner.SASURL(ctx, name, expiry)
		return err
	})
	return u, err
}

type table struct {
	inner storage.Table
	obs   observer
}

// WrapTable decorates inner with spans and logging.
func WrapTable(inner storage.Table, logger pslog.Logger) storage.Table {
	return &table{inner: inner, obs: newObserver(logger, "table", inner.Name())}
}

func (t *table) Name() string { return t.inner.Name() }

func (t *table) EnsureTable(ctx context.Context) error {
	return t.obs.call(ctx, "ensure", nil, t.inner.EnsureTable)
}

func (t *table) Upsert(ctx context.Context, row storage.Row, mode storage.UpdateMode) error {
	return t.obs.call(ctx, "upsert", []any{"pk", row.PartitionKey, "rk", row.RowKey, "mode", mode.String()}, func(ctx context.Context) error {
		return t.inner.Upsert(ctx, row, mode)
	})
}

func (t *table) Get(ctx context.Context, partitionKey, rowKey string) (storage.Row, error) {
	var row storage.Row
	err := t.obs.call(ctx, "get", []any{"pk", partitionKey, "rk", rowKey}, func(ctx context.Context) error {
		var err error
		row, err = t.inner.Get(ctx, partitionKey, rowKey)
		return err
	})
	return row, err
}

func (t *table) Query(ctx context.Context, partitionKey string, top int) ([]storage.Row, error) {
	var rows []storage.Row
	err := t.obs.call(ctx, "query", []any{"pk", partitionKey, "top", top}, func(ctx context.Context) error {
		var err error
		rows, err = t.inner.Query(ctx, partitionKey, top)
		return err
	})
	return rows, err
}

func (t *table) Delete(ctx context.Context, partitionKey, rowKey string) error {
	return t.obs.call(ctx, "delete", []any{"pk", partitionKey, "rk", rowKey}, func(ctx context.Context) error {
		return t.inner.Delete(ctx, partitionKey, rowKey)
	})
}

func (t *table) SubmitBatch(ctx context.Context, actions []storage.BatchAction) error {
	return t.obs.call(ctx, "batch", []any{"actions", len(actions)}, func(ctx context.Context) error {
		return t.inner.SubmitBatch(ctx, actions)
	})
}
