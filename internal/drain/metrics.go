package drain

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type workerMetrics struct {
	received       metric.Int64Counter
	processed      metric.Int64Counter
	deleted        metric.Int64Counter
	deleteFailures metric.Int64Counter
	cycles         metric.Int64Counter
	duration       metric.Float64Histogram
	backlog        metric.Int64ObservableGauge

	lastBacklog atomic.Int64
}

func newWorkerMetrics(logger pslog.Logger) *workerMetrics {
	meter := otel.Meter("pkt.systems/queuedrain/drain")
	m := &workerMetrics{}
	var err error

	m.received, err = meter.Int64Counter(
		"queuedrain.messages.received",
		metric.WithDescription("Queue messages handed out by receive calls"),
	)
	logMetricInitError(logger, "queuedrain.messages.received", err)

	m.processed, err = meter.Int64Counter(
		"queuedrain.messages.processed",
		metric.WithDescription("Messages that finished the pipeline, by outcome and stage"),
	)
	logMetricInitError(logger, "queuedrain.messages.processed", err)

	m.deleted, err = meter.Int64Counter(
		"queuedrain.messages.deleted",
		metric.WithDescription("Messages deleted from the queue"),
	)
	logMetricInitError(logger, "queuedrain.messages.deleted", err)

	m.deleteFailures, err = meter.Int64Counter(
		"queuedrain.messages.delete_failures",
		metric.WithDescription("Message deletes that failed and will be redelivered"),
	)
	logMetricInitError(logger, "queuedrain.messages.delete_failures", err)

	m.cycles, err = meter.Int64Counter(
		"queuedrain.drain.cycles",
		metric.WithDescription("Drain cycles started"),
	)
	logMetricInitError(logger, "queuedrain.drain.cycles", err)

	m.duration, err = meter.Float64Histogram(
		"queuedrain.message.duration",
		metric.WithDescription("Per-message pipeline latency including delete"),
		metric.WithUnit("s"),
	)
	logMetricInitError(logger, "queuedrain.message.duration", err)

	m.backlog, err = meter.Int64ObservableGauge(
		"queuedrain.queue.approximate_messages",
		metric.WithDescription("Approximate queue depth seen by the last check"),
	)
	logMetricInitError(logger, "queuedrain.queue.approximate_messages", err)

	if m.backlog != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.backlog, m.lastBacklog.Load())
			return nil
		}, m.backlog); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "queuedrain.queue.approximate_messages", "error", err)
		}
	}
	return m
}

func (m *workerMetrics) observeBacklog(n int64) {
	m.lastBacklog.Store(n)
}

func (m *workerMetrics) recordProcessed(ctx context.Context, res Result, elapsed time.Duration) {
	outcome := "ok"
	if res.Err != nil {
		outcome = "failed"
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("stage", string(res.Stage)),
	)
	m.processed.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
