package queuedrain

import (
	"context"
	"fmt"
	"strings"

	"pkt.systems/pslog"
	"pkt.systems/queuedrain/internal/clock"
	"pkt.systems/queuedrain/internal/storage"
	"pkt.systems/queuedrain/internal/storage/azure"
	"pkt.systems/queuedrain/internal/storage/logging"
	"pkt.systems/queuedrain/internal/storage/memory"
	"pkt.systems/queuedrain/internal/svcfields"
)

// Backends is the queue, blob container and table the worker operates on.
type Backends struct {
	Queue storage.Queue
	Blobs storage.Blobs
	Table storage.Table
	// Description is a log-safe summary of where the backends live.
	Description string
}

// OpenBackends builds backends from cfg.AzureStorage. mem:// yields a fresh
// in-process store with the queue and container already created. WithLogger
// and WithClock are honoured; every backend call is traced and logged at
// trace/debug level under sys=storage.<kind>.
func OpenBackends(cfg Config, opts ...Option) (Backends, error) {
	o := serviceOptions{logger: pslog.NoopLogger(), clock: clock.Real{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = pslog.NoopLogger()
	}
	return openBackends(cfg, o.clock, o.logger)
}

func openBackends(cfg Config, clk clock.Clock, logger pslog.Logger) (Backends, error) {
	raw, err := openRawBackends(cfg, clk)
	if err != nil {
		return Backends{}, err
	}
	kind := "azure"
	if raw.Description == "memory" {
		kind = "memory"
	}
	storeLogger := svcfields.WithSubsystem(logger, "storage."+kind)
	return Backends{
		Queue:       logging.WrapQueue(raw.Queue, storeLogger),
		Blobs:       logging.WrapBlobs(raw.Blobs, storeLogger),
		Table:       logging.WrapTable(raw.Table, storeLogger),
		Description: raw.Description,
	}, nil
}

func openRawBackends(cfg Config, clk clock.Clock) (Backends, error) {
	conn := strings.TrimSpace(cfg.AzureStorage)
	if strings.HasPrefix(conn, MemoryConnectionString) {
		store := memory.NewWithConfig(memory.Config{Clock: clk}, QueueName, ContainerName, TableName)
		ctx := context.Background()
		_ = store.Queue.Create(ctx)
		_ = store.Blobs.EnsureContainer(ctx)
		return Backends{
			Queue:       store.Queue,
			Blobs:       store.Blobs,
			Table:       store.Table,
			Description: "memory",
		}, nil
	}
	maxRetries := int32(cfg.StorageRetryMaxAttempts)
	clients, err := azure.New(azure.Config{
		ConnectionString: conn,
		Queue:            QueueName,
		Container:        ContainerName,
		Table:            TableName,
		Retry: azure.RetryConfig{
			MaxRetries:    maxRetries,
			RetryDelay:    cfg.StorageRetryBaseDelay,
			MaxRetryDelay: cfg.StorageRetryMaxDelay,
			TryTimeout:    cfg.StorageTryTimeout,
		},
	})
	if err != nil {
		return Backends{}, fmt.Errorf("queuedrain: open storage: %w", err)
	}
	return Backends{
		Queue:       clients.Queue,
		Blobs:       clients.Blobs,
		Table:       clients.Table,
		Description: clients.Info.String(),
	}, nil
}
