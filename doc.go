// Package queuedrain runs a worker that drains blob-created notifications
// from an Azure Storage queue and projects each referenced blob into a row of
// an Azure Table.
//
// Each notification is an Event Grid or CloudEvents document, usually base64
// encoded, whose data.url names a blob. The worker downloads that blob and
// upserts a row keyed by the current UTC date (partition) and the blob name
// (row), holding the blob content, its properties, the raw event data and the
// blob metadata. Messages are deleted once processed, whether or not the
// projection succeeded; failures are logged with the stage that failed.
//
// # Running the worker
//
//	cfg := queuedrain.Config{
//	    AzureStorage: os.Getenv("AZURE_STORAGE_CONNECTION_STRING"),
//	    PollInterval: 10 * time.Second,
//	    Listen:       ":8080",
//	}
//	svc, err := queuedrain.NewService(cfg, queuedrain.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	if err := svc.Run(ctx); err != nil { log.Fatal(err) }
//
// Run returns when ctx is cancelled. Setting AzureStorage to "mem://" runs
// against an in-process backend, and "UseDevelopmentStorage=true" targets a
// local Azurite emulator.
//
// # Storage names
//
// The queue, container and table names are fixed (QueueName, ContainerName,
// TableName). The worker creates the table on demand; the queue and the
// container are expected to exist already.
//
// # Observability
//
// Logs are structured pslog records. Config.OTLPEndpoint enables trace export
// over OTLP gRPC or HTTP, Config.MetricsListen serves Prometheus metrics on
// /metrics and Config.PprofListen exposes net/http/pprof.
//
// The cmd/queuedrain binary wraps all of this with a cobra CLI, adding
// subcommands to send notifications, inspect the queue, manage blobs and
// query projected rows.
package queuedrain
