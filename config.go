package queuedrain

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/queuedrain/internal/drain"
	"pkt.systems/queuedrain/internal/notification"
)

// Storage resource names. They are fixed so every deployment of the worker,
// the event subscription and the tooling agree on them.
const (
	QueueName     = "azurestoragesamplequeue"
	ContainerName = "azurestoragesample"
	TableName     = "AzureStorageSample"
)

const (
	// DefaultPollInterval is the idle sleep between drain cycles.
	DefaultPollInterval = drain.DefaultPollInterval
	// DefaultBatchSize is how many messages one receive call asks for.
	DefaultBatchSize = drain.DefaultBatchSize
	// DefaultVisibilityTimeout hides received messages from other consumers.
	DefaultVisibilityTimeout = drain.DefaultVisibilityTimeout
	// DefaultMaxBlobBytes caps the blob size copied into a row.
	DefaultMaxBlobBytes = int64(drain.DefaultMaxBlobBytes)
	// DefaultMessageEncoding matches what Event Grid writes to storage queues.
	DefaultMessageEncoding = string(notification.EncodingBase64)
	// DefaultListen is empty: the health/demo HTTP listener is opt-in.
	DefaultListen = ""
	// DefaultMetricsListen is empty: the Prometheus scrape endpoint is opt-in.
	DefaultMetricsListen = ""
	// DefaultPprofListen is empty: the pprof listener is opt-in.
	DefaultPprofListen = ""
	// DefaultStorageRetryMaxAttempts is the SDK retry count per storage call.
	DefaultStorageRetryMaxAttempts = 3
	// DefaultStorageRetryBaseDelay is the first SDK retry backoff.
	DefaultStorageRetryBaseDelay = 800 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps SDK retry backoff.
	DefaultStorageRetryMaxDelay = 30 * time.Second
	// DefaultStorageTryTimeout bounds a single storage attempt.
	DefaultStorageTryTimeout = time.Minute
	// DefaultShutdownTimeout bounds HTTP and telemetry shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// MemoryConnectionString selects the in-process backend.
	MemoryConnectionString = "mem://"
	// DevelopmentConnectionString targets a local Azurite emulator.
	DevelopmentConnectionString = "UseDevelopmentStorage=true"
)

// Config captures the runtime configuration of the worker process.
type Config struct {
	// AzureStorage is the storage account connection string shared by the
	// queue, blob and table clients, or mem:// for the in-process backend.
	AzureStorage string

	PollInterval      time.Duration
	BatchSize         int
	VisibilityTimeout time.Duration
	MaxBlobBytes      int64
	MessageEncoding   string

	Listen                 string
	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	OTLPEndpoint           string

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageTryTimeout       time.Duration

	ShutdownTimeout time.Duration
}

// Validate applies defaults and rejects unusable values.
func (c *Config) Validate() error {
	c.AzureStorage = strings.TrimSpace(c.AzureStorage)
	if c.AzureStorage == "" {
		return fmt.Errorf("config: azure storage connection string is required")
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	} else if c.PollInterval < 0 {
		return fmt.Errorf("config: poll interval must be > 0")
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchSize < 1 || c.BatchSize > drain.MaxBatchSize {
		return fmt.Errorf("config: batch size must be between 1 and %d", drain.MaxBatchSize)
	}
	if c.VisibilityTimeout == 0 {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if c.VisibilityTimeout < time.Second {
		return fmt.Errorf("config: visibility timeout must be >= 1s")
	}
	if c.VisibilityTimeout%time.Second != 0 {
		return fmt.Errorf("config: visibility timeout must be whole seconds, got %s", c.VisibilityTimeout)
	}
	if c.MaxBlobBytes == 0 {
		c.MaxBlobBytes = DefaultMaxBlobBytes
	}
	enc, err := notification.ParseEncoding(c.MessageEncoding)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.MessageEncoding = string(enc)
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.StorageRetryMaxAttempts == 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	} else if c.StorageRetryMaxAttempts < 0 {
		// Negative disables SDK retries.
		c.StorageRetryMaxAttempts = -1
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage retry max delay must be >= base delay")
	}
	if c.StorageTryTimeout <= 0 {
		c.StorageTryTimeout = DefaultStorageTryTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// DrainConfig returns the worker settings derived from c.
func (c Config) DrainConfig() drain.Config {
	return drain.Config{
		PollInterval:      c.PollInterval,
		BatchSize:         c.BatchSize,
		VisibilityTimeout: c.VisibilityTimeout,
		MaxBlobBytes:      c.MaxBlobBytes,
		Encoding:          notification.Encoding(c.MessageEncoding),
	}
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.queuedrain), overridable with QUEUEDRAIN_CONFIG_DIR.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("QUEUEDRAIN_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".queuedrain"), nil
}

// DefaultConfigFile returns the default config file path.
func DefaultConfigFile() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}
