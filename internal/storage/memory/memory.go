// Package memory implements the queue, blob and table contracts in process
// memory. It backs unit tests and the mem:// connection string.
package memory

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"pkt.systems/queuedrain/internal/clock"
)

// Config configures the in-memory store behaviour.
type Config struct {
	// Clock drives visibility timeouts and timestamps. Defaults to clock.Real.
	Clock clock.Clock
	// BaseURL prefixes blob URIs. Defaults to https://memory.blob.core.windows.net.
	BaseURL string
}

// DefaultBaseURL is used for blob URIs when Config.BaseURL is empty.
const DefaultBaseURL = "https://memory.blob.core.windows.net"

// Store groups one queue, one blob container and one table sharing a clock.
type Store struct {
	Queue *Queue
	Blobs *Blobs
	Table *Table
}

// New returns a store with a created queue, container and table named as supplied.
func New(queueName, containerName, tableName string) *Store {
	return NewWithConfig(Config{}, queueName, containerName, tableName)
}

// NewWithConfig returns a store wired according to cfg. Nothing is created
// up front; call Create/EnsureContainer/EnsureTable as the real service would.
func NewWithConfig(cfg Config, queueName, containerName, tableName string) *Store {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	return &Store{
		Queue: NewQueue(queueName, cfg.Clock),
		Blobs: NewBlobs(containerName, cfg.BaseURL, cfg.Clock),
		Table: NewTable(tableName, cfg.Clock),
	}
}

var etagSeq atomic.Int64

func nextETag() string {
	return fmt.Sprintf("\"0x%016X\"", etagSeq.Add(1))
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
