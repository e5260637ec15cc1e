package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MaxMessagesPerCall is the queue service limit for one receive or peek.
const MaxMessagesPerCall = 32

// Content type constants used when uploading blobs.
const (
	ContentTypeJSON        = "application/json"
	ContentTypeOctetStream = "application/octet-stream"
	ContentTypeText        = "text/plain; charset=utf-8"
)

// ErrNotFound indicates the requested blob, row or message is missing.
var (
	ErrNotFound         = errors.New("storage: not found")
	ErrQueueNotFound    = errors.New("storage: queue not found")
	ErrConflict         = errors.New("storage: conflict")
	ErrTooLarge         = errors.New("storage: blob exceeds size limit")
	ErrPopReceipt       = errors.New("storage: pop receipt mismatch")
	ErrInvalidBlobURL   = errors.New("storage: invalid blob url")
	ErrNotImplemented   = errors.New("storage: not implemented")
	ErrBatchPartition   = errors.New("storage: batch spans multiple partitions")
	ErrBatchEmpty       = errors.New("storage: empty batch")
	ErrReservedProperty = errors.New("storage: reserved property name")
	ErrMessageCount     = errors.New("storage: message count out of range")
)

// Message is a queue message as handed out by Receive or Peek. PopReceipt is
// only populated for received messages and is required to delete them.
type Message struct {
	ID            string
	PopReceipt    string
	Body          string
	DequeueCount  int64
	InsertedAt    time.Time
	ExpiresAt     time.Time
	NextVisibleAt time.Time
}

// EnqueueOptions tunes Enqueue.
type EnqueueOptions struct {
	// VisibilityDelay hides the message for the given duration after insert.
	VisibilityDelay time.Duration
	// TimeToLive bounds how long the message is retained. Zero uses the
	// service default of seven days.
	TimeToLive time.Duration
}

// Queue is the message queue the worker drains.
type Queue interface {
	Name() string
	Create(ctx context.Context) error
	// Exists reports whether the queue has been created.
	Exists(ctx context.Context) (bool, error)
	// ApproximateCount returns the service estimate of queued messages,
	// including messages currently invisible. Returns ErrQueueNotFound when
	// the queue does not exist.
	ApproximateCount(ctx context.Context) (int64, error)
	Receive(ctx context.Context, max int, visibility time.Duration) ([]Message, error)
	Peek(ctx context.Context, max int) ([]Message, error)
	Enqueue(ctx context.Context, body string, opts EnqueueOptions) (Message, error)
	Delete(ctx context.Context, id, popReceipt string) error
}

// BlobHandle identifies a blob inside the bound container.
type BlobHandle struct {
	Container string
	Name      string
	URI       string
}

// BlobSnapshot is the downloaded state of a blob.
type BlobSnapshot struct {
	BlobHandle
	Content      []byte
	ContentType  string
	BlobType     string
	LastModified time.Time
	ETag         string
	Metadata     map[string]string
}

// BlobInfo is a listing entry.
type BlobInfo struct {
	Name         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// UploadOptions tunes Upload.
type UploadOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Blobs is the blob container bound by configuration.
type Blobs interface {
	Container() string
	EnsureContainer(ctx context.Context) error
	// Resolve maps a blob URL to a handle in the bound container. The
	// container segment of the URL is ignored.
	Resolve(rawURL string) (BlobHandle, error)
	// Download reads the blob with its properties and metadata. A positive
	// maxBytes fails with ErrTooLarge for bigger blobs.
	Download(ctx context.Context, h BlobHandle, maxBytes int64) (BlobSnapshot, error)
	Upload(ctx context.Context, name string, data []byte, opts UploadOptions) (BlobHandle, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Delete(ctx context.Context, name string) error
	// SASURL returns a read-only URL valid until expiry.
	SASURL(ctx context.Context, name string, expiry time.Time) (string, error)
}

// UpdateMode selects how Upsert treats an existing row.
type UpdateMode int

const (
	// UpdateModeMerge keeps properties absent from the incoming row.
	UpdateModeMerge UpdateMode = iota
	// UpdateModeReplace drops properties absent from the incoming row.
	UpdateModeReplace
)

func (m UpdateMode) String() string {
	if m == UpdateModeReplace {
		return "replace"
	}
	return "merge"
}

// Row is a table entity. Property values are string, bool, int32, int64,
// float64, time.Time or []byte.
type Row struct {
	PartitionKey string
	RowKey       string
	Timestamp    time.Time
	ETag         string
	Properties   map[string]any
}

// BatchKind enumerates transactional batch operations.
type BatchKind string

const (
	BatchAdd           BatchKind = "add"
	BatchUpsertMerge   BatchKind = "upsert-merge"
	BatchUpsertReplace BatchKind = "upsert-replace"
	BatchUpdateMerge   BatchKind = "update-merge"
	BatchUpdateReplace BatchKind = "update-replace"
	BatchDelete        BatchKind = "delete"
)

// BatchAction is one entry of a transactional batch.
type BatchAction struct {
	Kind BatchKind `json:"kind"`
	Row  Row       `json:"-"`
}

// Table is the entity table rows are projected into.
type Table interface {
	Name() string
	EnsureTable(ctx context.Context) error
	Upsert(ctx context.Context, row Row, mode UpdateMode) error
	Get(ctx context.Context, partitionKey, rowKey string) (Row, error)
	// Query lists rows of one partition ordered by row key. top <= 0 means
	// no limit.
	Query(ctx context.Context, partitionKey string, top int) ([]Row, error)
	Delete(ctx context.Context, partitionKey, rowKey string) error
	// SubmitBatch applies all actions atomically. All rows must share a
	// partition key.
	SubmitBatch(ctx context.Context, actions []BatchAction) error
}

// IsReservedProperty reports whether name collides with a system property
// of the table service.
func IsReservedProperty(name string) bool {
	switch name {
	case "PartitionKey", "RowKey", "Timestamp", "ETag":
		return true
	}
	return len(name) >= 6 && name[:6] == "odata."
}

// ValidateBatch checks the shared-partition rule and returns that partition.
func ValidateBatch(actions []BatchAction) (string, error) {
	if len(actions) == 0 {
		return "", ErrBatchEmpty
	}
	pk := actions[0].Row.PartitionKey
	for _, action := range actions[1:] {
		if action.Row.PartitionKey != pk {
			return "", ErrBatchPartition
		}
	}
	return pk, nil
}

// CloneProperties returns a shallow copy of props with []byte values copied.
func CloneProperties(props map[string]any) map[string]any {
	if props == nil {
		return nil
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		if b, ok := v.([]byte); ok {
			v = append([]byte(nil), b...)
		}
		out[k] = v
	}
	return out
}

// CheckMessageCount rejects receive and peek counts outside
// 1..MaxMessagesPerCall.
func CheckMessageCount(n int) error {
	if n < 1 || n > MaxMessagesPerCall {
		return fmt.Errorf("%w: %d (want 1-%d)", ErrMessageCount, n, MaxMessagesPerCall)
	}
	return nil
}
