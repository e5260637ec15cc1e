package drain_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/queuedrain/internal/clock"
	"pkt.systems/queuedrain/internal/drain"
	"pkt.systems/queuedrain/internal/notification"
	"pkt.systems/queuedrain/internal/storage"
	"pkt.systems/queuedrain/internal/storage/memory"
)

const (
	testQueue     = "azurestoragesamplequeue"
	testContainer = "azurestoragesample"
	testTable     = "AzureStorageSample"
)

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	store *memory.Store
	clock *clock.Manual
	logs  *syncBuffer
	queue *recordingQueue
	blobs drain.BlobSource
	rows  *recordingRows
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewManual(testStart)
	store := memory.NewWithConfig(memory.Config{Clock: clk}, testQueue, testContainer, testTable)
	ctx := context.Background()
	if err := store.Queue.Create(ctx); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	if err := store.Blobs.EnsureContainer(ctx); err != nil {
		t.Fatalf("ensure container: %v", err)
	}
	return &fixture{
		store: store,
		clock: clk,
		logs:  &syncBuffer{},
		queue: &recordingQueue{QueueSource: store.Queue},
		blobs: store.Blobs,
		rows:  &recordingRows{RowSink: store.Table},
	}
}

func (f *fixture) worker(t *testing.T, cfg drain.Config) *drain.Worker {
	t.Helper()
	logger := pslog.NewWithOptions(context.Background(), f.logs, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         pslog.DebugLevel,
	})
	w, err := drain.New(cfg, f.queue, f.blobs, f.rows, drain.WithLogger(logger), drain.WithClock(f.clock))
	if err != nil {
		t.Fatalf("drain.New: %v", err)
	}
	return w
}

func (f *fixture) uploadBlob(t *testing.T, name, content string, meta map[string]string) storage.BlobHandle {
	t.Helper()
	h, err := f.store.Blobs.Upload(context.Background(), name, []byte(content), storage.UploadOptions{
		ContentType: storage.ContentTypeText,
		Metadata:    meta,
	})
	if err != nil {
		t.Fatalf("upload %s: %v", name, err)
	}
	return h
}

func (f *fixture) notify(t *testing.T, h storage.BlobHandle) {
	t.Helper()
	payload, err := notification.NewBlobCreated(notification.BlobCreated{
		ID:        "evt-" + h.Name,
		Container: h.Container,
		Name:      h.Name,
		URL:       h.URI,
		Time:      f.clock.Now(),
	})
	if err != nil {
		t.Fatalf("NewBlobCreated: %v", err)
	}
	f.enqueue(t, base64.StdEncoding.EncodeToString(payload))
}

func (f *fixture) enqueue(t *testing.T, body string) {
	t.Helper()
	if _, err := f.store.Queue.Enqueue(context.Background(), body, storage.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func (f *fixture) tableRows(t *testing.T, partition string) []storage.Row {
	t.Helper()
	rows, err := f.store.Table.Query(context.Background(), partition, 0)
	if err != nil {
		t.Fatalf("query %s: %v", partition, err)
	}
	return rows
}

// recordingQueue counts calls and can inject failures.
type recordingQueue struct {
	drain.QueueSource

	mu          sync.Mutex
	receiveMax  []int
	deletes     map[string]int
	receiveErr  error
	deleteErr   error
	countErr    error
	existsCalls int
}

func (q *recordingQueue) Exists(ctx context.Context) (bool, error) {
	q.mu.Lock()
	q.existsCalls++
	q.mu.Unlock()
	return q.QueueSource.Exists(ctx)
}

func (q *recordingQueue) ApproximateCount(ctx context.Context) (int64, error) {
	q.mu.Lock()
	err := q.countErr
	q.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return q.QueueSource.ApproximateCount(ctx)
}

func (q *recordingQueue) Receive(ctx context.Context, max int, vis time.Duration) ([]storage.Message, error) {
	q.mu.Lock()
	q.receiveMax = append(q.receiveMax, max)
	err := q.receiveErr
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return q.QueueSource.Receive(ctx, max, vis)
}

func (q *recordingQueue) Delete(ctx context.Context, id, popReceipt string) error {
	q.mu.Lock()
	if q.deletes == nil {
		q.deletes = make(map[string]int)
	}
	q.deletes[id]++
	err := q.deleteErr
	q.mu.Unlock()
	if err != nil {
		return err
	}
	return q.QueueSource.Delete(ctx, id, popReceipt)
}

func (q *recordingQueue) receives() []int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int(nil), q.receiveMax...)
}

func (q *recordingQueue) deleteCounts() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.deletes))
	for k, v := range q.deletes {
		out[k] = v
	}
	return out
}

func (q *recordingQueue) set(fn func(q *recordingQueue)) {
	q.mu.Lock()
	fn(q)
	q.mu.Unlock()
}

// recordingRows records update modes and can fail EnsureTable or Upsert.
type recordingRows struct {
	drain.RowSink

	mu        sync.Mutex
	modes     []storage.UpdateMode
	ensureErr error
	upsertErr error
	ensures   int
}

func (r *recordingRows) EnsureTable(ctx context.Context) error {
	r.mu.Lock()
	r.ensures++
	err := r.ensureErr
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.RowSink.EnsureTable(ctx)
}

func (r *recordingRows) Upsert(ctx context.Context, row storage.Row, mode storage.UpdateMode) error {
	r.mu.Lock()
	r.modes = append(r.modes, mode)
	err := r.upsertErr
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.RowSink.Upsert(ctx, row, mode)
}

func (r *recordingRows) set(fn func(r *recordingRows)) {
	r.mu.Lock()
	fn(r)
	r.mu.Unlock()
}

// gatedBlobs blocks every Download until release is closed and reports how
// many downloads are waiting.
type gatedBlobs struct {
	drain.BlobSource

	release chan struct{}
	mu      sync.Mutex
	waiting int
	arrived chan struct{}
}

func newGatedBlobs(inner drain.BlobSource) *gatedBlobs {
	return &gatedBlobs{BlobSource: inner, release: make(chan struct{}), arrived: make(chan struct{}, 64)}
}

func (g *gatedBlobs) Download(ctx context.Context, h storage.BlobHandle, maxBytes int64) (storage.BlobSnapshot, error) {
	g.mu.Lock()
	g.waiting++
	g.mu.Unlock()
	g.arrived <- struct{}{}
	<-g.release
	return g.BlobSource.Download(ctx, h, maxBytes)
}

func (g *gatedBlobs) waitArrivals(t *testing.T, n int) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-g.arrived:
		case <-timeout:
			t.Fatalf("only %d of %d downloads started", i, n)
		}
	}
}

var errInjected = errors.New("injected failure")

func logLines(buf *syncBuffer, event string) []string {
	var out []string
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, `"`+event+`"`) {
			out = append(out, line)
		}
	}
	return out
}
