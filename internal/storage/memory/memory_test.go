package memory_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"pkt.systems/queuedrain/internal/clock"
	"pkt.systems/queuedrain/internal/storage"
	"pkt.systems/queuedrain/internal/storage/memory"
)

func newStore(t *testing.T) (*memory.Store, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memory.NewWithConfig(memory.Config{Clock: clk}, "q", "c", "t")
	ctx := context.Background()
	if err := store.Queue.Create(ctx); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	if err := store.Blobs.EnsureContainer(ctx); err != nil {
		t.Fatalf("ensure container: %v", err)
	}
	if err := store.Table.EnsureTable(ctx); err != nil {
		t.Fatalf("ensure table: %v", err)
	}
	return store, clk
}

func TestQueueMissingReportsNotFound(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue("missing", nil)
	ctx := context.Background()
	exists, err := q.Exists(ctx)
	if err != nil || exists {
		t.Fatalf("Exists=%v,%v want false,nil", exists, err)
	}
	if _, err := q.ApproximateCount(ctx); !errors.Is(err, storage.ErrQueueNotFound) {
		t.Fatalf("ApproximateCount err=%v want %v", err, storage.ErrQueueNotFound)
	}
}

func TestQueueRejectsCountOutOfRange(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	ctx := context.Background()
	for _, n := range []int{-1, 0, storage.MaxMessagesPerCall + 1} {
		if _, err := store.Queue.Receive(ctx, n, time.Second); !errors.Is(err, storage.ErrMessageCount) {
			t.Fatalf("Receive(%d) err=%v want %v", n, err, storage.ErrMessageCount)
		}
		if _, err := store.Queue.Peek(ctx, n); !errors.Is(err, storage.ErrMessageCount) {
			t.Fatalf("Peek(%d) err=%v want %v", n, err, storage.ErrMessageCount)
		}
	}
	if _, err := store.Queue.Receive(ctx, storage.MaxMessagesPerCall, time.Second); err != nil {
		t.Fatalf("Receive(max): %v", err)
	}
}

func TestQueueVisibilityTimeout(t *testing.T) {
	t.Parallel()

	store, clk := newStore(t)
	ctx := context.Background()
	for _, body := range []string{"a", "b", "c"} {
		if _, err := store.Queue.Enqueue(ctx, body, storage.EnqueueOptions{}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	first, err := store.Queue.Receive(ctx, 2, 5*time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got := []string{first[0].Body, first[1].Body}; !cmp.Equal(got, []string{"a", "b"}) {
		t.Fatalf("received %v", got)
	}
	if first[0].DequeueCount != 1 || first[0].PopReceipt == "" {
		t.Fatalf("unexpected receipt state %+v", first[0])
	}
	count, _ := store.Queue.ApproximateCount(ctx)
	if count != 3 {
		t.Fatalf("approximate count=%d want 3 (includes invisible)", count)
	}
	second, _ := store.Queue.Receive(ctx, 10, 5*time.Second)
	if len(second) != 1 || second[0].Body != "c" {
		t.Fatalf("second receive=%+v want only c", second)
	}
	clk.Advance(5 * time.Second)
	again, _ := store.Queue.Receive(ctx, 10, 5*time.Second)
	if len(again) != 3 {
		t.Fatalf("after timeout received %d want 3", len(again))
	}
	if again[0].DequeueCount != 2 {
		t.Fatalf("dequeue count=%d want 2", again[0].DequeueCount)
	}
	if err := store.Queue.Delete(ctx, first[0].ID, first[0].PopReceipt); !errors.Is(err, storage.ErrPopReceipt) {
		t.Fatalf("stale pop receipt err=%v want %v", err, storage.ErrPopReceipt)
	}
	if err := store.Queue.Delete(ctx, again[0].ID, again[0].PopReceipt); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if store.Queue.Len() != 2 {
		t.Fatalf("len=%d want 2", store.Queue.Len())
	}
}

func TestQueuePeekDoesNotHide(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	ctx := context.Background()
	_, _ = store.Queue.Enqueue(ctx, "x", storage.EnqueueOptions{})
	peeked, err := store.Queue.Peek(ctx, 5)
	if err != nil || len(peeked) != 1 || peeked[0].PopReceipt != "" {
		t.Fatalf("peek=%+v,%v", peeked, err)
	}
	received, _ := store.Queue.Receive(ctx, 5, time.Second)
	if len(received) != 1 {
		t.Fatalf("receive after peek=%d want 1", len(received))
	}
}

func TestQueueMessagesExpire(t *testing.T) {
	t.Parallel()

	store, clk := newStore(t)
	ctx := context.Background()
	_, _ = store.Queue.Enqueue(ctx, "short", storage.EnqueueOptions{TimeToLive: time.Minute})
	clk.Advance(time.Minute)
	if n, _ := store.Queue.ApproximateCount(ctx); n != 0 {
		t.Fatalf("count=%d want 0 after expiry", n)
	}
}

func TestBlobsResolve(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	cases := map[string]string{
		"https://acct.blob.core.windows.net/other/file.txt":                "file.txt",
		"https://acct.blob.core.windows.net/c/dir/nested/file.txt":         "dir/nested/file.txt",
		"http://127.0.0.1:10000/devstoreaccount1/c/folder/a%20b.json":      "folder/a b.json",
		"http://localhost:10000/devstoreaccount1/azurestoragesample/x.bin": "x.bin",
	}
	for raw, want := range cases {
		h, err := store.Blobs.Resolve(raw)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", raw, err)
		}
		if h.Name != want || h.Container != "c" {
			t.Fatalf("Resolve(%q)=%+v want name %q container c", raw, h, want)
		}
	}
	for _, bad := range []string{"not a url", "https://acct.blob.core.windows.net/", "https://acct.blob.core.windows.net/c"} {
		if _, err := store.Blobs.Resolve(bad); !errors.Is(err, storage.ErrInvalidBlobURL) {
			t.Fatalf("Resolve(%q) err=%v want %v", bad, err, storage.ErrInvalidBlobURL)
		}
	}
}

func TestBlobsRoundTrip(t *testing.T) {
	t.Parallel()

	store, clk := newStore(t)
	ctx := context.Background()
	h, err := store.Blobs.Upload(ctx, "report.txt", []byte("hello"), storage.UploadOptions{
		ContentType: storage.ContentTypeText,
		Metadata:    map[string]string{"author": "ops"},
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	snap, err := store.Blobs.Download(ctx, h, 0)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(snap.Content) != "hello" || snap.BlobType != "BlockBlob" || !snap.LastModified.Equal(clk.Now()) {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if diff := cmp.Diff(map[string]string{"author": "ops"}, snap.Metadata); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}
	if _, err := store.Blobs.Download(ctx, h, 4); !errors.Is(err, storage.ErrTooLarge) {
		t.Fatalf("size limit err=%v want %v", err, storage.ErrTooLarge)
	}
	list, _ := store.Blobs.List(ctx, "rep")
	if len(list) != 1 || list[0].Size != 5 {
		t.Fatalf("list=%+v", list)
	}
	sas, err := store.Blobs.SASURL(ctx, "report.txt", clk.Now().Add(time.Hour))
	if err != nil || !strings.Contains(sas, "sp=r") {
		t.Fatalf("sas=%q,%v", sas, err)
	}
	if err := store.Blobs.Delete(ctx, "report.txt"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Blobs.Download(ctx, h, 0); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("download after delete err=%v want %v", err, storage.ErrNotFound)
	}
}

func TestTableUpsertModes(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	ctx := context.Background()
	base := storage.Row{PartitionKey: "p", RowKey: "r", Properties: map[string]any{"a": "1", "b": "2"}}
	if err := store.Table.Upsert(ctx, base, storage.UpdateModeReplace); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	merge := storage.Row{PartitionKey: "p", RowKey: "r", Properties: map[string]any{"b": "3"}}
	_ = store.Table.Upsert(ctx, merge, storage.UpdateModeMerge)
	got, _ := store.Table.Get(ctx, "p", "r")
	if diff := cmp.Diff(map[string]any{"a": "1", "b": "3"}, got.Properties); diff != "" {
		t.Fatalf("merge mismatch (-want +got):\n%s", diff)
	}
	_ = store.Table.Upsert(ctx, merge, storage.UpdateModeReplace)
	got, _ = store.Table.Get(ctx, "p", "r")
	if diff := cmp.Diff(map[string]any{"b": "3"}, got.Properties); diff != "" {
		t.Fatalf("replace mismatch (-want +got):\n%s", diff)
	}
}

func TestTableQueryOrdersAndLimits(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	ctx := context.Background()
	for _, rk := range []string{"c", "a", "b"} {
		_ = store.Table.Upsert(ctx, storage.Row{PartitionKey: "p", RowKey: rk}, storage.UpdateModeReplace)
	}
	_ = store.Table.Upsert(ctx, storage.Row{PartitionKey: "other", RowKey: "z"}, storage.UpdateModeReplace)
	rows, err := store.Table.Query(ctx, "p", 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got := []string{rows[0].RowKey, rows[1].RowKey}; len(rows) != 2 || !cmp.Equal(got, []string{"a", "b"}) {
		t.Fatalf("rows=%v", got)
	}
}

func TestTableBatchIsAtomic(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	ctx := context.Background()
	_ = store.Table.Upsert(ctx, storage.Row{PartitionKey: "p", RowKey: "exists"}, storage.UpdateModeReplace)
	err := store.Table.SubmitBatch(ctx, []storage.BatchAction{
		{Kind: storage.BatchAdd, Row: storage.Row{PartitionKey: "p", RowKey: "new"}},
		{Kind: storage.BatchAdd, Row: storage.Row{PartitionKey: "p", RowKey: "exists"}},
	})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("batch err=%v want %v", err, storage.ErrConflict)
	}
	if _, err := store.Table.Get(ctx, "p", "new"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("partial batch applied: %v", err)
	}
	err = store.Table.SubmitBatch(ctx, []storage.BatchAction{
		{Kind: storage.BatchAdd, Row: storage.Row{PartitionKey: "p", RowKey: "new"}},
		{Kind: storage.BatchDelete, Row: storage.Row{PartitionKey: "p", RowKey: "exists"}},
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	rows, _ := store.Table.Query(ctx, "p", 0)
	if len(rows) != 1 || rows[0].RowKey != "new" {
		t.Fatalf("rows after batch=%+v", rows)
	}
	err = store.Table.SubmitBatch(ctx, []storage.BatchAction{
		{Kind: storage.BatchAdd, Row: storage.Row{PartitionKey: "p", RowKey: "x"}},
		{Kind: storage.BatchAdd, Row: storage.Row{PartitionKey: "q", RowKey: "y"}},
	})
	if !errors.Is(err, storage.ErrBatchPartition) {
		t.Fatalf("cross-partition err=%v want %v", err, storage.ErrBatchPartition)
	}
}

func TestTableMissingReturnsNotFound(t *testing.T) {
	t.Parallel()

	tbl := memory.NewTable("t", nil)
	err := tbl.Upsert(context.Background(), storage.Row{PartitionKey: "p", RowKey: "r"}, storage.UpdateModeReplace)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("upsert before create err=%v want %v", err, storage.ErrNotFound)
	}
}
