package azure

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/google/go-cmp/cmp"

	"pkt.systems/queuedrain/internal/storage"
)

func TestRowEDMRoundTrip(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	row := storage.Row{
		PartitionKey: "2024-03-01",
		RowKey:       "a.txt",
		Properties: map[string]any{
			"Content":      "hello",
			"LastModified": ts,
			"Size":         int64(1 << 40),
			"Raw":          []byte{1, 2, 3},
			"Flag":         true,
		},
	}
	payload, err := marshalRow(row)
	if err != nil {
		t.Fatalf("marshalRow: %v", err)
	}
	got, err := unmarshalRow(payload)
	if err != nil {
		t.Fatalf("unmarshalRow: %v", err)
	}
	if got.PartitionKey != row.PartitionKey || got.RowKey != row.RowKey {
		t.Fatalf("keys=%s/%s", got.PartitionKey, got.RowKey)
	}
	if diff := cmp.Diff(row.Properties, got.Properties); diff != "" {
		t.Fatalf("properties (-want +got):\n%s", diff)
	}
}

func TestMarshalRowRejectsReservedProperty(t *testing.T) {
	t.Parallel()

	_, err := marshalRow(storage.Row{PartitionKey: "p", RowKey: "r", Properties: map[string]any{"odata.etag": "x"}})
	if !errors.Is(err, storage.ErrReservedProperty) {
		t.Fatalf("err=%v want %v", err, storage.ErrReservedProperty)
	}
}

func TestQueueWrapClassifiesErrors(t *testing.T) {
	t.Parallel()

	q := &Queue{name: "q"}
	cases := []struct {
		err  error
		want error
	}{
		{&azcore.ResponseError{StatusCode: http.StatusNotFound, ErrorCode: "QueueNotFound"}, storage.ErrQueueNotFound},
		{&azcore.ResponseError{StatusCode: http.StatusBadRequest, ErrorCode: "PopReceiptMismatch"}, storage.ErrPopReceipt},
		{&azcore.ResponseError{StatusCode: http.StatusNotFound, ErrorCode: "MessageNotFound"}, storage.ErrNotFound},
	}
	for _, tc := range cases {
		if got := q.wrap("op", tc.err); !errors.Is(got, tc.want) {
			t.Fatalf("wrap(%s) not classified as %v", tc.err.(*azcore.ResponseError).ErrorCode, tc.want)
		}
	}
	tbl := &Table{name: "t"}
	if got := tbl.wrap("op", &azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "EntityAlreadyExists"}); !errors.Is(got, storage.ErrConflict) {
		t.Fatal("table conflict not classified")
	}
	if got := tbl.wrap("op", &azcore.ResponseError{StatusCode: http.StatusNotFound, ErrorCode: "ResourceNotFound"}); !errors.Is(got, storage.ErrNotFound) {
		t.Fatal("table not found not classified")
	}
}

func TestTransactionTypeCoversKinds(t *testing.T) {
	t.Parallel()

	for _, kind := range []storage.BatchKind{
		storage.BatchAdd, storage.BatchUpsertMerge, storage.BatchUpsertReplace,
		storage.BatchUpdateMerge, storage.BatchUpdateReplace, storage.BatchDelete,
	} {
		if _, err := transactionType(kind); err != nil {
			t.Fatalf("transactionType(%s): %v", kind, err)
		}
	}
	if _, err := transactionType("bogus"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
