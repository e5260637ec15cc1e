package notification_test

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"pkt.systems/queuedrain/internal/notification"
)

const gridEvent = `{
  "topic": "/subscriptions/0000/resourceGroups/rg/providers/Microsoft.Storage/storageAccounts/acct",
  "subject": "/blobServices/default/containers/azurestoragesample/blobs/folder/file.txt",
  "eventType": "Microsoft.Storage.BlobCreated",
  "id": "831e1650-001e-001b-66ab-eeb76e069631",
  "data": {
    "api": "PutBlockList",
    "contentType": "text/plain",
    "url": "https://acct.blob.core.windows.net/azurestoragesample/folder/file.txt"
  },
  "dataVersion": "",
  "metadataVersion": "1",
  "eventTime": "2024-03-01T12:34:56.789Z"
}`

const cloudEvent = `{
  "specversion": "1.0",
  "type": "Microsoft.Storage.BlobCreated",
  "source": "/subscriptions/0000/resourceGroups/rg/providers/Microsoft.Storage/storageAccounts/acct",
  "id": "9aeb0fdf-c01e-0131-0922-9eb54906e209",
  "time": "2024-03-01T12:34:56Z",
  "subject": "blobServices/default/containers/azurestoragesample/blobs/a.json",
  "datacontenttype": "application/json",
  "data": {"url": "https://acct.blob.core.windows.net/azurestoragesample/a.json", "blobType": "BlockBlob"}
}`

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestDecodeEventGridBase64(t *testing.T) {
	t.Parallel()

	evt, err := notification.Decode(b64(gridEvent), notification.EncodingBase64)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if evt.Schema != notification.SchemaEventGrid {
		t.Fatalf("schema=%s want %s", evt.Schema, notification.SchemaEventGrid)
	}
	if evt.URL != "https://acct.blob.core.windows.net/azurestoragesample/folder/file.txt" {
		t.Fatalf("url=%q", evt.URL)
	}
	if evt.Type != notification.EventTypeBlobCreated || evt.ID == "" {
		t.Fatalf("unexpected envelope %+v", evt)
	}
	want := `{"api":"PutBlockList","contentType":"text/plain","url":"https://acct.blob.core.windows.net/azurestoragesample/folder/file.txt"}`
	if string(evt.Data) != want {
		t.Fatalf("data=%s want %s", evt.Data, want)
	}
	if !evt.Time.Equal(time.Date(2024, 3, 1, 12, 34, 56, 789000000, time.UTC)) {
		t.Fatalf("time=%v", evt.Time)
	}
}

func TestDecodeAcceptsRawJSONUnderBase64(t *testing.T) {
	t.Parallel()

	evt, err := notification.Decode(gridEvent, notification.EncodingBase64)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if evt.URL == "" {
		t.Fatal("expected url")
	}
}

func TestDecodeSingleElementArray(t *testing.T) {
	t.Parallel()

	if _, err := notification.Decode("["+gridEvent+"]", notification.EncodingNone); err != nil {
		t.Fatalf("Decode array: %v", err)
	}
	_, err := notification.Decode("["+gridEvent+","+gridEvent+"]", notification.EncodingNone)
	if !errors.Is(err, notification.ErrMalformed) {
		t.Fatalf("two-element array err=%v want %v", err, notification.ErrMalformed)
	}
}

func TestDecodeCloudEvent(t *testing.T) {
	t.Parallel()

	evt, err := notification.Decode(b64(cloudEvent), notification.EncodingBase64)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if evt.Schema != notification.SchemaCloudEvents {
		t.Fatalf("schema=%s", evt.Schema)
	}
	if evt.URL != "https://acct.blob.core.windows.net/azurestoragesample/a.json" {
		t.Fatalf("url=%q", evt.URL)
	}
	if evt.ID != "9aeb0fdf-c01e-0131-0922-9eb54906e209" {
		t.Fatalf("id=%q", evt.ID)
	}
}

func TestDecodeFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		enc  notification.Encoding
		want error
	}{
		{name: "empty", body: "   ", enc: notification.EncodingBase64, want: notification.ErrMalformed},
		{name: "garbage", body: "%%%not-an-event", enc: notification.EncodingBase64, want: notification.ErrMalformed},
		{name: "base64 of text", body: b64("hello world"), enc: notification.EncodingBase64, want: notification.ErrMalformed},
		{name: "base64 under none", body: b64(gridEvent), enc: notification.EncodingNone, want: notification.ErrMalformed},
		{name: "invalid json", body: `{"id":`, enc: notification.EncodingNone, want: notification.ErrMalformed},
		{name: "no data", body: `{"id":"1","eventType":"x"}`, enc: notification.EncodingNone, want: notification.ErrMissingURL},
		{name: "null data", body: `{"id":"1","data":null}`, enc: notification.EncodingNone, want: notification.ErrMissingURL},
		{name: "no url", body: `{"id":"1","data":{"api":"PutBlob"}}`, enc: notification.EncodingNone, want: notification.ErrMissingURL},
		{name: "empty url", body: `{"id":"1","data":{"url":""}}`, enc: notification.EncodingNone, want: notification.ErrMissingURL},
		{name: "numeric url", body: `{"id":"1","data":{"url":5}}`, enc: notification.EncodingNone, want: notification.ErrMalformed},
		{name: "scalar data", body: `{"id":"1","data":"x"}`, enc: notification.EncodingNone, want: notification.ErrMalformed},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := notification.Decode(tc.body, tc.enc); !errors.Is(err, tc.want) {
				t.Fatalf("err=%v want %v", err, tc.want)
			}
		})
	}
}

func TestParseEncoding(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]notification.Encoding{"": notification.EncodingBase64, "Base64": notification.EncodingBase64, "none": notification.EncodingNone} {
		got, err := notification.ParseEncoding(in)
		if err != nil || got != want {
			t.Fatalf("ParseEncoding(%q)=%q,%v want %q", in, got, err, want)
		}
	}
	if _, err := notification.ParseEncoding("hex"); err == nil {
		t.Fatal("expected error for unknown encoding")
	}
}

func TestNewBlobCreatedRoundTrips(t *testing.T) {
	t.Parallel()

	payload, err := notification.NewBlobCreated(notification.BlobCreated{
		ID:            "evt-1",
		Container:     "azurestoragesample",
		Name:          "dir/x.txt",
		URL:           "https://acct.blob.core.windows.net/azurestoragesample/dir/x.txt",
		ContentType:   "text/plain",
		ContentLength: 3,
		Time:          time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("NewBlobCreated: %v", err)
	}
	for _, enc := range []notification.Encoding{notification.EncodingBase64, notification.EncodingNone} {
		evt, err := notification.Decode(notification.Encode(payload, enc), enc)
		if err != nil {
			t.Fatalf("Decode(%s): %v", enc, err)
		}
		if evt.URL != "https://acct.blob.core.windows.net/azurestoragesample/dir/x.txt" {
			t.Fatalf("url=%q", evt.URL)
		}
		if evt.Subject != "/blobServices/default/containers/azurestoragesample/blobs/dir/x.txt" {
			t.Fatalf("subject=%q", evt.Subject)
		}
	}
	if _, err := notification.NewBlobCreated(notification.BlobCreated{}); !errors.Is(err, notification.ErrMissingURL) {
		t.Fatalf("missing url err=%v", err)
	}
}
