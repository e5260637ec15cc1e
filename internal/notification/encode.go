package notification

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"time"
)

// BlobCreated describes a blob for NewBlobCreated.
type BlobCreated struct {
	ID            string
	Topic         string
	Container     string
	Name          string
	URL           string
	ContentType   string
	ContentLength int64
	Time          time.Time
}

// NewBlobCreated renders an Event Grid Microsoft.Storage.BlobCreated event
// in the shape storage account subscriptions deliver to queues.
func NewBlobCreated(b BlobCreated) ([]byte, error) {
	if b.URL == "" {
		return nil, ErrMissingURL
	}
	evt := map[string]any{
		"id":        b.ID,
		"topic":     b.Topic,
		"subject":   path.Join("/blobServices/default/containers", b.Container, "blobs", b.Name),
		"eventType": EventTypeBlobCreated,
		"eventTime": b.Time.UTC().Format(time.RFC3339Nano),
		"data": map[string]any{
			"api":           "PutBlob",
			"contentType":   b.ContentType,
			"contentLength": b.ContentLength,
			"blobType":      "BlockBlob",
			"url":           b.URL,
		},
		"dataVersion":     "",
		"metadataVersion": "1",
	}
	out, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("notification: encode blob created: %w", err)
	}
	return out, nil
}

// Encode wraps payload for a queue message body.
func Encode(payload []byte, enc Encoding) string {
	if enc == EncodingNone {
		return string(payload)
	}
	return base64.StdEncoding.EncodeToString(payload)
}
