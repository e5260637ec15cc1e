// Package notification decodes blob-created notifications carried in queue
// message bodies. Both Azure Event Grid schema events and CloudEvents 1.0
// structured events are understood.
package notification

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	ceevent "github.com/cloudevents/sdk-go/v2/event"
)

// Encoding is the transport encoding of queue message bodies.
type Encoding string

const (
	// EncodingBase64 expects base64 text wrapping the JSON event. Raw JSON is
	// still accepted so messages written by tools that skip encoding drain.
	EncodingBase64 Encoding = "base64"
	// EncodingNone expects the JSON event as-is.
	EncodingNone Encoding = "none"
)

// Schema names the envelope a notification was decoded from.
type Schema string

const (
	SchemaEventGrid   Schema = "eventgrid"
	SchemaCloudEvents Schema = "cloudevents"
)

// EventTypeBlobCreated is the Event Grid type for new or replaced blobs.
const EventTypeBlobCreated = "Microsoft.Storage.BlobCreated"

var (
	// ErrMalformed reports a body that is not a decodable event.
	ErrMalformed = errors.New("notification: malformed event")
	// ErrMissingURL reports an event whose data carries no blob url.
	ErrMissingURL = errors.New("notification: event data has no url")
)

// Event is the subset of a notification the drain pipeline needs.
type Event struct {
	Schema  Schema
	ID      string
	Type    string
	Subject string
	Source  string
	Time    time.Time
	// URL is data.url, the address of the blob that triggered the event.
	URL string
	// Data is the compacted JSON of the event's data payload.
	Data json.RawMessage
}

// ParseEncoding validates s, defaulting empty input to EncodingBase64.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(strings.ToLower(strings.TrimSpace(s))) {
	case "", EncodingBase64:
		return EncodingBase64, nil
	case EncodingNone:
		return EncodingNone, nil
	}
	return "", fmt.Errorf("notification: unknown message encoding %q (want base64 or none)", s)
}

// Decode unwraps body according to enc and parses the event inside.
func Decode(body string, enc Encoding) (Event, error) {
	payload, err := unwrap(body, enc)
	if err != nil {
		return Event{}, err
	}
	if payload[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(payload, &batch); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if len(batch) != 1 {
			return Event{}, fmt.Errorf("%w: expected exactly one event, got %d", ErrMalformed, len(batch))
		}
		payload = bytes.TrimSpace(batch[0])
	}
	var probe struct {
		SpecVersion string `json:"specversion"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var evt Event
	if probe.SpecVersion != "" {
		evt, err = decodeCloudEvent(payload)
	} else {
		evt, err = decodeEventGrid(payload)
	}
	if err != nil {
		return Event{}, err
	}
	evt.URL, evt.Data, err = blobURL(evt.Data)
	if err != nil {
		return Event{}, err
	}
	return evt, nil
}

func unwrap(body string, enc Encoding) ([]byte, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	if enc == EncodingBase64 {
		if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
			decoded = bytes.TrimSpace(decoded)
			if looksLikeJSON(decoded) {
				return decoded, nil
			}
		}
	}
	raw := []byte(trimmed)
	if !looksLikeJSON(raw) {
		return nil, fmt.Errorf("%w: body is neither %s nor JSON", ErrMalformed, enc)
	}
	return raw, nil
}

func looksLikeJSON(b []byte) bool {
	return len(b) > 0 && (b[0] == '{' || b[0] == '[')
}

type gridEvent struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Subject     string          `json:"subject"`
	EventType   string          `json:"eventType"`
	EventTime   string          `json:"eventTime"`
	Data        json.RawMessage `json:"data"`
	DataVersion string          `json:"dataVersion"`
}

func decodeEventGrid(payload []byte) (Event, error) {
	var ge gridEvent
	if err := json.Unmarshal(payload, &ge); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	evt := Event{
		Schema:  SchemaEventGrid,
		ID:      ge.ID,
		Type:    ge.EventType,
		Subject: ge.Subject,
		Source:  ge.Topic,
		Data:    ge.Data,
	}
	// eventTime is informational; an unparsable value is not fatal.
	if ts, err := time.Parse(time.RFC3339Nano, ge.EventTime); err == nil {
		evt.Time = ts
	}
	return evt, nil
}

func decodeCloudEvent(payload []byte) (Event, error) {
	var ce ceevent.Event
	if err := json.Unmarshal(payload, &ce); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	raw := json.RawMessage{}
	if len(ce.Data()) > 0 {
		if err := ce.DataAs(&raw); err != nil {
			return Event{}, fmt.Errorf("%w: cloud event data: %v", ErrMalformed, err)
		}
	}
	return Event{
		Schema:  SchemaCloudEvents,
		ID:      ce.ID(),
		Type:    ce.Type(),
		Subject: ce.Subject(),
		Source:  ce.Source(),
		Time:    ce.Time(),
		Data:    raw,
	}, nil
}

func blobURL(data json.RawMessage) (string, json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", nil, ErrMissingURL
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", nil, fmt.Errorf("%w: data is not an object: %v", ErrMalformed, err)
	}
	var url string
	if raw, ok := fields["url"]; ok {
		if err := json.Unmarshal(raw, &url); err != nil {
			return "", nil, fmt.Errorf("%w: data.url is not a string", ErrMalformed)
		}
	}
	if strings.TrimSpace(url) == "" {
		return "", nil, ErrMissingURL
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return url, compact.Bytes(), nil
}
