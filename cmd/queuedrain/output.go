package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"pkt.systems/queuedrain/internal/storage"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type messageView struct {
	ID            string    `json:"id"`
	PopReceipt    string    `json:"popReceipt,omitempty"`
	DequeueCount  int64     `json:"dequeueCount"`
	InsertedAt    time.Time `json:"insertedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	NextVisibleAt time.Time `json:"nextVisibleAt,omitzero"`
	Body          string    `json:"body"`
}

func viewMessages(msgs []storage.Message) []messageView {
	out := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageView{
			ID:            m.ID,
			PopReceipt:    m.PopReceipt,
			DequeueCount:  m.DequeueCount,
			InsertedAt:    m.InsertedAt,
			ExpiresAt:     m.ExpiresAt,
			NextVisibleAt: m.NextVisibleAt,
			Body:          m.Body,
		})
	}
	return out
}

// rowView is the JSON shape rows are printed and batch files are read in.
type rowView struct {
	Kind         storage.BatchKind `json:"kind,omitempty"`
	PartitionKey string            `json:"partitionKey"`
	RowKey       string            `json:"rowKey"`
	Timestamp    time.Time         `json:"timestamp,omitzero"`
	ETag         string            `json:"etag,omitempty"`
	Properties   map[string]any    `json:"properties,omitempty"`
}

func viewRow(r storage.Row) rowView {
	return rowView{
		PartitionKey: r.PartitionKey,
		RowKey:       r.RowKey,
		Timestamp:    r.Timestamp,
		ETag:         r.ETag,
		Properties:   r.Properties,
	}
}

// row converts decoded JSON properties into table property types. Whole
// numbers become int64, everything else keeps its JSON type.
func (v rowView) row() (storage.Row, error) {
	if v.PartitionKey == "" || v.RowKey == "" {
		return storage.Row{}, fmt.Errorf("partitionKey and rowKey are required")
	}
	props := make(map[string]any, len(v.Properties))
	for k, val := range v.Properties {
		if storage.IsReservedProperty(k) {
			return storage.Row{}, fmt.Errorf("property %q: %w", k, storage.ErrReservedProperty)
		}
		switch x := val.(type) {
		case float64:
			if x == float64(int64(x)) {
				props[k] = int64(x)
				continue
			}
			props[k] = x
		case string, bool:
			props[k] = x
		case nil:
			continue
		default:
			raw, err := json.Marshal(x)
			if err != nil {
				return storage.Row{}, fmt.Errorf("property %q: %w", k, err)
			}
			props[k] = string(raw)
		}
	}
	return storage.Row{PartitionKey: v.PartitionKey, RowKey: v.RowKey, Properties: props}, nil
}
