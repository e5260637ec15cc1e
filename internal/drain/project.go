package drain

import (
	"sort"
	"time"

	"pkt.systems/queuedrain/internal/storage"
)

// PartitionLayout formats the UTC processing date used as partition key.
const PartitionLayout = "2006-01-02"

// Fixed column names of a projected row.
const (
	ColumnContent      = "Content"
	ColumnLastModified = "LastModified"
	ColumnBlobType     = "BlobType"
	ColumnURI          = "Uri"
	ColumnEventData    = "EventData"
)

// ProjectRow maps a downloaded blob to its table row. The partition key is
// the UTC date of now and the row key is the blob name. Metadata entries are
// applied after the fixed columns so a metadata key can override them;
// keys the table service reserves are skipped (see SkippedMetadata).
func ProjectRow(now time.Time, snap storage.BlobSnapshot, eventData string) storage.Row {
	props := map[string]any{
		ColumnContent:      string(snap.Content),
		ColumnLastModified: snap.LastModified.UTC(),
		ColumnBlobType:     snap.BlobType,
		ColumnURI:          snap.URI,
		ColumnEventData:    eventData,
	}
	for k, v := range snap.Metadata {
		if storage.IsReservedProperty(k) {
			continue
		}
		props[k] = v
	}
	return storage.Row{
		PartitionKey: PartitionKey(now),
		RowKey:       snap.Name,
		Properties:   props,
	}
}

// PartitionKey returns the partition for rows written at now.
func PartitionKey(now time.Time) string {
	return now.UTC().Format(PartitionLayout)
}

// SkippedMetadata returns the sorted metadata keys ProjectRow drops because
// the table service reserves them.
func SkippedMetadata(meta map[string]string) []string {
	var skipped []string
	for k := range meta {
		if storage.IsReservedProperty(k) {
			skipped = append(skipped, k)
		}
	}
	sort.Strings(skipped)
	return skipped
}
