package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"pkt.systems/queuedrain/internal/clock"
	"pkt.systems/queuedrain/internal/storage"
)

// Table is an in-memory entity table.
type Table struct {
	name  string
	clock clock.Clock

	mu      sync.RWMutex
	created bool
	rows    map[string]map[string]storage.Row
}

// NewTable returns an uncreated table.
func NewTable(name string, clk clock.Clock) *Table {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Table{name: name, clock: clk, rows: make(map[string]map[string]storage.Row)}
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// EnsureTable creates the table when missing.
func (t *Table) EnsureTable(context.Context) error {
	t.mu.Lock()
	t.created = true
	t.mu.Unlock()
	return nil
}

// Upsert inserts or updates row according to mode.
func (t *Table) Upsert(_ context.Context, row storage.Row, mode storage.UpdateMode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLocked(); err != nil {
		return err
	}
	t.upsertLocked(t.rows, row, mode)
	return nil
}

// Get returns a copy of the addressed row.
func (t *Table) Get(_ context.Context, partitionKey, rowKey string) (storage.Row, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.checkLocked(); err != nil {
		return storage.Row{}, err
	}
	row, ok := t.rows[partitionKey][rowKey]
	if !ok {
		return storage.Row{}, fmt.Errorf("memory: row %s/%s: %w", partitionKey, rowKey, storage.ErrNotFound)
	}
	return cloneRow(row), nil
}

// Query returns the rows of one partition ordered by row key.
func (t *Table) Query(_ context.Context, partitionKey string, top int) ([]storage.Row, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.checkLocked(); err != nil {
		return nil, err
	}
	partition := t.rows[partitionKey]
	keys := make([]string, 0, len(partition))
	for rk := range partition {
		keys = append(keys, rk)
	}
	sort.Strings(keys)
	if top > 0 && len(keys) > top {
		keys = keys[:top]
	}
	out := make([]storage.Row, 0, len(keys))
	for _, rk := range keys {
		out = append(out, cloneRow(partition[rk]))
	}
	return out, nil
}

// Delete removes the addressed row.
func (t *Table) Delete(_ context.Context, partitionKey, rowKey string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLocked(); err != nil {
		return err
	}
	if _, ok := t.rows[partitionKey][rowKey]; !ok {
		return fmt.Errorf("memory: row %s/%s: %w", partitionKey, rowKey, storage.ErrNotFound)
	}
	delete(t.rows[partitionKey], rowKey)
	return nil
}

// SubmitBatch applies actions to a scratch copy of the partition and only
// commits when every action succeeds.
func (t *Table) SubmitBatch(_ context.Context, actions []storage.BatchAction) error {
	pk, err := storage.ValidateBatch(actions)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLocked(); err != nil {
		return err
	}
	scratch := map[string]map[string]storage.Row{pk: make(map[string]storage.Row, len(t.rows[pk]))}
	for rk, row := range t.rows[pk] {
		scratch[pk][rk] = row
	}
	for i, action := range actions {
		row := action.Row
		_, exists := scratch[pk][row.RowKey]
		switch action.Kind {
		case storage.BatchAdd:
			if exists {
				return fmt.Errorf("memory: batch action %d: row %s/%s: %w", i, pk, row.RowKey, storage.ErrConflict)
			}
			t.upsertLocked(scratch, row, storage.UpdateModeReplace)
		case storage.BatchUpsertMerge:
			t.upsertLocked(scratch, row, storage.UpdateModeMerge)
		case storage.BatchUpsertReplace:
			t.upsertLocked(scratch, row, storage.UpdateModeReplace)
		case storage.BatchUpdateMerge, storage.BatchUpdateReplace:
			if !exists {
				return fmt.Errorf("memory: batch action %d: row %s/%s: %w", i, pk, row.RowKey, storage.ErrNotFound)
			}
			mode := storage.UpdateModeMerge
			if action.Kind == storage.BatchUpdateReplace {
				mode = storage.UpdateModeReplace
			}
			t.upsertLocked(scratch, row, mode)
		case storage.BatchDelete:
			if !exists {
				return fmt.Errorf("memory: batch action %d: row %s/%s: %w", i, pk, row.RowKey, storage.ErrNotFound)
			}
			delete(scratch[pk], row.RowKey)
		default:
			return fmt.Errorf("memory: batch action %d: unknown kind %q", i, action.Kind)
		}
	}
	t.rows[pk] = scratch[pk]
	return nil
}

func (t *Table) checkLocked() error {
	if !t.created {
		return fmt.Errorf("memory: table %s: %w", t.name, storage.ErrNotFound)
	}
	return nil
}

func (t *Table) upsertLocked(rows map[string]map[string]storage.Row, row storage.Row, mode storage.UpdateMode) {
	partition, ok := rows[row.PartitionKey]
	if !ok {
		partition = make(map[string]storage.Row)
		rows[row.PartitionKey] = partition
	}
	props := make(map[string]any, len(row.Properties))
	if existing, ok := partition[row.RowKey]; ok && mode == storage.UpdateModeMerge {
		for k, v := range existing.Properties {
			props[k] = v
		}
	}
	for k, v := range storage.CloneProperties(row.Properties) {
		props[k] = v
	}
	partition[row.RowKey] = storage.Row{
		PartitionKey: row.PartitionKey,
		RowKey:       row.RowKey,
		Timestamp:    t.clock.Now(),
		ETag:         nextETag(),
		Properties:   props,
	}
}

func cloneRow(row storage.Row) storage.Row {
	row.Properties = storage.CloneProperties(row.Properties)
	return row
}
