package azure

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"pkt.systems/queuedrain/internal/storage"
)

// Table implements storage.Table on an Azure table.
type Table struct {
	name    string
	service *aztables.ServiceClient
	client  *aztables.Client
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// EnsureTable creates the table, tolerating an existing one.
func (t *Table) EnsureTable(ctx context.Context) error {
	if _, err := t.service.CreateTable(ctx, t.name, nil); err != nil {
		if hasErrorCode(err, "TableAlreadyExists") || isConflict(err) {
			return nil
		}
		return fmt.Errorf("azure: create table %s: %w", t.name, err)
	}
	return nil
}

// Upsert inserts or updates row.
func (t *Table) Upsert(ctx context.Context, row storage.Row, mode storage.UpdateMode) error {
	payload, err := marshalRow(row)
	if err != nil {
		return err
	}
	updateMode := aztables.UpdateModeMerge
	if mode == storage.UpdateModeReplace {
		updateMode = aztables.UpdateModeReplace
	}
	if _, err := t.client.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: updateMode}); err != nil {
		return t.wrap(fmt.Sprintf("upsert %s/%s", row.PartitionKey, row.RowKey), err)
	}
	return nil
}

// Get reads one row.
func (t *Table) Get(ctx context.Context, partitionKey, rowKey string) (storage.Row, error) {
	resp, err := t.client.GetEntity(ctx, partitionKey, rowKey, nil)
	if err != nil {
		return storage.Row{}, t.wrap(fmt.Sprintf("get %s/%s", partitionKey, rowKey), err)
	}
	return unmarshalRow(resp.Value)
}

// Query pages through one partition until top rows are collected.
func (t *Table) Query(ctx context.Context, partitionKey string, top int) ([]storage.Row, error) {
	opts := &aztables.ListEntitiesOptions{
		Filter: to.Ptr(fmt.Sprintf("PartitionKey eq '%s'", strings.ReplaceAll(partitionKey, "'", "''"))),
	}
	if top > 0 {
		opts.Top = to.Ptr(int32(top))
	}
	pager := t.client.NewListEntitiesPager(opts)
	var out []storage.Row
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, t.wrap("query "+partitionKey, err)
		}
		for _, raw := range page.Entities {
			row, err := unmarshalRow(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, row)
			if top > 0 && len(out) >= top {
				return out, nil
			}
		}
	}
	return out, nil
}

// Delete removes one row.
func (t *Table) Delete(ctx context.Context, partitionKey, rowKey string) error {
	if _, err := t.client.DeleteEntity(ctx, partitionKey, rowKey, nil); err != nil {
		return t.wrap(fmt.Sprintf("delete %s/%s", partitionKey, rowKey), err)
	}
	return nil
}

// SubmitBatch sends the actions as one entity group transaction.
func (t *Table) SubmitBatch(ctx context.Context, actions []storage.BatchAction) error {
	if _, err := storage.ValidateBatch(actions); err != nil {
		return err
	}
	txn := make([]aztables.TransactionAction, 0, len(actions))
	for i, action := range actions {
		kind, err := transactionType(action.Kind)
		if err != nil {
			return fmt.Errorf("azure: batch action %d: %w", i, err)
		}
		row := action.Row
		if action.Kind == storage.BatchDelete {
			row.Properties = nil
		}
		payload, err := marshalRow(row)
		if err != nil {
			return fmt.Errorf("azure: batch action %d: %w", i, err)
		}
		txn = append(txn, aztables.TransactionAction{ActionType: kind, Entity: payload})
	}
	if _, err := t.client.SubmitTransaction(ctx, txn, nil); err != nil {
		return t.wrap("submit batch", err)
	}
	return nil
}

func transactionType(kind storage.BatchKind) (aztables.TransactionType, error) {
	switch kind {
	case storage.BatchAdd:
		return aztables.TransactionTypeAdd, nil
	case storage.BatchUpsertMerge:
		return aztables.TransactionTypeInsertMerge, nil
	case storage.BatchUpsertReplace:
		return aztables.TransactionTypeInsertReplace, nil
	case storage.BatchUpdateMerge:
		return aztables.TransactionTypeUpdateMerge, nil
	case storage.BatchUpdateReplace:
		return aztables.TransactionTypeUpdateReplace, nil
	case storage.BatchDelete:
		return aztables.TransactionTypeDelete, nil
	}
	return "", fmt.Errorf("unknown batch kind %q", kind)
}

func (t *Table) wrap(action string, err error) error {
	switch {
	case hasErrorCode(err, "TableNotFound", "ResourceNotFound") || isNotFound(err):
		return fmt.Errorf("azure: table %s %s: %w", t.name, action, storage.ErrNotFound)
	case hasErrorCode(err, "EntityAlreadyExists") || isConflict(err):
		return fmt.Errorf("azure: table %s %s: %w", t.name, action, storage.ErrConflict)
	}
	return fmt.Errorf("azure: table %s %s: %w", t.name, action, err)
}

// marshalRow renders row as an EDM entity so typed properties keep their
// odata annotations.
func marshalRow(row storage.Row) ([]byte, error) {
	props := make(map[string]any, len(row.Properties))
	for k, v := range row.Properties {
		if storage.IsReservedProperty(k) {
			return nil, fmt.Errorf("azure: property %q: %w", k, storage.ErrReservedProperty)
		}
		props[k] = toEDM(v)
	}
	entity := aztables.EDMEntity{
		Entity: aztables.Entity{
			PartitionKey: row.PartitionKey,
			RowKey:       row.RowKey,
		},
		Properties: props,
	}
	payload, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("azure: encode entity %s/%s: %w", row.PartitionKey, row.RowKey, err)
	}
	return payload, nil
}

func unmarshalRow(raw []byte) (storage.Row, error) {
	var entity aztables.EDMEntity
	if err := json.Unmarshal(raw, &entity); err != nil {
		return storage.Row{}, fmt.Errorf("azure: decode entity: %w", err)
	}
	props := make(map[string]any, len(entity.Properties))
	for k, v := range entity.Properties {
		props[k] = fromEDM(v)
	}
	return storage.Row{
		PartitionKey: entity.PartitionKey,
		RowKey:       entity.RowKey,
		Timestamp:    time.Time(entity.Timestamp).UTC(),
		ETag:         entity.ETag,
		Properties:   props,
	}, nil
}

func toEDM(v any) any {
	switch val := v.(type) {
	case time.Time:
		return aztables.EDMDateTime(val.UTC())
	case int64:
		return aztables.EDMInt64(val)
	case int:
		return aztables.EDMInt64(int64(val))
	case []byte:
		return aztables.EDMBinary(val)
	}
	return v
}

func fromEDM(v any) any {
	switch val := v.(type) {
	case aztables.EDMDateTime:
		return time.Time(val).UTC()
	case aztables.EDMInt64:
		return int64(val)
	case aztables.EDMBinary:
		return []byte(val)
	case aztables.EDMGUID:
		return string(val)
	}
	return v
}
