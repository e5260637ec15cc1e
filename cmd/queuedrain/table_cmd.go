package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/queuedrain/internal/drain"
	"pkt.systems/queuedrain/internal/storage"
)

func newTableCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "table",
		Short: "Read and write projected rows",
	}
	cmd.AddCommand(newTableGetCommand())
	cmd.AddCommand(newTableQueryCommand())
	cmd.AddCommand(newTableUpsertCommand())
	cmd.AddCommand(newTableDeleteCommand())
	cmd.AddCommand(newTableBatchCommand())
	return cmd
}

func newTableGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "get <partition> <row>",
		Short:        "Print one row",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, _, err := openStorage()
			if err != nil {
				return err
			}
			row, err := b.Table.Get(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), viewRow(row))
		},
	}
}

func newTableQueryCommand() *cobra.Command {
	var (
		partition string
		top       int
	)
	cmd := &cobra.Command{
		Use:          "query",
		Short:        "List the rows of one partition (default: today, UTC)",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if partition == "" {
				partition = drain.PartitionKey(time.Now())
			}
			b, _, err := openStorage()
			if err != nil {
				return err
			}
			rows, err := b.Table.Query(cmd.Context(), partition, top)
			if err != nil {
				return err
			}
			views := make([]rowView, 0, len(rows))
			for _, r := range rows {
				views = append(views, viewRow(r))
			}
			return writeJSON(cmd.OutOrStdout(), views)
		},
	}
	cmd.Flags().StringVarP(&partition, "partition", "p", "", "partition key (YYYY-MM-DD)")
	cmd.Flags().IntVar(&top, "top", 0, "maximum rows to return (0 for all)")
	return cmd
}

func newTableUpsertCommand() *cobra.Command {
	var (
		set  map[string]string
		mode string
	)
	cmd := &cobra.Command{
		Use:          "upsert <partition> <row>",
		Short:        "Insert or update a row with string properties",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			updateMode, err := parseUpdateMode(mode)
			if err != nil {
				return err
			}
			props := make(map[string]any, len(set))
			for k, v := range set {
				if storage.IsReservedProperty(k) {
					return fmt.Errorf("property %q: %w", k, storage.ErrReservedProperty)
				}
				props[k] = v
			}
			b, _, err := openStorage()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := b.Table.EnsureTable(ctx); err != nil {
				return err
			}
			row := storage.Row{PartitionKey: args[0], RowKey: args[1], Properties: props}
			if err := b.Table.Upsert(ctx, row, updateMode); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "upserted %s/%s (%s)\n", args[0], args[1], updateMode)
			return nil
		},
	}
	cmd.Flags().StringToStringVar(&set, "set", nil, "properties as key=value pairs")
	cmd.Flags().StringVar(&mode, "mode", "merge", "update mode (merge or replace)")
	return cmd
}

func parseUpdateMode(s string) (storage.UpdateMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "merge":
		return storage.UpdateModeMerge, nil
	case "replace":
		return storage.UpdateModeReplace, nil
	}
	return 0, fmt.Errorf("unknown update mode %q (want merge or replace)", s)
}

func newTableDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "delete <partition> <row>",
		Short:        "Delete a row",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, _, err := openStorage()
			if err != nil {
				return err
			}
			if err := b.Table.Delete(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s/%s\n", args[0], args[1])
			return nil
		},
	}
}

func newTableBatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "batch <file.json>",
		Short: "Submit a transactional batch from a JSON array of rows",
		Long: strings.TrimSpace(`
The file holds a JSON array of objects with partitionKey, rowKey, properties
and an optional kind (add, upsert-merge, upsert-replace, update-merge,
update-replace, delete; default upsert-replace). All rows must share one
partition key; the batch applies atomically.
`),
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			actions, err := readBatchFile(args[0])
			if err != nil {
				return err
			}
			b, _, err := openStorage()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := b.Table.EnsureTable(ctx); err != nil {
				return err
			}
			if err := b.Table.SubmitBatch(ctx, actions); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "submitted %d actions to partition %s\n", len(actions), actions[0].Row.PartitionKey)
			return nil
		},
	}
}

func readBatchFile(path string) ([]storage.BatchAction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	var views []rowView
	if err := json.Unmarshal(data, &views); err != nil {
		return nil, fmt.Errorf("parse batch file: %w", err)
	}
	actions := make([]storage.BatchAction, 0, len(views))
	for i, v := range views {
		kind := v.Kind
		if kind == "" {
			kind = storage.BatchUpsertReplace
		}
		switch kind {
		case storage.BatchAdd, storage.BatchUpsertMerge, storage.BatchUpsertReplace,
			storage.BatchUpdateMerge, storage.BatchUpdateReplace, storage.BatchDelete:
		default:
			return nil, fmt.Errorf("batch entry %d: unknown kind %q", i, kind)
		}
		row, err := v.row()
		if err != nil {
			return nil, fmt.Errorf("batch entry %d: %w", i, err)
		}
		actions = append(actions, storage.BatchAction{Kind: kind, Row: row})
	}
	if _, err := storage.ValidateBatch(actions); err != nil {
		return nil, err
	}
	return actions, nil
}
