package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/queuedrain/internal/drain"
	"pkt.systems/queuedrain/internal/storage"
)

func newBlobCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blob",
		Short: "Manage blobs in the sample container",
	}
	cmd.AddCommand(newBlobUploadCommand())
	cmd.AddCommand(newBlobDownloadCommand())
	cmd.AddCommand(newBlobListCommand())
	cmd.AddCommand(newBlobSASCommand())
	cmd.AddCommand(newBlobDeleteCommand())
	cmd.AddCommand(newBlobProjectCommand())
	return cmd
}

func newBlobUploadCommand() *cobra.Command {
	var (
		contentType string
		metadata    map[string]string
	)
	cmd := &cobra.Command{
		Use:          "upload <name> <file|->",
		Short:        "Upload a file (or stdin) as a block blob",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[1] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[1])
			}
			if err != nil {
				return fmt.Errorf("read %s: %w", args[1], err)
			}
			b, _, err := openStorage()
			if err != nil {
				return err
			}
			h, err := b.Blobs.Upload(cmd.Context(), args[0], data, storage.UploadOptions{
				ContentType: contentType,
				Metadata:    metadata,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s (%s)\n", h.URI, humanizeBytes(int64(len(data))))
			return nil
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type (default application/octet-stream)")
	cmd.Flags().StringToStringVar(&metadata, "metadata", nil, "blob metadata as key=value pairs")
	return cmd
}

func newBlobDownloadCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:          "download <name>",
		Short:        "Download a blob to stdout or a file",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, _, err := openStorage()
			if err != nil {
				return err
			}
			snap, err := b.Blobs.Download(cmd.Context(), storage.BlobHandle{Container: b.Blobs.Container(), Name: args[0]}, 0)
			if err != nil {
				return err
			}
			if out == "" {
				_, err = cmd.OutOrStdout().Write(snap.Content)
				return err
			}
			if err := os.WriteFile(out, snap.Content, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%s, last modified %s)\n", out, humanizeBytes(int64(len(snap.Content))), snap.LastModified.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func newBlobListCommand() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:          "list",
		Short:        "List blobs in the container",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, _, err := openStorage()
			if err != nil {
				return err
			}
			infos, err := b.Blobs.List(cmd.Context(), prefix)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSIZE\tCONTENT TYPE\tLAST MODIFIED")
			for _, info := range infos {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", info.Name, humanizeBytes(info.Size), info.ContentType, info.LastModified.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only list names with this prefix")
	return cmd
}

func newBlobSASCommand() *cobra.Command {
	var expiry time.Duration
	cmd := &cobra.Command{
		Use:          "sas <name>",
		Short:        "Print a read-only SAS URL for a blob",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if expiry <= 0 {
				return fmt.Errorf("--expiry must be positive")
			}
			b, _, err := openStorage()
			if err != nil {
				return err
			}
			u, err := b.Blobs.SASURL(cmd.Context(), args[0], time.Now().Add(expiry))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u)
			return nil
		},
	}
	cmd.Flags().DurationVar(&expiry, "expiry", time.Hour, "validity of the SAS token")
	return cmd
}

func newBlobDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "delete <name>",
		Short:        "Delete a blob",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, _, err := openStorage()
			if err != nil {
				return err
			}
			if err := b.Blobs.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

// newBlobProjectCommand projects one blob directly, without a queue
// notification. The row is merged rather than replaced and carries no
// EventData.
func newBlobProjectCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "project <name>",
		Short:        "Project a single blob into the table",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, cfg, err := openStorage()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			snap, err := b.Blobs.Download(ctx, storage.BlobHandle{Container: b.Blobs.Container(), Name: args[0]}, cfg.MaxBlobBytes)
			if err != nil {
				return err
			}
			row := drain.ProjectRow(time.Now(), snap, "")
			if row.Properties[drain.ColumnEventData] == "" {
				delete(row.Properties, drain.ColumnEventData)
			}
			if err := b.Table.EnsureTable(ctx); err != nil {
				return err
			}
			if err := b.Table.Upsert(ctx, row, storage.UpdateModeMerge); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "projected %s into %s (%s/%s)\n", snap.Name, b.Table.Name(), row.PartitionKey, row.RowKey)
			return nil
		},
	}
}
