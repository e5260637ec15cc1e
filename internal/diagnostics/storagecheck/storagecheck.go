// Package storagecheck probes the queue, blob container and table the worker
// depends on with small write/read/delete round trips.
package storagecheck

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pkt.systems/queuedrain"
	"pkt.systems/queuedrain/internal/storage"
)

// DiagnosticsPrefix namespaces every probe object so a failed cleanup is
// easy to spot.
const DiagnosticsPrefix = "queuedrain-diagnostics"

// Result captures the outcome of store verification checks.
type Result struct {
	Storage   string
	Queue     string
	Container string
	Table     string
	Checks    []CheckResult
}

// Passed reports whether all checks succeeded.
func (r Result) Passed() bool {
	for _, check := range r.Checks {
		if check.Err != nil {
			return false
		}
	}
	return true
}

// CheckResult is the outcome of a single verification step.
type CheckResult struct {
	Name string
	Err  error
}

// VerifyStore opens the backends described by cfg and verifies them.
func VerifyStore(ctx context.Context, cfg queuedrain.Config) (Result, error) {
	backends, err := queuedrain.OpenBackends(cfg)
	if err != nil {
		return Result{}, err
	}
	return VerifyBackends(ctx, backends), nil
}

// VerifyBackends runs every check against b. Checks after a failed
// prerequisite still run and report their own errors.
func VerifyBackends(ctx context.Context, b queuedrain.Backends) Result {
	result := Result{
		Storage:   b.Description,
		Queue:     b.Queue.Name(),
		Container: b.Blobs.Container(),
		Table:     b.Table.Name(),
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	run := func(name string, fn func(context.Context) error) {
		result.Checks = append(result.Checks, CheckResult{Name: name, Err: fn(ctx)})
	}
	probe := uuid.NewString()

	run("QueueExists", func(ctx context.Context) error {
		exists, err := b.Queue.Exists(ctx)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("queue %s does not exist", b.Queue.Name())
		}
		_, err = b.Queue.ApproximateCount(ctx)
		return err
	})

	// The probe message stays invisible for its whole short life so a
	// running worker never receives it.
	run("QueueEnqueueDelete", func(ctx context.Context) error {
		msg, err := b.Queue.Enqueue(ctx, DiagnosticsPrefix+"/"+probe, storage.EnqueueOptions{
			VisibilityDelay: time.Minute,
			TimeToLive:      2 * time.Minute,
		})
		if err != nil {
			return err
		}
		if msg.ID == "" || msg.PopReceipt == "" {
			return errors.New("enqueue returned no message id or pop receipt")
		}
		return b.Queue.Delete(ctx, msg.ID, msg.PopReceipt)
	})

	blobName := DiagnosticsPrefix + "/" + probe + ".txt"
	blobBody := []byte("queuedrain storage check " + probe)
	run("BlobUpload", func(ctx context.Context) error {
		_, err := b.Blobs.Upload(ctx, blobName, blobBody, storage.UploadOptions{
			ContentType: storage.ContentTypeText,
			Metadata:    map[string]string{"probe": probe},
		})
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("container %s does not exist", b.Blobs.Container())
		}
		return err
	})

	run("BlobDownload", func(ctx context.Context) error {
		snap, err := b.Blobs.Download(ctx, storage.BlobHandle{Container: b.Blobs.Container(), Name: blobName}, 0)
		if err != nil {
			return err
		}
		if !bytes.Equal(snap.Content, blobBody) {
			return errors.New("downloaded content does not match upload")
		}
		if snap.Metadata["probe"] != probe {
			return errors.New("blob metadata not preserved")
		}
		return nil
	})

	run("BlobList", func(ctx context.Context) error {
		infos, err := b.Blobs.List(ctx, DiagnosticsPrefix+"/"+probe)
		if err != nil {
			return err
		}
		if len(infos) != 1 {
			return fmt.Errorf("listed %d probe blobs, want 1", len(infos))
		}
		return nil
	})

	run("EnsureTable", func(ctx context.Context) error {
		return b.Table.EnsureTable(ctx)
	})

	row := storage.Row{
		PartitionKey: DiagnosticsPrefix,
		RowKey:       probe,
		Properties:   map[string]any{"Content": string(blobBody), "CheckedAt": time.Now().UTC()},
	}
	run("TableUpsertGet", func(ctx context.Context) error {
		if err := b.Table.Upsert(ctx, row, storage.UpdateModeReplace); err != nil {
			return err
		}
		got, err := b.Table.Get(ctx, row.PartitionKey, row.RowKey)
		if err != nil {
			return err
		}
		if got.Properties["Content"] != string(blobBody) {
			return errors.New("row content does not match upsert")
		}
		return nil
	})

	run("Cleanup", func(ctx context.Context) error {
		var errs []error
		if err := b.Blobs.Delete(ctx, blobName); err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete blob: %w", err))
		}
		if err := b.Table.Delete(ctx, row.PartitionKey, row.RowKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete row: %w", err))
		}
		return errors.Join(errs...)
	})

	return result
}
