package queuedrain

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/queuedrain/internal/clock"
	"pkt.systems/queuedrain/internal/notification"
	"pkt.systems/queuedrain/internal/storage"
)

func newTestService(t *testing.T, cfg Config) (*Service, *clock.Manual, *syncLogBuffer) {
	t.Helper()
	if cfg.AzureStorage == "" {
		cfg.AzureStorage = MemoryConnectionString
	}
	clk := clock.NewManual(time.Date(2024, 5, 17, 9, 30, 0, 0, time.UTC))
	logs := &syncLogBuffer{}
	logger := pslog.NewWithOptions(context.Background(), logs, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         pslog.DebugLevel,
	})
	svc, err := NewService(cfg, WithLogger(logger), WithClock(clk))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, clk, logs
}

func sendBlobCreated(t *testing.T, svc *Service, name, content string) {
	t.Helper()
	ctx := context.Background()
	b := svc.Backends()
	h, err := b.Blobs.Upload(ctx, name, []byte(content), storage.UploadOptions{ContentType: storage.ContentTypeText})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	payload, err := notification.NewBlobCreated(notification.BlobCreated{
		ID:        "evt-" + name,
		Container: h.Container,
		Name:      h.Name,
		URL:       h.URI,
		Time:      time.Now(),
	})
	if err != nil {
		t.Fatalf("NewBlobCreated: %v", err)
	}
	if _, err := b.Queue.Enqueue(ctx, base64.StdEncoding.EncodeToString(payload), storage.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewServiceRejectsInvalidConfig(t *testing.T) {
	if _, err := NewService(Config{}); err == nil {
		t.Fatal("expected error for missing connection string")
	}
}

func TestServiceMemoryBackendCreatesQueueAndContainer(t *testing.T) {
	svc, _, _ := newTestService(t, Config{})
	b := svc.Backends()
	if b.Description != "memory" {
		t.Fatalf("description=%q", b.Description)
	}
	exists, err := b.Queue.Exists(context.Background())
	if err != nil || !exists {
		t.Fatalf("queue exists=%v err=%v", exists, err)
	}
	if b.Queue.Name() != QueueName || b.Blobs.Container() != ContainerName || b.Table.Name() != TableName {
		t.Fatalf("unexpected names %q %q %q", b.Queue.Name(), b.Blobs.Container(), b.Table.Name())
	}
}

func TestServiceRunDrainsQueue(t *testing.T) {
	svc, clk, logs := newTestService(t, Config{})
	sendBlobCreated(t, svc, "report.csv", "a,b\n1,2\n")
	sendBlobCreated(t, svc, "notes.txt", "hello")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	b := svc.Backends()
	waitFor(t, "queue to drain", func() bool {
		n, err := b.Queue.ApproximateCount(context.Background())
		return err == nil && n == 0
	})
	// The worker is idle once it waits on the poll timer.
	if err := clk.WaitForTimers(ctx, 1); err != nil {
		t.Fatalf("wait for poll timer: %v", err)
	}
	rows, err := b.Table.Query(context.Background(), "2024-05-17", 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 2 || rows[0].RowKey != "notes.txt" || rows[1].RowKey != "report.csv" {
		t.Fatalf("unexpected rows %+v", rows)
	}
	if rows[1].Properties["Content"] != "a,b\n1,2\n" {
		t.Fatalf("content=%v", rows[1].Properties["Content"])
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	out := logs.String()
	for _, event := range []string{"service.start", "drain.cycle.complete", "service.stop"} {
		if !strings.Contains(out, event) {
			t.Fatalf("missing %s in logs:\n%s", event, out)
		}
	}
}

func TestServiceHTTPListener(t *testing.T) {
	svc, _, _ := newTestService(t, Config{Listen: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	waitFor(t, "listener", func() bool { return svc.ListenAddr() != "" })
	base := "http://" + svc.ListenAddr()
	waitFor(t, "readiness", func() bool {
		resp, err := http.Get(base + "/readyz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})
	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok\n" {
		t.Fatalf("healthz status=%d body=%q", resp.StatusCode, body)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := http.Get(base + "/healthz"); err == nil {
		t.Fatal("listener still accepting after shutdown")
	}
}

func TestHandlerRoutes(t *testing.T) {
	svc, _, _ := newTestService(t, Config{})
	h := svc.Handler()

	cases := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/api/demo", http.StatusOK},
		{http.MethodGet, "/readyz", http.StatusServiceUnavailable},
		{http.MethodPost, "/api/demo", http.StatusMethodNotAllowed},
		{http.MethodGet, "/missing", http.StatusNotFound},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		if rec.Code != tc.want {
			t.Fatalf("%s %s status=%d want %d", tc.method, tc.path, rec.Code, tc.want)
		}
	}

	svc.running.Store(true)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz while running status=%d", rec.Code)
	}
}
