package svcfields_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"pkt.systems/pslog"
	"pkt.systems/queuedrain/internal/svcfields"
)

func TestSubsystemSkipsEmptyParts(t *testing.T) {
	t.Parallel()

	if got := svcfields.Subsystem("drain", "", ".worker.", " "); got != "drain.worker" {
		t.Fatalf("Subsystem=%q want drain.worker", got)
	}
	if got := svcfields.Subsystem(); got != "" {
		t.Fatalf("Subsystem()=%q want empty", got)
	}
}

func TestWithSubsystemTagsEntries(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := pslog.NewStructured(context.Background(), &buf)
	svcfields.WithSubsystem(logger, "drain.worker").Info("hello")
	if !strings.Contains(buf.String(), `"sys":"drain.worker"`) {
		t.Fatalf("missing subsystem tag in %q", buf.String())
	}
	if svcfields.WithSubsystem(nil, "x") == nil {
		t.Fatal("nil logger should yield a noop logger")
	}
}
