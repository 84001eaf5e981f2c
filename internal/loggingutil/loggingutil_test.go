package loggingutil

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestEnsureLoggerReturnsNoopForNil(t *testing.T) {
	if EnsureLogger(nil) == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestSubsystemSkipsEmptyParts(t *testing.T) {
	if got := Subsystem("coordinator", "", ".registry."); got != "coordinator.registry" {
		t.Fatalf("unexpected subsystem %q", got)
	}
}

func TestWithSubsystemTagsEntries(t *testing.T) {
	var buf bytes.Buffer
	logger := pslog.NewStructured(&buf)
	WithSubsystem(logger, "coordinator").Info("lra.start.ok")
	if !strings.Contains(buf.String(), "coordinator") {
		t.Fatalf("expected subsystem in output, got %q", buf.String())
	}
}

func TestFromContextPrefersContextLogger(t *testing.T) {
	var ctxBuf, fallbackBuf bytes.Buffer
	ctxLogger := pslog.NewStructured(&ctxBuf)
	fallback := pslog.NewStructured(&fallbackBuf)
	ctx := pslog.ContextWithLogger(context.Background(), ctxLogger)
	FromContext(ctx, fallback).Info("from.ctx")
	if ctxBuf.Len() == 0 || fallbackBuf.Len() != 0 {
		t.Fatalf("expected context logger to be used: ctx=%q fallback=%q", ctxBuf.String(), fallbackBuf.String())
	}
	FromContext(context.Background(), fallback).Info("from.fallback")
	if fallbackBuf.Len() == 0 {
		t.Fatal("expected fallback logger to be used")
	}
}
