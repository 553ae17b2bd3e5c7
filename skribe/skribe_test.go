package skribe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestRedact(t *testing.T) {
	in := []string{
		"ANTHROPIC_API_KEY=sk-secret",
		"SOME_OTHER_API_KEY=also-secret",
		"PATH=/usr/bin",
		"NOEQUALS",
	}
	out := Redact(in)
	if out[0] != "ANTHROPIC_API_KEY=[REDACTED]" || out[1] != "SOME_OTHER_API_KEY=[REDACTED]" {
		t.Errorf("Redact = %v", out)
	}
	if out[2] != "PATH=/usr/bin" || out[3] != "NOEQUALS" {
		t.Errorf("Redact mangled non-secrets: %v", out)
	}
}

func TestContextAttrsReachHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(AttrsWrap(slog.NewTextHandler(&buf, nil)))

	ctx := ContextWithAttr(context.Background(), slog.String("session_id", "s1"))
	ctx = ContextWithAttr(ctx, slog.Int("turn", 3))
	logger.InfoContext(ctx, "hello")

	out := buf.String()
	if !strings.Contains(out, "session_id=s1") || !strings.Contains(out, "turn=3") {
		t.Errorf("log output missing context attrs: %q", out)
	}
}

func TestContextWithAttrDoesNotMutateParent(t *testing.T) {
	parent := ContextWithAttr(context.Background(), slog.String("a", "1"))
	_ = ContextWithAttr(parent, slog.String("b", "2"))
	if got := len(Attrs(parent)); got != 1 {
		t.Errorf("parent ctx has %d attrs, want 1", got)
	}
}
