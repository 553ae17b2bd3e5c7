package termui

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/fatih/color"

	"darner.dev/loop"
)

func TestReporterRendersEvents(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	r := New(&buf)
	sink := r.Sink()

	sink(loop.TextDelta{Text: "working on it"})
	sink(loop.ToolCallStart{ID: "tu_1", Name: "bash", Input: []byte(`{"command":"ls"}`)})
	sink(loop.ToolResult{ID: "tu_1", Name: "bash", Result: "file.txt"})
	sink(loop.ToolResult{ID: "tu_2", Name: "edit", Result: "no such file\nmore detail", IsError: true})
	sink(loop.TurnComplete{Usage: loop.TurnUsage{InputTokens: 1234, OutputTokens: 56, ContextTokens: 1200}})

	out := buf.String()
	for _, want := range []string{
		"working on it",
		"bash",
		`{"command":"ls"}`,
		"edit: no such file",
		"1,234 in, 56 out",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "more detail") {
		t.Error("error result not truncated to first line")
	}
}

func TestReporterLaneSinkPrefixesLane(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	r := New(&buf)

	r.LaneSink()("lane-7", "tu_1", loop.TextDelta{Text: "sub working"})
	if out := buf.String(); !strings.Contains(out, "[lane-7]") || !strings.Contains(out, "sub working") {
		t.Errorf("lane output = %q", out)
	}
}

func TestReporterInterrupted(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	r := New(&buf)

	r.Sink()(loop.TurnError{Err: errors.New("user interrupt"), Interrupted: true})
	if out := buf.String(); !strings.Contains(out, "interrupted") || strings.Contains(out, "failed") {
		t.Errorf("interrupted rendering = %q", out)
	}
}
