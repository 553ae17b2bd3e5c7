package toolbox

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"darner.dev/llm"
)

func TestWorkingDir(t *testing.T) {
	ctx := context.Background()
	if got := WorkingDir(ctx); got != "." {
		t.Errorf("WorkingDir with no value = %q, want %q", got, ".")
	}
	ctx = WithWorkingDir(ctx, "/tmp/work")
	if got := WorkingDir(ctx); got != "/tmp/work" {
		t.Errorf("WorkingDir = %q, want %q", got, "/tmp/work")
	}
}

func TestWrapInjectsWorkingDir(t *testing.T) {
	var seen string
	tool := &llm.Tool{
		Name: "probe",
		Run: func(ctx context.Context, input json.RawMessage) (string, error) {
			seen = WorkingDir(ctx)
			return "ok", nil
		},
	}
	wrapped := Wrap(tool, "/work", nil)
	out, err := wrapped.Run(context.Background(), nil)
	if err != nil || out != "ok" {
		t.Fatalf("Run = (%q, %v)", out, err)
	}
	if seen != "/work" {
		t.Errorf("tool saw working dir %q, want /work", seen)
	}
	// The original tool is untouched.
	seen = ""
	tool.Run(context.Background(), nil)
	if seen != "." {
		t.Errorf("original tool gained working dir injection: %q", seen)
	}
}

func writeHook(t *testing.T, dir, name, script string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("hook scripts require a unix shell")
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestHookDispatch(t *testing.T) {
	hookDir := t.TempDir()
	outFile := filepath.Join(t.TempDir(), "hook.out")
	writeHook(t, hookDir, "edit", `printf '%s|%s|%s' "$DARNER_TOOL_NAME" "$DARNER_TOOL_INPUT" "$DARNER_TOOL_RESULT" > `+outFile+"\n")

	hooks := &Hooks{Dir: hookDir}
	hooks.Dispatch(context.Background(), "edit", json.RawMessage(`{"path":"x"}`), "done", nil)

	content, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatal(err)
	}
	want := `edit|{"path":"x"}|done`
	if string(content) != want {
		t.Errorf("hook env = %q, want %q", content, want)
	}
}

func TestHookFailureSwallowed(t *testing.T) {
	hookDir := t.TempDir()
	writeHook(t, hookDir, "edit", "echo boom >&2\nexit 1\n")

	var reported error
	hooks := &Hooks{Dir: hookDir, OnError: func(name string, err error) { reported = err }}

	tool := &llm.Tool{
		Name: "edit",
		Run: func(ctx context.Context, input json.RawMessage) (string, error) {
			return "result", nil
		},
	}
	out, err := Wrap(tool, t.TempDir(), hooks).Run(context.Background(), nil)
	if err != nil || out != "result" {
		t.Fatalf("tool call affected by failing hook: (%q, %v)", out, err)
	}
	if reported == nil || !strings.Contains(reported.Error(), "boom") {
		t.Errorf("OnError not called with hook output, got %v", reported)
	}
}

func TestHookMissingIsNoop(t *testing.T) {
	var reported error
	hooks := &Hooks{Dir: t.TempDir(), OnError: func(name string, err error) { reported = err }}
	hooks.Dispatch(context.Background(), "nonexistent", nil, "", errors.New("tool failed"))
	if reported != nil {
		t.Errorf("missing hook reported error: %v", reported)
	}
}
