package toolbox

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a unix shell")
	}
}

func TestBashTool(t *testing.T) {
	requireUnix(t)
	ctx := WithWorkingDir(context.Background(), t.TempDir())
	tool := NewBashTool()

	out, err := tool.Run(ctx, json.RawMessage(`{"command":"echo hello && pwd"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "hello\n") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, WorkingDir(ctx)) {
		t.Errorf("command did not run in working dir: %q", out)
	}
}

func TestBashToolFailure(t *testing.T) {
	requireUnix(t)
	tool := NewBashTool()
	_, err := tool.Run(context.Background(), json.RawMessage(`{"command":"echo oops >&2; exit 3"}`))
	if err == nil || !strings.Contains(err.Error(), "oops") {
		t.Errorf("err = %v, want failure with stderr", err)
	}
}

func TestBashToolTimeout(t *testing.T) {
	requireUnix(t)
	tool := NewBashTool()
	_, err := tool.Run(context.Background(), json.RawMessage(`{"command":"sleep 10","timeout":"100ms"}`))
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("err = %v, want timeout", err)
	}
}

func TestReadFileTool(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "note.txt"), []byte("remember this"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := WithWorkingDir(context.Background(), dir)
	tool := NewReadFileTool()
	if !tool.ReadOnly {
		t.Error("read_file must be marked read-only")
	}

	out, err := tool.Run(ctx, json.RawMessage(`{"path":"note.txt"}`))
	if err != nil {
		t.Fatal(err)
	}
	if out != "remember this" {
		t.Errorf("out = %q", out)
	}

	if _, err := tool.Run(ctx, json.RawMessage(`{"path":"missing.txt"}`)); err == nil {
		t.Error("want error for missing file")
	}
}

func TestListDirTool(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "b.txt"), nil, 0o644)
	os.WriteFile(filepath.Join(dir, "a.txt"), nil, 0o644)
	os.Mkdir(filepath.Join(dir, "sub"), 0o755)

	ctx := WithWorkingDir(context.Background(), dir)
	out, err := NewListDirTool().Run(ctx, json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if out != "a.txt\nb.txt\nsub/" {
		t.Errorf("out = %q", out)
	}
}
