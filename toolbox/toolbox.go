// Package toolbox wires tools into the turn loop: it injects a default
// working directory into tool contexts and dispatches post-execution hooks,
// external executables keyed by tool name.
package toolbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"darner.dev/llm"
	"darner.dev/skribe"
)

type workingDirKey struct{}

// WithWorkingDir returns a context carrying the working directory tools
// should operate in.
func WithWorkingDir(ctx context.Context, dir string) context.Context {
	return context.WithValue(ctx, workingDirKey{}, dir)
}

// WorkingDir returns the working directory carried by ctx, or "." if none is set.
func WorkingDir(ctx context.Context) string {
	if dir, ok := ctx.Value(workingDirKey{}).(string); ok && dir != "" {
		return dir
	}
	return "."
}

// Hooks dispatches post-tool-execution hooks. A hook for tool "foo" is an
// executable named "foo" in the hooks directory. Hook failures are reported
// through the OnError callback and otherwise swallowed; a broken hook must
// never fail a tool call.
type Hooks struct {
	Dir     string
	Timeout time.Duration
	OnError func(toolName string, err error)
}

const defaultHookTimeout = 30 * time.Second

// Dispatch runs the hook for toolName, if one exists. The hook receives the
// call metadata in its environment and runs in the context's working
// directory. Its stdout and stderr are discarded.
func (h *Hooks) Dispatch(ctx context.Context, toolName string, input json.RawMessage, result string, toolErr error) {
	if h == nil || h.Dir == "" {
		return
	}
	path := filepath.Join(h.Dir, toolName)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = defaultHookTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path)
	cmd.Dir = WorkingDir(ctx)
	env := append(skribe.Redact(os.Environ()),
		"DARNER_TOOL_NAME="+toolName,
		"DARNER_TOOL_INPUT="+string(input),
		"DARNER_TOOL_RESULT="+result,
	)
	if toolErr != nil {
		env = append(env, "DARNER_TOOL_ERROR="+toolErr.Error())
	}
	cmd.Env = env

	if out, err := cmd.CombinedOutput(); err != nil {
		err = fmt.Errorf("hook %s: %w - %s", toolName, err, out)
		slog.WarnContext(ctx, "tool hook failed", slog.String("tool", toolName), slog.String("error", err.Error()))
		if h.OnError != nil {
			h.OnError(toolName, err)
		}
	}
}

// Wrap returns a copy of tool whose Run executes in the given working
// directory and dispatches the post-execution hook afterwards.
func Wrap(tool *llm.Tool, workDir string, hooks *Hooks) *llm.Tool {
	wrapped := *tool
	inner := tool.Run
	wrapped.Run = func(ctx context.Context, input json.RawMessage) (string, error) {
		ctx = WithWorkingDir(ctx, workDir)
		result, err := inner(ctx, input)
		hooks.Dispatch(ctx, tool.Name, input, result, err)
		return result, err
	}
	return &wrapped
}

// WrapAll applies Wrap to every tool in tools.
func WrapAll(tools []*llm.Tool, workDir string, hooks *Hooks) []*llm.Tool {
	out := make([]*llm.Tool, len(tools))
	for i, tool := range tools {
		out[i] = Wrap(tool, workDir, hooks)
	}
	return out
}
