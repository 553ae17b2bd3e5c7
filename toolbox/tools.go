package toolbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"darner.dev/llm"
)

const maxToolOutputLength = 128 * 1024

const bashDescription = `
Executes a shell command using bash -c with an optional timeout, returning combined stdout and stderr.
The command runs in the session's working directory.
`

const bashInputSchema = `
{
  "type": "object",
  "required": ["command"],
  "properties": {
    "command": {
      "type": "string",
      "description": "Shell script to execute"
    },
    "timeout": {
      "type": "string",
      "description": "Timeout as a Go duration string, defaults to 1m"
    }
  }
}
`

type bashInput struct {
	Command string `json:"command"`
	Timeout string `json:"timeout,omitempty"`
}

func (i *bashInput) timeout() time.Duration {
	if i.Timeout != "" {
		if dur, err := time.ParseDuration(i.Timeout); err == nil {
			return dur
		}
	}
	return time.Minute
}

// NewBashTool returns the bash tool.
func NewBashTool() *llm.Tool {
	return &llm.Tool{
		Name:        "bash",
		Description: strings.TrimSpace(bashDescription),
		InputSchema: llm.MustSchema(bashInputSchema),
		Run:         bashRun,
	}
}

func bashRun(ctx context.Context, m json.RawMessage) (string, error) {
	var req bashInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", fmt.Errorf("failed to unmarshal bash command input: %w", err)
	}
	if req.Command == "" {
		return "", fmt.Errorf("empty command")
	}

	execCtx, cancel := context.WithTimeout(ctx, req.timeout())
	defer cancel()

	// Can't do the simple thing and call CombinedOutput because of the need
	// to kill the process group.
	cmd := exec.CommandContext(execCtx, "bash", "-c", req.Command)
	cmd.Dir = WorkingDir(ctx)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var output bytes.Buffer
	cmd.Stdin = nil
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("command failed: %w", err)
	}
	proc := cmd.Process
	done := make(chan struct{})
	go func() {
		select {
		case <-execCtx.Done():
			if proc != nil {
				// Kill the entire process group.
				syscall.Kill(-proc.Pid, syscall.SIGKILL)
			}
		case <-done:
		}
	}()

	err := cmd.Wait()
	close(done)

	if execCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command timed out after %s", req.timeout())
	}
	outstr := output.String()
	if output.Len() > maxToolOutputLength {
		outstr = fmt.Sprintf("output too long: got %s, max is %s\ninitial bytes of output:\n%s",
			humanize.Bytes(uint64(output.Len())), humanize.Bytes(maxToolOutputLength),
			output.Bytes()[:1024])
	}
	if err != nil {
		return "", fmt.Errorf("command failed: %w\n%s", err, outstr)
	}
	return outstr, nil
}

const readFileInputSchema = `
{
  "type": "object",
  "required": ["path"],
  "properties": {
    "path": {
      "type": "string",
      "description": "File path, relative to the working directory"
    }
  }
}
`

// NewReadFileTool returns the read_file tool. It is read-only, so it stays
// available in plan mode.
func NewReadFileTool() *llm.Tool {
	return &llm.Tool{
		Name:        "read_file",
		Description: "Returns the contents of a file.",
		InputSchema: llm.MustSchema(readFileInputSchema),
		ReadOnly:    true,
		Run:         readFileRun,
	}
}

func readFileRun(ctx context.Context, m json.RawMessage) (string, error) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(m, &req); err != nil {
		return "", fmt.Errorf("failed to unmarshal read_file input: %w", err)
	}
	path := req.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(WorkingDir(ctx), path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(content) > maxToolOutputLength {
		return "", fmt.Errorf("file too large: %s, max is %s",
			humanize.Bytes(uint64(len(content))), humanize.Bytes(maxToolOutputLength))
	}
	return string(content), nil
}

const listDirInputSchema = `
{
  "type": "object",
  "properties": {
    "path": {
      "type": "string",
      "description": "Directory path, relative to the working directory; defaults to the working directory"
    }
  }
}
`

// NewListDirTool returns the list_dir tool, read-only.
func NewListDirTool() *llm.Tool {
	return &llm.Tool{
		Name:        "list_dir",
		Description: "Lists the entries of a directory, directories suffixed with /.",
		InputSchema: llm.MustSchema(listDirInputSchema),
		ReadOnly:    true,
		Run:         listDirRun,
	}
}

func listDirRun(ctx context.Context, m json.RawMessage) (string, error) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(m, &req); err != nil {
		return "", fmt.Errorf("failed to unmarshal list_dir input: %w", err)
	}
	path := req.Path
	if path == "" {
		path = "."
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(WorkingDir(ctx), path)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}
