package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Preview describes what RestoreSnapshot would do for the given turn without
// touching the working tree. It returns "" when no snapshot exists.
func (e *Engine) Preview(ctx context.Context, cwd, sessionID string, turn int) (string, error) {
	entries, ok, err := e.store.LoadSnapshot(ctx, sessionID, turn)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}

	root, err := repoRoot(ctx, cwd)
	if err != nil {
		root = cwd
	}

	dmp := diffmatchpatch.New()
	var b strings.Builder
	for _, entry := range entries {
		abs := filepath.Join(root, entry.Path)
		if !entry.Existed {
			fmt.Fprintf(&b, "delete %s\n", entry.Path)
			continue
		}
		current, err := os.ReadFile(abs)
		if err != nil {
			fmt.Fprintf(&b, "recreate %s (%d bytes)\n", entry.Path, len(entry.Content))
			continue
		}
		if bytes.Equal(current, entry.Content) {
			continue
		}
		if !utf8.Valid(current) || !utf8.Valid(entry.Content) {
			fmt.Fprintf(&b, "rewrite %s (%d -> %d bytes)\n", entry.Path, len(current), len(entry.Content))
			continue
		}
		fmt.Fprintf(&b, "rewrite %s:\n", entry.Path)
		diffs := dmp.DiffMain(string(current), string(entry.Content), false)
		dmp.DiffCleanupSemantic(diffs)
		for _, d := range diffs {
			switch d.Type {
			case diffmatchpatch.DiffInsert:
				fmt.Fprintf(&b, "  + %s\n", strings.TrimRight(d.Text, "\n"))
			case diffmatchpatch.DiffDelete:
				fmt.Fprintf(&b, "  - %s\n", strings.TrimRight(d.Text, "\n"))
			}
		}
	}
	return b.String(), nil
}
