// Package snapshot captures and restores per-turn working tree state using
// the git binary. Before each turn the engine records the dirty files of the
// repository; restoring a snapshot rewrites those files, undoing whatever the
// turn did to them. The engine never touches git metadata itself: no stash,
// no commit, only status and show queries.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"darner.dev/store"
)

// Store is the persistence the engine writes snapshots to.
// *store.Store implements it.
type Store interface {
	SaveSnapshot(ctx context.Context, sessionID string, turn int, entries []store.SnapshotEntry) error
	LoadSnapshot(ctx context.Context, sessionID string, turn int) ([]store.SnapshotEntry, bool, error)
	DeleteSnapshot(ctx context.Context, sessionID string, turn int) error
}

type Engine struct {
	store Store
}

func NewEngine(st Store) *Engine {
	return &Engine{store: st}
}

// RestoreReason explains a restore that did not happen.
type RestoreReason string

const (
	ReasonNotFound RestoreReason = "not-found"
	ReasonError    RestoreReason = "error"
)

type RestoreResult struct {
	Restored bool
	Reason   RestoreReason
}

// TakeSnapshot records the pre-turn state of every dirty file under the
// repository containing cwd. It reports whether a snapshot was stored: false
// means the tree was clean, cwd is not inside a repository, or snapshotting
// failed. Snapshotting is best-effort and never returns an error; failures
// are logged and swallowed.
func (e *Engine) TakeSnapshot(ctx context.Context, cwd, sessionID string, turn int) bool {
	root, err := repoRoot(ctx, cwd)
	if err != nil {
		// Not a repository. Normal, not an error.
		return false
	}
	statusOut, err := gitOutput(ctx, root, "status", "--porcelain=v1", "-z", "--untracked-files=all", "--find-renames")
	if err != nil {
		slog.WarnContext(ctx, "snapshot: git status failed", slog.String("error", err.Error()))
		return false
	}

	var entries []store.SnapshotEntry
	seen := make(map[string]bool)
	add := func(e store.SnapshotEntry) {
		if !seen[e.Path] {
			seen[e.Path] = true
			entries = append(entries, e)
		}
	}
	fromDisk := func(path string) ([]byte, bool) {
		content, err := os.ReadFile(filepath.Join(root, path))
		if err != nil {
			slog.WarnContext(ctx, "snapshot: skipping unreadable file",
				slog.String("path", path), slog.String("error", err.Error()))
			return nil, false
		}
		return content, true
	}
	fromHead := func(path string) ([]byte, bool) {
		content, err := gitOutput(ctx, root, "show", "HEAD:"+path)
		if err != nil {
			slog.WarnContext(ctx, "snapshot: file not in HEAD, skipping",
				slog.String("path", path), slog.String("error", err.Error()))
			return nil, false
		}
		return content, true
	}

	for _, st := range parseStatus(statusOut) {
		switch {
		case st.code[0] == '?':
			// Untracked: did not exist before the turn, delete on restore.
			add(store.SnapshotEntry{Path: st.path, Existed: false})
		case st.code[0] == 'R' || st.code[0] == 'C':
			// Rename/copy: recreate the source from the last revision,
			// remove the destination.
			if content, ok := fromHead(st.source); ok {
				add(store.SnapshotEntry{Path: st.source, Content: content, Existed: true})
			}
			add(store.SnapshotEntry{Path: st.path, Existed: false})
		case st.code[0] == 'D' || st.code[1] == 'D':
			// Deleted: recreate from the last revision.
			if content, ok := fromHead(st.path); ok {
				add(store.SnapshotEntry{Path: st.path, Content: content, Existed: true})
			}
		default:
			// Modified or added tracked file: keep its bytes as of now.
			if content, ok := fromDisk(st.path); ok {
				add(store.SnapshotEntry{Path: st.path, Content: content, Existed: true})
			}
		}
	}

	if len(entries) == 0 {
		return false
	}
	if err := e.store.SaveSnapshot(ctx, sessionID, turn, entries); err != nil {
		slog.WarnContext(ctx, "snapshot: persist failed", slog.String("error", err.Error()))
		return false
	}
	slog.DebugContext(ctx, "snapshot taken", slog.Int("turn", turn), slog.Int("files", len(entries)))
	return true
}

// RestoreSnapshot rewrites the working tree files recorded for the given turn
// and, on full success, deletes the stored rows. A partial failure keeps the
// rows so the restore can be retried.
func (e *Engine) RestoreSnapshot(ctx context.Context, cwd, sessionID string, turn int) RestoreResult {
	entries, ok, err := e.store.LoadSnapshot(ctx, sessionID, turn)
	if err != nil {
		slog.WarnContext(ctx, "snapshot: load failed", slog.String("error", err.Error()))
		return RestoreResult{Reason: ReasonError}
	}
	if !ok {
		return RestoreResult{Reason: ReasonNotFound}
	}

	root, err := repoRoot(ctx, cwd)
	if err != nil {
		root = cwd
	}

	allOK := true
	for _, entry := range entries {
		abs := filepath.Join(root, entry.Path)
		if !entry.Existed {
			if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
				slog.WarnContext(ctx, "snapshot: remove failed",
					slog.String("path", entry.Path), slog.String("error", err.Error()))
				allOK = false
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			slog.WarnContext(ctx, "snapshot: mkdir failed",
				slog.String("path", entry.Path), slog.String("error", err.Error()))
			allOK = false
			continue
		}
		if err := os.WriteFile(abs, entry.Content, 0o644); err != nil {
			slog.WarnContext(ctx, "snapshot: write failed",
				slog.String("path", entry.Path), slog.String("error", err.Error()))
			allOK = false
		}
	}

	if !allOK {
		return RestoreResult{Reason: ReasonError}
	}
	if err := e.store.DeleteSnapshot(ctx, sessionID, turn); err != nil {
		slog.WarnContext(ctx, "snapshot: cleanup failed", slog.String("error", err.Error()))
	}
	return RestoreResult{Restored: true}
}

type statusEntry struct {
	code   string // two-letter XY status
	path   string
	source string // original path for renames/copies
}

// parseStatus parses `git status --porcelain=v1 -z` output. Records are
// NUL-terminated; rename and copy records carry a second NUL-terminated
// field holding the source path.
func parseStatus(out []byte) []statusEntry {
	fields := strings.Split(string(out), "\x00")
	var entries []statusEntry
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if len(f) < 4 {
			continue
		}
		e := statusEntry{code: f[:2], path: f[3:]}
		if e.code[0] == 'R' || e.code[0] == 'C' {
			i++
			if i < len(fields) {
				e.source = fields[i]
			}
		}
		entries = append(entries, e)
	}
	return entries
}

func repoRoot(ctx context.Context, cwd string) (string, error) {
	out, err := gitOutput(ctx, cwd, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func gitOutput(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git %s: %w - %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.Bytes(), nil
}
