package snapshot

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"darner.dev/store"
)

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return string(out)
}

// initRepo creates a git repo with one committed file, a.txt containing "base\n".
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	runGit(t, dir, "init")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test User")
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("base\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return NewEngine(st)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(content)
}

func TestTakeSnapshotCleanTree(t *testing.T) {
	ctx := context.Background()
	dir := initRepo(t)
	e := newTestEngine(t)

	if e.TakeSnapshot(ctx, dir, "sess", 1) {
		t.Error("TakeSnapshot on clean tree = true, want false")
	}
	res := e.RestoreSnapshot(ctx, dir, "sess", 1)
	if res.Restored || res.Reason != ReasonNotFound {
		t.Errorf("RestoreSnapshot = %+v, want not-found", res)
	}
}

func TestTakeSnapshotOutsideRepo(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	if e.TakeSnapshot(ctx, t.TempDir(), "sess", 1) {
		t.Error("TakeSnapshot outside a repo = true, want false")
	}
}

func TestModifiedFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := initRepo(t)
	e := newTestEngine(t)
	path := filepath.Join(dir, "a.txt")

	os.WriteFile(path, []byte("v1\n"), 0o644)
	if !e.TakeSnapshot(ctx, dir, "sess", 1) {
		t.Fatal("TakeSnapshot = false, want true")
	}
	// The turn mutates further.
	os.WriteFile(path, []byte("v2\n"), 0o644)

	res := e.RestoreSnapshot(ctx, dir, "sess", 1)
	if !res.Restored {
		t.Fatalf("RestoreSnapshot = %+v", res)
	}
	if got := readFile(t, path); got != "v1\n" {
		t.Errorf("a.txt = %q, want snapshot-time content %q", got, "v1\n")
	}

	// Rows were cleaned up; a second restore finds nothing.
	res = e.RestoreSnapshot(ctx, dir, "sess", 1)
	if res.Restored || res.Reason != ReasonNotFound {
		t.Errorf("second RestoreSnapshot = %+v, want not-found", res)
	}
	if got := readFile(t, path); got != "v1\n" {
		t.Errorf("a.txt changed by no-op restore: %q", got)
	}
}

func TestUntrackedFileDeletedOnRestore(t *testing.T) {
	ctx := context.Background()
	dir := initRepo(t)
	e := newTestEngine(t)
	path := filepath.Join(dir, "new.txt")

	os.WriteFile(path, []byte("fresh\n"), 0o644)
	if !e.TakeSnapshot(ctx, dir, "sess", 1) {
		t.Fatal("TakeSnapshot = false, want true")
	}
	res := e.RestoreSnapshot(ctx, dir, "sess", 1)
	if !res.Restored {
		t.Fatalf("RestoreSnapshot = %+v", res)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("untracked file still exists after restore")
	}
}

func TestDeletedFileRecreatedOnRestore(t *testing.T) {
	ctx := context.Background()
	dir := initRepo(t)
	e := newTestEngine(t)
	path := filepath.Join(dir, "a.txt")

	os.Remove(path)
	if !e.TakeSnapshot(ctx, dir, "sess", 1) {
		t.Fatal("TakeSnapshot = false, want true")
	}
	res := e.RestoreSnapshot(ctx, dir, "sess", 1)
	if !res.Restored {
		t.Fatalf("RestoreSnapshot = %+v", res)
	}
	if got := readFile(t, path); got != "base\n" {
		t.Errorf("a.txt = %q, want committed content %q", got, "base\n")
	}
}

func TestRenamedFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := initRepo(t)
	e := newTestEngine(t)

	runGit(t, dir, "mv", "a.txt", "b.txt")
	if !e.TakeSnapshot(ctx, dir, "sess", 1) {
		t.Fatal("TakeSnapshot = false, want true")
	}
	res := e.RestoreSnapshot(ctx, dir, "sess", 1)
	if !res.Restored {
		t.Fatalf("RestoreSnapshot = %+v", res)
	}
	if got := readFile(t, filepath.Join(dir, "a.txt")); got != "base\n" {
		t.Errorf("old path a.txt = %q, want %q", got, "base\n")
	}
	if _, err := os.Stat(filepath.Join(dir, "b.txt")); !os.IsNotExist(err) {
		t.Error("new path b.txt still exists after restore")
	}
}

func TestSnapshotDoesNotTouchGitMetadata(t *testing.T) {
	ctx := context.Background()
	dir := initRepo(t)
	e := newTestEngine(t)

	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("dirty\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "u.txt"), []byte("untracked\n"), 0o644)
	before := runGit(t, dir, "status", "--porcelain")

	if !e.TakeSnapshot(ctx, dir, "sess", 1) {
		t.Fatal("TakeSnapshot = false, want true")
	}
	after := runGit(t, dir, "status", "--porcelain")
	if before != after {
		t.Errorf("git status changed by TakeSnapshot:\nbefore: %q\nafter: %q", before, after)
	}
}

func TestPreview(t *testing.T) {
	ctx := context.Background()
	dir := initRepo(t)
	e := newTestEngine(t)

	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("v1\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x\n"), 0o644)
	if !e.TakeSnapshot(ctx, dir, "sess", 1) {
		t.Fatal("TakeSnapshot = false, want true")
	}
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("v2\n"), 0o644)

	preview, err := e.Preview(ctx, dir, "sess", 1)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"rewrite a.txt", "delete new.txt"} {
		if !strings.Contains(preview, want) {
			t.Errorf("preview missing %q:\n%s", want, preview)
		}
	}

	if p, err := e.Preview(ctx, dir, "sess", 99); err != nil || p != "" {
		t.Errorf("Preview for missing turn = (%q, %v), want empty", p, err)
	}
}

func TestParseStatus(t *testing.T) {
	out := []byte("M  a.txt\x00?? new file.txt\x00R  dst.txt\x00src.txt\x00 D gone.txt\x00")
	entries := parseStatus(out)
	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4: %+v", len(entries), entries)
	}
	if entries[0].code != "M " || entries[0].path != "a.txt" {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].code != "??" || entries[1].path != "new file.txt" {
		t.Errorf("entry 1 = %+v", entries[1])
	}
	if entries[2].code != "R " || entries[2].path != "dst.txt" || entries[2].source != "src.txt" {
		t.Errorf("entry 2 = %+v", entries[2])
	}
	if entries[3].code != " D" || entries[3].path != "gone.txt" {
		t.Errorf("entry 3 = %+v", entries[3])
	}
}
