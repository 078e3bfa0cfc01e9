package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func testBuilder() *Builder {
	return &Builder{Workers: 2, Log: zerolog.Nop()}
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func TestBuildInitialSnapshot(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.txt":     "1",
		"sub/b.txt": "2",
	})

	cs, manifest, warnings, err := testBuilder().Build(context.Background(), root, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if !cs.IsFull() {
		t.Fatalf("first snapshot should be full, parent=%d", cs.Parent)
	}
	for _, p := range []string{"a.txt", "sub", "sub/b.txt"} {
		if _, ok := manifest.Entries[p]; !ok {
			t.Fatalf("manifest is missing %s", p)
		}
	}
	if manifest.Entries["sub"].Type != TypeDir {
		t.Fatalf("sub should be recorded as a directory")
	}
	if len(cs.Ops) != 3 {
		t.Fatalf("expected 3 add ops, got %d", len(cs.Ops))
	}
	for _, op := range cs.Ops {
		if op.Kind != OpAdd {
			t.Fatalf("initial snapshot should only contain adds, got %s for %s", op.Kind, op.Path)
		}
	}
}

func TestBuildDeterministicOrdering(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"z.txt":        "z",
		"a.txt":        "a",
		"dir/m.txt":    "m",
		"dir/sub/x.go": "x",
	})

	first, _, _, err := testBuilder().Build(context.Background(), root, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, _, _, err := testBuilder().Build(context.Background(), root, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first.Ops) != len(second.Ops) {
		t.Fatalf("op counts differ between runs: %d vs %d", len(first.Ops), len(second.Ops))
	}
	for i := range first.Ops {
		if first.Ops[i].Path != second.Ops[i].Path || first.Ops[i].Kind != second.Ops[i].Kind {
			t.Fatalf("op %d differs between runs: %+v vs %+v", i, first.Ops[i], second.Ops[i])
		}
	}
	for i := 1; i < len(first.Ops); i++ {
		if first.Ops[i-1].Path >= first.Ops[i].Path {
			t.Fatalf("adds are not in lexicographic order: %s before %s", first.Ops[i-1].Path, first.Ops[i].Path)
		}
	}
}

func TestBuildDetectsModifyAndRemove(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "1", "b.txt": "b"})

	_, prior, _, err := testBuilder().Build(context.Background(), root, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	writeTree(t, root, map[string]string{"a.txt": "2"})
	if err := os.Remove(filepath.Join(root, "b.txt")); err != nil {
		t.Fatalf("remove: %v", err)
	}

	cs, _, _, err := testBuilder().Build(context.Background(), root, prior)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cs.IsFull() {
		t.Fatalf("incremental snapshot reported as full")
	}

	kinds := map[string]OpKind{}
	for _, op := range cs.Ops {
		kinds[op.Path] = op.Kind
	}
	if kinds["a.txt"] != OpModify {
		t.Fatalf("expected modify for a.txt, got %v", kinds["a.txt"])
	}
	if kinds["b.txt"] != OpRemove {
		t.Fatalf("expected remove for b.txt, got %v", kinds["b.txt"])
	}
}

func TestBuildNoChangesYieldsEmptyChangeSet(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "1"})

	_, prior, _, err := testBuilder().Build(context.Background(), root, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cs, _, _, err := testBuilder().Build(context.Background(), root, prior)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cs.Ops) != 0 {
		t.Fatalf("expected no ops on an unchanged tree, got %d", len(cs.Ops))
	}
}

func TestBuildRecordsEmptyDirectories(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	_, manifest, _, err := testBuilder().Build(context.Background(), root, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entry, ok := manifest.Entries["empty"]
	if !ok || entry.Type != TypeDir {
		t.Fatalf("empty directory was not recorded: %+v", entry)
	}
}

func TestBuildSymlinkNotDereferenced(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"target.txt": "data"})
	if err := os.Symlink("target.txt", filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	_, manifest, _, err := testBuilder().Build(context.Background(), root, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entry := manifest.Entries["link"]
	if entry.Type != TypeSymlink || entry.LinkTarget != "target.txt" {
		t.Fatalf("unexpected symlink entry: %+v", entry)
	}
}

func TestBuildExcludes(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"keep.txt": "k", "skip.tmp": "s"})

	builder := testBuilder()
	builder.Excludes = []string{"*.tmp"}
	_, manifest, _, err := builder.Build(context.Background(), root, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := manifest.Entries["skip.tmp"]; ok {
		t.Fatalf("excluded file was recorded")
	}
	if _, ok := manifest.Entries["keep.txt"]; !ok {
		t.Fatalf("kept file is missing")
	}
}

func TestBuildMetadataShortCircuitKeepsFingerprint(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "same"})

	_, prior, _, err := testBuilder().Build(context.Background(), root, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, next, _, err := testBuilder().Build(context.Background(), root, prior)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prior.Entries["a.txt"].Fingerprint != next.Entries["a.txt"].Fingerprint {
		t.Fatalf("fingerprint changed on an unchanged file")
	}
}
