package fingerprint

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSumDeterministic(t *testing.T) {
	a, size, err := Sum(strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if size != 5 {
		t.Fatalf("unexpected size: %d", size)
	}
	b, _, err := Sum(strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Fatalf("same content produced different fingerprints: %s vs %s", a, b)
	}
	c, _, _ := Sum(strings.NewReader("hellp"))
	if a == c {
		t.Fatalf("different content produced identical fingerprints")
	}
}

func TestFileMatchesSum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("payload"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	fromFile, size, err := File(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fromReader, _, _ := Sum(strings.NewReader("payload"))
	if fromFile != fromReader || size != int64(len("payload")) {
		t.Fatalf("file fingerprint mismatch")
	}
}

func TestFileUnreadable(t *testing.T) {
	_, _, err := File(filepath.Join(t.TempDir(), "missing"))
	if err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}

func TestChecksumStable(t *testing.T) {
	if Checksum([]byte("x")) != Checksum([]byte("x")) {
		t.Fatalf("checksum is not stable")
	}
	if Checksum([]byte("x")) == Checksum([]byte("y")) {
		t.Fatalf("checksum collision on trivial input")
	}
}
