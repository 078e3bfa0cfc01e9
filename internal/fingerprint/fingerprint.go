package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/xxh3"
)

// ErrEntryUnreadable marks a source file that could not be read during a walk.
// It is reported and excluded from the change-set rather than failing the run.
var ErrEntryUnreadable = fmt.Errorf("entry unreadable")

// Sum computes the SHA-256 digest of the stream and the number of bytes read.
func Sum(r io.Reader) (string, int64, error) {
	hasher := sha256.New()
	n, err := io.Copy(hasher, r)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

// File fingerprints a file's contents.
func File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %s: %w", ErrEntryUnreadable, path, err)
	}
	defer f.Close()
	sum, size, err := Sum(f)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %s: %w", ErrEntryUnreadable, path, err)
	}
	return sum, size, nil
}

// String fingerprints an in-memory payload. Used for symlink targets so a
// retargeted link shows up as modified.
func String(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Checksum computes a fast xxh3 integrity checksum for persisted metadata.
// Not collision-resistant; only used to detect corruption, never identity.
func Checksum(data []byte) string {
	return fmt.Sprintf("%016x", xxh3.Hash(data))
}
