package util

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

const (
	ChangeSetSuffix = ".changeset.json"
	PendingSuffix   = ".__pending__"
)

// ChainPrefix builds the prefix under which a named chain stores its change-sets.
func ChainPrefix(prefix, name string) string {
	parts := []string{}
	if prefix != "" {
		parts = append(parts, strings.Trim(prefix, "/"))
	}
	parts = append(parts, name, "chain")
	return path.Join(parts...)
}

// ChangeSetKey constructs the object key for a change-set at the given sequence.
// Sequence numbers are zero-padded so lexicographic listing matches numeric order.
func ChangeSetKey(prefix, name string, seq int64) string {
	return path.Join(ChainPrefix(prefix, name), fmt.Sprintf("%010d%s", seq, ChangeSetSuffix))
}

// SeqFromKey recovers the sequence number from a change-set object key.
func SeqFromKey(key string) (int64, error) {
	base := path.Base(key)
	if !strings.HasSuffix(base, ChangeSetSuffix) {
		return 0, fmt.Errorf("not a change-set key: %s", key)
	}
	seq, err := strconv.ParseInt(strings.TrimSuffix(base, ChangeSetSuffix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse sequence from %s: %w", key, err)
	}
	return seq, nil
}

// BlobKey constructs the content-addressed object key for a file payload.
// The fingerprint is fanned out by its first byte to keep listings shallow.
func BlobKey(prefix, name, fingerprint string) string {
	parts := []string{}
	if prefix != "" {
		parts = append(parts, strings.Trim(prefix, "/"))
	}
	fanout := fingerprint
	if len(fanout) > 2 {
		fanout = fanout[:2]
	}
	parts = append(parts, name, "blobs", fanout, fingerprint)
	return path.Join(parts...)
}

// PendingKey returns the temporary key an object is written to before publish.
func PendingKey(key string) string {
	return key + PendingSuffix
}
