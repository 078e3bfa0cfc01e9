package util

import (
	"strings"
	"testing"
)

func TestChangeSetKey(t *testing.T) {
	key := ChangeSetKey("backups", "home", 42)
	if key != "backups/home/chain/0000000042.changeset.json" {
		t.Fatalf("unexpected key: %s", key)
	}
}

func TestSeqFromKey(t *testing.T) {
	key := ChangeSetKey("", "home", 7)
	seq, err := SeqFromKey(key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seq != 7 {
		t.Fatalf("unexpected sequence: %d", seq)
	}
}

func TestSeqFromKeyRejectsOtherObjects(t *testing.T) {
	if _, err := SeqFromKey("backups/home/blobs/ab/abcd"); err == nil {
		t.Fatalf("expected an error for a non change-set key")
	}
}

func TestChangeSetKeyOrderingMatchesSequence(t *testing.T) {
	low := ChangeSetKey("", "home", 9)
	high := ChangeSetKey("", "home", 10)
	if !(low < high) {
		t.Fatalf("expected %s to sort before %s", low, high)
	}
}

func TestBlobKeyFanout(t *testing.T) {
	key := BlobKey("backups", "home", "abcdef")
	if !strings.Contains(key, "/blobs/ab/abcdef") {
		t.Fatalf("unexpected blob key: %s", key)
	}
}
