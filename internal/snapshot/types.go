package snapshot

import (
	"sort"
	"time"
)

type EntryType string

const (
	TypeFile    EntryType = "file"
	TypeDir     EntryType = "dir"
	TypeSymlink EntryType = "symlink"
)

// Entry describes one item of a source tree. Path is slash-separated and
// relative to the source root.
type Entry struct {
	Path        string    `json:"path"`
	Type        EntryType `json:"type"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Size        int64     `json:"size,omitempty"`
	ModTime     time.Time `json:"mod_time,omitempty"`
	Mode        uint32    `json:"mode,omitempty"`
	LinkTarget  string    `json:"link_target,omitempty"`
}

// Same reports whether two entries describe identical content. Metadata that
// does not affect restored bytes (mtime) is ignored here; it only drives the
// re-hash short-circuit during a walk.
func (e Entry) Same(other Entry) bool {
	if e.Type != other.Type {
		return false
	}
	switch e.Type {
	case TypeSymlink:
		return e.LinkTarget == other.LinkTarget
	case TypeDir:
		return true
	default:
		return e.Fingerprint == other.Fingerprint && e.Size == other.Size
	}
}

// Manifest is the full state of a source tree at one point in time.
// Immutable once written.
type Manifest struct {
	Sequence  int64            `json:"sequence"`
	CreatedAt time.Time        `json:"created_at"`
	Entries   map[string]Entry `json:"entries"`
}

func NewManifest() *Manifest {
	return &Manifest{Sequence: -1, Entries: map[string]Entry{}}
}

// Paths returns the manifest's paths in lexicographic order.
func (m *Manifest) Paths() []string {
	paths := make([]string, 0, len(m.Entries))
	for p := range m.Entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

type OpKind string

const (
	OpAdd    OpKind = "add"
	OpModify OpKind = "modify"
	OpRemove OpKind = "remove"
)

// Op is one change relative to the parent manifest. Entry is nil for removes.
type Op struct {
	Kind  OpKind `json:"kind"`
	Path  string `json:"path"`
	Entry *Entry `json:"entry,omitempty"`
}

// ChangeSet captures one snapshot's worth of changes. Sequence numbers are
// assigned by the change-set store at append time, never by the builder.
type ChangeSet struct {
	Sequence    int64     `json:"sequence"`
	Parent      int64     `json:"parent"` // -1 when this is a full snapshot
	CreatedAt   time.Time `json:"created_at"`
	Compression string    `json:"compression,omitempty"`
	Encryption  bool      `json:"encryption,omitempty"`
	Checksum    string    `json:"checksum,omitempty"`
	Ops         []Op      `json:"ops"`
}

// IsFull reports whether the change-set starts a new chain epoch.
func (c *ChangeSet) IsFull() bool {
	return c.Parent < 0
}

// Warning records a non-fatal problem encountered during a walk. Warnings are
// accumulated and reported as a summary at the end of a run.
type Warning struct {
	Path string
	Err  string
}
