package snapshot

import "testing"

func manifestOf(entries ...Entry) *Manifest {
	m := NewManifest()
	for _, e := range entries {
		m.Entries[e.Path] = e
	}
	return m
}

func TestDiffRemoveOrderChildrenFirst(t *testing.T) {
	prior := manifestOf(
		Entry{Path: "dir", Type: TypeDir},
		Entry{Path: "dir/a.txt", Type: TypeFile, Fingerprint: "fp-a", Size: 1},
	)
	prior.Sequence = 3

	cs := Diff(prior, NewManifest())
	if cs.Parent != 3 {
		t.Fatalf("unexpected parent: %d", cs.Parent)
	}
	if len(cs.Ops) != 2 {
		t.Fatalf("expected 2 removes, got %d", len(cs.Ops))
	}
	if cs.Ops[0].Path != "dir/a.txt" || cs.Ops[1].Path != "dir" {
		t.Fatalf("removes must list children before parents: %+v", cs.Ops)
	}
}

func TestApplyFold(t *testing.T) {
	base := &ChangeSet{
		Sequence: 0,
		Parent:   -1,
		Ops: []Op{
			{Kind: OpAdd, Path: "a.txt", Entry: &Entry{Path: "a.txt", Type: TypeFile, Fingerprint: "one", Size: 1}},
		},
	}
	state, err := Apply(nil, base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	next := &ChangeSet{
		Sequence: 1,
		Parent:   0,
		Ops: []Op{
			{Kind: OpModify, Path: "a.txt", Entry: &Entry{Path: "a.txt", Type: TypeFile, Fingerprint: "two", Size: 1}},
			{Kind: OpAdd, Path: "b.txt", Entry: &Entry{Path: "b.txt", Type: TypeFile, Fingerprint: "bee", Size: 1}},
		},
	}
	state, err = Apply(state, next)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Entries["a.txt"].Fingerprint != "two" {
		t.Fatalf("modify was not applied")
	}
	if _, ok := state.Entries["b.txt"]; !ok {
		t.Fatalf("add was not applied")
	}

	remove := &ChangeSet{Sequence: 2, Parent: 1, Ops: []Op{{Kind: OpRemove, Path: "a.txt"}}}
	state, err = Apply(state, remove)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := state.Entries["a.txt"]; ok {
		t.Fatalf("remove was not applied")
	}
	if len(state.Entries) != 1 {
		t.Fatalf("unexpected final state: %+v", state.Entries)
	}
}

func TestApplyIdempotent(t *testing.T) {
	cs := &ChangeSet{
		Sequence: 1,
		Parent:   0,
		Ops: []Op{
			{Kind: OpAdd, Path: "x", Entry: &Entry{Path: "x", Type: TypeFile, Fingerprint: "fx", Size: 1}},
		},
	}
	once, err := Apply(NewManifest(), cs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	twice, err := Apply(once, cs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(once.Entries) != len(twice.Entries) {
		t.Fatalf("re-applying the same change-set changed the state")
	}
	if once.Entries["x"] != twice.Entries["x"] {
		t.Fatalf("re-applied entry differs")
	}
}

func TestApplyRejectsMalformedOp(t *testing.T) {
	cs := &ChangeSet{Sequence: 1, Parent: 0, Ops: []Op{{Kind: OpAdd, Path: "x"}}}
	if _, err := Apply(NewManifest(), cs); err == nil {
		t.Fatalf("expected an error for an add op without an entry")
	}
}
