package snapshot

import (
	"fmt"
	"sort"
	"time"
)

// Diff computes the change-set that transforms prior into next. Adds and
// modifies come first in lexicographic order (parents before children);
// removes follow in reverse lexicographic order (children before parents), so
// applying the ops front to back is always safe.
func Diff(prior, next *Manifest) *ChangeSet {
	cs := &ChangeSet{
		Parent:    prior.Sequence,
		CreatedAt: time.Now().UTC(),
	}

	for _, p := range next.Paths() {
		entry := next.Entries[p]
		prev, ok := prior.Entries[p]
		switch {
		case !ok:
			e := entry
			cs.Ops = append(cs.Ops, Op{Kind: OpAdd, Path: p, Entry: &e})
		case !prev.Same(entry):
			e := entry
			cs.Ops = append(cs.Ops, Op{Kind: OpModify, Path: p, Entry: &e})
		}
	}

	var removed []string
	for p := range prior.Entries {
		if _, ok := next.Entries[p]; !ok {
			removed = append(removed, p)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(removed)))
	for _, p := range removed {
		cs.Ops = append(cs.Ops, Op{Kind: OpRemove, Path: p})
	}

	return cs
}

// Apply folds a change-set into a manifest-shaped state, returning the new
// state. The input is not mutated, which keeps replay testable without any
// filesystem involvement.
func Apply(state *Manifest, cs *ChangeSet) (*Manifest, error) {
	if state == nil {
		state = NewManifest()
	}
	next := NewManifest()
	next.Sequence = cs.Sequence
	next.CreatedAt = cs.CreatedAt
	if !cs.IsFull() {
		for p, e := range state.Entries {
			next.Entries[p] = e
		}
	}

	for _, op := range cs.Ops {
		switch op.Kind {
		case OpAdd, OpModify:
			if op.Entry == nil {
				return nil, fmt.Errorf("change-set %d: %s op for %s has no entry", cs.Sequence, op.Kind, op.Path)
			}
			next.Entries[op.Path] = *op.Entry
		case OpRemove:
			delete(next.Entries, op.Path)
		default:
			return nil, fmt.Errorf("change-set %d: unknown op kind %q", cs.Sequence, op.Kind)
		}
	}
	return next, nil
}
