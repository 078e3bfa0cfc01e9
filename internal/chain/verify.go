package chain

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/rowjay/file-backup-utility/internal/snapshot"
	"github.com/rowjay/file-backup-utility/internal/util"
)

// VerifyResult summarizes a chain integrity check.
type VerifyResult struct {
	ChangeSets   int
	Blobs        int
	MissingBlobs []string
}

// Verify checks that every persisted change-set is readable, passes its
// integrity checksum, links correctly to its predecessor, and that every file
// payload the chain references is present.
func (s *Store) Verify(ctx context.Context) (*VerifyResult, error) {
	refs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: chain %s is empty", ErrBrokenChain, s.Name)
	}

	result := &VerifyResult{}
	seen := map[string]bool{}
	for i, ref := range refs {
		if i > 0 && ref.Sequence != refs[i-1].Sequence+1 {
			return nil, fmt.Errorf("%w: gap between sequences %d and %d", ErrBrokenChain, refs[i-1].Sequence, ref.Sequence)
		}
		cs, err := s.Read(ctx, ref.Sequence)
		if err != nil {
			return nil, err
		}
		if !cs.IsFull() && cs.Parent != ref.Sequence-1 {
			return nil, fmt.Errorf("%w: change-set %d references parent %d", ErrBrokenChain, ref.Sequence, cs.Parent)
		}
		if i == 0 && !cs.IsFull() {
			return nil, fmt.Errorf("%w: chain does not begin with a full snapshot", ErrBrokenChain)
		}
		result.ChangeSets++

		for _, op := range cs.Ops {
			if op.Kind == snapshot.OpRemove || op.Entry == nil || op.Entry.Type != snapshot.TypeFile {
				continue
			}
			fp := op.Entry.Fingerprint
			if fp == "" || seen[fp] {
				continue
			}
			seen[fp] = true
			result.Blobs++
			ok, err := s.HasBlob(ctx, fp)
			if err != nil {
				return nil, err
			}
			if !ok {
				result.MissingBlobs = append(result.MissingBlobs, fp)
			}
		}
	}

	if len(result.MissingBlobs) > 0 {
		return result, fmt.Errorf("%w: %d referenced payloads are missing", ErrBrokenChain, len(result.MissingBlobs))
	}
	return result, nil
}

// PruneEpochs drops change-sets older than the keep most recent full
// snapshots, then deletes payloads no surviving change-set references.
func (s *Store) PruneEpochs(ctx context.Context, keep int) error {
	if keep <= 0 {
		return nil
	}
	refs, err := s.List(ctx)
	if err != nil {
		return err
	}

	var fulls []int64
	sets := map[int64]*snapshot.ChangeSet{}
	for _, ref := range refs {
		cs, err := s.Read(ctx, ref.Sequence)
		if err != nil {
			return err
		}
		sets[ref.Sequence] = cs
		if cs.IsFull() {
			fulls = append(fulls, ref.Sequence)
		}
	}
	if len(fulls) <= keep {
		return nil
	}
	boundary := fulls[len(fulls)-keep]

	referenced := map[string]bool{}
	for seq, cs := range sets {
		if seq < boundary {
			continue
		}
		for _, op := range cs.Ops {
			if op.Entry != nil && op.Entry.Type == snapshot.TypeFile && op.Entry.Fingerprint != "" {
				referenced[op.Entry.Fingerprint] = true
			}
		}
	}

	for _, ref := range refs {
		if ref.Sequence >= boundary {
			continue
		}
		if err := s.Backend.Delete(ctx, ref.Key); err != nil {
			return err
		}
		s.Log.Info().Int64("sequence", ref.Sequence).Msg("pruned change-set")
	}

	blobPrefix := util.BlobKey(s.Prefix, s.Name, "")
	blobs, err := s.Backend.List(ctx, blobPrefix)
	if err != nil {
		return err
	}
	for _, obj := range blobs {
		if strings.Contains(obj.Key, util.PendingSuffix) {
			// Another writer's upload in flight; not garbage.
			continue
		}
		if referenced[path.Base(obj.Key)] {
			continue
		}
		if err := s.Backend.Delete(ctx, obj.Key); err != nil {
			return err
		}
	}
	return nil
}
