package replay

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rowjay/file-backup-utility/internal/chain"
	"github.com/rowjay/file-backup-utility/internal/fingerprint"
	"github.com/rowjay/file-backup-utility/internal/snapshot"
)

// Engine reconstructs destination state by replaying a chain of change-sets
// in sequence order.
type Engine struct {
	Chain   *chain.Store
	Workers int // parallel file writes per change-set; 0 means NumCPU
	Log     zerolog.Logger
}

// Restore replays the chain up to the given sequence (or the head when upTo
// is negative) into destDir and returns the reconstructed state. A gap in
// the chain fails with ErrBrokenChain before anything is written.
func (e *Engine) Restore(ctx context.Context, destDir string, upTo int64) (*snapshot.Manifest, error) {
	sets, err := e.Chain.ChainTo(ctx, upTo)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, fmt.Errorf("destination %s: %w", destDir, err)
	}

	var state *snapshot.Manifest
	for _, cs := range sets {
		e.Log.Info().Int64("sequence", cs.Sequence).Int("ops", len(cs.Ops)).Msg("applying change-set")
		if err := e.Apply(ctx, destDir, cs); err != nil {
			return nil, fmt.Errorf("apply change-set %d: %w", cs.Sequence, err)
		}
		state, err = snapshot.Apply(state, cs)
		if err != nil {
			return nil, err
		}
	}
	return state, nil
}

// Apply materializes one change-set in destDir. Adds and modifies arrive
// parents-first, removes children-first, so directories exist before their
// files and empty out before they are deleted. Independent file writes run
// in parallel behind a directory-creation barrier, and re-applying a
// change-set the destination already reflects is a no-op.
func (e *Engine) Apply(ctx context.Context, destDir string, cs *snapshot.ChangeSet) error {
	var files []snapshot.Op
	for _, op := range cs.Ops {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if op.Kind == snapshot.OpRemove {
			continue
		}
		if op.Entry == nil {
			return fmt.Errorf("%s op for %s has no entry", op.Kind, op.Path)
		}
		switch op.Entry.Type {
		case snapshot.TypeDir:
			if err := e.applyDir(destDir, *op.Entry); err != nil {
				return err
			}
		case snapshot.TypeSymlink:
			if err := e.applySymlink(destDir, *op.Entry); err != nil {
				return err
			}
		default:
			files = append(files, op)
		}
	}

	workers := e.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	for _, op := range files {
		op := op
		eg.Go(func() error {
			return e.applyFile(egCtx, destDir, cs, *op.Entry)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for _, op := range cs.Ops {
		if op.Kind != snapshot.OpRemove {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := e.applyRemove(destDir, op.Path); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) applyDir(destDir string, entry snapshot.Entry) error {
	target := filepath.Join(destDir, filepath.FromSlash(entry.Path))
	if info, err := os.Lstat(target); err == nil && !info.IsDir() {
		// The path held a file or symlink in an earlier state.
		if err := os.Remove(target); err != nil {
			return fmt.Errorf("replace %s with directory: %w", entry.Path, err)
		}
	}
	mode := os.FileMode(entry.Mode)
	if mode == 0 {
		mode = 0o750
	}
	if err := os.MkdirAll(target, mode); err != nil {
		return fmt.Errorf("create directory %s: %w", entry.Path, err)
	}
	return nil
}

func (e *Engine) applySymlink(destDir string, entry snapshot.Entry) error {
	target := filepath.Join(destDir, filepath.FromSlash(entry.Path))
	if current, err := os.Readlink(target); err == nil && current == entry.LinkTarget {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("create directories for %s: %w", entry.Path, err)
	}
	_ = os.Remove(target)
	if err := os.Symlink(entry.LinkTarget, target); err != nil {
		return fmt.Errorf("create symlink %s: %w", entry.Path, err)
	}
	return nil
}

// applyFile writes one file payload via a temporary path and an atomic
// rename, so cancellation mid-write never leaves a corrupt destination entry.
func (e *Engine) applyFile(ctx context.Context, destDir string, cs *snapshot.ChangeSet, entry snapshot.Entry) error {
	target := filepath.Join(destDir, filepath.FromSlash(entry.Path))

	if info, err := os.Lstat(target); err == nil {
		if info.IsDir() {
			// The path held a directory in an earlier state; a rename
			// cannot replace it.
			if err := os.RemoveAll(target); err != nil {
				return fmt.Errorf("replace directory %s with file: %w", entry.Path, err)
			}
		} else if info.Mode().IsRegular() && info.Size() == entry.Size {
			if current, _, err := fingerprint.File(target); err == nil && current == entry.Fingerprint {
				e.Log.Debug().Str("path", entry.Path).Msg("destination already matches, skipping")
				return nil
			}
		}
	}

	blob, err := e.Chain.GetBlob(ctx, entry.Fingerprint, cs.Compression, cs.Encryption)
	if err != nil {
		return err
	}
	defer blob.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("create directories for %s: %w", entry.Path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".fbu-*")
	if err != nil {
		return fmt.Errorf("temp file for %s: %w", entry.Path, err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, blob); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", entry.Path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", entry.Path, err)
	}

	mode := os.FileMode(entry.Mode)
	if mode == 0 {
		mode = 0o600
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", entry.Path, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("commit %s: %w", entry.Path, err)
	}
	if !entry.ModTime.IsZero() {
		_ = os.Chtimes(target, time.Now(), entry.ModTime)
	}
	return nil
}

func (e *Engine) applyRemove(destDir, rel string) error {
	target := filepath.Join(destDir, filepath.FromSlash(rel))
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", rel, err)
	}
	return nil
}
