package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rowjay/file-backup-utility/internal/fingerprint"
)

type walkItem struct{ abs, rel string }

// Builder walks a source tree and produces a change-set against a prior manifest.
type Builder struct {
	Workers  int      // fingerprinting parallelism; 0 means NumCPU
	Excludes []string // glob patterns matched against relative paths and base names
	Log      zerolog.Logger
}

// Build walks root in deterministic lexicographic order and diffs the result
// against prior. The returned change-set carries no sequence number; the
// change-set store assigns one at append time.
func (b *Builder) Build(ctx context.Context, root string, prior *Manifest) (*ChangeSet, *Manifest, []Warning, error) {
	if prior == nil {
		prior = NewManifest()
	}

	rootInfo, err := os.Lstat(root)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("source root %s: %w", root, err)
	}
	if !rootInfo.IsDir() {
		return nil, nil, nil, fmt.Errorf("source root %s is not a directory", root)
	}

	manifest := NewManifest()
	manifest.CreatedAt = time.Now().UTC()

	var warnings []Warning
	warn := func(rel string, err error) {
		warnings = append(warnings, Warning{Path: rel, Err: err.Error()})
		b.Log.Warn().Str("path", rel).Err(err).Msg("skipping unreadable entry")
	}

	// Explicit work stack instead of recursion; directories are pushed in
	// reverse-sorted order so pops come out lexicographic.
	stack := []walkItem{{abs: filepath.Clean(root), rel: ""}}
	var toHash []walkItem

	for len(stack) > 0 {
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		select {
		case <-ctx.Done():
			return nil, nil, warnings, ctx.Err()
		default:
		}

		items, err := os.ReadDir(dir.abs)
		if err != nil {
			if dir.rel == "" {
				return nil, nil, warnings, fmt.Errorf("source root %s: %w", root, err)
			}
			warn(dir.rel, err)
			continue
		}
		sort.Slice(items, func(i, j int) bool { return items[i].Name() < items[j].Name() })

		var subdirs []walkItem
		for _, item := range items {
			rel := path.Join(dir.rel, item.Name())
			abs := filepath.Join(dir.abs, item.Name())
			if b.excluded(rel, item.Name()) {
				continue
			}

			info, err := item.Info()
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					// Vanished mid-walk; it is simply absent from the new
					// manifest, which the diff reports as removed.
					continue
				}
				warn(rel, err)
				continue
			}

			switch {
			case info.Mode()&os.ModeSymlink != 0:
				target, err := os.Readlink(abs)
				if err != nil {
					warn(rel, err)
					b.carryForward(manifest, prior, rel)
					continue
				}
				manifest.Entries[rel] = Entry{
					Path:        rel,
					Type:        TypeSymlink,
					LinkTarget:  target,
					Fingerprint: fingerprint.String(target),
					ModTime:     info.ModTime().UTC(),
					Mode:        uint32(info.Mode().Perm()),
				}
			case info.IsDir():
				manifest.Entries[rel] = Entry{
					Path:    rel,
					Type:    TypeDir,
					ModTime: info.ModTime().UTC(),
					Mode:    uint32(info.Mode().Perm()),
				}
				subdirs = append(subdirs, walkItem{abs: abs, rel: rel})
			case info.Mode().IsRegular():
				if prev, ok := prior.Entries[rel]; ok && prev.Type == TypeFile &&
					prev.Size == info.Size() && prev.ModTime.Equal(info.ModTime().UTC()) {
					// Cheap metadata proves no change; reuse the fingerprint.
					manifest.Entries[rel] = Entry{
						Path:        rel,
						Type:        TypeFile,
						Fingerprint: prev.Fingerprint,
						Size:        info.Size(),
						ModTime:     info.ModTime().UTC(),
						Mode:        uint32(info.Mode().Perm()),
					}
					continue
				}
				manifest.Entries[rel] = Entry{
					Path:    rel,
					Type:    TypeFile,
					Size:    info.Size(),
					ModTime: info.ModTime().UTC(),
					Mode:    uint32(info.Mode().Perm()),
				}
				toHash = append(toHash, walkItem{abs: abs, rel: rel})
			default:
				// Sockets, devices and the like are not backed up.
				b.Log.Debug().Str("path", rel).Msg("skipping special file")
			}
		}

		for i := len(subdirs) - 1; i >= 0; i-- {
			stack = append(stack, subdirs[i])
		}
	}

	if err := b.hashAll(ctx, manifest, prior, toHash, &warnings); err != nil {
		return nil, nil, warnings, err
	}

	cs := Diff(prior, manifest)
	return cs, manifest, warnings, nil
}

// hashAll fingerprints the collected files across a bounded worker pool. The
// manifest map is mutated only under the mutex; the diff step that follows is
// single-threaded.
func (b *Builder) hashAll(ctx context.Context, manifest, prior *Manifest, toHash []walkItem, warnings *[]Warning) error {
	workers := b.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)

	for _, item := range toHash {
		item := item
		eg.Go(func() error {
			select {
			case <-egCtx.Done():
				return egCtx.Err()
			default:
			}
			sum, size, err := fingerprint.File(item.abs)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					// Vanished between the walk and the hash.
					delete(manifest.Entries, item.rel)
					return nil
				}
				*warnings = append(*warnings, Warning{Path: item.rel, Err: err.Error()})
				b.Log.Warn().Str("path", item.rel).Err(err).Msg("excluding unreadable file")
				b.carryForward(manifest, prior, item.rel)
				return nil
			}
			entry := manifest.Entries[item.rel]
			entry.Fingerprint = sum
			entry.Size = size
			manifest.Entries[item.rel] = entry
			return nil
		})
	}
	return eg.Wait()
}

// carryForward keeps the prior entry for a path that turned unreadable so the
// diff does not report a spurious remove.
func (b *Builder) carryForward(manifest, prior *Manifest, rel string) {
	if prev, ok := prior.Entries[rel]; ok {
		manifest.Entries[rel] = prev
	} else {
		delete(manifest.Entries, rel)
	}
}

func (b *Builder) excluded(rel, base string) bool {
	for _, pattern := range b.Excludes {
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
	}
	return false
}
