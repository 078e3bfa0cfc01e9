package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rowjay/file-backup-utility/internal/chain"
	"github.com/rowjay/file-backup-utility/internal/config"
	"github.com/rowjay/file-backup-utility/internal/cryptoutil"
	"github.com/rowjay/file-backup-utility/internal/lock"
	"github.com/rowjay/file-backup-utility/internal/notify"
	"github.com/rowjay/file-backup-utility/internal/replay"
	"github.com/rowjay/file-backup-utility/internal/snapshot"
	"github.com/rowjay/file-backup-utility/internal/storage"
	"github.com/rowjay/file-backup-utility/internal/util"
)

// App wires the snapshot builder, the change-set chain and the replay engine
// together and owns run-level concerns: locking, backup windows, retries and
// notifications.
type App struct {
	Cfg      *config.Config
	Storage  storage.Storage
	Chain    *chain.Store
	Log      zerolog.Logger
	Notifier notify.Notifier
}

func New(cfg *config.Config, store storage.Storage, log zerolog.Logger, notifier notify.Notifier) (*App, error) {
	var key []byte
	if cfg.Backup.Encryption {
		if cfg.Backup.EncryptionKey == "" {
			return nil, fmt.Errorf("encryption is enabled but encryption_key is empty")
		}
		parsed, err := cryptoutil.ParseKey(cfg.Backup.EncryptionKey)
		if err != nil {
			return nil, err
		}
		key = parsed
	}
	return &App{
		Cfg:     cfg,
		Storage: store,
		Chain: &chain.Store{
			Backend:       store,
			Prefix:        cfg.Storage.Prefix,
			Name:          cfg.Backup.Name,
			Compression:   cfg.Backup.Compression,
			EncryptionKey: key,
			Log:           log,
		},
		Log:      log,
		Notifier: notifier,
	}, nil
}

type BackupResult struct {
	Sequence int64
	Full     bool
	Added    int
	Modified int
	Removed  int
	Warnings []snapshot.Warning
}

// Backup snapshots the source root, uploads the payloads of new and changed
// files and appends one change-set to the chain. When nothing changed and no
// new epoch was requested, nothing is appended and the head sequence is
// returned unchanged.
func (a *App) Backup(ctx context.Context) (*BackupResult, error) {
	start := time.Now()
	var opErr error
	var seq int64 = -1
	defer func() {
		a.notify(ctx, "backup", seq, start, opErr)
	}()

	if a.Cfg.Source.Root == "" {
		opErr = fmt.Errorf("source root is not configured")
		return nil, opErr
	}

	guard, err := lock.Acquire(a.Cfg.Global.LockFile)
	if err != nil {
		opErr = err
		return nil, err
	}
	defer guard.Release()

	ok, err := util.InWindow(time.Now(), a.Cfg.Schedule.WindowStart, a.Cfg.Schedule.WindowEnd, a.Cfg.Schedule.Timezone)
	if err != nil {
		opErr = err
		return nil, err
	}
	if !ok {
		opErr = fmt.Errorf("current time is outside configured backup window")
		return nil, opErr
	}

	full := a.Cfg.Backup.Full
	var prior *snapshot.Manifest
	if !full {
		prior, err = a.headManifest(ctx)
		if err != nil {
			opErr = err
			return nil, err
		}
		if prior == nil {
			a.Log.Info().Str("chain", a.Chain.Name).Msg("chain is empty, taking a full snapshot")
			full = true
		}
	}

	builder := &snapshot.Builder{
		Workers:  a.Cfg.Backup.Workers,
		Excludes: a.Cfg.Source.Excludes,
		Log:      a.Log,
	}
	cs, _, warnings, err := builder.Build(ctx, a.Cfg.Source.Root, prior)
	if err != nil {
		opErr = err
		return nil, err
	}
	for _, w := range warnings {
		a.Log.Warn().Str("path", w.Path).Str("reason", w.Err).Msg("entry skipped")
	}
	if full {
		cs.Parent = -1
	}

	result := &BackupResult{Full: full, Warnings: warnings}
	for _, op := range cs.Ops {
		switch op.Kind {
		case snapshot.OpAdd:
			result.Added++
		case snapshot.OpModify:
			result.Modified++
		case snapshot.OpRemove:
			result.Removed++
		}
	}

	if len(cs.Ops) == 0 && !full {
		seq = prior.Sequence
		result.Sequence = seq
		a.Log.Info().Str("chain", a.Chain.Name).Int64("sequence", seq).Msg("no changes since last snapshot")
		return result, nil
	}

	if err := a.uploadPayloads(ctx, cs); err != nil {
		opErr = err
		return nil, err
	}

	seq, err = a.Chain.Append(ctx, cs)
	if err != nil {
		opErr = err
		return nil, err
	}
	result.Sequence = seq
	a.Log.Info().
		Str("chain", a.Chain.Name).
		Int64("sequence", seq).
		Bool("full", full).
		Int("added", result.Added).
		Int("modified", result.Modified).
		Int("removed", result.Removed).
		Msg("backup committed")

	if a.Cfg.Backup.KeepEpochs > 0 {
		if err := a.Chain.PruneEpochs(ctx, a.Cfg.Backup.KeepEpochs); err != nil {
			a.Log.Warn().Err(err).Msg("epoch pruning failed")
		}
	}
	return result, nil
}

// uploadPayloads ships the blob for every added or modified file. Uploads of
// independent payloads run in parallel; content-addressed keys make re-uploads
// of already stored content a no-op.
func (a *App) uploadPayloads(ctx context.Context, cs *snapshot.ChangeSet) error {
	workers := a.Cfg.Backup.Workers
	if workers <= 0 {
		workers = 4
	}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	for _, op := range cs.Ops {
		if op.Kind == snapshot.OpRemove || op.Entry == nil || op.Entry.Type != snapshot.TypeFile {
			continue
		}
		op := op
		eg.Go(func() error {
			f, err := os.Open(filepath.Join(a.Cfg.Source.Root, filepath.FromSlash(op.Path)))
			if err != nil {
				return fmt.Errorf("payload %s: %w", op.Path, err)
			}
			defer f.Close()
			return a.Chain.PutBlob(egCtx, op.Entry.Fingerprint, f)
		})
	}
	return eg.Wait()
}

// Restore replays the chain into the restore target, up to the configured
// sequence or the chain head.
func (a *App) Restore(ctx context.Context) (*snapshot.Manifest, error) {
	start := time.Now()
	var opErr error
	seq := a.Cfg.Restore.UpTo
	defer func() {
		a.notify(ctx, "restore", seq, start, opErr)
	}()

	guard, err := lock.Acquire(a.Cfg.Global.LockFile)
	if err != nil {
		opErr = err
		return nil, err
	}
	defer guard.Release()

	if a.Cfg.Restore.DryRun {
		sets, err := a.Chain.ChainTo(ctx, a.Cfg.Restore.UpTo)
		if err != nil {
			opErr = err
			return nil, err
		}
		var state *snapshot.Manifest
		for _, cs := range sets {
			state, err = snapshot.Apply(state, cs)
			if err != nil {
				opErr = err
				return nil, err
			}
		}
		seq = state.Sequence
		a.Log.Info().
			Int64("sequence", state.Sequence).
			Int("change_sets", len(sets)).
			Int("entries", len(state.Entries)).
			Msg("dry run, nothing written")
		return state, nil
	}

	engine := &replay.Engine{Chain: a.Chain, Workers: a.Cfg.Restore.Workers, Log: a.Log}
	state, err := engine.Restore(ctx, a.Cfg.Restore.Target, a.Cfg.Restore.UpTo)
	if err != nil {
		opErr = err
		return nil, err
	}
	seq = state.Sequence
	a.Log.Info().
		Int64("sequence", state.Sequence).
		Int("entries", len(state.Entries)).
		Str("target", a.Cfg.Restore.Target).
		Msg("restore completed")
	return state, nil
}

// List returns the chain's change-set refs in sequence order.
func (a *App) List(ctx context.Context) ([]chain.Ref, error) {
	return a.Chain.List(ctx)
}

// Verify checks chain contiguity, change-set integrity and blob presence.
func (a *App) Verify(ctx context.Context) (*chain.VerifyResult, error) {
	return a.Chain.Verify(ctx)
}

// headManifest reconstructs the state at the chain head, or nil when the
// chain has no change-sets yet.
func (a *App) headManifest(ctx context.Context) (*snapshot.Manifest, error) {
	head, err := a.Chain.Head(ctx)
	if err != nil {
		return nil, err
	}
	if head < 0 {
		return nil, nil
	}
	sets, err := a.Chain.ChainTo(ctx, head)
	if err != nil {
		return nil, err
	}
	var state *snapshot.Manifest
	for _, cs := range sets {
		state, err = snapshot.Apply(state, cs)
		if err != nil {
			return nil, err
		}
	}
	return state, nil
}

func (a *App) notify(ctx context.Context, kind string, seq int64, start time.Time, opErr error) {
	if a.Notifier == nil {
		return
	}
	event := notify.Event{
		Type:      kind,
		Message:   fmt.Sprintf("%s %s", kind, a.Chain.Name),
		Status:    statusFromErr(opErr),
		Chain:     a.Chain.Name,
		Source:    a.Cfg.Source.Root,
		Sequence:  seq,
		StartedAt: start,
		EndedAt:   time.Now(),
		Duration:  time.Since(start).String(),
	}
	if opErr != nil {
		event.Error = opErr.Error()
	}
	_ = a.Notifier.Notify(context.WithoutCancel(ctx), event)
}

func statusFromErr(err error) string {
	if err == nil {
		return "success"
	}
	return "failed"
}
