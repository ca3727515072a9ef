package execute

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/franz/dedup-janitor/internal/hasher"
	"github.com/franz/dedup-janitor/internal/report"
	"github.com/franz/dedup-janitor/internal/store"
	"github.com/franz/dedup-janitor/internal/util"
)

// Executor performs the filesystem side of journal operations
type Executor struct {
	bufferSize  int
	retryConfig *util.RetryConfig
	logger      *report.EventLogger
}

// Config holds executor configuration
type Config struct {
	BufferSize  int               // Buffer size for file copying (0 = use default)
	RetryConfig *util.RetryConfig // Retry configuration (nil = no retries)
	Logger      *report.EventLogger
}

// New creates a new Executor
func New(cfg *Config) *Executor {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 128 * 1024
	}
	if cfg.RetryConfig == nil {
		cfg.RetryConfig = util.NoRetry()
	}
	return &Executor{
		bufferSize:  cfg.BufferSize,
		retryConfig: cfg.RetryConfig,
		logger:      cfg.Logger,
	}
}

// Apply performs op. Every kind first checks that the bytes it is about to
// touch still hash to op.Hash.
//
//   - delete removes Source.
//   - move relocates Source to Destination.
//   - restore puts the bytes at Source back at Destination. When Source is
//     the staged copy in backup it is copied and kept; otherwise it is moved.
func (e *Executor) Apply(ctx context.Context, op *store.Operation, backup *store.ManifestEntry) error {
	var err error
	switch op.Kind {
	case store.OpDelete:
		err = e.applyDelete(ctx, op)
	case store.OpMove:
		err = e.applyMove(ctx, op)
	case store.OpRestore:
		err = e.applyRestore(ctx, op, backup)
	default:
		err = fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	e.logger.LogApply(op.TxID, op.ID, string(op.Kind), op.Source, op.Destination, err)
	return err
}

func (e *Executor) applyDelete(ctx context.Context, op *store.Operation) error {
	if err := CheckHash(op.Source, op.Hash); err != nil {
		return err
	}
	if err := util.RetryableRemove(ctx, op.Source, e.retryConfig); err != nil {
		return util.WrapKind(util.ErrIO, "delete "+op.Source, err)
	}
	syncParent(op.Source)
	util.DebugLog("Deleted: %s", op.Source)
	return nil
}

func (e *Executor) applyMove(ctx context.Context, op *store.Operation) error {
	if err := CheckHash(op.Source, op.Hash); err != nil {
		return err
	}
	if util.PathExists(op.Destination) {
		if CheckHash(op.Destination, op.Hash) != nil {
			return util.WrapKind(util.ErrIntegrity, "move "+op.Source, fmt.Errorf("destination %s exists", op.Destination))
		}
		// an interrupted copy+remove left both; finish it
		if err := util.RetryableRemove(ctx, op.Source, e.retryConfig); err != nil {
			return util.WrapKind(util.ErrIO, "remove moved source "+op.Source, err)
		}
		syncParent(op.Source)
		return nil
	}
	return e.moveFile(ctx, op.Source, op.Destination, op.Hash)
}

func (e *Executor) applyRestore(ctx context.Context, op *store.Operation, backup *store.ManifestEntry) error {
	if util.PathExists(op.Destination) {
		return util.WrapKind(util.ErrIntegrity, "restore "+op.Destination, errors.New("path is occupied"))
	}
	if err := CheckHash(op.Source, op.Hash); err != nil {
		return err
	}
	if backup != nil && backup.StagedPath == op.Source {
		_, err := e.CopyFile(ctx, op.Source, op.Destination, op.Hash)
		return err
	}
	return e.moveFile(ctx, op.Source, op.Destination, op.Hash)
}

// IsApplied reports whether op's effect is already on disk. Recovery uses it
// to re-apply a half-finished commit without doing anything twice.
func (e *Executor) IsApplied(op *store.Operation, backup *store.ManifestEntry) (bool, error) {
	switch op.Kind {
	case store.OpDelete:
		return !util.PathExists(op.Source), nil
	case store.OpMove, store.OpRestore:
		if !util.PathExists(op.Destination) {
			return false, nil
		}
		if err := CheckHash(op.Destination, op.Hash); err != nil {
			return false, err
		}
		keepsSource := op.Kind == store.OpRestore && backup != nil && backup.StagedPath == op.Source
		if !keepsSource && util.PathExists(op.Source) {
			// crashed between copy and remove
			return false, nil
		}
		return true, nil
	}
	return false, fmt.Errorf("unknown operation kind %q", op.Kind)
}

// Revert undoes op as part of a rollback. It is safe on an op that never
// applied or failed partway: only bytes that hash to op.Hash are moved or
// removed, so a file op did not write is never touched.
func (e *Executor) Revert(ctx context.Context, op *store.Operation, backup *store.ManifestEntry) error {
	var err error
	switch op.Kind {
	case store.OpDelete:
		if util.PathExists(op.Source) {
			return nil
		}
		if backup == nil {
			return util.WrapKind(util.ErrIntegrity, "revert "+op.ID, errors.New("no staged copy"))
		}
		_, err = e.CopyFile(ctx, backup.StagedPath, op.Source, op.Hash)
	case store.OpMove:
		switch {
		case e.wrote(op.Destination, op.Hash):
			if util.PathExists(op.Source) {
				// copy finished but the source was never removed
				err = util.RetryableRemove(ctx, op.Destination, e.retryConfig)
			} else {
				err = e.moveFile(ctx, op.Destination, op.Source, op.Hash)
			}
		case backup != nil && !util.PathExists(op.Source):
			_, err = e.CopyFile(ctx, backup.StagedPath, op.Source, op.Hash)
		}
	case store.OpRestore:
		if !e.wrote(op.Destination, op.Hash) {
			return nil
		}
		keepsSource := backup != nil && backup.StagedPath == op.Source
		if keepsSource || util.PathExists(op.Source) {
			err = util.RetryableRemove(ctx, op.Destination, e.retryConfig)
		} else {
			err = e.moveFile(ctx, op.Destination, op.Source, op.Hash)
		}
	default:
		err = fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	if err != nil {
		return fmt.Errorf("revert %s %s: %w", op.Kind, op.ID, err)
	}
	util.DebugLog("Reverted %s %s", op.Kind, op.ID)
	return nil
}

// wrote reports whether path holds the bytes an operation put there
func (e *Executor) wrote(path, hash string) bool {
	return util.PathExists(path) && CheckHash(path, hash) == nil
}

// CopyFile copies src to dest through a .part file and checks the written
// bytes hash to want. It returns the number of bytes copied.
func (e *Executor) CopyFile(ctx context.Context, src, dest, want string) (int64, error) {
	if err := util.RetryableMkdirAll(ctx, filepath.Dir(dest), 0o755, e.retryConfig); err != nil {
		return 0, util.WrapKind(util.ErrIO, "mkdir "+filepath.Dir(dest), err)
	}
	in, err := util.RetryableOpen(ctx, src, e.retryConfig)
	if err != nil {
		return 0, util.WrapKind(util.ErrIO, "open "+src, err)
	}
	defer in.Close()

	tempPath := dest + ".part"
	out, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, util.WrapKind(util.ErrIO, "create "+tempPath, err)
	}

	got, n, err := hasher.Copy(ctx, out, in, e.bufferSize)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tempPath)
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, util.WrapKind(util.ErrIO, "copy "+src, err)
	}

	if want != "" && got != want {
		os.Remove(tempPath)
		return 0, util.WrapKind(util.ErrIntegrity, "copy "+src,
			fmt.Errorf("copied bytes hash %s, want %s", hasher.Short(got), hasher.Short(want)))
	}

	if err := util.RetryableRename(ctx, tempPath, dest, e.retryConfig); err != nil {
		os.Remove(tempPath)
		return 0, util.WrapKind(util.ErrIO, "rename "+tempPath, err)
	}
	syncParent(dest)
	util.DebugLog("Copied: %s -> %s (%s)", src, dest, util.FormatBytes(n))
	return n, nil
}

// moveFile renames when possible and otherwise copies, verifies and removes
// the source
func (e *Executor) moveFile(ctx context.Context, src, dest, want string) error {
	if err := util.RetryableMkdirAll(ctx, filepath.Dir(dest), 0o755, e.retryConfig); err != nil {
		return util.WrapKind(util.ErrIO, "mkdir "+filepath.Dir(dest), err)
	}

	if err := util.RetryableRename(ctx, src, dest, e.retryConfig); err == nil {
		syncParent(src)
		syncParent(dest)
		util.DebugLog("Moved: %s -> %s", src, dest)
		return nil
	}

	// Rename failed (different filesystem), fall back to copy + delete
	if _, err := e.CopyFile(ctx, src, dest, want); err != nil {
		return err
	}
	if err := util.RetryableRemove(ctx, src, e.retryConfig); err != nil {
		return util.WrapKind(util.ErrIO, "remove moved source "+src, err)
	}
	syncParent(src)
	util.DebugLog("Moved (copy): %s -> %s", src, dest)
	return nil
}

// CheckHash fails with util.ErrIntegrity unless path exists and hashes to want
func CheckHash(path, want string) error {
	got, _, err := hasher.SumFile(context.Background(), path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return util.WrapKind(util.ErrIntegrity, "verify "+path, errors.New("file is missing"))
		}
		return err
	}
	if got != want {
		return util.WrapKind(util.ErrIntegrity, "verify "+path,
			fmt.Errorf("content hash %s, journal expects %s", hasher.Short(got), hasher.Short(want)))
	}
	return nil
}

func syncParent(path string) {
	if err := util.SyncDir(filepath.Dir(path)); err != nil {
		util.DebugLog("fsync %s: %v", filepath.Dir(path), err)
	}
}
