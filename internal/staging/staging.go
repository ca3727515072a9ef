package staging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/franz/dedup-janitor/internal/hasher"
	"github.com/franz/dedup-janitor/internal/report"
	"github.com/franz/dedup-janitor/internal/store"
	"github.com/franz/dedup-janitor/internal/util"
)

// ManifestStore persists manifest entries
type ManifestStore interface {
	PutManifestEntry(e *store.ManifestEntry) error
	GetManifestEntry(opID string) (*store.ManifestEntry, error)
	ListPrunableManifest(cutoff time.Time) ([]*store.ManifestEntry, error)
	DeleteManifestEntry(id string) error
}

// DefaultLockTimeout bounds the wait for another process's manifest write
const DefaultLockTimeout = 10 * time.Second

// Config holds staging configuration
type Config struct {
	Root        string // holding area; best placed on the same volume as the library
	Store       ManifestStore
	Logger      *report.EventLogger
	LockTimeout time.Duration // 0 = DefaultLockTimeout
}

// Stager copies files slated for removal into the holding area.
//
// Layout:
//
//	<root>/
//	  manifest.lock
//	  <tx id>/<op id><ext>
type Stager struct {
	root   string
	store  ManifestStore
	logger *report.EventLogger

	// mu and the manifest file lock guard only the manifest append
	mu          sync.Mutex
	lockPath    string
	lockTimeout time.Duration

	copy func(ctx context.Context, src, dst string) (string, int64, error)
	now  func() time.Time
}

// New creates a Stager rooted at cfg.Root
func New(cfg *Config) (*Stager, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("staging root: %w", util.ErrInvalidConfig)
	}
	root, err := util.CanonicalPath(cfg.Root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	return &Stager{
		root:        root,
		store:       cfg.Store,
		logger:      cfg.Logger,
		lockPath:    filepath.Join(root, "manifest.lock"),
		lockTimeout: cfg.LockTimeout,
		copy:        copyAndHash,
		now:         time.Now,
	}, nil
}

// Root returns the holding area directory
func (s *Stager) Root() string {
	return s.root
}

// StagedPath is where op's copy lives
func (s *Stager) StagedPath(op *store.Operation) string {
	return filepath.Join(s.root, op.TxID, op.ID+filepath.Ext(op.Source))
}

// Stage copies op.Source into the holding area and records it in the
// manifest. The copy is verified against op.Hash before the entry is
// written; an unverified copy never reaches the manifest.
func (s *Stager) Stage(ctx context.Context, op *store.Operation) (*store.ManifestEntry, error) {
	start := time.Now()
	entry, err := s.stage(ctx, op)
	var bytes int64
	var staged string
	if entry != nil {
		bytes, staged = entry.Size, entry.StagedPath
	}
	s.logger.LogStage(op.TxID, op.ID, op.Source, staged, bytes, time.Since(start), err)
	return entry, err
}

func (s *Stager) stage(ctx context.Context, op *store.Operation) (*store.ManifestEntry, error) {
	before, err := os.Stat(op.Source)
	if err != nil {
		return nil, util.WrapKind(util.ErrIO, "stage "+op.Source, err)
	}

	dst := s.StagedPath(op)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, util.WrapKind(util.ErrIO, "stage "+op.Source, err)
	}

	// Copy I/O runs without any lock held
	part := dst + ".part"
	srcHash, n, err := s.copy(ctx, op.Source, part)
	if err != nil {
		os.Remove(part)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, util.WrapKind(util.ErrIO, "stage "+op.Source, err)
	}

	after, err := os.Stat(op.Source)
	if err != nil || after.Size() != before.Size() || !after.ModTime().Equal(before.ModTime()) || n != before.Size() {
		os.Remove(part)
		return nil, util.WrapKind(util.ErrIntegrity, "stage "+op.Source, errors.New("file changed during staging"))
	}
	if srcHash != op.Hash {
		os.Remove(part)
		return nil, util.WrapKind(util.ErrIntegrity, "stage "+op.Source,
			fmt.Errorf("source hash %s differs from journal %s", hasher.Short(srcHash), hasher.Short(op.Hash)))
	}

	stagedHash, _, err := hasher.SumFile(ctx, part)
	if err != nil || stagedHash != op.Hash {
		os.Remove(part)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err == nil {
			err = fmt.Errorf("staged copy hashes to %s, source %s", hasher.Short(stagedHash), hasher.Short(op.Hash))
		}
		return nil, util.WrapKind(util.ErrBackupVerificationFailed, "stage "+op.Source, err)
	}

	if err := os.Rename(part, dst); err != nil {
		os.Remove(part)
		return nil, util.WrapKind(util.ErrIO, "stage "+op.Source, err)
	}
	if err := util.SyncDir(filepath.Dir(dst)); err != nil {
		util.DebugLog("Staging: %v", err)
	}

	entry := &store.ManifestEntry{
		ID:           uuid.NewString(),
		OpID:         op.ID,
		OriginalPath: op.Source,
		StagedPath:   dst,
		Hash:         op.Hash,
		Size:         n,
		CreatedAt:    s.now(),
	}
	if err := s.appendManifest(entry); err != nil {
		os.Remove(dst)
		return nil, err
	}
	util.DebugLog("Staged %s -> %s (%s)", op.Source, dst, util.FormatBytes(n))
	return entry, nil
}

// appendManifest holds the process mutex and the manifest file lock for the
// duration of the write only. Waiting on another process's lock is bounded
// by the lock timeout and fails with util.ErrTimeout.
func (s *Stager) appendManifest(entry *store.ManifestEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := util.LockFileTimeout(s.lockPath, s.lockTimeout)
	if err != nil {
		return fmt.Errorf("lock manifest: %w", err)
	}
	defer lock.Unlock()

	if err := s.store.PutManifestEntry(entry); err != nil {
		return fmt.Errorf("append manifest entry for %s: %w", entry.OpID, err)
	}
	return nil
}

// Verify checks that a staged copy still exists and is bit-identical to what
// was recorded
func (s *Stager) Verify(entry *store.ManifestEntry) error {
	got, _, err := hasher.SumFile(context.Background(), entry.StagedPath)
	if err != nil {
		return util.WrapKind(util.ErrBackupVerificationFailed, "verify "+entry.StagedPath, err)
	}
	if got != entry.Hash {
		return util.WrapKind(util.ErrBackupVerificationFailed, "verify "+entry.StagedPath,
			fmt.Errorf("hash %s, manifest %s", hasher.Short(got), hasher.Short(entry.Hash)))
	}
	return nil
}

// Entry loads and verifies the staged copy for an operation
func (s *Stager) Entry(opID string) (*store.ManifestEntry, error) {
	entry, err := s.store.GetManifestEntry(opID)
	if err != nil {
		return nil, err
	}
	return entry, s.Verify(entry)
}

// PruneResult reports what Prune removed
type PruneResult struct {
	Removed int
	Bytes   int64
	Errors  []error
}

// Prune deletes staged copies of closed transactions that ended before
// cutoff. The retention window is the caller's policy.
func (s *Stager) Prune(ctx context.Context, cutoff time.Time) (*PruneResult, error) {
	entries, err := s.store.ListPrunableManifest(cutoff)
	if err != nil {
		return nil, fmt.Errorf("list prunable manifest: %w", err)
	}

	result := &PruneResult{}
	dirs := make(map[string]bool)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := os.Remove(e.StagedPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			result.Errors = append(result.Errors, fmt.Errorf("remove %s: %w", e.StagedPath, err))
			continue
		}
		if err := s.deleteEntry(e.ID); err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		dirs[filepath.Dir(e.StagedPath)] = true
		result.Removed++
		result.Bytes += e.Size
	}

	for dir := range dirs {
		// only succeeds once the transaction directory is empty
		os.Remove(dir)
	}

	util.InfoLog("Pruned %d staged copies (%s)", result.Removed, util.FormatBytes(result.Bytes))
	return result, nil
}

func (s *Stager) deleteEntry(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := util.LockFileTimeout(s.lockPath, s.lockTimeout)
	if err != nil {
		return fmt.Errorf("lock manifest: %w", err)
	}
	defer lock.Unlock()
	return s.store.DeleteManifestEntry(id)
}

// copyAndHash copies src to dst and returns the sha256 of the bytes read
func copyAndHash(ctx context.Context, src, dst string) (string, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", 0, err
	}

	hash, n, err := hasher.Copy(ctx, out, in, 0)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", n, err
	}
	return hash, n, nil
}
