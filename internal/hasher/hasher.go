package hasher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/franz/dedup-janitor/internal/model"
	"github.com/franz/dedup-janitor/internal/report"
	"github.com/franz/dedup-janitor/internal/util"
)

// Cache persists content hashes keyed by (path, mtime, size)
type Cache interface {
	GetFileHash(path string, mtime time.Time, size int64) (string, bool, error)
	PutFileHash(path string, mtime time.Time, size int64, hash string) error
}

// Config holds hasher configuration
type Config struct {
	Cache       Cache // optional persistent cache
	Concurrency int
	EventLogger *report.EventLogger
}

// Hasher computes sha256 content hashes
type Hasher struct {
	cfg *Config

	mu  sync.Mutex
	mem map[cacheKey]string

	hits   atomic.Int64
	hashed atomic.Int64

	sum func(ctx context.Context, path string) (string, int64, error)
}

type cacheKey struct {
	path  string
	mtime int64
	size  int64
}

// Result holds the outcome of hashing a batch
type Result struct {
	Files    []model.FileDescriptor
	Excluded []model.Exclusion
	Hashed   int64
	Cached   int64
}

// New creates a new hasher
func New(cfg *Config) *Hasher {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Hasher{cfg: cfg, mem: make(map[cacheKey]string), sum: SumFile}
}

// Hash returns desc carrying its content hash. If the file no longer matches
// the snapshot, or changes size while being read, it is re-snapshotted and
// read once more before failing with util.ErrTruncated.
func (h *Hasher) Hash(ctx context.Context, desc model.FileDescriptor) (model.FileDescriptor, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			fresh, err := Snapshot(desc.Path)
			if err != nil {
				return desc, util.WrapKind(util.ErrIO, "re-snapshot "+desc.Path, err)
			}
			util.DebugLog("Hash: %s changed during read, retrying with fresh snapshot", desc.Path)
			desc = fresh
		}

		hash, err := h.hashSnapshot(ctx, desc)
		if err == nil {
			return desc.WithHash(hash), nil
		}
		if !errors.Is(err, util.ErrTruncated) {
			return desc, err
		}
		lastErr = err
	}
	return desc, lastErr
}

// hashSnapshot checks that the file still matches desc before and after
// reading it. The cache is consulted only once the stat matches.
func (h *Hasher) hashSnapshot(ctx context.Context, desc model.FileDescriptor) (string, error) {
	info, err := os.Stat(desc.Path)
	if err != nil {
		return "", util.WrapKind(util.ErrIO, "stat "+desc.Path, err)
	}
	if info.Size() != desc.Size || !info.ModTime().Equal(desc.ModTime) {
		return "", util.WrapKind(util.ErrTruncated, "hash "+desc.Path,
			fmt.Errorf("snapshot size %d, found %d", desc.Size, info.Size()))
	}

	if hash, ok := h.lookup(desc); ok {
		h.hits.Add(1)
		return hash, nil
	}

	hash, n, err := h.sum(ctx, desc.Path)
	if err != nil {
		return "", err
	}
	if n != desc.Size {
		return "", util.WrapKind(util.ErrTruncated, "hash "+desc.Path,
			fmt.Errorf("read %d bytes, snapshot size %d", n, desc.Size))
	}

	after, err := os.Stat(desc.Path)
	if err != nil {
		return "", util.WrapKind(util.ErrIO, "stat "+desc.Path, err)
	}
	if after.Size() != desc.Size || !after.ModTime().Equal(desc.ModTime) {
		return "", util.WrapKind(util.ErrTruncated, "hash "+desc.Path,
			fmt.Errorf("file modified while reading"))
	}

	h.hashed.Add(1)
	h.store(desc, hash)
	return hash, nil
}

func (h *Hasher) lookup(desc model.FileDescriptor) (string, bool) {
	key := cacheKey{desc.Path, desc.ModTime.UnixNano(), desc.Size}
	h.mu.Lock()
	hash, ok := h.mem[key]
	h.mu.Unlock()
	if ok {
		return hash, true
	}
	if h.cfg.Cache == nil {
		return "", false
	}
	hash, ok, err := h.cfg.Cache.GetFileHash(desc.Path, desc.ModTime, desc.Size)
	if err != nil {
		util.WarnLog("Hash cache lookup failed for %s: %v", desc.Path, err)
		return "", false
	}
	if ok {
		h.mu.Lock()
		h.mem[key] = hash
		h.mu.Unlock()
	}
	return hash, ok
}

func (h *Hasher) store(desc model.FileDescriptor, hash string) {
	h.mu.Lock()
	h.mem[cacheKey{desc.Path, desc.ModTime.UnixNano(), desc.Size}] = hash
	h.mu.Unlock()
	if h.cfg.Cache != nil {
		if err := h.cfg.Cache.PutFileHash(desc.Path, desc.ModTime, desc.Size, hash); err != nil {
			util.WarnLog("Hash cache write failed for %s: %v", desc.Path, err)
		}
	}
}

// HashAll hashes files on a bounded pool. Unreadable files become exclusions;
// only cancellation aborts the batch.
func (h *Hasher) HashAll(ctx context.Context, files []model.FileDescriptor) (*Result, error) {
	result := &Result{}
	var mu sync.Mutex

	startHits, startHashed := h.hits.Load(), h.hashed.Load()

	p := pool.New().WithMaxGoroutines(h.cfg.Concurrency)
	for _, f := range files {
		p.Go(func() {
			if ctx.Err() != nil {
				return
			}
			hashed, err := h.Hash(ctx, f)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				util.WarnLog("Excluded from hashing: %s: %v", f.Path, err)
				h.cfg.EventLogger.LogExclusion(f.Path, string(model.TierExact), err)
				result.Excluded = append(result.Excluded, model.Exclusion{Path: f.Path, Tier: model.TierExact, Err: err})
				return
			}
			result.Files = append(result.Files, hashed)
		})
	}
	p.Wait()

	result.Hashed = h.hashed.Load() - startHashed
	result.Cached = h.hits.Load() - startHits

	sort.Slice(result.Files, func(i, j int) bool { return result.Files[i].Path < result.Files[j].Path })
	sort.Slice(result.Excluded, func(i, j int) bool { return result.Excluded[i].Path < result.Excluded[j].Path })

	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// GroupExact groups hashed files by identical digest. Files without a hash are ignored.
func GroupExact(files []model.FileDescriptor) []model.DuplicateGroup {
	byHash := make(map[string][]model.FileDescriptor)
	for _, f := range files {
		if f.Hash == "" {
			continue
		}
		byHash[f.Hash] = append(byHash[f.Hash], f)
	}

	var groups []model.DuplicateGroup
	for hash, members := range byHash {
		if len(members) < 2 {
			continue
		}
		sort.Slice(members, func(i, j int) bool { return members[i].Path < members[j].Path })
		groups = append(groups, model.DuplicateGroup{
			ID:         "exact-" + hash[:min(16, len(hash))],
			Tier:       model.TierExact,
			Members:    members,
			Similarity: 1.0,
		})
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	return groups
}

// Snapshot stats path and returns a fresh descriptor
func Snapshot(path string) (model.FileDescriptor, error) {
	info, err := os.Stat(path)
	if err != nil {
		return model.FileDescriptor{}, err
	}
	if !info.Mode().IsRegular() {
		return model.FileDescriptor{}, fmt.Errorf("%s: not a regular file", path)
	}
	return model.FileDescriptor{
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Kind:    model.KindForPath(path),
	}, nil
}

// SumFile returns the hex sha256 of a file's bytes and the number of bytes read
func SumFile(ctx context.Context, path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, util.WrapKind(util.ErrIO, "open "+path, err)
	}
	defer f.Close()

	hash, n, err := Copy(ctx, io.Discard, f, 0)
	if err != nil {
		if ctx.Err() != nil {
			return "", n, ctx.Err()
		}
		return "", n, util.WrapKind(util.ErrIO, "read "+path, err)
	}
	return hash, n, nil
}

// Copy writes src to dst through a buffer of bufSize bytes (0 = default)
// and returns the hex sha256 of everything copied. It stops between reads
// once ctx is cancelled.
func Copy(ctx context.Context, dst io.Writer, src io.Reader, bufSize int) (string, int64, error) {
	if bufSize <= 0 {
		bufSize = 128 * 1024
	}
	h := sha256.New()
	n, err := io.CopyBuffer(io.MultiWriter(dst, h), &contextReader{ctx: ctx, r: src}, make([]byte, bufSize))
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Short abbreviates a digest for messages
func Short(hash string) string {
	return hash[:min(12, len(hash))]
}

// contextReader stops a long read when the context is cancelled
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
