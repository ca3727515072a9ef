package hasher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/franz/dedup-janitor/internal/model"
	"github.com/franz/dedup-janitor/internal/util"
)

func writeFile(t *testing.T, dir, name, content string, mtime time.Time) model.FileDescriptor {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatalf("chtimes %s: %v", name, err)
		}
	}
	desc, err := Snapshot(path)
	if err != nil {
		t.Fatalf("snapshot %s: %v", name, err)
	}
	return desc
}

func TestHashIsPureFunctionOfBytes(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "same bytes", time.Unix(1000, 0))
	b := writeFile(t, dir, "nested-b.dat", "same bytes", time.Unix(5000, 0))
	c := writeFile(t, dir, "c.txt", "other bytes", time.Unix(1000, 0))

	h := New(nil)
	ctx := context.Background()

	ha, err := h.Hash(ctx, a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hb, _ := h.Hash(ctx, b)
	hc, _ := h.Hash(ctx, c)

	if ha.Hash != hb.Hash {
		t.Errorf("identical bytes hashed differently: %s vs %s", ha.Hash, hb.Hash)
	}
	if ha.Hash == hc.Hash {
		t.Error("different bytes produced the same hash")
	}
	if len(ha.Hash) != 64 {
		t.Errorf("expected hex sha256, got %q", ha.Hash)
	}
	if a.Hash != "" {
		t.Error("input descriptor must not be mutated")
	}
}

func TestHashUsesCacheForUnchangedFile(t *testing.T) {
	dir := t.TempDir()
	desc := writeFile(t, dir, "a.txt", "content", time.Unix(1000, 0))

	h := New(nil)
	reads := 0
	h.sum = func(ctx context.Context, path string) (string, int64, error) {
		reads++
		return SumFile(ctx, path)
	}

	for i := 0; i < 3; i++ {
		if _, err := h.Hash(context.Background(), desc); err != nil {
			t.Fatalf("hash: %v", err)
		}
	}
	if reads != 1 {
		t.Errorf("expected a single read, got %d", reads)
	}

	// Rewrite with new content and mtime; the old cache entry must not be used
	fresh := writeFile(t, dir, "a.txt", "changed content", time.Unix(2000, 0))
	got, err := h.Hash(context.Background(), fresh)
	if err != nil {
		t.Fatalf("hash fresh: %v", err)
	}
	if reads != 2 {
		t.Errorf("expected re-read after change, got %d reads", reads)
	}
	want, _, _ := SumFile(context.Background(), fresh.Path)
	if got.Hash != want {
		t.Errorf("stale hash returned")
	}
}

func TestHashResnapshotsStaleDescriptor(t *testing.T) {
	dir := t.TempDir()
	desc := writeFile(t, dir, "a.txt", "0123456789", time.Unix(1000, 0))

	// File shrinks after the scan snapshot was taken
	writeFile(t, dir, "a.txt", "01234", time.Unix(1001, 0))

	got, err := New(nil).Hash(context.Background(), desc)
	if err != nil {
		t.Fatalf("expected recovery via fresh snapshot, got %v", err)
	}
	if got.Size != 5 {
		t.Errorf("expected re-snapshotted size 5, got %d", got.Size)
	}
}

func TestHashFailsWithTruncatedAfterOneRetry(t *testing.T) {
	dir := t.TempDir()
	desc := writeFile(t, dir, "a.txt", "0123456789", time.Unix(1000, 0))

	h := New(nil)
	reads := 0
	h.sum = func(ctx context.Context, path string) (string, int64, error) {
		reads++
		return "deadbeef", 3, nil // always short
	}

	_, err := h.Hash(context.Background(), desc)
	if !errors.Is(err, util.ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	if reads != 2 {
		t.Errorf("expected exactly one retry (2 reads), got %d", reads)
	}
}

func TestHashMissingFileIsIOError(t *testing.T) {
	desc := model.FileDescriptor{Path: filepath.Join(t.TempDir(), "gone"), Size: 1}
	_, err := New(nil).Hash(context.Background(), desc)
	if !errors.Is(err, util.ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
}

func TestHashAllExcludesUnreadable(t *testing.T) {
	dir := t.TempDir()
	files := []model.FileDescriptor{
		writeFile(t, dir, "a.txt", "x", time.Time{}),
		writeFile(t, dir, "b.txt", "x", time.Time{}),
		{Path: filepath.Join(dir, "missing.txt"), Size: 4},
	}

	res, err := New(&Config{Concurrency: 2}).HashAll(context.Background(), files)
	if err != nil {
		t.Fatalf("HashAll: %v", err)
	}
	if len(res.Files) != 2 {
		t.Errorf("expected 2 hashed files, got %d", len(res.Files))
	}
	if len(res.Excluded) != 1 || res.Excluded[0].Tier != model.TierExact {
		t.Fatalf("expected one exact-tier exclusion, got %+v", res.Excluded)
	}
	if res.Hashed != 2 {
		t.Errorf("expected 2 fresh hashes, got %d", res.Hashed)
	}
}

func TestGroupExact(t *testing.T) {
	dir := t.TempDir()
	h := New(nil)
	var files []model.FileDescriptor
	for _, f := range []struct{ name, body string }{
		{"c.txt", "dup"}, {"a.txt", "dup"}, {"b.txt", "dup"},
		{"x.txt", "pair"}, {"y.txt", "pair"},
		{"solo.txt", "alone"},
	} {
		hashed, err := h.Hash(context.Background(), writeFile(t, dir, f.name, f.body, time.Time{}))
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		files = append(files, hashed)
	}
	files = append(files, model.FileDescriptor{Path: "/unhashed"})

	groups := GroupExact(files)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}

	sizes := map[int]bool{}
	for _, g := range groups {
		if g.Tier != model.TierExact || g.Similarity != 1.0 {
			t.Errorf("unexpected group header %+v", g)
		}
		sizes[len(g.Members)] = true
		for i := 1; i < len(g.Members); i++ {
			if g.Members[i-1].Path > g.Members[i].Path {
				t.Errorf("members not sorted by path in %s", g.ID)
			}
		}
	}
	if !sizes[3] || !sizes[2] {
		t.Errorf("expected groups of 3 and 2, got %v", sizes)
	}

	// Group order and IDs are independent of input order
	reversed := make([]model.FileDescriptor, len(files))
	for i := range files {
		reversed[len(files)-1-i] = files[i]
	}
	again := GroupExact(reversed)
	for i := range groups {
		if groups[i].ID != again[i].ID {
			t.Errorf("group %d ID differs with input order: %s vs %s", i, groups[i].ID, again[i].ID)
		}
	}
}
