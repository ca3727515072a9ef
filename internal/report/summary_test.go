package report

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/franz/dedup-janitor/internal/model"
)

func fd(path string, size int64) model.FileDescriptor {
	return model.FileDescriptor{Path: path, Size: size, ModTime: time.Unix(1700000000, 0)}
}

func TestBuildSummaryCountsRemovedFilesOnce(t *testing.T) {
	groups := []model.DuplicateGroup{
		{ID: "exact-1", Tier: model.TierExact, Similarity: 1},
		{ID: "p-1", Tier: model.TierPerceptual, Similarity: 0.94},
	}
	verdicts := []model.QualityVerdict{
		{GroupID: "exact-1", Tier: model.TierExact, Keep: fd("/a", 100), Remove: []model.FileDescriptor{fd("/b", 100)}},
		{GroupID: "p-1", Tier: model.TierPerceptual, Keep: fd("/a", 100), Remove: []model.FileDescriptor{fd("/b", 100), fd("/c", 50)}},
	}
	excluded := []model.Exclusion{{Path: "/bad.jpg", Tier: model.TierPerceptual, Err: errors.New("corrupt")}}

	r := BuildSummary(10, 9, groups, verdicts, excluded)

	if r.GroupsByTier[model.TierExact] != 1 || r.GroupsByTier[model.TierPerceptual] != 1 {
		t.Errorf("unexpected tier counts: %v", r.GroupsByTier)
	}
	if r.ReclaimableBytes != 150 {
		t.Errorf("expected 150 reclaimable bytes, got %d", r.ReclaimableBytes)
	}
	if r.ExclusionsByTier[model.TierPerceptual] != 1 {
		t.Errorf("unexpected exclusion counts: %v", r.ExclusionsByTier)
	}
	if r.Groups[0].ID != "p-1" {
		t.Errorf("expected largest group first, got %s", r.Groups[0].ID)
	}
	if r.Groups[0].Similarity != 0.94 {
		t.Errorf("expected similarity carried from group, got %v", r.Groups[0].Similarity)
	}
}

func TestWriteMarkdownReport(t *testing.T) {
	r := BuildSummary(3, 3,
		[]model.DuplicateGroup{{ID: "exact-1", Tier: model.TierExact, Similarity: 1}},
		[]model.QualityVerdict{{
			GroupID: "exact-1", Tier: model.TierExact,
			Keep:   fd("/photos/a.jpg", 2048),
			Remove: []model.FileDescriptor{fd("/photos/a copy.jpg", 2048)},
			Reason: model.Reason{Signal: "mtime", Value: 1700000000},
		}},
		[]model.Exclusion{{Path: "/docs/x.pdf", Tier: model.TierSemantic, Err: errors.New("timeout | slow")}},
	)
	r.Roots = []string{"/photos", "/docs"}

	out := filepath.Join(t.TempDir(), "reports", "summary.md")
	if err := WriteMarkdownReport(r, out); err != nil {
		t.Fatalf("WriteMarkdownReport failed: %v", err)
	}

	content, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	md := string(content)

	for _, want := range []string{
		"# Duplicate Library Cleaner - Scan Report",
		"| Exact Groups | 1 |",
		"| Reclaimable | 2.0 KiB |",
		"**Keep:** `/photos/a.jpg`",
		"`/photos/a copy.jpg`",
		"timeout \\| slow",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("report missing %q", want)
		}
	}
}

func TestTruncatePath(t *testing.T) {
	short := "/a/b.txt"
	if truncatePath(short, 80) != short {
		t.Error("short path should not change")
	}
	long := "/" + strings.Repeat("x", 200) + "/end.txt"
	got := truncatePath(long, 40)
	if len(got) > 40 || !strings.Contains(got, "...") || !strings.HasSuffix(got, "end.txt") {
		t.Errorf("unexpected truncation: %q", got)
	}
}
