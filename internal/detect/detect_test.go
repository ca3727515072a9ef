package detect

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/franz/dedup-janitor/internal/hasher"
	"github.com/franz/dedup-janitor/internal/model"
	"github.com/franz/dedup-janitor/internal/perceptual"
)

type recordingDetector struct {
	tier model.Tier
	kind model.Kind
	seen []model.FileDescriptor
	err  error
}

func (r *recordingDetector) Tier() model.Tier             { return r.tier }
func (r *recordingDetector) Accepts(kind model.Kind) bool { return kind == r.kind }
func (r *recordingDetector) Detect(_ context.Context, files []model.FileDescriptor) (*Outcome, error) {
	r.seen = files
	if r.err != nil {
		return nil, r.err
	}
	return &Outcome{Tier: r.tier}, nil
}

func writeFile(t *testing.T, dir, name, content string) model.FileDescriptor {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	desc, err := hasher.Snapshot(path)
	if err != nil {
		t.Fatalf("snapshot %s: %v", name, err)
	}
	return desc
}

func TestRunPassesHashedFilesToLaterTiers(t *testing.T) {
	dir := t.TempDir()
	files := []model.FileDescriptor{
		writeFile(t, dir, "a.txt", "same"),
		writeFile(t, dir, "b.txt", "same"),
		writeFile(t, dir, "c.png", "not really a png"),
	}
	missing := model.FileDescriptor{Path: filepath.Join(dir, "gone.txt"), Kind: model.KindDocument}
	files = append(files, missing)

	docs := &recordingDetector{tier: model.TierSemantic, kind: model.KindDocument}
	images := &recordingDetector{tier: model.TierPerceptual, kind: model.KindImage}

	report, err := Run(context.Background(), []Detector{Exact{Hasher: hasher.New(nil)}, images, docs}, files)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	groups := report.Groups()
	if len(groups) != 1 || groups[0].Tier != model.TierExact || len(groups[0].Members) != 2 {
		t.Fatalf("expected one exact pair, got %+v", groups)
	}
	if excluded := report.Excluded(); len(excluded) != 1 || excluded[0].Path != missing.Path {
		t.Errorf("expected the missing file excluded, got %+v", excluded)
	}

	if len(docs.seen) != 2 {
		t.Fatalf("semantic tier should see the two readable documents, got %d", len(docs.seen))
	}
	for _, d := range docs.seen {
		if d.Hash == "" {
			t.Errorf("%s reached the semantic tier without a hash", d.Path)
		}
	}
	if len(images.seen) != 1 || images.seen[0].Kind != model.KindImage {
		t.Errorf("perceptual tier should see only the image, got %+v", images.seen)
	}
}

func TestRunSkipsTiersWithoutCandidates(t *testing.T) {
	docs := &recordingDetector{tier: model.TierSemantic, kind: model.KindDocument, err: errors.New("must not run")}
	files := []model.FileDescriptor{{Path: "/x.png", Kind: model.KindImage}}

	report, err := Run(context.Background(), []Detector{docs}, files)
	if err != nil {
		t.Fatalf("tier without candidates should be skipped: %v", err)
	}
	if len(report.Outcomes) != 0 {
		t.Errorf("expected no outcomes, got %d", len(report.Outcomes))
	}
}

func TestRunAbortsOnTierFailure(t *testing.T) {
	boom := errors.New("service down")
	docs := &recordingDetector{tier: model.TierSemantic, kind: model.KindDocument, err: boom}
	_, err := Run(context.Background(), []Detector{docs}, []model.FileDescriptor{{Path: "/a.md", Kind: model.KindDocument}})
	if !errors.Is(err, boom) {
		t.Errorf("expected tier error, got %v", err)
	}
}

func TestPerceptualDetectorGroupsImages(t *testing.T) {
	solid := func(v uint8) image.Image {
		img := image.NewGray(image.Rect(0, 0, 18, 16))
		for y := 0; y < 16; y++ {
			for x := 0; x < 18; x++ {
				c := v
				if x%4 < 2 {
					c = 255 - v
				}
				img.SetGray(x, y, color.Gray{Y: c})
			}
		}
		return img
	}
	decoded := map[string]image.Image{
		"/a.png": solid(10),
		"/b.png": solid(12),
		"/c.png": image.NewGray(image.Rect(0, 0, 18, 16)),
	}
	c := perceptual.New(&perceptual.Config{
		Threshold: 0.9,
		Decode:    func(path string) (image.Image, error) { return decoded[path], nil },
	})

	var files []model.FileDescriptor
	for _, p := range []string{"/a.png", "/b.png", "/c.png"} {
		files = append(files, model.FileDescriptor{Path: p, Kind: model.KindImage})
	}
	out, err := Perceptual{Clusterer: c}.Detect(context.Background(), files)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(out.Groups) != 1 || len(out.Groups[0].Members) != 2 {
		t.Fatalf("expected a and b grouped, got %+v", out.Groups)
	}
	if out.Groups[0].Members[0].Path != "/a.png" || out.Groups[0].Members[1].Path != "/b.png" {
		t.Errorf("unexpected members %+v", out.Groups[0].Members)
	}
}
