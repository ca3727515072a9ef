package review

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/franz/dedup-janitor/internal/model"
	"github.com/franz/dedup-janitor/internal/util"
)

func desc(path string, size int64) model.FileDescriptor {
	return model.FileDescriptor{
		Path:    path,
		Size:    size,
		ModTime: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Hash:    "h-" + path,
		Kind:    model.KindForPath(path),
	}
}

func sampleVerdicts() []model.QualityVerdict {
	return []model.QualityVerdict{
		{
			GroupID: "g-exact",
			Tier:    model.TierExact,
			Keep:    desc("/lib/a.txt", 10),
			Remove:  []model.FileDescriptor{desc("/lib/b.txt", 10), desc("/lib/c.txt", 10)},
			Reason:  model.Reason{Signal: "mtime", Value: 1000},
		},
		{
			GroupID: "g-photo",
			Tier:    model.TierPerceptual,
			Keep:    desc("/lib/big.jpg", 500),
			Remove:  []model.FileDescriptor{desc("/lib/small.jpg", 100)},
			Reason:  model.Reason{Signal: "resolution", Value: 4},
		},
		{
			GroupID: "g-single",
			Tier:    model.TierSemantic,
			Keep:    desc("/lib/only.md", 5),
			Remove:  []model.FileDescriptor{},
		},
	}
}

func TestBuildAndAccepted(t *testing.T) {
	f := Build([]string{"/lib"}, "", sampleVerdicts())
	f.WithSimilarity([]model.DuplicateGroup{{ID: "g-photo", Similarity: 0.95}})

	if len(f.Groups) != 2 {
		t.Fatalf("single-member verdicts should be dropped, got %d groups", len(f.Groups))
	}
	if !f.Groups[0].Accept || f.Groups[1].Accept {
		t.Error("only exact groups should be accepted by default")
	}
	if f.Groups[1].Similarity != 0.95 {
		t.Errorf("similarity = %v", f.Groups[1].Similarity)
	}
	if got := f.Groups[0].Removable(); got != 20 {
		t.Errorf("Removable() = %d, want 20", got)
	}

	verdicts, err := f.Accepted()
	if err != nil {
		t.Fatalf("Accepted: %v", err)
	}
	if len(verdicts) != 1 || verdicts[0].Keep.Path != "/lib/a.txt" || len(verdicts[0].Remove) != 2 {
		t.Errorf("unexpected verdicts %+v", verdicts)
	}

	// a keep override moves the keeper and accepts nothing extra
	f.Groups[0].Keep = "/lib/c.txt"
	verdicts, _ = f.Accepted()
	if verdicts[0].Keep.Path != "/lib/c.txt" || verdicts[0].Remove[0].Path != "/lib/a.txt" {
		t.Errorf("keep override ignored: %+v", verdicts[0])
	}

	f.Groups[0].Keep = "/elsewhere.txt"
	if _, err := f.Accepted(); !errors.Is(err, util.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for a foreign keep, got %v", err)
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans", "plan.yaml")
	f := Build([]string{"/lib"}, "/quarantine", sampleVerdicts())
	if err := Save(path, f); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Quarantine != "/quarantine" || len(loaded.Groups) != 2 {
		t.Fatalf("unexpected plan %+v", loaded)
	}
	m := loaded.Groups[0].Members[1]
	if m.Path != "/lib/b.txt" || m.Hash != "h-/lib/b.txt" || m.Size != 10 || !m.ModTime.Equal(desc("x", 0).ModTime) {
		t.Errorf("member did not survive the file: %+v", m)
	}
}

func TestLoadRejectsOtherVersions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	f := Build(nil, "", nil)
	f.Version = 99
	if err := Save(path, f); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, util.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

type scripted struct {
	lines []string
}

func (s *scripted) Readline() (string, error) {
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func TestInteractive(t *testing.T) {
	tests := []struct {
		name       string
		answers    []string
		wantAccept []bool
		wantKeep   string // keep of the second group
		wantStats  Stats
	}{
		{
			name:       "skip exact, accept photo",
			answers:    []string{"s", "a"},
			wantAccept: []bool{false, true},
			wantKeep:   "/lib/big.jpg",
			wantStats:  Stats{Accepted: 1, Skipped: 1},
		},
		{
			name:       "rekeep with a retry",
			answers:    []string{"", "7", "2"},
			wantAccept: []bool{true, true},
			wantKeep:   "/lib/small.jpg",
			wantStats:  Stats{Rekept: 1},
		},
		{
			name:       "quit early",
			answers:    []string{"q"},
			wantAccept: []bool{true, false},
			wantKeep:   "/lib/big.jpg",
			wantStats:  Stats{Unseen: 2},
		},
		{
			name:       "end of input",
			answers:    []string{"n"},
			wantAccept: []bool{false, false},
			wantKeep:   "/lib/big.jpg",
			wantStats:  Stats{Skipped: 1, Unseen: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Build([]string{"/lib"}, "", sampleVerdicts())
			var out bytes.Buffer
			stats, err := Interactive(f, &scripted{lines: tt.answers}, &out)
			if err != nil {
				t.Fatalf("Interactive: %v", err)
			}
			if stats != tt.wantStats {
				t.Errorf("stats %+v, want %+v", stats, tt.wantStats)
			}
			for i, want := range tt.wantAccept {
				if f.Groups[i].Accept != want {
					t.Errorf("group %d accept = %v, want %v", i, f.Groups[i].Accept, want)
				}
			}
			if f.Groups[1].Keep != tt.wantKeep {
				t.Errorf("keep = %s, want %s", f.Groups[1].Keep, tt.wantKeep)
			}
		})
	}
}

func TestRender(t *testing.T) {
	var out bytes.Buffer
	Render(&out, Build([]string{"/lib"}, "", sampleVerdicts()))
	text := out.String()
	for _, want := range []string{"/lib/a.txt", "/lib/small.jpg", "2 groups, 1 accepted", "keep reason"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}
