package review

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/franz/dedup-janitor/internal/model"
	"github.com/franz/dedup-janitor/internal/util"
)

// FormatVersion is bumped when the plan file layout changes
const FormatVersion = 1

// File is the reviewable output of a scan. dlc scan writes it, a person
// (or dlc review) flips accept flags and keep overrides, dlc apply reads it.
type File struct {
	Version    int       `yaml:"version"`
	CreatedAt  time.Time `yaml:"created_at"`
	Roots      []string  `yaml:"roots"`
	Quarantine string    `yaml:"quarantine,omitempty"`
	Groups     []Group   `yaml:"groups"`
}

// Group is one duplicate group and the decision on it
type Group struct {
	ID         string     `yaml:"id"`
	Tier       model.Tier `yaml:"tier"`
	Similarity float64    `yaml:"similarity"`
	Accept     bool       `yaml:"accept"`
	Keep       string     `yaml:"keep"`
	Reason     string     `yaml:"reason,omitempty"`
	Members    []Member   `yaml:"members"`
}

// Member is a file snapshot as seen at scan time
type Member struct {
	Path    string    `yaml:"path"`
	Hash    string    `yaml:"hash"`
	Size    int64     `yaml:"size"`
	ModTime time.Time `yaml:"mtime"`
	Kind    string    `yaml:"kind"`
}

// Removable is the number of bytes accepting the group frees
func (g Group) Removable() int64 {
	var n int64
	for _, m := range g.Members {
		if m.Path != g.Keep {
			n += m.Size
		}
	}
	return n
}

// Build turns verdicts into a plan file. Exact groups are accepted by
// default; perceptual and semantic groups wait for review.
func Build(roots []string, quarantine string, verdicts []model.QualityVerdict) *File {
	f := &File{
		Version:    FormatVersion,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
		Roots:      roots,
		Quarantine: quarantine,
	}
	for _, v := range verdicts {
		if len(v.Remove) == 0 {
			continue
		}
		g := Group{
			ID:     v.GroupID,
			Tier:   v.Tier,
			Accept: v.Tier == model.TierExact,
			Keep:   v.Keep.Path,
			Reason: v.Reason.String(),
		}
		for _, d := range append([]model.FileDescriptor{v.Keep}, v.Remove...) {
			g.Members = append(g.Members, toMember(d))
		}
		f.Groups = append(f.Groups, g)
	}
	return f
}

// WithSimilarity copies group similarity scores into the plan
func (f *File) WithSimilarity(groups []model.DuplicateGroup) *File {
	sim := make(map[string]float64, len(groups))
	for _, g := range groups {
		sim[g.ID] = g.Similarity
	}
	for i := range f.Groups {
		f.Groups[i].Similarity = sim[f.Groups[i].ID]
	}
	return f
}

func toMember(d model.FileDescriptor) Member {
	return Member{
		Path:    d.Path,
		Hash:    d.Hash,
		Size:    d.Size,
		ModTime: d.ModTime,
		Kind:    d.Kind.String(),
	}
}

func (m Member) descriptor() model.FileDescriptor {
	return model.FileDescriptor{
		Path:    m.Path,
		Size:    m.Size,
		ModTime: m.ModTime,
		Hash:    m.Hash,
		Kind:    model.KindForPath(m.Path),
	}
}

// Accepted returns a verdict for every accepted group, honoring keep
// overrides. A keep that names no member of its group is an error.
func (f *File) Accepted() ([]model.QualityVerdict, error) {
	var out []model.QualityVerdict
	for _, g := range f.Groups {
		if !g.Accept {
			continue
		}
		v := model.QualityVerdict{GroupID: g.ID, Tier: g.Tier, Remove: []model.FileDescriptor{}}
		found := false
		for _, m := range g.Members {
			if m.Path == g.Keep && !found {
				v.Keep = m.descriptor()
				found = true
				continue
			}
			v.Remove = append(v.Remove, m.descriptor())
		}
		if !found {
			return nil, fmt.Errorf("group %s: keep %q is not a member: %w", g.ID, g.Keep, util.ErrInvalidConfig)
		}
		out = append(out, v)
	}
	return out, nil
}

// Save writes the plan file atomically
func Save(path string, f *File) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create plan directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write plan: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write plan: %w", err)
	}
	return nil
}

// Load reads a plan file
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	if f.Version != FormatVersion {
		return nil, fmt.Errorf("plan %s has version %d, expected %d: %w", path, f.Version, FormatVersion, util.ErrInvalidConfig)
	}
	return &f, nil
}
