package detect

import (
	"context"
	"fmt"

	"github.com/franz/dedup-janitor/internal/hasher"
	"github.com/franz/dedup-janitor/internal/model"
	"github.com/franz/dedup-janitor/internal/perceptual"
	"github.com/franz/dedup-janitor/internal/semantic"
	"github.com/franz/dedup-janitor/internal/util"
)

// Outcome is what one tier produced for a scan
type Outcome struct {
	Tier     model.Tier
	Groups   []model.DuplicateGroup
	Excluded []model.Exclusion

	// Files replaces the scan's descriptors for later tiers when non-nil.
	// The exact tier uses it to hand on hashed snapshots.
	Files []model.FileDescriptor
}

// Detector is one duplicate detection tier. The implementations in this
// package are the complete set: Exact, Perceptual and Semantic.
type Detector interface {
	Tier() model.Tier
	Accepts(kind model.Kind) bool
	Detect(ctx context.Context, files []model.FileDescriptor) (*Outcome, error)
}

// Exact groups byte-identical files by content hash
type Exact struct {
	Hasher *hasher.Hasher
}

func (Exact) Tier() model.Tier { return model.TierExact }

// Accepts every kind; every file is hashed
func (Exact) Accepts(model.Kind) bool { return true }

func (d Exact) Detect(ctx context.Context, files []model.FileDescriptor) (*Outcome, error) {
	res, err := d.Hasher.HashAll(ctx, files)
	if err != nil {
		return nil, fmt.Errorf("hash files: %w", err)
	}
	return &Outcome{
		Tier:     model.TierExact,
		Groups:   hasher.GroupExact(res.Files),
		Excluded: res.Excluded,
		Files:    res.Files,
	}, nil
}

// Perceptual groups visually similar images
type Perceptual struct {
	Clusterer *perceptual.Clusterer
}

func (Perceptual) Tier() model.Tier { return model.TierPerceptual }

func (Perceptual) Accepts(kind model.Kind) bool { return kind == model.KindImage }

func (d Perceptual) Detect(ctx context.Context, files []model.FileDescriptor) (*Outcome, error) {
	res, err := d.Clusterer.Cluster(ctx, files)
	if err != nil {
		return nil, fmt.Errorf("cluster images: %w", err)
	}
	return &Outcome{Tier: model.TierPerceptual, Groups: res.Groups, Excluded: res.Excluded}, nil
}

// Semantic groups documents with similar meaning
type Semantic struct {
	Grouper *semantic.Grouper
}

func (Semantic) Tier() model.Tier { return model.TierSemantic }

func (Semantic) Accepts(kind model.Kind) bool { return kind == model.KindDocument }

func (d Semantic) Detect(ctx context.Context, files []model.FileDescriptor) (*Outcome, error) {
	res, err := d.Grouper.GroupByMeaning(ctx, files)
	if err != nil {
		return nil, fmt.Errorf("group documents: %w", err)
	}
	return &Outcome{Tier: model.TierSemantic, Groups: res.Groups, Excluded: res.Excluded}, nil
}

// Report collects every tier's outcome for one scan
type Report struct {
	Files    []model.FileDescriptor // descriptors after the last refresh
	Outcomes []*Outcome
}

// Groups returns all groups in tier order
func (r *Report) Groups() []model.DuplicateGroup {
	var groups []model.DuplicateGroup
	for _, o := range r.Outcomes {
		groups = append(groups, o.Groups...)
	}
	return groups
}

// Excluded returns all exclusions in tier order
func (r *Report) Excluded() []model.Exclusion {
	var excluded []model.Exclusion
	for _, o := range r.Outcomes {
		excluded = append(excluded, o.Excluded...)
	}
	return excluded
}

// Run feeds each detector the files of the kinds it accepts, in order.
// A tier that fails aborts the run; per-file problems are exclusions.
func Run(ctx context.Context, detectors []Detector, files []model.FileDescriptor) (*Report, error) {
	report := &Report{Files: files}
	for _, d := range detectors {
		var selected []model.FileDescriptor
		for _, f := range report.Files {
			if d.Accepts(f.Kind) {
				selected = append(selected, f)
			}
		}
		if len(selected) == 0 {
			util.DebugLog("Detect: no %s candidates", d.Tier())
			continue
		}

		out, err := d.Detect(ctx, selected)
		if err != nil {
			return report, fmt.Errorf("%s tier: %w", d.Tier(), err)
		}
		if out.Files != nil {
			report.Files = out.Files
		}
		report.Outcomes = append(report.Outcomes, out)
		util.InfoLog("%s tier: %d groups, %d excluded", d.Tier(), len(out.Groups), len(out.Excluded))
	}
	return report, nil
}
