package plan

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/franz/dedup-janitor/internal/journal"
	"github.com/franz/dedup-janitor/internal/model"
	"github.com/franz/dedup-janitor/internal/report"
	"github.com/franz/dedup-janitor/internal/store"
	"github.com/franz/dedup-janitor/internal/util"
)

// Planner turns verdicts into removal actions
type Planner struct {
	quarantine string
	logger     *report.EventLogger
}

// Config holds planner configuration
type Config struct {
	// Quarantine, when set, moves removed files under this directory
	// instead of deleting them. The original absolute path is mirrored.
	Quarantine string
	Logger     *report.EventLogger
}

// New creates a new Planner
func New(cfg *Config) *Planner {
	return &Planner{quarantine: cfg.Quarantine, logger: cfg.Logger}
}

// Action removes one file in favour of a group's keeper
type Action struct {
	GroupID  string
	Tier     model.Tier
	Keep     string
	KeepHash string // keeper content at scan time
	Kind     store.OpKind
	File     model.FileDescriptor
	Dest     string // move target; empty for delete
}

// Intent converts the action into a journal intent. The keeper travels with
// it so the commit can refuse to remove the last copy of anything.
func (a Action) Intent() journal.Intent {
	return journal.Intent{
		Kind:        a.Kind,
		Source:      a.File.Path,
		Destination: a.Dest,
		Hash:        a.File.Hash,
		Size:        a.File.Size,
		Keep:        a.Keep,
		KeepHash:    a.KeepHash,
	}
}

// Skipped records a group that produced no action
type Skipped struct {
	GroupID string
	Reason  string
}

// Result represents planning results
type Result struct {
	Actions []Action
	Skipped []Skipped
	Pinned  int // groups whose keeper was overridden by an earlier tier
	Errors  []error
}

// Bytes returns the total size of files the plan removes
func (r *Result) Bytes() int64 {
	var n int64
	for _, a := range r.Actions {
		n += a.File.Size
	}
	return n
}

// Plan reconciles verdicts across tiers in fixed order (exact, perceptual,
// semantic). A file removed by an earlier tier leaves later groups, and a
// keeper chosen by an earlier tier is never removed by a later one.
func (p *Planner) Plan(verdicts []model.QualityVerdict) *Result {
	ordered := make([]model.QualityVerdict, len(verdicts))
	copy(ordered, verdicts)
	rank := make(map[model.Tier]int, len(model.Tiers))
	for i, t := range model.Tiers {
		rank[t] = i
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if rank[ordered[i].Tier] != rank[ordered[j].Tier] {
			return rank[ordered[i].Tier] < rank[ordered[j].Tier]
		}
		return ordered[i].GroupID < ordered[j].GroupID
	})

	result := &Result{}
	removed := make(map[string]bool)
	kept := make(map[string]bool)

	for _, v := range ordered {
		// Keep first, then removals in score order
		var ranking []model.FileDescriptor
		for _, m := range append([]model.FileDescriptor{v.Keep}, v.Remove...) {
			if !removed[m.Path] {
				ranking = append(ranking, m)
			}
		}
		if len(ranking) < 2 {
			result.Skipped = append(result.Skipped, Skipped{GroupID: v.GroupID, Reason: "fewer than two members left after earlier tiers"})
			continue
		}

		keep := ranking[0]
		for _, m := range ranking {
			if kept[m.Path] {
				if m.Path != keep.Path {
					result.Pinned++
				}
				keep = m
				break
			}
		}

		var actions []Action
		for _, m := range ranking {
			if m.Path == keep.Path || kept[m.Path] {
				continue
			}
			action, err := p.action(v, keep, m)
			if err != nil {
				result.Errors = append(result.Errors, err)
				continue
			}
			actions = append(actions, action)
		}
		if len(actions) == 0 {
			result.Skipped = append(result.Skipped, Skipped{GroupID: v.GroupID, Reason: "no removable members"})
			continue
		}

		kept[keep.Path] = true
		for _, a := range actions {
			removed[a.File.Path] = true
		}
		result.Actions = append(result.Actions, actions...)
		p.logger.LogVerdict(v.GroupID, keep.Path, "planned", len(actions))
	}

	util.InfoLog("Planned %d removals (%s), skipped %d groups",
		len(result.Actions), util.FormatBytes(result.Bytes()), len(result.Skipped))
	return result
}

func (p *Planner) action(v model.QualityVerdict, keep, m model.FileDescriptor) (Action, error) {
	if m.Hash == "" {
		return Action{}, fmt.Errorf("group %s: %s has no content hash", v.GroupID, m.Path)
	}
	a := Action{
		GroupID:  v.GroupID,
		Tier:     v.Tier,
		Keep:     keep.Path,
		KeepHash: keep.Hash,
		Kind:     store.OpDelete,
		File:     m,
	}
	if p.quarantine != "" {
		a.Kind = store.OpMove
		a.Dest = QuarantinePath(p.quarantine, m.Path)
	}
	return a, nil
}

// QuarantinePath mirrors an absolute path below root
func QuarantinePath(root, path string) string {
	clean := filepath.Clean(path)
	clean = strings.TrimPrefix(clean, filepath.VolumeName(clean))
	return filepath.Join(root, strings.TrimLeft(clean, string(filepath.Separator)))
}
