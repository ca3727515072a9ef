package score

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/franz/dedup-janitor/internal/model"
	"github.com/franz/dedup-janitor/internal/reader"
	"github.com/franz/dedup-janitor/internal/report"
	"github.com/franz/dedup-janitor/internal/util"
)

// Signal names used in verdict reasons
const (
	SignalResolution      = "resolution"
	SignalWordCount       = "word_count"
	SignalTagCompleteness = "tag_completeness"
	SignalSize            = "size"
	SignalCopyMarker      = "copy_marker"
	SignalModTime         = "mtime"
	SignalPath            = "path"
	SignalSingleMember    = "single_member"
)

// scoreEpsilon treats totals closer than this as tied
const scoreEpsilon = 1e-9

// Weights scale each normalized signal. Every signal except the copy
// marker is divided by its maximum within the group, so a verdict depends
// only on the group's own contents.
type Weights struct {
	Resolution      float64 `mapstructure:"resolution" yaml:"resolution"`
	WordCount       float64 `mapstructure:"word_count" yaml:"word_count"`
	TagCompleteness float64 `mapstructure:"tag_completeness" yaml:"tag_completeness"`
	Size            float64 `mapstructure:"size" yaml:"size"`
	CopyMarker      float64 `mapstructure:"copy_marker" yaml:"copy_marker"` // subtracted
}

// DefaultWeights favours resolution, then word count, then tags
func DefaultWeights() Weights {
	return Weights{
		Resolution:      4,
		WordCount:       3,
		TagCompleteness: 2,
		Size:            1,
		CopyMarker:      2,
	}
}

// Config holds scorer configuration
type Config struct {
	Weights      Weights
	PreferNewest bool // tie-break on newest mtime instead of oldest
	Concurrency  int
	Logger       *report.EventLogger

	// Probe overrides signal measurement; defaults to reader.Probe
	Probe func(model.FileDescriptor) (model.Signals, error)
}

// Scorer selects the member of each group to keep
type Scorer struct {
	cfg *Config
}

// New creates a new Scorer
func New(cfg *Config) *Scorer {
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Probe == nil {
		cfg.Probe = reader.Probe
	}
	return &Scorer{cfg: cfg}
}

// Result represents scoring results
type Result struct {
	Verdicts []model.QualityVerdict
	Errors   []error
}

// ScoreAll probes every member once and scores each group. A member that
// cannot be probed is scored on size and name alone.
func (s *Scorer) ScoreAll(ctx context.Context, groups []model.DuplicateGroup) (*Result, error) {
	unique := make(map[string]model.FileDescriptor)
	for _, g := range groups {
		for _, m := range g.Members {
			unique[m.Path] = m
		}
	}

	signals := make(map[string]model.Signals, len(unique))
	var mu sync.Mutex
	result := &Result{}

	p := pool.New().WithMaxGoroutines(s.cfg.Concurrency)
	for _, desc := range unique {
		p.Go(func() {
			if ctx.Err() != nil {
				return
			}
			sig, err := s.cfg.Probe(desc)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				util.DebugLog("Score: probe %s failed: %v", desc.Path, err)
				result.Errors = append(result.Errors, fmt.Errorf("probe %s: %w", desc.Path, err))
			}
			signals[desc.Path] = sig
		})
	}
	p.Wait()
	if err := ctx.Err(); err != nil {
		return result, err
	}

	for _, g := range groups {
		v, err := s.Score(g, signals)
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		s.cfg.Logger.LogVerdict(v.GroupID, v.Keep.Path, v.Reason.String(), len(v.Remove))
		result.Verdicts = append(result.Verdicts, v)
	}

	util.InfoLog("Scored %d groups (%d probe errors)", len(result.Verdicts), len(result.Errors))
	return result, nil
}

type scoredMember struct {
	desc    model.FileDescriptor
	signals model.Signals
	parts   map[string]float64 // weighted contribution per signal
	total   float64
}

// Score picks the keeper of one group. It is a pure function of the
// group's members and their signals: member order does not matter.
func (s *Scorer) Score(group model.DuplicateGroup, signals map[string]model.Signals) (model.QualityVerdict, error) {
	verdict := model.QualityVerdict{GroupID: group.ID, Tier: group.Tier}
	switch len(group.Members) {
	case 0:
		return verdict, fmt.Errorf("group %s has no members", group.ID)
	case 1:
		verdict.Keep = group.Members[0]
		verdict.Remove = []model.FileDescriptor{}
		verdict.Reason = model.Reason{Signal: SignalSingleMember, Value: 1}
		return verdict, nil
	}

	members := s.scoreMembers(group.Members, signals)
	sort.Slice(members, func(i, j int) bool { return s.better(members[i], members[j]) })

	keep, runnerUp := members[0], members[1]
	verdict.Keep = keep.desc
	verdict.Remove = make([]model.FileDescriptor, 0, len(members)-1)
	for _, m := range members[1:] {
		verdict.Remove = append(verdict.Remove, m.desc)
	}
	verdict.Reason = s.reason(keep, runnerUp)
	return verdict, nil
}

func (s *Scorer) scoreMembers(descs []model.FileDescriptor, signals map[string]model.Signals) []scoredMember {
	var maxPixels, maxSize int64
	var maxWords int
	var maxTags float64
	for _, d := range descs {
		sig := signals[d.Path]
		maxPixels = max(maxPixels, sig.Pixels)
		maxWords = max(maxWords, sig.WordCount)
		maxTags = max(maxTags, sig.TagCompleteness)
		maxSize = max(maxSize, d.Size)
	}

	w := s.cfg.Weights
	members := make([]scoredMember, len(descs))
	for i, d := range descs {
		sig := signals[d.Path]
		parts := map[string]float64{
			SignalResolution:      w.Resolution * ratio(float64(sig.Pixels), float64(maxPixels)),
			SignalWordCount:       w.WordCount * ratio(float64(sig.WordCount), float64(maxWords)),
			SignalTagCompleteness: w.TagCompleteness * ratio(sig.TagCompleteness, maxTags),
			SignalSize:            w.Size * ratio(float64(d.Size), float64(maxSize)),
			SignalCopyMarker:      0,
		}
		if HasCopyMarker(d.Path) {
			parts[SignalCopyMarker] = -w.CopyMarker
		}

		// Fixed summation order keeps totals bit-identical across runs
		total := 0.0
		for _, name := range signalOrder {
			total += parts[name]
		}
		members[i] = scoredMember{desc: d, signals: sig, parts: parts, total: total}
	}
	return members
}

var signalOrder = []string{SignalResolution, SignalWordCount, SignalTagCompleteness, SignalSize, SignalCopyMarker}

func ratio(v, maxV float64) float64 {
	if maxV <= 0 {
		return 0
	}
	return v / maxV
}

// better orders members: highest total, then oldest mtime (newest when
// PreferNewest), then lexically smallest path
func (s *Scorer) better(a, b scoredMember) bool {
	if diff := a.total - b.total; diff > scoreEpsilon || diff < -scoreEpsilon {
		return diff > 0
	}
	if !a.desc.ModTime.Equal(b.desc.ModTime) {
		if s.cfg.PreferNewest {
			return a.desc.ModTime.After(b.desc.ModTime)
		}
		return a.desc.ModTime.Before(b.desc.ModTime)
	}
	return a.desc.Path < b.desc.Path
}

// reason names the signal that most separates the keeper from the runner-up
func (s *Scorer) reason(keep, runnerUp scoredMember) model.Reason {
	if keep.total-runnerUp.total > scoreEpsilon {
		best, bestGap := "", 0.0
		for _, name := range signalOrder {
			if gap := keep.parts[name] - runnerUp.parts[name]; gap > bestGap+scoreEpsilon {
				best, bestGap = name, gap
			}
		}
		if best != "" {
			return model.Reason{Signal: best, Value: rawValue(best, keep)}
		}
	}
	if !keep.desc.ModTime.Equal(runnerUp.desc.ModTime) {
		return model.Reason{Signal: SignalModTime, Value: float64(keep.desc.ModTime.Unix())}
	}
	return model.Reason{Signal: SignalPath, Value: 0}
}

func rawValue(signal string, m scoredMember) float64 {
	switch signal {
	case SignalResolution:
		return float64(m.signals.Pixels)
	case SignalWordCount:
		return float64(m.signals.WordCount)
	case SignalTagCompleteness:
		return m.signals.TagCompleteness
	case SignalSize:
		return float64(m.desc.Size)
	case SignalCopyMarker:
		return 0 // keeper carries no copy marker
	}
	return 0
}

var numberedCopy = regexp.MustCompile(`\(\d+\)$`)

// HasCopyMarker reports names like "x copy.jpg", "x (1).jpg", "x.jpg~" or "x.jpg.bak"
func HasCopyMarker(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	if strings.HasSuffix(name, "~") || strings.HasSuffix(name, ".bak") {
		return true
	}
	stem := strings.TrimSpace(strings.TrimSuffix(name, filepath.Ext(name)))
	return strings.Contains(stem, "copy") || numberedCopy.MatchString(stem)
}
