package perceptual

import (
	"context"
	"fmt"
	"image"
	"iter"
	"math"
	"sort"

	"github.com/sourcegraph/conc/pool"

	"github.com/franz/dedup-janitor/internal/cluster"
	"github.com/franz/dedup-janitor/internal/model"
	"github.com/franz/dedup-janitor/internal/reader"
	"github.com/franz/dedup-janitor/internal/report"
	"github.com/franz/dedup-janitor/internal/util"
)

// Config holds perceptual clustering configuration
type Config struct {
	Threshold     float64 // minimum similarity in (0, 1]
	HashSize      int
	ExhaustiveCap int
	Concurrency   int
	EventLogger   *report.EventLogger

	// Decode overrides image decoding; defaults to reader.DecodeImage
	Decode func(path string) (image.Image, error)
}

// Clusterer groups visually similar images
type Clusterer struct {
	cfg *Config
}

// Result holds perceptual groups and the images that could not be fingerprinted
type Result struct {
	Groups   []model.DuplicateGroup
	Excluded []model.Exclusion
	Stats    cluster.Stats
}

// New creates a perceptual clusterer
func New(cfg *Config) *Clusterer {
	if cfg.HashSize <= 0 {
		cfg.HashSize = DefaultHashSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Decode == nil {
		cfg.Decode = reader.DecodeImage
	}
	return &Clusterer{cfg: cfg}
}

// Bits is the fingerprint length
func (c *Clusterer) Bits() int {
	return c.cfg.HashSize * c.cfg.HashSize
}

// Cluster fingerprints images and groups those whose similarity chain meets
// the threshold. Undecodable images are excluded rather than failing the batch.
func (c *Clusterer) Cluster(ctx context.Context, images []model.FileDescriptor) (*Result, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	files, prints, excluded, err := c.Fingerprints(ctx, images)
	if err != nil {
		return nil, err
	}

	groups, stats, err := c.Group(ctx, files, prints)
	if err != nil {
		return nil, err
	}

	util.InfoLog("Perceptual: %d images, %d groups, %d excluded (%s)",
		len(images), len(groups), len(excluded), stats.Mode)

	return &Result{Groups: groups, Excluded: excluded, Stats: stats}, nil
}

func (c *Clusterer) validate() error {
	if c.cfg.Threshold <= 0 || c.cfg.Threshold > 1 {
		return fmt.Errorf("perceptual threshold %v: %w", c.cfg.Threshold, util.ErrInvalidConfig)
	}
	return nil
}

// Fingerprints decodes and hashes images on a bounded pool. The returned
// files and prints are parallel slices ordered by path.
func (c *Clusterer) Fingerprints(ctx context.Context, images []model.FileDescriptor) ([]model.FileDescriptor, []Fingerprint, []model.Exclusion, error) {
	sorted := make([]model.FileDescriptor, len(images))
	copy(sorted, images)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	prints := make([]Fingerprint, len(sorted))
	errs := make([]error, len(sorted))

	p := pool.New().WithMaxGoroutines(c.cfg.Concurrency)
	for i, img := range sorted {
		p.Go(func() {
			if ctx.Err() != nil {
				return
			}
			decoded, err := c.cfg.Decode(img.Path)
			if err != nil {
				errs[i] = err
				return
			}
			prints[i] = DHash(decoded, c.cfg.HashSize)
		})
	}
	p.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, nil, err
	}

	var (
		files    []model.FileDescriptor
		kept     []Fingerprint
		excluded []model.Exclusion
	)
	for i, f := range sorted {
		if errs[i] != nil {
			util.WarnLog("Excluded from perceptual grouping: %s: %v", f.Path, errs[i])
			c.cfg.EventLogger.LogExclusion(f.Path, string(model.TierPerceptual), errs[i])
			excluded = append(excluded, model.Exclusion{Path: f.Path, Tier: model.TierPerceptual, Err: errs[i]})
			continue
		}
		files = append(files, f)
		kept = append(kept, prints[i])
	}
	return files, kept, excluded, nil
}

// Group clusters precomputed fingerprints. Above the exhaustive cap only
// pairs sharing a bit band are compared; with maxDistance+1 bands any pair
// within the threshold shares at least one band, so no group is missed.
func (c *Clusterer) Group(ctx context.Context, files []model.FileDescriptor, prints []Fingerprint) ([]model.DuplicateGroup, cluster.Stats, error) {
	if err := c.validate(); err != nil {
		return nil, cluster.Stats{}, err
	}
	nbits := c.Bits()
	maxDist := int(math.Floor((1-c.cfg.Threshold)*float64(nbits) + 1e-9))

	sim := func(i, j int32) float64 {
		return Similarity(prints[i], prints[j], nbits)
	}
	candidates := func() iter.Seq2[int32, int32] {
		vectors := make([][]uint64, len(prints))
		for i, fp := range prints {
			vectors[i] = fp
		}
		return cluster.NewBandIndex(vectors, nbits, cluster.BandsForDistance(nbits, maxDist)).Pairs()
	}

	comps, stats, err := cluster.Build(ctx, len(files), cluster.Config{
		Threshold:     c.cfg.Threshold,
		ExhaustiveCap: c.cfg.ExhaustiveCap,
		Workers:       c.cfg.Concurrency,
	}, sim, candidates)
	if err != nil {
		return nil, stats, err
	}

	groups := cluster.Groups(model.TierPerceptual, files, comps)
	for _, g := range groups {
		c.cfg.EventLogger.LogGroup(g.ID, string(g.Tier), g.Similarity, memberPaths(g.Members))
	}
	return groups, stats, nil
}

func memberPaths(members []model.FileDescriptor) []string {
	paths := make([]string, len(members))
	for i, m := range members {
		paths[i] = m.Path
	}
	return paths
}
