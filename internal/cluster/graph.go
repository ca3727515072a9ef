package cluster

import (
	"context"
	"iter"
	"sort"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"

	"github.com/franz/dedup-janitor/internal/model"
	"github.com/franz/dedup-janitor/internal/util"
)

// DefaultExhaustiveCap is the largest input compared all-pairs
const DefaultExhaustiveCap = 2000

// similarityEpsilon absorbs float rounding at the threshold boundary
const similarityEpsilon = 1e-9

// Edge connects two items whose similarity met the threshold
type Edge struct {
	A, B       int32
	Similarity float64
}

// Component is a connected set of item indices. Similarity is the weakest
// edge on the maximum spanning tree: every member reaches every other
// through edges at least this similar.
type Component struct {
	Members    []int32
	Similarity float64
}

// SimilarityFunc scores the pair (i, j) in [0, 1]
type SimilarityFunc func(i, j int32) float64

// Mode is the edge-discovery strategy used by Build
type Mode string

const (
	ModeExhaustive Mode = "exhaustive"
	ModeBucketed   Mode = "bucketed"
)

// Config holds graph clustering configuration
type Config struct {
	Threshold     float64
	ExhaustiveCap int // inputs above this size use the candidate index
	Workers       int
}

// Stats describes one Build call
type Stats struct {
	Mode        Mode
	Items       int
	Comparisons int64
	Edges       int
}

// Build finds connected components of the threshold graph over n items.
// Inputs up to ExhaustiveCap compare every pair; larger inputs compare only
// the pairs proposed by candidates, which is called lazily.
func Build(ctx context.Context, n int, cfg Config, sim SimilarityFunc, candidates func() iter.Seq2[int32, int32]) ([]Component, Stats, error) {
	if cfg.ExhaustiveCap <= 0 {
		cfg.ExhaustiveCap = DefaultExhaustiveCap
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}

	stats := Stats{Items: n, Mode: ModeExhaustive}
	if n < 2 {
		return nil, stats, nil
	}

	var edges []Edge
	var err error
	var comparisons atomic.Int64

	if n <= cfg.ExhaustiveCap || candidates == nil {
		edges, err = exhaustiveEdges(ctx, n, cfg, sim, &comparisons)
	} else {
		stats.Mode = ModeBucketed
		edges, err = candidateEdges(ctx, cfg, sim, candidates(), &comparisons)
	}
	stats.Comparisons = comparisons.Load()
	stats.Edges = len(edges)
	if err != nil {
		return nil, stats, err
	}

	util.DebugLog("Cluster: %s mode over %d items, %d comparisons, %d edges",
		stats.Mode, n, stats.Comparisons, stats.Edges)

	return Components(n, edges), stats, nil
}

// exhaustiveEdges compares every pair, striping rows across workers
func exhaustiveEdges(ctx context.Context, n int, cfg Config, sim SimilarityFunc, comparisons *atomic.Int64) ([]Edge, error) {
	workers := min(cfg.Workers, n)
	p := pool.NewWithResults[[]Edge]().WithContext(ctx).WithMaxGoroutines(workers)

	for w := 0; w < workers; w++ {
		p.Go(func(ctx context.Context) ([]Edge, error) {
			var local []Edge
			for i := w; i < n; i += workers {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				for j := i + 1; j < n; j++ {
					s := sim(int32(i), int32(j))
					if s+similarityEpsilon >= cfg.Threshold {
						local = append(local, Edge{A: int32(i), B: int32(j), Similarity: s})
					}
				}
				comparisons.Add(int64(n - i - 1))
			}
			return local, nil
		})
	}

	chunks, err := p.Wait()
	if err != nil {
		return nil, err
	}
	var edges []Edge
	for _, c := range chunks {
		edges = append(edges, c...)
	}
	return edges, nil
}

// candidateEdges deduplicates the proposed pairs and scores them in parallel
func candidateEdges(ctx context.Context, cfg Config, sim SimilarityFunc, pairs iter.Seq2[int32, int32], comparisons *atomic.Int64) ([]Edge, error) {
	seen := make(map[uint64]struct{})
	var unique [][2]int32
	for a, b := range pairs {
		if a == b {
			continue
		}
		if a > b {
			a, b = b, a
		}
		key := uint64(uint32(a))<<32 | uint64(uint32(b))
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, [2]int32{a, b})
	}

	const chunk = 4096
	p := pool.NewWithResults[[]Edge]().WithContext(ctx).WithMaxGoroutines(cfg.Workers)
	for start := 0; start < len(unique); start += chunk {
		batch := unique[start:min(start+chunk, len(unique))]
		p.Go(func(ctx context.Context) ([]Edge, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			var local []Edge
			for _, pr := range batch {
				s := sim(pr[0], pr[1])
				if s+similarityEpsilon >= cfg.Threshold {
					local = append(local, Edge{A: pr[0], B: pr[1], Similarity: s})
				}
			}
			comparisons.Add(int64(len(batch)))
			return local, nil
		})
	}

	chunks, err := p.Wait()
	if err != nil {
		return nil, err
	}
	var edges []Edge
	for _, c := range chunks {
		edges = append(edges, c...)
	}
	return edges, nil
}

// Components unions edges strongest-first and returns every component with
// at least two members, ordered by smallest member index.
func Components(n int, edges []Edge) []Component {
	sorted := make([]Edge, len(edges))
	copy(sorted, edges)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.A != b.A {
			return a.A < b.A
		}
		return a.B < b.B
	})

	ds := NewDisjointSet(n)
	weakest := make(map[int32]float64)
	for _, e := range sorted {
		ra, rb := ds.Find(e.A), ds.Find(e.B)
		if ra == rb {
			continue
		}
		wa, okA := weakest[ra]
		wb, okB := weakest[rb]
		ds.Union(ra, rb)
		root := ds.Find(ra)
		w := e.Similarity
		if okA && wa < w {
			w = wa
		}
		if okB && wb < w {
			w = wb
		}
		delete(weakest, ra)
		delete(weakest, rb)
		weakest[root] = w
	}

	byRoot := make(map[int32][]int32)
	for i := 0; i < n; i++ {
		r := ds.Find(int32(i))
		if _, ok := weakest[r]; ok {
			byRoot[r] = append(byRoot[r], int32(i))
		}
	}

	components := make([]Component, 0, len(byRoot))
	for root, members := range byRoot {
		components = append(components, Component{Members: members, Similarity: weakest[root]})
	}
	sort.Slice(components, func(i, j int) bool {
		return components[i].Members[0] < components[j].Members[0]
	})
	return components
}

// Groups maps components over files into duplicate groups of the given tier
func Groups(tier model.Tier, files []model.FileDescriptor, comps []Component) []model.DuplicateGroup {
	groups := make([]model.DuplicateGroup, 0, len(comps))
	for _, comp := range comps {
		members := make([]model.FileDescriptor, len(comp.Members))
		for i, idx := range comp.Members {
			members[i] = files[idx]
		}
		groups = append(groups, model.DuplicateGroup{
			ID:         model.GroupID(tier, members),
			Tier:       tier,
			Members:    members,
			Similarity: comp.Similarity,
		})
	}
	return groups
}
