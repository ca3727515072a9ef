package semantic

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/franz/dedup-janitor/internal/cluster"
	"github.com/franz/dedup-janitor/internal/model"
	"github.com/franz/dedup-janitor/internal/reader"
	"github.com/franz/dedup-janitor/internal/report"
	"github.com/franz/dedup-janitor/internal/util"
)

// Embedder turns text into a vector
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// Cache persists vectors by text digest and model
type Cache interface {
	GetEmbedding(contentHash, model string) ([]float32, bool, error)
	PutEmbedding(contentHash, model string, vec []float32) error
}

// Config holds semantic grouping configuration
type Config struct {
	Threshold     float64 // minimum cosine similarity in (0, 1]
	ExhaustiveCap int
	Workers       int
	CallTimeout   time.Duration
	MaxChars      int

	// Hyperplane LSH shape used above the exhaustive cap
	LSHBits  int
	LSHBands int
	Seed     uint64

	Cache       Cache
	Budget      *ConcurrencyBudget
	EventLogger *report.EventLogger

	// ReadText overrides text extraction; defaults to reader.ReadText
	ReadText func(path string) (string, error)
}

// Grouper groups documents whose embeddings are close
type Grouper struct {
	cfg      *Config
	embedder Embedder

	mu  sync.Mutex
	mem map[string][]float32

	calls atomic.Int64
}

// Result holds semantic groups and the documents excluded from them
type Result struct {
	Groups   []model.DuplicateGroup
	Excluded []model.Exclusion
	Stats    cluster.Stats
	Embedded int // service calls made
	Cached   int // vectors served from cache
}

// New creates a grouper
func New(cfg *Config, embedder Embedder) *Grouper {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 8000
	}
	if cfg.LSHBits <= 0 {
		cfg.LSHBits = 64
	}
	if cfg.LSHBands <= 0 {
		cfg.LSHBands = 8
	}
	if cfg.Budget == nil {
		cfg.Budget = NewConcurrencyBudget(4)
	}
	if cfg.ReadText == nil {
		cfg.ReadText = reader.ReadText
	}
	return &Grouper{cfg: cfg, embedder: embedder, mem: make(map[string][]float32)}
}

// Calls returns the number of embedding service calls made so far
func (g *Grouper) Calls() int64 {
	return g.calls.Load()
}

type embedded struct {
	vec    []float32
	err    error
	cached bool
}

// GroupByMeaning embeds documents and groups them by cosine similarity.
// Read, embedding and timeout failures exclude only the affected document.
// Cancelling ctx aborts the batch, but vectors already received stay cached.
func (g *Grouper) GroupByMeaning(ctx context.Context, docs []model.FileDescriptor) (*Result, error) {
	if g.cfg.Threshold <= 0 || g.cfg.Threshold > 1 {
		return nil, fmt.Errorf("semantic threshold %v: %w", g.cfg.Threshold, util.ErrInvalidConfig)
	}

	sorted := make([]model.FileDescriptor, len(docs))
	copy(sorted, docs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	out := make([]embedded, len(sorted))
	p := pool.New().WithContext(ctx).WithMaxGoroutines(g.cfg.Workers)
	for i, doc := range sorted {
		p.Go(func(ctx context.Context) error {
			vec, cached, err := g.vector(ctx, doc)
			if err != nil && ctx.Err() != nil {
				return nil // batch cancelled; not this document's fault
			}
			out[i] = embedded{vec: vec, err: err, cached: cached}
			return nil
		})
	}
	p.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &Result{}
	var files []model.FileDescriptor
	var vectors [][]float32
	for i, doc := range sorted {
		e := out[i]
		if e.err != nil {
			g.exclude(result, doc.Path, e.err)
			continue
		}
		if e.cached {
			result.Cached++
		} else {
			result.Embedded++
		}
		files = append(files, doc)
		vectors = append(vectors, e.vec)
	}

	files, vectors = g.dropMismatchedDims(result, files, vectors)

	sim := func(i, j int32) float64 {
		return cluster.Cosine(vectors[i], vectors[j])
	}
	candidates := func() iter.Seq2[int32, int32] {
		sigs := cluster.HyperplaneSignatures(vectors, g.cfg.LSHBits, g.cfg.Seed)
		return cluster.NewBandIndex(sigs, g.cfg.LSHBits, g.cfg.LSHBands).Pairs()
	}

	comps, stats, err := cluster.Build(ctx, len(files), cluster.Config{
		Threshold:     g.cfg.Threshold,
		ExhaustiveCap: g.cfg.ExhaustiveCap,
		Workers:       g.cfg.Workers,
	}, sim, candidates)
	if err != nil {
		return nil, err
	}
	result.Stats = stats
	result.Groups = cluster.Groups(model.TierSemantic, files, comps)

	for _, grp := range result.Groups {
		paths := make([]string, len(grp.Members))
		for i, m := range grp.Members {
			paths[i] = m.Path
		}
		g.cfg.EventLogger.LogGroup(grp.ID, string(grp.Tier), grp.Similarity, paths)
	}

	util.InfoLog("Semantic: %d documents, %d groups, %d excluded, %d embedded, %d cached (%s)",
		len(docs), len(result.Groups), len(result.Excluded), result.Embedded, result.Cached, stats.Mode)
	return result, nil
}

func (g *Grouper) exclude(result *Result, path string, err error) {
	util.WarnLog("Excluded from semantic grouping: %s: %v", path, err)
	g.cfg.EventLogger.LogExclusion(path, string(model.TierSemantic), err)
	result.Excluded = append(result.Excluded, model.Exclusion{Path: path, Tier: model.TierSemantic, Err: err})
}

// vector returns the document's embedding from cache or the service
func (g *Grouper) vector(ctx context.Context, doc model.FileDescriptor) ([]float32, bool, error) {
	text, err := g.cfg.ReadText(doc.Path)
	if err != nil {
		return nil, false, err
	}
	if text == "" {
		return nil, false, util.WrapKind(util.ErrUnsupportedFormat, "read "+doc.Path, errors.New("no extractable text"))
	}
	if r := []rune(text); len(r) > g.cfg.MaxChars {
		text = string(r[:g.cfg.MaxChars])
	}

	sum := sha256.Sum256([]byte(text))
	key := hex.EncodeToString(sum[:])

	if vec, ok := g.lookup(key); ok {
		return vec, true, nil
	}

	if err := g.cfg.Budget.Acquire(ctx); err != nil {
		return nil, false, err
	}
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	g.calls.Add(1)
	vec, err := g.embedder.EmbedOne(callCtx, text)
	callErr := callCtx.Err()
	cancel()
	g.cfg.Budget.Release()

	if err != nil {
		if ctx.Err() == nil && (errors.Is(callErr, context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)) {
			return nil, false, util.WrapKind(util.ErrTimeout, "embed "+doc.Path, err)
		}
		if util.KindOf(err) == util.ErrTimeout || util.KindOf(err) == util.ErrEmbedding {
			return nil, false, err
		}
		return nil, false, util.WrapKind(util.ErrEmbedding, "embed "+doc.Path, err)
	}
	if !usable(vec) {
		return nil, false, util.WrapKind(util.ErrEmbedding, "embed "+doc.Path, errors.New("zero or non-finite vector"))
	}

	g.store(key, vec)
	return vec, false, nil
}

func usable(vec []float32) bool {
	var norm float64
	for _, x := range vec {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
		norm += f * f
	}
	return norm > 0
}

func (g *Grouper) lookup(key string) ([]float32, bool) {
	g.mu.Lock()
	vec, ok := g.mem[key]
	g.mu.Unlock()
	if ok {
		return vec, true
	}
	if g.cfg.Cache == nil {
		return nil, false
	}
	vec, ok, err := g.cfg.Cache.GetEmbedding(key, g.embedder.Model())
	if err != nil {
		util.WarnLog("Embedding cache lookup failed: %v", err)
		return nil, false
	}
	if ok {
		g.mu.Lock()
		g.mem[key] = vec
		g.mu.Unlock()
	}
	return vec, ok
}

func (g *Grouper) store(key string, vec []float32) {
	g.mu.Lock()
	g.mem[key] = vec
	g.mu.Unlock()
	if g.cfg.Cache != nil {
		if err := g.cfg.Cache.PutEmbedding(key, g.embedder.Model(), vec); err != nil {
			util.WarnLog("Embedding cache write failed: %v", err)
		}
	}
}

// dropMismatchedDims excludes vectors whose dimension differs from the most
// common one; cosine over mismatched lengths is meaningless
func (g *Grouper) dropMismatchedDims(result *Result, files []model.FileDescriptor, vectors [][]float32) ([]model.FileDescriptor, [][]float32) {
	counts := make(map[int]int)
	for _, v := range vectors {
		counts[len(v)]++
	}
	dims, best := 0, 0
	for d, n := range counts {
		if n > best || (n == best && d < dims) {
			dims, best = d, n
		}
	}
	if len(counts) <= 1 {
		return files, vectors
	}

	var keptFiles []model.FileDescriptor
	var keptVecs [][]float32
	for i, v := range vectors {
		if len(v) != dims {
			g.exclude(result, files[i].Path, util.WrapKind(util.ErrEmbedding, "embed "+files[i].Path,
				fmt.Errorf("dimension %d, expected %d", len(v), dims)))
			continue
		}
		keptFiles = append(keptFiles, files[i])
		keptVecs = append(keptVecs, v)
	}
	return keptFiles, keptVecs
}
