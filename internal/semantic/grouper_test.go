package semantic

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/franz/dedup-janitor/internal/cluster"
	"github.com/franz/dedup-janitor/internal/model"
	"github.com/franz/dedup-janitor/internal/util"
)

type fakeEmbedder struct {
	vectors map[string][]float32
	block   map[string]bool // these texts wait for cancellation
	delay   time.Duration

	calls     atomic.Int32
	completed atomic.Int32
	inFlight  atomic.Int32
	peak      atomic.Int32
}

func (f *fakeEmbedder) Model() string { return "fake" }

func (f *fakeEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if f.block[text] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	v, ok := f.vectors[text]
	if !ok {
		return nil, errors.New("service rejected input")
	}
	f.completed.Add(1)
	return v, nil
}

type memCache struct {
	mu sync.Mutex
	m  map[string][]float32
}

func newMemCache() *memCache { return &memCache{m: make(map[string][]float32)} }

func (c *memCache) GetEmbedding(hash, model string) ([]float32, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[model+"/"+hash]
	return v, ok, nil
}

func (c *memCache) PutEmbedding(hash, model string, vec []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[model+"/"+hash] = vec
	return nil
}

func (c *memCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

// corpus maps each path to text "text-of-<path>"
func corpus(paths ...string) ([]model.FileDescriptor, func(string) (string, error)) {
	docs := make([]model.FileDescriptor, len(paths))
	for i, p := range paths {
		docs[i] = model.FileDescriptor{Path: p, Kind: model.KindDocument}
	}
	return docs, func(path string) (string, error) { return "text-of-" + path, nil }
}

func TestEmbeddingTimeoutExcludesOnlyThatDocument(t *testing.T) {
	docs, read := corpus("/d/a.txt", "/d/b.txt", "/d/c.txt", "/d/d.txt", "/d/e.txt")
	emb := &fakeEmbedder{
		vectors: map[string][]float32{
			"text-of-/d/a.txt": {1, 0, 0},
			"text-of-/d/b.txt": {0.99, 0.1, 0},
			"text-of-/d/c.txt": {0, 1, 0},
			"text-of-/d/d.txt": {0.05, 1, 0},
		},
		block: map[string]bool{"text-of-/d/e.txt": true},
	}

	g := New(&Config{Threshold: 0.9, CallTimeout: 30 * time.Millisecond, ReadText: read}, emb)
	res, err := g.GroupByMeaning(context.Background(), docs)
	if err != nil {
		t.Fatalf("batch should not abort: %v", err)
	}

	if len(res.Excluded) != 1 || res.Excluded[0].Path != "/d/e.txt" {
		t.Fatalf("expected only e.txt excluded, got %+v", res.Excluded)
	}
	if !errors.Is(res.Excluded[0].Err, util.ErrTimeout) {
		t.Errorf("expected timeout exclusion, got %v", res.Excluded[0].Err)
	}
	if res.Excluded[0].Tier != model.TierSemantic {
		t.Errorf("expected semantic tier on exclusion, got %s", res.Excluded[0].Tier)
	}

	if len(res.Groups) != 2 {
		t.Fatalf("expected 2 groups, got %+v", res.Groups)
	}
	grouped := 0
	for _, grp := range res.Groups {
		grouped += len(grp.Members)
		if grp.Similarity < 0.9 {
			t.Errorf("group %s similarity %v below threshold", grp.ID, grp.Similarity)
		}
	}
	if grouped != 4 {
		t.Errorf("expected 4 grouped documents, got %d", grouped)
	}
}

func TestCancelledBatchKeepsEmbeddedVectorsCached(t *testing.T) {
	docs, read := corpus("/d/a.txt", "/d/b.txt", "/d/c.txt")
	vectors := map[string][]float32{
		"text-of-/d/a.txt": {1, 0},
		"text-of-/d/b.txt": {0, 1},
		"text-of-/d/c.txt": {1, 1},
	}
	cache := newMemCache()

	first := &fakeEmbedder{vectors: vectors, block: map[string]bool{"text-of-/d/c.txt": true}}
	g1 := New(&Config{Threshold: 0.9, Workers: 3, Budget: NewConcurrencyBudget(3), Cache: cache, ReadText: read}, first)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := g1.GroupByMeaning(ctx, docs)
		done <- err
	}()

	deadline := time.After(5 * time.Second)
	for first.completed.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("embeddings for a and b never completed")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled batch, got %v", err)
	}
	if cache.Len() != 2 {
		t.Fatalf("expected 2 cached vectors after cancel, got %d", cache.Len())
	}

	second := &fakeEmbedder{vectors: vectors}
	g2 := New(&Config{Threshold: 0.9, Cache: cache, ReadText: read}, second)
	res, err := g2.GroupByMeaning(context.Background(), docs)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if second.calls.Load() != 1 {
		t.Errorf("retry should embed only the missing document, made %d calls", second.calls.Load())
	}
	if res.Cached != 2 || res.Embedded != 1 {
		t.Errorf("expected 2 cached and 1 embedded, got %d / %d", res.Cached, res.Embedded)
	}
}

func TestBudgetBoundsInFlightCalls(t *testing.T) {
	var paths []string
	vectors := make(map[string][]float32)
	for i := 0; i < 12; i++ {
		p := fmt.Sprintf("/d/%02d.txt", i)
		paths = append(paths, p)
		vectors["text-of-"+p] = []float32{float32(i + 1), 1}
	}
	docs, read := corpus(paths...)
	emb := &fakeEmbedder{vectors: vectors, delay: 10 * time.Millisecond}

	g := New(&Config{Threshold: 0.99, Workers: 8, Budget: NewConcurrencyBudget(2), ReadText: read}, emb)
	if _, err := g.GroupByMeaning(context.Background(), docs); err != nil {
		t.Fatalf("GroupByMeaning: %v", err)
	}
	if peak := emb.peak.Load(); peak > 2 {
		t.Errorf("observed %d concurrent calls with a budget of 2", peak)
	}
	if emb.calls.Load() != 12 {
		t.Errorf("expected 12 calls, got %d", emb.calls.Load())
	}
}

func TestPerDocumentFailuresAreExclusions(t *testing.T) {
	docs, _ := corpus("/d/bad-read.pdf", "/d/rejected.txt", "/d/zero.txt", "/d/short.txt", "/d/ok1.txt", "/d/ok2.txt")
	errCorrupt := util.WrapKind(util.ErrCorruptFile, "read /d/bad-read.pdf", errors.New("xref missing"))
	read := func(path string) (string, error) {
		if path == "/d/bad-read.pdf" {
			return "", errCorrupt
		}
		return "text-of-" + path, nil
	}
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"text-of-/d/zero.txt":  {0, 0, 0},
		"text-of-/d/short.txt": {1, 0},
		"text-of-/d/ok1.txt":   {1, 0, 0},
		"text-of-/d/ok2.txt":   {1, 0.01, 0},
	}}

	res, err := New(&Config{Threshold: 0.9, ReadText: read}, emb).GroupByMeaning(context.Background(), docs)
	if err != nil {
		t.Fatalf("GroupByMeaning: %v", err)
	}

	want := map[string]error{
		"/d/bad-read.pdf": util.ErrCorruptFile,
		"/d/rejected.txt": util.ErrEmbedding,
		"/d/zero.txt":     util.ErrEmbedding,
		"/d/short.txt":    util.ErrEmbedding,
	}
	if len(res.Excluded) != len(want) {
		t.Fatalf("expected %d exclusions, got %+v", len(want), res.Excluded)
	}
	for _, ex := range res.Excluded {
		if kind, ok := want[ex.Path]; !ok || !errors.Is(ex.Err, kind) {
			t.Errorf("unexpected exclusion %s", ex)
		}
	}
	if len(res.Groups) != 1 || len(res.Groups[0].Members) != 2 {
		t.Errorf("expected ok1/ok2 grouped, got %+v", res.Groups)
	}
}

func TestBucketedModeFindsNearDuplicates(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	var paths []string
	vectors := make(map[string][]float32)
	for i := 0; i < 60; i++ {
		base := make([]float32, 32)
		for d := range base {
			base[d] = float32(rng.NormFloat64())
		}
		near := make([]float32, 32)
		copy(near, base)
		near[0] += 0.01

		a, b := fmt.Sprintf("/d/%02d-a.txt", i), fmt.Sprintf("/d/%02d-b.txt", i)
		paths = append(paths, a, b)
		vectors["text-of-"+a] = base
		vectors["text-of-"+b] = near
	}
	docs, read := corpus(paths...)

	run := func(cap int) *Result {
		g := New(&Config{Threshold: 0.95, ExhaustiveCap: cap, Seed: 7, ReadText: read},
			&fakeEmbedder{vectors: vectors})
		res, err := g.GroupByMeaning(context.Background(), docs)
		if err != nil {
			t.Fatalf("cap %d: %v", cap, err)
		}
		return res
	}

	exhaustive, bucketed := run(10000), run(10)
	if exhaustive.Stats.Mode != cluster.ModeExhaustive || bucketed.Stats.Mode != cluster.ModeBucketed {
		t.Fatalf("unexpected modes %s / %s", exhaustive.Stats.Mode, bucketed.Stats.Mode)
	}
	if len(exhaustive.Groups) != 60 {
		t.Errorf("expected 60 pairs, got %d", len(exhaustive.Groups))
	}
	if !reflect.DeepEqual(exhaustive.Groups, bucketed.Groups) {
		t.Errorf("bucketed groups (%d) differ from exhaustive (%d)", len(bucketed.Groups), len(exhaustive.Groups))
	}
	if bucketed.Stats.Comparisons >= exhaustive.Stats.Comparisons {
		t.Errorf("bucketed mode compared %d pairs, exhaustive %d", bucketed.Stats.Comparisons, exhaustive.Stats.Comparisons)
	}
}

func TestInvalidThreshold(t *testing.T) {
	_, err := New(&Config{Threshold: 0}, &fakeEmbedder{}).GroupByMeaning(context.Background(), nil)
	if !errors.Is(err, util.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}
