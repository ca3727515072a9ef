package metrics

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/franz/dedup-janitor/internal/model"
	"github.com/franz/dedup-janitor/internal/store"
	"github.com/franz/dedup-janitor/internal/util"
)

type stubEmbedder struct {
	err error
}

func (s stubEmbedder) EmbedOne(context.Context, string) ([]float32, error) {
	return []float32{1, 0}, s.err
}

func (s stubEmbedder) Model() string { return "stub" }

func TestObserveDetection(t *testing.T) {
	m := New()
	m.ObserveFiles([]model.FileDescriptor{
		{Path: "/a.jpg", Kind: model.KindImage},
		{Path: "/b.jpg", Kind: model.KindImage},
		{Path: "/c.txt", Kind: model.KindDocument},
	})
	m.ObserveGroups([]model.DuplicateGroup{
		{ID: "g1", Tier: model.TierExact},
		{ID: "g2", Tier: model.TierPerceptual},
		{ID: "g3", Tier: model.TierExact},
	})
	m.ObserveExclusions([]model.Exclusion{
		{Path: "/x.jpg", Tier: model.TierPerceptual, Err: util.WrapKind(util.ErrCorruptFile, "decode", errors.New("bad header"))},
		{Path: "/y.txt", Tier: model.TierSemantic, Err: errors.New("mystery")},
	})

	tests := []struct {
		got  float64
		want float64
		name string
	}{
		{testutil.ToFloat64(m.filesScanned.WithLabelValues("image")), 2, "images"},
		{testutil.ToFloat64(m.filesScanned.WithLabelValues("document")), 1, "documents"},
		{testutil.ToFloat64(m.groups.WithLabelValues("exact")), 2, "exact groups"},
		{testutil.ToFloat64(m.groups.WithLabelValues("perceptual")), 1, "perceptual groups"},
		{testutil.ToFloat64(m.exclusions.WithLabelValues("perceptual", util.ErrCorruptFile.Error())), 1, "corrupt exclusions"},
		{testutil.ToFloat64(m.exclusions.WithLabelValues("semantic", "unknown")), 1, "unclassified exclusions"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestInstrumentEmbedder(t *testing.T) {
	m := New()
	ok := m.InstrumentEmbedder(stubEmbedder{})
	failing := m.InstrumentEmbedder(stubEmbedder{err: util.ErrEmbedding})

	ok.EmbedOne(context.Background(), "a")
	ok.EmbedOne(context.Background(), "b")
	failing.EmbedOne(context.Background(), "c")

	if got := testutil.ToFloat64(m.embeddingTotal.WithLabelValues("success")); got != 2 {
		t.Errorf("success calls = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.embeddingTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("error calls = %v, want 1", got)
	}
	if ok.Model() != "stub" {
		t.Errorf("Model() = %q", ok.Model())
	}
	if n := testutil.CollectAndCount(m.embeddingDuration); n != 1 {
		t.Errorf("expected one histogram, got %d", n)
	}
}

func TestJournalMetricsAndTextfile(t *testing.T) {
	m := New()
	m.ObserveTransaction(store.TxCommitted)
	m.ObserveTransaction(store.TxRolledBack)
	m.ObserveTransaction(store.TxCommitted)
	m.ObserveOperations(map[store.OpStatus]int{store.OpApplied: 4, store.OpUndone: 1})

	expected := `
# HELP dlc_journal_transactions_total Transactions closed by this invocation, by outcome.
# TYPE dlc_journal_transactions_total counter
dlc_journal_transactions_total{status="committed"} 2
dlc_journal_transactions_total{status="rolled_back"} 1
`
	if err := testutil.CollectAndCompare(m.transactions, strings.NewReader(expected)); err != nil {
		t.Error(err)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues("pending")); got != 0 {
		t.Errorf("pending = %v, want 0", got)
	}

	path := filepath.Join(t.TempDir(), "dlc.prom")
	if err := m.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `dlc_journal_operations{status="applied"} 4`) {
		t.Errorf("textfile missing operations gauge:\n%s", data)
	}
}
