package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/franz/dedup-janitor/internal/model"
	"github.com/franz/dedup-janitor/internal/semantic"
	"github.com/franz/dedup-janitor/internal/store"
	"github.com/franz/dedup-janitor/internal/util"
)

// Metrics collects counters for one dlc invocation on a private registry
type Metrics struct {
	registry *prometheus.Registry

	filesScanned      *prometheus.CounterVec
	groups            *prometheus.CounterVec
	exclusions        *prometheus.CounterVec
	embeddingTotal    *prometheus.CounterVec
	embeddingDuration prometheus.Histogram
	transactions      *prometheus.CounterVec
	operations        *prometheus.GaugeVec
}

// New creates and registers every collector
func New() *Metrics {
	registry := prometheus.NewRegistry()

	filesScanned := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dlc",
			Subsystem: "scan",
			Name:      "files_total",
			Help:      "Files discovered by kind.",
		},
		[]string{"kind"},
	)
	groups := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dlc",
			Subsystem: "detect",
			Name:      "groups_total",
			Help:      "Duplicate groups found by tier.",
		},
		[]string{"tier"},
	)
	exclusions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dlc",
			Subsystem: "detect",
			Name:      "exclusions_total",
			Help:      "Files excluded from a tier by error kind.",
		},
		[]string{"tier", "reason"},
	)
	embeddingTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dlc",
			Subsystem: "embedding",
			Name:      "requests_total",
			Help:      "Embedding service calls by status.",
		},
		[]string{"status"},
	)
	embeddingDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dlc",
			Subsystem: "embedding",
			Name:      "request_duration_seconds",
			Help:      "Embedding service call latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)
	transactions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dlc",
			Subsystem: "journal",
			Name:      "transactions_total",
			Help:      "Transactions closed by this invocation, by outcome.",
		},
		[]string{"status"},
	)
	operations := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dlc",
			Subsystem: "journal",
			Name:      "operations",
			Help:      "Journaled operations by status.",
		},
		[]string{"status"},
	)

	registry.MustRegister(filesScanned, groups, exclusions, embeddingTotal, embeddingDuration, transactions, operations)

	return &Metrics{
		registry:          registry,
		filesScanned:      filesScanned,
		groups:            groups,
		exclusions:        exclusions,
		embeddingTotal:    embeddingTotal,
		embeddingDuration: embeddingDuration,
		transactions:      transactions,
		operations:        operations,
	}
}

// Registry exposes the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveFiles(files []model.FileDescriptor) {
	for _, f := range files {
		m.filesScanned.WithLabelValues(f.Kind.String()).Inc()
	}
}

func (m *Metrics) ObserveGroups(groups []model.DuplicateGroup) {
	for _, g := range groups {
		m.groups.WithLabelValues(string(g.Tier)).Inc()
	}
}

func (m *Metrics) ObserveExclusions(excluded []model.Exclusion) {
	for _, e := range excluded {
		reason := "unknown"
		if kind := util.KindOf(e.Err); kind != nil {
			reason = kind.Error()
		}
		m.exclusions.WithLabelValues(string(e.Tier), reason).Inc()
	}
}

// ObserveTransaction counts a transaction outcome
func (m *Metrics) ObserveTransaction(status store.TxStatus) {
	m.transactions.WithLabelValues(string(status)).Inc()
}

// ObserveOperations records the journal's operation counts
func (m *Metrics) ObserveOperations(counts map[store.OpStatus]int) {
	for _, s := range []store.OpStatus{store.OpPending, store.OpApplied, store.OpUndone} {
		m.operations.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// WriteFile writes the text exposition format to path
func (m *Metrics) WriteFile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

// InstrumentEmbedder times every call made through e
func (m *Metrics) InstrumentEmbedder(e semantic.Embedder) semantic.Embedder {
	return &instrumentedEmbedder{next: e, m: m}
}

type instrumentedEmbedder struct {
	next semantic.Embedder
	m    *Metrics
}

func (i *instrumentedEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vec, err := i.next.EmbedOne(ctx, text)
	i.m.embeddingDuration.Observe(time.Since(start).Seconds())

	status := "success"
	if err != nil {
		status = "error"
	}
	i.m.embeddingTotal.WithLabelValues(status).Inc()
	return vec, err
}

func (i *instrumentedEmbedder) Model() string {
	return i.next.Model()
}
