// Package metrics exposes pipeline run metrics in Prometheus format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rotisserie/eris"

	"github.com/sells-group/feedcat/internal/model"
)

// Metrics holds the collectors for one process. Each instance owns its
// registry so runs and tests do not share state.
type Metrics struct {
	reg *prometheus.Registry

	candidates    prometheus.Counter
	records       prometheus.Gauge
	newRecords    prometheus.Counter
	dropped       *prometheus.CounterVec
	fetchErrors   *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	classify      *prometheus.CounterVec
	rejectedTags  prometheus.Counter
	untreed       prometheus.Gauge
	duplicates    prometheus.Gauge
	tokens        *prometheus.CounterVec
	costUSD       prometheus.Counter
	phaseDuration *prometheus.HistogramVec
	runs          *prometheus.CounterVec
}

// New creates a Metrics instance with a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		candidates: f.NewCounter(prometheus.CounterOpts{
			Name: "feedcat_candidates_total",
			Help: "Candidate records loaded from origin lists",
		}),
		records: f.NewGauge(prometheus.GaugeOpts{
			Name: "feedcat_records",
			Help: "Canonical records in the latest snapshot",
		}),
		newRecords: f.NewCounter(prometheus.CounterOpts{
			Name: "feedcat_new_records_total",
			Help: "Canonical records created for previously unseen identities",
		}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "feedcat_unresolvable_candidates_total",
			Help: "Candidates dropped because no identity could be derived",
		}, []string{"reason"}),
		fetchErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "feedcat_fetch_errors_total",
			Help: "Enrichment fetch failures by kind",
		}, []string{"kind"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "feedcat_cache_lookups_total",
			Help: "Stage cache lookups by namespace and result",
		}, []string{"namespace", "result"}),
		classify: f.NewCounterVec(prometheus.CounterOpts{
			Name: "feedcat_classify_outcomes_total",
			Help: "Classifier failures, stale fallbacks and unclassified records",
		}, []string{"outcome"}),
		rejectedTags: f.NewCounter(prometheus.CounterOpts{
			Name: "feedcat_rejected_tags_total",
			Help: "Tags discarded for falling outside the vocabulary",
		}),
		untreed: f.NewGauge(prometheus.GaugeOpts{
			Name: "feedcat_untreed_records",
			Help: "Eligible records that matched no category",
		}),
		duplicates: f.NewGauge(prometheus.GaugeOpts{
			Name: "feedcat_suspected_duplicate_groups",
			Help: "Groups of records whose recent items hash identically",
		}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "feedcat_model_tokens_total",
			Help: "Model tokens spent by type",
		}, []string{"type"}),
		costUSD: f.NewCounter(prometheus.CounterOpts{
			Name: "feedcat_model_cost_usd_total",
			Help: "Estimated model spend in USD",
		}),
		phaseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "feedcat_phase_duration_seconds",
			Help:    "Pipeline phase duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"phase"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "feedcat_runs_total",
			Help: "Pipeline runs by final status",
		}, []string{"status"}),
	}
}

// Registry exposes the underlying registry, e.g. for an HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// ObserveRun records a finished run. report may be nil for runs that
// failed before producing one.
func (m *Metrics) ObserveRun(status model.RunStatus, report *model.RunReport) {
	m.runs.WithLabelValues(string(status)).Inc()
	if report == nil {
		return
	}

	m.candidates.Add(float64(report.Candidates))
	m.records.Set(float64(report.Records))
	m.newRecords.Add(float64(report.NewRecords))
	for _, d := range report.Dropped {
		m.dropped.WithLabelValues(d.Reason).Inc()
	}
	for kind, n := range report.FetchErrors {
		m.fetchErrors.WithLabelValues(kind).Add(float64(n))
	}

	m.cacheLookups.WithLabelValues(string(model.CacheEnrich), "hit").Add(float64(report.EnrichCacheHits))
	m.cacheLookups.WithLabelValues(string(model.CacheEnrich), "miss").Add(float64(report.EnrichCacheMisses))
	m.cacheLookups.WithLabelValues(string(model.CacheClassify), "hit").Add(float64(report.ClassifyCacheHits))
	m.cacheLookups.WithLabelValues(string(model.CacheClassify), "miss").Add(float64(report.ClassifyCacheMisses))

	m.classify.WithLabelValues("failure").Add(float64(report.ClassifyFailures))
	m.classify.WithLabelValues("fallback").Add(float64(report.ClassifyFallbacks))
	m.classify.WithLabelValues("unclassified").Add(float64(report.Unclassified))

	var rejected int
	for _, n := range report.RejectedTags {
		rejected += n
	}
	m.rejectedTags.Add(float64(rejected))
	m.untreed.Set(float64(report.Untreed))
	m.duplicates.Set(float64(len(report.SuspectedDuplicates)))

	m.tokens.WithLabelValues("input").Add(float64(report.Usage.InputTokens))
	m.tokens.WithLabelValues("output").Add(float64(report.Usage.OutputTokens))
	m.tokens.WithLabelValues("cache_write").Add(float64(report.Usage.CacheWriteTokens))
	m.tokens.WithLabelValues("cache_read").Add(float64(report.Usage.CacheReadTokens))
	m.costUSD.Add(report.CostUSD)

	for _, p := range report.Phases {
		m.phaseDuration.WithLabelValues(p.Name).Observe(float64(p.Duration) / 1000)
	}
}

// WriteTextfile writes the registry in the node_exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return eris.Wrapf(err, "metrics: write %s", path)
	}
	return nil
}
