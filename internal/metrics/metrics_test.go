package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/feedcat/internal/model"
)

func sampleReport() *model.RunReport {
	return &model.RunReport{
		Candidates:        5,
		Records:           3,
		NewRecords:        2,
		Dropped:           []model.Dropped{{Reason: "malformed_url"}, {Reason: "missing_ref"}, {Reason: "malformed_url"}},
		FetchErrors:       map[string]int{"http_error:404": 2, "timeout": 1},
		EnrichCacheHits:   1,
		EnrichCacheMisses: 2,
		ClassifyCacheHits: 3,
		ClassifyFailures:  1,
		Unclassified:      1,
		RejectedTags:      map[string]int{"Astrology": 2, "Cooking": 1},
		Untreed:           1,
		Usage:             model.TokenUsage{InputTokens: 1200, OutputTokens: 300},
		CostUSD:           0.25,
		Phases:            []model.PhaseResult{{Name: "enrich", Duration: 1500}},
	}
}

func TestObserveRun(t *testing.T) {
	m := New()
	m.ObserveRun(model.RunStatusComplete, sampleReport())

	assert.InDelta(t, 5, testutil.ToFloat64(m.candidates), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.records), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.dropped.WithLabelValues("malformed_url")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.fetchErrors.WithLabelValues("http_error:404")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.fetchErrors.WithLabelValues("timeout")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.cacheLookups.WithLabelValues("classify", "hit")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.rejectedTags), 0)
	assert.InDelta(t, 1200, testutil.ToFloat64(m.tokens.WithLabelValues("input")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.runs.WithLabelValues("complete")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.phaseDuration))
}

func TestObserveRun_FailedWithoutReport(t *testing.T) {
	m := New()
	m.ObserveRun(model.RunStatusFailed, nil)
	assert.InDelta(t, 1, testutil.ToFloat64(m.runs.WithLabelValues("failed")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.candidates), 0)
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.ObserveRun(model.RunStatusComplete, sampleReport())

	path := filepath.Join(t.TempDir(), "feedcat.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.True(t, strings.Contains(out, `feedcat_fetch_errors_total{kind="timeout"} 1`))
	assert.Contains(t, out, "feedcat_candidates_total 5")
}
