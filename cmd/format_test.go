package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/feedcat/internal/config"
	"github.com/sells-group/feedcat/internal/cost"
	"github.com/sells-group/feedcat/internal/model"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2026, 6, 15, 10, 30, 0, 0, time.UTC)
	runs := []model.Run{
		{
			ID:        "abc12345-6789-0000-0000-000000000000",
			Status:    model.RunStatusComplete,
			Report:    &model.RunReport{Records: 1200, NewRecords: 14, FetchErrors: map[string]int{"timeout": 3, "http_error:404": 2}, CostUSD: 0.1234},
			CreatedAt: now,
			UpdatedAt: now.Add(2 * time.Minute),
		},
		{
			ID:        "def12345-6789-0000-0000-000000000000",
			Status:    model.RunStatusRunning,
			CreatedAt: now.Add(-1 * time.Hour),
			UpdatedAt: now.Add(-1 * time.Hour),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "STATUS")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
	assert.Contains(t, output, "complete")
	assert.Contains(t, output, "1200")
	assert.Contains(t, output, "$0.1234")
	assert.Contains(t, output, "running")
	assert.Contains(t, output, "2026-06-15 10:30")
	assert.Contains(t, output, "2m0s")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "short", truncateID("short"))
}

func TestFormatTree(t *testing.T) {
	root := &model.CategoryTree{
		ID: "root", Name: "All", Total: 2,
		Children: []*model.CategoryTree{{
			ID: "science", Name: "Science", Emoji: "🔬", Count: 1, Total: 2,
			Records: []model.RecordRef{{ID: "feed:grist.org/feed", Title: "Grist", Score: 8}},
			Children: []*model.CategoryTree{{
				ID: "climate_environment", Name: "Climate & Environment", Count: 2, Total: 2,
			}},
		}},
	}

	var buf bytes.Buffer
	formatTree(&buf, root, false)
	assert.Equal(t, "All [root] 0/2\n  🔬 Science [science] 1/2\n    Climate & Environment [climate_environment] 2/2\n", buf.String())

	buf.Reset()
	formatTree(&buf, root, true)
	assert.Contains(t, buf.String(), "    - Grist (8.0) feed:grist.org/feed\n")
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, &model.RunReport{
		RunID:        "run-1",
		Candidates:   5,
		Records:      3,
		NewRecords:   3,
		FetchErrors:  map[string]int{"http_error:404": 1, "dns_error": 2},
		RejectedTags: map[string]int{"Astrology": 1},
		CostUSD:      0.0123,
	})

	out := buf.String()
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "3 (3 new)")
	assert.Contains(t, out, "fetch dns_error:")
	assert.Contains(t, out, `rejected tag "Astrology":`)
	assert.Contains(t, out, "$0.0123")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("dns_error")), bytes.Index(buf.Bytes(), []byte("http_error:404")))
}

func TestParseNamespaces(t *testing.T) {
	ns, err := parseNamespaces("enrich")
	require.NoError(t, err)
	assert.Equal(t, []model.CacheNamespace{model.CacheEnrich}, ns)

	ns, err = parseNamespaces("all")
	require.NoError(t, err)
	assert.Len(t, ns, 2)

	_, err = parseNamespaces("everything")
	assert.Error(t, err)
}

func TestFormatCacheStats(t *testing.T) {
	var buf bytes.Buffer
	formatCacheStats(&buf, map[model.CacheNamespace]int{model.CacheEnrich: 7})
	assert.Contains(t, buf.String(), "enrich")
	assert.Contains(t, buf.String(), "7")
	assert.Contains(t, buf.String(), "classify")
}

func TestPricing_OverlaysDefaults(t *testing.T) {
	cfg = &config.Config{Pricing: cost.Rates{Anthropic: map[string]cost.ModelRate{
		"claude-custom": {Input: 2, Output: 4},
	}}}

	rates := pricing()
	assert.Contains(t, rates.Anthropic, "claude-custom")
	assert.Contains(t, rates.Anthropic, "claude-haiku-4-5-20251001")
}

func TestWriteOutputs(t *testing.T) {
	dir := t.TempDir()
	cfg = &config.Config{Output: config.OutputConfig{
		SnapshotPath: filepath.Join(dir, "snapshot.json"),
		TreePath:     filepath.Join(dir, "tree.json"),
	}}
	snap := &model.Snapshot{
		Version: model.SnapshotVersion,
		RunID:   "run-1",
		Records: []model.CanonicalRecord{{ID: "feed:grist.org/feed", Title: "Grist"}},
		Tree:    &model.CategoryTree{ID: "root", Name: "All", Total: 1},
	}

	require.NoError(t, writeOutputs(snap))

	raw, err := os.ReadFile(cfg.Output.TreePath)
	require.NoError(t, err)
	var tr model.CategoryTree
	require.NoError(t, json.Unmarshal(raw, &tr))
	assert.Equal(t, 1, tr.Total)

	raw, err = os.ReadFile(cfg.Output.SnapshotPath)
	require.NoError(t, err)
	var got model.Snapshot
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "run-1", got.RunID)
	require.Len(t, got.Records, 1)
}

func TestPrintValidation(t *testing.T) {
	var buf bytes.Buffer
	printValidation(&buf, validation{
		Origins:    2,
		Candidates: 5,
		Identities: 3,
		Dropped:    []model.Dropped{{Origin: "origin_a", Seq: 2, Ref: "", Reason: "missing_ref"}},
		Nodes:      3,
		Vocabulary: model.NewVocabulary([]string{"Science", "Climate & Environment"}, []string{"_high_quality"}),
	})

	out := buf.String()
	assert.Contains(t, out, "Candidates:")
	assert.Contains(t, out, "origin_a #2")
	assert.Contains(t, out, "(missing_ref)")
	assert.Contains(t, out, "2 tags, 1 markers")
}
