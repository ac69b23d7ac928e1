package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/feedcat/internal/classify"
	"github.com/sells-group/feedcat/internal/curation"
	"github.com/sells-group/feedcat/internal/enrich"
	"github.com/sells-group/feedcat/internal/fetcher"
	"github.com/sells-group/feedcat/internal/merge"
	"github.com/sells-group/feedcat/internal/model"
	"github.com/sells-group/feedcat/internal/source"
	"github.com/sells-group/feedcat/internal/store"
	"github.com/sells-group/feedcat/internal/tree"
)

const (
	gristID   = "feed:grist.org/feed"
	channelID = "UCabcdefghijklmnopqrstuv"
	youtubeID = "youtube:" + channelID
	deadID    = "feed:dead.example.com/rss"
)

const judgeModel = "claude-haiku-4-5-20251001"

const categoriesYAML = `
markers: [_clickbait, _high_quality]
roots: [science, culture]
nodes:
  - name: Science
    tags: [Science]
    children: [climate_environment]
  - name: Climate & Environment
    tags: [Climate & Environment]
  - name: Culture
    tags: [Culture, Film]
`

const originA = `{"kind":"feed","feed_url":"https://grist.org/feed/","title":"Grist","tags":["Science"]}
{"channel_id":"` + channelID + `","title":"Climate Town","tags":"Film"}
{"kind":"feed","title":"No reference at all"}
{"feed_url":"https://dead.example.com/rss","title":"Dead Blog","tags":["Culture"]}
`

const originB = "feed_url,tags\nhttps://grist.org/feed,Climate & Environment\n"

// fakeGetter serves a canned RSS document for every grist.org URL and 404s
// everything else.
type fakeGetter struct {
	calls atomic.Int32
}

func (g *fakeGetter) Get(ctx context.Context, rawURL string, _ fetcher.Conditional) (*fetcher.Response, error) {
	g.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !strings.Contains(rawURL, "grist.org") && !strings.Contains(rawURL, channelID) {
		return nil, &fetcher.FetchError{Kind: fetcher.KindHTTPError, StatusCode: 404, URL: rawURL}
	}
	return &fetcher.Response{URL: rawURL, StatusCode: 200, ContentType: "application/rss+xml", Body: []byte(rssFor(time.Now()))}, nil
}

func rssFor(now time.Time) string {
	item := func(d int, title string) string {
		return "<item><title>" + title + "</title><pubDate>" + now.Add(-time.Duration(d)*24*time.Hour).Format(time.RFC1123Z) + "</pubDate></item>"
	}
	return `<?xml version="1.0" encoding="UTF-8"?><rss version="2.0"><channel><title>Grist</title>` +
		item(1, "Heat waves are getting longer") + item(2, "Solar is cheaper than ever") + item(3, "The grid needs batteries") +
		`</channel></rss>`
}

// fakeJudge answers by record ID. Unknown records get a generic verdict.
type fakeJudge struct {
	calls    atomic.Int32
	verdicts map[string]classify.Verdict
}

func (j *fakeJudge) Judge(ctx context.Context, req classify.Request) (*classify.Response, error) {
	j.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := j.verdicts[req.Identity.String()]
	if !ok {
		v = classify.Verdict{Title: req.Title, Language: "en", Tags: []string{"Culture"}, Score: 5}
	}
	return &classify.Response{Verdict: v, Model: judgeModel, Usage: model.TokenUsage{InputTokens: 100, OutputTokens: 20}}, nil
}

// editingLoader saves a curator edit the way the API does while the run is
// loading origins, then loads normally.
type editingLoader struct {
	t      *testing.T
	st     *store.SQLiteStore
	def    *model.CategoryDefinition
	action model.CurationAction
	inner  Loader
}

func (l *editingLoader) LoadAll(ctx context.Context, origins []source.Origin) ([]model.CandidateRecord, error) {
	snap, err := l.st.LoadSnapshot(ctx)
	require.NoError(l.t, err)
	c := curation.NewCurator(l.def, merge.DefaultScorePolicy(), tree.Options{})
	require.NoError(l.t, c.Apply(snap, l.action))
	require.NoError(l.t, l.st.PutCurations(ctx, curation.Overlays(snap, []model.CurationAction{l.action}, time.Now())))
	require.NoError(l.t, l.st.SaveSnapshot(ctx, snap))
	return l.inner.LoadAll(ctx, origins)
}

type countingLoader struct {
	calls int
}

func (l *countingLoader) LoadAll(context.Context, []source.Origin) ([]model.CandidateRecord, error) {
	l.calls++
	return nil, nil
}

type harness struct {
	store   *store.SQLiteStore
	getter  *fakeGetter
	judge   *fakeJudge
	def     *model.CategoryDefinition
	origins []source.Origin
	dir     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "origin_a.jsonl", originA)
	writeFile(t, dir, "origin_b.csv", originB)

	st, err := store.NewSQLite(filepath.Join(dir, "feedcat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	def, err := tree.ParseDefinition(strings.NewReader(categoriesYAML))
	require.NoError(t, err)

	return &harness{
		store:  st,
		getter: &fakeGetter{},
		judge: &fakeJudge{verdicts: map[string]classify.Verdict{
			// The judge omits Climate & Environment and invents Astrology.
			gristID:   {Title: "Grist", Language: "en", Tags: []string{"Science", "Astrology"}, Score: 8},
			youtubeID: {Title: "Climate Town", Language: "en", Tags: []string{"Film"}, Score: 7},
		}},
		def: def,
		origins: []source.Origin{
			{Name: "origin_a", Location: filepath.Join(dir, "origin_a.jsonl")},
			{Name: "origin_b", Location: filepath.Join(dir, "origin_b.csv")},
		},
		dir: dir,
	}
}

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func (h *harness) pipeline() *Pipeline {
	vocab := tree.Vocabulary(h.def)
	return New(
		source.NewLoader(nil),
		enrich.NewStage(h.getter, h.store, enrich.Options{Concurrency: 2}),
		classify.NewStage(h.judge, h.store, vocab, classify.Options{Version: "test", Model: judgeModel, Concurrency: 2}),
		nil,
		Options{Score: merge.DefaultScorePolicy(), Model: judgeModel},
	).WithCurations(h.store)
}

// run executes one pipeline run against the stored snapshot and saves the
// result, the way the run command does.
func (h *harness) run(t *testing.T) (*model.Snapshot, *model.RunReport) {
	t.Helper()
	ctx := context.Background()
	prior, err := h.store.LoadSnapshot(ctx)
	require.NoError(t, err)
	snap, report, err := h.pipeline().Run(ctx, prior, h.origins, h.def)
	require.NoError(t, err)
	require.NoError(t, h.store.SaveSnapshot(ctx, snap))
	return snap, report
}

func nodeRecords(root *model.CategoryTree, id string) []string {
	var ids []string
	root.Walk(func(n *model.CategoryTree, _ int) {
		if n.ID != id {
			return
		}
		for _, r := range n.Records {
			ids = append(ids, r.ID)
		}
	})
	return ids
}

func TestRun_GristEndToEnd(t *testing.T) {
	h := newHarness(t)
	snap, report := h.run(t)

	require.Len(t, snap.Records, 3)
	grist := snap.Find(gristID)
	require.NotNil(t, grist)
	assert.Equal(t, []string{"origin_a", "origin_b"}, grist.Origins)
	assert.Equal(t, []string{"Climate & Environment", "Science"}, grist.Tags)
	assert.Equal(t, "Grist", grist.Title)
	assert.Equal(t, model.ClassifyStatusClassified, grist.ClassifyStatus)
	assert.True(t, grist.Signals.Reachable)
	assert.True(t, grist.Signals.Active)
	assert.Equal(t, 3, grist.Signals.ItemCount)

	dead := snap.Find(deadID)
	require.NotNil(t, dead)
	assert.False(t, dead.Signals.Reachable)
	assert.Equal(t, "http_error:404", dead.Signals.Error)

	assert.Equal(t, 5, report.Candidates)
	assert.Equal(t, 3, report.Records)
	assert.Equal(t, 3, report.NewRecords)
	require.Len(t, report.Dropped, 1)
	assert.Equal(t, "origin_a", report.Dropped[0].Origin)
	assert.Equal(t, 1, report.RejectedTags["Astrology"])
	assert.Equal(t, 1, report.FetchErrors["http_error:404"])
	assert.Equal(t, 3, report.ClassifyCacheMisses)
	assert.Positive(t, report.CostUSD)

	assert.Contains(t, nodeRecords(snap.Tree, "science"), gristID)
	assert.Contains(t, nodeRecords(snap.Tree, "climate_environment"), gristID)
	assert.Contains(t, nodeRecords(snap.Tree, "culture"), youtubeID)
	assert.Contains(t, nodeRecords(snap.Tree, "culture"), deadID)
	assert.Equal(t, 3, snap.Tree.Total)
}

func TestRun_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.run(t)
	first, err := h.store.LoadSnapshot(ctx)
	require.NoError(t, err)
	gets, judged := h.getter.calls.Load(), h.judge.calls.Load()
	stats, err := h.store.CacheStats(ctx)
	require.NoError(t, err)

	_, report := h.run(t)
	second, err := h.store.LoadSnapshot(ctx)
	require.NoError(t, err)

	assert.Equal(t, gets, h.getter.calls.Load(), "second run must not fetch")
	assert.Equal(t, judged, h.judge.calls.Load(), "second run must not call the judge")
	assert.Zero(t, report.NewRecords)
	assert.Equal(t, 3, report.EnrichCacheHits)
	assert.Equal(t, 3, report.ClassifyCacheHits)

	after, err := h.store.CacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats, after)

	want, err := json.Marshal(first.Records)
	require.NoError(t, err)
	got, err := json.Marshal(second.Records)
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))

	wantTree, err := json.Marshal(first.Tree)
	require.NoError(t, err)
	gotTree, err := json.Marshal(second.Tree)
	require.NoError(t, err)
	assert.Equal(t, string(wantTree), string(gotTree))
}

func TestRun_CurationSurvivesRerun(t *testing.T) {
	h := newHarness(t)
	snap, _ := h.run(t)

	c := curation.NewCurator(h.def, merge.DefaultScorePolicy(), tree.Options{})
	require.NoError(t, c.Apply(snap,
		model.CurationAction{RecordID: youtubeID, Type: model.ActionAddTag, Value: "Climate & Environment"},
		model.CurationAction{RecordID: gristID, Type: model.ActionRemoveTag, Value: "Science"},
		model.CurationAction{RecordID: gristID, Type: model.ActionSetTitle, Value: "Grist Magazine"},
		model.CurationAction{RecordID: deadID, Type: model.ActionToggleHidden},
	))
	require.NoError(t, h.store.SaveSnapshot(context.Background(), snap))

	next, _ := h.run(t)

	yt := next.Find(youtubeID)
	require.NotNil(t, yt)
	assert.Contains(t, yt.Tags, "Climate & Environment")

	grist := next.Find(gristID)
	require.NotNil(t, grist)
	assert.NotContains(t, grist.Tags, "Science", "origin tag must not resurrect a curator-removed tag")
	assert.Equal(t, "Grist Magazine", grist.Title)

	dead := next.Find(deadID)
	require.NotNil(t, dead)
	assert.True(t, dead.Hidden)
	assert.NotContains(t, nodeRecords(next.Tree, "culture"), deadID)
	assert.NotContains(t, nodeRecords(next.Tree, "science"), gristID)
}

func TestRun_CurationSavedDuringRunIsKept(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	ctx := context.Background()

	// The run starts from a snapshot that predates the edit.
	prior, err := h.store.LoadSnapshot(ctx)
	require.NoError(t, err)

	p := h.pipeline()
	p.loader = &editingLoader{
		t:      t,
		st:     h.store,
		def:    h.def,
		action: model.CurationAction{RecordID: youtubeID, Type: model.ActionAddTag, Value: "Climate & Environment"},
		inner:  source.NewLoader(nil),
	}
	snap, _, err := p.Run(ctx, prior, h.origins, h.def)
	require.NoError(t, err)
	require.NoError(t, h.store.SaveSnapshot(ctx, snap))

	saved, err := h.store.LoadSnapshot(ctx)
	require.NoError(t, err)
	yt := saved.Find(youtubeID)
	require.NotNil(t, yt)
	assert.Contains(t, yt.Tags, "Climate & Environment")
	assert.Equal(t, []string{"Climate & Environment"}, yt.Curation.AddedTags)
	assert.Contains(t, nodeRecords(saved.Tree, "climate_environment"), youtubeID)

	// A later run with no further edits keeps it too.
	next, _ := h.run(t)
	assert.Contains(t, next.Find(youtubeID).Tags, "Climate & Environment")
}

func TestRun_CurationsLoadFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline().WithCurations(failingCurations{})

	snap, _, err := p.Run(context.Background(), nil, h.origins, h.def)
	require.Error(t, err)
	assert.Nil(t, snap)
	assert.Contains(t, err.Error(), "load curations")
}

type failingCurations struct{}

func (failingCurations) LoadCurations(context.Context) (map[string]model.CurationOverlay, error) {
	return nil, eris.New("curations table locked")
}

func TestRun_RetitleReclassifiesOnlyThatRecord(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	judged := h.judge.calls.Load()

	writeFile(t, h.dir, "origin_a.jsonl", strings.Replace(originA, `"title":"Grist"`, `"title":"Grist.org"`, 1))
	next, report := h.run(t)

	assert.Equal(t, judged+1, h.judge.calls.Load())
	assert.Equal(t, 1, report.ClassifyCacheMisses)
	assert.Equal(t, "Grist.org", next.Find(gristID).SourceTitle)
}

func TestRun_RemovedOriginRowIsCarriedForward(t *testing.T) {
	h := newHarness(t)
	h.run(t)

	h.origins = h.origins[1:]
	next, _ := h.run(t)

	require.Len(t, next.Records, 3)
	grist := next.Find(gristID)
	require.NotNil(t, grist)
	assert.Equal(t, "Grist", grist.Title)
	assert.NotNil(t, next.Find(youtubeID))
}

func TestRun_CycleIsFatal(t *testing.T) {
	def := &model.CategoryDefinition{
		Roots: []string{"a"},
		Nodes: []model.CategoryNode{
			{ID: "a", Name: "A", Tags: []string{"Science"}, Children: []string{"b"}},
			{ID: "b", Name: "B", Tags: []string{"Culture"}, Children: []string{"a"}},
		},
	}

	loader := &countingLoader{}
	p := New(loader, nil, nil, nil, Options{Score: merge.DefaultScorePolicy()})
	snap, _, err := p.Run(context.Background(), nil, nil, def)
	require.Error(t, err)
	assert.True(t, tree.IsCycle(err))
	assert.Nil(t, snap)
	assert.Zero(t, loader.calls)
}

func TestRun_UnreadableOriginIsFatal(t *testing.T) {
	h := newHarness(t)
	h.origins = append(h.origins, source.Origin{Name: "missing", Location: filepath.Join(h.dir, "nope.jsonl")})

	snap, report, err := h.pipeline().Run(context.Background(), nil, h.origins, h.def)
	require.Error(t, err)
	assert.True(t, eris.Is(err, source.ErrUnreadableOrigin))
	assert.Nil(t, snap)
	require.NotEmpty(t, report.Phases)
	assert.Equal(t, model.PhaseStatusFailed, report.Phases[0].Status)
	assert.Zero(t, h.getter.calls.Load())
}

func TestRun_Cancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	snap, _, err := h.pipeline().Run(ctx, nil, h.origins, h.def)
	require.Error(t, err)
	assert.Nil(t, snap)
	assert.Zero(t, h.judge.calls.Load())
}

func TestRun_TreeCountsEachRecordOnce(t *testing.T) {
	h := newHarness(t)
	snap, _ := h.run(t)

	seen := make(map[string]struct{})
	snap.Tree.Walk(func(n *model.CategoryTree, _ int) {
		for _, r := range n.Records {
			seen[r.ID] = struct{}{}
		}
	})
	assert.Len(t, seen, snap.Tree.Total)
}
