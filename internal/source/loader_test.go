package source

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/feedcat/internal/fetcher"
	"github.com/sells-group/feedcat/internal/model"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_JSONL(t *testing.T) {
	path := writeFile(t, "a.jsonl", `
{"feed_url": "https://grist.org/feed/", "title": "Grist", "tags": ["Science"], "keywords": "climate; energy"}
{"kind": "youtube", "channel_id": "UCBJycsmduvYEL83R_U4JriQ", "title": "MKBHD"}

{"subreddit": "golang", "language": "EN"}
`)
	recs, err := NewLoader(nil).Load(context.Background(), 2, Origin{Name: "a", Location: path})
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, model.KindFeed, recs[0].Kind)
	assert.Equal(t, "https://grist.org/feed/", recs[0].Ref)
	assert.Equal(t, []string{"Science"}, recs[0].Tags)
	assert.Equal(t, []string{"climate", "energy"}, recs[0].Keywords)
	assert.Equal(t, "a", recs[0].Origin)
	assert.Equal(t, 2, recs[0].Rank)
	assert.Equal(t, 0, recs[0].Seq)

	assert.Equal(t, model.KindYouTube, recs[1].Kind)
	assert.Equal(t, model.KindReddit, recs[2].Kind)
	assert.Equal(t, "golang", recs[2].Ref)
	assert.Equal(t, "en", recs[2].Language)
	assert.Equal(t, 2, recs[2].Seq)
}

func TestLoad_JSONArray(t *testing.T) {
	path := writeFile(t, "b.json", `[
  {"url": "https://grist.org/feed", "title": "Grist Magazine", "tags": "Climate & Environment"},
  {"handle": "@grist.org"}
]`)
	recs, err := NewLoader(nil).Load(context.Background(), 0, Origin{Name: "b", Location: path})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "https://grist.org/feed", recs[0].Ref)
	assert.Equal(t, []string{"Climate & Environment"}, recs[0].Tags)
	assert.Equal(t, model.KindBluesky, recs[1].Kind)
	assert.Equal(t, "@grist.org", recs[1].Ref)
}

func TestLoad_CSV(t *testing.T) {
	path := writeFile(t, "c.csv", "feed_url,title,tags,notes\n"+
		"https://grist.org/feed/,Grist,Science|Climate & Environment,weekly\n"+
		",,,\n"+
		"https://example.com/rss,Example,,\n")
	recs, err := NewLoader(nil).Load(context.Background(), 1, Origin{Name: "c", Location: path})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, []string{"Science", "Climate & Environment"}, recs[0].Tags)
	assert.Equal(t, map[string]string{"notes": "weekly"}, recs[0].Details)
	assert.Equal(t, 1, recs[1].Seq)
}

func TestLoad_CSVRowStartingWithHash(t *testing.T) {
	path := writeFile(t, "h.csv", "title,feed_url\n"+
		"#1 Tech Blog,https://example.com/rss\n"+
		"\"#hashtag, the podcast\",https://example.com/podcast.xml\n")
	recs, err := NewLoader(nil).Load(context.Background(), 1, Origin{Name: "h", Location: path})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "#1 Tech Blog", recs[0].Title)
	assert.Equal(t, "https://example.com/rss", recs[0].Ref)
	assert.Equal(t, "#hashtag, the podcast", recs[1].Title)
}

func TestLoad_FallbackKind(t *testing.T) {
	path := writeFile(t, "subs.csv", "ref,title\nGolang,Go\n")
	recs, err := NewLoader(nil).Load(context.Background(), 0, Origin{Name: "subs", Location: path, Kind: "reddit"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.KindReddit, recs[0].Kind)
	assert.Equal(t, "Golang", recs[0].Ref)
}

func TestLoad_OPML(t *testing.T) {
	path := writeFile(t, "subs.opml", `<?xml version="1.0" encoding="UTF-8"?>
<opml version="2.0">
  <head><title>subs</title></head>
  <body>
    <outline text="Science">
      <outline type="rss" text="Grist" xmlUrl="https://grist.org/feed/" htmlUrl="https://grist.org" category="/Climate &amp; Environment"/>
    </outline>
    <outline type="rss" title="Example" xmlUrl="https://example.com/rss" description="An example"/>
  </body>
</opml>`)
	recs, err := NewLoader(nil).Load(context.Background(), 0, Origin{Name: "opml", Location: path})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "Grist", recs[0].Title)
	assert.Equal(t, []string{"Science", "Climate & Environment"}, recs[0].Tags)
	assert.Equal(t, "https://grist.org", recs[0].Details["site_url"])
	assert.Equal(t, "An example", recs[1].Summary)
}

func TestLoad_OPMLCharset(t *testing.T) {
	// "Café" in ISO-8859-1.
	doc := []byte("<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?><opml><body><outline text=\"Caf\xe9\" xmlUrl=\"https://cafe.example/rss\"/></body></opml>")
	path := filepath.Join(t.TempDir(), "latin1.opml")
	require.NoError(t, os.WriteFile(path, doc, 0o644))

	recs, err := NewLoader(nil).Load(context.Background(), 0, Origin{Name: "l", Location: path})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Café", recs[0].Title)
}

func TestLoad_XLSX(t *testing.T) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("feeds")
	require.NoError(t, err)
	for _, vals := range [][]string{
		{"feed_url", "title", "tags"},
		{"https://grist.org/feed/", "Grist", "Science"},
	} {
		row := sheet.AddRow()
		for _, v := range vals {
			row.AddCell().Value = v
		}
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	path := filepath.Join(t.TempDir(), "feeds.xlsx")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	recs, err := NewLoader(nil).Load(context.Background(), 0, Origin{Name: "x", Location: path})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "https://grist.org/feed/", recs[0].Ref)
	assert.Equal(t, []string{"Science"}, recs[0].Tags)
}

func TestLoad_Remote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"feed_url":"https://grist.org/feed"}` + "\n"))
	}))
	defer srv.Close()

	remote := &fetcher.Multi{HTTP: fetcher.NewHTTPFetcher(fetcher.HTTPOptions{Timeout: time.Second, RatePerHost: 100, Burst: 10})}
	recs, err := NewLoader(remote).Load(context.Background(), 0, Origin{Name: "r", Location: srv.URL + "/list.jsonl"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestLoad_Unreadable(t *testing.T) {
	_, err := NewLoader(nil).Load(context.Background(), 0, Origin{Name: "gone", Location: "/nonexistent/list.jsonl"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreadableOrigin))

	bad := writeFile(t, "bad.json", `[{"feed_url": 1`)
	_, err = NewLoader(nil).Load(context.Background(), 0, Origin{Name: "bad", Location: bad})
	assert.True(t, errors.Is(err, ErrUnreadableOrigin))

	unknown := writeFile(t, "list.txt", "x")
	_, err = NewLoader(nil).Load(context.Background(), 0, Origin{Name: "txt", Location: unknown})
	assert.True(t, errors.Is(err, ErrUnreadableOrigin))
}

func TestLoadAll_RanksByPosition(t *testing.T) {
	a := writeFile(t, "a.jsonl", `{"feed_url":"https://grist.org/feed/"}`)
	b := writeFile(t, "b.jsonl", `{"feed_url":"https://grist.org/feed"}`)
	recs, err := NewLoader(nil).LoadAll(context.Background(), []Origin{{Name: "a", Location: a}, {Name: "b", Location: b}})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 0, recs[0].Rank)
	assert.Equal(t, 1, recs[1].Rank)
}

func TestResolvedFormat(t *testing.T) {
	assert.Equal(t, "csv", Origin{Location: "lists/a.CSV"}.ResolvedFormat())
	assert.Equal(t, "jsonl", Origin{Location: "https://x.example/a.ndjson?x=1"}.ResolvedFormat())
	assert.Equal(t, "opml", Origin{Location: "a.xml"}.ResolvedFormat())
	assert.Equal(t, "json", Origin{Location: "a.txt", Format: "JSON"}.ResolvedFormat())
	assert.True(t, ValidFormat("xlsx"))
	assert.False(t, ValidFormat("txt"))
}
