package enrich

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/sells-group/feedcat/internal/fetcher"
	"github.com/sells-group/feedcat/internal/model"
)

type fetchResult struct {
	notModified  bool
	etag         string
	lastModified string
	feedURL      string
	feed         *gofeed.Feed
}

// fetch downloads and parses the feed at rawURL. An HTML answer is
// searched for an alternate feed link, which is followed once.
func (s *Stage) fetch(ctx context.Context, rawURL string, cond fetcher.Conditional) (*fetchResult, *fetcher.FetchError) {
	resp, err := s.get.Get(ctx, rawURL, cond)
	if err != nil {
		return nil, fetcher.Classify(rawURL, err)
	}
	if resp.NotModified {
		return &fetchResult{notModified: true}, nil
	}

	feed, perr := parseFeed(resp.Body)
	if perr != nil {
		link := discoverFeed(resp)
		if link == "" || link == rawURL || link == resp.URL {
			return nil, &fetcher.FetchError{Kind: fetcher.KindParseError, URL: rawURL, Err: perr}
		}
		resp, err = s.get.Get(ctx, link, fetcher.Conditional{})
		if err != nil {
			return nil, fetcher.Classify(link, err)
		}
		if feed, perr = parseFeed(resp.Body); perr != nil {
			return nil, &fetcher.FetchError{Kind: fetcher.KindParseError, URL: link, Err: perr}
		}
	}

	return &fetchResult{
		etag:         resp.ETag,
		lastModified: resp.LastModified,
		feedURL:      resp.URL,
		feed:         feed,
	}, nil
}

// parseFeed detects RSS, Atom or JSON Feed. A parser per call keeps
// concurrent fetches independent.
func parseFeed(body []byte) (*gofeed.Feed, error) {
	return gofeed.NewParser().Parse(bytes.NewReader(body))
}

var feedTypes = []string{
	"application/rss+xml",
	"application/atom+xml",
	"application/feed+json",
	"application/json",
	"application/xml",
	"text/xml",
}

// discoverFeed returns the first alternate feed link of an HTML page,
// resolved against the page URL.
func discoverFeed(resp *fetcher.Response) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return ""
	}
	base, _ := url.Parse(resp.URL)

	var found string
	doc.Find(`link[rel~="alternate"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		typ := strings.ToLower(strings.TrimSpace(sel.AttrOr("type", "")))
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		if href == "" || !isFeedType(typ) {
			return true
		}
		ref, err := url.Parse(href)
		if err != nil {
			return true
		}
		if base != nil {
			ref = base.ResolveReference(ref)
		}
		found = ref.String()
		return false
	})
	return found
}

func isFeedType(typ string) bool {
	for _, t := range feedTypes {
		if strings.HasPrefix(typ, t) {
			return true
		}
	}
	return false
}

func (r *fetchResult) signals(now time.Time, opts Options) model.EnrichmentSignals {
	sig := model.EnrichmentSignals{Reachable: true, FetchedAt: &now, FeedURL: r.feedURL}
	if r.feed == nil {
		return sig
	}
	sig.FeedTitle = strings.TrimSpace(r.feed.Title)
	sig.FeedDescription = strings.TrimSpace(r.feed.Description)
	sig.ItemCount = len(r.feed.Items)

	times := publishTimes(r.feed.Items)
	if len(times) > 0 {
		last := times[len(times)-1]
		sig.LastPublishedAt = &last
	}
	sig.PostsPerDay = postsPerDay(times)
	sig.Active = isActive(sig.LastPublishedAt, now, opts.ActiveWindow)
	sig.RecentTitles = recentTitles(r.feed.Items, opts.RecentTitles)
	sig.ContentHash = contentHash(sig.RecentTitles)
	return sig
}

func itemTime(it *gofeed.Item) *time.Time {
	if it.PublishedParsed != nil {
		return it.PublishedParsed
	}
	return it.UpdatedParsed
}

// publishTimes returns the items' publish times in ascending order.
func publishTimes(items []*gofeed.Item) []time.Time {
	var times []time.Time
	for _, it := range items {
		if t := itemTime(it); t != nil {
			times = append(times, t.UTC())
		}
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	return times
}

// postsPerDay is 86400 over the median gap between consecutive posts.
func postsPerDay(times []time.Time) float64 {
	var gaps []float64
	for i := 1; i < len(times); i++ {
		if d := times[i].Sub(times[i-1]).Seconds(); d > 0 {
			gaps = append(gaps, d)
		}
	}
	if len(gaps) == 0 {
		return 0
	}
	sort.Float64s(gaps)
	mid := len(gaps) / 2
	median := gaps[mid]
	if len(gaps)%2 == 0 {
		median = (gaps[mid-1] + gaps[mid]) / 2
	}
	return math.Round(86400/median*100) / 100
}

// recentTitles returns up to n item titles, newest first. Undated items
// follow dated ones in feed order.
func recentTitles(items []*gofeed.Item, n int) []string {
	sorted := append([]*gofeed.Item(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := itemTime(sorted[i]), itemTime(sorted[j])
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
	var out []string
	for _, it := range sorted {
		if len(out) == n {
			break
		}
		if t := strings.TrimSpace(it.Title); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func contentHash(titles []string) string {
	if len(titles) == 0 {
		return ""
	}
	h := sha256.New()
	for _, t := range titles {
		h.Write([]byte(strings.ToLower(t)))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
