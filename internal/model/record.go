package model

import (
	"sort"
	"strings"
	"time"
)

// Kind identifies the type of syndication source a record points at.
type Kind string

const (
	KindFeed    Kind = "feed"
	KindYouTube Kind = "youtube"
	KindReddit  Kind = "reddit"
	KindBluesky Kind = "bluesky"
)

// Kinds lists every supported source kind.
var Kinds = []Kind{KindFeed, KindYouTube, KindReddit, KindBluesky}

// Valid reports whether k is a supported kind.
func (k Kind) Valid() bool {
	switch k {
	case KindFeed, KindYouTube, KindReddit, KindBluesky:
		return true
	}
	return false
}

// CandidateRecord is one raw row read from one origin list. It is never
// mutated after loading.
type CandidateRecord struct {
	Origin   string            `json:"origin"`
	Rank     int               `json:"rank"` // position of the origin list in load order
	Seq      int               `json:"seq"`  // row position inside the origin list
	Kind     Kind              `json:"kind"`
	Ref      string            `json:"ref"` // feed URL, channel ID, subreddit or handle
	Title    string            `json:"title,omitempty"`
	Author   string            `json:"author,omitempty"`
	Summary  string            `json:"summary,omitempty"`
	Language string            `json:"language,omitempty"`
	Keywords []string          `json:"keywords,omitempty"`
	Tags     []string          `json:"tags,omitempty"`
	Details  map[string]string `json:"details,omitempty"`
}

// Identity is the normalized deduplication key of a source.
type Identity struct {
	Kind Kind   `json:"kind"`
	Key  string `json:"key"`
}

// String renders the identity as "kind:key", which doubles as the record ID.
func (id Identity) String() string {
	return string(id.Kind) + ":" + id.Key
}

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool {
	return id.Kind == "" && id.Key == ""
}

// Overrides holds model-authored cleaned display values. A merge never
// replaces them with candidate values.
type Overrides struct {
	Title    string  `json:"title,omitempty"`
	Author   *string `json:"author,omitempty"`
	Language string  `json:"language,omitempty"`
}

// Curation holds a curator's manual edits. Curator-authored title and author
// take precedence over model overrides.
type Curation struct {
	Title       string   `json:"title,omitempty"`
	Author      *string  `json:"author,omitempty"`
	AddedTags   []string `json:"added_tags,omitempty"`
	RemovedTags []string `json:"removed_tags,omitempty"`
}

// ClassifyStatus describes how fresh a record's classification is.
type ClassifyStatus string

const (
	ClassifyStatusClassified   ClassifyStatus = "classified"
	ClassifyStatusStale        ClassifyStatus = "stale"
	ClassifyStatusUnclassified ClassifyStatus = "unclassified"
)

// EnrichmentSignals are the liveness and cadence facts gathered by fetching
// a record's feed.
type EnrichmentSignals struct {
	Reachable       bool       `json:"reachable"`
	Active          bool       `json:"active"`
	FetchedAt       *time.Time `json:"fetched_at,omitempty"`
	Error           string     `json:"error,omitempty"`
	FeedURL         string     `json:"feed_url,omitempty"`
	FeedTitle       string     `json:"feed_title,omitempty"`
	FeedDescription string     `json:"feed_description,omitempty"`
	ItemCount       int        `json:"item_count"`
	LastPublishedAt *time.Time `json:"last_published_at,omitempty"`
	PostsPerDay     float64    `json:"posts_per_day"`
	RecentTitles    []string   `json:"recent_titles,omitempty"`
	ContentHash     string     `json:"content_hash,omitempty"`
}

// Classification is the validated output of the model judge.
type Classification struct {
	Fingerprint  string    `json:"fingerprint"`
	Model        string    `json:"model,omitempty"`
	ClassifiedAt time.Time `json:"classified_at"`
	CleanTitle   string    `json:"clean_title,omitempty"`
	CleanAuthor  *string   `json:"clean_author,omitempty"`
	Description  string    `json:"description,omitempty"`
	Language     string    `json:"language,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	Markers      []string  `json:"markers,omitempty"`
	Keywords     []string  `json:"keywords,omitempty"`
	NSFW         bool      `json:"nsfw"`
	Spam         bool      `json:"spam"`
	Score        float64   `json:"score"`
}

// CanonicalRecord is the single merged, enriched and classified record for
// one identity.
type CanonicalRecord struct {
	ID             string            `json:"id"`
	Identity       Identity          `json:"identity"`
	FetchURL       string            `json:"fetch_url"`
	Title          string            `json:"title"`
	Author         *string           `json:"author"`
	Summary        string            `json:"summary,omitempty"`
	Language       string            `json:"language,omitempty"`
	SourceTitle    string            `json:"source_title,omitempty"`
	SourceAuthor   string            `json:"source_author,omitempty"`
	SourceSummary  string            `json:"source_summary,omitempty"`
	SourceLanguage string            `json:"source_language,omitempty"`
	Overrides      Overrides         `json:"overrides"`
	Keywords       []string          `json:"keywords,omitempty"`
	Details        map[string]string `json:"details,omitempty"`
	Origins        []string          `json:"origins"`
	OriginTags     []string          `json:"origin_tags,omitempty"`
	Classification *Classification   `json:"classification,omitempty"`
	ClassifyStatus ClassifyStatus    `json:"classify_status"`
	Signals        EnrichmentSignals `json:"signals"`
	Curation       Curation          `json:"curation"`
	Hidden         bool              `json:"hidden"`
	HighQuality    bool              `json:"high_quality"`
	Tags           []string          `json:"tags"`
	Score          float64           `json:"score"`
}

// HasTag reports whether the record's effective tags include tag.
func (r *CanonicalRecord) HasTag(tag string) bool {
	i := sort.SearchStrings(r.Tags, tag)
	return i < len(r.Tags) && r.Tags[i] == tag
}

// HasOrigin reports whether any of the given origins contributed the record.
func (r *CanonicalRecord) HasOrigin(origins ...string) bool {
	for _, o := range origins {
		i := sort.SearchStrings(r.Origins, o)
		if i < len(r.Origins) && r.Origins[i] == o {
			return true
		}
	}
	return false
}

// Matches reports whether the record's ID or display title contains query,
// case-insensitively. Used for tracing records through a run.
func (r *CanonicalRecord) Matches(query string) bool {
	if query == "" {
		return false
	}
	q := strings.ToLower(query)
	return strings.Contains(strings.ToLower(r.ID), q) ||
		strings.Contains(strings.ToLower(r.Title), q) ||
		strings.Contains(strings.ToLower(r.FetchURL), q)
}

// SortedSet returns the sorted, de-duplicated, non-empty members of values.
func SortedSet(values ...[]string) []string {
	seen := make(map[string]struct{})
	for _, vs := range values {
		for _, v := range vs {
			if v == "" {
				continue
			}
			seen[v] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Without returns values minus every member of drop, preserving order.
func Without(values, drop []string) []string {
	if len(drop) == 0 {
		return values
	}
	skip := make(map[string]struct{}, len(drop))
	for _, d := range drop {
		skip[d] = struct{}{}
	}
	var out []string
	for _, v := range values {
		if _, ok := skip[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}
