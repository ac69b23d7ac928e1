package source

import (
	"encoding/json"
	"strings"

	"github.com/sells-group/feedcat/internal/model"
)

// listField accepts either a JSON array of strings or a single delimited
// string ("a; b" or "a|b").
type listField []string

func (l *listField) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*l = cleanList(arr)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*l = splitList(s)
	return nil
}

func splitList(s string) []string {
	return cleanList(strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == '|' }))
}

func cleanList(vals []string) []string {
	var out []string
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// rawCandidate is one origin-list row before it becomes a CandidateRecord.
type rawCandidate struct {
	Kind       string            `json:"kind"`
	Ref        string            `json:"ref"`
	URL        string            `json:"url"`
	FeedURL    string            `json:"feed_url"`
	ChannelID  string            `json:"channel_id"`
	Subreddit  string            `json:"subreddit"`
	BlueskyDID string            `json:"bluesky_did"`
	Handle     string            `json:"handle"`
	Title      string            `json:"title"`
	Author     string            `json:"author"`
	Summary    string            `json:"summary"`
	Language   string            `json:"language"`
	Keywords   listField         `json:"keywords"`
	Tags       listField         `json:"tags"`
	Details    map[string]string `json:"details"`
}

// fromColumns maps a header-keyed spreadsheet row onto a rawCandidate.
// Unknown columns are kept as details.
func fromColumns(header, row []string) rawCandidate {
	var rc rawCandidate
	for i, col := range header {
		if i >= len(row) || row[i] == "" {
			continue
		}
		v := row[i]
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "kind":
			rc.Kind = v
		case "ref":
			rc.Ref = v
		case "url":
			rc.URL = v
		case "feed_url":
			rc.FeedURL = v
		case "channel_id":
			rc.ChannelID = v
		case "subreddit":
			rc.Subreddit = v
		case "bluesky_did":
			rc.BlueskyDID = v
		case "handle":
			rc.Handle = v
		case "title":
			rc.Title = v
		case "author":
			rc.Author = v
		case "summary", "description":
			rc.Summary = v
		case "language":
			rc.Language = v
		case "keywords":
			rc.Keywords = splitList(v)
		case "tags":
			rc.Tags = splitList(v)
		default:
			if rc.Details == nil {
				rc.Details = make(map[string]string)
			}
			rc.Details[strings.TrimSpace(col)] = v
		}
	}
	return rc
}

func (rc rawCandidate) empty() bool {
	return rc.Kind == "" && rc.Ref == "" && rc.URL == "" && rc.FeedURL == "" &&
		rc.ChannelID == "" && rc.Subreddit == "" && rc.BlueskyDID == "" && rc.Handle == "" &&
		rc.Title == ""
}

// kindAndRef picks the source kind and its reference field. An explicit kind
// wins; otherwise the first populated reference column decides.
func (rc rawCandidate) kindAndRef(fallback model.Kind) (model.Kind, string) {
	refFor := map[model.Kind]string{
		model.KindFeed:    firstNonEmpty(rc.FeedURL, rc.URL),
		model.KindYouTube: rc.ChannelID,
		model.KindReddit:  rc.Subreddit,
		model.KindBluesky: firstNonEmpty(rc.BlueskyDID, rc.Handle),
	}

	if k := model.Kind(strings.ToLower(strings.TrimSpace(rc.Kind))); k != "" {
		return k, firstNonEmpty(refFor[k], rc.Ref, rc.URL)
	}
	for _, k := range model.Kinds {
		if ref := refFor[k]; ref != "" {
			return k, ref
		}
	}
	if fallback == "" {
		fallback = model.KindFeed
	}
	return fallback, firstNonEmpty(rc.Ref, refFor[fallback])
}

func (rc rawCandidate) toCandidate(origin string, rank, seq int, fallback model.Kind) model.CandidateRecord {
	kind, ref := rc.kindAndRef(fallback)
	return model.CandidateRecord{
		Origin:   origin,
		Rank:     rank,
		Seq:      seq,
		Kind:     kind,
		Ref:      strings.TrimSpace(ref),
		Title:    strings.TrimSpace(rc.Title),
		Author:   strings.TrimSpace(rc.Author),
		Summary:  strings.TrimSpace(rc.Summary),
		Language: strings.ToLower(strings.TrimSpace(rc.Language)),
		Keywords: []string(rc.Keywords),
		Tags:     []string(rc.Tags),
		Details:  rc.Details,
	}
}
