package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIdentityString(t *testing.T) {
	id := Identity{Kind: KindFeed, Key: "grist.org/feed"}
	assert.Equal(t, "feed:grist.org/feed", id.String())
	assert.False(t, id.IsZero())
	assert.True(t, Identity{}.IsZero())
}

func TestKindValid(t *testing.T) {
	for _, k := range Kinds {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, Kind("mastodon").Valid())
}

func TestSortedSet(t *testing.T) {
	got := SortedSet([]string{"b", "a", ""}, []string{"a", "c"})
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Nil(t, SortedSet(nil, []string{""}))
}

func TestWithout(t *testing.T) {
	assert.Equal(t, []string{"a", "c"}, Without([]string{"a", "b", "c"}, []string{"b"}))
	assert.Equal(t, []string{"a"}, Without([]string{"a"}, nil))
}

func TestCanonicalRecord_HasTagAndOrigin(t *testing.T) {
	r := CanonicalRecord{Tags: []string{"Climate & Environment", "Science"}, Origins: []string{"a", "b"}}
	assert.True(t, r.HasTag("Science"))
	assert.False(t, r.HasTag("Sports"))
	assert.True(t, r.HasOrigin("x", "b"))
	assert.False(t, r.HasOrigin("x"))
}

func TestCanonicalRecord_Matches(t *testing.T) {
	r := CanonicalRecord{ID: "feed:grist.org/feed", Title: "Grist"}
	assert.True(t, r.Matches("GRIST"))
	assert.False(t, r.Matches(""))
	assert.False(t, r.Matches("nytimes"))
}

func TestSnapshotFind(t *testing.T) {
	s := &Snapshot{Records: []CanonicalRecord{{ID: "reddit:golang"}, {ID: "feed:a.com"}}}
	s.SortRecords()
	assert.Equal(t, "feed:a.com", s.Records[0].ID)
	assert.NotNil(t, s.Find("reddit:golang"))
	assert.Nil(t, s.Find("reddit:rust"))
	assert.Len(t, s.Index(), 2)

	var empty *Snapshot
	assert.Nil(t, empty.Find("x"))
	assert.Empty(t, empty.Index())
}

func TestRunReportCounters(t *testing.T) {
	var r RunReport
	r.CountFetchError("timeout", 1)
	r.CountFetchError("timeout", 2)
	r.CountRejectedTag("Astrology", 1)
	assert.Equal(t, 3, r.FetchErrors["timeout"])
	assert.Equal(t, 1, r.RejectedTags["Astrology"])

	var u TokenUsage
	u.Add(TokenUsage{InputTokens: 10, OutputTokens: 2})
	u.Add(TokenUsage{InputTokens: 5, CacheReadTokens: 7})
	assert.Equal(t, TokenUsage{InputTokens: 15, OutputTokens: 2, CacheReadTokens: 7}, u)
}

func TestIsMarker(t *testing.T) {
	assert.True(t, IsMarker(MarkerHighQuality))
	assert.False(t, IsMarker("Science"))
	assert.False(t, IsMarker(""))
}

func TestCurationOverlay_RoundTrip(t *testing.T) {
	author := "Grist Staff"
	src := CanonicalRecord{
		ID:          "feed:grist.org/feed",
		HighQuality: true,
		Curation:    Curation{Title: "Grist Magazine", Author: &author, AddedTags: []string{"Science"}},
	}
	o := src.Overlay(time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC))
	assert.Equal(t, "feed:grist.org/feed", o.RecordID)

	var dst CanonicalRecord
	assert.True(t, dst.ApplyOverlay(o))
	assert.True(t, dst.HighQuality)
	assert.Equal(t, src.Curation, dst.Curation)
	assert.False(t, dst.ApplyOverlay(o), "reapplying the same overlay is a no-op")

	// The overlay does not alias the source record.
	o.Curation.AddedTags[0] = "Culture"
	assert.Equal(t, []string{"Science"}, src.Curation.AddedTags)
}
