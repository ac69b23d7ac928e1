package model

import (
	"slices"
	"time"
)

// ActionType names a curator edit.
type ActionType string

const (
	ActionToggleHidden      ActionType = "toggle_hidden"
	ActionToggleHighQuality ActionType = "toggle_high_quality"
	ActionAddTag            ActionType = "add_tag"
	ActionRemoveTag         ActionType = "remove_tag"
	ActionSetTitle          ActionType = "set_title"
	ActionSetAuthor         ActionType = "set_author"
)

// CurationAction is one edit submitted by a curator.
type CurationAction struct {
	RecordID string     `json:"record_id"`
	Type     ActionType `json:"type"`
	Value    string     `json:"value,omitempty"`
}

// MarkerHighQuality is the internal tag carried by high-quality records.
const MarkerHighQuality = "_high_quality"

// IsMarker reports whether tag is an internal marker tag.
func IsMarker(tag string) bool {
	return len(tag) > 0 && tag[0] == '_'
}

// CurationOverlay is the curator-owned state of one record. It is stored
// apart from snapshots, so saving a pipeline snapshot never overwrites it.
type CurationOverlay struct {
	RecordID    string    `json:"record_id"`
	Hidden      bool      `json:"hidden"`
	HighQuality bool      `json:"high_quality"`
	Curation    Curation  `json:"curation"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Overlay captures the record's curator-owned state.
func (r *CanonicalRecord) Overlay(now time.Time) CurationOverlay {
	cur := r.Curation
	if cur.Author != nil {
		author := *cur.Author
		cur.Author = &author
	}
	cur.AddedTags = slices.Clone(cur.AddedTags)
	cur.RemovedTags = slices.Clone(cur.RemovedTags)
	return CurationOverlay{
		RecordID:    r.ID,
		Hidden:      r.Hidden,
		HighQuality: r.HighQuality,
		Curation:    cur,
		UpdatedAt:   now.UTC(),
	}
}

// ApplyOverlay replaces the record's curator-owned state with o and reports
// whether anything changed. Derived fields are left for the caller to
// recompute.
func (r *CanonicalRecord) ApplyOverlay(o CurationOverlay) bool {
	if r.Hidden == o.Hidden && r.HighQuality == o.HighQuality && sameCuration(r.Curation, o.Curation) {
		return false
	}
	r.Hidden = o.Hidden
	r.HighQuality = o.HighQuality
	r.Curation = o.Curation
	if a := o.Curation.Author; a != nil {
		author := *a
		r.Curation.Author = &author
	}
	r.Curation.AddedTags = slices.Clone(o.Curation.AddedTags)
	r.Curation.RemovedTags = slices.Clone(o.Curation.RemovedTags)
	return true
}

func sameCuration(a, b Curation) bool {
	if a.Title != b.Title || !slices.Equal(a.AddedTags, b.AddedTags) || !slices.Equal(a.RemovedTags, b.RemovedTags) {
		return false
	}
	if a.Author == nil || b.Author == nil {
		return a.Author == b.Author
	}
	return *a.Author == *b.Author
}
