package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Vocabulary is the closed set of tags a record may carry, plus the
// reserved internal marker tags.
type Vocabulary struct {
	tags    map[string]struct{}
	markers map[string]struct{}
}

// NewVocabulary builds a vocabulary. MarkerHighQuality is always a marker.
func NewVocabulary(tags, markers []string) *Vocabulary {
	v := &Vocabulary{
		tags:    make(map[string]struct{}, len(tags)),
		markers: map[string]struct{}{MarkerHighQuality: {}},
	}
	for _, t := range tags {
		if t != "" {
			v.tags[t] = struct{}{}
		}
	}
	for _, m := range markers {
		if m != "" {
			v.markers[m] = struct{}{}
		}
	}
	return v
}

// HasTag reports whether tag is a user-visible vocabulary tag.
func (v *Vocabulary) HasTag(tag string) bool {
	_, ok := v.tags[tag]
	return ok
}

// HasMarker reports whether tag is a known marker.
func (v *Vocabulary) HasMarker(tag string) bool {
	_, ok := v.markers[tag]
	return ok
}

// Allows reports whether tag may appear on a record at all.
func (v *Vocabulary) Allows(tag string) bool {
	return v.HasTag(tag) || v.HasMarker(tag)
}

// Tags returns the sorted vocabulary tags.
func (v *Vocabulary) Tags() []string {
	return sortedKeys(v.tags)
}

// Markers returns the sorted marker tags.
func (v *Vocabulary) Markers() []string {
	return sortedKeys(v.markers)
}

// Filter splits tags into allowed and rejected, each sorted and unique.
func (v *Vocabulary) Filter(tags []string) (allowed, rejected []string) {
	for _, t := range tags {
		if v.Allows(t) {
			allowed = append(allowed, t)
		} else {
			rejected = append(rejected, t)
		}
	}
	return SortedSet(allowed), SortedSet(rejected)
}

// Hash fingerprints the vocabulary so cached classifications made against
// a different vocabulary are not reused.
func (v *Vocabulary) Hash() string {
	h := sha256.New()
	h.Write([]byte(strings.Join(v.Tags(), "\x1f")))
	h.Write([]byte{0x1e})
	h.Write([]byte(strings.Join(v.Markers(), "\x1f")))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
