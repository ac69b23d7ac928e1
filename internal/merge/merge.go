// Package merge folds the candidates of one identity and the prior
// canonical record into the current canonical record.
package merge

import (
	"math"
	"sort"
	"strings"

	"github.com/sells-group/feedcat/internal/identity"
	"github.com/sells-group/feedcat/internal/model"
)

// Result is the outcome of merging one identity.
type Result struct {
	Record model.CanonicalRecord
	// RejectedTags are origin tags outside the vocabulary.
	RejectedTags []string
	New          bool
}

// byPriority orders candidates from lowest to highest priority: earlier
// origins first, then row order. The key is intrinsic to each candidate so
// any permutation of the input sorts the same way.
func byPriority(candidates []model.CandidateRecord) []model.CandidateRecord {
	sorted := append([]model.CandidateRecord(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Rank != b.Rank {
			return a.Rank < b.Rank
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		if a.Origin != b.Origin {
			return a.Origin < b.Origin
		}
		return a.Ref < b.Ref
	})
	return sorted
}

// latest returns the value from the highest-priority candidate that has one.
func latest(sorted []model.CandidateRecord, field func(model.CandidateRecord) string) string {
	for i := len(sorted) - 1; i >= 0; i-- {
		if v := strings.TrimSpace(field(sorted[i])); v != "" {
			return v
		}
	}
	return ""
}

// Merge builds the canonical record for id. It is pure: the same candidates
// (in any order), prior and vocabulary always produce the same record.
// Tags and score are carried from prior unchanged; Finalize recomputes them.
func Merge(id model.Identity, candidates []model.CandidateRecord, prior *model.CanonicalRecord, vocab *model.Vocabulary) Result {
	sorted := byPriority(candidates)

	rec := model.CanonicalRecord{
		ID:             id.String(),
		Identity:       id,
		ClassifyStatus: model.ClassifyStatusUnclassified,
	}
	if prior != nil {
		rec.Overrides = prior.Overrides
		rec.Classification = prior.Classification
		rec.ClassifyStatus = prior.ClassifyStatus
		rec.Signals = prior.Signals
		rec.Curation = prior.Curation
		rec.Hidden = prior.Hidden
		rec.HighQuality = prior.HighQuality
		rec.Tags = prior.Tags
		rec.Score = prior.Score
	}

	rec.SourceTitle = latest(sorted, func(c model.CandidateRecord) string { return c.Title })
	rec.SourceAuthor = latest(sorted, func(c model.CandidateRecord) string { return c.Author })
	rec.SourceSummary = latest(sorted, func(c model.CandidateRecord) string { return c.Summary })
	rec.SourceLanguage = strings.ToLower(latest(sorted, func(c model.CandidateRecord) string { return c.Language }))
	rec.FetchURL = identity.FetchURL(id, latest(sorted, func(c model.CandidateRecord) string { return c.Ref }))
	if prior != nil {
		// Values no current candidate supplies fall back to the prior run's.
		rec.SourceTitle = firstNonEmpty(rec.SourceTitle, prior.SourceTitle)
		rec.SourceAuthor = firstNonEmpty(rec.SourceAuthor, prior.SourceAuthor)
		rec.SourceSummary = firstNonEmpty(rec.SourceSummary, prior.SourceSummary)
		rec.SourceLanguage = firstNonEmpty(rec.SourceLanguage, prior.SourceLanguage)
		if len(candidates) == 0 && prior.FetchURL != "" {
			rec.FetchURL = prior.FetchURL
		}
		if len(candidates) == 0 {
			rec.Keywords = prior.Keywords
			rec.Details = prior.Details
		}
	}

	var (
		origins  []string
		tags     []string
		keywords []string
	)
	for _, c := range sorted {
		origins = append(origins, c.Origin)
		tags = append(tags, c.Tags...)
		for _, k := range c.Keywords {
			keywords = append(keywords, strings.ToLower(strings.TrimSpace(k)))
		}
		for k, v := range c.Details {
			if rec.Details == nil {
				rec.Details = make(map[string]string)
			}
			rec.Details[k] = v
		}
	}

	var priorOrigins, priorTags []string
	if prior != nil {
		priorOrigins = prior.Origins
		priorTags = prior.OriginTags
	}
	rec.Origins = model.SortedSet(priorOrigins, origins)
	if len(candidates) > 0 {
		rec.Keywords = model.SortedSet(keywords)
	}

	var allowed, rejected []string
	for _, t := range model.SortedSet(priorTags, tags) {
		if vocab.HasTag(t) {
			allowed = append(allowed, t)
		} else {
			rejected = append(rejected, t)
		}
	}
	rec.OriginTags = allowed

	applyDisplay(&rec)
	return Result{Record: rec, RejectedTags: rejected, New: prior == nil}
}

// applyDisplay computes the effective display fields from curator edits,
// model overrides, candidate values and feed metadata, in that order.
func applyDisplay(rec *model.CanonicalRecord) {
	rec.Title = firstNonEmpty(rec.Curation.Title, rec.Overrides.Title, rec.SourceTitle, rec.Signals.FeedTitle, rec.Identity.Key)

	switch {
	case rec.Curation.Author != nil:
		rec.Author = rec.Curation.Author
	case rec.Overrides.Author != nil:
		rec.Author = rec.Overrides.Author
	case rec.SourceAuthor != "":
		a := rec.SourceAuthor
		rec.Author = &a
	default:
		rec.Author = nil
	}

	rec.Language = firstNonEmpty(rec.Overrides.Language, rec.SourceLanguage)

	desc := ""
	if rec.Classification != nil {
		desc = rec.Classification.Description
	}
	rec.Summary = firstNonEmpty(rec.SourceSummary, desc, rec.Signals.FeedDescription)
}

// ScorePolicy weights the signals that make up a record's score.
type ScorePolicy struct {
	HighQualityBonus   float64            `yaml:"high_quality_bonus" mapstructure:"high_quality_bonus"`
	ActiveBonus        float64            `yaml:"active_bonus" mapstructure:"active_bonus"`
	UnreachablePenalty float64            `yaml:"unreachable_penalty" mapstructure:"unreachable_penalty"`
	MarkerPenalty      float64            `yaml:"marker_penalty" mapstructure:"marker_penalty"`
	PenalizedMarkers   []string           `yaml:"penalized_markers" mapstructure:"penalized_markers"`
	OriginBonus        map[string]float64 `yaml:"origin_bonus" mapstructure:"origin_bonus"`
}

// DefaultScorePolicy returns the standard weights.
func DefaultScorePolicy() ScorePolicy {
	return ScorePolicy{
		HighQualityBonus:   3,
		ActiveBonus:        1,
		UnreachablePenalty: 2,
		MarkerPenalty:      5,
		PenalizedMarkers:   []string{"_clickbait", "_spammy"},
	}
}

// Finalize writes the record's effective tags, display fields and score
// once enrichment and classification are done. It is pure and idempotent.
func Finalize(rec *model.CanonicalRecord, vocab *model.Vocabulary, policy ScorePolicy) {
	if c := rec.Classification; c != nil {
		rec.Overrides = model.Overrides{
			Title:    c.CleanTitle,
			Author:   c.CleanAuthor,
			Language: c.Language,
		}
	}
	applyDisplay(rec)
	rec.Tags = EffectiveTags(rec, vocab)
	rec.Score = Score(rec, policy)
}

// EffectiveTags is the union of origin, classifier and curator-added tags
// plus markers, restricted to the vocabulary, minus curator removals.
func EffectiveTags(rec *model.CanonicalRecord, vocab *model.Vocabulary) []string {
	var tags []string
	for _, t := range rec.OriginTags {
		if vocab.HasTag(t) {
			tags = append(tags, t)
		}
	}
	if c := rec.Classification; c != nil {
		for _, t := range c.Tags {
			if vocab.HasTag(t) {
				tags = append(tags, t)
			}
		}
		for _, m := range c.Markers {
			if vocab.HasMarker(m) {
				tags = append(tags, m)
			}
		}
	}
	for _, t := range rec.Curation.AddedTags {
		if vocab.HasTag(t) {
			tags = append(tags, t)
		}
	}
	if rec.HighQuality {
		tags = append(tags, model.MarkerHighQuality)
	}
	out := model.SortedSet(model.Without(tags, rec.Curation.RemovedTags))
	if out == nil {
		out = []string{}
	}
	return out
}

// Score recomputes a record's score from its current signals. Nothing is
// carried over from the previous score.
func Score(rec *model.CanonicalRecord, p ScorePolicy) float64 {
	var s float64
	if rec.Classification != nil && rec.ClassifyStatus != model.ClassifyStatusUnclassified {
		s = rec.Classification.Score
	}
	if rec.HighQuality {
		s += p.HighQualityBonus
	}

	var originBonus float64
	for _, o := range rec.Origins {
		originBonus = math.Max(originBonus, p.OriginBonus[o])
	}
	s += originBonus

	if rec.Signals.FetchedAt != nil {
		if !rec.Signals.Reachable {
			s -= p.UnreachablePenalty
		} else if rec.Signals.Active {
			s += p.ActiveBonus
		}
	}

	for _, m := range p.PenalizedMarkers {
		if rec.HasTag(m) {
			s -= p.MarkerPenalty
		}
	}
	return math.Round(s*100) / 100
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
