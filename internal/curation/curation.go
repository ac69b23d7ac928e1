// Package curation applies curator edits to a catalog snapshot.
package curation

import (
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/feedcat/internal/merge"
	"github.com/sells-group/feedcat/internal/model"
	"github.com/sells-group/feedcat/internal/tree"
)

var (
	// ErrRecordNotFound is returned for actions naming an unknown record.
	ErrRecordNotFound = eris.New("curation: record not found")
	// ErrInvalidAction is returned for unknown action types and for tag
	// edits the vocabulary does not allow.
	ErrInvalidAction = eris.New("curation: invalid action")
)

// Curator validates and applies curation actions.
type Curator struct {
	def      *model.CategoryDefinition
	vocab    *model.Vocabulary
	policy   merge.ScorePolicy
	treeOpts tree.Options
}

// NewCurator creates a curator for the given category definition.
func NewCurator(def *model.CategoryDefinition, policy merge.ScorePolicy, treeOpts tree.Options) *Curator {
	return &Curator{
		def:      def,
		vocab:    tree.Vocabulary(def),
		policy:   policy,
		treeOpts: treeOpts,
	}
}

// Validate checks an action without applying it.
func (c *Curator) Validate(snap *model.Snapshot, a model.CurationAction) error {
	if snap.Find(a.RecordID) == nil {
		return eris.Wrapf(ErrRecordNotFound, "record %q", a.RecordID)
	}
	value := strings.TrimSpace(a.Value)
	switch a.Type {
	case model.ActionToggleHidden, model.ActionToggleHighQuality, model.ActionSetTitle, model.ActionSetAuthor:
		return nil
	case model.ActionAddTag:
		if model.IsMarker(value) {
			return eris.Wrapf(ErrInvalidAction, "cannot add marker tag %q", value)
		}
		if !c.vocab.HasTag(value) {
			return eris.Wrapf(ErrInvalidAction, "tag %q is not in the vocabulary", value)
		}
		return nil
	case model.ActionRemoveTag:
		if value == "" {
			return eris.Wrap(ErrInvalidAction, "remove_tag needs a tag")
		}
		if model.IsMarker(value) {
			return eris.Wrapf(ErrInvalidAction, "cannot remove marker tag %q", value)
		}
		return nil
	default:
		return eris.Wrapf(ErrInvalidAction, "unknown action type %q", a.Type)
	}
}

// Apply validates and applies actions in order, then recomputes the
// affected records and the snapshot tree. Nothing is changed if any action
// is invalid.
func (c *Curator) Apply(snap *model.Snapshot, actions ...model.CurationAction) error {
	for i, a := range actions {
		if err := c.Validate(snap, a); err != nil {
			return eris.Wrapf(err, "action %d", i)
		}
	}

	for _, a := range actions {
		rec := snap.Find(a.RecordID)
		apply(rec, a)
		merge.Finalize(rec, c.vocab, c.policy)
		zap.L().Info("curation: applied action",
			zap.String("record", rec.ID),
			zap.String("type", string(a.Type)),
			zap.String("value", a.Value),
		)
	}

	if len(actions) > 0 {
		snap.Tree = tree.Assemble(c.def, snap.Records, c.treeOpts).Root
	}
	return nil
}

// Overlays returns the curator-owned state of every record the actions
// touched, ready to be persisted apart from the snapshot.
func Overlays(snap *model.Snapshot, actions []model.CurationAction, now time.Time) []model.CurationOverlay {
	seen := make(map[string]struct{}, len(actions))
	var out []model.CurationOverlay
	for _, a := range actions {
		if _, ok := seen[a.RecordID]; ok {
			continue
		}
		seen[a.RecordID] = struct{}{}
		if rec := snap.Find(a.RecordID); rec != nil {
			out = append(out, rec.Overlay(now))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordID < out[j].RecordID })
	return out
}

// Reapply restores persisted overlays onto snap. Records whose curator
// state differs are refinalized and the tree is rebuilt. It returns the
// number of records changed.
func (c *Curator) Reapply(snap *model.Snapshot, overlays map[string]model.CurationOverlay) int {
	changed := 0
	for i := range snap.Records {
		rec := &snap.Records[i]
		o, ok := overlays[rec.ID]
		if !ok || !rec.ApplyOverlay(o) {
			continue
		}
		merge.Finalize(rec, c.vocab, c.policy)
		changed++
	}
	if changed > 0 {
		snap.Tree = tree.Assemble(c.def, snap.Records, c.treeOpts).Root
		zap.L().Info("curation: reapplied overlays", zap.Int("records", changed))
	}
	return changed
}

func apply(rec *model.CanonicalRecord, a model.CurationAction) {
	value := strings.TrimSpace(a.Value)
	cur := &rec.Curation
	switch a.Type {
	case model.ActionToggleHidden:
		rec.Hidden = !rec.Hidden
	case model.ActionToggleHighQuality:
		rec.HighQuality = !rec.HighQuality
	case model.ActionAddTag:
		cur.AddedTags = model.SortedSet(cur.AddedTags, []string{value})
		cur.RemovedTags = model.Without(cur.RemovedTags, []string{value})
	case model.ActionRemoveTag:
		cur.RemovedTags = model.SortedSet(cur.RemovedTags, []string{value})
		cur.AddedTags = model.Without(cur.AddedTags, []string{value})
	case model.ActionSetTitle:
		cur.Title = value
	case model.ActionSetAuthor:
		if value == "" {
			cur.Author = nil
		} else {
			cur.Author = &value
		}
	}
}
