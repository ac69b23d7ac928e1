package tree

import (
	"sort"

	"github.com/sells-group/feedcat/internal/model"
)

// RootID is the ID of the synthetic node holding the root categories.
const RootID = "root"

// Options control record eligibility and pruning.
type Options struct {
	// MinRecords prunes nodes whose subtree holds fewer distinct records.
	// Values below 2 disable pruning.
	MinRecords int `mapstructure:"min_records"`
	// ActiveOnly limits placement to records that are reachable and active.
	ActiveOnly bool `mapstructure:"active_only"`
	// TrustedOrigins exempt their records from the nsfw and spam filters.
	TrustedOrigins []string `mapstructure:"trusted_origins"`
}

// Result is an assembled tree plus placement statistics.
type Result struct {
	Root *model.CategoryTree
	// Untreed lists eligible records that matched no node.
	Untreed []string
	// Excluded counts records that were not eligible for placement.
	Excluded int
}

// Eligible reports whether rec may be placed in the tree.
func Eligible(rec *model.CanonicalRecord, opts Options) bool {
	if rec.Hidden || rec.ClassifyStatus == model.ClassifyStatusUnclassified {
		return false
	}
	if c := rec.Classification; c != nil && (c.NSFW || c.Spam) && !rec.HasOrigin(opts.TrustedOrigins...) {
		return false
	}
	if opts.ActiveOnly && !(rec.Signals.Reachable && rec.Signals.Active) {
		return false
	}
	return true
}

type assembler struct {
	nodes   map[string]*model.CategoryNode
	records []*model.CanonicalRecord
	// byTag maps a tag to the indexes of eligible records carrying it.
	byTag map[string][]int
	opts  Options
}

// Assemble attaches every eligible record to every node whose tags
// intersect the record's tags. The definition must already be valid.
func Assemble(def *model.CategoryDefinition, records []model.CanonicalRecord, opts Options) Result {
	a := &assembler{
		nodes: make(map[string]*model.CategoryNode, len(def.Nodes)),
		byTag: make(map[string][]int),
		opts:  opts,
	}
	for i := range def.Nodes {
		a.nodes[def.Nodes[i].ID] = &def.Nodes[i]
	}

	var res Result
	for i := range records {
		rec := &records[i]
		if !Eligible(rec, opts) {
			res.Excluded++
			continue
		}
		idx := len(a.records)
		a.records = append(a.records, rec)
		for _, t := range rec.Tags {
			a.byTag[t] = append(a.byTag[t], idx)
		}
	}

	root := &model.CategoryTree{ID: RootID, Name: "All"}
	placed := make(map[int]struct{})
	for _, id := range def.Roots {
		child, members := a.build(id)
		if child == nil {
			continue
		}
		root.Children = append(root.Children, child)
		for m := range members {
			placed[m] = struct{}{}
		}
	}
	root.Total = len(placed)

	for i, rec := range a.records {
		if _, ok := placed[i]; !ok && len(rec.Tags) > 0 {
			res.Untreed = append(res.Untreed, rec.ID)
		}
	}
	res.Root = root
	return res
}

// build assembles the subtree at id and returns the set of record indexes
// it holds. It returns nil when the subtree is pruned.
func (a *assembler) build(id string) (*model.CategoryTree, map[int]struct{}) {
	node := a.nodes[id]
	direct := a.match(node.Tags)

	members := make(map[int]struct{}, len(direct))
	for _, i := range direct {
		members[i] = struct{}{}
	}

	t := &model.CategoryTree{
		ID:       node.ID,
		Name:     node.Name,
		Emoji:    node.Emoji,
		SFSymbol: node.SFSymbol,
		Count:    len(direct),
		Records:  a.refs(direct),
	}
	for _, c := range node.Children {
		child, sub := a.build(c)
		if child == nil {
			continue
		}
		t.Children = append(t.Children, child)
		for i := range sub {
			members[i] = struct{}{}
		}
	}
	t.Total = len(members)

	if t.Total == 0 || (a.opts.MinRecords > 1 && t.Total < a.opts.MinRecords) {
		return nil, nil
	}
	return t, members
}

// match returns the indexes of records carrying any of tags, ordered by
// score descending with ties in input order.
func (a *assembler) match(tags []string) []int {
	seen := make(map[int]struct{})
	var out []int
	for _, t := range tags {
		for _, i := range a.byTag[t] {
			if _, ok := seen[i]; ok {
				continue
			}
			seen[i] = struct{}{}
			out = append(out, i)
		}
	}
	sort.Slice(out, func(x, y int) bool {
		rx, ry := a.records[out[x]], a.records[out[y]]
		if rx.Score != ry.Score {
			return rx.Score > ry.Score
		}
		return out[x] < out[y]
	})
	return out
}

func (a *assembler) refs(idx []int) []model.RecordRef {
	if len(idx) == 0 {
		return nil
	}
	out := make([]model.RecordRef, len(idx))
	for k, i := range idx {
		r := a.records[i]
		out[k] = model.RecordRef{ID: r.ID, Title: r.Title, Score: r.Score}
	}
	return out
}
