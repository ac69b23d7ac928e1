package enrich

import (
	"sort"

	"github.com/sells-group/feedcat/internal/model"
)

// SuspectedDuplicates groups the IDs of reachable records whose recent
// item titles hash identically. Records are never merged on this basis;
// the groups are only reported.
func SuspectedDuplicates(records []model.CanonicalRecord) [][]string {
	byHash := make(map[string][]string)
	for i := range records {
		sig := records[i].Signals
		if !sig.Reachable || sig.ContentHash == "" {
			continue
		}
		byHash[sig.ContentHash] = append(byHash[sig.ContentHash], records[i].ID)
	}

	var groups [][]string
	for _, ids := range byHash {
		if len(ids) < 2 {
			continue
		}
		sort.Strings(ids)
		groups = append(groups, ids)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i][0] < groups[j][0] })
	return groups
}
