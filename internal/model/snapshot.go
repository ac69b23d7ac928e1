package model

import (
	"sort"
	"time"
)

// SnapshotVersion is bumped when the persisted snapshot layout changes.
const SnapshotVersion = 1

// Snapshot is the durable output of a pipeline run and the prior state of
// the next one.
type Snapshot struct {
	Version     int               `json:"version"`
	RunID       string            `json:"run_id"`
	GeneratedAt time.Time         `json:"generated_at"`
	Records     []CanonicalRecord `json:"records"`
	Tree        *CategoryTree     `json:"tree,omitempty"`
}

// Index returns the records keyed by ID.
func (s *Snapshot) Index() map[string]*CanonicalRecord {
	if s == nil {
		return map[string]*CanonicalRecord{}
	}
	out := make(map[string]*CanonicalRecord, len(s.Records))
	for i := range s.Records {
		out[s.Records[i].ID] = &s.Records[i]
	}
	return out
}

// Find returns the record with the given ID, or nil.
func (s *Snapshot) Find(id string) *CanonicalRecord {
	if s == nil {
		return nil
	}
	i := sort.Search(len(s.Records), func(i int) bool { return s.Records[i].ID >= id })
	if i < len(s.Records) && s.Records[i].ID == id {
		return &s.Records[i]
	}
	// Fall back to a scan for snapshots that were not sorted on write.
	for j := range s.Records {
		if s.Records[j].ID == id {
			return &s.Records[j]
		}
	}
	return nil
}

// SortRecords orders records by ID so that serialized snapshots are stable.
func (s *Snapshot) SortRecords() {
	sort.Slice(s.Records, func(i, j int) bool { return s.Records[i].ID < s.Records[j].ID })
}
