// Package store persists the stage caches, the catalog snapshot and run
// history.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/feedcat/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = eris.New("not found")

// Store defines the persistence interface for the catalog pipeline.
type Store interface {
	// Stage caches. GetCache returns nil, nil on a miss. PutCache replaces
	// any existing entry for the same namespace and fingerprint atomically.
	GetCache(ctx context.Context, ns model.CacheNamespace, fingerprint string) (*model.CacheEntry, error)
	PutCache(ctx context.Context, entry model.CacheEntry) error
	CacheStats(ctx context.Context) (map[model.CacheNamespace]int, error)
	ClearCache(ctx context.Context, ns model.CacheNamespace) (int, error)

	// Snapshots. LoadSnapshot returns nil, nil when none has been saved.
	LoadSnapshot(ctx context.Context) (*model.Snapshot, error)
	SaveSnapshot(ctx context.Context, snap *model.Snapshot) error
	PruneSnapshots(ctx context.Context, keep int) (int, error)

	// Curation overlays, keyed by record ID. They are written by curators
	// and only read by pipeline runs, so snapshot saves never lose them.
	LoadCurations(ctx context.Context) (map[string]model.CurationOverlay, error)
	PutCurations(ctx context.Context, overlays []model.CurationOverlay) error

	// Runs
	CreateRun(ctx context.Context) (*model.Run, error)
	FinishRun(ctx context.Context, runID string, status model.RunStatus, report *model.RunReport, runErr error) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, limit int) ([]model.Run, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
