package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/feedcat/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// Concurrent stage workers share one writer.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS cache_entries (
	namespace    TEXT NOT NULL,
	fingerprint  TEXT NOT NULL,
	identity_key TEXT NOT NULL,
	payload      TEXT NOT NULL,
	created_at   DATETIME NOT NULL,
	PRIMARY KEY (namespace, fingerprint)
);

CREATE TABLE IF NOT EXISTS snapshots (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL,
	data       TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS curations (
	record_id  TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'running',
	report     TEXT,
	error      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_identity ON cache_entries(identity_key);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetCache(ctx context.Context, ns model.CacheNamespace, fingerprint string) (*model.CacheEntry, error) {
	var (
		e       model.CacheEntry
		payload string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT namespace, fingerprint, identity_key, payload, created_at FROM cache_entries WHERE namespace = ? AND fingerprint = ?`,
		string(ns), fingerprint,
	).Scan(&e.Namespace, &e.Fingerprint, &e.IdentityKey, &payload, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get cache %s/%s", ns, fingerprint)
	}
	e.Payload = json.RawMessage(payload)
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func (s *SQLiteStore) PutCache(ctx context.Context, entry model.CacheEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (namespace, fingerprint, identity_key, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (namespace, fingerprint) DO UPDATE SET
			identity_key = excluded.identity_key,
			payload = excluded.payload,
			created_at = excluded.created_at`,
		string(entry.Namespace), entry.Fingerprint, entry.IdentityKey, string(entry.Payload), entry.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: put cache %s/%s", entry.Namespace, entry.Fingerprint)
}

func (s *SQLiteStore) CacheStats(ctx context.Context) (map[model.CacheNamespace]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT namespace, COUNT(*) FROM cache_entries GROUP BY namespace`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: cache stats")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[model.CacheNamespace]int)
	for rows.Next() {
		var (
			ns string
			n  int
		)
		if err := rows.Scan(&ns, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cache stats")
		}
		out[model.CacheNamespace(ns)] = n
	}
	return out, eris.Wrap(rows.Err(), "sqlite: cache stats rows")
}

func (s *SQLiteStore) ClearCache(ctx context.Context, ns model.CacheNamespace) (int, error) {
	var (
		res sql.Result
		err error
	)
	if ns == "" {
		res, err = s.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE namespace = ?`, string(ns))
	}
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: clear cache %q", ns)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) LoadSnapshot(ctx context.Context) (*model.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM snapshots ORDER BY id DESC LIMIT 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load snapshot")
	}
	return decodeSnapshot([]byte(data))
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (run_id, data, created_at) VALUES (?, ?, ?)`,
		snap.RunID, string(data), time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: save snapshot")
}

func (s *SQLiteStore) PruneSnapshots(ctx context.Context, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE id NOT IN (SELECT id FROM snapshots ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prune snapshots")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) LoadCurations(ctx context.Context) (map[string]model.CurationOverlay, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM curations`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load curations")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]model.CurationOverlay)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan curation")
		}
		o, err := decodeOverlay([]byte(data))
		if err != nil {
			return nil, err
		}
		out[o.RecordID] = o
	}
	return out, eris.Wrap(rows.Err(), "sqlite: curation rows")
}

// PutCurations upserts every overlay in one transaction.
func (s *SQLiteStore) PutCurations(ctx context.Context, overlays []model.CurationOverlay) error {
	if len(overlays) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin curations")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, o := range overlays {
		data, err := encodeOverlay(o)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO curations (record_id, data, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT (record_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
			o.RecordID, string(data), o.UpdatedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: put curation %s", o.RecordID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit curations")
}

func (s *SQLiteStore) CreateRun(ctx context.Context) (*model.Run, error) {
	now := time.Now().UTC()
	run := &model.Run{
		ID:        uuid.New().String(),
		Status:    model.RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		run.ID, string(run.Status), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return run, nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, report *model.RunReport, runErr error) error {
	var reportJSON sql.NullString
	if report != nil {
		b, err := json.Marshal(report)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal report")
		}
		reportJSON = sql.NullString{String: string(b), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, report = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), reportJSON, errString(runErr), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: run %s", runID)
	}
	return nil
}

const sqliteRunColumns = `id, status, report, error, created_at, updated_at`

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteRunColumns+` FROM runs WHERE id = ?`, runID)
	run, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs rows")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row scanner) (*model.Run, error) {
	var (
		run    model.Run
		status string
		report sql.NullString
	)
	if err := row.Scan(&run.ID, &status, &report, &run.Error, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Status = model.RunStatus(status)
	if report.Valid && report.String != "" {
		var r model.RunReport
		if err := json.Unmarshal([]byte(report.String), &r); err != nil {
			return nil, eris.Wrap(err, "unmarshal report")
		}
		run.Report = &r
	}
	return &run, nil
}
