package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/feedcat/internal/model"
)

// Pool is the subset of pgxpool.Pool used by PostgresStore. pgxmock pools
// satisfy it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 1
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			pgxCfg.MaxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			pgxCfg.MinConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS cache_entries (
	namespace    TEXT NOT NULL,
	fingerprint  TEXT NOT NULL,
	identity_key TEXT NOT NULL,
	payload      JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (namespace, fingerprint)
);

CREATE TABLE IF NOT EXISTS snapshots (
	id         BIGSERIAL PRIMARY KEY,
	run_id     TEXT NOT NULL,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS curations (
	record_id  TEXT PRIMARY KEY,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'running',
	report     JSONB,
	error      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_identity ON cache_entries(identity_key);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) GetCache(ctx context.Context, ns model.CacheNamespace, fingerprint string) (*model.CacheEntry, error) {
	var (
		e         model.CacheEntry
		namespace string
		payload   []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT namespace, fingerprint, identity_key, payload, created_at FROM cache_entries WHERE namespace = $1 AND fingerprint = $2`,
		string(ns), fingerprint,
	).Scan(&namespace, &e.Fingerprint, &e.IdentityKey, &payload, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get cache %s/%s", ns, fingerprint)
	}
	e.Namespace = model.CacheNamespace(namespace)
	e.Payload = json.RawMessage(payload)
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func (s *PostgresStore) PutCache(ctx context.Context, entry model.CacheEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cache_entries (namespace, fingerprint, identity_key, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (namespace, fingerprint) DO UPDATE SET
			identity_key = EXCLUDED.identity_key,
			payload = EXCLUDED.payload,
			created_at = EXCLUDED.created_at`,
		string(entry.Namespace), entry.Fingerprint, entry.IdentityKey, []byte(entry.Payload), entry.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: put cache %s/%s", entry.Namespace, entry.Fingerprint)
}

func (s *PostgresStore) CacheStats(ctx context.Context) (map[model.CacheNamespace]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT namespace, COUNT(*) FROM cache_entries GROUP BY namespace`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: cache stats")
	}
	defer rows.Close()

	out := make(map[model.CacheNamespace]int)
	for rows.Next() {
		var (
			ns string
			n  int64
		)
		if err := rows.Scan(&ns, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cache stats")
		}
		out[model.CacheNamespace(ns)] = int(n)
	}
	return out, eris.Wrap(rows.Err(), "postgres: cache stats rows")
}

func (s *PostgresStore) ClearCache(ctx context.Context, ns model.CacheNamespace) (int, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	if ns == "" {
		tag, err = s.pool.Exec(ctx, `DELETE FROM cache_entries`)
	} else {
		tag, err = s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE namespace = $1`, string(ns))
	}
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: clear cache %q", ns)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context) (*model.Snapshot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM snapshots ORDER BY id DESC LIMIT 1`).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load snapshot")
	}
	return decodeSnapshot(data)
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO snapshots (run_id, data, created_at) VALUES ($1, $2, $3)`,
		snap.RunID, data, time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: save snapshot")
}

func (s *PostgresStore) PruneSnapshots(ctx context.Context, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM snapshots WHERE id NOT IN (SELECT id FROM snapshots ORDER BY id DESC LIMIT $1)`, keep)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: prune snapshots")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) LoadCurations(ctx context.Context) (map[string]model.CurationOverlay, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM curations`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load curations")
	}
	defer rows.Close()

	out := make(map[string]model.CurationOverlay)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan curation")
		}
		o, err := decodeOverlay(data)
		if err != nil {
			return nil, err
		}
		out[o.RecordID] = o
	}
	return out, eris.Wrap(rows.Err(), "postgres: curation rows")
}

// PutCurations upserts each overlay; every row write is atomic on its own.
func (s *PostgresStore) PutCurations(ctx context.Context, overlays []model.CurationOverlay) error {
	for _, o := range overlays {
		data, err := encodeOverlay(o)
		if err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO curations (record_id, data, updated_at) VALUES ($1, $2, $3)
			 ON CONFLICT (record_id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
			o.RecordID, data, o.UpdatedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "postgres: put curation %s", o.RecordID)
		}
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context) (*model.Run, error) {
	now := time.Now().UTC()
	run := &model.Run{
		ID:        uuid.New().String(),
		Status:    model.RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, status, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		run.ID, string(run.Status), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return run, nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, report *model.RunReport, runErr error) error {
	var reportJSON []byte
	if report != nil {
		b, err := json.Marshal(report)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal report")
		}
		reportJSON = b
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, report = $2, error = $3, updated_at = $4 WHERE id = $5`,
		string(status), reportJSON, errString(runErr), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: run %s", runID)
	}
	return nil
}

const postgresRunColumns = `id, status, report, error, created_at, updated_at`

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postgresRunColumns+` FROM runs WHERE id = $1`, runID)
	run, err := scanPostgresRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+postgresRunColumns+` FROM runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := scanPostgresRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs rows")
}

func scanPostgresRun(row scanner) (*model.Run, error) {
	var (
		run    model.Run
		status string
		report []byte
	)
	if err := row.Scan(&run.ID, &status, &report, &run.Error, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Status = model.RunStatus(status)
	if len(report) > 0 {
		var r model.RunReport
		if err := json.Unmarshal(report, &r); err != nil {
			return nil, eris.Wrap(err, "unmarshal report")
		}
		run.Report = &r
	}
	return &run, nil
}
