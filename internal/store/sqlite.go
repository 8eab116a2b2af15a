package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/versified/issuer-enrichment/internal/model"
	"github.com/versified/issuer-enrichment/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as unix milliseconds.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dsn); dsn != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "sqlite: create dir %s", dir)
		}
	}
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
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: utcNow}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS issuer_enrichment (
	issuer_name       TEXT PRIMARY KEY,
	summary_md        TEXT,
	moodys            TEXT,
	fitch             TEXT,
	sp                TEXT,
	vegan_score       REAL,
	vegan_friendly    INTEGER,
	vegan_explanation TEXT,
	esg_summary       TEXT,
	sources           TEXT,
	source            TEXT NOT NULL,
	model             TEXT,
	updated_at        INTEGER NOT NULL,
	expires_at        INTEGER,
	pinned            INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS llm_jobs (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	status     TEXT NOT NULL,
	payload    TEXT NOT NULL,
	result     TEXT,
	error      TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_llm_jobs_status_created ON llm_jobs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_issuer_enrichment_expires_at ON issuer_enrichment(expires_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Issuers ---

func (s *SQLiteStore) GetIssuer(ctx context.Context, issuer string, includeExpired bool) (*model.IssuerRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+strings.Join(issuerColumns, ", ")+` FROM issuer_enrichment WHERE issuer_name = ?`,
		issuer,
	)
	rec, err := scanSQLiteIssuer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get issuer %s", issuer)
	}
	if !includeExpired && rec.Expired(s.now()) {
		return nil, nil
	}
	return rec, nil
}

func (s *SQLiteStore) GetIssuers(ctx context.Context, issuers []string, includeExpired bool) (map[string]*model.IssuerRecord, error) {
	out := make(map[string]*model.IssuerRecord, len(issuers))
	if len(issuers) == 0 {
		return out, nil
	}

	query, args, err := sq.Select(issuerColumns...).
		From("issuer_enrichment").
		Where(sq.Eq{"issuer_name": issuers}).
		ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build get issuers")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get issuers")
	}
	defer rows.Close()

	now := s.now()
	for rows.Next() {
		rec, err := scanSQLiteIssuer(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: get issuers")
		}
		if !includeExpired && rec.Expired(now) {
			continue
		}
		out[rec.IssuerName] = rec
	}
	return out, eris.Wrap(rows.Err(), "sqlite: get issuers iterate")
}

func (s *SQLiteStore) UpsertIssuer(ctx context.Context, issuer string, fields model.IssuerFields, prov model.Provenance) error {
	merge, err := mergeArgs(fields)
	if err != nil {
		return eris.Wrap(err, "sqlite: upsert issuer")
	}

	now := s.now()
	var expiresAt *int64
	if exp := prov.ExpiresAt(now); exp != nil {
		ms := exp.UnixMilli()
		expiresAt = &ms
	}

	args := append([]any{issuer}, merge...)
	args = append(args, prov.Source, nullableString(prov.Model), now.UnixMilli(), expiresAt, prov.Pinned)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO issuer_enrichment (`+strings.Join(issuerColumns, ", ")+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(issuer_name) DO UPDATE SET
		 `+upsertSet("excluded"),
		args...,
	)
	return eris.Wrapf(err, "sqlite: upsert issuer %s", issuer)
}

// --- Jobs ---

func (s *SQLiteStore) EnqueueJob(ctx context.Context, kind model.JobKind, payload any) (*model.Job, error) {
	body, err := marshalNullable(payload)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: enqueue job")
	}
	if body == nil {
		body = nullableString("{}")
	}

	id := uuid.New().String()
	now := s.now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO llm_jobs (id, kind, status, payload, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, string(kind), string(model.JobStatusQueued), *body, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert job")
	}

	return &model.Job{
		ID:        id,
		Kind:      kind,
		Status:    model.JobStatusQueued,
		Payload:   rawJSON(body),
		CreatedAt: time.UnixMilli(now.UnixMilli()).UTC(),
		UpdatedAt: time.UnixMilli(now.UnixMilli()).UTC(),
	}, nil
}

// ClaimNextJob retries briefly when another connection holds the write
// lock past busy_timeout; after that the caller's next poll tries again.
func (s *SQLiteStore) ClaimNextJob(ctx context.Context) (*model.Job, error) {
	cfg := resilience.DefaultRetryConfig()
	cfg.ShouldRetry = isSQLiteBusy
	cfg.OnRetry = resilience.RetryLogger("sqlite", "claim next job")

	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (*model.Job, error) {
		row := s.db.QueryRowContext(ctx,
			`UPDATE llm_jobs SET status = ?, updated_at = ?
			 WHERE id = (
				SELECT id FROM llm_jobs WHERE status = ? ORDER BY created_at, rowid LIMIT 1
			 ) AND status = ?
			 RETURNING `+jobColumns,
			string(model.JobStatusRunning), s.now().UnixMilli(),
			string(model.JobStatusQueued), string(model.JobStatusQueued),
		)
		job, err := scanSQLiteJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return job, eris.Wrap(err, "sqlite: claim next job")
	})
}

// UpdateJobStatus retries on a busy database so a finished job is not left
// running because another connection held the write lock.
func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus, result any, errMsg string) error {
	body, err := marshalNullable(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: update job status")
	}

	cfg := resilience.DefaultRetryConfig()
	cfg.ShouldRetry = isSQLiteBusy
	cfg.OnRetry = resilience.RetryLogger("sqlite", "update job status")

	return resilience.Do(ctx, cfg, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE llm_jobs SET status = ?, result = ?, error = ?, updated_at = ? WHERE id = ?`,
			string(status), body, nullableString(errMsg), s.now().UnixMilli(), jobID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: update job status %s", jobID)
		}
		return checkRowsAffected(res, "job", jobID)
	})
}

func (s *SQLiteStore) ReclaimStaleJobs(ctx context.Context, staleSeconds int64, policy model.ReclaimPolicy) (int, error) {
	if staleSeconds <= 0 {
		return 0, nil
	}

	now := s.now()
	cutoff := now.Add(-time.Duration(staleSeconds) * time.Second).UnixMilli()

	var (
		res sql.Result
		err error
	)
	if policy == model.ReclaimRequeue {
		res, err = s.db.ExecContext(ctx,
			`UPDATE llm_jobs SET status = ?, error = NULL, updated_at = ? WHERE status = ? AND updated_at < ?`,
			string(model.JobStatusQueued), now.UnixMilli(), string(model.JobStatusRunning), cutoff,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE llm_jobs SET status = ?, error = ?, updated_at = ? WHERE status = ? AND updated_at < ?`,
			string(model.JobStatusFailed), model.StaleJobMessage(staleSeconds), now.UnixMilli(),
			string(model.JobStatusRunning), cutoff,
		)
	}
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reclaim stale jobs")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) ListQueuedJobs(ctx context.Context, olderThanSeconds int64, limit int) ([]*model.Job, error) {
	cutoff := s.now().Add(-time.Duration(olderThanSeconds) * time.Second).UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM llm_jobs WHERE status = ? AND updated_at <= ? ORDER BY created_at, rowid LIMIT ?`,
		string(model.JobStatusQueued), cutoff, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list queued jobs")
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan queued job")
		}
		jobs = append(jobs, job)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list queued jobs iterate")
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM llm_jobs WHERE id = ?`, jobID)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, eris.Wrapf(err, "sqlite: get job %s", jobID)
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteIssuer(row scannable) (*model.IssuerRecord, error) {
	var (
		r         model.IssuerRecord
		sources   *string
		modelName *string
		updatedAt int64
		expiresAt *int64
	)
	err := row.Scan(
		&r.IssuerName, &r.SummaryMD, &r.Moodys, &r.Fitch, &r.SP,
		&r.VeganScore, &r.VeganFriendly, &r.VeganExplanation, &r.ESGSummary, &sources,
		&r.Source, &modelName, &updatedAt, &expiresAt, &r.Pinned,
	)
	if err != nil {
		return nil, err
	}
	if r.Sources, err = unmarshalSources(sources); err != nil {
		return nil, err
	}
	r.Model = derefString(modelName)
	r.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if expiresAt != nil {
		t := time.UnixMilli(*expiresAt).UTC()
		r.ExpiresAt = &t
	}
	return &r, nil
}

func scanSQLiteJob(row scannable) (*model.Job, error) {
	var (
		j         model.Job
		kind      string
		status    string
		payload   string
		result    *string
		errMsg    *string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&j.ID, &kind, &status, &payload, &result, &errMsg, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	j.Kind = model.JobKind(kind)
	j.Status = model.JobStatus(status)
	j.Payload = rawJSON(&payload)
	j.Result = rawJSON(result)
	j.Error = derefString(errMsg)
	j.CreatedAt = time.UnixMilli(createdAt).UTC()
	j.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &j, nil
}
