package store

import (
	"context"
	"errors"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/versified/issuer-enrichment/internal/model"
)

// Pool is the subset of pgxpool.Pool used by PostgresStore. pgxmock
// satisfies it in unit tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using pgxpool. Use it when several
// broker workers share one knowledge store.
type PostgresStore struct {
	pool    Pool
	closeFn func()
	now     func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
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
	return &PostgresStore{pool: pool, closeFn: pool.Close, now: utcNow}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS issuer_enrichment (
	issuer_name       TEXT PRIMARY KEY,
	summary_md        TEXT,
	moodys            TEXT,
	fitch             TEXT,
	sp                TEXT,
	vegan_score       DOUBLE PRECISION,
	vegan_friendly    BOOLEAN,
	vegan_explanation TEXT,
	esg_summary       TEXT,
	sources           JSONB,
	source            TEXT NOT NULL,
	model             TEXT,
	updated_at        TIMESTAMPTZ NOT NULL,
	expires_at        TIMESTAMPTZ,
	pinned            BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS llm_jobs (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	status     TEXT NOT NULL,
	payload    JSONB NOT NULL,
	result     JSONB,
	error      TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_llm_jobs_status_created ON llm_jobs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_issuer_enrichment_expires_at ON issuer_enrichment(expires_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

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

// --- Issuers ---

func (s *PostgresStore) GetIssuer(ctx context.Context, issuer string, includeExpired bool) (*model.IssuerRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+strings.Join(issuerColumns, ", ")+` FROM issuer_enrichment WHERE issuer_name = $1`,
		issuer,
	)
	rec, err := scanPostgresIssuer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get issuer %s", issuer)
	}
	if !includeExpired && rec.Expired(s.now()) {
		return nil, nil
	}
	return rec, nil
}

func (s *PostgresStore) GetIssuers(ctx context.Context, issuers []string, includeExpired bool) (map[string]*model.IssuerRecord, error) {
	out := make(map[string]*model.IssuerRecord, len(issuers))
	if len(issuers) == 0 {
		return out, nil
	}

	query, args, err := sq.Select(issuerColumns...).
		From("issuer_enrichment").
		Where(sq.Eq{"issuer_name": issuers}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build get issuers")
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get issuers")
	}
	defer rows.Close()

	now := s.now()
	for rows.Next() {
		rec, err := scanPostgresIssuer(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: get issuers")
		}
		if !includeExpired && rec.Expired(now) {
			continue
		}
		out[rec.IssuerName] = rec
	}
	return out, eris.Wrap(rows.Err(), "postgres: get issuers iterate")
}

func (s *PostgresStore) UpsertIssuer(ctx context.Context, issuer string, fields model.IssuerFields, prov model.Provenance) error {
	merge, err := mergeArgs(fields)
	if err != nil {
		return eris.Wrap(err, "postgres: upsert issuer")
	}

	now := s.now()
	args := append([]any{issuer}, merge...)
	args = append(args, prov.Source, nullableString(prov.Model), now, prov.ExpiresAt(now), prov.Pinned)

	_, err = s.pool.Exec(ctx,
		`INSERT INTO issuer_enrichment (`+strings.Join(issuerColumns, ", ")+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (issuer_name) DO UPDATE SET
		 `+upsertSet("EXCLUDED"),
		args...,
	)
	return eris.Wrapf(err, "postgres: upsert issuer %s", issuer)
}

// --- Jobs ---

func (s *PostgresStore) EnqueueJob(ctx context.Context, kind model.JobKind, payload any) (*model.Job, error) {
	body, err := marshalNullable(payload)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: enqueue job")
	}
	if body == nil {
		body = nullableString("{}")
	}

	id := uuid.New().String()
	now := s.now()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO llm_jobs (id, kind, status, payload, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, string(kind), string(model.JobStatusQueued), *body, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert job")
	}

	return &model.Job{
		ID:        id,
		Kind:      kind,
		Status:    model.JobStatusQueued,
		Payload:   rawJSON(body),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// ClaimNextJob locks the oldest queued row with SKIP LOCKED so concurrent
// workers claim distinct jobs without blocking each other.
func (s *PostgresStore) ClaimNextJob(ctx context.Context) (*model.Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE llm_jobs SET status = $1, updated_at = $2
		 WHERE id = (
			SELECT id FROM llm_jobs WHERE status = $3
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		string(model.JobStatusRunning), s.now(), string(model.JobStatusQueued),
	)
	job, err := scanPostgresJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return job, eris.Wrap(err, "postgres: claim next job")
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus, result any, errMsg string) error {
	body, err := marshalNullable(result)
	if err != nil {
		return eris.Wrap(err, "postgres: update job status")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE llm_jobs SET status = $1, result = $2, error = $3, updated_at = $4 WHERE id = $5`,
		string(status), body, nullableString(errMsg), s.now(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job status %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not found: %s", jobID)
	}
	return nil
}

func (s *PostgresStore) ReclaimStaleJobs(ctx context.Context, staleSeconds int64, policy model.ReclaimPolicy) (int, error) {
	if staleSeconds <= 0 {
		return 0, nil
	}

	now := s.now()
	cutoff := now.Add(-time.Duration(staleSeconds) * time.Second)

	var (
		tag pgconn.CommandTag
		err error
	)
	if policy == model.ReclaimRequeue {
		tag, err = s.pool.Exec(ctx,
			`UPDATE llm_jobs SET status = $1, error = NULL, updated_at = $2 WHERE status = $3 AND updated_at < $4`,
			string(model.JobStatusQueued), now, string(model.JobStatusRunning), cutoff,
		)
	} else {
		tag, err = s.pool.Exec(ctx,
			`UPDATE llm_jobs SET status = $1, error = $2, updated_at = $3 WHERE status = $4 AND updated_at < $5`,
			string(model.JobStatusFailed), model.StaleJobMessage(staleSeconds), now,
			string(model.JobStatusRunning), cutoff,
		)
	}
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reclaim stale jobs")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListQueuedJobs(ctx context.Context, olderThanSeconds int64, limit int) ([]*model.Job, error) {
	cutoff := s.now().Add(-time.Duration(olderThanSeconds) * time.Second)
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM llm_jobs WHERE status = $1 AND updated_at <= $2 ORDER BY created_at, id LIMIT $3`,
		string(model.JobStatusQueued), cutoff, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list queued jobs")
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanPostgresJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan queued job")
		}
		jobs = append(jobs, job)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list queued jobs iterate")
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM llm_jobs WHERE id = $1`, jobID)
	job, err := scanPostgresJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return job, eris.Wrapf(err, "postgres: get job %s", jobID)
}

func scanPostgresIssuer(row pgx.Row) (*model.IssuerRecord, error) {
	var (
		r         model.IssuerRecord
		sources   *string
		modelName *string
	)
	err := row.Scan(
		&r.IssuerName, &r.SummaryMD, &r.Moodys, &r.Fitch, &r.SP,
		&r.VeganScore, &r.VeganFriendly, &r.VeganExplanation, &r.ESGSummary, &sources,
		&r.Source, &modelName, &r.UpdatedAt, &r.ExpiresAt, &r.Pinned,
	)
	if err != nil {
		return nil, err
	}
	if r.Sources, err = unmarshalSources(sources); err != nil {
		return nil, err
	}
	r.Model = derefString(modelName)
	return &r, nil
}

func scanPostgresJob(row pgx.Row) (*model.Job, error) {
	var (
		j       model.Job
		kind    string
		status  string
		payload string
		result  *string
		errMsg  *string
	)
	err := row.Scan(&j.ID, &kind, &status, &payload, &result, &errMsg, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Kind = model.JobKind(kind)
	j.Status = model.JobStatus(status)
	j.Payload = rawJSON(&payload)
	j.Result = rawJSON(result)
	j.Error = derefString(errMsg)
	return &j, nil
}
