package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/versified/issuer-enrichment/internal/model"
)

var pgTestNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock, now: func() time.Time { return pgTestNow }}
	return s, mock
}

func issuerRows() *pgxmock.Rows {
	return pgxmock.NewRows(issuerColumns)
}

func jobRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "kind", "status", "payload", "result", "error", "created_at", "updated_at"})
}

func TestPostgresStore_GetIssuer_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT issuer_name, .* FROM issuer_enrichment WHERE issuer_name = \$1`).
		WithArgs("Nobody AG").
		WillReturnError(pgx.ErrNoRows)

	rec, err := s.GetIssuer(context.Background(), "Nobody AG", false)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetIssuer_ExpiredFiltered(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	expired := pgTestNow.Add(-time.Hour)

	for i := 0; i < 2; i++ {
		mock.ExpectQuery(`FROM issuer_enrichment WHERE issuer_name = \$1`).
			WithArgs("Old AG").
			WillReturnRows(issuerRows().AddRow(
				"Old AG", model.Ptr("Old."), (*string)(nil), (*string)(nil), (*string)(nil),
				(*float64)(nil), model.Ptr(true), (*string)(nil), (*string)(nil), model.Ptr(`["https://old.example"]`),
				"openrouter", (*string)(nil), pgTestNow.Add(-2*time.Hour), &expired, false,
			))
	}

	rec, err := s.GetIssuer(context.Background(), "Old AG", false)
	require.NoError(t, err)
	assert.Nil(t, rec)

	rec, err = s.GetIssuer(context.Background(), "Old AG", true)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Old.", *rec.SummaryMD)
	assert.Equal(t, []string{"https://old.example"}, rec.Sources)
	assert.True(t, *rec.VeganFriendly)
	assert.Empty(t, rec.Model)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetIssuers_BuildsInList(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM issuer_enrichment WHERE issuer_name IN \(\$1,\$2\)`).
		WithArgs("A AG", "B AG").
		WillReturnRows(issuerRows().AddRow(
			"A AG", (*string)(nil), model.Ptr("A2"), (*string)(nil), (*string)(nil),
			(*float64)(nil), (*bool)(nil), (*string)(nil), (*string)(nil), (*string)(nil),
			"gemini", model.Ptr("gemini-2.0-flash"), pgTestNow, (*time.Time)(nil), false,
		))

	got, err := s.GetIssuers(context.Background(), []string{"A AG", "B AG"}, false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "A2", *got["A AG"].Moodys)
	assert.Equal(t, "gemini-2.0-flash", got["A AG"].Model)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertIssuer_CoalescesMergeFields(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT \(issuer_name\) DO UPDATE SET\s+summary_md = COALESCE\(EXCLUDED.summary_md, issuer_enrichment.summary_md\)`).
		WithArgs(
			"Acme AG", (*string)(nil), model.Ptr("A2"), (*string)(nil), (*string)(nil),
			(*float64)(nil), (*bool)(nil), (*string)(nil), (*string)(nil), (*string)(nil),
			"openrouter", (*string)(nil), pgTestNow, pgxmock.AnyArg(), false,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.UpsertIssuer(context.Background(), "Acme AG", model.IssuerFields{Moodys: model.Ptr("A2")},
		model.Provenance{Source: "openrouter", TTLSeconds: 60})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertIssuer_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO issuer_enrichment`).
		WillReturnError(errors.New("connection refused"))

	err := s.UpsertIssuer(context.Background(), "Acme AG", model.IssuerFields{}, model.Provenance{Source: "openrouter"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: upsert issuer Acme AG")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimNextJob_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs("running", pgTestNow, "queued").
		WillReturnError(pgx.ErrNoRows)

	job, err := s.ClaimNextJob(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimNextJob_ReturnsRunningJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	created := pgTestNow.Add(-time.Minute)

	mock.ExpectQuery(`UPDATE llm_jobs SET status = \$1, updated_at = \$2\s+WHERE id = \(\s+SELECT id FROM llm_jobs WHERE status = \$3\s+ORDER BY created_at, id`).
		WithArgs("running", pgTestNow, "queued").
		WillReturnRows(jobRows().AddRow(
			"job-1", "issuer_enrichment", "running", `{"issuer_name":"Acme AG"}`,
			(*string)(nil), (*string)(nil), created, pgTestNow,
		))

	job, err := s.ClaimNextJob(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, model.JobStatusRunning, job.Status)
	assert.Nil(t, job.Result)
	assert.JSONEq(t, `{"issuer_name":"Acme AG"}`, string(job.Payload))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnqueueJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO llm_jobs`).
		WithArgs(pgxmock.AnyArg(), "issuer_enrichment", "queued", `{"issuer_name":"Acme AG"}`, pgTestNow, pgTestNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	job, err := s.EnqueueJob(context.Background(), model.JobKindIssuerEnrichment, map[string]string{"issuer_name": "Acme AG"})
	require.NoError(t, err)
	assert.Len(t, job.ID, 36)
	assert.Equal(t, model.JobStatusQueued, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateJobStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE llm_jobs SET status = \$1, result = \$2, error = \$3, updated_at = \$4 WHERE id = \$5`).
		WithArgs("done", (*string)(nil), (*string)(nil), pgTestNow, "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateJobStatus(context.Background(), "missing", model.JobStatusDone, nil, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job not found: missing")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReclaimStaleJobs(t *testing.T) {
	cutoff := pgTestNow.Add(-900 * time.Second)

	t.Run("fail", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)
		mock.ExpectExec(`UPDATE llm_jobs SET status = \$1, error = \$2`).
			WithArgs("failed", "stale_job error: reclaim: stale job (> 900s)", pgTestNow, "running", cutoff).
			WillReturnResult(pgxmock.NewResult("UPDATE", 3))

		n, err := s.ReclaimStaleJobs(context.Background(), 900, model.ReclaimFail)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("requeue", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)
		mock.ExpectExec(`UPDATE llm_jobs SET status = \$1, error = NULL`).
			WithArgs("queued", pgTestNow, "running", cutoff).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		n, err := s.ReclaimStaleJobs(context.Background(), 900, model.ReclaimRequeue)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non_positive_threshold", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)
		n, err := s.ReclaimStaleJobs(context.Background(), -1, model.ReclaimFail)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_ListQueuedJobs(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	created := pgTestNow.Add(-10 * time.Minute)

	mock.ExpectQuery(`SELECT id, kind, status, payload, result, error, created_at, updated_at FROM llm_jobs WHERE status = \$1 AND updated_at <= \$2 ORDER BY created_at, id LIMIT \$3`).
		WithArgs("queued", pgTestNow.Add(-60*time.Second), 50).
		WillReturnRows(jobRows().
			AddRow("job-1", "issuer_enrichment", "queued", `{"issuer_name":"Acme AG"}`, (*string)(nil), (*string)(nil), created, created).
			AddRow("job-2", "issuer_enrichment", "queued", `{"issuer_name":"Beta AG"}`, (*string)(nil), (*string)(nil), created, created))

	jobs, err := s.ListQueuedJobs(context.Background(), 60, 50)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-1", jobs[0].ID)
	assert.Equal(t, "job-2", jobs[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, kind, status, payload, result, error, created_at, updated_at FROM llm_jobs WHERE id = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	job, err := s.GetJob(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Ping(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`SELECT 1`).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	require.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
