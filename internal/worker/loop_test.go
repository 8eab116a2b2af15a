package worker

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/versified/issuer-enrichment/internal/config"
	"github.com/versified/issuer-enrichment/internal/model"
	"github.com/versified/issuer-enrichment/internal/store"
)

type fakeQueue struct {
	mu        sync.Mutex
	jobs      []*model.Job
	claimErr  error
	reclaims  []int64
	policies  []model.ReclaimPolicy
	claimHits int
	queued    []*model.Job
	listAges  []int64
}

func (q *fakeQueue) ClaimNextJob(context.Context) (*model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.claimHits++
	if q.claimErr != nil {
		return nil, q.claimErr
	}
	if len(q.jobs) == 0 {
		return nil, nil
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	return j, nil
}

func (q *fakeQueue) ReclaimStaleJobs(_ context.Context, staleSeconds int64, policy model.ReclaimPolicy) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reclaims = append(q.reclaims, staleSeconds)
	q.policies = append(q.policies, policy)
	return 0, nil
}

func (q *fakeQueue) ListQueuedJobs(_ context.Context, olderThanSeconds int64, limit int) ([]*model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listAges = append(q.listAges, olderThanSeconds)
	if len(q.queued) > limit {
		return q.queued[:limit], nil
	}
	return q.queued, nil
}

func (q *fakeQueue) stats() (claims int, reclaims []int64, policies []model.ReclaimPolicy) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.claimHits, append([]int64(nil), q.reclaims...), append([]model.ReclaimPolicy(nil), q.policies...)
}

type recordingExecutor struct {
	mu   sync.Mutex
	ids  []string
	errs map[string]error
}

func (e *recordingExecutor) Execute(_ context.Context, job *model.Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = append(e.ids, job.ID)
	return e.errs[job.ID]
}

func (e *recordingExecutor) executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ids...)
}

func TestLoop_DrainsBacklogWithoutWaiting(t *testing.T) {
	q := &fakeQueue{jobs: []*model.Job{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	exec := &recordingExecutor{}
	l := New(q, exec, Options{PollInterval: time.Hour})

	l.Start(context.Background())
	defer l.Stop()

	// A one-hour poll interval means the backlog only drains if the loop
	// skips the sleep after each job.
	require.Eventually(t, func() bool {
		return len(exec.executed()) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, exec.executed())
}

func TestLoop_ContinuesAfterExecutionError(t *testing.T) {
	q := &fakeQueue{jobs: []*model.Job{{ID: "a"}, {ID: "b"}}}
	exec := &recordingExecutor{errs: map[string]error{"a": eris.New("database is locked")}}
	l := New(q, exec, Options{PollInterval: 10 * time.Millisecond})

	l.Start(context.Background())
	defer l.Stop()

	require.Eventually(t, func() bool {
		return len(exec.executed()) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLoop_ReclaimsWithFailPolicy(t *testing.T) {
	q := &fakeQueue{}
	l := New(q, &recordingExecutor{}, Options{
		PollInterval:    5 * time.Millisecond,
		StaleAfter:      900 * time.Second,
		CleanupInterval: 20 * time.Millisecond,
	})

	l.Start(context.Background())
	require.Eventually(t, func() bool {
		_, reclaims, _ := q.stats()
		return len(reclaims) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	l.Stop()

	_, reclaims, policies := q.stats()
	assert.Equal(t, int64(900), reclaims[0])
	for _, p := range policies {
		assert.Equal(t, model.ReclaimFail, p)
	}
}

func TestLoop_SurvivesClaimErrors(t *testing.T) {
	q := &fakeQueue{claimErr: eris.New("disk I/O error")}
	l := New(q, &recordingExecutor{}, Options{PollInterval: 5 * time.Millisecond})

	l.Start(context.Background())
	require.Eventually(t, func() bool {
		claims, _, _ := q.stats()
		return claims >= 3
	}, 2*time.Second, 5*time.Millisecond)
	l.Stop()
}

func TestLoop_StartOnce(t *testing.T) {
	q := &fakeQueue{}
	l := New(q, &recordingExecutor{}, Options{PollInterval: time.Hour})

	assert.True(t, l.Start(context.Background()))
	assert.False(t, l.Start(context.Background()))

	require.Eventually(t, func() bool {
		claims, _, _ := q.stats()
		return claims == 1
	}, 2*time.Second, 5*time.Millisecond)
	l.Stop()
	l.Stop()

	claims, _, _ := q.stats()
	assert.Equal(t, 1, claims)
}

func TestLoop_StopWithoutStart(t *testing.T) {
	l := New(&fakeQueue{}, &recordingExecutor{}, Options{})
	l.Stop()
}

func TestLoop_RunReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := New(&fakeQueue{}, &recordingExecutor{}, Options{PollInterval: 5 * time.Millisecond})

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.QueueConfig{PollSecs: 2, StaleSecs: 30, CleanupIntervalSecs: 10})
	assert.Equal(t, 2*time.Second, opts.PollInterval)
	assert.Equal(t, 30*time.Second, opts.StaleAfter)
	assert.Equal(t, 10*time.Second, opts.CleanupInterval)

	defaults := Options{}.withDefaults()
	assert.Equal(t, time.Second, defaults.PollInterval)
	assert.Equal(t, 900*time.Second, defaults.StaleAfter)
	assert.Equal(t, 60*time.Second, defaults.CleanupInterval)
}

type storeExecutor struct {
	st  store.Store
	ids chan string
}

func (e *storeExecutor) Execute(ctx context.Context, job *model.Job) error {
	if err := e.st.UpdateJobStatus(ctx, job.ID, model.JobStatusDone, map[string]string{"ok": "yes"}, ""); err != nil {
		return err
	}
	e.ids <- job.ID
	return nil
}

func TestLoop_SQLiteClaimsOldestFirst(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "cache.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	var want []string
	for _, name := range []string{"First AG", "Second AG"} {
		job, err := st.EnqueueJob(ctx, model.JobKindIssuerEnrichment, model.IssuerEnrichmentPayload{IssuerName: name})
		require.NoError(t, err)
		want = append(want, job.ID)
		time.Sleep(5 * time.Millisecond)
	}

	exec := &storeExecutor{st: st, ids: make(chan string, 2)}
	l := New(st, exec, Options{PollInterval: 10 * time.Millisecond})
	l.Start(ctx)
	defer l.Stop()

	var got []string
	for range want {
		select {
		case id := <-exec.ids:
			got = append(got, id)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}
	assert.Equal(t, want, got)

	job, err := st.GetJob(ctx, want[0])
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusDone, job.Status)
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
	err map[string]error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, jobID string, _ model.JobKind) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, jobID)
	return d.err[jobID]
}

func (d *recordingDispatcher) dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ids...)
}

func TestRunMaintenance(t *testing.T) {
	q := &fakeQueue{queued: []*model.Job{
		{ID: "job-1", Kind: model.JobKindIssuerEnrichment, Status: model.JobStatusQueued},
		{ID: "job-2", Kind: model.JobKindIssuerEnrichment, Status: model.JobStatusQueued},
	}}
	d := &recordingDispatcher{err: map[string]error{"job-1": eris.New("broker unavailable")}}
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- RunMaintenance(ctx, q, d, Options{StaleAfter: 30 * time.Second, CleanupInterval: 10 * time.Millisecond})
	}()

	require.Eventually(t, func() bool {
		_, reclaims, _ := q.stats()
		return len(reclaims) >= 2 && len(d.dispatched()) >= 4
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	claims, reclaims, policies := q.stats()
	assert.Zero(t, claims)
	assert.Equal(t, int64(30), reclaims[0])
	assert.Equal(t, model.ReclaimFail, policies[0])
	assert.Equal(t, []string{"job-1", "job-2", "job-1", "job-2"}, d.dispatched()[:4])
}

func TestRunMaintenance_RedispatchesSQLiteQueuedJob(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "cache.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	job, err := st.EnqueueJob(ctx, model.JobKindIssuerEnrichment, model.IssuerEnrichmentPayload{IssuerName: "Acme AG"})
	require.NoError(t, err)

	q := &zeroAgeQueue{BrokerQueue: st}
	d := &recordingDispatcher{}
	runCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- RunMaintenance(runCtx, q, d, Options{CleanupInterval: time.Second})
	}()

	require.Eventually(t, func() bool {
		return len(d.dispatched()) > 0
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	assert.Equal(t, job.ID, d.dispatched()[0])
}

// zeroAgeQueue lists with a zero age so a freshly enqueued row qualifies.
type zeroAgeQueue struct {
	BrokerQueue
}

func (q *zeroAgeQueue) ListQueuedJobs(ctx context.Context, _ int64, limit int) ([]*model.Job, error) {
	return q.BrokerQueue.ListQueuedJobs(ctx, 0, limit)
}
