// Package worker runs the in-process job loop used when no broker is
// configured.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/versified/issuer-enrichment/internal/config"
	"github.com/versified/issuer-enrichment/internal/model"
)

// Queue is the store surface the loop needs.
type Queue interface {
	ClaimNextJob(ctx context.Context) (*model.Job, error)
	ReclaimStaleJobs(ctx context.Context, staleSeconds int64, policy model.ReclaimPolicy) (int, error)
}

// Executor runs a claimed job to a terminal status.
type Executor interface {
	Execute(ctx context.Context, job *model.Job) error
}

// Options tune the loop timing.
type Options struct {
	PollInterval    time.Duration
	StaleAfter      time.Duration
	CleanupInterval time.Duration
}

// OptionsFromConfig reads loop timing from the queue config.
func OptionsFromConfig(cfg config.QueueConfig) Options {
	return Options{
		PollInterval:    time.Duration(cfg.PollSecs) * time.Second,
		StaleAfter:      time.Duration(cfg.StaleSecs) * time.Second,
		CleanupInterval: time.Duration(cfg.CleanupIntervalSecs) * time.Second,
	}
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 900 * time.Second
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 60 * time.Second
	}
	return o
}

// Loop claims and executes one job at a time. Start may be called any
// number of times; only the first call launches the loop.
type Loop struct {
	queue Queue
	exec  Executor
	opts  Options

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a Loop.
func New(q Queue, exec Executor, opts Options) *Loop {
	return &Loop{
		queue: q,
		exec:  exec,
		opts:  opts.withDefaults(),
		done:  make(chan struct{}),
	}
}

// Start launches the loop in the background and reports whether this call
// started it.
func (l *Loop) Start(ctx context.Context) bool {
	started := false
	l.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		l.cancel = cancel
		started = true
		go func() {
			defer close(l.done)
			l.run(ctx)
		}()
	})
	return started
}

// Stop cancels the loop and waits for the in-flight iteration to return.
// It is a no-op when the loop was never started.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		if l.cancel == nil {
			return
		}
		l.cancel()
		<-l.done
	})
}

// Run starts the loop and blocks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.Start(ctx)
	<-ctx.Done()
	l.Stop()
	return nil
}

func (l *Loop) run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "worker.loop"))
	log.Info("worker loop started",
		zap.Duration("poll", l.opts.PollInterval),
		zap.Duration("stale_after", l.opts.StaleAfter),
		zap.Duration("cleanup_interval", l.opts.CleanupInterval),
	)

	var lastReclaim time.Time
	for {
		if ctx.Err() != nil {
			log.Info("worker loop stopped")
			return
		}

		if time.Since(lastReclaim) >= l.opts.CleanupInterval {
			l.reclaim(ctx, log)
			lastReclaim = time.Now()
		}

		job, err := l.queue.ClaimNextJob(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("worker: claim failed", zap.Error(err))
			}
			sleep(ctx, l.opts.PollInterval)
			continue
		}
		if job == nil {
			sleep(ctx, l.opts.PollInterval)
			continue
		}

		if err := l.exec.Execute(ctx, job); err != nil {
			if ctx.Err() != nil {
				log.Info("worker: job interrupted", zap.String("job_id", job.ID))
				continue
			}
			log.Error("worker: job execution aborted",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
			sleep(ctx, l.opts.PollInterval)
		}
	}
}

func (l *Loop) reclaim(ctx context.Context, log *zap.Logger) {
	n, err := l.queue.ReclaimStaleJobs(ctx, int64(l.opts.StaleAfter/time.Second), model.ReclaimFail)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("worker: reclaim stale jobs failed", zap.Error(err))
		}
		return
	}
	if n > 0 {
		log.Warn("worker: reclaimed stale jobs", zap.Int("count", n))
	}
}

// BrokerQueue is the store surface a broker worker maintains.
type BrokerQueue interface {
	ReclaimStaleJobs(ctx context.Context, staleSeconds int64, policy model.ReclaimPolicy) (int, error)
	ListQueuedJobs(ctx context.Context, olderThanSeconds int64, limit int) ([]*model.Job, error)
}

// Dispatcher hands a job id to the broker.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string, kind model.JobKind) error
}

const redispatchBatch = 100

// RunMaintenance runs every CleanupInterval until ctx is cancelled. Each
// pass fails stale running jobs and re-dispatches jobs that have sat in
// queued for a full CleanupInterval, which covers a failed initial dispatch
// and jobs requeued by cleanup. Dispatch must be idempotent per job id.
func RunMaintenance(ctx context.Context, q BrokerQueue, d Dispatcher, opts Options) error {
	opts = opts.withDefaults()
	log := zap.L().With(zap.String("component", "worker.maintenance"))
	l := &Loop{queue: reclaimOnly{q}, opts: opts}

	pass := func() {
		l.reclaim(ctx, log)
		redispatch(ctx, q, d, opts.CleanupInterval, log)
	}

	ticker := time.NewTicker(opts.CleanupInterval)
	defer ticker.Stop()

	pass()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pass()
		}
	}
}

func redispatch(ctx context.Context, q BrokerQueue, d Dispatcher, age time.Duration, log *zap.Logger) {
	jobs, err := q.ListQueuedJobs(ctx, int64(age/time.Second), redispatchBatch)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("worker: list queued jobs failed", zap.Error(err))
		}
		return
	}
	sent := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		if err := d.Dispatch(ctx, job.ID, job.Kind); err != nil {
			log.Warn("worker: re-dispatch failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		sent++
	}
	if sent > 0 {
		log.Info("worker: re-dispatched queued jobs", zap.Int("count", sent))
	}
}

// reclaimOnly adapts a BrokerQueue to Queue for the shared reclaim path.
type reclaimOnly struct {
	BrokerQueue
}

func (reclaimOnly) ClaimNextJob(context.Context) (*model.Job, error) {
	return nil, nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
