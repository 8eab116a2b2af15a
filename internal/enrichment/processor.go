package enrichment

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/versified/issuer-enrichment/internal/model"
)

// Execute runs a claimed job to a terminal status. Job failures are recorded
// on the job row and return nil; storage errors and context cancellation are
// returned with the job left running for stale reclaim.
func (p *Pipeline) Execute(ctx context.Context, job *model.Job) error {
	log := zap.L().With(zap.String("job_id", job.ID), zap.String("kind", string(job.Kind)))

	result, err := p.Run(ctx, job)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return eris.Wrap(ctxErr, "enrichment: job interrupted")
		}
		if !model.IsJobFailure(err) {
			return err
		}
		log.Warn("enrichment: job failed",
			zap.String("error_kind", string(model.ErrorKindOf(err))),
			zap.Error(err),
		)
		p.metrics.JobFinished(ctx, p.llm.Provider(), true, string(model.ErrorKindOf(err)))
		if uerr := p.store.UpdateJobStatus(ctx, job.ID, model.JobStatusFailed, nil, err.Error()); uerr != nil {
			return eris.Wrap(uerr, "enrichment: record failure")
		}
		return nil
	}

	if err := p.store.UpdateJobStatus(ctx, job.ID, model.JobStatusDone, result, ""); err != nil {
		return eris.Wrap(err, "enrichment: record result")
	}
	p.metrics.JobFinished(ctx, p.llm.Provider(), false, "")
	log.Info("enrichment: job done")
	return nil
}

// ProcessByID is the broker entry point. Unknown ids and jobs that already
// finished are ignored; otherwise the job is marked running and executed.
func (p *Pipeline) ProcessByID(ctx context.Context, jobID string) error {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return eris.Wrap(err, "enrichment: load job")
	}
	if job == nil {
		zap.L().Warn("enrichment: job not found", zap.String("job_id", jobID))
		return nil
	}
	if job.Finished() {
		zap.L().Debug("enrichment: job already finished",
			zap.String("job_id", jobID),
			zap.String("status", string(job.Status)),
		)
		return nil
	}
	if err := p.store.UpdateJobStatus(ctx, jobID, model.JobStatusRunning, nil, ""); err != nil {
		return eris.Wrap(err, "enrichment: mark running")
	}
	job.Status = model.JobStatusRunning
	return p.Execute(ctx, job)
}
