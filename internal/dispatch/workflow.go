package dispatch

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

// Registered names.
const (
	WorkflowName = "IssuerEnrichment"
	ActivityName = "ProcessIssuerJob"
)

const activityTimeout = 15 * time.Minute

// Processor executes a stored job by id.
type Processor interface {
	ProcessByID(ctx context.Context, jobID string) error
}

// IssuerEnrichment runs the enrichment activity once. Failures are already
// recorded on the job row, so the broker does not retry.
func IssuerEnrichment(ctx workflow.Context, jobID string) error {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
	return workflow.ExecuteActivity(ctx, ActivityName, jobID).Get(ctx, nil)
}

// Activities binds the pipeline to the activity entry point.
type Activities struct {
	Processor Processor
}

// ProcessIssuerJob runs the pipeline for jobID.
func (a *Activities) ProcessIssuerJob(ctx context.Context, jobID string) error {
	activity.GetLogger(ctx).Info("processing issuer job", "job_id", jobID)
	if err := a.Processor.ProcessByID(ctx, jobID); err != nil {
		return eris.Wrapf(err, "dispatch: process job %s", jobID)
	}
	return nil
}

// Register adds the workflow and activity to r.
func Register(r worker.Registry, p Processor) {
	r.RegisterWorkflowWithOptions(IssuerEnrichment, workflow.RegisterOptions{Name: WorkflowName})
	r.RegisterActivityWithOptions((&Activities{Processor: p}).ProcessIssuerJob, activity.RegisterOptions{Name: ActivityName})
}

// NewWorker creates a worker polling taskQueue with the enrichment
// workflow and activity registered.
func NewWorker(c client.Client, taskQueue string, p Processor) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	Register(w, p)
	return w
}

// RunWorker runs w until ctx is cancelled.
func RunWorker(ctx context.Context, w worker.Worker) error {
	if err := w.Start(); err != nil {
		return eris.Wrap(err, "dispatch: start worker")
	}
	<-ctx.Done()
	w.Stop()
	return nil
}
