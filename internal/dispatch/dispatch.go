// Package dispatch hands durable job ids to an execution backend: the
// embedded worker loop (no-op dispatch) or a Temporal task queue.
package dispatch

import (
	"context"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/versified/issuer-enrichment/internal/config"
	"github.com/versified/issuer-enrichment/internal/model"
)

// Dispatcher hands a job id to the execution backend.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string, kind model.JobKind) error
}

// Embedded leaves jobs for the in-process worker loop to claim.
type Embedded struct{}

// Dispatch does nothing; the worker loop discovers the job by polling.
func (Embedded) Dispatch(context.Context, string, model.JobKind) error {
	return nil
}

// workflowStarter is the part of client.Client used for dispatch.
type workflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// Temporal starts one IssuerEnrichment workflow per job.
type Temporal struct {
	client    workflowStarter
	taskQueue string
}

// NewTemporal creates a Temporal dispatcher on taskQueue.
func NewTemporal(c workflowStarter, taskQueue string) *Temporal {
	return &Temporal{client: c, taskQueue: taskQueue}
}

// WorkflowID is the workflow id used for a job.
func WorkflowID(jobID string) string {
	return "issuer-enrichment-" + jobID
}

// Dispatch starts the workflow. Only the job id travels to the broker.
// Dispatching a job whose workflow is still running returns that run.
func (d *Temporal) Dispatch(ctx context.Context, jobID string, kind model.JobKind) error {
	if kind != model.JobKindIssuerEnrichment {
		return eris.Errorf("dispatch: unsupported job kind %q", kind)
	}
	run, err := d.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(jobID),
		TaskQueue: d.taskQueue,
	}, WorkflowName, jobID)
	if err != nil {
		return eris.Wrapf(err, "dispatch: start workflow for job %s", jobID)
	}
	fields := []zap.Field{zap.String("job_id", jobID), zap.String("task_queue", d.taskQueue)}
	if run != nil {
		fields = append(fields, zap.String("run_id", run.GetRunID()))
	}
	zap.L().Debug("dispatch: workflow started", fields...)
	return nil
}

// Backend is the dispatch backend chosen at startup.
type Backend struct {
	Dispatcher Dispatcher
	// Client is non-nil when the Temporal backend is active.
	Client client.Client
}

// Embedded reports whether jobs must be executed by the in-process loop.
func (b *Backend) Embedded() bool {
	return b.Client == nil
}

// Close releases the Temporal client, if any.
func (b *Backend) Close() {
	if b.Client != nil {
		b.Client.Close()
	}
}

// dialFunc is swapped in tests.
var dialFunc = client.Dial

// Open selects the dispatch backend once for the process. When the Temporal
// backend is configured but unreachable, it falls back to the embedded loop
// unless required is set.
func Open(cfg *config.Config, required bool) (*Backend, error) {
	if cfg.Queue.Backend != config.BackendTemporal {
		return &Backend{Dispatcher: Embedded{}}, nil
	}

	c, err := dialFunc(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
		Logger:    NewZapLogger(zap.L()),
	})
	if err != nil {
		if required {
			return nil, eris.Wrapf(err, "dispatch: dial temporal %s", cfg.Temporal.HostPort)
		}
		zap.L().Warn("dispatch: temporal unreachable, using embedded worker",
			zap.String("host_port", cfg.Temporal.HostPort),
			zap.Error(err),
		)
		return &Backend{Dispatcher: Embedded{}}, nil
	}

	zap.L().Info("dispatch: temporal backend active",
		zap.String("host_port", cfg.Temporal.HostPort),
		zap.String("task_queue", cfg.Temporal.TaskQueue),
	)
	return &Backend{Dispatcher: NewTemporal(c, cfg.Temporal.TaskQueue), Client: c}, nil
}
