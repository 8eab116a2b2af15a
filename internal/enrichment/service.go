package enrichment

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/versified/issuer-enrichment/internal/llm"
	"github.com/versified/issuer-enrichment/internal/model"
	"github.com/versified/issuer-enrichment/internal/store"
)

var (
	// ErrIssuerNotFound is returned by Get when no live record exists.
	ErrIssuerNotFound = eris.New("Issuer enrichment not found")
	// ErrJobNotFound is returned by GetJob for an unknown id.
	ErrJobNotFound = eris.New("Job not found")
	// ErrInvalidRequest marks caller input errors.
	ErrInvalidRequest = eris.New("invalid request")
)

// Dispatcher hands a durable job to the execution backend.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string, kind model.JobKind) error
}

// Defaults are applied to requests that leave a field unset.
type Defaults struct {
	TTLSeconds    int64
	WebMaxResults int
}

// Service is the facade used by the HTTP and CLI layers.
type Service struct {
	store      store.Store
	llm        Invoker
	dispatcher Dispatcher
	defaults   Defaults
}

// NewService creates a Service.
func NewService(st store.Store, gw Invoker, d Dispatcher, defaults Defaults) *Service {
	if defaults.TTLSeconds == 0 {
		defaults.TTLSeconds = model.DefaultTTLSeconds
	}
	if defaults.WebMaxResults <= 0 {
		defaults.WebMaxResults = 5
	}
	return &Service{store: st, llm: gw, dispatcher: d, defaults: defaults}
}

// EnrichmentRequest asks for an issuer's enrichment. Pointer fields fall
// back to Defaults when nil.
type EnrichmentRequest struct {
	IssuerName              string         `json:"issuer_name"`
	Context                 string         `json:"context,omitempty"`
	ForceRefresh            bool           `json:"force_refresh"`
	Pinned                  bool           `json:"pinned"`
	TTLSeconds              *int64         `json:"ttl_seconds,omitempty"`
	Model                   string         `json:"model,omitempty"`
	RatingsUseWeb           *bool          `json:"ratings_use_web,omitempty"`
	RatingsWebMaxResults    *int           `json:"ratings_web_max_results,omitempty"`
	RatingsWebEngine        string         `json:"ratings_web_engine,omitempty"`
	RatingsWebSearchPrompt  string         `json:"ratings_web_search_prompt,omitempty"`
	RatingsWebSearchOptions map[string]any `json:"ratings_web_search_options,omitempty"`
}

// Request outcome statuses.
const (
	StatusCached = "cached"
	StatusQueued = "queued"
)

// RequestResult is either a cached record or a queued job id.
type RequestResult struct {
	Status     string              `json:"status"`
	Enrichment *model.IssuerRecord `json:"enrichment,omitempty"`
	JobID      string              `json:"job_id,omitempty"`
}

// Request returns the live cached record unless ForceRefresh is set or none
// exists, in which case it enqueues an enrichment job. When the job row is
// stored but dispatch fails, the queued result is returned together with
// the dispatch error so the caller still learns the job id.
func (s *Service) Request(ctx context.Context, req EnrichmentRequest) (*RequestResult, error) {
	name := strings.TrimSpace(req.IssuerName)
	if name == "" {
		return nil, eris.Wrap(ErrInvalidRequest, "issuer_name is required")
	}

	if !req.ForceRefresh {
		rec, err := s.store.GetIssuer(ctx, name, false)
		if err != nil {
			return nil, eris.Wrap(err, "enrichment: lookup cached record")
		}
		if rec != nil {
			return &RequestResult{Status: StatusCached, Enrichment: rec}, nil
		}
	}

	job, err := s.Enqueue(ctx, s.payloadFor(name, req))
	if job == nil {
		return nil, err
	}
	return &RequestResult{Status: StatusQueued, JobID: job.ID}, err
}

func (s *Service) payloadFor(name string, req EnrichmentRequest) model.IssuerEnrichmentPayload {
	p := model.IssuerEnrichmentPayload{
		IssuerName:              name,
		Context:                 req.Context,
		Pinned:                  req.Pinned,
		TTLSeconds:              s.defaults.TTLSeconds,
		Model:                   req.Model,
		RatingsUseWeb:           true,
		RatingsWebMaxResults:    s.defaults.WebMaxResults,
		RatingsWebEngine:        req.RatingsWebEngine,
		RatingsWebSearchPrompt:  req.RatingsWebSearchPrompt,
		RatingsWebSearchOptions: req.RatingsWebSearchOptions,
	}
	if req.TTLSeconds != nil {
		p.TTLSeconds = *req.TTLSeconds
	}
	if req.RatingsUseWeb != nil {
		p.RatingsUseWeb = *req.RatingsUseWeb
	}
	if req.RatingsWebMaxResults != nil {
		p.RatingsWebMaxResults = *req.RatingsWebMaxResults
	}
	return p
}

// Enqueue stores a job for payload and then dispatches it. The job row is
// durable before the dispatcher sees its id.
func (s *Service) Enqueue(ctx context.Context, payload model.IssuerEnrichmentPayload) (*model.Job, error) {
	if strings.TrimSpace(payload.IssuerName) == "" {
		return nil, eris.Wrap(ErrInvalidRequest, "issuer_name is required")
	}
	job, err := s.store.EnqueueJob(ctx, model.JobKindIssuerEnrichment, payload)
	if err != nil {
		return nil, eris.Wrap(err, "enrichment: enqueue")
	}
	if err := s.dispatcher.Dispatch(ctx, job.ID, job.Kind); err != nil {
		return job, eris.Wrapf(err, "enrichment: dispatch job %s", job.ID)
	}
	zap.L().Info("enrichment: job queued",
		zap.String("job_id", job.ID),
		zap.String("issuer", payload.IssuerName),
	)
	return job, nil
}

// GetJob returns the job or ErrJobNotFound.
func (s *Service) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "enrichment: get job")
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// Get returns the issuer record or ErrIssuerNotFound.
func (s *Service) Get(ctx context.Context, issuer string, includeExpired bool) (*model.IssuerRecord, error) {
	rec, err := s.store.GetIssuer(ctx, strings.TrimSpace(issuer), includeExpired)
	if err != nil {
		return nil, eris.Wrap(err, "enrichment: get issuer")
	}
	if rec == nil {
		return nil, ErrIssuerNotFound
	}
	return rec, nil
}

// GetMany returns the records found among issuers, keyed by issuer name.
func (s *Service) GetMany(ctx context.Context, issuers []string, includeExpired bool) (map[string]*model.IssuerRecord, error) {
	items, err := s.store.GetIssuers(ctx, issuers, includeExpired)
	if err != nil {
		return nil, eris.Wrap(err, "enrichment: get issuers")
	}
	if items == nil {
		items = map[string]*model.IssuerRecord{}
	}
	return items, nil
}

// OverrideRequest is a direct administrative write. Nil fields keep the
// stored value.
type OverrideRequest struct {
	IssuerName string `json:"issuer_name"`
	model.IssuerFields
	Pinned     *bool  `json:"pinned,omitempty"`
	TTLSeconds *int64 `json:"ttl_seconds,omitempty"`
	Source     string `json:"source,omitempty"`
	Model      string `json:"model,omitempty"`
}

// Override upserts req without running the pipeline. Records are pinned
// and attributed to "manual" unless the request says otherwise.
func (s *Service) Override(ctx context.Context, req OverrideRequest) error {
	name := strings.TrimSpace(req.IssuerName)
	if name == "" {
		return eris.Wrap(ErrInvalidRequest, "issuer_name is required")
	}
	prov := model.Provenance{
		Source:     model.SourceManual,
		Model:      req.Model,
		TTLSeconds: s.defaults.TTLSeconds,
		Pinned:     true,
	}
	if req.Source != "" {
		prov.Source = req.Source
	}
	if req.Pinned != nil {
		prov.Pinned = *req.Pinned
	}
	if req.TTLSeconds != nil {
		prov.TTLSeconds = *req.TTLSeconds
	}
	if err := s.store.UpsertIssuer(ctx, name, req.IssuerFields, prov); err != nil {
		return eris.Wrap(err, "enrichment: override")
	}
	zap.L().Info("enrichment: override applied",
		zap.String("issuer", name),
		zap.String("source", prov.Source),
		zap.Bool("pinned", prov.Pinned),
	)
	return nil
}

// CleanupStaleJobs reclaims running jobs older than staleSeconds. Unknown
// actions are treated as "fail".
func (s *Service) CleanupStaleJobs(ctx context.Context, staleSeconds int64, action string) (int, error) {
	n, err := s.store.ReclaimStaleJobs(ctx, staleSeconds, model.ParseReclaimPolicy(action))
	if err != nil {
		return 0, eris.Wrap(err, "enrichment: cleanup stale jobs")
	}
	return n, nil
}

// ValidateResult is the answer to a provider probe.
type ValidateResult struct {
	Status   string         `json:"status"`
	Response map[string]any `json:"response"`
	Model    string         `json:"model"`
	Provider string         `json:"provider"`
}

// Validate sends a fixed probe prompt through the gateway. Provider and
// parse failures are returned as *model.JobError.
func (s *Service) Validate(ctx context.Context, modelName string) (*ValidateResult, error) {
	resp, err := s.llm.Invoke(ctx, llm.Request{Prompt: ValidatePrompt, Model: modelName})
	if err != nil {
		return nil, err
	}
	parsed, err := ExtractJSON("validate", resp.Text)
	if err != nil {
		return nil, err
	}
	return &ValidateResult{Status: "ok", Response: parsed, Model: resp.Model, Provider: resp.Provider}, nil
}
