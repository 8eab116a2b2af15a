// Package enrichment implements the two-stage issuer enrichment pipeline and
// the service operations exposed to the CLI and HTTP layers.
package enrichment

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/versified/issuer-enrichment/internal/llm"
	"github.com/versified/issuer-enrichment/internal/model"
	"github.com/versified/issuer-enrichment/internal/store"
	"github.com/versified/issuer-enrichment/internal/telemetry"
)

// Invoker is the gateway surface the pipeline depends on.
type Invoker interface {
	Invoke(ctx context.Context, req llm.Request) (*llm.Response, error)
	Provider() string
	SupportsWebPlugin() bool
	Credential() llm.Credential
}

// Pipeline runs issuer enrichment jobs against the store.
type Pipeline struct {
	store         store.Store
	llm           Invoker
	metrics       *telemetry.Metrics
	tracer        trace.Tracer
	webMaxResults int
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithMetrics records job and stage instruments on m.
func WithMetrics(m *telemetry.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// WithWebMaxResults sets the web result limit used when a payload names none.
func WithWebMaxResults(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.webMaxResults = n
		}
	}
}

// NewPipeline creates a Pipeline.
func NewPipeline(st store.Store, gw Invoker, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:         st,
		llm:           gw,
		tracer:        telemetry.Tracer(),
		webMaxResults: 5,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run executes both stages for job. Stage 1 is persisted before Stage 2
// starts, so a Stage 2 failure leaves the profile fields in place. Errors
// that should fail the job are *model.JobError; anything else is a storage
// failure.
func (p *Pipeline) Run(ctx context.Context, job *model.Job) (*model.IssuerEnrichmentResult, error) {
	payload, err := job.IssuerPayload()
	if err != nil {
		return nil, err
	}
	issuer := strings.TrimSpace(payload.IssuerName)
	if issuer == "" {
		return nil, model.NewJobError(model.ErrKindValidation, "decode payload", eris.New("issuer_name missing"))
	}

	ctx, span := p.tracer.Start(ctx, "enrichment.run", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("issuer", issuer),
		attribute.String("provider", p.llm.Provider()),
	))
	defer span.End()

	base, err := p.store.GetIssuer(ctx, issuer, true)
	if err != nil {
		return nil, eris.Wrap(err, "enrichment: load base record")
	}
	var baseFields model.IssuerFields
	if base != nil {
		baseFields = base.IssuerFields
	}

	// A non-positive TTL stores a record without expiry.
	ttl := payload.TTLSeconds

	profile, err := p.profileStage(ctx, issuer, payload, ttl)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	ratings, err := p.ratingsStage(ctx, issuer, payload, ttl, baseFields.Sources)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return &model.IssuerEnrichmentResult{Profile: *profile, Ratings: *ratings}, nil
}

func (p *Pipeline) profileStage(ctx context.Context, issuer string, payload *model.IssuerEnrichmentPayload, ttl int64) (*model.ProfileResult, error) {
	ctx, span := p.tracer.Start(ctx, "enrichment.profile")
	defer span.End()

	cred := p.llm.Credential()
	log := zap.L().With(zap.String("issuer", issuer), zap.String("stage", "profile"))
	log.Info("enrichment: stage start",
		zap.String("model", modelOrDefault(payload.Model)),
		zap.String("key_fp", cred.Fingerprint),
		zap.String("key_src", cred.Source),
	)

	start := time.Now()
	resp, err := p.llm.Invoke(ctx, llm.Request{
		Prompt: ProfilePrompt(issuer, payload.Context),
		Model:  payload.Model,
	})
	if err != nil {
		p.stageFailed(ctx, span, log, "profile", start, err)
		return nil, err
	}

	profile, err := parseProfile(resp.Text)
	if err != nil {
		p.stageFailed(ctx, span, log, "profile", start, err)
		return nil, err
	}
	p.stageDone(ctx, log, "profile", resp, start)

	if profile.VeganFriendly == nil {
		if inferred := InferVeganFriendly(issuer, payload.Context); inferred != nil {
			profile.VeganFriendly = inferred
			profile.VeganExplanation = model.Ptr(HeuristicExplanation)
			log.Debug("enrichment: vegan verdict inferred", zap.Bool("vegan_friendly", *inferred))
		}
	}

	fields := model.IssuerFields{
		SummaryMD:        profile.SummaryMD,
		VeganFriendly:    profile.VeganFriendly,
		VeganExplanation: profile.VeganExplanation,
		ESGSummary:       profile.ESGSummary,
	}
	prov := model.Provenance{Source: resp.Provider, Model: resp.Model, TTLSeconds: ttl, Pinned: payload.Pinned}
	if err := p.store.UpsertIssuer(ctx, issuer, fields, prov); err != nil {
		return nil, eris.Wrap(err, "enrichment: persist profile")
	}
	return &profile, nil
}

func (p *Pipeline) ratingsStage(ctx context.Context, issuer string, payload *model.IssuerEnrichmentPayload, ttl int64, baseSources []string) (*model.RatingsResult, error) {
	ctx, span := p.tracer.Start(ctx, "enrichment.ratings")
	defer span.End()

	log := zap.L().With(zap.String("issuer", issuer), zap.String("stage", "ratings"))

	useWeb := payload.RatingsUseWeb
	if useWeb && !p.llm.SupportsWebPlugin() {
		log.Info("enrichment: ratings web search disabled for provider",
			zap.String("provider", p.llm.Provider()),
		)
		useWeb = false
	}

	req := llm.Request{
		Prompt:       RatingsPrompt(issuer),
		Model:        payload.Model,
		UseWebSearch: useWeb,
	}
	if useWeb {
		maxResults := payload.RatingsWebMaxResults
		if maxResults <= 0 {
			maxResults = p.webMaxResults
		}
		req.Web = &llm.WebOptions{
			MaxResults:    maxResults,
			Engine:        payload.RatingsWebEngine,
			SearchPrompt:  payload.RatingsWebSearchPrompt,
			SearchOptions: payload.RatingsWebSearchOptions,
		}
	}

	cred := p.llm.Credential()
	log.Info("enrichment: stage start",
		zap.String("model", modelOrDefault(payload.Model)),
		zap.Bool("web", useWeb),
		zap.String("key_fp", cred.Fingerprint),
		zap.String("key_src", cred.Source),
	)

	start := time.Now()
	resp, err := p.llm.Invoke(ctx, req)
	if err != nil {
		p.stageFailed(ctx, span, log, "ratings", start, err)
		return nil, err
	}

	ratings, err := parseRatings(resp.Text)
	if err != nil {
		p.stageFailed(ctx, span, log, "ratings", start, err)
		return nil, err
	}
	p.stageDone(ctx, log, "ratings", resp, start)

	sources := resp.Sources
	if len(sources) == 0 {
		sources = model.DedupeSources(ratings.Sources)
	}
	ratings.Sources = sources

	merged := sources
	if len(baseSources) > 0 && len(sources) > 0 {
		merged = model.DedupeSources(baseSources, sources)
	}

	fields := model.IssuerFields{
		Moodys:  ratings.Moodys,
		Fitch:   ratings.Fitch,
		SP:      ratings.SP,
		Sources: merged,
	}
	prov := model.Provenance{Source: resp.Provider, Model: resp.Model, TTLSeconds: ttl, Pinned: payload.Pinned}
	if err := p.store.UpsertIssuer(ctx, issuer, fields, prov); err != nil {
		return nil, eris.Wrap(err, "enrichment: persist ratings")
	}
	return &ratings, nil
}

func (p *Pipeline) stageDone(ctx context.Context, log *zap.Logger, stage string, resp *llm.Response, start time.Time) {
	elapsed := time.Since(start)
	log.Info("enrichment: stage done",
		zap.String("provider", resp.Provider),
		zap.String("model", resp.Model),
		zap.Duration("elapsed", elapsed),
		zap.Int("sources", len(resp.Sources)),
	)
	p.metrics.StageDone(ctx, stage, resp.Provider, elapsed, true)
}

func (p *Pipeline) stageFailed(ctx context.Context, span trace.Span, log *zap.Logger, stage string, start time.Time, err error) {
	log.Error("enrichment: stage failed", zap.Error(err))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	p.metrics.StageDone(ctx, stage, p.llm.Provider(), time.Since(start), false)
}

func modelOrDefault(m string) string {
	if m == "" {
		return "default"
	}
	return m
}
