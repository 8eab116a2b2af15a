// Package llm routes enrichment prompts to the configured LLM provider and
// reduces each provider's response shape to text plus citation sources.
package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/versified/issuer-enrichment/internal/config"
	"github.com/versified/issuer-enrichment/internal/model"
	"github.com/versified/issuer-enrichment/internal/resilience"
)

// SystemInstruction is sent with every prompt.
const SystemInstruction = "Return only valid JSON, no markdown or commentary."

// Temperature is the sampling temperature used for every provider.
const Temperature = 0.2

// Request is a single gateway invocation.
type Request struct {
	Prompt       string
	Model        string
	UseWebSearch bool
	Web          *WebOptions
}

// WebOptions tunes the web-search attachment on backends that support it.
type WebOptions struct {
	MaxResults    int
	Engine        string
	SearchPrompt  string
	SearchOptions map[string]any
}

// Response is the provider-neutral answer.
type Response struct {
	Provider string   `json:"provider"`
	Model    string   `json:"model"`
	Text     string   `json:"text"`
	Sources  []string `json:"sources,omitempty"`
}

// Credential describes the API key of a backend without exposing it.
type Credential struct {
	Fingerprint string
	Source      string
}

// Backend is one provider API shape.
type Backend interface {
	Name() string
	DefaultModel() string
	// SupportsWebPlugin reports whether the backend honours WebOptions.
	SupportsWebPlugin() bool
	Configured() bool
	// MissingKeyError is returned without a network call when Configured is false.
	MissingKeyError() error
	Credential() Credential
	Generate(ctx context.Context, req Request) (Completion, error)
}

// Completion is a provider response reduced to what the pipeline reads.
type Completion interface {
	ExtractText() (string, bool)
	ExtractSources() []string
	ModelName() string
}

// Gateway invokes the single configured Backend behind a rate limiter and a
// circuit breaker. It never retries.
type Gateway struct {
	backend Backend
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	timeout time.Duration
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRateLimit caps provider requests per second. Non-positive disables it.
func WithRateLimit(perSecond float64) Option {
	return func(g *Gateway) {
		if perSecond <= 0 {
			g.limiter = nil
			return
		}
		g.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithCircuitBreaker replaces the default breaker.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(g *Gateway) {
		g.breaker = cb
	}
}

// WithTimeout bounds each provider call.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		g.timeout = d
	}
}

// NewGateway wraps backend.
func NewGateway(backend Backend, opts ...Option) *Gateway {
	cbCfg := resilience.DefaultCircuitBreakerConfig()
	cbCfg.ShouldTrip = resilience.IsTransient
	g := &Gateway{
		backend: backend,
		breaker: resilience.NewCircuitBreaker(cbCfg),
		timeout: 60 * time.Second,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// New builds the gateway for cfg.LLM.Provider.
func New(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	var backend Backend
	switch cfg.LLM.Provider {
	case config.ProviderOpenRouter:
		backend = NewOpenRouterBackend(cfg.OpenRouter)
	case config.ProviderGemini:
		gb, err := NewGeminiBackend(ctx, cfg.Gemini)
		if err != nil {
			return nil, err
		}
		backend = gb
	default:
		return nil, eris.Errorf("llm: unknown provider %q", cfg.LLM.Provider)
	}

	cbCfg := resilience.FromCircuitSettings(cfg.LLM.CircuitFailureThreshold, cfg.LLM.CircuitResetSecs)
	cbCfg.ShouldTrip = resilience.IsTransient
	cbCfg.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("llm: circuit state change",
			zap.String("provider", backend.Name()),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	opts := []Option{
		WithRateLimit(cfg.LLM.RequestsPerSecond),
		WithCircuitBreaker(resilience.NewCircuitBreaker(cbCfg)),
	}
	if cfg.LLM.TimeoutSecs > 0 {
		opts = append(opts, WithTimeout(time.Duration(cfg.LLM.TimeoutSecs)*time.Second))
	}
	return NewGateway(backend, opts...), nil
}

// Provider returns the active backend name.
func (g *Gateway) Provider() string {
	return g.backend.Name()
}

// DefaultModel returns the model used when a request names none.
func (g *Gateway) DefaultModel() string {
	return g.backend.DefaultModel()
}

// SupportsWebPlugin reports whether web search can be attached.
func (g *Gateway) SupportsWebPlugin() bool {
	return g.backend.SupportsWebPlugin()
}

// Credential describes the active key for logging.
func (g *Gateway) Credential() Credential {
	return g.backend.Credential()
}

// Invoke sends req to the active backend.
func (g *Gateway) Invoke(ctx context.Context, req Request) (*Response, error) {
	name := g.backend.Name()
	if !g.backend.Configured() {
		return nil, model.NewJobError(model.ErrKindConfiguration, name, g.backend.MissingKeyError())
	}
	if req.Model == "" {
		req.Model = g.backend.DefaultModel()
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, model.NewJobError(model.ErrKindProvider, name, eris.Wrap(err, "rate limit wait"))
		}
	}

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	comp, err := resilience.ExecuteVal(callCtx, g.breaker, func(ctx context.Context) (Completion, error) {
		return g.backend.Generate(ctx, req)
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, model.NewJobError(model.ErrKindProvider, name, err)
		}
		if model.IsJobFailure(err) {
			return nil, err
		}
		return nil, model.NewJobError(model.ErrKindProvider, name, err)
	}

	text, ok := comp.ExtractText()
	if !ok {
		return nil, model.NewJobError(model.ErrKindProvider, name, eris.New("missing candidates/content"))
	}

	resp := &Response{
		Provider: name,
		Model:    comp.ModelName(),
		Text:     text,
		Sources:  model.DedupeSources(comp.ExtractSources()),
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return resp, nil
}

// KeyFingerprint returns the first 8 hex characters of the key's SHA-256,
// or "missing" for an empty key.
func KeyFingerprint(key string) string {
	if key == "" {
		return "missing"
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:8]
}

// httpStatusError builds the provider JobError for a non-2xx response.
// Transient statuses are marked so the breaker counts them.
func httpStatusError(op string, status int, body string) error {
	var cause error = eris.New(body)
	if resilience.IsTransientHTTPStatus(status) {
		cause = resilience.NewTransientError(cause, status)
	}
	return &model.JobError{Kind: model.ErrKindProvider, Op: op, StatusCode: status, Err: cause}
}
