package llm

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/versified/issuer-enrichment/internal/config"
	"github.com/versified/issuer-enrichment/internal/model"
	"github.com/versified/issuer-enrichment/pkg/openrouter"
)

// OpenRouterBackend is the chat-completions backend.
type OpenRouterBackend struct {
	client    openrouter.Client
	key       string
	keySource string
	model     string
}

// NewOpenRouterBackend builds the chat backend from configuration.
func NewOpenRouterBackend(cfg config.OpenRouterConfig) *OpenRouterBackend {
	opts := []openrouter.Option{openrouter.WithAppHeaders(cfg.Referer, cfg.Title)}
	if cfg.BaseURL != "" {
		opts = append(opts, openrouter.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model != "" {
		opts = append(opts, openrouter.WithModel(cfg.Model))
	}
	return NewOpenRouterBackendWithClient(openrouter.NewClient(cfg.Key, opts...), cfg)
}

// NewOpenRouterBackendWithClient uses a pre-built client.
func NewOpenRouterBackendWithClient(client openrouter.Client, cfg config.OpenRouterConfig) *OpenRouterBackend {
	m := cfg.Model
	if m == "" {
		m = "openai/gpt-4o-mini"
	}
	src := cfg.KeySource
	if src == "" {
		src = "config"
		if cfg.Key == "" {
			src = "missing"
		}
	}
	return &OpenRouterBackend{client: client, key: cfg.Key, keySource: src, model: m}
}

func (b *OpenRouterBackend) Name() string            { return config.ProviderOpenRouter }
func (b *OpenRouterBackend) DefaultModel() string    { return b.model }
func (b *OpenRouterBackend) SupportsWebPlugin() bool { return true }
func (b *OpenRouterBackend) Configured() bool        { return b.key != "" }

func (b *OpenRouterBackend) MissingKeyError() error {
	return eris.New("OPENROUTER_API_KEY is not set")
}

func (b *OpenRouterBackend) Credential() Credential {
	return Credential{Fingerprint: KeyFingerprint(b.key), Source: b.keySource}
}

// Generate posts the prompt with the fixed system message and, when asked,
// the web plugin.
func (b *OpenRouterBackend) Generate(ctx context.Context, req Request) (Completion, error) {
	temp := Temperature
	chatReq := openrouter.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openrouter.Message{
			{Role: "system", Content: SystemInstruction},
			{Role: "user", Content: req.Prompt},
		},
		Temperature: &temp,
	}
	if req.UseWebSearch {
		plugin := openrouter.Plugin{ID: "web"}
		if req.Web != nil {
			plugin.MaxResults = req.Web.MaxResults
			plugin.Engine = req.Web.Engine
			plugin.SearchPrompt = req.Web.SearchPrompt
			if len(req.Web.SearchOptions) > 0 {
				chatReq.WebSearchOptions = req.Web.SearchOptions
			}
		}
		chatReq.Plugins = []openrouter.Plugin{plugin}
	}

	resp, err := b.client.ChatCompletion(ctx, chatReq)
	if err != nil {
		var apiErr *openrouter.APIError
		if errors.As(err, &apiErr) {
			return nil, httpStatusError(b.Name(), apiErr.StatusCode, apiErr.Body)
		}
		return nil, model.NewJobError(model.ErrKindProvider, b.Name(), err)
	}
	return chatCompletion{resp: resp}, nil
}

type chatCompletion struct {
	resp *openrouter.ChatCompletionResponse
}

func (c chatCompletion) ExtractText() (string, bool) { return c.resp.Text() }
func (c chatCompletion) ExtractSources() []string    { return c.resp.Sources() }

func (c chatCompletion) ModelName() string {
	if c.resp == nil {
		return ""
	}
	return c.resp.Model
}
