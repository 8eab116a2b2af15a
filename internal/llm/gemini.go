package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"google.golang.org/genai"

	"github.com/versified/issuer-enrichment/internal/config"
	"github.com/versified/issuer-enrichment/internal/model"
)

// GeminiBackend is the generate-content backend.
type GeminiBackend struct {
	client    *genai.Client
	key       string
	keySource string
	model     string
}

// NewGeminiBackend builds the generate-content backend. The SDK client is
// only created when a key is configured.
func NewGeminiBackend(ctx context.Context, cfg config.GeminiConfig) (*GeminiBackend, error) {
	b := &GeminiBackend{key: cfg.Key, keySource: cfg.KeySource, model: cfg.Model}
	if b.model == "" {
		b.model = "gemini-2.0-flash"
	}
	if b.keySource == "" {
		b.keySource = "config"
		if cfg.Key == "" {
			b.keySource = "missing"
		}
	}
	if cfg.Key == "" {
		return b, nil
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.Key,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: create client")
	}
	b.client = client
	return b, nil
}

func (b *GeminiBackend) Name() string            { return config.ProviderGemini }
func (b *GeminiBackend) DefaultModel() string    { return b.model }
func (b *GeminiBackend) SupportsWebPlugin() bool { return false }
func (b *GeminiBackend) Configured() bool        { return b.client != nil }

func (b *GeminiBackend) MissingKeyError() error {
	return eris.New("GEMINI_API_KEY is not set")
}

func (b *GeminiBackend) Credential() Credential {
	return Credential{Fingerprint: KeyFingerprint(b.key), Source: b.keySource}
}

// Generate sends the instruction-prefixed prompt. UseWebSearch attaches the
// Google Search tool; WebOptions are ignored.
func (b *GeminiBackend) Generate(ctx context.Context, req Request) (Completion, error) {
	genCfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(Temperature)),
	}
	if req.UseWebSearch {
		genCfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}

	prompt := SystemInstruction + "\n\n" + req.Prompt
	resp, err := b.client.Models.GenerateContent(ctx, req.Model,
		[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)},
		genCfg,
	)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return nil, httpStatusError(b.Name(), apiErr.Code, apiErr.Message)
		}
		var apiErrPtr *genai.APIError
		if errors.As(err, &apiErrPtr) {
			return nil, httpStatusError(b.Name(), apiErrPtr.Code, apiErrPtr.Message)
		}
		return nil, model.NewJobError(model.ErrKindProvider, b.Name(), err)
	}
	return generateCompletion{resp: resp, model: req.Model}, nil
}

type generateCompletion struct {
	resp  *genai.GenerateContentResponse
	model string
}

// ExtractText concatenates the text parts of the first candidate.
func (c generateCompletion) ExtractText() (string, bool) {
	if c.resp == nil || len(c.resp.Candidates) == 0 {
		return "", false
	}
	cand := c.resp.Candidates[0]
	if cand == nil || cand.Content == nil {
		return "", false
	}
	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if part != nil && part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	text := sb.String()
	return text, strings.TrimSpace(text) != ""
}

// ExtractSources returns the grounding chunk URIs of the first candidate.
func (c generateCompletion) ExtractSources() []string {
	if c.resp == nil || len(c.resp.Candidates) == 0 {
		return nil
	}
	cand := c.resp.Candidates[0]
	if cand == nil || cand.GroundingMetadata == nil {
		return nil
	}
	var out []string
	for _, chunk := range cand.GroundingMetadata.GroundingChunks {
		if chunk != nil && chunk.Web != nil && chunk.Web.URI != "" {
			out = append(out, chunk.Web.URI)
		}
	}
	return out
}

func (c generateCompletion) ModelName() string { return c.model }
