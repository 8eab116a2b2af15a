package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/versified/issuer-enrichment/internal/config"
	"github.com/versified/issuer-enrichment/internal/model"
)

func newOpenRouterGateway(t *testing.T, handler http.HandlerFunc) *Gateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewGateway(NewOpenRouterBackend(config.OpenRouterConfig{
		Key:     "sk-test",
		BaseURL: srv.URL,
		Model:   "openai/gpt-4o-mini",
		Referer: "http://localhost",
		Title:   "Versified Bonds",
	}))
}

func TestOpenRouterBackend_RequestShape(t *testing.T) {
	var got map[string]any
	g := newOpenRouterGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "http://localhost", r.Header.Get("HTTP-Referer"))
		assert.Equal(t, "Versified Bonds", r.Header.Get("X-Title"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"moodys\":\"A2\"}",
			"annotations":[{"type":"url_citation","url_citation":{"url":"https://issuer.example.com/ratings"}}]}}]}`))
	})

	resp, err := g.Invoke(context.Background(), Request{
		Prompt:       "ratings please",
		UseWebSearch: true,
		Web: &WebOptions{
			MaxResults:    5,
			Engine:        "exa",
			SearchOptions: map[string]any{"search_context_size": "high"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "openrouter", resp.Provider)
	assert.Equal(t, "openai/gpt-4o-mini", resp.Model)
	assert.Equal(t, `{"moodys":"A2"}`, resp.Text)
	assert.Equal(t, []string{"https://issuer.example.com/ratings"}, resp.Sources)

	assert.Equal(t, "openai/gpt-4o-mini", got["model"])
	assert.InDelta(t, 0.2, got["temperature"], 1e-9)
	msgs := got["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, SystemInstruction, msgs[0].(map[string]any)["content"])
	assert.Equal(t, "ratings please", msgs[1].(map[string]any)["content"])
	plugins := got["plugins"].([]any)
	require.Len(t, plugins, 1)
	plugin := plugins[0].(map[string]any)
	assert.Equal(t, "web", plugin["id"])
	assert.InDelta(t, 5, plugin["max_results"], 1e-9)
	assert.Equal(t, "exa", plugin["engine"])
	assert.NotContains(t, plugin, "search_prompt")
	assert.Equal(t, map[string]any{"search_context_size": "high"}, got["web_search_options"])
}

func TestOpenRouterBackend_NoWebSearch(t *testing.T) {
	var got map[string]any
	g := newOpenRouterGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{}"}}]}`))
	})

	_, err := g.Invoke(context.Background(), Request{Prompt: "p", Web: &WebOptions{MaxResults: 5}})
	require.NoError(t, err)
	assert.NotContains(t, got, "plugins")
	assert.NotContains(t, got, "web_search_options")
}

func TestOpenRouterBackend_Errors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantKind   model.ErrorKind
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "server_error",
			status:     http.StatusBadGateway,
			body:       `upstream down`,
			wantKind:   model.ErrKindProvider,
			wantStatus: http.StatusBadGateway,
			wantMsg:    "upstream down",
		},
		{
			name:       "unauthorized",
			status:     http.StatusUnauthorized,
			body:       `{"error":"invalid key"}`,
			wantKind:   model.ErrKindProvider,
			wantStatus: http.StatusUnauthorized,
			wantMsg:    "invalid key",
		},
		{
			name:     "no_choices",
			status:   http.StatusOK,
			body:     `{"choices":[]}`,
			wantKind: model.ErrKindProvider,
			wantMsg:  "missing candidates/content",
		},
		{
			name:     "malformed_json",
			status:   http.StatusOK,
			body:     `{nope`,
			wantKind: model.ErrKindProvider,
			wantMsg:  "unmarshal response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newOpenRouterGateway(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := g.Invoke(context.Background(), Request{Prompt: "p"})
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, model.ErrorKindOf(err))
			assert.Contains(t, err.Error(), tt.wantMsg)
			if tt.wantStatus != 0 {
				var je *model.JobError
				require.ErrorAs(t, err, &je)
				assert.Equal(t, tt.wantStatus, je.StatusCode)
			}
		})
	}
}

func TestOpenRouterBackend_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	g := NewGateway(NewOpenRouterBackend(config.OpenRouterConfig{Key: "sk-test", BaseURL: url}))
	_, err := g.Invoke(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	assert.Equal(t, model.ErrKindProvider, model.ErrorKindOf(err))
	assert.Contains(t, err.Error(), "send request")
}

func TestOpenRouterBackend_MissingKey(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	defer srv.Close()

	b := NewOpenRouterBackend(config.OpenRouterConfig{BaseURL: srv.URL})
	assert.False(t, b.Configured())
	assert.Equal(t, Credential{Fingerprint: "missing", Source: "missing"}, b.Credential())

	_, err := NewGateway(b).Invoke(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	assert.Equal(t, model.ErrKindConfiguration, model.ErrorKindOf(err))
	assert.Contains(t, err.Error(), "OPENROUTER_API_KEY is not set")
	assert.False(t, called)
}
