package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/chatgate/internal/settings"
)

type staticAI settings.AI

func (s staticAI) AI(context.Context, string) (settings.AI, error) {
	return settings.AI(s), nil
}

func TestResolverOpenAIPreservesOrder(t *testing.T) {
	t.Parallel()

	var gotAuth, gotModel string
	var gotInput []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		var body struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		gotModel, gotInput = body.Model, body.Input
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"object":"list","model":"text-embedding-3-small","data":[
			{"object":"embedding","index":1,"embedding":[0,1]},
			{"object":"embedding","index":0,"embedding":[1,0]}
		],"usage":{"prompt_tokens":2,"total_tokens":2}}`)
	}))
	defer srv.Close()

	r := NewResolver(nil, staticAI{
		EmbeddingProvider: ProviderOpenAI,
		EmbeddingModel:    "text-embedding-3-small",
		EmbeddingAPIKey:   "sk-embed",
	}, Options{OpenAIBaseURL: srv.URL})

	result, err := r.Embed(context.Background(), Request{TeamID: "team-1", Texts: []string{"first", "second"}})
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-embed", gotAuth)
	assert.Equal(t, "text-embedding-3-small", gotModel)
	assert.Equal(t, []string{"first", "second"}, gotInput)
	assert.Equal(t, ProviderOpenAI, result.Provider)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, result.Embeddings)
}

func TestResolverOpenAIFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":{"message":"boom","type":"server_error"}}`)
	}))
	defer srv.Close()

	r := NewResolver(nil, staticAI{
		EmbeddingProvider: ProviderOpenAI,
		EmbeddingModel:    "text-embedding-3-small",
		EmbeddingAPIKey:   "sk-embed",
	}, Options{OpenAIBaseURL: srv.URL})
	_, err := r.EmbedQuery(context.Background(), "team-1", "hello")
	require.Error(t, err)
}

func TestResolverGemini(t *testing.T) {
	t.Parallel()

	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-goog-api-key")
		assert.True(t, strings.Contains(r.URL.Path, "text-embedding-004"), r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"embeddings":[{"values":[0.5,0.25]}]}`)
	}))
	defer srv.Close()

	r := NewResolver(nil, staticAI{
		EmbeddingProvider: ProviderGemini,
		EmbeddingAPIKey:   "g-key",
	}, Options{GeminiBaseURL: srv.URL})
	vector, err := r.EmbedQuery(context.Background(), "team-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "g-key", gotKey)
	assert.Equal(t, []float32{0.5, 0.25}, vector)
}

func TestResolverRejectsUnknownProvider(t *testing.T) {
	t.Parallel()

	r := NewResolver(nil, staticAI{EmbeddingProvider: "cohere", EmbeddingAPIKey: "k"}, Options{})
	_, err := r.EmbedQuery(context.Background(), "team-1", "hello")
	assert.True(t, errors.Is(err, ErrUnsupportedProvider), "got %v", err)
}

func TestResolverRequiresKey(t *testing.T) {
	t.Parallel()

	r := NewResolver(nil, staticAI{EmbeddingProvider: ProviderOpenAI, EmbeddingModel: "m"}, Options{})
	_, err := r.EmbedQuery(context.Background(), "team-1", "hello")
	assert.True(t, errors.Is(err, ErrMissingAPIKey), "got %v", err)

	_, err = r.Embed(context.Background(), Request{TeamID: "team-1", Texts: []string{" "}})
	assert.Error(t, err)
}
