package embeddings

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/memohai/chatgate/internal/settings"
)

// AISource returns a team's AI configuration.
type AISource interface {
	AI(ctx context.Context, teamID string) (settings.AI, error)
}

// Options tune the embedders built by a Resolver.
type Options struct {
	Timeout       time.Duration
	OpenAIBaseURL string
	GeminiBaseURL string
	GeminiModel   string
	HTTPClient    *http.Client
}

type Request struct {
	TeamID string
	Texts  []string
}

type Result struct {
	Provider   string
	Model      string
	Embeddings [][]float32
}

// Resolver picks the embedding provider a team configured. There is no
// failover between providers.
type Resolver struct {
	source AISource
	opts   Options
	logger *slog.Logger
}

func NewResolver(log *slog.Logger, source AISource, opts Options) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.GeminiModel == "" {
		opts.GeminiModel = DefaultGeminiModel
	}
	return &Resolver{
		source: source,
		opts:   opts,
		logger: log.With(slog.String("service", "embeddings")),
	}
}

// For builds the embedder for a team.
func (r *Resolver) For(ctx context.Context, teamID string) (Embedder, string, error) {
	ai, err := r.source.AI(ctx, teamID)
	if err != nil {
		return nil, "", fmt.Errorf("load team ai settings: %w", err)
	}
	provider := strings.ToLower(strings.TrimSpace(ai.EmbeddingProvider))
	switch provider {
	case ProviderOpenAI:
		embedder, err := NewOpenAIEmbedder(ai.EmbeddingAPIKey, r.opts.OpenAIBaseURL, ai.EmbeddingModel, r.opts.Timeout, r.opts.HTTPClient)
		if err != nil {
			return nil, "", err
		}
		return embedder, ai.EmbeddingModel, nil
	case ProviderGemini:
		embedder, err := NewGeminiEmbedder(ctx, ai.EmbeddingAPIKey, r.opts.GeminiBaseURL, r.opts.GeminiModel, r.opts.Timeout, r.opts.HTTPClient)
		if err != nil {
			return nil, "", err
		}
		return embedder, r.opts.GeminiModel, nil
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedProvider, provider)
	}
}

func (r *Resolver) Embed(ctx context.Context, req Request) (Result, error) {
	if len(req.Texts) == 0 {
		return Result{}, fmt.Errorf("text input is required")
	}
	for i, text := range req.Texts {
		if strings.TrimSpace(text) == "" {
			return Result{}, fmt.Errorf("text input %d is empty", i)
		}
	}
	embedder, model, err := r.For(ctx, req.TeamID)
	if err != nil {
		return Result{}, err
	}
	vectors, err := embedder.EmbedBatch(ctx, req.Texts)
	if err != nil {
		r.logger.Warn("embedding failed", slog.String("team_id", req.TeamID), slog.Any("error", err))
		return Result{}, err
	}
	provider := ProviderOpenAI
	if _, ok := embedder.(*GeminiEmbedder); ok {
		provider = ProviderGemini
	}
	return Result{Provider: provider, Model: model, Embeddings: vectors}, nil
}

// EmbedQuery embeds a single query text for a team.
func (r *Resolver) EmbedQuery(ctx context.Context, teamID, text string) ([]float32, error) {
	result, err := r.Embed(ctx, Request{TeamID: teamID, Texts: []string{text}})
	if err != nil {
		return nil, err
	}
	return result.Embeddings[0], nil
}
