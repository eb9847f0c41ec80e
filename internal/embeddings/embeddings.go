// Package embeddings turns text into vectors through a team's configured
// embedding provider.
package embeddings

import (
	"context"
	"errors"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultGeminiModel   = "text-embedding-004"
)

var (
	ErrUnsupportedProvider = errors.New("unsupported embedding provider")
	ErrMissingAPIKey       = errors.New("embedding api key not configured")
)

// Embedder produces one vector per input text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns vectors in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}
