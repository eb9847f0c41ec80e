package settings

import "errors"

// Team setting keys.
const (
	KeyAIProvider        = "ai_provider"
	KeyAIBaseURL         = "ai_base_url"
	KeyAIModel           = "ai_model"
	KeyAIAPIKey          = "ai_api_key"
	KeyEmbeddingProvider = "embedding_provider"
	KeyEmbeddingModel    = "embedding_model"
	KeyEmbeddingAPIKey   = "embedding_api_key"
)

const (
	DefaultAIProvider        = "openrouter"
	DefaultAIBaseURL         = "https://openrouter.ai/api/v1"
	DefaultAIModel           = "google/gemini-flash-1.5-8b"
	DefaultEmbeddingProvider = "openai"
	DefaultEmbeddingModel    = "text-embedding-3-small"
)

var (
	ErrInvalidSettings = errors.New("invalid ai settings")
	ErrNoSecretKey     = errors.New("security secret key not configured")
)

// aiKeys lists every key read by Service.AI.
var aiKeys = []string{
	KeyAIProvider, KeyAIBaseURL, KeyAIModel, KeyAIAPIKey,
	KeyEmbeddingProvider, KeyEmbeddingModel, KeyEmbeddingAPIKey,
}

// AI is a team's language-model and embedding configuration with defaults
// applied.
type AI struct {
	Provider          string `json:"ai_provider"`
	BaseURL           string `json:"ai_base_url"`
	Model             string `json:"ai_model"`
	APIKey            string `json:"-"`
	EmbeddingProvider string `json:"embedding_provider"`
	EmbeddingModel    string `json:"embedding_model"`
	// EmbeddingAPIKey falls back to APIKey when the team has none.
	EmbeddingAPIKey string `json:"-"`
}

// View is the operator-facing form of AI; secrets are reported by presence only.
type View struct {
	AI
	HasAIKey        bool `json:"has_ai_key"`
	HasEmbeddingKey bool `json:"has_embedding_key"`
}

// UpdateAIRequest changes a team's AI settings. Empty API keys leave the
// stored key untouched.
type UpdateAIRequest struct {
	Provider          string `json:"ai_provider" validate:"required,oneof=openrouter openai anthropic custom"`
	BaseURL           string `json:"ai_base_url" validate:"required,url"`
	APIKey            string `json:"ai_api_key"`
	Model             string `json:"ai_model" validate:"required"`
	EmbeddingProvider string `json:"embedding_provider" validate:"required,oneof=openai gemini"`
	EmbeddingModel    string `json:"embedding_model" validate:"required"`
	EmbeddingAPIKey   string `json:"embedding_api_key"`
}
