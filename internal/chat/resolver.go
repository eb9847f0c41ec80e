package chat

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

// Options apply to every completion a Resolver issues.
type Options struct {
	Timeout   time.Duration
	MaxTokens int
	// AppName and AppURL are sent as X-Title and HTTP-Referer.
	AppName    string
	AppURL     string
	HTTPClient *http.Client
}

// Resolver sends completions with the model configuration of the team that
// owns the conversation.
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
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2000
	}
	return &Resolver{
		source: source,
		opts:   opts,
		logger: log.With(slog.String("service", "chat")),
	}
}

// Chat runs one completion for teamID.
func (r *Resolver) Chat(ctx context.Context, teamID string, messages []Message) (Result, error) {
	ai, err := r.source.AI(ctx, teamID)
	if err != nil {
		return Result{}, fmt.Errorf("load team ai settings: %w", err)
	}
	provider, err := NewOpenAIProvider(ProviderConfig{
		Name:    ai.Provider,
		APIKey:  ai.APIKey,
		BaseURL: ai.BaseURL,
		Timeout: r.opts.Timeout,
		Headers: map[string]string{
			"HTTP-Referer": strings.TrimSpace(r.opts.AppURL),
			"X-Title":      strings.TrimSpace(r.opts.AppName),
		},
		HTTPClient: r.opts.HTTPClient,
	})
	if err != nil {
		return Result{}, err
	}
	start := time.Now()
	result, err := provider.Chat(ctx, Request{
		Messages:  messages,
		Model:     ai.Model,
		MaxTokens: r.opts.MaxTokens,
	})
	if err != nil {
		return Result{}, err
	}
	r.logger.Debug("chat completed",
		slog.String("team_id", teamID),
		slog.String("model", ai.Model),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		slog.Int("prompt_tokens", result.Usage.PromptTokens),
		slog.Int("completion_tokens", result.Usage.CompletionTokens),
	)
	return result, nil
}
