// Package settings stores per-team key/value settings, sealing secrets such as
// API keys, and resolves the team's AI configuration.
package settings

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/memohai/chatgate/internal/db"
)

var validate = validator.New()

type Service struct {
	queries db.DBTX
	cipher  *Cipher
	logger  *slog.Logger
}

// NewService creates a Service. A nil cipher disables encrypted settings.
func NewService(log *slog.Logger, queries db.DBTX, cipher *Cipher) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		queries: queries,
		cipher:  cipher,
		logger:  log.With(slog.String("service", "settings")),
	}
}

type storedValue struct {
	value     string
	encrypted bool
}

func (s *Service) load(ctx context.Context, teamID string, keys []string) (map[string]storedValue, error) {
	rows, err := s.queries.Query(ctx,
		`SELECT key, value, encrypted FROM team_settings WHERE team_id = $1::uuid AND key = ANY($2::text[])`,
		teamID, keys,
	)
	if err != nil {
		return nil, fmt.Errorf("load team settings: %w", err)
	}
	defer rows.Close()
	out := make(map[string]storedValue, len(keys))
	for rows.Next() {
		var (
			key       string
			value     *string
			encrypted bool
		)
		if err := rows.Scan(&key, &value, &encrypted); err != nil {
			return nil, fmt.Errorf("scan team setting: %w", err)
		}
		if value == nil {
			continue
		}
		out[key] = storedValue{value: *value, encrypted: encrypted}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load team settings: %w", err)
	}
	return out, nil
}

// Get returns one setting, decrypted when stored encrypted. ok is false when
// the team has no value for key.
func (s *Service) Get(ctx context.Context, teamID, key string) (string, bool, error) {
	values, err := s.load(ctx, teamID, []string{key})
	if err != nil {
		return "", false, err
	}
	stored, ok := values[key]
	if !ok {
		return "", false, nil
	}
	value, err := s.open(stored)
	if err != nil {
		return "", false, fmt.Errorf("decrypt %s: %w", key, err)
	}
	return value, true, nil
}

// Set upserts one setting, sealing it when encrypted is true.
func (s *Service) Set(ctx context.Context, teamID, key, value string, encrypted bool) error {
	stored := value
	if encrypted && value != "" {
		sealed, err := s.cipher.Encrypt(value)
		if err != nil {
			return fmt.Errorf("encrypt %s: %w", key, err)
		}
		stored = sealed
	}
	_, err := s.queries.Exec(ctx,
		`INSERT INTO team_settings (team_id, key, value, encrypted)
		 VALUES ($1::uuid, $2, $3, $4)
		 ON CONFLICT ON CONSTRAINT team_settings_team_key
		 DO UPDATE SET value = EXCLUDED.value, encrypted = EXCLUDED.encrypted, updated_at = now()`,
		teamID, key, stored, encrypted,
	)
	if err != nil {
		return fmt.Errorf("save team setting %s: %w", key, err)
	}
	return nil
}

func (s *Service) open(stored storedValue) (string, error) {
	if !stored.encrypted || stored.value == "" {
		return stored.value, nil
	}
	return s.cipher.Decrypt(stored.value)
}

// AI resolves the team's model and embedding configuration. Secrets that
// cannot be decrypted are treated as absent.
func (s *Service) AI(ctx context.Context, teamID string) (AI, error) {
	values, err := s.load(ctx, strings.TrimSpace(teamID), aiKeys)
	if err != nil {
		return AI{}, err
	}
	read := func(key, fallback string) string {
		stored, ok := values[key]
		if !ok {
			return fallback
		}
		value, err := s.open(stored)
		if err != nil {
			s.logger.Warn("team setting unreadable",
				slog.String("team_id", teamID),
				slog.String("key", key),
				slog.Any("error", err),
			)
			return fallback
		}
		if strings.TrimSpace(value) == "" {
			return fallback
		}
		return strings.TrimSpace(value)
	}
	ai := AI{
		Provider:          read(KeyAIProvider, DefaultAIProvider),
		BaseURL:           read(KeyAIBaseURL, DefaultAIBaseURL),
		Model:             read(KeyAIModel, DefaultAIModel),
		APIKey:            read(KeyAIAPIKey, ""),
		EmbeddingProvider: strings.ToLower(read(KeyEmbeddingProvider, DefaultEmbeddingProvider)),
		EmbeddingModel:    read(KeyEmbeddingModel, DefaultEmbeddingModel),
	}
	ai.EmbeddingAPIKey = read(KeyEmbeddingAPIKey, ai.APIKey)
	return ai, nil
}

// View returns the AI settings with secrets redacted.
func (s *Service) View(ctx context.Context, teamID string) (View, error) {
	ai, err := s.AI(ctx, teamID)
	if err != nil {
		return View{}, err
	}
	_, hasEmbeddingKey, err := s.Get(ctx, teamID, KeyEmbeddingAPIKey)
	if err != nil {
		hasEmbeddingKey = true
	}
	return View{
		AI:              ai,
		HasAIKey:        ai.APIKey != "",
		HasEmbeddingKey: hasEmbeddingKey,
	}, nil
}

// UpdateAI validates and stores a team's AI settings. API keys are stored
// encrypted and only when provided.
func (s *Service) UpdateAI(ctx context.Context, teamID string, req UpdateAIRequest) (View, error) {
	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	req.EmbeddingProvider = strings.ToLower(strings.TrimSpace(req.EmbeddingProvider))
	if err := validate.Struct(req); err != nil {
		return View{}, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	plain := []struct{ key, value string }{
		{KeyAIProvider, req.Provider},
		{KeyAIBaseURL, strings.TrimSpace(req.BaseURL)},
		{KeyAIModel, strings.TrimSpace(req.Model)},
		{KeyEmbeddingProvider, req.EmbeddingProvider},
		{KeyEmbeddingModel, strings.TrimSpace(req.EmbeddingModel)},
	}
	for _, item := range plain {
		if err := s.Set(ctx, teamID, item.key, item.value, false); err != nil {
			return View{}, err
		}
	}
	secrets := []struct{ key, value string }{
		{KeyAIAPIKey, strings.TrimSpace(req.APIKey)},
		{KeyEmbeddingAPIKey, strings.TrimSpace(req.EmbeddingAPIKey)},
	}
	for _, item := range secrets {
		if item.value == "" {
			continue
		}
		if err := s.Set(ctx, teamID, item.key, item.value, true); err != nil {
			return View{}, err
		}
	}
	s.logger.Info("team ai settings updated", slog.String("team_id", teamID))
	return s.View(ctx, teamID)
}
