// Package bots resolves which bot answers an integration and enforces that an
// integration is served by at most one bot.
package bots

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/memohai/chatgate/internal/db"
)

const bindingConstraint = "bots_integration_binding"

const botColumns = `b.id::text, b.team_id::text, b.name, b.description, b.prompt, COALESCE(b.integration_id::text, ''), b.created_at, b.updated_at`

// Service provides bot lookups and binding.
type Service struct {
	queries db.DBTX
	logger  *slog.Logger
}

// NewService creates a new bot service.
func NewService(log *slog.Logger, queries db.DBTX) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		queries: queries,
		logger:  log.With(slog.String("service", "bots")),
	}
}

// Get returns a bot by its ID.
func (s *Service) Get(ctx context.Context, botID string) (Bot, error) {
	botID = strings.TrimSpace(botID)
	if botID == "" {
		return Bot{}, ErrNotFound
	}
	row := s.queries.QueryRow(ctx, `SELECT `+botColumns+` FROM bots b WHERE b.id = $1::uuid`, botID)
	bot, err := scanBot(row)
	if db.IsNotFound(err) {
		return Bot{}, ErrNotFound
	}
	return bot, err
}

// BoundBot returns the bot serving an integration.
func (s *Service) BoundBot(ctx context.Context, integrationID string) (Bot, error) {
	integrationID = strings.TrimSpace(integrationID)
	if integrationID == "" {
		return Bot{}, ErrNoBotBound
	}
	row := s.queries.QueryRow(ctx, `SELECT `+botColumns+` FROM bots b WHERE b.integration_id = $1::uuid`, integrationID)
	bot, err := scanBot(row)
	if db.IsNotFound(err) {
		return Bot{}, ErrNoBotBound
	}
	return bot, err
}

// Bind makes botID the bot of integrationID. Both must belong to the same
// team. Binding a bot moves it off any integration it served before; binding
// to an integration that already has another bot fails with ErrAlreadyBound.
func (s *Service) Bind(ctx context.Context, integrationID, botID string) (Bot, error) {
	integrationID = strings.TrimSpace(integrationID)
	botID = strings.TrimSpace(botID)
	if integrationID == "" || botID == "" {
		return Bot{}, fmt.Errorf("integration id and bot id are required")
	}
	row := s.queries.QueryRow(ctx,
		`UPDATE bots b SET integration_id = i.id, updated_at = now()
		 FROM integrations i
		 WHERE b.id = $1::uuid AND i.id = $2::uuid AND i.team_id = b.team_id
		 RETURNING `+botColumns,
		botID, integrationID,
	)
	bot, err := scanBot(row)
	switch {
	case err == nil:
	case db.IsUniqueViolation(err, bindingConstraint):
		return Bot{}, ErrAlreadyBound
	case db.IsNotFound(err):
		return Bot{}, ErrNotFound
	default:
		return Bot{}, err
	}
	s.logger.Info("bot bound", slog.String("bot_id", bot.ID), slog.String("integration_id", integrationID))
	return bot, nil
}

// Unbind detaches whatever bot serves integrationID.
func (s *Service) Unbind(ctx context.Context, integrationID string) error {
	tag, err := s.queries.Exec(ctx,
		`UPDATE bots SET integration_id = NULL, updated_at = now() WHERE integration_id = $1::uuid`,
		strings.TrimSpace(integrationID),
	)
	if db.IsNotFound(err) {
		return ErrNoBotBound
	}
	if err != nil {
		return fmt.Errorf("unbind bot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoBotBound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBot(row rowScanner) (Bot, error) {
	var bot Bot
	err := row.Scan(
		&bot.ID, &bot.TeamID, &bot.Name, &bot.Description, &bot.Prompt,
		&bot.IntegrationID, &bot.CreatedAt, &bot.UpdatedAt,
	)
	if err != nil {
		if db.IsNotFound(err) {
			return Bot{}, err
		}
		return Bot{}, fmt.Errorf("scan bot: %w", err)
	}
	return bot, nil
}
