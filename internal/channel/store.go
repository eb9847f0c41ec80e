package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/memohai/chatgate/internal/db"
)

// IntegrationStore resolves integrations from persistence.
type IntegrationStore interface {
	GetIntegration(ctx context.Context, id string) (Integration, error)
	FindByRoutingKey(ctx context.Context, platform ChannelType, routingKey string) (Integration, error)
	ListByPlatform(ctx context.Context, platform ChannelType) ([]Integration, error)
}

// Store is the Postgres-backed IntegrationStore.
type Store struct {
	queries db.DBTX
	logger  *slog.Logger
}

// NewStore creates a Store over the given connection.
func NewStore(log *slog.Logger, queries db.DBTX) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		queries: queries,
		logger:  log.With(slog.String("service", "integrations")),
	}
}

const integrationColumns = `id::text, team_id::text, name, platform, routing_key, access_token, verify_token, status, settings, created_at, updated_at`

// GetIntegration loads one integration by id.
func (s *Store) GetIntegration(ctx context.Context, id string) (Integration, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Integration{}, ErrIntegrationNotFound
	}
	row := s.queries.QueryRow(ctx, `SELECT `+integrationColumns+` FROM integrations WHERE id = $1::uuid`, id)
	return scanIntegration(row)
}

// FindByRoutingKey loads the integration of a platform owning routingKey.
func (s *Store) FindByRoutingKey(ctx context.Context, platform ChannelType, routingKey string) (Integration, error) {
	routingKey = strings.TrimSpace(routingKey)
	if routingKey == "" {
		return Integration{}, ErrIntegrationNotFound
	}
	row := s.queries.QueryRow(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE platform = $1 AND routing_key = $2`,
		platform.String(), routingKey,
	)
	return scanIntegration(row)
}

// ListByPlatform returns every integration of the platform, oldest first.
func (s *Store) ListByPlatform(ctx context.Context, platform ChannelType) ([]Integration, error) {
	rows, err := s.queries.Query(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE platform = $1 ORDER BY created_at`,
		platform.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	defer rows.Close()
	items := make([]Integration, 0)
	for rows.Next() {
		item, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	s.logger.Debug("integrations listed", slog.String("platform", platform.String()), slog.Int("count", len(items)))
	return items, nil
}

func scanIntegration(row pgx.Row) (Integration, error) {
	var (
		item     Integration
		platform string
		status   string
		settings []byte
	)
	err := row.Scan(
		&item.ID,
		&item.TeamID,
		&item.Name,
		&platform,
		&item.RoutingKey,
		&item.AccessToken,
		&item.VerifyToken,
		&status,
		&settings,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		if db.IsNotFound(err) {
			return Integration{}, ErrIntegrationNotFound
		}
		return Integration{}, fmt.Errorf("scan integration: %w", err)
	}
	item.Platform = ChannelType(platform)
	item.Status = IntegrationStatus(status)
	item.Settings, err = DecodeSettings(settings)
	if err != nil {
		return Integration{}, err
	}
	return item, nil
}

// DecodeSettings decodes a JSONB settings column, mapping null to an empty map.
func DecodeSettings(raw []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode integration settings: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
