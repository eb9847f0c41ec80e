package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/memohai/chatgate/internal/db"
)

// Store persists sessions and turns.
type Store interface {
	Get(ctx context.Context, id string) (Session, error)
	FindByKey(ctx context.Context, integrationID, senderID string) (Session, error)
	// Insert creates a session. A concurrent insert for the same key yields
	// errDuplicate.
	Insert(ctx context.Context, s Session) (Session, error)
	// AppendTurn stores a turn and bumps the session counters atomically.
	AppendTurn(ctx context.Context, turn Turn) (Turn, error)
	// SetStatus changes status and, when agentID is set, the assigned agent.
	// A non-nil note turn is appended in the same transaction.
	SetStatus(ctx context.Context, id string, status Status, agentID string, note *Turn) (Session, error)
	RecentTurns(ctx context.Context, sessionID string, limit int, includeSystem bool) ([]Turn, error)
	List(ctx context.Context, filter Filter) ([]Session, int, error)
	Stats(ctx context.Context, teamID string, dayStart, weekStart, weekEnd time.Time) (Stats, error)
}

// Pool is a connection that can also open transactions, e.g. *pgxpool.Pool.
type Pool interface {
	db.DBTX
	db.TxBeginner
}

// PostgresStore is the Store backed by chat_sessions and chat_turns.
type PostgresStore struct {
	pool   Pool
	logger *slog.Logger
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(log *slog.Logger, pool Pool) *PostgresStore {
	if log == nil {
		log = slog.Default()
	}
	return &PostgresStore{
		pool:   pool,
		logger: log.With(slog.String("service", "session_store")),
	}
}

const sessionSelect = `SELECT s.id::text, s.integration_id::text, i.team_id::text, i.platform,
	s.sender_id, s.sender_name, s.sender_type, s.status, COALESCE(s.agent_id, '') AS agent_id,
	COALESCE(s.last_message_at, s.created_at) AS last_message_at, s.message_count, s.metadata, s.created_at, s.updated_at
	FROM chat_sessions s JOIN integrations i ON i.id = s.integration_id`

const turnColumns = `id::text, session_id::text, integration_id::text, sender, message, response, external_message_id, created_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (Session, error) {
	row := p.pool.QueryRow(ctx, sessionSelect+` WHERE s.id = $1::uuid`, strings.TrimSpace(id))
	return scanSession(row)
}

func (p *PostgresStore) FindByKey(ctx context.Context, integrationID, senderID string) (Session, error) {
	row := p.pool.QueryRow(ctx,
		sessionSelect+` WHERE s.integration_id = $1::uuid AND s.sender_id = $2`,
		integrationID, senderID,
	)
	return scanSession(row)
}

func (p *PostgresStore) Insert(ctx context.Context, s Session) (Session, error) {
	metadata, err := json.Marshal(nonNilMap(s.Metadata))
	if err != nil {
		return Session{}, fmt.Errorf("encode session metadata: %w", err)
	}
	var id string
	err = p.pool.QueryRow(ctx,
		`INSERT INTO chat_sessions (integration_id, sender_id, sender_name, sender_type, status, last_message_at, message_count, metadata)
		 VALUES ($1::uuid, $2, $3, $4, $5, $6, 0, $7)
		 RETURNING id::text`,
		s.IntegrationID, s.SenderID, s.SenderName, s.SenderType, string(s.Status), s.LastMessageAt, metadata,
	).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err, "chat_sessions_integration_sender_key") {
			return Session{}, errDuplicate
		}
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return p.Get(ctx, id)
}

func (p *PostgresStore) AppendTurn(ctx context.Context, turn Turn) (Turn, error) {
	var out Turn
	err := db.WithTx(ctx, p.pool, func(tx pgx.Tx) error {
		var err error
		out, err = appendTurnTx(ctx, tx, turn)
		return err
	})
	return out, err
}

func appendTurnTx(ctx context.Context, tx db.DBTX, turn Turn) (Turn, error) {
	row := tx.QueryRow(ctx,
		`INSERT INTO chat_turns (session_id, integration_id, sender, message, response, external_message_id)
		 VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6)
		 RETURNING `+turnColumns,
		turn.SessionID, turn.IntegrationID, turn.Sender, turn.Message, turn.Response, turn.ExternalMessageID,
	)
	out, err := scanTurn(row)
	if err != nil {
		return Turn{}, fmt.Errorf("insert turn: %w", err)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE chat_sessions SET message_count = message_count + 1, last_message_at = now(), updated_at = now()
		 WHERE id = $1::uuid`,
		turn.SessionID,
	)
	if err != nil {
		return Turn{}, fmt.Errorf("bump session counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Turn{}, ErrNotFound
	}
	return out, nil
}

func (p *PostgresStore) SetStatus(ctx context.Context, id string, status Status, agentID string, note *Turn) (Session, error) {
	err := db.WithTx(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE chat_sessions
			 SET status = $2, agent_id = COALESCE(NULLIF($3, ''), agent_id), updated_at = now()
			 WHERE id = $1::uuid AND (status <> 'archived' OR $2 = 'archived')`,
			id, string(status), agentID,
		)
		if db.IsNotFound(err) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("update session status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrInvalidTransition
		}
		if note != nil {
			if _, err := appendTurnTx(ctx, tx, *note); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	return p.Get(ctx, id)
}

func (p *PostgresStore) RecentTurns(ctx context.Context, sessionID string, limit int, includeSystem bool) ([]Turn, error) {
	if limit <= 0 {
		return []Turn{}, nil
	}
	query := `SELECT ` + turnColumns + ` FROM (
		SELECT * FROM chat_turns WHERE session_id = $1::uuid AND ($3::boolean OR sender <> 'system')
		ORDER BY created_at DESC LIMIT $2
	) recent ORDER BY created_at ASC`
	rows, err := p.pool.Query(ctx, query, sessionID, limit, includeSystem)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()
	turns := make([]Turn, 0, limit)
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	return turns, nil
}

func (p *PostgresStore) List(ctx context.Context, filter Filter) ([]Session, int, error) {
	filter = filter.normalized()
	where, args := listConditions(filter)
	args = append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)
	query := strings.Replace(sessionSelect, "SELECT s.id::text", "SELECT count(*) OVER () AS total, s.id::text", 1) +
		where +
		` ORDER BY COALESCE(s.last_message_at, s.created_at) DESC, s.id` +
		` LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	items := make([]Session, 0)
	total := 0
	for rows.Next() {
		item, count, err := scanListedSession(rows)
		if err != nil {
			return nil, 0, err
		}
		total = count
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	return items, total, nil
}

func listConditions(filter Filter) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 5)
	add := func(clause string, value any) {
		args = append(args, value)
		conditions = append(conditions, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}
	if filter.TeamID != "" {
		add(`i.team_id = ?::uuid`, filter.TeamID)
	}
	if filter.Status != "" {
		add(`s.status = ?`, string(filter.Status))
	}
	if filter.IntegrationID != "" {
		add(`s.integration_id = ?::uuid`, filter.IntegrationID)
	}
	if filter.AgentID != "" {
		add(`s.agent_id = ?`, filter.AgentID)
	}
	if filter.Search != "" {
		add(`(s.sender_id ILIKE ? OR s.sender_name ILIKE ? OR EXISTS (
			SELECT 1 FROM chat_turns t WHERE t.session_id = s.id AND (t.message ILIKE ? OR t.response ILIKE ?)))`,
			"%"+escapeLike(filter.Search)+"%")
	}
	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (p *PostgresStore) Stats(ctx context.Context, teamID string, dayStart, weekStart, weekEnd time.Time) (Stats, error) {
	var stats Stats
	err := p.pool.QueryRow(ctx,
		`SELECT count(*),
			count(*) FILTER (WHERE s.status = 'active'),
			count(*) FILTER (WHERE s.status = 'escalated'),
			count(*) FILTER (WHERE s.created_at >= $2),
			count(*) FILTER (WHERE s.created_at >= $3 AND s.created_at < $4)
		 FROM chat_sessions s JOIN integrations i ON i.id = s.integration_id
		 WHERE i.team_id = $1::uuid`,
		teamID, dayStart, weekStart, weekEnd,
	).Scan(&stats.Total, &stats.Active, &stats.Escalated, &stats.Today, &stats.ThisWeek)
	if err != nil {
		return Stats{}, fmt.Errorf("session stats: %w", err)
	}
	return stats, nil
}

func scanSession(row pgx.Row) (Session, error) {
	var (
		item     Session
		status   string
		metadata []byte
	)
	err := row.Scan(
		&item.ID, &item.IntegrationID, &item.TeamID, &item.Platform,
		&item.SenderID, &item.SenderName, &item.SenderType, &status, &item.AgentID,
		&item.LastMessageAt, &item.MessageCount, &metadata, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		if db.IsNotFound(err) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	return finishSession(item, status, metadata)
}

func scanListedSession(row pgx.Row) (Session, int, error) {
	var (
		item     Session
		total    int
		status   string
		metadata []byte
	)
	err := row.Scan(
		&total,
		&item.ID, &item.IntegrationID, &item.TeamID, &item.Platform,
		&item.SenderID, &item.SenderName, &item.SenderType, &status, &item.AgentID,
		&item.LastMessageAt, &item.MessageCount, &metadata, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return Session{}, 0, fmt.Errorf("scan session: %w", err)
	}
	item, err = finishSession(item, status, metadata)
	return item, total, err
}

func finishSession(item Session, status string, metadata []byte) (Session, error) {
	item.Status = Status(status)
	item.Metadata = map[string]any{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &item.Metadata); err != nil {
			return Session{}, fmt.Errorf("decode session metadata: %w", err)
		}
	}
	return item, nil
}

func scanTurn(row pgx.Row) (Turn, error) {
	var turn Turn
	err := row.Scan(
		&turn.ID, &turn.SessionID, &turn.IntegrationID, &turn.Sender,
		&turn.Message, &turn.Response, &turn.ExternalMessageID, &turn.CreatedAt,
	)
	if err != nil {
		if db.IsNotFound(err) {
			return Turn{}, ErrNotFound
		}
		return Turn{}, fmt.Errorf("scan turn: %w", err)
	}
	return turn, nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
