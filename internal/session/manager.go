package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// SummaryTurns is how many turns a summary includes.
const SummaryTurns = 10

// TurnInput is one exchange to append to a session.
type TurnInput struct {
	Message  string
	Response string
	// Sender overrides the session sender, e.g. SenderSystem.
	Sender            string
	ExternalMessageID string
}

// Manager implements the session lifecycle over a Store.
type Manager struct {
	store  Store
	logger *slog.Logger
	group  singleflight.Group
	now    func() time.Time
}

// NewManager creates a Manager.
func NewManager(log *slog.Logger, store Store) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:  store,
		logger: log.With(slog.String("service", "sessions")),
		now:    time.Now,
	}
}

// FindOrCreate returns the session of (integrationID, senderID), creating an
// active one on first contact. Concurrent callers for the same key observe the
// same row: in-process calls are coalesced and a lost insert race is resolved
// by re-reading the winner.
func (m *Manager) FindOrCreate(ctx context.Context, integrationID, senderID string, meta Metadata) (Session, error) {
	integrationID = strings.TrimSpace(integrationID)
	senderID = strings.TrimSpace(senderID)
	if integrationID == "" || senderID == "" {
		return Session{}, fmt.Errorf("integration id and sender id are required")
	}
	key := integrationID + "\x00" + senderID
	v, err, _ := m.group.Do(key, func() (any, error) {
		return m.findOrCreate(ctx, integrationID, senderID, meta)
	})
	if err != nil {
		return Session{}, err
	}
	return v.(Session), nil
}

func (m *Manager) findOrCreate(ctx context.Context, integrationID, senderID string, meta Metadata) (Session, error) {
	existing, err := m.store.FindByKey(ctx, integrationID, senderID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Session{}, fmt.Errorf("find session: %w", err)
	}
	senderType := strings.TrimSpace(meta.SenderType)
	if senderType == "" {
		senderType = "user"
	}
	metadata := make(map[string]any, len(meta.Extra)+2)
	for k, v := range meta.Extra {
		metadata[k] = v
	}
	if meta.SenderName != "" {
		metadata["sender_name"] = meta.SenderName
	}
	metadata["sender_type"] = senderType

	created, err := m.store.Insert(ctx, Session{
		IntegrationID: integrationID,
		SenderID:      senderID,
		SenderName:    meta.SenderName,
		SenderType:    senderType,
		Status:        StatusActive,
		LastMessageAt: m.now().UTC(),
		Metadata:      metadata,
	})
	if errors.Is(err, errDuplicate) {
		m.logger.Debug("session created concurrently, re-reading",
			slog.String("integration_id", integrationID),
			slog.String("sender_id", senderID),
		)
		return m.store.FindByKey(ctx, integrationID, senderID)
	}
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	m.logger.Info("session created",
		slog.String("session_id", created.ID),
		slog.String("integration_id", integrationID),
	)
	return created, nil
}

// Get loads a session by id.
func (m *Manager) Get(ctx context.Context, id string) (Session, error) {
	return m.store.Get(ctx, id)
}

// AddTurn appends an exchange and bumps the session's message count and
// last activity time.
func (m *Manager) AddTurn(ctx context.Context, sess Session, in TurnInput) (Turn, error) {
	sender := strings.TrimSpace(in.Sender)
	if sender == "" {
		sender = sess.SenderID
	}
	turn, err := m.store.AppendTurn(ctx, Turn{
		SessionID:         sess.ID,
		IntegrationID:     sess.IntegrationID,
		Sender:            sender,
		Message:           in.Message,
		Response:          in.Response,
		ExternalMessageID: in.ExternalMessageID,
	})
	if err != nil {
		return Turn{}, fmt.Errorf("add turn: %w", err)
	}
	return turn, nil
}

// Escalate hands the session to a human agent and records a system turn.
// Re-escalating reassigns the agent.
func (m *Manager) Escalate(ctx context.Context, id, agentID, note string) (Session, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return Session{}, fmt.Errorf("agent id is required")
	}
	current, err := m.checkTransition(ctx, id, StatusEscalated)
	if err != nil {
		return Session{}, err
	}
	message := "[System] Chat escalated to agent: " + agentID
	if note = strings.TrimSpace(note); note != "" {
		message += " - Note: " + note
	}
	updated, err := m.store.SetStatus(ctx, current.ID, StatusEscalated, agentID, &Turn{
		SessionID:     current.ID,
		IntegrationID: current.IntegrationID,
		Sender:        SenderSystem,
		Message:       message,
	})
	if err != nil {
		return Session{}, err
	}
	m.logger.Info("session escalated", slog.String("session_id", updated.ID), slog.String("agent_id", agentID))
	return updated, nil
}

// Resolve marks the session resolved.
func (m *Manager) Resolve(ctx context.Context, id string) (Session, error) {
	return m.transition(ctx, id, StatusResolved)
}

// Archive retires the session. Archived sessions accept no further
// transitions.
func (m *Manager) Archive(ctx context.Context, id string) (Session, error) {
	return m.transition(ctx, id, StatusArchived)
}

// Reopen returns a session to active.
func (m *Manager) Reopen(ctx context.Context, id string) (Session, error) {
	return m.transition(ctx, id, StatusActive)
}

func (m *Manager) transition(ctx context.Context, id string, to Status) (Session, error) {
	current, err := m.checkTransition(ctx, id, to)
	if err != nil {
		return Session{}, err
	}
	if current.Status == to && to == StatusArchived {
		return current, nil
	}
	updated, err := m.store.SetStatus(ctx, current.ID, to, "", nil)
	if err != nil {
		return Session{}, err
	}
	m.logger.Info("session status changed",
		slog.String("session_id", updated.ID),
		slog.String("from", string(current.Status)),
		slog.String("to", string(to)),
	)
	return updated, nil
}

func (m *Manager) checkTransition(ctx context.Context, id string, to Status) (Session, error) {
	current, err := m.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if !CanTransition(current.Status, to) {
		return Session{}, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current.Status, to)
	}
	return current, nil
}

// RecentTurns returns up to n conversational turns, oldest first. System turns
// are excluded.
func (m *Manager) RecentTurns(ctx context.Context, sessionID string, n int) ([]Turn, error) {
	return m.store.RecentTurns(ctx, sessionID, n, false)
}

// Summary reports totals, duration, platform and the last turns of a session.
func (m *Manager) Summary(ctx context.Context, id string) (Summary, error) {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	turns, err := m.store.RecentTurns(ctx, sess.ID, SummaryTurns, true)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Session:           sess,
		FormattedSenderID: FormatSenderID(sess.Platform, sess.SenderID, sess.SenderName),
		TotalMessages:     sess.MessageCount,
		Duration:          humanDuration(sess.LastMessageAt.Sub(sess.CreatedAt)),
		Platform:          sess.Platform,
		RecentTurns:       turns,
	}, nil
}

// Stats counts a team's sessions; "today" and "this week" are computed in UTC
// with weeks starting on Monday.
func (m *Manager) Stats(ctx context.Context, teamID string) (Stats, error) {
	teamID = strings.TrimSpace(teamID)
	if teamID == "" {
		return Stats{}, fmt.Errorf("team id is required")
	}
	now := m.now().UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7
	weekStart := day.AddDate(0, 0, -offset)
	return m.store.Stats(ctx, teamID, day, weekStart, weekStart.AddDate(0, 0, 7))
}

// List returns one page of sessions, most recently active first.
func (m *Manager) List(ctx context.Context, filter Filter) (Page, error) {
	filter = filter.normalized()
	items, total, err := m.store.List(ctx, filter)
	if err != nil {
		return Page{}, err
	}
	return Page{Items: items, Total: total, Page: filter.Page, PageSize: filter.PageSize}, nil
}

var nonDigits = regexp.MustCompile(`[^0-9]`)

// FormatSenderID renders a sender id for operators: phone numbers for
// WhatsApp, @handles for Telegram.
func FormatSenderID(platform, senderID, senderName string) string {
	switch platform {
	case "whatsapp", "whatsapp_business":
		clean := nonDigits.ReplaceAllString(senderID, "")
		if len(clean) == 12 && strings.HasPrefix(clean, "62") {
			return "+62 " + clean[2:5] + "-" + clean[5:9] + "-" + clean[9:]
		}
		return "+" + clean
	case "telegram":
		if strings.TrimSpace(senderName) != "" {
			return "@" + senderName
		}
		return "@" + senderID
	default:
		return senderID
	}
}

func humanDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	plural := func(n int, unit string) string {
		if n == 1 {
			return fmt.Sprintf("1 %s", unit)
		}
		return fmt.Sprintf("%d %ss", n, unit)
	}
	switch {
	case d < time.Minute:
		return "less than a minute"
	case d < time.Hour:
		return plural(int(d/time.Minute), "minute")
	case d < 24*time.Hour:
		return plural(int(d/time.Hour), "hour")
	default:
		return plural(int(d/(24*time.Hour)), "day")
	}
}
