// Package session tracks one conversation per (integration, external sender)
// pair: its status, assigned agent, activity counters and the append-only
// turn log.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session status transition")
	// errDuplicate is returned by stores when a concurrent insert won.
	errDuplicate = errors.New("session already exists")
)

// Status is the conversation state.
type Status string

const (
	StatusActive    Status = "active"
	StatusEscalated Status = "escalated"
	StatusResolved  Status = "resolved"
	StatusArchived  Status = "archived"
)

// ParseStatus validates a status string.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusActive, StatusEscalated, StatusResolved, StatusArchived:
		return s, nil
	default:
		return "", fmt.Errorf("unknown session status %q", raw)
	}
}

// CanTransition reports whether an operator may move a session from one
// status to another. Archived sessions are terminal; archiving again is a
// no-op. Every other pair is allowed, including re-escalation.
func CanTransition(from, to Status) bool {
	if from == StatusArchived {
		return to == StatusArchived
	}
	switch to {
	case StatusActive, StatusEscalated, StatusResolved, StatusArchived:
		return true
	default:
		return false
	}
}

// SenderSystem marks turns written by the gateway itself.
const SenderSystem = "system"

// Session is one conversation.
type Session struct {
	ID            string         `json:"id"`
	IntegrationID string         `json:"integration_id"`
	TeamID        string         `json:"team_id,omitempty"`
	Platform      string         `json:"platform,omitempty"`
	SenderID      string         `json:"sender_id"`
	SenderName    string         `json:"sender_name,omitempty"`
	SenderType    string         `json:"sender_type"`
	Status        Status         `json:"status"`
	AgentID       string         `json:"agent_id,omitempty"`
	LastMessageAt time.Time      `json:"last_message_at"`
	MessageCount  int            `json:"message_count"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Turn is one inbound message and the reply it produced.
type Turn struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id"`
	IntegrationID     string    `json:"integration_id"`
	Sender            string    `json:"sender"`
	Message           string    `json:"message"`
	Response          string    `json:"response"`
	ExternalMessageID string    `json:"external_message_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// IsSystem reports whether the turn was written by the gateway.
func (t Turn) IsSystem() bool {
	return t.Sender == SenderSystem
}

// Metadata describes the sender when a session is first created.
type Metadata struct {
	SenderName string
	SenderType string
	Extra      map[string]any
}

// Filter selects sessions for listing.
type Filter struct {
	TeamID        string
	Status        Status
	IntegrationID string
	AgentID       string
	Search        string
	Page          int
	PageSize      int
}

// DefaultPageSize is the listing page size when none is requested.
const DefaultPageSize = 20

func (f Filter) normalized() Filter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > 100 {
		f.PageSize = 100
	}
	f.Search = strings.TrimSpace(f.Search)
	return f
}

// Page is one page of a session listing.
type Page struct {
	Items    []Session `json:"items"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
}

// Summary is the operator view of one session.
type Summary struct {
	Session           Session `json:"session"`
	FormattedSenderID string  `json:"formatted_sender_id"`
	TotalMessages     int     `json:"total_messages"`
	Duration          string  `json:"duration"`
	Platform          string  `json:"platform"`
	RecentTurns       []Turn  `json:"recent_turns"`
}

// Stats are per-team session counters.
type Stats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Escalated int `json:"escalated"`
	Today     int `json:"today"`
	ThisWeek  int `json:"this_week"`
}
