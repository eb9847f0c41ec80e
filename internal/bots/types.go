package bots

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("bot not found")
	// ErrNoBotBound means the integration has no bot to answer with.
	ErrNoBotBound = errors.New("no bot bound to integration")
	// ErrAlreadyBound means another bot already serves the integration.
	ErrAlreadyBound = errors.New("integration already has a bot")
)

// Bot represents a bot entity.
type Bot struct {
	ID            string    `json:"id"`
	TeamID        string    `json:"team_id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Prompt        string    `json:"prompt"`
	IntegrationID string    `json:"integration_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// BindRequest is the input for binding a bot to an integration.
type BindRequest struct {
	BotID string `json:"bot_id" validate:"required"`
}
