// Package chat calls OpenAI-compatible chat completion backends with a
// team's model configuration.
package chat

import "errors"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	ErrMissingAPIKey = errors.New("ai api key not configured for this team")
	ErrEmptyResponse = errors.New("model returned no content")
)

// Message represents a chat message
type Message struct {
	Role    string `json:"role"` // user, assistant, system
	Content string `json:"content"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Request is the internal request structure
type Request struct {
	Messages  []Message
	Model     string
	MaxTokens int
}

// Result is the internal result structure
type Result struct {
	Message      Message
	Model        string
	Provider     string
	FinishReason string
	Usage        Usage
}
