// Package responder builds the prompt for an inbound message and turns the
// model's answer into a platform-ready reply.
package responder

import (
	"context"
	"log/slog"
	"strings"

	"github.com/memohai/chatgate/internal/bots"
	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/chat"
	"github.com/memohai/chatgate/internal/knowledge"
	"github.com/memohai/chatgate/internal/session"
)

// Apology replaces the reply whenever generation fails.
const Apology = "Sorry, I encountered an error. Please try again."

// DefaultHistoryTurns is how many prior turns are replayed to the model.
const DefaultHistoryTurns = 5

// TestProbe is the fixed message used to check a team's model settings.
const TestProbe = `Say "Hello, this is a test!" if you can read this message.`

// Retriever finds knowledge relevant to a message.
type Retriever interface {
	Retrieve(ctx context.Context, botID, teamID, query string, k int) []knowledge.Snippet
}

// Completer runs a chat completion with a team's model settings.
type Completer interface {
	Chat(ctx context.Context, teamID string, messages []chat.Message) (chat.Result, error)
}

// Options size the prompt.
type Options struct {
	TopK         int
	HistoryTurns int
}

// Request is one reply to generate.
type Request struct {
	Bot bots.Bot
	// TeamID defaults to the bot's team.
	TeamID string
	Text   string
	// History is oldest first; only the most recent turns are used.
	History   []session.Turn
	Formatter channel.Formatter
}

type Generator struct {
	retriever Retriever
	completer Completer
	opts      Options
	logger    *slog.Logger
}

func NewGenerator(log *slog.Logger, retriever Retriever, completer Completer, opts Options) *Generator {
	if log == nil {
		log = slog.Default()
	}
	if opts.TopK <= 0 {
		opts.TopK = knowledge.DefaultTopK
	}
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = DefaultHistoryTurns
	}
	return &Generator{
		retriever: retriever,
		completer: completer,
		opts:      opts,
		logger:    log.With(slog.String("service", "responder")),
	}
}

// Generate returns the reply for req. It never fails: backend errors yield
// Apology.
func (g *Generator) Generate(ctx context.Context, req Request) string {
	teamID := strings.TrimSpace(req.TeamID)
	if teamID == "" {
		teamID = req.Bot.TeamID
	}
	snippets := g.retriever.Retrieve(ctx, req.Bot.ID, teamID, req.Text, g.opts.TopK)
	messages := BuildMessages(req.Bot.Prompt, snippets, lastTurns(req.History, g.opts.HistoryTurns), req.Text)

	result, err := g.completer.Chat(ctx, teamID, messages)
	if err != nil {
		g.logger.Error("generate response failed",
			slog.String("bot_id", req.Bot.ID),
			slog.String("team_id", teamID),
			slog.Any("error", err),
		)
		return Apology
	}
	reply := result.Message.Content
	if req.Formatter != nil {
		reply = req.Formatter.Format(reply)
	}
	return reply
}

// Test sends TestProbe with the team's settings and returns the raw answer.
func (g *Generator) Test(ctx context.Context, teamID string) (string, error) {
	result, err := g.completer.Chat(ctx, teamID, []chat.Message{{Role: chat.RoleUser, Content: TestProbe}})
	if err != nil {
		return "", err
	}
	return result.Message.Content, nil
}

// BuildMessages assembles the completion input: the bot prompt with any
// knowledge appended, each prior turn as a user/assistant pair, then text.
func BuildMessages(prompt string, snippets []knowledge.Snippet, history []session.Turn, text string) []chat.Message {
	var system strings.Builder
	system.WriteString(prompt)
	if len(snippets) > 0 {
		system.WriteString("\n\nRelevant knowledge:\n")
		for _, s := range snippets {
			system.WriteString(s.Text)
			system.WriteString("\n\n")
		}
	}
	messages := make([]chat.Message, 0, 2+2*len(history))
	messages = append(messages, chat.Message{Role: chat.RoleSystem, Content: system.String()})
	for _, turn := range history {
		messages = append(messages,
			chat.Message{Role: chat.RoleUser, Content: turn.Message},
			chat.Message{Role: chat.RoleAssistant, Content: turn.Response},
		)
	}
	return append(messages, chat.Message{Role: chat.RoleUser, Content: text})
}

func lastTurns(history []session.Turn, n int) []session.Turn {
	if n <= 0 {
		return nil
	}
	if len(history) > n {
		return history[len(history)-n:]
	}
	return history
}
