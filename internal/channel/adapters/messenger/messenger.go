// Package messenger implements the Messenger Platform adapter. Instagram
// direct messages travel over the same API and share the implementation.
package messenger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/channel/adapters/meta"
	"github.com/memohai/chatgate/internal/markup"
)

// Adapter serves either Messenger or Instagram.
type Adapter struct {
	channelType channel.ChannelType
	displayName string
	graph       *meta.GraphClient
	logger      *slog.Logger
}

// NewMessengerAdapter creates the Messenger adapter.
func NewMessengerAdapter(log *slog.Logger, graph *meta.GraphClient) *Adapter {
	return newAdapter(log, graph, channel.TypeMessenger, "Messenger")
}

// NewInstagramAdapter creates the Instagram adapter.
func NewInstagramAdapter(log *slog.Logger, graph *meta.GraphClient) *Adapter {
	return newAdapter(log, graph, channel.TypeInstagram, "Instagram")
}

func newAdapter(log *slog.Logger, graph *meta.GraphClient, channelType channel.ChannelType, displayName string) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if graph == nil {
		graph = meta.NewGraphClient(nil, "", "")
	}
	return &Adapter{
		channelType: channelType,
		displayName: displayName,
		graph:       graph,
		logger:      log.With(slog.String("adapter", channelType.String())),
	}
}

func (a *Adapter) Type() channel.ChannelType {
	return a.channelType
}

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:          a.channelType,
		DisplayName:   a.displayName,
		Capabilities:  channel.Capabilities{Webhook: true},
		WebhookPath:   a.channelType.String(),
		MaxTextLength: 2000,
	}
}

// Entries and events stay raw so a malformed one is skipped on its own.
type webhookPayload struct {
	Object string            `json:"object"`
	Entry  []json.RawMessage `json:"entry"`
}

type webhookEntry struct {
	ID        string            `json:"id"`
	Messaging []json.RawMessage `json:"messaging"`
}

type messagingEvent struct {
	Sender    idRef `json:"sender"`
	Recipient idRef `json:"recipient"`
	Timestamp int64 `json:"timestamp"`
	Message   *struct {
		MID         string       `json:"mid"`
		Text        string       `json:"text"`
		IsEcho      bool         `json:"is_echo"`
		Attachments []attachment `json:"attachments"`
		QuickReply  *struct {
			Payload string `json:"payload"`
		} `json:"quick_reply"`
	} `json:"message"`
	Postback *struct {
		Title   string `json:"title"`
		Payload string `json:"payload"`
		MID     string `json:"mid"`
	} `json:"postback"`
}

type idRef struct {
	ID string `json:"id"`
}

type attachment struct {
	Type string `json:"type"`
}

// Decode extracts user messages and postbacks from a webhook batch. Echoes of
// the page's own messages, reads and deliveries are skipped, as are entries
// and events that do not parse.
func (a *Adapter) Decode(body []byte) ([]channel.InboundMessage, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode %s webhook: %w", a.channelType, err)
	}
	out := make([]channel.InboundMessage, 0)
	for _, rawEntry := range payload.Entry {
		var entry webhookEntry
		if err := json.Unmarshal(rawEntry, &entry); err != nil {
			a.logger.Warn("skipping malformed webhook entry", slog.Any("error", err))
			continue
		}
		for _, rawEvent := range entry.Messaging {
			var event messagingEvent
			if err := json.Unmarshal(rawEvent, &event); err != nil {
				a.logger.Warn("skipping malformed messaging event", slog.String("entry_id", entry.ID), slog.Any("error", err))
				continue
			}
			msg, ok := a.inboundFromEvent(entry.ID, event)
			if !ok {
				continue
			}
			out = append(out, msg)
		}
	}
	return out, nil
}

func (a *Adapter) inboundFromEvent(entryID string, event messagingEvent) (channel.InboundMessage, bool) {
	senderID := strings.TrimSpace(event.Sender.ID)
	if senderID == "" {
		return channel.InboundMessage{}, false
	}
	routingKey := strings.TrimSpace(event.Recipient.ID)
	if routingKey == "" {
		routingKey = strings.TrimSpace(entryID)
	}
	msg := channel.InboundMessage{
		Channel:    a.channelType,
		SenderID:   senderID,
		SenderKind: channel.SenderUser,
		RoutingKey: routingKey,
		ReceivedAt: time.Now().UTC(),
		Metadata:   map[string]any{},
	}
	if event.Timestamp > 0 {
		msg.ReceivedAt = time.UnixMilli(event.Timestamp).UTC()
	}
	switch {
	case event.Message != nil:
		if event.Message.IsEcho {
			return channel.InboundMessage{}, false
		}
		msg.MessageID = event.Message.MID
		msg.Text = messageText(event.Message.Text, event.Message.Attachments)
		if event.Message.QuickReply != nil {
			msg.Metadata["quick_reply_payload"] = event.Message.QuickReply.Payload
		}
	case event.Postback != nil:
		msg.MessageID = event.Postback.MID
		msg.Text = strings.TrimSpace(event.Postback.Title)
		if msg.Text == "" {
			msg.Text = strings.TrimSpace(event.Postback.Payload)
		}
		msg.Metadata["postback_payload"] = event.Postback.Payload
	default:
		return channel.InboundMessage{}, false
	}
	if msg.Text == "" {
		return channel.InboundMessage{}, false
	}
	return msg, true
}

func messageText(text string, attachments []attachment) string {
	if strings.TrimSpace(text) != "" {
		return text
	}
	if len(attachments) == 0 {
		return ""
	}
	switch attachments[0].Type {
	case "image":
		return "[Image received]"
	case "video":
		return "[Video received]"
	case "audio":
		return "[Audio message received]"
	case "file":
		return "[File received]"
	case "location":
		return "[Location received]"
	default:
		return fmt.Sprintf("[Attachment received: %s]", attachments[0].Type)
	}
}

type sendRequest struct {
	Recipient     idRef  `json:"recipient"`
	MessagingType string `json:"messaging_type"`
	Message       struct {
		Text string `json:"text"`
	} `json:"message"`
}

// Send posts a text reply to /me/messages with the page access token.
func (a *Adapter) Send(ctx context.Context, integration channel.Integration, msg channel.OutboundMessage) error {
	target := strings.TrimSpace(msg.Target)
	if target == "" {
		return fmt.Errorf("%s recipient is required", a.channelType)
	}
	if strings.TrimSpace(msg.Text) == "" {
		return fmt.Errorf("message is required")
	}
	token := strings.TrimSpace(integration.AccessToken)
	if token == "" {
		return fmt.Errorf("%s page access token is missing", a.channelType)
	}
	var req sendRequest
	req.Recipient.ID = target
	req.MessagingType = "RESPONSE"
	req.Message.Text = msg.Text
	if _, err := a.graph.PostJSON(ctx, "me/messages", "", url.Values{"access_token": {token}}, req); err != nil {
		a.logger.Error("send message failed", slog.String("integration_id", integration.ID), slog.Any("error", err))
		return err
	}
	return nil
}

// Format strips markdown; neither platform renders it.
func (a *Adapter) Format(text string) string {
	return markup.ToPlain(text)
}
