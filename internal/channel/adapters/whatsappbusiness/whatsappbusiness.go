// Package whatsappbusiness implements the WhatsApp Business Cloud API adapter.
package whatsappbusiness

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/channel/adapters/meta"
	"github.com/memohai/chatgate/internal/markup"
)

// Type is the registered channel type of the adapter.
const Type = channel.TypeWhatsAppBusiness

const maxTextLength = 4096

// Adapter decodes Cloud API webhooks and replies through the Graph API.
type Adapter struct {
	graph  *meta.GraphClient
	logger *slog.Logger
}

// NewAdapter creates the WhatsApp Business adapter.
func NewAdapter(log *slog.Logger, graph *meta.GraphClient) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if graph == nil {
		graph = meta.NewGraphClient(nil, "", "")
	}
	return &Adapter{
		graph:  graph,
		logger: log.With(slog.String("adapter", Type.String())),
	}
}

func (a *Adapter) Type() channel.ChannelType {
	return Type
}

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:          Type,
		DisplayName:   "WhatsApp Business",
		Capabilities:  channel.Capabilities{Webhook: true, Markdown: true},
		WebhookPath:   "whatsapp-business",
		MaxTextLength: maxTextLength,
	}
}

// Batch levels stay raw so one malformed element is skipped without losing
// the rest of the delivery.
type webhookPayload struct {
	Object string            `json:"object"`
	Entry  []json.RawMessage `json:"entry"`
}

type webhookEntry struct {
	ID      string            `json:"id"`
	Changes []json.RawMessage `json:"changes"`
}

type webhookChange struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

type changeValue struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []json.RawMessage `json:"messages"`
	Statuses []struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		RecipientID string `json:"recipient_id"`
	} `json:"statuses"`
}

type media struct {
	ID       string `json:"id"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
}

type message struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *media `json:"image"`
	Document *media `json:"document"`
	Audio    *media `json:"audio"`
	Voice    *media `json:"voice"`
	Video    *media `json:"video"`
	Sticker  *media `json:"sticker"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Name      string  `json:"name"`
	} `json:"location"`
	Button *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
}

// Decode extracts messages from every "messages" change of a webhook batch.
// Status updates are logged and otherwise ignored. Malformed entries, changes
// or messages are skipped; only a body that is not a JSON object fails.
func (a *Adapter) Decode(body []byte) ([]channel.InboundMessage, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode whatsapp business webhook: %w", err)
	}
	out := make([]channel.InboundMessage, 0)
	for _, rawEntry := range payload.Entry {
		var entry webhookEntry
		if !a.unmarshalPart("entry", rawEntry, &entry) {
			continue
		}
		for _, rawChange := range entry.Changes {
			var change webhookChange
			if !a.unmarshalPart("change", rawChange, &change) || change.Field != "messages" {
				continue
			}
			var value changeValue
			if !a.unmarshalPart("change value", change.Value, &value) {
				continue
			}
			out = append(out, a.decodeValue(value)...)
		}
	}
	return out, nil
}

func (a *Adapter) decodeValue(value changeValue) []channel.InboundMessage {
	phoneNumberID := strings.TrimSpace(value.Metadata.PhoneNumberID)
	for _, status := range value.Statuses {
		a.logger.Debug("message status",
			slog.String("phone_number_id", phoneNumberID),
			slog.String("message_id", status.ID),
			slog.String("status", status.Status),
		)
	}
	if phoneNumberID == "" {
		return nil
	}
	names := make(map[string]string, len(value.Contacts))
	for _, contact := range value.Contacts {
		names[contact.WaID] = contact.Profile.Name
	}
	var out []channel.InboundMessage
	for _, raw := range value.Messages {
		var m message
		if !a.unmarshalPart("message", raw, &m) || strings.TrimSpace(m.From) == "" {
			continue
		}
		text := messageText(m)
		if text == "" {
			continue
		}
		out = append(out, channel.InboundMessage{
			Channel:    Type,
			SenderID:   m.From,
			SenderName: names[m.From],
			SenderKind: channel.SenderUser,
			MessageID:  m.ID,
			Text:       text,
			RoutingKey: phoneNumberID,
			ReceivedAt: parseTimestamp(m.Timestamp),
			Metadata:   map[string]any{"message_type": m.Type},
		})
	}
	return out
}

func (a *Adapter) unmarshalPart(part string, raw json.RawMessage, v any) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		a.logger.Warn("skipping malformed webhook "+part, slog.Any("error", err))
		return false
	}
	return true
}

func messageText(m message) string {
	switch m.Type {
	case "text":
		if m.Text == nil {
			return ""
		}
		return m.Text.Body
	case "image":
		return withCaption("[Image received]", m.Image)
	case "document":
		name := "Unknown"
		if m.Document != nil && strings.TrimSpace(m.Document.Filename) != "" {
			name = m.Document.Filename
		}
		return withCaption(fmt.Sprintf("[Document received: %s]", name), m.Document)
	case "audio", "voice":
		return "[Audio message received]"
	case "video":
		return withCaption("[Video received]", m.Video)
	case "sticker":
		return "[Sticker received]"
	case "location":
		if m.Location == nil {
			return "[Location received]"
		}
		return fmt.Sprintf("[Location: %s, %s]",
			strconv.FormatFloat(m.Location.Latitude, 'f', -1, 64),
			strconv.FormatFloat(m.Location.Longitude, 'f', -1, 64))
	case "button":
		if m.Button != nil && m.Button.Text != "" {
			return m.Button.Text
		}
		return "[Interactive message]"
	case "interactive":
		if m.Interactive != nil {
			if r := m.Interactive.ButtonReply; r != nil && r.Title != "" {
				return r.Title
			}
			if r := m.Interactive.ListReply; r != nil && r.Title != "" {
				return r.Title
			}
		}
		return "[Interactive message]"
	default:
		return fmt.Sprintf("[Unsupported message type: %s]", m.Type)
	}
}

func withCaption(placeholder string, m *media) string {
	if m == nil || strings.TrimSpace(m.Caption) == "" {
		return placeholder
	}
	return placeholder + " Caption: " + m.Caption
}

func parseTimestamp(raw string) time.Time {
	secs, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || secs <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}

type textRequest struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Context          *struct {
		MessageID string `json:"message_id"`
	} `json:"context,omitempty"`
	Text struct {
		PreviewURL bool   `json:"preview_url"`
		Body       string `json:"body"`
	} `json:"text"`
}

type readRequest struct {
	MessagingProduct string `json:"messaging_product"`
	Status           string `json:"status"`
	MessageID        string `json:"message_id"`
}

// Send posts a text message from the integration's phone number.
func (a *Adapter) Send(ctx context.Context, integration channel.Integration, msg channel.OutboundMessage) error {
	to := strings.TrimSpace(msg.Target)
	if to == "" {
		return fmt.Errorf("whatsapp recipient is required")
	}
	if strings.TrimSpace(msg.Text) == "" {
		return fmt.Errorf("message is required")
	}
	phoneNumberID, token, err := credentials(integration)
	if err != nil {
		return err
	}
	req := textRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
	}
	req.Text.Body = msg.Text
	if replyTo := strings.TrimSpace(msg.ReplyTo); replyTo != "" {
		req.Context = &struct {
			MessageID string `json:"message_id"`
		}{MessageID: replyTo}
	}
	if _, err := a.graph.PostJSON(ctx, phoneNumberID+"/messages", token, nil, req); err != nil {
		a.logger.Error("send message failed", slog.String("integration_id", integration.ID), slog.Any("error", err))
		return err
	}
	return nil
}

// Acknowledge marks an inbound message as read.
func (a *Adapter) Acknowledge(ctx context.Context, integration channel.Integration, msg channel.InboundMessage) error {
	if strings.TrimSpace(msg.MessageID) == "" {
		return nil
	}
	phoneNumberID, token, err := credentials(integration)
	if err != nil {
		return err
	}
	req := readRequest{MessagingProduct: "whatsapp", Status: "read", MessageID: msg.MessageID}
	if _, err := a.graph.PostJSON(ctx, phoneNumberID+"/messages", token, nil, req); err != nil {
		return fmt.Errorf("mark as read: %w", err)
	}
	return nil
}

// Format converts generic markdown to WhatsApp formatting.
func (a *Adapter) Format(text string) string {
	return markup.ToWhatsApp(text)
}

func credentials(integration channel.Integration) (string, string, error) {
	phoneNumberID := strings.TrimSpace(integration.RoutingKey)
	if phoneNumberID == "" {
		phoneNumberID = channel.ReadString(integration.Settings, "phone_number_id")
	}
	if phoneNumberID == "" {
		return "", "", fmt.Errorf("whatsapp business phone number id is missing")
	}
	token := strings.TrimSpace(integration.AccessToken)
	if token == "" {
		return "", "", fmt.Errorf("whatsapp business access token is missing")
	}
	return phoneNumberID, token, nil
}
