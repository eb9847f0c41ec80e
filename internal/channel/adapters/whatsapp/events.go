package whatsapp

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/memohai/chatgate/internal/channel"
)

const (
	metaChatJID   = "chat_jid"
	metaSenderJID = "sender_jid"
	metaPushName  = "push_name"
)

func (s *deviceSession) handleEvent(raw any) {
	switch evt := raw.(type) {
	case *events.Message:
		s.handleMessage(evt)
	case *events.Connected:
		s.logger.Info("device online")
	case *events.Disconnected:
		s.logger.Warn("device disconnected, waiting for auto reconnect")
	case *events.PairSuccess:
		s.logger.Info("device paired", slog.String("jid", evt.ID.String()))
	case *events.LoggedOut:
		s.logger.Warn("device logged out", slog.String("reason", evt.Reason.String()))
		s.conn.MarkStopped()
	case *events.StreamReplaced:
		s.logger.Warn("session replaced by another client")
		s.conn.MarkStopped()
	case *events.TemporaryBan:
		s.logger.Error("device temporarily banned", slog.String("ban", evt.String()))
	}
}

func (s *deviceSession) handleMessage(evt *events.Message) {
	msg, ok := inboundFromEvent(s.integration, evt)
	if !ok {
		return
	}
	// whatsmeow delivers events sequentially; replies must not block the stream.
	go func() {
		if err := s.handler(s.ctx, s.integration, msg); err != nil {
			s.logger.Error("handle inbound message failed",
				slog.String("message_id", msg.MessageID),
				slog.Any("error", err),
			)
		}
	}()
}

// inboundFromEvent converts a message event. Own messages, status broadcasts
// and events without content are skipped.
func inboundFromEvent(integration channel.Integration, evt *events.Message) (channel.InboundMessage, bool) {
	if evt == nil || evt.Message == nil {
		return channel.InboundMessage{}, false
	}
	info := evt.Info
	if info.IsFromMe || info.Chat.Server == types.BroadcastServer {
		return channel.InboundMessage{}, false
	}
	text := messageText(evt.Message)
	if text == "" {
		return channel.InboundMessage{}, false
	}
	kind := channel.SenderUser
	if info.IsGroup {
		kind = channel.SenderGroup
	}
	routingKey := strings.TrimSpace(integration.RoutingKey)
	if routingKey == "" {
		routingKey = integration.ID
	}
	return channel.InboundMessage{
		Channel:     Type,
		SenderID:    info.Sender.User,
		SenderName:  info.PushName,
		SenderKind:  kind,
		MessageID:   string(info.ID),
		Text:        text,
		RoutingKey:  routingKey,
		ReplyTarget: info.Chat.String(),
		ReceivedAt:  info.Timestamp.UTC(),
		Metadata: map[string]any{
			metaChatJID:   info.Chat.String(),
			metaSenderJID: info.Sender.String(),
			metaPushName:  info.PushName,
		},
	}, true
}

// messageText returns the text of a message or a placeholder describing
// non-text content, using the same vocabulary as the Cloud API adapter.
func messageText(m *waE2E.Message) string {
	switch {
	case m.Conversation != nil:
		return m.GetConversation()
	case m.ExtendedTextMessage != nil:
		return m.GetExtendedTextMessage().GetText()
	case m.ImageMessage != nil:
		return withCaption("[Image received]", m.GetImageMessage().GetCaption())
	case m.DocumentMessage != nil:
		doc := m.GetDocumentMessage()
		name := strings.TrimSpace(doc.GetFileName())
		if name == "" {
			name = "Unknown"
		}
		return withCaption(fmt.Sprintf("[Document received: %s]", name), doc.GetCaption())
	case m.AudioMessage != nil:
		return "[Audio message received]"
	case m.VideoMessage != nil:
		return withCaption("[Video received]", m.GetVideoMessage().GetCaption())
	case m.StickerMessage != nil:
		return "[Sticker received]"
	case m.LocationMessage != nil:
		loc := m.GetLocationMessage()
		return formatLocation(loc.GetDegreesLatitude(), loc.GetDegreesLongitude())
	case m.LiveLocationMessage != nil:
		loc := m.GetLiveLocationMessage()
		return formatLocation(loc.GetDegreesLatitude(), loc.GetDegreesLongitude())
	case m.ContactMessage != nil:
		return fmt.Sprintf("[Contact shared: %s]", m.GetContactMessage().GetDisplayName())
	case m.ButtonsResponseMessage != nil:
		return m.GetButtonsResponseMessage().GetSelectedDisplayText()
	case m.ListResponseMessage != nil:
		return m.GetListResponseMessage().GetTitle()
	case m.ReactionMessage != nil, m.ProtocolMessage != nil, m.SenderKeyDistributionMessage != nil:
		return ""
	default:
		return "[Unsupported message type]"
	}
}

func withCaption(placeholder, caption string) string {
	if strings.TrimSpace(caption) == "" {
		return placeholder
	}
	return placeholder + " Caption: " + caption
}

func formatLocation(lat, lng float64) string {
	return fmt.Sprintf("[Location: %s, %s]",
		strconv.FormatFloat(lat, 'f', -1, 64),
		strconv.FormatFloat(lng, 'f', -1, 64))
}

// parseJID accepts a full JID or a bare phone number, which is addressed on
// the default user server.
func parseJID(raw string) (types.JID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return types.JID{}, fmt.Errorf("whatsapp target is required")
	}
	if strings.Contains(raw, "@") {
		return types.ParseJID(raw)
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)
	if len(digits) < 7 {
		return types.JID{}, fmt.Errorf("invalid whatsapp number %q", raw)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
