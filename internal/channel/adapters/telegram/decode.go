package telegram

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/chatgate/internal/channel"
)

// Metadata keys set on decoded Telegram messages.
const (
	MetaCallbackQueryID = "callback_query_id"
	MetaUpdateID        = "update_id"
	MetaUsername        = "username"
	MetaKind            = "kind"
)

// Decode parses one Bot API update. Messages (including edits and channel
// posts) and callback queries produce one InboundMessage; other update kinds
// produce none. The routing key is left empty: the bot token arrives outside
// the body.
func (a *TelegramAdapter) Decode(body []byte) ([]channel.InboundMessage, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, fmt.Errorf("decode telegram update: %w", err)
	}
	msg, ok := inboundFromUpdate(update)
	if !ok {
		return nil, nil
	}
	return []channel.InboundMessage{msg}, nil
}

func inboundFromUpdate(update tgbotapi.Update) (channel.InboundMessage, bool) {
	if update.CallbackQuery != nil {
		return inboundFromCallback(update.UpdateID, update.CallbackQuery)
	}
	for _, message := range []*tgbotapi.Message{update.Message, update.EditedMessage, update.ChannelPost} {
		if message != nil && message.Chat != nil {
			return inboundFromMessage(update.UpdateID, message), true
		}
	}
	return channel.InboundMessage{}, false
}

func inboundFromMessage(updateID int, message *tgbotapi.Message) channel.InboundMessage {
	chatID := strconv.FormatInt(message.Chat.ID, 10)
	msg := channel.InboundMessage{
		Channel:     Type,
		SenderID:    chatID,
		SenderName:  resolveTelegramSenderName(message.From, message.Chat),
		SenderKind:  senderKind(message.Chat),
		MessageID:   strconv.Itoa(message.MessageID),
		Text:        extractMessageContent(message),
		ReplyTarget: chatID,
		ReceivedAt:  message.Time().UTC(),
		Metadata: map[string]any{
			MetaUpdateID: strconv.Itoa(updateID),
			MetaKind:     "message",
		},
	}
	if message.Date == 0 {
		msg.ReceivedAt = time.Now().UTC()
	}
	if message.From != nil && strings.TrimSpace(message.From.UserName) != "" {
		msg.Metadata[MetaUsername] = strings.TrimSpace(message.From.UserName)
	}
	return msg
}

func inboundFromCallback(updateID int, query *tgbotapi.CallbackQuery) (channel.InboundMessage, bool) {
	if query.Message == nil || query.Message.Chat == nil {
		return channel.InboundMessage{}, false
	}
	chatID := strconv.FormatInt(query.Message.Chat.ID, 10)
	msg := channel.InboundMessage{
		Channel:     Type,
		SenderID:    chatID,
		SenderName:  resolveTelegramSenderName(query.From, query.Message.Chat),
		SenderKind:  senderKind(query.Message.Chat),
		Text:        strings.TrimSpace(query.Data),
		ReplyTarget: chatID,
		ReceivedAt:  time.Now().UTC(),
		Metadata: map[string]any{
			MetaUpdateID:        strconv.Itoa(updateID),
			MetaCallbackQueryID: query.ID,
			MetaKind:            "callback",
		},
	}
	if query.From != nil && strings.TrimSpace(query.From.UserName) != "" {
		msg.Metadata[MetaUsername] = strings.TrimSpace(query.From.UserName)
	}
	return msg, true
}

func senderKind(chat *tgbotapi.Chat) channel.SenderKind {
	if chat == nil {
		return channel.SenderUser
	}
	switch chat.Type {
	case "group", "supergroup":
		return channel.SenderGroup
	case "channel":
		return channel.SenderChannel
	default:
		return channel.SenderUser
	}
}

func resolveTelegramSenderName(from *tgbotapi.User, chat *tgbotapi.Chat) string {
	if from != nil {
		if name := strings.TrimSpace(from.FirstName + " " + from.LastName); name != "" {
			return name
		}
		if username := strings.TrimSpace(from.UserName); username != "" {
			return "@" + username
		}
	}
	if chat != nil {
		if title := strings.TrimSpace(chat.Title); title != "" {
			return title
		}
		if username := strings.TrimSpace(chat.UserName); username != "" {
			return "@" + username
		}
	}
	return ""
}

// extractMessageContent returns the text of a message or a placeholder
// describing its non-text content.
func extractMessageContent(message *tgbotapi.Message) string {
	switch {
	case message.Text != "":
		return message.Text
	case len(message.Photo) > 0:
		return withCaption("[Photo received]", message.Caption)
	case message.Document != nil:
		name := strings.TrimSpace(message.Document.FileName)
		if name == "" {
			name = "Unknown"
		}
		return withCaption("[Document received: "+name+"]", message.Caption)
	case message.Audio != nil:
		return "[Audio message received]"
	case message.Video != nil:
		return withCaption("[Video received]", message.Caption)
	case message.Voice != nil:
		return "[Voice message received]"
	case message.Location != nil:
		return fmt.Sprintf("[Location: %s, %s]", formatCoordinate(message.Location.Latitude), formatCoordinate(message.Location.Longitude))
	case message.Contact != nil:
		name := strings.TrimSpace(message.Contact.FirstName + " " + message.Contact.LastName)
		return strings.TrimSpace(fmt.Sprintf("[Contact shared: %s %s", name, message.Contact.PhoneNumber)) + "]"
	default:
		return "[Unsupported message type]"
	}
}

func withCaption(placeholder, caption string) string {
	caption = strings.TrimSpace(caption)
	if caption == "" {
		return placeholder
	}
	return placeholder + " Caption: " + caption
}

func formatCoordinate(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
