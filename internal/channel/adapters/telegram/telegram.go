package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/markup"
)

// Type is the registered channel type of the Telegram adapter.
const Type = channel.TypeTelegram

const telegramMaxMessageLength = 4096

// tgbotapi keeps a package-global logger.
var botLoggerOnce sync.Once

// TelegramAdapter implements channel.Adapter, Decoder, Sender, Formatter,
// ReceiptAcknowledger and WebhookRegistrar for Telegram bots.
type TelegramAdapter struct {
	logger      *slog.Logger
	client      *http.Client
	apiEndpoint string
	mu          sync.RWMutex
	bots        map[string]*tgbotapi.BotAPI // keyed by bot token
}

// Option configures a TelegramAdapter.
type Option func(*TelegramAdapter)

// WithHTTPClient sets the client used for Bot API calls.
func WithHTTPClient(client *http.Client) Option {
	return func(a *TelegramAdapter) {
		if client != nil {
			a.client = client
		}
	}
}

// WithAPIEndpoint overrides the Bot API endpoint format ("<base>/bot%s/%s").
func WithAPIEndpoint(endpoint string) Option {
	return func(a *TelegramAdapter) {
		if strings.TrimSpace(endpoint) != "" {
			a.apiEndpoint = endpoint
		}
	}
}

// NewTelegramAdapter creates a TelegramAdapter with the given logger.
func NewTelegramAdapter(log *slog.Logger, opts ...Option) *TelegramAdapter {
	if log == nil {
		log = slog.Default()
	}
	adapter := &TelegramAdapter{
		logger:      log.With(slog.String("adapter", "telegram")),
		client:      &http.Client{},
		apiEndpoint: tgbotapi.APIEndpoint,
		bots:        make(map[string]*tgbotapi.BotAPI),
	}
	for _, opt := range opts {
		opt(adapter)
	}
	botLoggerOnce.Do(func() {
		_ = tgbotapi.SetLogger(&slogBotLogger{log: adapter.logger})
	})
	return adapter
}

// Type returns the Telegram channel type.
func (a *TelegramAdapter) Type() channel.ChannelType {
	return Type
}

// Descriptor returns the Telegram channel metadata.
func (a *TelegramAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Telegram",
		Capabilities: channel.Capabilities{
			Webhook:  true,
			Markdown: true,
		},
		WebhookPath:   "telegram",
		MaxTextLength: telegramMaxMessageLength,
	}
}

// BotToken returns the token of a Telegram integration. The token doubles as
// the routing key, so the access token column is only a fallback.
func BotToken(integration channel.Integration) string {
	if token := strings.TrimSpace(integration.RoutingKey); token != "" {
		return token
	}
	return strings.TrimSpace(integration.AccessToken)
}

func (a *TelegramAdapter) getOrCreateBot(token, integrationID string) (*tgbotapi.BotAPI, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	a.mu.RLock()
	bot, ok := a.bots[token]
	a.mu.RUnlock()
	if ok {
		return bot, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if bot, ok := a.bots[token]; ok {
		return bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, a.apiEndpoint, a.client)
	if err != nil {
		a.logger.Error("create bot failed", slog.String("integration_id", integrationID), slog.Any("error", err))
		return nil, err
	}
	a.bots[token] = bot
	return bot, nil
}

// Send delivers a text reply to a chat id or @channel username.
func (a *TelegramAdapter) Send(ctx context.Context, integration channel.Integration, msg channel.OutboundMessage) error {
	to := strings.TrimSpace(msg.Target)
	if to == "" {
		return fmt.Errorf("telegram target is required")
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return fmt.Errorf("message is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := a.getOrCreateBot(BotToken(integration), integration.ID)
	if err != nil {
		return err
	}
	replyTo := parseReplyToMessageID(msg.ReplyTo)
	err = sendTelegramText(bot, to, text, replyTo, tgbotapi.ModeMarkdown)
	if err != nil && isTelegramParseError(err) {
		// Model output occasionally contains unbalanced markers.
		a.logger.Warn("markdown rejected, resending as plain text", slog.String("integration_id", integration.ID))
		err = sendTelegramText(bot, to, text, replyTo, "")
	}
	if err != nil {
		a.logger.Error("send message failed", slog.String("integration_id", integration.ID), slog.Any("error", err))
		return err
	}
	return nil
}

// Format converts generic markdown to Telegram legacy Markdown.
func (a *TelegramAdapter) Format(text string) string {
	return markup.ToTelegram(text)
}

// Acknowledge answers callback queries so the client stops its spinner.
func (a *TelegramAdapter) Acknowledge(ctx context.Context, integration channel.Integration, msg channel.InboundMessage) error {
	queryID := msg.Meta(MetaCallbackQueryID)
	if queryID == "" {
		return nil
	}
	bot, err := a.getOrCreateBot(BotToken(integration), integration.ID)
	if err != nil {
		return err
	}
	if _, err := bot.Request(tgbotapi.NewCallback(queryID, "")); err != nil {
		return fmt.Errorf("answer callback query: %w", err)
	}
	return nil
}

// RegisterWebhook points the bot at url, subscribing to messages and callback
// queries and dropping the pending backlog. The integration verify token is
// registered as the secret echoed in X-Telegram-Bot-Api-Secret-Token.
func (a *TelegramAdapter) RegisterWebhook(ctx context.Context, integration channel.Integration, url string) error {
	if strings.TrimSpace(url) == "" {
		return fmt.Errorf("webhook url is required")
	}
	bot, err := a.getOrCreateBot(BotToken(integration), integration.ID)
	if err != nil {
		return err
	}
	params := tgbotapi.Params{}
	params["url"] = url
	params.AddBool("drop_pending_updates", true)
	params.AddNonEmpty("secret_token", strings.TrimSpace(integration.VerifyToken))
	if err := params.AddInterface("allowed_updates", []string{"message", "callback_query"}); err != nil {
		return err
	}
	if _, err := bot.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	a.logger.Info("webhook registered", slog.String("integration_id", integration.ID), slog.String("url", url))
	return nil
}

// DeleteWebhook removes the bot webhook.
func (a *TelegramAdapter) DeleteWebhook(ctx context.Context, integration channel.Integration) error {
	bot, err := a.getOrCreateBot(BotToken(integration), integration.ID)
	if err != nil {
		return err
	}
	if _, err := bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	a.logger.Info("webhook deleted", slog.String("integration_id", integration.ID))
	return nil
}

func parseReplyToMessageID(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return value
}

func sendTelegramText(bot *tgbotapi.BotAPI, target string, text string, replyTo int, parseMode string) error {
	text = truncateTelegramText(sanitizeTelegramText(text))
	var message tgbotapi.MessageConfig
	if strings.HasPrefix(target, "@") {
		message = tgbotapi.NewMessageToChannel(target, text)
	} else {
		chatID, err := strconv.ParseInt(target, 10, 64)
		if err != nil {
			return fmt.Errorf("telegram target must be @username or chat_id")
		}
		message = tgbotapi.NewMessage(chatID, text)
	}
	message.ParseMode = parseMode
	if replyTo > 0 {
		message.ReplyToMessageID = replyTo
	}
	_, err := bot.Send(message)
	return err
}

func isTelegramParseError(err error) bool {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(apiErr.Message), "can't parse entities")
}

// sanitizeTelegramText ensures text is valid UTF-8 for the Telegram API.
func sanitizeTelegramText(text string) string {
	if utf8.ValidString(text) {
		return text
	}
	return strings.ToValidUTF8(text, "")
}

// truncateTelegramText truncates text to telegramMaxMessageLength on a valid
// UTF-8 rune boundary, appending "..." when truncation occurs.
func truncateTelegramText(text string) string {
	if len(text) <= telegramMaxMessageLength {
		return text
	}
	const suffix = "..."
	limit := telegramMaxMessageLength - len(suffix)
	// Walk backwards to a rune boundary.
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit] + suffix
}

type slogBotLogger struct {
	log *slog.Logger
}

func (l *slogBotLogger) Println(v ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l *slogBotLogger) Printf(format string, v ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
