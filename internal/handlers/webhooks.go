package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/config"
	"github.com/memohai/chatgate/internal/dispatch"
	"github.com/memohai/chatgate/internal/webhook"
)

const (
	telegramTokenHeader  = "X-Telegram-Bot-Token"
	telegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"
	maxWebhookBody       = 4 << 20
)

// BatchDispatcher answers the decoded messages of one webhook call.
type BatchDispatcher interface {
	HandleBatch(ctx context.Context, integration channel.Integration, msgs []channel.InboundMessage) ([]dispatch.Outcome, error)
}

// WebhookHandler receives platform webhooks. Meta platforms share one
// verify/receive flow; Telegram identifies the bot by token.
type WebhookHandler struct {
	registry     *channel.Registry
	integrations channel.IntegrationStore
	dispatcher   BatchDispatcher
	verifyTokens map[channel.ChannelType]string
	logger       *slog.Logger
}

func NewWebhookHandler(log *slog.Logger, cfg config.Config, registry *channel.Registry, integrations channel.IntegrationStore, dispatcher BatchDispatcher) *WebhookHandler {
	return &WebhookHandler{
		registry:     registry,
		integrations: integrations,
		dispatcher:   dispatcher,
		verifyTokens: map[channel.ChannelType]string{
			channel.TypeWhatsAppBusiness: strings.TrimSpace(cfg.Platforms.WhatsAppBusiness.VerifyToken),
			channel.TypeInstagram:        strings.TrimSpace(cfg.Platforms.Instagram.VerifyToken),
			channel.TypeMessenger:        strings.TrimSpace(cfg.Platforms.Messenger.VerifyToken),
		},
		logger: log.With(slog.String("handler", "webhooks")),
	}
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	group := e.Group("/webhooks")
	for _, desc := range h.registry.ListDescriptors() {
		if !desc.Capabilities.Webhook || desc.WebhookPath == "" {
			continue
		}
		if desc.Type == channel.TypeTelegram {
			group.POST("/"+desc.WebhookPath, h.Telegram)
			group.POST("/"+desc.WebhookPath+"/:token", h.Telegram)
			continue
		}
		platform := desc.Type
		verify := func(c echo.Context) error { return h.Verify(c, platform) }
		receive := func(c echo.Context) error { return h.Receive(c, platform) }
		group.GET("/"+desc.WebhookPath, verify)
		group.GET("/"+desc.WebhookPath+"/:integration_id", verify)
		group.POST("/"+desc.WebhookPath, receive)
		group.POST("/"+desc.WebhookPath+"/:integration_id", receive)
	}
}

// Verify answers the Meta subscription handshake. The expected token is the
// integration's when the path names one, otherwise the platform's.
func (h *WebhookHandler) Verify(c echo.Context, platform channel.ChannelType) error {
	q := webhook.ParseQuery(c.QueryParam)
	expected := h.verifyTokens[platform]
	if id := strings.TrimSpace(c.Param("integration_id")); id != "" {
		integration, err := h.integrations.GetIntegration(c.Request().Context(), id)
		switch {
		case errors.Is(err, channel.ErrIntegrationNotFound):
			expected = ""
		case err != nil:
			return err
		case integration.Platform != platform:
			expected = ""
		default:
			expected = strings.TrimSpace(integration.VerifyToken)
		}
	}
	challenge, err := webhook.Verify(q.Mode, q.Token, q.Challenge, expected)
	if err != nil {
		h.logger.Warn("webhook verification failed", slog.String("platform", platform.String()), slog.String("mode", q.Mode))
		return c.String(http.StatusForbidden, "Forbidden")
	}
	return c.String(http.StatusOK, challenge)
}

// Receive decodes a Meta webhook body and dispatches each message to the
// integration its routing key resolves to. Unknown routing keys are dropped.
func (h *WebhookHandler) Receive(c echo.Context, platform channel.ChannelType) error {
	body, err := readBody(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	msgs, err := h.decode(platform, body)
	if err != nil {
		return err
	}
	ctx := context.WithoutCancel(c.Request().Context())

	if id := strings.TrimSpace(c.Param("integration_id")); id != "" {
		integration, err := h.integrations.GetIntegration(ctx, id)
		if errors.Is(err, channel.ErrIntegrationNotFound) || (err == nil && (integration.Platform != platform || !integration.Connected())) {
			h.logger.Info("webhook for unknown or disconnected integration dropped", slog.String("integration_id", id))
			return c.JSON(http.StatusOK, map[string]string{"status": "success"})
		}
		if err != nil {
			return err
		}
		if _, err := h.dispatcher.HandleBatch(ctx, integration, msgs); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "success"})
	}

	for _, group := range groupByRoutingKey(msgs) {
		integration, err := h.integrations.FindByRoutingKey(ctx, platform, group.key)
		if errors.Is(err, channel.ErrIntegrationNotFound) || (err == nil && !integration.Connected()) {
			h.logger.Info("no connected integration for routing key",
				slog.String("platform", platform.String()),
				slog.String("routing_key", group.key),
			)
			continue
		}
		if err != nil {
			return err
		}
		if _, err := h.dispatcher.HandleBatch(ctx, integration, group.msgs); err != nil {
			return err
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "success"})
}

// Telegram receives a bot update. The bot token comes from the path or the
// X-Telegram-Bot-Token header.
func (h *WebhookHandler) Telegram(c echo.Context) error {
	token := strings.TrimSpace(c.Param("token"))
	if token == "" {
		token = strings.TrimSpace(c.Request().Header.Get(telegramTokenHeader))
	}
	if token == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "bot token not found")
	}
	ctx := context.WithoutCancel(c.Request().Context())
	integration, err := h.integrations.FindByRoutingKey(ctx, channel.TypeTelegram, token)
	if errors.Is(err, channel.ErrIntegrationNotFound) || (err == nil && !integration.Connected()) {
		// Telegram retries anything but 200, so misses are only logged.
		h.logger.Info("no connected integration for telegram bot", slog.String("integration_id", integration.ID))
		return c.JSON(http.StatusOK, map[string]bool{"ok": true})
	}
	if err != nil {
		return err
	}
	if secret := strings.TrimSpace(integration.VerifyToken); secret != "" {
		if _, err := webhook.Verify(webhook.ModeSubscribe, c.Request().Header.Get(telegramSecretHeader), "", secret); err != nil {
			return echo.NewHTTPError(http.StatusForbidden, "forbidden")
		}
	}
	body, err := readBody(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	msgs, err := h.decode(channel.TypeTelegram, body)
	if err != nil {
		return err
	}
	if _, err := h.dispatcher.HandleBatch(ctx, integration, msgs); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

func (h *WebhookHandler) decode(platform channel.ChannelType, body []byte) ([]channel.InboundMessage, error) {
	decoder, ok := h.registry.GetDecoder(platform)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusNotFound, "unsupported platform")
	}
	msgs, err := decoder.Decode(body)
	if errors.Is(err, channel.ErrUnsupportedPayload) {
		return nil, nil
	}
	if err != nil {
		h.logger.Warn("decode webhook failed", slog.String("platform", platform.String()), slog.Any("error", err))
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	return msgs, nil
}

func readBody(c echo.Context) ([]byte, error) {
	return io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
}

type routedMessages struct {
	key  string
	msgs []channel.InboundMessage
}

// groupByRoutingKey keeps the order in which routing keys first appear.
func groupByRoutingKey(msgs []channel.InboundMessage) []routedMessages {
	var groups []routedMessages
	index := map[string]int{}
	for _, msg := range msgs {
		key := strings.TrimSpace(msg.RoutingKey)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, routedMessages{key: key})
		}
		groups[i].msgs = append(groups[i].msgs, msg)
	}
	return groups
}
