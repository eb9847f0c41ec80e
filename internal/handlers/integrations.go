package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/memohai/chatgate/internal/auth"
	"github.com/memohai/chatgate/internal/bots"
	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/channel/adapters/whatsapp"
)

const qrSize = 256

// BotBinder manages the single bot binding of an integration.
type BotBinder interface {
	BoundBot(ctx context.Context, integrationID string) (bots.Bot, error)
	Bind(ctx context.Context, integrationID, botID string) (bots.Bot, error)
	Unbind(ctx context.Context, integrationID string) error
}

// QRSource returns the pending pairing code of a linked device.
type QRSource interface {
	QRCode(integrationID string) (string, error)
}

type IntegrationsHandler struct {
	integrations channel.IntegrationStore
	registry     *channel.Registry
	bots         BotBinder
	qr           QRSource
	publicURL    string
	logger       *slog.Logger
}

func NewIntegrationsHandler(log *slog.Logger, publicURL string, integrations channel.IntegrationStore, registry *channel.Registry, binder BotBinder, qr QRSource) *IntegrationsHandler {
	return &IntegrationsHandler{
		integrations: integrations,
		registry:     registry,
		bots:         binder,
		qr:           qr,
		publicURL:    strings.TrimRight(strings.TrimSpace(publicURL), "/"),
		logger:       log.With(slog.String("handler", "integrations")),
	}
}

func (h *IntegrationsHandler) Register(e *echo.Echo) {
	group := e.Group("/api/integrations/:id")
	group.GET("/bot", h.GetBot)
	group.PUT("/bot", h.BindBot)
	group.DELETE("/bot", h.UnbindBot)
	group.POST("/telegram/webhook", h.RegisterTelegramWebhook)
	group.DELETE("/telegram/webhook", h.DeleteTelegramWebhook)
	group.GET("/whatsapp/qr", h.WhatsAppQR)
}

func (h *IntegrationsHandler) GetBot(c echo.Context) error {
	integration, err := h.load(c)
	if err != nil {
		return err
	}
	bot, err := h.bots.BoundBot(c.Request().Context(), integration.ID)
	if errors.Is(err, bots.ErrNoBotBound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, bot)
}

// BindBot makes the requested bot the only bot of the integration.
func (h *IntegrationsHandler) BindBot(c echo.Context) error {
	integration, err := h.load(c)
	if err != nil {
		return err
	}
	var req bots.BindRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	bot, err := h.bots.Bind(c.Request().Context(), integration.ID, req.BotID)
	switch {
	case errors.Is(err, bots.ErrAlreadyBound):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, bots.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case err != nil:
		return err
	}
	return c.JSON(http.StatusOK, bot)
}

func (h *IntegrationsHandler) UnbindBot(c echo.Context) error {
	integration, err := h.load(c)
	if err != nil {
		return err
	}
	err = h.bots.Unbind(c.Request().Context(), integration.ID)
	if errors.Is(err, bots.ErrNoBotBound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// RegisterTelegramWebhook points the bot at this gateway's token path.
func (h *IntegrationsHandler) RegisterTelegramWebhook(c echo.Context) error {
	integration, registrar, err := h.telegram(c)
	if err != nil {
		return err
	}
	if h.publicURL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "server public_url is not configured")
	}
	url := h.publicURL + "/webhooks/telegram/" + integration.RoutingKey
	if err := registrar.RegisterWebhook(c.Request().Context(), integration, url); err != nil {
		h.logger.Error("register telegram webhook failed", slog.String("integration_id", integration.ID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "success"})
}

func (h *IntegrationsHandler) DeleteTelegramWebhook(c echo.Context) error {
	integration, registrar, err := h.telegram(c)
	if err != nil {
		return err
	}
	if err := registrar.DeleteWebhook(c.Request().Context(), integration); err != nil {
		h.logger.Error("delete telegram webhook failed", slog.String("integration_id", integration.ID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "success"})
}

// WhatsAppQR renders the pending linked-device pairing code as a PNG.
func (h *IntegrationsHandler) WhatsAppQR(c echo.Context) error {
	integration, err := h.load(c)
	if err != nil {
		return err
	}
	if integration.Platform != channel.TypeWhatsApp || h.qr == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "integration is not a linked whatsapp device")
	}
	code, err := h.qr.QRCode(integration.ID)
	switch {
	case errors.Is(err, whatsapp.ErrAlreadyPaired):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, whatsapp.ErrNotConnected), errors.Is(err, whatsapp.ErrQRPending):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case err != nil:
		return err
	}
	png, err := qrcode.Encode(code, qrcode.Medium, qrSize)
	if err != nil {
		return err
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.Blob(http.StatusOK, "image/png", png)
}

func (h *IntegrationsHandler) telegram(c echo.Context) (channel.Integration, channel.WebhookRegistrar, error) {
	integration, err := h.load(c)
	if err != nil {
		return channel.Integration{}, nil, err
	}
	if integration.Platform != channel.TypeTelegram {
		return channel.Integration{}, nil, echo.NewHTTPError(http.StatusBadRequest, "integration is not a telegram bot")
	}
	registrar, ok := h.registry.GetWebhookRegistrar(channel.TypeTelegram)
	if !ok {
		return channel.Integration{}, nil, echo.NewHTTPError(http.StatusNotImplemented, "telegram webhooks are not supported")
	}
	return integration, registrar, nil
}

// load resolves the integration in the path, hiding other teams'.
func (h *IntegrationsHandler) load(c echo.Context) (channel.Integration, error) {
	op, err := auth.OperatorFromContext(c)
	if err != nil {
		return channel.Integration{}, err
	}
	integration, err := h.integrations.GetIntegration(c.Request().Context(), c.Param("id"))
	if errors.Is(err, channel.ErrIntegrationNotFound) || (err == nil && !op.CanAccessTeam(integration.TeamID)) {
		return channel.Integration{}, echo.NewHTTPError(http.StatusNotFound, channel.ErrIntegrationNotFound.Error())
	}
	if err != nil {
		return channel.Integration{}, err
	}
	return integration, nil
}
