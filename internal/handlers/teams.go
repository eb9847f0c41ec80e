package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/chatgate/internal/auth"
	"github.com/memohai/chatgate/internal/settings"
)

// TeamSettings reads and updates a team's model configuration.
type TeamSettings interface {
	View(ctx context.Context, teamID string) (settings.View, error)
	UpdateAI(ctx context.Context, teamID string, req settings.UpdateAIRequest) (settings.View, error)
}

// ConnectionTester sends a fixed probe with a team's configuration.
type ConnectionTester interface {
	Test(ctx context.Context, teamID string) (string, error)
}

type TeamsHandler struct {
	settings TeamSettings
	tester   ConnectionTester
	logger   *slog.Logger
}

func NewTeamsHandler(log *slog.Logger, teamSettings TeamSettings, tester ConnectionTester) *TeamsHandler {
	return &TeamsHandler{
		settings: teamSettings,
		tester:   tester,
		logger:   log.With(slog.String("handler", "teams")),
	}
}

func (h *TeamsHandler) Register(e *echo.Echo) {
	group := e.Group("/api/teams/:id/ai")
	group.GET("", h.GetAI)
	group.PUT("", h.UpdateAI)
	group.POST("/test", h.TestAI)
}

// TestAIResponse reports the outcome of a connection test.
type TestAIResponse struct {
	Success  bool   `json:"success"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (h *TeamsHandler) GetAI(c echo.Context) error {
	teamID, err := teamParam(c)
	if err != nil {
		return err
	}
	view, err := h.settings.View(c.Request().Context(), teamID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

func (h *TeamsHandler) UpdateAI(c echo.Context) error {
	teamID, err := teamParam(c)
	if err != nil {
		return err
	}
	var req settings.UpdateAIRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	view, err := h.settings.UpdateAI(c.Request().Context(), teamID, req)
	switch {
	case errors.Is(err, settings.ErrInvalidSettings):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, settings.ErrNoSecretKey):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "api keys cannot be stored without security.secret_key")
	case err != nil:
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// TestAI runs the probe. Backend failures are reported in the body rather
// than as an HTTP error.
func (h *TeamsHandler) TestAI(c echo.Context) error {
	teamID, err := teamParam(c)
	if err != nil {
		return err
	}
	reply, err := h.tester.Test(c.Request().Context(), teamID)
	if err != nil {
		h.logger.Warn("ai connection test failed", slog.String("team_id", teamID), slog.Any("error", err))
		return c.JSON(http.StatusOK, TestAIResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, TestAIResponse{Success: true, Response: reply})
}

func teamParam(c echo.Context) (string, error) {
	op, err := auth.OperatorFromContext(c)
	if err != nil {
		return "", err
	}
	teamID := strings.TrimSpace(c.Param("id"))
	if teamID == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "team id is required")
	}
	if !op.CanAccessTeam(teamID) {
		return "", echo.NewHTTPError(http.StatusForbidden, "team not accessible")
	}
	return teamID, nil
}
