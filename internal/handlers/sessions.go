package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/memohai/chatgate/internal/auth"
	"github.com/memohai/chatgate/internal/session"
)

var validate = validator.New()

// SessionService is the operator view of conversation sessions.
type SessionService interface {
	Get(ctx context.Context, id string) (session.Session, error)
	List(ctx context.Context, filter session.Filter) (session.Page, error)
	Stats(ctx context.Context, teamID string) (session.Stats, error)
	Summary(ctx context.Context, id string) (session.Summary, error)
	Escalate(ctx context.Context, id, agentID, note string) (session.Session, error)
	Resolve(ctx context.Context, id string) (session.Session, error)
	Archive(ctx context.Context, id string) (session.Session, error)
	Reopen(ctx context.Context, id string) (session.Session, error)
}

type SessionsHandler struct {
	sessions SessionService
	logger   *slog.Logger
}

func NewSessionsHandler(log *slog.Logger, sessions SessionService) *SessionsHandler {
	return &SessionsHandler{
		sessions: sessions,
		logger:   log.With(slog.String("handler", "sessions")),
	}
}

func (h *SessionsHandler) Register(e *echo.Echo) {
	group := e.Group("/api/sessions")
	group.GET("", h.List)
	group.GET("/stats", h.Stats)
	group.GET("/:id", h.Summary)
	group.POST("/:id/escalate", h.Escalate)
	group.POST("/:id/resolve", h.Resolve)
	group.POST("/:id/archive", h.Archive)
	group.POST("/:id/reopen", h.Reopen)
}

// EscalateRequest hands a session to a human agent.
type EscalateRequest struct {
	AgentID string `json:"agent_id" validate:"required"`
	Note    string `json:"note" validate:"max=1000"`
}

// List returns a page of sessions filtered by status, integration, agent
// and a search over sender id and name.
func (h *SessionsHandler) List(c echo.Context) error {
	op, err := auth.OperatorFromContext(c)
	if err != nil {
		return err
	}
	teamID, err := requestedTeam(c, op)
	if err != nil {
		return err
	}
	filter := session.Filter{
		TeamID:        teamID,
		IntegrationID: strings.TrimSpace(c.QueryParam("integration_id")),
		AgentID:       strings.TrimSpace(c.QueryParam("agent_id")),
		Search:        c.QueryParam("search"),
		Page:          queryInt(c, "page"),
		PageSize:      queryInt(c, "page_size"),
	}
	if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
		status, err := session.ParseStatus(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		filter.Status = status
	}
	page, err := h.sessions.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

func (h *SessionsHandler) Stats(c echo.Context) error {
	op, err := auth.OperatorFromContext(c)
	if err != nil {
		return err
	}
	teamID, err := requestedTeam(c, op)
	if err != nil {
		return err
	}
	if teamID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "team_id is required")
	}
	stats, err := h.sessions.Stats(c.Request().Context(), teamID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *SessionsHandler) Summary(c echo.Context) error {
	if _, err := h.authorize(c); err != nil {
		return err
	}
	summary, err := h.sessions.Summary(c.Request().Context(), c.Param("id"))
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, summary)
}

func (h *SessionsHandler) Escalate(c echo.Context) error {
	op, err := h.authorize(c)
	if err != nil {
		return err
	}
	var req EscalateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := h.sessions.Escalate(c.Request().Context(), c.Param("id"), req.AgentID, req.Note)
	if err != nil {
		return sessionError(err)
	}
	h.logger.Info("session escalated by operator", slog.String("session_id", sess.ID), slog.String("operator", op.UserID))
	return c.JSON(http.StatusOK, sess)
}

func (h *SessionsHandler) Resolve(c echo.Context) error {
	return h.transition(c, h.sessions.Resolve)
}

func (h *SessionsHandler) Archive(c echo.Context) error {
	return h.transition(c, h.sessions.Archive)
}

func (h *SessionsHandler) Reopen(c echo.Context) error {
	return h.transition(c, h.sessions.Reopen)
}

func (h *SessionsHandler) transition(c echo.Context, apply func(context.Context, string) (session.Session, error)) error {
	if _, err := h.authorize(c); err != nil {
		return err
	}
	sess, err := apply(c.Request().Context(), c.Param("id"))
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

// authorize loads the session in the path and checks the operator's team.
func (h *SessionsHandler) authorize(c echo.Context) (auth.Operator, error) {
	op, err := auth.OperatorFromContext(c)
	if err != nil {
		return auth.Operator{}, err
	}
	sess, err := h.sessions.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return auth.Operator{}, sessionError(err)
	}
	if !op.CanAccessTeam(sess.TeamID) {
		return auth.Operator{}, echo.NewHTTPError(http.StatusNotFound, session.ErrNotFound.Error())
	}
	return op, nil
}

func sessionError(err error) error {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, session.ErrNotFound.Error())
	case errors.Is(err, session.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return err
	}
}

// requestedTeam returns the team_id query parameter, defaulting to the
// operator's team. A team-scoped token cannot read other teams.
func requestedTeam(c echo.Context, op auth.Operator) (string, error) {
	teamID := strings.TrimSpace(c.QueryParam("team_id"))
	if teamID == "" {
		return op.TeamID, nil
	}
	if !op.CanAccessTeam(teamID) {
		return "", echo.NewHTTPError(http.StatusForbidden, "team not accessible")
	}
	return teamID, nil
}

func queryInt(c echo.Context, key string) int {
	n, err := strconv.Atoi(strings.TrimSpace(c.QueryParam(key)))
	if err != nil {
		return 0
	}
	return n
}
