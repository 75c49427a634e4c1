// Package v1 provides the HTTP handlers of the hero API.
package v1

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/hero/internal/ability"
	"github.com/xiaot623/hero/internal/approval"
	"github.com/xiaot623/hero/internal/frame"
	"github.com/xiaot623/hero/internal/participant"
	"github.com/xiaot623/hero/internal/ws"
)

// Handler handles HTTP requests.
type Handler struct {
	participants *participant.Service
	frames       *frame.Broadcaster
	executor     *ability.Executor
	approvals    *approval.Coordinator
}

// NewHandler creates a new handler.
func NewHandler(participants *participant.Service, frames *frame.Broadcaster, executor *ability.Executor, approvals *approval.Coordinator) *Handler {
	return &Handler{
		participants: participants,
		frames:       frames,
		executor:     executor,
		approvals:    approvals,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Sessions and participants
	e.POST("/v1/sessions", h.CreateSession)
	e.GET("/v1/sessions/:session_id", h.GetSession)
	e.DELETE("/v1/sessions/:session_id", h.DeleteSession)
	e.GET("/v1/sessions/:session_id/participants", h.ListParticipants)
	e.POST("/v1/sessions/:session_id/participants", h.InviteParticipant)
	e.DELETE("/v1/sessions/:session_id/participants/:participant_type/:participant_id", h.KickParticipant)
	e.POST("/v1/sessions/:session_id/coordinator", h.PromoteCoordinator)

	// Frames
	e.GET("/v1/sessions/:session_id/frames", h.ListFrames)
	e.GET("/v1/sessions/:session_id/compiled", h.GetCompiled)
	e.POST("/v1/sessions/:session_id/messages", h.PostMessage)

	// Abilities
	e.GET("/v1/abilities", h.ListAbilities)
	e.POST("/v1/abilities/:ability_name/execute", h.ExecuteAbility)

	// Approvals and consent
	e.GET("/v1/approvals/pending", h.ListPendingApprovals)
	e.GET("/v1/approvals/history", h.ApprovalHistory)
	e.GET("/v1/sessions/:session_id/consents", h.ListConsents)
	e.POST("/v1/sessions/:session_id/consents", h.GrantConsent)
	e.DELETE("/v1/sessions/:session_id/consents/:ability_name", h.RevokeConsent)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// userID returns the verified caller id set by the upstream auth layer.
func userID(c echo.Context) (int64, error) {
	raw := c.Request().Header.Get(ws.HeaderUserID)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid user id")
	}
	return id, nil
}

// requireMember returns the caller id if they participate in the session.
func (h *Handler) requireMember(c echo.Context, sessionID string) (int64, error) {
	uid, err := userID(c)
	if err != nil {
		return 0, err
	}
	ok, err := h.participants.IsMember(c.Request().Context(), sessionID, uid)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, echo.NewHTTPError(http.StatusForbidden, "not a session participant")
	}
	return uid, nil
}

func errorResponse(c echo.Context, err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return c.JSON(he.Code, map[string]interface{}{"error": he.Message})
	}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, participant.ErrSessionNotFound), errors.Is(err, participant.ErrParticipantNotFound):
		status = http.StatusNotFound
	case errors.Is(err, participant.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, participant.ErrOwnerImmutable):
		status = http.StatusConflict
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func intQuery(c echo.Context, name string, fallback int) int {
	if v := c.QueryParam(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
