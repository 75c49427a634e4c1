package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/hero/internal/domain"
)

// CreateSessionRequest is the body of POST /v1/sessions.
type CreateSessionRequest struct {
	Name string `json:"name"`
}

// ParticipantRequest identifies a participant to invite or promote.
type ParticipantRequest struct {
	ParticipantType domain.ParticipantType `json:"participant_type"`
	ParticipantID   int64                  `json:"participant_id"`
	Alias           string                 `json:"alias,omitempty"`
}

// CreateSession creates a session owned by the caller.
// POST /v1/sessions
func (h *Handler) CreateSession(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return errorResponse(c, err)
	}
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	session, err := h.participants.CreateSession(c.Request().Context(), req.Name, uid)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, session)
}

// GetSession returns a session.
// GET /v1/sessions/:session_id
func (h *Handler) GetSession(c echo.Context) error {
	sessionID := c.Param("session_id")
	if _, err := h.requireMember(c, sessionID); err != nil {
		return errorResponse(c, err)
	}
	session, err := h.participants.GetSession(c.Request().Context(), sessionID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

// DeleteSession removes a session and its history.
// DELETE /v1/sessions/:session_id
func (h *Handler) DeleteSession(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return errorResponse(c, err)
	}
	if err := h.participants.DeleteSession(c.Request().Context(), c.Param("session_id"), uid); err != nil {
		return errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ListParticipants lists session participants.
// GET /v1/sessions/:session_id/participants
func (h *Handler) ListParticipants(c echo.Context) error {
	sessionID := c.Param("session_id")
	if _, err := h.requireMember(c, sessionID); err != nil {
		return errorResponse(c, err)
	}
	participants, err := h.participants.List(c.Request().Context(), sessionID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"participants": participants})
}

// InviteParticipant adds a participant.
// POST /v1/sessions/:session_id/participants
func (h *Handler) InviteParticipant(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return errorResponse(c, err)
	}
	var req ParticipantRequest
	if err := c.Bind(&req); err != nil || req.ParticipantID <= 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	added, err := h.participants.Invite(c.Request().Context(), c.Param("session_id"), uid, req.ParticipantType, req.ParticipantID, req.Alias)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"added": added})
}

// KickParticipant removes a participant.
// DELETE /v1/sessions/:session_id/participants/:participant_type/:participant_id
func (h *Handler) KickParticipant(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return errorResponse(c, err)
	}
	pid, err := strconv.ParseInt(c.Param("participant_id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid participant id"})
	}

	ptype := domain.ParticipantType(c.Param("participant_type"))
	if err := h.participants.Kick(c.Request().Context(), c.Param("session_id"), uid, ptype, pid); err != nil {
		return errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// PromoteCoordinator makes a participant the session coordinator.
// POST /v1/sessions/:session_id/coordinator
func (h *Handler) PromoteCoordinator(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return errorResponse(c, err)
	}
	var req ParticipantRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	if err := h.participants.Promote(c.Request().Context(), c.Param("session_id"), uid, req.ParticipantType, req.ParticipantID); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}
