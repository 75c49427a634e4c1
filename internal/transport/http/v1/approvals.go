package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// GrantConsentRequest is the body of POST /v1/sessions/:session_id/consents.
type GrantConsentRequest struct {
	AbilityName string `json:"ability_name"`
}

// ListPendingApprovals lists the caller's pending approvals.
// GET /v1/approvals/pending
func (h *Handler) ListPendingApprovals(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return errorResponse(c, err)
	}
	approvals, err := h.approvals.ListPending(c.Request().Context(), uid)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"approvals": approvals})
}

// ApprovalHistory lists the caller's most recent approvals.
// GET /v1/approvals/history?limit=
func (h *Handler) ApprovalHistory(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return errorResponse(c, err)
	}
	approvals, err := h.approvals.History(c.Request().Context(), uid, intQuery(c, "limit", 50))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"approvals": approvals})
}

// ListConsents lists the abilities pre-approved in a session.
// GET /v1/sessions/:session_id/consents
func (h *Handler) ListConsents(c echo.Context) error {
	sessionID := c.Param("session_id")
	if _, err := h.requireMember(c, sessionID); err != nil {
		return errorResponse(c, err)
	}
	consents, err := h.approvals.ListSessionConsents(c.Request().Context(), sessionID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"consents": consents})
}

// GrantConsent pre-approves an ability for the session.
// POST /v1/sessions/:session_id/consents
func (h *Handler) GrantConsent(c echo.Context) error {
	sessionID := c.Param("session_id")
	uid, err := h.requireMember(c, sessionID)
	if err != nil {
		return errorResponse(c, err)
	}
	var req GrantConsentRequest
	if err := c.Bind(&req); err != nil || req.AbilityName == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "ability_name is required"})
	}
	if err := h.approvals.GrantSessionConsent(c.Request().Context(), sessionID, req.AbilityName, uid); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// RevokeConsent removes a session consent.
// DELETE /v1/sessions/:session_id/consents/:ability_name
func (h *Handler) RevokeConsent(c echo.Context) error {
	sessionID := c.Param("session_id")
	if _, err := h.requireMember(c, sessionID); err != nil {
		return errorResponse(c, err)
	}
	removed, err := h.approvals.RevokeSessionConsent(c.Request().Context(), sessionID, c.Param("ability_name"))
	if err != nil {
		return errorResponse(c, err)
	}
	if !removed {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "consent not found"})
	}
	return c.NoContent(http.StatusNoContent)
}
