package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/hero/internal/ability"
	"github.com/xiaot623/hero/internal/domain"
)

// ExecuteAbilityRequest is the body of POST /v1/abilities/:ability_name/execute.
type ExecuteAbilityRequest struct {
	SessionID string         `json:"session_id,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// ListAbilities lists registered abilities.
// GET /v1/abilities
func (h *Handler) ListAbilities(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"abilities": h.executor.Registry().List()})
}

// ExecuteAbility runs an ability on behalf of the caller. A direct user
// request needs no approval.
// POST /v1/abilities/:ability_name/execute
func (h *Handler) ExecuteAbility(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return errorResponse(c, err)
	}
	var req ExecuteAbilityRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.SessionID != "" {
		if _, err := h.requireMember(c, req.SessionID); err != nil {
			return errorResponse(c, err)
		}
	}

	res := h.executor.Execute(c.Request().Context(), c.Param("ability_name"), req.Params, domain.ExecutionContext{
		UserID:        uid,
		SessionID:     req.SessionID,
		UserInitiated: true,
	})
	status := http.StatusOK
	if res.Status == ability.StatusNotFound {
		status = http.StatusNotFound
	}
	return c.JSON(status, res)
}
