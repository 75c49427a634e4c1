package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/hero/internal/domain"
	"github.com/xiaot623/hero/internal/frame"
)

// PostMessageRequest is the body of POST /v1/sessions/:session_id/messages.
type PostMessageRequest struct {
	Content string `json:"content"`
}

// ListFrames returns a window of the session log in ascending order.
// GET /v1/sessions/:session_id/frames?type=&limit=&from=&before=
func (h *Handler) ListFrames(c echo.Context) error {
	sessionID := c.Param("session_id")
	if _, err := h.requireMember(c, sessionID); err != nil {
		return errorResponse(c, err)
	}

	filter := frame.QueryFilter{
		Type:            domain.FrameType(c.QueryParam("type")),
		Limit:           intQuery(c, "limit", 100),
		FromTimestamp:   c.QueryParam("from"),
		BeforeTimestamp: c.QueryParam("before"),
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid frame type"})
	}

	frames, err := h.frames.Frames().Query(c.Request().Context(), sessionID, filter)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"frames":   frames,
		"has_more": filter.Limit > 0 && len(frames) == filter.Limit,
	})
}

// GetCompiled returns the compiled state of the session.
// GET /v1/sessions/:session_id/compiled
func (h *Handler) GetCompiled(c echo.Context) error {
	sessionID := c.Param("session_id")
	if _, err := h.requireMember(c, sessionID); err != nil {
		return errorResponse(c, err)
	}

	compiled, err := h.frames.Frames().CompileSession(c.Request().Context(), sessionID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"compiled": compiled})
}

// PostMessage appends a user message to the session.
// POST /v1/sessions/:session_id/messages
func (h *Handler) PostMessage(c echo.Context) error {
	sessionID := c.Param("session_id")
	uid, err := h.requireMember(c, sessionID)
	if err != nil {
		return errorResponse(c, err)
	}
	var req PostMessageRequest
	if err := c.Bind(&req); err != nil || req.Content == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "content is required"})
	}

	f, err := h.frames.CreateUserMessage(c.Request().Context(), sessionID, uid, req.Content)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, f)
}
