// Package ws serves the live channel: authenticated websocket connections
// that receive session events and send workflow responses.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/hero/internal/approval"
	"github.com/xiaot623/hero/internal/config"
	"github.com/xiaot623/hero/internal/domain"
	"github.com/xiaot623/hero/internal/hub"
	"github.com/xiaot623/hero/internal/protocol"
)

// Headers set by the upstream authentication layer.
const (
	HeaderUserID = "X-User-ID"
	HeaderAPIKey = "X-API-Key"
)

const handlerTimeout = 10 * time.Second

// InteractionResponder resolves pending interactions.
type InteractionResponder interface {
	Respond(interactionID string, payload json.RawMessage, success bool, sec domain.SecurityContext) error
}

// ApprovalResponder resolves pending approvals.
type ApprovalResponder interface {
	HandleApprovalResponse(ctx context.Context, executionID string, approved bool, reason string, remember bool, sec domain.SecurityContext) (approval.Decision, error)
	CancelApproval(ctx context.Context, executionID string, sec domain.SecurityContext) error
}

// QuestionResponder resolves pending questions.
type QuestionResponder interface {
	Answer(questionID, answer string, sec domain.SecurityContext) error
}

// Handlers are the workflow endpoints inbound messages are dispatched to.
type Handlers struct {
	Interactions InteractionResponder
	Approvals    ApprovalResponder
	Questions    QuestionResponder
}

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	registry *hub.Registry
	handlers Handlers
	upgrader websocket.Upgrader
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, registry *hub.Registry, handlers Handlers) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		handlers: handlers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// authenticate returns the verified user id of the request.
func (s *Server) authenticate(r *http.Request) (int64, error) {
	if s.cfg.APIKey != "" && r.Header.Get(HeaderAPIKey) != s.cfg.APIKey {
		return 0, errors.New("invalid api key")
	}
	raw := r.Header.Get(HeaderUserID)
	if raw == "" {
		return 0, errors.New("missing user id")
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		return 0, errors.New("invalid user id")
	}
	return userID, nil
}

// HandleWebSocket authenticates, upgrades and serves a connection.
func (s *Server) HandleWebSocket(c echo.Context) error {
	userID, err := s.authenticate(c.Request())
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		return nil
	}

	conn := hub.NewConnection(userID, ws)
	s.registry.Register(userID, conn)

	ws.SetReadLimit(s.cfg.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// readPump reads messages from the WebSocket connection. Closing the
// connection does not cancel workflows owned by the user.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.registry.Unregister(conn.UserID, conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		s.handleMessage(conn, message)
	}
}

// writePump writes queued messages and keepalive pings.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Outbound():
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Registry closed the queue
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches incoming messages. Unknown types are ignored.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.sendError(conn, protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	switch env.Type {
	case protocol.TypeInteractionResponse:
		s.handleInteractionResponse(conn, data)
	case protocol.TypeApprovalResponse:
		s.handleApprovalResponse(ctx, conn, data)
	case protocol.TypeApprovalCancel:
		s.handleApprovalCancel(ctx, conn, data)
	case protocol.TypeQuestionResponse:
		s.handleQuestionResponse(conn, data)
	default:
		// Ignored for forward compatibility.
	}
}

func (s *Server) handleInteractionResponse(conn *hub.Connection, data []byte) {
	var msg protocol.InteractionResponse
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, protocol.ErrorCodeInvalidMessage, "invalid interaction_response message")
		return
	}

	success := msg.Success == nil || *msg.Success
	err := s.handlers.Interactions.Respond(msg.InteractionID, msg.Payload, success, s.security(conn, nil))
	s.send(conn, protocol.InteractionResponseResult{
		Type:          protocol.TypeInteractionResponseResult,
		InteractionID: msg.InteractionID,
		Success:       err == nil,
		Error:         errorText(err),
	})
}

func (s *Server) handleApprovalResponse(ctx context.Context, conn *hub.Connection, data []byte) {
	var msg protocol.ApprovalResponse
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, protocol.ErrorCodeInvalidMessage, "invalid ability_approval_response message")
		return
	}

	_, err := s.handlers.Approvals.HandleApprovalResponse(ctx, msg.ExecutionID, msg.Approved, msg.Reason, msg.RememberForSession, s.security(conn, msg.RequestHash))
	err = decisionApplied(msg.ExecutionID, err)
	if err != nil {
		log.Printf("Approval response for %s rejected: %v", msg.ExecutionID, err)
	}
	s.send(conn, protocol.ApprovalResult{
		Type:        protocol.TypeApprovalResult,
		ExecutionID: msg.ExecutionID,
		Success:     err == nil,
		Error:       errorText(err),
	})
}

func (s *Server) handleApprovalCancel(ctx context.Context, conn *hub.Connection, data []byte) {
	var msg protocol.ApprovalCancel
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, protocol.ErrorCodeInvalidMessage, "invalid ability_approval_cancel message")
		return
	}

	err := decisionApplied(msg.ExecutionID, s.handlers.Approvals.CancelApproval(ctx, msg.ExecutionID, s.security(conn, nil)))
	s.send(conn, protocol.ApprovalCancelResult{
		Type:        protocol.TypeApprovalCancelResult,
		ExecutionID: msg.ExecutionID,
		Success:     err == nil,
		Error:       errorText(err),
	})
}

func (s *Server) handleQuestionResponse(conn *hub.Connection, data []byte) {
	var msg protocol.QuestionResponse
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, protocol.ErrorCodeInvalidMessage, "invalid question_response message")
		return
	}

	err := s.handlers.Questions.Answer(msg.QuestionID, msg.Answer, s.security(conn, nil))
	s.send(conn, protocol.QuestionResponseResult{
		Type:       protocol.TypeQuestionResponseResult,
		QuestionID: msg.QuestionID,
		Success:    err == nil,
		Error:      errorText(err),
	})
}

// security builds the verified identity of a responder.
func (s *Server) security(conn *hub.Connection, requestHash *string) domain.SecurityContext {
	userID := conn.UserID
	return domain.SecurityContext{UserID: &userID, RequestHash: requestHash}
}

// send queues a reply on the connection that sent the request.
func (s *Server) send(conn *hub.Connection, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("WARN: failed to marshal reply: %v", err)
		return
	}
	if err := conn.Enqueue(data); err != nil {
		log.Printf("WARN: failed to queue reply on %s: %v", conn.ID, err)
	}
}

// sendError sends an error message to a connection.
func (s *Server) sendError(conn *hub.Connection, code, message string) {
	s.send(conn, protocol.ErrorMessage{
		Type:    protocol.TypeError,
		Code:    code,
		Message: message,
	})
}

// decisionApplied clears audit write failures: the waiter was already
// resolved, so the responder's action succeeded.
func decisionApplied(executionID string, err error) error {
	if errors.Is(err, approval.ErrAuditWrite) {
		log.Printf("WARN: approval %s resolved but not recorded: %v", executionID, err)
		return nil
	}
	return err
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
