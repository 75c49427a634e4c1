package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/hero/internal/approval"
	"github.com/xiaot623/hero/internal/broadcast"
	"github.com/xiaot623/hero/internal/config"
	"github.com/xiaot623/hero/internal/domain"
	"github.com/xiaot623/hero/internal/hub"
	"github.com/xiaot623/hero/internal/interaction"
	"github.com/xiaot623/hero/internal/policy"
	"github.com/xiaot623/hero/internal/protocol"
	"github.com/xiaot623/hero/internal/question"
	"github.com/xiaot623/hero/internal/store"
	"github.com/xiaot623/hero/tests/helpers"
)

type env struct {
	url       string
	registry  *hub.Registry
	bus       *interaction.Bus
	approvals *approval.Coordinator
	questions *question.Service
}

func newEnv(t *testing.T, apiKey string) *env {
	t.Helper()
	return newEnvWithAudit(t, apiKey, nil)
}

// newEnvWithAudit builds the environment with the approval audit store
// optionally wrapped.
func newEnvWithAudit(t *testing.T, apiKey string, wrap func(*store.SQLiteStore) approval.Store) *env {
	t.Helper()
	db := helpers.NewTestSQLiteStore(t)
	var audit approval.Store = db
	if wrap != nil {
		audit = wrap(db)
	}
	registry := hub.NewRegistry()
	router := broadcast.NewRouter(registry, db)
	engine, err := policy.NewDefaultEngine(context.Background())
	require.NoError(t, err)

	e := &env{
		registry:  registry,
		bus:       interaction.NewBus(router, 0),
		approvals: approval.NewCoordinator(audit, router, engine, 0),
		questions: question.NewService(router, 0),
	}
	cfg := &config.Config{
		APIKey:         apiKey,
		PingInterval:   time.Second,
		WriteTimeout:   time.Second,
		ReadTimeout:    5 * time.Second,
		MaxMessageSize: 65536,
	}
	srv := NewServer(cfg, registry, Handlers{Interactions: e.bus, Approvals: e.approvals, Questions: e.questions})

	ec := echo.New()
	ec.GET("/ws", srv.HandleWebSocket)
	ts := httptest.NewServer(ec)
	t.Cleanup(ts.Close)
	e.url = "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	return e
}

func (e *env) dial(t *testing.T, userID string, header http.Header) *websocket.Conn {
	t.Helper()
	if header == nil {
		header = http.Header{}
	}
	header.Set(HeaderUserID, userID)
	conn, _, err := websocket.DefaultDialer.Dial(e.url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestRejectsUnauthenticatedUpgrade(t *testing.T) {
	e := newEnv(t, "secret")

	_, resp, err := websocket.DefaultDialer.Dial(e.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{}
	header.Set(HeaderUserID, "1")
	header.Set(HeaderAPIKey, "wrong")
	_, resp, err = websocket.DefaultDialer.Dial(e.url, header)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header.Set(HeaderAPIKey, "secret")
	conn, _, err := websocket.DefaultDialer.Dial(e.url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestConnectionLifecycle(t *testing.T) {
	e := newEnv(t, "")
	conn := e.dial(t, "1", nil)
	require.Eventually(t, func() bool { return e.registry.Count(1) == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return e.registry.Count(1) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestQuestionRoundTrip(t *testing.T) {
	e := newEnv(t, "")
	conn := e.dial(t, "1", nil)
	require.Eventually(t, func() bool { return e.registry.Count(1) == 1 }, 2*time.Second, 10*time.Millisecond)

	done := make(chan question.Answer, 1)
	go func() {
		a, err := e.questions.Ask(context.Background(), question.Request{UserID: 1, Question: "Ship it?"})
		assert.NoError(t, err)
		done <- a
	}()

	msg := readJSON(t, conn)
	require.Equal(t, protocol.TypeQuestion, msg["type"])
	qid := msg["questionId"].(string)

	require.NoError(t, conn.WriteJSON(protocol.QuestionResponse{Type: protocol.TypeQuestionResponse, QuestionID: qid, Answer: "ship"}))
	reply := readJSON(t, conn)
	assert.Equal(t, protocol.TypeQuestionResponseResult, reply["type"])
	assert.Equal(t, true, reply["success"])

	select {
	case a := <-done:
		assert.Equal(t, "ship", a.Answer)
	case <-time.After(2 * time.Second):
		t.Fatal("question not answered")
	}
}

func TestApprovalRoundTripWithOwnershipCheck(t *testing.T) {
	e := newEnv(t, "")
	owner := e.dial(t, "1", nil)
	intruder := e.dial(t, "2", nil)
	require.Eventually(t, func() bool { return e.registry.ConnectionCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	done := make(chan approval.Decision, 1)
	go func() {
		ability := &domain.Ability{Name: "shell.run", Type: domain.AbilityTypeFunction, Permissions: domain.Permissions{AutoApprovePolicy: domain.PolicyAsk}}
		d, err := e.approvals.RequestApproval(context.Background(), ability, map[string]any{"cmd": "ls"}, domain.ExecutionContext{UserID: 1}, 0)
		assert.NoError(t, err)
		done <- d
	}()

	req := readJSON(t, owner)
	require.Equal(t, protocol.TypeApprovalRequest, req["type"])
	execID := req["executionId"].(string)
	hash := req["requestHash"].(string)

	require.NoError(t, intruder.WriteJSON(protocol.ApprovalResponse{Type: protocol.TypeApprovalResponse, ExecutionID: execID, Approved: true}))
	rejected := readJSON(t, intruder)
	assert.Equal(t, protocol.TypeApprovalResult, rejected["type"])
	assert.Equal(t, false, rejected["success"])

	require.NoError(t, owner.WriteJSON(protocol.ApprovalResponse{Type: protocol.TypeApprovalResponse, ExecutionID: execID, Approved: true, RequestHash: &hash}))
	accepted := readJSON(t, owner)
	assert.Equal(t, true, accepted["success"])

	select {
	case d := <-done:
		assert.True(t, d.Approved())
	case <-time.After(2 * time.Second):
		t.Fatal("approval not resolved")
	}

	require.NoError(t, owner.WriteJSON(protocol.ApprovalCancel{Type: protocol.TypeApprovalCancel, ExecutionID: execID}))
	cancelled := readJSON(t, owner)
	assert.Equal(t, protocol.TypeApprovalCancelResult, cancelled["type"])
	assert.Equal(t, false, cancelled["success"])
	assert.Equal(t, "already resolved", cancelled["error"])
}

func TestInteractionResponse(t *testing.T) {
	e := newEnv(t, "")
	conn := e.dial(t, "1", nil)
	require.Eventually(t, func() bool { return e.registry.Count(1) == 1 }, 2*time.Second, 10*time.Millisecond)

	uid := int64(1)
	i, err := e.bus.Create("@user", "confirm", map[string]string{"text": "ok?"}, interaction.CreateOptions{UserID: &uid})
	require.NoError(t, err)
	pending, err := e.bus.Send(context.Background(), i, 0)
	require.NoError(t, err)

	pushed := readJSON(t, conn)
	require.Equal(t, protocol.TypeInteraction, pushed["type"])

	require.NoError(t, conn.WriteJSON(protocol.InteractionResponse{
		Type:          protocol.TypeInteractionResponse,
		InteractionID: i.InteractionID,
		Payload:       json.RawMessage(`{"ok":true}`),
	}))
	reply := readJSON(t, conn)
	assert.Equal(t, protocol.TypeInteractionResponseResult, reply["type"])
	assert.Equal(t, true, reply["success"])

	got, err := pending.Wait(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(got))
}

func TestUnknownTypesAreIgnored(t *testing.T) {
	e := newEnv(t, "")
	conn := e.dial(t, "1", nil)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "telemetry"}))
	require.NoError(t, conn.WriteJSON(protocol.QuestionResponse{Type: protocol.TypeQuestionResponse, QuestionID: "q_missing", Answer: "x"}))

	reply := readJSON(t, conn)
	assert.Equal(t, protocol.TypeQuestionResponseResult, reply["type"], "unknown type produced no reply")
	assert.Equal(t, false, reply["success"])
	assert.Equal(t, "unknown or already resolved", reply["error"])
}

func TestMalformedJSONGetsError(t *testing.T) {
	e := newEnv(t, "")
	conn := e.dial(t, "1", nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	reply := readJSON(t, conn)
	assert.Equal(t, protocol.TypeError, reply["type"])
	assert.Equal(t, protocol.ErrorCodeInvalidMessage, reply["code"])
}

// brokenAudit fails every audit row update.
type brokenAudit struct {
	*store.SQLiteStore
}

func (b brokenAudit) ResolveApproval(context.Context, string, domain.ApprovalStatus, string) (bool, error) {
	return false, errors.New("disk full")
}

func TestApprovalAppliedDespiteAuditFailure(t *testing.T) {
	e := newEnvWithAudit(t, "", func(db *store.SQLiteStore) approval.Store { return brokenAudit{db} })
	owner := e.dial(t, "1", nil)
	require.Eventually(t, func() bool { return e.registry.Count(1) == 1 }, 2*time.Second, 10*time.Millisecond)

	done := make(chan approval.Decision, 1)
	go func() {
		ability := &domain.Ability{Name: "shell.run", Type: domain.AbilityTypeFunction, Permissions: domain.Permissions{AutoApprovePolicy: domain.PolicyAsk}}
		d, _ := e.approvals.RequestApproval(context.Background(), ability, nil, domain.ExecutionContext{UserID: 1}, 0)
		done <- d
	}()

	req := readJSON(t, owner)
	require.Equal(t, protocol.TypeApprovalRequest, req["type"])
	execID := req["executionId"].(string)

	require.NoError(t, owner.WriteJSON(protocol.ApprovalResponse{Type: protocol.TypeApprovalResponse, ExecutionID: execID, Approved: true}))
	reply := readJSON(t, owner)
	assert.Equal(t, protocol.TypeApprovalResult, reply["type"])
	assert.Equal(t, true, reply["success"])
	assert.Nil(t, reply["error"])

	select {
	case d := <-done:
		assert.True(t, d.Approved())
	case <-time.After(2 * time.Second):
		t.Fatal("approval waiter not resolved")
	}
}
