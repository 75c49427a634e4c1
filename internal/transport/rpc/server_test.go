package rpc

import (
	"context"
	"encoding/json"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/hero/internal/ability"
	"github.com/xiaot623/hero/internal/approval"
	"github.com/xiaot623/hero/internal/broadcast"
	"github.com/xiaot623/hero/internal/domain"
	"github.com/xiaot623/hero/internal/frame"
	"github.com/xiaot623/hero/internal/hub"
	"github.com/xiaot623/hero/internal/interaction"
	"github.com/xiaot623/hero/internal/participant"
	"github.com/xiaot623/hero/internal/policy"
	"github.com/xiaot623/hero/internal/protocol"
	"github.com/xiaot623/hero/internal/question"
	"github.com/xiaot623/hero/tests/helpers"
)

// captureRouter records outbound messages instead of delivering them.
type captureRouter struct {
	sent chan interface{}
}

func (r *captureRouter) BroadcastToUser(_ int64, msg interface{}) error {
	r.sent <- msg
	return nil
}

func (r *captureRouter) BroadcastToSession(_ context.Context, _ string, msg interface{}) error {
	r.sent <- msg
	return nil
}

type harness struct {
	client       *rpc.Client
	captured     *captureRouter
	bus          *interaction.Bus
	questions    *question.Service
	participants *participant.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := helpers.NewTestSQLiteStore(t)
	router := broadcast.NewRouter(hub.NewRegistry(), db)
	engine, err := policy.NewDefaultEngine(context.Background())
	require.NoError(t, err)

	frames := frame.NewBroadcaster(frame.NewStore(db), router, nil)
	registry := ability.NewRegistry()
	require.NoError(t, ability.RegisterBuiltins(registry, frames))
	executor := ability.NewExecutor(registry, approval.NewCoordinator(db, router, engine, 0), router, 0)

	captured := &captureRouter{sent: make(chan interface{}, 8)}
	h := &harness{
		captured:     captured,
		bus:          interaction.NewBus(captured, 0),
		questions:    question.NewService(captured, 0),
		participants: participant.NewService(db, frames),
	}

	srv, err := NewServer(NewHandler(frames, executor, h.questions, h.bus, 0))
	require.NoError(t, err)

	serverConn, clientConn := net.Pipe()
	go srv.rpcServer.ServeCodec(jsonrpc.NewServerCodec(serverConn))
	h.client = jsonrpc.NewClient(clientConn)
	t.Cleanup(func() { h.client.Close() })
	return h
}

func (h *harness) next(t *testing.T) interface{} {
	t.Helper()
	select {
	case msg := <-h.captured.sent:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message sent")
		return nil
	}
}

func TestCreateFrameAndCompile(t *testing.T) {
	h := newHarness(t)
	s, err := h.participants.CreateSession(context.Background(), "rpc", 1)
	require.NoError(t, err)

	agentID := int64(7)
	var f domain.Frame
	err = h.client.Call("Coordinator.CreateFrame", &CreateFrameArgs{
		SessionID:  s.SessionID,
		Type:       domain.FrameTypeMessage,
		AuthorType: domain.AuthorTypeAgent,
		AuthorID:   &agentID,
		Payload:    json.RawMessage(`{"role":"assistant","content":"hi"}`),
	}, &f)
	require.NoError(t, err)
	assert.NotEmpty(t, f.ID)
	assert.Equal(t, s.SessionID, f.SessionID)

	var compiled CompileSessionResponse
	require.NoError(t, h.client.Call("Coordinator.CompileSession", &CompileSessionArgs{SessionID: s.SessionID}, &compiled))
	assert.JSONEq(t, `{"role":"assistant","content":"hi"}`, string(compiled.Compiled[f.ID]))

	err = h.client.Call("Coordinator.CreateFrame", &CreateFrameArgs{SessionID: s.SessionID, Type: "bogus", AuthorType: domain.AuthorTypeAgent}, &f)
	assert.Error(t, err)
}

func TestCompileSessionRequiresID(t *testing.T) {
	h := newHarness(t)
	var compiled CompileSessionResponse
	assert.Error(t, h.client.Call("Coordinator.CompileSession", &CompileSessionArgs{}, &compiled))
}

func TestExecuteAbility(t *testing.T) {
	h := newHarness(t)

	var res ability.Result
	err := h.client.Call("Coordinator.ExecuteAbility", &ExecuteAbilityArgs{
		Name:    "system.echo",
		Params:  map[string]any{"x": "y"},
		Context: domain.ExecutionContext{UserID: 1},
	}, &res)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, ability.StatusCompleted, res.Status)

	res = ability.Result{}
	require.NoError(t, h.client.Call("Coordinator.ExecuteAbility", &ExecuteAbilityArgs{Name: "nope", Context: domain.ExecutionContext{UserID: 1}}, &res))
	assert.False(t, res.Success)
	assert.Equal(t, ability.StatusNotFound, res.Status)
}

func TestAskBlocksUntilAnswered(t *testing.T) {
	h := newHarness(t)

	done := make(chan question.Answer, 1)
	go func() {
		var answer question.Answer
		if err := h.client.Call("Coordinator.Ask", &AskArgs{UserID: 1, Question: "ship it?", Options: []string{"yes", "no"}}, &answer); err == nil {
			done <- answer
		}
	}()

	msg, ok := h.next(t).(protocol.QuestionMessage)
	require.True(t, ok)
	require.NoError(t, h.questions.Answer(msg.QuestionID, "yes", domain.SecurityContext{}))

	select {
	case answer := <-done:
		assert.Equal(t, "yes", answer.Answer)
		assert.Equal(t, msg.QuestionID, answer.QuestionID)
	case <-time.After(2 * time.Second):
		t.Fatal("ask did not return")
	}
}

func TestAskTimeoutReturnsDefault(t *testing.T) {
	h := newHarness(t)

	var answer question.Answer
	err := h.client.Call("Coordinator.Ask", &AskArgs{UserID: 1, Question: "q", Default: "later", TimeoutMs: 20}, &answer)
	require.NoError(t, err)
	assert.Equal(t, "later", answer.Answer)
	assert.Equal(t, question.StatusTimeout, answer.Status)
}

func TestInteractAwaitsResponse(t *testing.T) {
	h := newHarness(t)
	user := int64(1)

	done := make(chan InteractResponse, 1)
	go func() {
		var resp InteractResponse
		if err := h.client.Call("Coordinator.Interact", &InteractArgs{
			TargetID:       "panel",
			TargetProperty: "confirm",
			Payload:        json.RawMessage(`{"q":1}`),
			UserID:         &user,
			Await:          true,
		}, &resp); err == nil {
			done <- resp
		}
	}()

	msg, ok := h.next(t).(protocol.InteractionMessage)
	require.True(t, ok)
	require.NoError(t, h.bus.Respond(msg.Interaction.InteractionID, json.RawMessage(`{"ok":true}`), true, domain.SecurityContext{UserID: &user}))

	select {
	case resp := <-done:
		assert.Equal(t, msg.Interaction.InteractionID, resp.InteractionID)
		assert.JSONEq(t, `{"ok":true}`, string(resp.Response))
	case <-time.After(2 * time.Second):
		t.Fatal("interact did not return")
	}
}

func TestInteractFireAndForget(t *testing.T) {
	h := newHarness(t)
	user := int64(1)

	var resp InteractResponse
	require.NoError(t, h.client.Call("Coordinator.Interact", &InteractArgs{TargetID: "t", TargetProperty: "p", UserID: &user}, &resp))
	assert.NotEmpty(t, resp.InteractionID)
	assert.Equal(t, 0, h.bus.PendingCount())

	var missing InteractResponse
	assert.Error(t, h.client.Call("Coordinator.Interact", &InteractArgs{TargetID: "t", TargetProperty: "p"}, &missing))
}
