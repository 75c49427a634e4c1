package question

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/hero/internal/domain"
	"github.com/xiaot623/hero/internal/protocol"
	"github.com/xiaot623/hero/internal/workflow"
)

type chanRouter struct {
	questions chan protocol.QuestionMessage
	fail      error
	toUser    int
}

func newChanRouter() *chanRouter {
	return &chanRouter{questions: make(chan protocol.QuestionMessage, 8)}
}

func (r *chanRouter) BroadcastToUser(_ int64, message interface{}) error {
	r.toUser++
	return r.deliver(message)
}

func (r *chanRouter) BroadcastToSession(_ context.Context, _ string, message interface{}) error {
	return r.deliver(message)
}

func (r *chanRouter) deliver(message interface{}) error {
	if r.fail != nil {
		return r.fail
	}
	r.questions <- message.(protocol.QuestionMessage)
	return nil
}

func int64Ptr(v int64) *int64 { return &v }

type outcome struct {
	answer Answer
	err    error
}

func ask(s *Service, req Request) <-chan outcome {
	done := make(chan outcome, 1)
	go func() {
		a, err := s.Ask(context.Background(), req)
		done <- outcome{a, err}
	}()
	return done
}

func await(t *testing.T, done <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-done:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("question did not resolve")
	}
	return outcome{}
}

func TestAskAndAnswer(t *testing.T) {
	router := newChanRouter()
	s := NewService(router, 0)
	done := ask(s, Request{UserID: 1, SessionID: "s1", Question: "Deploy?", Options: []string{"yes", "no"}})

	msg := <-router.questions
	assert.Equal(t, protocol.TypeQuestion, msg.Type)
	assert.Equal(t, []string{"yes", "no"}, msg.Options)
	assert.Equal(t, "s1", msg.SessionID)

	assert.ErrorIs(t, s.Answer(msg.QuestionID, "no", domain.SecurityContext{UserID: int64Ptr(2)}), workflow.ErrNotAuthorized)
	require.NoError(t, s.Answer(msg.QuestionID, "yes", domain.SecurityContext{UserID: int64Ptr(1)}))

	o := await(t, done)
	require.NoError(t, o.err)
	assert.Equal(t, Answer{QuestionID: msg.QuestionID, Answer: "yes", Status: StatusAnswered}, o.answer)
	assert.ErrorIs(t, s.Answer(msg.QuestionID, "again", domain.SecurityContext{}), workflow.ErrAlreadyResolved)
}

func TestAskWithoutSessionGoesToUser(t *testing.T) {
	router := newChanRouter()
	s := NewService(router, 0)
	done := ask(s, Request{UserID: 3, Question: "Name?"})

	msg := <-router.questions
	assert.Equal(t, 1, router.toUser)
	require.NoError(t, s.Answer(msg.QuestionID, "ada", domain.SecurityContext{}))
	assert.Equal(t, "ada", await(t, done).answer.Answer)
}

func TestAskTimeoutReturnsDefault(t *testing.T) {
	router := newChanRouter()
	s := NewService(router, 0)
	done := ask(s, Request{UserID: 1, Question: "Continue?", Default: "yes", Timeout: 30 * time.Millisecond})

	msg := <-router.questions
	o := await(t, done)
	require.NoError(t, o.err)
	assert.Equal(t, StatusTimeout, o.answer.Status)
	assert.Equal(t, "yes", o.answer.Answer)
	assert.ErrorIs(t, s.Answer(msg.QuestionID, "no", domain.SecurityContext{}), workflow.ErrNotFound)
}

func TestCancelQuestion(t *testing.T) {
	router := newChanRouter()
	s := NewService(router, 0)
	done := ask(s, Request{UserID: 1, Question: "?"})

	msg := <-router.questions
	assert.True(t, s.Cancel(msg.QuestionID, "agent stopped"))
	o := await(t, done)
	assert.ErrorIs(t, o.err, workflow.ErrCancelled)
	assert.False(t, s.Cancel(msg.QuestionID, ""))
}

func TestAskSendFailure(t *testing.T) {
	router := newChanRouter()
	router.fail = errors.New("directory down")
	s := NewService(router, 0)

	_, err := s.Ask(context.Background(), Request{UserID: 1, SessionID: "s1", Question: "?"})
	assert.Error(t, err)
	assert.Equal(t, 0, s.PendingCount())

	_, err = s.Ask(context.Background(), Request{UserID: 1})
	assert.Error(t, err)
}

func TestSessionQuestionAnsweredByMember(t *testing.T) {
	router := newChanRouter()
	s := NewService(router, 0)
	done := ask(s, Request{SessionID: "s1", Question: "Who reviews?"})

	msg := <-router.questions
	assert.Equal(t, 0, router.toUser)
	require.NoError(t, s.Answer(msg.QuestionID, "me", domain.SecurityContext{UserID: int64Ptr(7)}))

	o := await(t, done)
	require.NoError(t, o.err)
	assert.Equal(t, "me", o.answer.Answer)
	assert.Equal(t, 0, s.PendingCount())
}

func TestAskRequiresUserOrSession(t *testing.T) {
	s := NewService(newChanRouter(), 0)
	_, err := s.Ask(context.Background(), Request{Question: "?"})
	assert.Error(t, err)
	assert.Equal(t, 0, s.PendingCount())
}
