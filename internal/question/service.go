// Package question asks users free-form or multiple-choice questions and
// waits for their answers.
package question

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xiaot623/hero/internal/domain"
	"github.com/xiaot623/hero/internal/protocol"
	"github.com/xiaot623/hero/internal/workflow"
)

// Answer statuses.
const (
	StatusAnswered = "answered"
	StatusTimeout  = "timeout"
)

// Router pushes messages to users and sessions.
type Router interface {
	BroadcastToUser(userID int64, message interface{}) error
	BroadcastToSession(ctx context.Context, sessionID string, message interface{}) error
}

// Request describes a question. A zero UserID addresses the whole session and
// any responder may answer. A zero Timeout waits indefinitely; on timeout the
// Default answer is returned.
type Request struct {
	UserID    int64
	SessionID string
	Question  string
	Options   []string
	Default   string
	Timeout   time.Duration
}

// Answer is the outcome of a question.
type Answer struct {
	QuestionID string `json:"questionId"`
	Answer     string `json:"answer"`
	Status     string `json:"status"`
}

type pendingQuestion struct {
	UserID  int64
	Default string
}

// Service tracks pending questions.
type Service struct {
	router  Router
	pending *workflow.Table[pendingQuestion, Answer]
}

// NewService creates a question service.
func NewService(router Router, retention time.Duration) *Service {
	return &Service{
		router:  router,
		pending: workflow.NewTable[pendingQuestion, Answer](retention),
	}
}

// Ask sends the question to the session, or to the user when there is no
// session, and waits for the answer.
func (s *Service) Ask(ctx context.Context, req Request) (Answer, error) {
	if req.Question == "" {
		return Answer{}, fmt.Errorf("question text is required")
	}
	if req.UserID == 0 && req.SessionID == "" {
		return Answer{}, fmt.Errorf("question needs a user or a session")
	}
	id := "q_" + uuid.New().String()
	entry, err := s.pending.Register(id, pendingQuestion{UserID: req.UserID, Default: req.Default}, workflow.Options[pendingQuestion, Answer]{
		Timeout: req.Timeout,
		OnTimeout: func(id string, meta pendingQuestion) workflow.Outcome[Answer] {
			return workflow.Outcome[Answer]{Value: Answer{QuestionID: id, Answer: meta.Default, Status: StatusTimeout}}
		},
	})
	if err != nil {
		return Answer{}, fmt.Errorf("failed to register question: %w", err)
	}

	msg := protocol.QuestionMessage{
		Type:       protocol.TypeQuestion,
		QuestionID: id,
		Question:   req.Question,
		Options:    req.Options,
		SessionID:  req.SessionID,
	}
	if req.SessionID != "" {
		err = s.router.BroadcastToSession(ctx, req.SessionID, msg)
	} else {
		err = s.router.BroadcastToUser(req.UserID, msg)
	}
	if err != nil {
		s.pending.Cancel(id, err)
		return Answer{}, fmt.Errorf("failed to send question: %w", err)
	}

	return entry.Wait(ctx)
}

// Answer resolves a pending question. A question asked of one user can only
// be answered by that user.
func (s *Service) Answer(questionID, answer string, sec domain.SecurityContext) error {
	entry, err := s.pending.Take(questionID, func(q pendingQuestion) error {
		if q.UserID != 0 && sec.UserID != nil && *sec.UserID != q.UserID {
			return workflow.ErrNotAuthorized
		}
		return nil
	})
	if err != nil {
		return err
	}
	entry.Complete(Answer{QuestionID: questionID, Answer: answer, Status: StatusAnswered}, nil)
	return nil
}

// Cancel ends a pending question with a cancellation failure.
func (s *Service) Cancel(questionID, reason string) bool {
	cause := workflow.ErrCancelled
	if reason != "" {
		cause = fmt.Errorf("%w: %s", workflow.ErrCancelled, reason)
	}
	return s.pending.Cancel(questionID, cause)
}

// PendingCount returns the number of unanswered questions.
func (s *Service) PendingCount() int {
	return s.pending.Len()
}
