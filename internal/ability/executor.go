package ability

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/xiaot623/hero/internal/approval"
	"github.com/xiaot623/hero/internal/domain"
	"github.com/xiaot623/hero/internal/protocol"
)

// Execution statuses reported in Result.Status.
const (
	StatusCompleted = "completed"
	StatusNotFound  = "not_found"
	StatusError     = "error"
)

// Approver gates executions that need an explicit decision.
type Approver interface {
	CheckApprovalRequired(ctx context.Context, ability *domain.Ability, ec domain.ExecutionContext) (bool, error)
	RequestApproval(ctx context.Context, ability *domain.Ability, params map[string]any, ec domain.ExecutionContext, timeout time.Duration) (approval.Decision, error)
	GrantSessionConsent(ctx context.Context, sessionID, abilityName string, grantedBy int64) error
}

// SessionRouter delivers a message to every user of a session.
type SessionRouter interface {
	BroadcastToSession(ctx context.Context, sessionID string, message interface{}) error
}

// Result is the outcome of an execution. Failures are reported here, never
// as a Go error.
type Result struct {
	Success     bool   `json:"success"`
	Status      string `json:"status,omitempty"`
	ExecutionID string `json:"executionId,omitempty"`
	Result      any    `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Executor runs abilities, requesting approval first when required.
type Executor struct {
	registry        *Registry
	approvals       Approver
	router          SessionRouter
	approvalTimeout time.Duration
	now             func() time.Time
}

// NewExecutor creates an executor. approvalTimeout applies when the caller
// gives none; zero waits indefinitely.
func NewExecutor(registry *Registry, approvals Approver, router SessionRouter, approvalTimeout time.Duration) *Executor {
	return &Executor{
		registry:        registry,
		approvals:       approvals,
		router:          router,
		approvalTimeout: approvalTimeout,
		now:             time.Now,
	}
}

// Registry returns the ability registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs the named ability for the caller described by ec.
func (e *Executor) Execute(ctx context.Context, name string, params map[string]any, ec domain.ExecutionContext) (res Result) {
	a, ok := e.registry.Lookup(name)
	if !ok {
		return Result{Success: false, Status: StatusNotFound, Error: fmt.Sprintf("unknown ability: %s", name)}
	}
	if params == nil {
		params = map[string]any{}
	}
	if ec.ExecutionID == "" {
		ec.ExecutionID = "exec_" + uuid.New().String()
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("WARN: ability %s panicked: %v", name, r)
			res = e.fail(ctx, a, ec, fmt.Errorf("ability panicked: %v", r))
		}
	}()

	e.emit(ctx, ec.SessionID, protocol.ExecutionEventMessage{
		Type:        protocol.TypeExecutionStart,
		AbilityName: a.Name,
		ExecutionID: ec.ExecutionID,
	})

	needsApproval := false
	if !ec.UserInitiated {
		required, err := e.approvals.CheckApprovalRequired(ctx, a, ec)
		if err != nil {
			log.Printf("WARN: approval check for %s failed, requiring approval: %v", a.Name, err)
		}
		needsApproval = required || err != nil
	}

	if needsApproval {
		timeout := e.approvalTimeout
		switch {
		case ec.ApprovalTimeout > 0:
			timeout = time.Duration(ec.ApprovalTimeout) * time.Millisecond
		case ec.ApprovalTimeout < 0:
			timeout = 0
		}
		decision, err := e.approvals.RequestApproval(ctx, a, params, ec, timeout)
		if err != nil {
			return e.fail(ctx, a, ec, fmt.Errorf("approval failed: %w", err))
		}
		if !decision.Approved() {
			e.emit(ctx, ec.SessionID, protocol.ExecutionEventMessage{
				Type:        protocol.TypeExecutionDenied,
				AbilityName: a.Name,
				ExecutionID: ec.ExecutionID,
				Status:      string(decision.Status),
				Reason:      decision.Reason,
			})
			return Result{
				Success:     false,
				Status:      string(decision.Status),
				ExecutionID: ec.ExecutionID,
				Reason:      decision.Reason,
			}
		}
		if a.Permissions.AutoApprovePolicy == domain.PolicySession && ec.SessionID != "" {
			if err := e.approvals.GrantSessionConsent(ctx, ec.SessionID, a.Name, ec.UserID); err != nil {
				log.Printf("WARN: failed to record session consent for %s: %v", a.Name, err)
			}
		}
	}

	output, err := e.run(ctx, a, params, ec)
	if err != nil {
		return e.fail(ctx, a, ec, err)
	}

	e.emit(ctx, ec.SessionID, protocol.ExecutionEventMessage{
		Type:        protocol.TypeExecutionComplete,
		AbilityName: a.Name,
		ExecutionID: ec.ExecutionID,
		Status:      StatusCompleted,
		Result:      output,
	})
	return Result{Success: true, Status: StatusCompleted, ExecutionID: ec.ExecutionID, Result: output}
}

func (e *Executor) run(ctx context.Context, a *domain.Ability, params map[string]any, ec domain.ExecutionContext) (any, error) {
	switch a.Type {
	case domain.AbilityTypeFunction:
		if a.Handler == nil {
			return nil, fmt.Errorf("ability %s has no handler", a.Name)
		}
		return a.Handler(ctx, params, ec)
	case domain.AbilityTypeProcess:
		return Render(a.Content, params, ec, e.now()), nil
	default:
		return nil, fmt.Errorf("ability %s has unknown type %q", a.Name, a.Type)
	}
}

func (e *Executor) fail(ctx context.Context, a *domain.Ability, ec domain.ExecutionContext, err error) Result {
	e.emit(ctx, ec.SessionID, protocol.ExecutionEventMessage{
		Type:        protocol.TypeExecutionError,
		AbilityName: a.Name,
		ExecutionID: ec.ExecutionID,
		Status:      StatusError,
		Error:       err.Error(),
	})
	return Result{Success: false, Status: StatusError, ExecutionID: ec.ExecutionID, Error: err.Error()}
}

func (e *Executor) emit(ctx context.Context, sessionID string, msg protocol.ExecutionEventMessage) {
	if sessionID == "" {
		return
	}
	msg.SessionID = sessionID
	if err := e.router.BroadcastToSession(ctx, sessionID, msg); err != nil {
		log.Printf("WARN: failed to broadcast %s for %s: %v", msg.Type, msg.AbilityName, err)
	}
}
