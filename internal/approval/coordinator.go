// Package approval gates risky ability executions behind an explicit,
// owner-verified and replay-protected decision.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/xiaot623/hero/internal/domain"
	"github.com/xiaot623/hero/internal/policy"
	"github.com/xiaot623/hero/internal/protocol"
	"github.com/xiaot623/hero/internal/store"
	"github.com/xiaot623/hero/internal/workflow"
)

// ErrHashMismatch is returned when a response does not match the original request.
var ErrHashMismatch = errors.New("hash mismatch: possible replay")

// ErrAuditWrite is returned when a decision took effect but its audit row
// could not be updated.
var ErrAuditWrite = errors.New("failed to persist approval audit row")

// Reasons recorded on terminal audit rows.
const (
	ReasonTimeout   = "approval timed out"
	ReasonCancelled = "cancelled"
	ReasonRestarted = "coordinator restarted"
)

// Store is the persistence for approval audit rows and session consent.
type Store interface {
	CreateApproval(ctx context.Context, record *domain.ApprovalRecord) error
	ResolveApproval(ctx context.Context, executionID string, status domain.ApprovalStatus, reason string) (bool, error)
	ListApprovals(ctx context.Context, filter store.ApprovalFilter) ([]domain.ApprovalRecord, error)
	ExpirePendingApprovals(ctx context.Context, reason string) (int64, error)
	GrantConsent(ctx context.Context, consent *domain.SessionConsent) error
	RevokeConsent(ctx context.Context, sessionID, abilityName string) (bool, error)
	HasConsent(ctx context.Context, sessionID, abilityName string) (bool, error)
	ListConsents(ctx context.Context, sessionID string) ([]domain.SessionConsent, error)
}

// UserRouter delivers a message to every connection of a user.
type UserRouter interface {
	BroadcastToUser(userID int64, message interface{}) error
}

// PolicyEngine decides whether an invocation needs approval.
type PolicyEngine interface {
	RequireApproval(ctx context.Context, input policy.Input) (bool, error)
}

// Decision is the terminal outcome of an approval request.
type Decision struct {
	Status domain.ApprovalStatus `json:"status"`
	Reason string                `json:"reason,omitempty"`
}

// Approved reports whether the request was approved.
func (d Decision) Approved() bool {
	return d.Status == domain.ApprovalStatusApproved
}

// Pending describes an approval awaiting its owner's decision.
type Pending struct {
	ExecutionID string
	AbilityName string
	Params      map[string]any
	RequestHash string
	OwnerUserID int64
	SessionID   string
	CreatedAt   time.Time
}

// Coordinator tracks pending approvals and records their outcome.
type Coordinator struct {
	store   Store
	router  UserRouter
	policy  PolicyEngine
	pending *workflow.Table[*Pending, Decision]
}

// NewCoordinator creates an approval coordinator.
func NewCoordinator(s Store, router UserRouter, engine PolicyEngine, retention time.Duration) *Coordinator {
	return &Coordinator{
		store:   s,
		router:  router,
		policy:  engine,
		pending: workflow.NewTable[*Pending, Decision](retention),
	}
}

// CheckApprovalRequired reports whether executing ability needs approval.
// Any failure to decide requires approval.
func (c *Coordinator) CheckApprovalRequired(ctx context.Context, ability *domain.Ability, ec domain.ExecutionContext) (bool, error) {
	consented := false
	if !ability.Permissions.AutoApprove && ability.Permissions.AutoApprovePolicy == domain.PolicySession && ec.SessionID != "" {
		ok, err := c.store.HasConsent(ctx, ec.SessionID, ability.Name)
		if err != nil {
			return true, fmt.Errorf("failed to check session consent: %w", err)
		}
		consented = ok
	}

	required, err := c.policy.RequireApproval(ctx, policy.Input{
		AbilityName:      ability.Name,
		AutoApprove:      ability.Permissions.AutoApprove,
		Policy:           string(ability.Permissions.AutoApprovePolicy),
		DangerLevel:      string(ability.Permissions.DangerLevel),
		SessionConsented: consented,
	})
	if err != nil {
		return true, err
	}
	return required, nil
}

// RequestApproval asks the owner of ec to approve the invocation and waits
// for the decision. A zero timeout waits indefinitely. Timeouts resolve with
// status timeout rather than an error.
func (c *Coordinator) RequestApproval(ctx context.Context, ability *domain.Ability, params map[string]any, ec domain.ExecutionContext, timeout time.Duration) (Decision, error) {
	executionID := ec.ExecutionID
	if executionID == "" {
		executionID = "exec_" + uuid.New().String()
	}
	if params == nil {
		params = map[string]any{}
	}

	hash, err := RequestHash(ability.Name, params)
	if err != nil {
		return Decision{}, err
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to marshal params: %w", err)
	}

	now := time.Now().UTC()
	if err := c.store.CreateApproval(ctx, &domain.ApprovalRecord{
		ExecutionID: executionID,
		AbilityName: ability.Name,
		Params:      paramsJSON,
		RequestHash: hash,
		OwnerUserID: ec.UserID,
		SessionID:   ec.SessionID,
		Status:      domain.ApprovalStatusPending,
		CreatedAt:   now,
	}); err != nil {
		return Decision{}, fmt.Errorf("failed to persist approval: %w", err)
	}

	p := &Pending{
		ExecutionID: executionID,
		AbilityName: ability.Name,
		Params:      params,
		RequestHash: hash,
		OwnerUserID: ec.UserID,
		SessionID:   ec.SessionID,
		CreatedAt:   now,
	}
	entry, err := c.pending.Register(executionID, p, workflow.Options[*Pending, Decision]{
		Timeout:   timeout,
		OnTimeout: c.onTimeout,
	})
	if err != nil {
		c.persist(context.Background(), executionID, domain.ApprovalStatusDenied, err.Error())
		return Decision{}, fmt.Errorf("failed to register approval %s: %w", executionID, err)
	}

	msg := protocol.ApprovalRequestMessage{
		Type:        protocol.TypeApprovalRequest,
		ExecutionID: executionID,
		RequestHash: hash,
		AbilityName: ability.Name,
		AbilityType: ability.Type,
		Description: ability.Description,
		Category:    ability.Category,
		DangerLevel: ability.Permissions.DangerLevel,
		Params:      params,
		SessionID:   ec.SessionID,
	}
	if err := c.router.BroadcastToUser(ec.UserID, msg); err != nil {
		log.Printf("WARN: failed to deliver approval request %s: %v", executionID, err)
	}

	decision, err := entry.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			c.persist(context.Background(), executionID, domain.ApprovalStatusDenied, ReasonCancelled)
		}
		return Decision{}, err
	}
	return decision, nil
}

func (c *Coordinator) onTimeout(executionID string, _ *Pending) workflow.Outcome[Decision] {
	c.persist(context.Background(), executionID, domain.ApprovalStatusTimeout, ReasonTimeout)
	return workflow.Outcome[Decision]{Value: Decision{Status: domain.ApprovalStatusTimeout, Reason: ReasonTimeout}}
}

// HandleApprovalResponse resolves a pending approval. Checks run in order:
// existence, ownership, request hash. A rejected response leaves the
// approval pending for its owner.
func (c *Coordinator) HandleApprovalResponse(ctx context.Context, executionID string, approved bool, reason string, remember bool, sec domain.SecurityContext) (Decision, error) {
	entry, err := c.pending.Take(executionID, func(p *Pending) error {
		if sec.UserID != nil && *sec.UserID != p.OwnerUserID {
			return workflow.ErrNotAuthorized
		}
		if sec.RequestHash != nil && *sec.RequestHash != p.RequestHash {
			return ErrHashMismatch
		}
		return nil
	})
	if err != nil {
		return Decision{}, err
	}

	decision := Decision{Status: domain.ApprovalStatusDenied, Reason: reason}
	if approved {
		decision.Status = domain.ApprovalStatusApproved
	}

	_, persistErr := c.store.ResolveApproval(ctx, executionID, decision.Status, reason)
	if persistErr != nil {
		persistErr = fmt.Errorf("%w: %v", ErrAuditWrite, persistErr)
	}

	p := entry.Meta
	if approved && remember && p.SessionID != "" {
		if err := c.GrantSessionConsent(ctx, p.SessionID, p.AbilityName, p.OwnerUserID); err != nil {
			log.Printf("WARN: failed to remember consent for %s in %s: %v", p.AbilityName, p.SessionID, err)
		}
	}

	entry.Complete(decision, nil)
	return decision, persistErr
}

// CancelApproval withdraws a pending approval; the waiter sees it denied.
func (c *Coordinator) CancelApproval(ctx context.Context, executionID string, sec domain.SecurityContext) error {
	entry, err := c.pending.Take(executionID, func(p *Pending) error {
		if sec.UserID != nil && *sec.UserID != p.OwnerUserID {
			return workflow.ErrNotAuthorized
		}
		return nil
	})
	if err != nil {
		return err
	}

	_, persistErr := c.store.ResolveApproval(ctx, executionID, domain.ApprovalStatusDenied, ReasonCancelled)
	entry.Complete(Decision{Status: domain.ApprovalStatusDenied, Reason: ReasonCancelled}, nil)
	if persistErr != nil {
		return fmt.Errorf("%w: %v", ErrAuditWrite, persistErr)
	}
	return nil
}

// GrantSessionConsent pre-approves an ability for the rest of a session.
func (c *Coordinator) GrantSessionConsent(ctx context.Context, sessionID, abilityName string, grantedBy int64) error {
	if sessionID == "" || abilityName == "" {
		return fmt.Errorf("session id and ability name are required")
	}
	return c.store.GrantConsent(ctx, &domain.SessionConsent{
		SessionID:   sessionID,
		AbilityName: abilityName,
		GrantedBy:   grantedBy,
		CreatedAt:   time.Now().UTC(),
	})
}

// RevokeSessionConsent forgets a session consent.
func (c *Coordinator) RevokeSessionConsent(ctx context.Context, sessionID, abilityName string) (bool, error) {
	return c.store.RevokeConsent(ctx, sessionID, abilityName)
}

// ListSessionConsents lists the consents of a session.
func (c *Coordinator) ListSessionConsents(ctx context.Context, sessionID string) ([]domain.SessionConsent, error) {
	return c.store.ListConsents(ctx, sessionID)
}

// ListPending returns the pending approvals owned by userID.
func (c *Coordinator) ListPending(ctx context.Context, userID int64) ([]domain.ApprovalRecord, error) {
	return c.store.ListApprovals(ctx, store.ApprovalFilter{OwnerUserID: userID, Status: domain.ApprovalStatusPending})
}

// History returns the most recent approvals owned by userID.
func (c *Coordinator) History(ctx context.Context, userID int64, limit int) ([]domain.ApprovalRecord, error) {
	return c.store.ListApprovals(ctx, store.ApprovalFilter{OwnerUserID: userID, Limit: limit})
}

// RecoverStale marks approvals left pending by a previous process as timed out.
func (c *Coordinator) RecoverStale(ctx context.Context) (int64, error) {
	n, err := c.store.ExpirePendingApprovals(ctx, ReasonRestarted)
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale approvals: %w", err)
	}
	if n > 0 {
		log.Printf("Expired %d stale approvals", n)
	}
	return n, nil
}

// PendingCount returns the number of approvals awaiting a decision.
func (c *Coordinator) PendingCount() int {
	return c.pending.Len()
}

func (c *Coordinator) persist(ctx context.Context, executionID string, status domain.ApprovalStatus, reason string) {
	if _, err := c.store.ResolveApproval(ctx, executionID, status, reason); err != nil {
		log.Printf("WARN: failed to persist approval %s as %s: %v", executionID, status, err)
	}
}
