// Package store defines the storage interface and implementations.
package store

import (
	"context"

	"github.com/xiaot623/hero/internal/domain"
)

// Store defines the interface for data persistence.
type Store interface {
	// Session operations
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	DeleteSession(ctx context.Context, sessionID string) (bool, error)

	// Participant operations
	AddParticipant(ctx context.Context, p *domain.Participant) (bool, error)
	RemoveParticipant(ctx context.Context, sessionID string, ptype domain.ParticipantType, participantID int64) (bool, error)
	ListParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error)
	GetUserParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error)
	PromoteCoordinator(ctx context.Context, sessionID string, ptype domain.ParticipantType, participantID int64) (bool, error)

	// Frame operations
	CreateFrame(ctx context.Context, frame *domain.Frame) error
	GetFrames(ctx context.Context, sessionID string, filter FrameFilter) ([]domain.Frame, error)

	// Approval operations
	CreateApproval(ctx context.Context, record *domain.ApprovalRecord) error
	GetApproval(ctx context.Context, executionID string) (*domain.ApprovalRecord, error)
	ResolveApproval(ctx context.Context, executionID string, status domain.ApprovalStatus, reason string) (bool, error)
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]domain.ApprovalRecord, error)
	ExpirePendingApprovals(ctx context.Context, reason string) (int64, error)

	// Session consent operations
	GrantConsent(ctx context.Context, consent *domain.SessionConsent) error
	RevokeConsent(ctx context.Context, sessionID, abilityName string) (bool, error)
	HasConsent(ctx context.Context, sessionID, abilityName string) (bool, error)
	ListConsents(ctx context.Context, sessionID string) ([]domain.SessionConsent, error)

	// Lifecycle
	Close() error
}

// FrameFilter provides filtering and pagination options for frames.
// FromTimestamp is exclusive-after, BeforeTimestamp exclusive-before.
type FrameFilter struct {
	Type            domain.FrameType
	Limit           int
	FromTimestamp   string
	BeforeTimestamp string
}

// ApprovalFilter provides filtering options for approval audit rows.
type ApprovalFilter struct {
	OwnerUserID int64
	SessionID   string
	Status      domain.ApprovalStatus
	Limit       int
}
