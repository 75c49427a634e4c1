// Package participant manages sessions and their membership.
package participant

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/xiaot623/hero/internal/domain"
)

var (
	// ErrSessionNotFound is returned for unknown sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrParticipantNotFound is returned when the participant is not in the session.
	ErrParticipantNotFound = errors.New("participant not found")
	// ErrForbidden is returned when the actor lacks the required role.
	ErrForbidden = errors.New("forbidden")
	// ErrOwnerImmutable is returned when trying to kick or promote the owner.
	ErrOwnerImmutable = errors.New("session owner cannot be changed")
)

// Store is the persistence for sessions and participants.
type Store interface {
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	DeleteSession(ctx context.Context, sessionID string) (bool, error)
	AddParticipant(ctx context.Context, p *domain.Participant) (bool, error)
	RemoveParticipant(ctx context.Context, sessionID string, ptype domain.ParticipantType, participantID int64) (bool, error)
	ListParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error)
	GetUserParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error)
	PromoteCoordinator(ctx context.Context, sessionID string, ptype domain.ParticipantType, participantID int64) (bool, error)
}

// Notifier records membership changes in the session log.
type Notifier interface {
	CreateSystemMessage(ctx context.Context, sessionID, content string, visible bool) (*domain.Frame, error)
}

// Service manages sessions and membership.
type Service struct {
	store    Store
	notifier Notifier
}

// NewService creates a participant service. notifier may be nil.
func NewService(store Store, notifier Notifier) *Service {
	return &Service{store: store, notifier: notifier}
}

// CreateSession creates a session owned by ownerID.
func (s *Service) CreateSession(ctx context.Context, name string, ownerID int64) (*domain.Session, error) {
	session := &domain.Session{
		SessionID:   "ses_" + uuid.New().String(),
		Name:        name,
		OwnerUserID: ownerID,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if _, err := s.store.AddParticipant(ctx, &domain.Participant{
		SessionID:       session.SessionID,
		ParticipantType: domain.ParticipantTypeUser,
		ParticipantID:   ownerID,
		Role:            domain.RoleOwner,
	}); err != nil {
		return nil, fmt.Errorf("failed to add session owner: %w", err)
	}
	return session, nil
}

// GetSession returns a session.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// DeleteSession removes the session with its history. Only the owner may delete it.
func (s *Service) DeleteSession(ctx context.Context, sessionID string, actorID int64) error {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.OwnerUserID != actorID {
		return ErrForbidden
	}
	if _, err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Invite adds a member to the session. The actor must be owner or coordinator.
// Returns false if the participant was already present.
func (s *Service) Invite(ctx context.Context, sessionID string, actorID int64, ptype domain.ParticipantType, participantID int64, alias string) (bool, error) {
	if ptype != domain.ParticipantTypeUser && ptype != domain.ParticipantTypeAgent {
		return false, fmt.Errorf("invalid participant type %q", ptype)
	}
	if err := s.requireRole(ctx, sessionID, actorID, domain.RoleOwner, domain.RoleCoordinator); err != nil {
		return false, err
	}
	added, err := s.store.AddParticipant(ctx, &domain.Participant{
		SessionID:       sessionID,
		ParticipantType: ptype,
		ParticipantID:   participantID,
		Role:            domain.RoleMember,
		Alias:           alias,
	})
	if err != nil {
		return false, fmt.Errorf("failed to add participant: %w", err)
	}
	if added {
		s.notify(ctx, sessionID, fmt.Sprintf("%s %d joined the session", ptype, participantID))
	}
	return added, nil
}

// Kick removes a participant. Owners and coordinators may remove anyone but
// the owner; a user may always remove themselves.
func (s *Service) Kick(ctx context.Context, sessionID string, actorID int64, ptype domain.ParticipantType, participantID int64) error {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if ptype == domain.ParticipantTypeUser && participantID == session.OwnerUserID {
		return ErrOwnerImmutable
	}
	leaving := ptype == domain.ParticipantTypeUser && participantID == actorID
	if !leaving {
		if err := s.requireRole(ctx, sessionID, actorID, domain.RoleOwner, domain.RoleCoordinator); err != nil {
			return err
		}
	}

	removed, err := s.store.RemoveParticipant(ctx, sessionID, ptype, participantID)
	if err != nil {
		return fmt.Errorf("failed to remove participant: %w", err)
	}
	if !removed {
		return ErrParticipantNotFound
	}
	s.notify(ctx, sessionID, fmt.Sprintf("%s %d left the session", ptype, participantID))
	return nil
}

// Promote makes a participant the session coordinator, demoting the previous
// one. Only the owner may promote.
func (s *Service) Promote(ctx context.Context, sessionID string, actorID int64, ptype domain.ParticipantType, participantID int64) error {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.OwnerUserID != actorID {
		return ErrForbidden
	}
	if ptype == domain.ParticipantTypeUser && participantID == session.OwnerUserID {
		return ErrOwnerImmutable
	}
	ok, err := s.store.PromoteCoordinator(ctx, sessionID, ptype, participantID)
	if err != nil {
		return fmt.Errorf("failed to promote participant: %w", err)
	}
	if !ok {
		return ErrParticipantNotFound
	}
	s.notify(ctx, sessionID, fmt.Sprintf("%s %d is now the coordinator", ptype, participantID))
	return nil
}

// List returns every participant of a session.
func (s *Service) List(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	participants, err := s.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	return participants, nil
}

// GetUserParticipants returns the user participants of a session.
func (s *Service) GetUserParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	return s.store.GetUserParticipants(ctx, sessionID)
}

// IsMember reports whether userID participates in the session.
func (s *Service) IsMember(ctx context.Context, sessionID string, userID int64) (bool, error) {
	_, ok, err := s.roleOf(ctx, sessionID, userID)
	return ok, err
}

func (s *Service) requireRole(ctx context.Context, sessionID string, userID int64, roles ...domain.ParticipantRole) error {
	role, ok, err := s.roleOf(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	for _, r := range roles {
		if role == r {
			return nil
		}
	}
	return ErrForbidden
}

func (s *Service) roleOf(ctx context.Context, sessionID string, userID int64) (domain.ParticipantRole, bool, error) {
	users, err := s.store.GetUserParticipants(ctx, sessionID)
	if err != nil {
		return "", false, fmt.Errorf("failed to list participants: %w", err)
	}
	for _, p := range users {
		if p.ParticipantID == userID {
			return p.Role, true, nil
		}
	}
	return "", false, nil
}

func (s *Service) notify(ctx context.Context, sessionID, content string) {
	if s.notifier == nil {
		return
	}
	if _, err := s.notifier.CreateSystemMessage(ctx, sessionID, content, true); err != nil {
		log.Printf("WARN: failed to record membership change in %s: %v", sessionID, err)
	}
}
