// Package broadcast routes outbound messages to users and sessions.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/xiaot623/hero/internal/domain"
)

// Sender delivers serialized messages to a user's connections.
type Sender interface {
	SendBytes(userID int64, data []byte) int
}

// ParticipantDirectory returns the user participants of a session.
type ParticipantDirectory interface {
	GetUserParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error)
}

// Router sends messages to a single user or to every user in a session.
type Router struct {
	sender    Sender
	directory ParticipantDirectory
}

// NewRouter creates a router.
func NewRouter(sender Sender, directory ParticipantDirectory) *Router {
	return &Router{sender: sender, directory: directory}
}

// BroadcastToUser delivers message to every connection of userID.
// Users without connections are skipped.
func (r *Router) BroadcastToUser(userID int64, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	r.sender.SendBytes(userID, data)
	return nil
}

// BroadcastToSession delivers message to every user participant of the session.
// Agent participants are never addressed.
func (r *Router) BroadcastToSession(ctx context.Context, sessionID string, message interface{}) error {
	participants, err := r.directory.GetUserParticipants(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to list session participants: %w", err)
	}
	if len(participants) == 0 {
		return nil
	}

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	delivered := 0
	for _, p := range participants {
		if p.ParticipantType != domain.ParticipantTypeUser {
			continue
		}
		delivered += r.sender.SendBytes(p.ParticipantID, data)
	}
	if delivered == 0 {
		log.Printf("No live connections for session %s", sessionID)
	}
	return nil
}
