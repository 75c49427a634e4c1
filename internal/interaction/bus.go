// Package interaction implements addressed request/response exchanges
// between the system, agents and users.
package interaction

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xiaot623/hero/internal/domain"
	"github.com/xiaot623/hero/internal/protocol"
	"github.com/xiaot623/hero/internal/workflow"
)

// Router pushes messages to users and sessions.
type Router interface {
	BroadcastToUser(userID int64, message interface{}) error
	BroadcastToSession(ctx context.Context, sessionID string, message interface{}) error
}

// CreateOptions carries the optional addressing of a new interaction.
type CreateOptions struct {
	SessionID string
	UserID    *int64
	SenderID  *int64
	SourceID  string
}

// ResponseError is the failure delivered when a responder answers with success=false.
type ResponseError struct {
	Payload json.RawMessage
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("interaction rejected: %s", string(e.Payload))
}

// Bus tracks pending interactions and matches responses to them.
type Bus struct {
	router  Router
	pending *workflow.Table[*domain.Interaction, json.RawMessage]
}

// NewBus creates a bus. retention bounds how long resolved ids are remembered.
func NewBus(router Router, retention time.Duration) *Bus {
	return &Bus{
		router:  router,
		pending: workflow.NewTable[*domain.Interaction, json.RawMessage](retention),
	}
}

// Create builds an interaction with a fresh id. It is neither registered nor sent.
func (b *Bus) Create(targetID, targetProperty string, payload interface{}, opts CreateOptions) (*domain.Interaction, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case nil:
		raw = json.RawMessage(`null`)
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal interaction payload: %w", err)
		}
		raw = data
	}

	return &domain.Interaction{
		InteractionID:  "int_" + uuid.New().String(),
		TargetID:       targetID,
		TargetProperty: targetProperty,
		Payload:        raw,
		SenderID:       opts.SenderID,
		SessionID:      opts.SessionID,
		UserID:         opts.UserID,
		SourceID:       opts.SourceID,
		Ts:             time.Now().UnixMilli(),
	}, nil
}

// Pending is an interaction awaiting its response.
type Pending struct {
	entry *workflow.Entry[*domain.Interaction, json.RawMessage]
}

// ID returns the interaction id.
func (p *Pending) ID() string {
	return p.entry.ID
}

// Wait blocks until the interaction is answered, cancelled or times out.
// A negative answer is returned as *ResponseError.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	return p.entry.Wait(ctx)
}

// Request registers the interaction as pending. A zero timeout waits indefinitely.
func (b *Bus) Request(i *domain.Interaction, timeout time.Duration) (*Pending, error) {
	entry, err := b.pending.Register(i.InteractionID, i, workflow.Options[*domain.Interaction, json.RawMessage]{
		Timeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register interaction %s: %w", i.InteractionID, err)
	}
	return &Pending{entry: entry}, nil
}

// Fire pushes the interaction to the session when it has one, else to its user.
func (b *Bus) Fire(ctx context.Context, i *domain.Interaction) error {
	msg := protocol.InteractionMessage{Type: protocol.TypeInteraction, Interaction: i}
	switch {
	case i.SessionID != "":
		return b.router.BroadcastToSession(ctx, i.SessionID, msg)
	case i.UserID != nil:
		return b.router.BroadcastToUser(*i.UserID, msg)
	default:
		return fmt.Errorf("interaction %s has no session or user", i.InteractionID)
	}
}

// Send registers and fires an interaction in one step. If firing fails the
// pending entry is cancelled.
func (b *Bus) Send(ctx context.Context, i *domain.Interaction, timeout time.Duration) (*Pending, error) {
	p, err := b.Request(i, timeout)
	if err != nil {
		return nil, err
	}
	if err := b.Fire(ctx, i); err != nil {
		b.pending.Cancel(i.InteractionID, err)
		return nil, fmt.Errorf("failed to fire interaction: %w", err)
	}
	return p, nil
}

// Respond resolves a pending interaction. An interaction addressed to a user
// can only be answered by that user; a rejected responder leaves it pending.
func (b *Bus) Respond(interactionID string, payload json.RawMessage, success bool, sec domain.SecurityContext) error {
	entry, err := b.pending.Take(interactionID, func(i *domain.Interaction) error {
		if i.UserID != nil && sec.UserID != nil && *i.UserID != *sec.UserID {
			return workflow.ErrNotAuthorized
		}
		return nil
	})
	if err != nil {
		return err
	}
	if success {
		entry.Complete(payload, nil)
	} else {
		entry.Complete(nil, &ResponseError{Payload: payload})
	}
	return nil
}

// Cancel ends a pending interaction with a cancellation failure.
// It reports whether anything was pending.
func (b *Bus) Cancel(interactionID, reason string) bool {
	cause := workflow.ErrCancelled
	if reason != "" {
		cause = fmt.Errorf("%w: %s", workflow.ErrCancelled, reason)
	}
	return b.pending.Cancel(interactionID, cause)
}

// PendingCount returns the number of interactions awaiting a response.
func (b *Bus) PendingCount() int {
	return b.pending.Len()
}
