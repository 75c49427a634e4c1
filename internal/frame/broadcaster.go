package frame

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"github.com/xiaot623/hero/internal/domain"
	"github.com/xiaot623/hero/internal/protocol"
)

// SessionRouter delivers a message to every user of a session.
type SessionRouter interface {
	BroadcastToSession(ctx context.Context, sessionID string, message interface{}) error
}

// Sanitizer cleans untrusted markup.
type Sanitizer interface {
	Sanitize(s string) string
}

// CreateOptions describes a frame to persist and announce.
type CreateOptions struct {
	SessionID     string
	ParentID      string
	TargetIDs     []string
	Type          domain.FrameType
	AuthorType    domain.AuthorType
	AuthorID      *int64
	Payload       interface{}
	SkipBroadcast bool
}

// Broadcaster persists frames and announces them to the session.
// Within a session, announcements follow persistence order.
type Broadcaster struct {
	frames    *Store
	router    SessionRouter
	sanitizer Sanitizer
	locks     *keyedMutex
}

// NewBroadcaster creates a broadcaster. A nil sanitizer uses bluemonday's
// user generated content policy.
func NewBroadcaster(frames *Store, router SessionRouter, sanitizer Sanitizer) *Broadcaster {
	if sanitizer == nil {
		sanitizer = bluemonday.UGCPolicy()
	}
	return &Broadcaster{
		frames:    frames,
		router:    router,
		sanitizer: sanitizer,
		locks:     newKeyedMutex(),
	}
}

// Frames returns the underlying frame store.
func (b *Broadcaster) Frames() *Store {
	return b.frames
}

// CreateAndBroadcast persists a frame and, unless suppressed, sends a
// new_frame notification to the session. A frame is never announced before
// it is stored. A failed announcement is logged; the frame stays persisted.
func (b *Broadcaster) CreateAndBroadcast(ctx context.Context, opts CreateOptions) (*domain.Frame, error) {
	payload, err := marshalPayload(opts.Payload)
	if err != nil {
		return nil, err
	}

	unlock := b.locks.lock(opts.SessionID)
	defer unlock()
	return b.createLocked(ctx, opts, payload)
}

// createLocked persists and announces a frame. The caller holds the session lock.
func (b *Broadcaster) createLocked(ctx context.Context, opts CreateOptions, payload json.RawMessage) (*domain.Frame, error) {
	f, err := b.frames.Create(ctx, &domain.Frame{
		SessionID:  opts.SessionID,
		ParentID:   opts.ParentID,
		TargetIDs:  opts.TargetIDs,
		Type:       opts.Type,
		AuthorType: opts.AuthorType,
		AuthorID:   opts.AuthorID,
		Payload:    payload,
	})
	if err != nil {
		return nil, err
	}

	if !opts.SkipBroadcast {
		msg := protocol.NewFrameMessage{
			Type:      protocol.TypeNewFrame,
			SessionID: f.SessionID,
			Frame:     f,
		}
		if err := b.router.BroadcastToSession(ctx, f.SessionID, msg); err != nil {
			log.Printf("WARN: failed to broadcast frame %s: %v", f.ID, err)
		}
	}
	return f, nil
}

// CreateUserMessage stores a message written by a user.
func (b *Broadcaster) CreateUserMessage(ctx context.Context, sessionID string, userID int64, content string) (*domain.Frame, error) {
	return b.CreateAndBroadcast(ctx, CreateOptions{
		SessionID:  sessionID,
		Type:       domain.FrameTypeMessage,
		AuthorType: domain.AuthorTypeUser,
		AuthorID:   &userID,
		Payload:    domain.MessagePayload{Role: "user", Content: content},
	})
}

// CreateAgentMessage stores a message written by an agent. The content is
// sanitized before storage.
func (b *Broadcaster) CreateAgentMessage(ctx context.Context, sessionID string, agentID int64, content string) (*domain.Frame, error) {
	return b.CreateAndBroadcast(ctx, CreateOptions{
		SessionID:  sessionID,
		Type:       domain.FrameTypeMessage,
		AuthorType: domain.AuthorTypeAgent,
		AuthorID:   &agentID,
		Payload:    domain.MessagePayload{Role: "assistant", Content: b.sanitizer.Sanitize(content)},
	})
}

// CreateSystemMessage stores a system message, hidden unless visible is set.
func (b *Broadcaster) CreateSystemMessage(ctx context.Context, sessionID, content string, visible bool) (*domain.Frame, error) {
	return b.CreateAndBroadcast(ctx, CreateOptions{
		SessionID:  sessionID,
		Type:       domain.FrameTypeMessage,
		AuthorType: domain.AuthorTypeSystem,
		Payload:    domain.MessagePayload{Role: "system", Content: content, Hidden: !visible},
	})
}

// CreateRequest stores a request addressed to targetIDs.
func (b *Broadcaster) CreateRequest(ctx context.Context, sessionID string, authorType domain.AuthorType, authorID *int64, targetIDs []string, payload interface{}) (*domain.Frame, error) {
	return b.CreateAndBroadcast(ctx, CreateOptions{
		SessionID:  sessionID,
		TargetIDs:  targetIDs,
		Type:       domain.FrameTypeRequest,
		AuthorType: authorType,
		AuthorID:   authorID,
		Payload:    payload,
	})
}

// CreateResult stores the result of the request frame requestID.
func (b *Broadcaster) CreateResult(ctx context.Context, sessionID, requestID string, authorType domain.AuthorType, authorID *int64, payload interface{}) (*domain.Frame, error) {
	return b.CreateAndBroadcast(ctx, CreateOptions{
		SessionID:  sessionID,
		ParentID:   requestID,
		TargetIDs:  []string{domain.FrameTarget(requestID)},
		Type:       domain.FrameTypeResult,
		AuthorType: authorType,
		AuthorID:   authorID,
		Payload:    payload,
	})
}

// CreateCompact stores a checkpoint of the compiled state.
func (b *Broadcaster) CreateCompact(ctx context.Context, sessionID string, snapshot domain.Compiled) (*domain.Frame, error) {
	return b.CreateAndBroadcast(ctx, CreateOptions{
		SessionID:  sessionID,
		Type:       domain.FrameTypeCompact,
		AuthorType: domain.AuthorTypeSystem,
		Payload:    domain.CompactPayload{Snapshot: snapshot},
	})
}

// CreateUpdate replaces the payload of the frames in frameIDs.
func (b *Broadcaster) CreateUpdate(ctx context.Context, sessionID string, authorType domain.AuthorType, authorID *int64, frameIDs []string, payload interface{}) (*domain.Frame, error) {
	targets := make([]string, 0, len(frameIDs))
	for _, id := range frameIDs {
		targets = append(targets, domain.FrameTarget(id))
	}
	return b.CreateAndBroadcast(ctx, CreateOptions{
		SessionID:  sessionID,
		TargetIDs:  targets,
		Type:       domain.FrameTypeUpdate,
		AuthorType: authorType,
		AuthorID:   authorID,
		Payload:    payload,
	})
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame payload: %w", err)
	}
	return data, nil
}

// keyedMutex hands out one mutex per key and forgets it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// CompactSession checkpoints the current compiled state of a session. No
// other frame of the session is written between compiling and storing the
// checkpoint.
func (b *Broadcaster) CompactSession(ctx context.Context, sessionID string) (*domain.Frame, error) {
	unlock := b.locks.lock(sessionID)
	defer unlock()

	compiled, err := b.frames.CompileSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	payload, err := marshalPayload(domain.CompactPayload{Snapshot: compiled})
	if err != nil {
		return nil, err
	}
	return b.createLocked(ctx, CreateOptions{
		SessionID:  sessionID,
		Type:       domain.FrameTypeCompact,
		AuthorType: domain.AuthorTypeSystem,
	}, payload)
}
