// Package frame owns the session event log: persistence, replay and fanout.
package frame

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xiaot623/hero/internal/domain"
	"github.com/xiaot623/hero/internal/store"
)

// QueryFilter selects a window of a session's frames.
type QueryFilter = store.FrameFilter

// Repository is the persistence needed by the frame store.
type Repository interface {
	CreateFrame(ctx context.Context, frame *domain.Frame) error
	GetFrames(ctx context.Context, sessionID string, filter store.FrameFilter) ([]domain.Frame, error)
}

// Store persists frames and serves ordered queries over them.
type Store struct {
	repo Repository

	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewStore creates a frame store backed by repo.
func NewStore(repo Repository) *Store {
	return &Store{repo: repo, now: time.Now}
}

// Create validates and persists a frame. Id and timestamp are assigned when
// empty. Assigned timestamps strictly increase within the process; given ones
// are normalized to the fixed-width layout.
func (s *Store) Create(ctx context.Context, frame *domain.Frame) (*domain.Frame, error) {
	if frame.SessionID == "" {
		return nil, fmt.Errorf("frame session id is required")
	}
	if !frame.Type.Valid() {
		return nil, fmt.Errorf("invalid frame type %q", frame.Type)
	}
	if !frame.AuthorType.Valid() {
		return nil, fmt.Errorf("invalid author type %q", frame.AuthorType)
	}

	f := *frame
	if f.ID == "" {
		f.ID = "frm_" + uuid.New().String()
	}
	if f.Timestamp == "" {
		f.Timestamp = s.nextTimestamp()
	} else {
		t, err := time.Parse(time.RFC3339Nano, f.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("invalid frame timestamp %q: %w", f.Timestamp, err)
		}
		f.Timestamp = domain.FormatTimestamp(t)
	}
	if f.TargetIDs == nil {
		f.TargetIDs = []string{}
	}
	if len(f.Payload) == 0 {
		f.Payload = json.RawMessage(`{}`)
	}

	if err := s.repo.CreateFrame(ctx, &f); err != nil {
		return nil, fmt.Errorf("failed to create frame: %w", err)
	}
	return &f, nil
}

// Query returns a session's frames in ascending timestamp order.
func (s *Store) Query(ctx context.Context, sessionID string, filter QueryFilter) ([]domain.Frame, error) {
	frames, err := s.repo.GetFrames(ctx, sessionID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query frames: %w", err)
	}
	if frames == nil {
		frames = []domain.Frame{}
	}
	return frames, nil
}

// CompileSession replays the full history of a session.
func (s *Store) CompileSession(ctx context.Context, sessionID string) (domain.Compiled, error) {
	frames, err := s.Query(ctx, sessionID, QueryFilter{})
	if err != nil {
		return nil, err
	}
	return Compile(frames), nil
}

func (s *Store) nextTimestamp() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Nanosecond)
	}
	s.last = t
	return domain.FormatTimestamp(t)
}
