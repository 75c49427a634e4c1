// Package rpc exposes the coordination core to agent runners over JSON-RPC.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"github.com/xiaot623/hero/internal/ability"
	"github.com/xiaot623/hero/internal/domain"
	"github.com/xiaot623/hero/internal/frame"
	"github.com/xiaot623/hero/internal/interaction"
	"github.com/xiaot623/hero/internal/question"
)

// Server exposes internal RPC endpoints for agent runners.
type Server struct {
	listener  net.Listener
	rpcServer *rpc.Server
	done      chan struct{}
}

// NewServer creates a new RPC server bound to the given handler.
func NewServer(handler *Handler) (*Server, error) {
	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName("Coordinator", handler); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}

	return &Server{
		rpcServer: rpcServer,
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			log.Printf("RPC accept error: %v", err)
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}

	if err := s.listener.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements coordinator RPC methods.
type Handler struct {
	frames    *frame.Broadcaster
	executor  *ability.Executor
	questions *question.Service
	bus       *interaction.Bus

	// questionTimeout applies to questions asked without their own timeout.
	questionTimeout time.Duration
}

// NewHandler creates the RPC method set.
func NewHandler(frames *frame.Broadcaster, executor *ability.Executor, questions *question.Service, bus *interaction.Bus, questionTimeout time.Duration) *Handler {
	return &Handler{
		frames:          frames,
		executor:        executor,
		questions:       questions,
		bus:             bus,
		questionTimeout: questionTimeout,
	}
}

// CreateFrameArgs describes a frame to append and announce.
type CreateFrameArgs struct {
	SessionID     string            `json:"session_id"`
	ParentID      string            `json:"parent_id,omitempty"`
	TargetIDs     []string          `json:"target_ids,omitempty"`
	Type          domain.FrameType  `json:"type"`
	AuthorType    domain.AuthorType `json:"author_type"`
	AuthorID      *int64            `json:"author_id,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	SkipBroadcast bool              `json:"skip_broadcast,omitempty"`
}

// CompileSessionArgs identifies a session.
type CompileSessionArgs struct {
	SessionID string `json:"session_id"`
}

// CompileSessionResponse carries the compiled state of a session.
type CompileSessionResponse struct {
	Compiled domain.Compiled `json:"compiled"`
}

// ExecuteAbilityArgs names an ability to run for an agent. A negative
// Context.ApprovalTimeout waits for an approval decision indefinitely.
type ExecuteAbilityArgs struct {
	Name    string                  `json:"name"`
	Params  map[string]any          `json:"params,omitempty"`
	Context domain.ExecutionContext `json:"context"`
}

// AskArgs is a question for a user.
type AskArgs struct {
	UserID    int64    `json:"user_id"`
	SessionID string   `json:"session_id,omitempty"`
	Question  string   `json:"question"`
	Options   []string `json:"options,omitempty"`
	Default   string   `json:"default,omitempty"`
	TimeoutMs int64    `json:"timeout_ms,omitempty"`
}

// InteractArgs is an interaction to deliver and, when Await is set, wait on.
type InteractArgs struct {
	TargetID       string          `json:"target_id"`
	TargetProperty string          `json:"target_property"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	SessionID      string          `json:"session_id,omitempty"`
	UserID         *int64          `json:"user_id,omitempty"`
	SourceID       string          `json:"source_id,omitempty"`
	Await          bool            `json:"await,omitempty"`
	TimeoutMs      int64           `json:"timeout_ms,omitempty"`
}

// InteractResponse identifies the interaction and, when awaited, its response.
type InteractResponse struct {
	InteractionID string          `json:"interaction_id"`
	Response      json.RawMessage `json:"response,omitempty"`
}

// CreateFrame appends a frame and announces it to the session.
func (h *Handler) CreateFrame(req *CreateFrameArgs, resp *domain.Frame) error {
	if req == nil {
		return errors.New("create frame request is required")
	}

	f, err := h.frames.CreateAndBroadcast(context.Background(), frame.CreateOptions{
		SessionID:     req.SessionID,
		ParentID:      req.ParentID,
		TargetIDs:     req.TargetIDs,
		Type:          req.Type,
		AuthorType:    req.AuthorType,
		AuthorID:      req.AuthorID,
		Payload:       req.Payload,
		SkipBroadcast: req.SkipBroadcast,
	})
	if err != nil {
		return err
	}
	if resp != nil {
		*resp = *f
	}
	return nil
}

// CompileSession returns the compiled state of a session.
func (h *Handler) CompileSession(req *CompileSessionArgs, resp *CompileSessionResponse) error {
	if req == nil || req.SessionID == "" {
		return errors.New("session_id is required")
	}

	compiled, err := h.frames.Frames().CompileSession(context.Background(), req.SessionID)
	if err != nil {
		return err
	}
	if resp != nil {
		resp.Compiled = compiled
	}
	return nil
}

// ExecuteAbility runs an ability on behalf of an agent. Agent calls are
// never treated as user-initiated.
func (h *Handler) ExecuteAbility(req *ExecuteAbilityArgs, resp *ability.Result) error {
	if req == nil {
		return errors.New("execute request is required")
	}
	if req.Name == "" {
		return errors.New("name is required")
	}

	ec := req.Context
	ec.UserInitiated = false
	result := h.executor.Execute(context.Background(), req.Name, req.Params, ec)
	if resp != nil {
		*resp = result
	}
	return nil
}

// Ask sends a question to a user and blocks until it is answered.
func (h *Handler) Ask(req *AskArgs, resp *question.Answer) error {
	if req == nil {
		return errors.New("ask request is required")
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = h.questionTimeout
	}
	answer, err := h.questions.Ask(context.Background(), question.Request{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Question:  req.Question,
		Options:   req.Options,
		Default:   req.Default,
		Timeout:   timeout,
	})
	if err != nil {
		return err
	}
	if resp != nil {
		*resp = answer
	}
	return nil
}

// Interact delivers an interaction, optionally waiting for its response.
func (h *Handler) Interact(req *InteractArgs, resp *InteractResponse) error {
	if req == nil {
		return errors.New("interact request is required")
	}

	ctx := context.Background()
	i, err := h.bus.Create(req.TargetID, req.TargetProperty, req.Payload, interaction.CreateOptions{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		SourceID:  req.SourceID,
	})
	if err != nil {
		return err
	}
	if resp != nil {
		resp.InteractionID = i.InteractionID
	}

	if !req.Await {
		return h.bus.Fire(ctx, i)
	}

	pending, err := h.bus.Send(ctx, i, time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		return err
	}
	payload, err := pending.Wait(ctx)
	if err != nil {
		return err
	}
	if resp != nil {
		resp.Response = payload
	}
	return nil
}
