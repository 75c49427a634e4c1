// Package protocol defines the live channel messages exchanged with clients.
package protocol

import (
	"encoding/json"

	"github.com/xiaot623/hero/internal/domain"
)

// Message types from client to server
const (
	TypeInteractionResponse = "interaction_response"
	TypeApprovalResponse    = "ability_approval_response"
	TypeApprovalCancel      = "ability_approval_cancel"
	TypeQuestionResponse    = "question_response"
)

// Message types from server to client
const (
	TypeNewFrame                  = "new_frame"
	TypeInteraction               = "interaction"
	TypeApprovalRequest           = "ability_approval_request"
	TypeExecutionStart            = "ability_execution_start"
	TypeExecutionComplete         = "ability_execution_complete"
	TypeExecutionDenied           = "ability_execution_denied"
	TypeExecutionError            = "ability_execution_error"
	TypeQuestion                  = "question"
	TypeInteractionResponseResult = "interaction_response_result"
	TypeApprovalResult            = "ability_approval_result"
	TypeApprovalCancelResult      = "ability_approval_cancel_result"
	TypeQuestionResponseResult    = "question_response_result"
	TypeError                     = "error"
)

// Envelope is used for parsing incoming messages before type dispatch.
type Envelope struct {
	Type string `json:"type"`
}

// NewFrameMessage announces a persisted frame to the session.
type NewFrameMessage struct {
	Type      string        `json:"type"`
	SessionID string        `json:"sessionId"`
	Frame     *domain.Frame `json:"frame"`
}

// InteractionMessage pushes an interaction to its addressee.
type InteractionMessage struct {
	Type        string              `json:"type"`
	Interaction *domain.Interaction `json:"interaction"`
}

// ApprovalRequestMessage asks the owning user to approve an ability execution.
type ApprovalRequestMessage struct {
	Type        string             `json:"type"`
	ExecutionID string             `json:"executionId"`
	RequestHash string             `json:"requestHash"`
	AbilityName string             `json:"abilityName"`
	AbilityType domain.AbilityType `json:"abilityType"`
	Description string             `json:"description"`
	Category    string             `json:"category"`
	DangerLevel domain.DangerLevel `json:"dangerLevel"`
	Params      map[string]any     `json:"params"`
	SessionID   string             `json:"sessionId,omitempty"`
}

// ExecutionEventMessage reports ability execution progress to a session.
type ExecutionEventMessage struct {
	Type        string `json:"type"`
	AbilityName string `json:"abilityName"`
	ExecutionID string `json:"executionId"`
	Status      string `json:"status,omitempty"`
	Result      any    `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
	Reason      string `json:"reason,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
}

// QuestionMessage asks a user a free-form or multiple-choice question.
type QuestionMessage struct {
	Type       string   `json:"type"`
	QuestionID string   `json:"questionId"`
	Question   string   `json:"question"`
	Options    []string `json:"options,omitempty"`
	SessionID  string   `json:"sessionId,omitempty"`
}

// InteractionResponse is sent by a client to answer an interaction.
// A missing success field counts as success.
type InteractionResponse struct {
	Type          string          `json:"type"`
	InteractionID string          `json:"interactionId"`
	Payload       json.RawMessage `json:"payload"`
	Success       *bool           `json:"success,omitempty"`
}

// ApprovalResponse is sent by the owning user to approve or deny an execution.
type ApprovalResponse struct {
	Type               string  `json:"type"`
	ExecutionID        string  `json:"executionId"`
	Approved           bool    `json:"approved"`
	Reason             string  `json:"reason,omitempty"`
	RememberForSession bool    `json:"rememberForSession,omitempty"`
	RequestHash        *string `json:"requestHash,omitempty"`
}

// ApprovalCancel withdraws a pending approval.
type ApprovalCancel struct {
	Type        string `json:"type"`
	ExecutionID string `json:"executionId"`
}

// QuestionResponse answers a pending question.
type QuestionResponse struct {
	Type       string `json:"type"`
	QuestionID string `json:"questionId"`
	Answer     string `json:"answer"`
}

// InteractionResponseResult acknowledges an InteractionResponse.
type InteractionResponseResult struct {
	Type          string `json:"type"`
	InteractionID string `json:"interactionId"`
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
}

// ApprovalResult acknowledges an ApprovalResponse.
type ApprovalResult struct {
	Type        string `json:"type"`
	ExecutionID string `json:"executionId"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// ApprovalCancelResult acknowledges an ApprovalCancel.
type ApprovalCancelResult struct {
	Type        string `json:"type"`
	ExecutionID string `json:"executionId"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// QuestionResponseResult acknowledges a QuestionResponse.
type QuestionResponseResult struct {
	Type       string `json:"type"`
	QuestionID string `json:"questionId"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// ErrorMessage is sent when an inbound message cannot be parsed.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeInternalError  = "internal_error"
)
