package domain

import "context"

// AbilityHandler executes a function-type ability.
type AbilityHandler func(ctx context.Context, params map[string]any, ec ExecutionContext) (any, error)

// Permissions describes the approval requirements of an ability.
type Permissions struct {
	AutoApprove       bool           `json:"autoApprove"`
	AutoApprovePolicy ApprovalPolicy `json:"autoApprovePolicy"`
	DangerLevel       DangerLevel    `json:"dangerLevel"`
}

// Ability is a named operation that agents or users can invoke.
type Ability struct {
	Name        string         `json:"name"`
	Type        AbilityType    `json:"type"`
	Description string         `json:"description,omitempty"`
	Category    string         `json:"category,omitempty"`
	Permissions Permissions    `json:"permissions"`
	Handler     AbilityHandler `json:"-"`
	Content     string         `json:"content,omitempty"`
}

// ExecutionContext carries the caller identity for ability execution.
// ApprovalTimeout is in milliseconds: zero uses the configured default and a
// negative value waits for the decision indefinitely.
type ExecutionContext struct {
	UserID          int64  `json:"user_id"`
	SessionID       string `json:"session_id,omitempty"`
	UserInitiated   bool   `json:"user_initiated,omitempty"`
	ApprovalTimeout int64  `json:"approval_timeout_ms,omitempty"`
	ExecutionID     string `json:"execution_id,omitempty"`
}

// SecurityContext is the verified identity of the party resolving a workflow.
// Nil fields are not checked.
type SecurityContext struct {
	UserID      *int64
	RequestHash *string
}
