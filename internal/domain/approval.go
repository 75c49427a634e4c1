package domain

import (
	"encoding/json"
	"time"
)

// ApprovalRecord is the persisted audit row of an approval request.
type ApprovalRecord struct {
	ExecutionID string          `json:"execution_id"`
	AbilityName string          `json:"ability_name"`
	Params      json.RawMessage `json:"params,omitempty"`
	RequestHash string          `json:"request_hash"`
	OwnerUserID int64           `json:"owner_user_id"`
	SessionID   string          `json:"session_id,omitempty"`
	Status      ApprovalStatus  `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
}

// SessionConsent remembers that an ability is pre-approved within a session.
type SessionConsent struct {
	SessionID   string    `json:"session_id"`
	AbilityName string    `json:"ability_name"`
	GrantedBy   int64     `json:"granted_by"`
	CreatedAt   time.Time `json:"created_at"`
}
