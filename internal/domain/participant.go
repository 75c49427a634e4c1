package domain

import "time"

// Session is a shared conversation between users and agents.
type Session struct {
	SessionID   string    `json:"session_id"`
	Name        string    `json:"name,omitempty"`
	OwnerUserID int64     `json:"owner_user_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Participant is a member of a session.
type Participant struct {
	SessionID       string          `json:"session_id"`
	ParticipantType ParticipantType `json:"participant_type"`
	ParticipantID   int64           `json:"participant_id"`
	Role            ParticipantRole `json:"role"`
	Alias           string          `json:"alias,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}
