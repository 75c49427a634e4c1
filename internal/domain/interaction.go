package domain

import "encoding/json"

// Interaction is an addressed, optionally awaited message between parties.
// SenderID set means the interaction was initiated by a user.
type Interaction struct {
	InteractionID  string          `json:"interaction_id"`
	TargetID       string          `json:"target_id"`
	TargetProperty string          `json:"target_property"`
	Payload        json.RawMessage `json:"payload"`
	SenderID       *int64          `json:"sender_id,omitempty"`
	SessionID      string          `json:"session_id,omitempty"`
	UserID         *int64          `json:"user_id,omitempty"`
	SourceID       string          `json:"source_id,omitempty"`
	Ts             int64           `json:"ts"`
}

// UserInitiated reports whether a user sent this interaction.
func (i *Interaction) UserInitiated() bool {
	return i.SenderID != nil
}
