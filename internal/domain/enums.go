// Package domain defines the core domain models for the coordination backend.
package domain

// FrameType represents the type of a frame.
type FrameType string

const (
	FrameTypeMessage FrameType = "message"
	FrameTypeRequest FrameType = "request"
	FrameTypeResult  FrameType = "result"
	FrameTypeUpdate  FrameType = "update"
	FrameTypeCompact FrameType = "compact"
)

// Valid reports whether t is a known frame type.
func (t FrameType) Valid() bool {
	switch t {
	case FrameTypeMessage, FrameTypeRequest, FrameTypeResult, FrameTypeUpdate, FrameTypeCompact:
		return true
	}
	return false
}

// AuthorType represents who authored a frame.
type AuthorType string

const (
	AuthorTypeUser   AuthorType = "user"
	AuthorTypeAgent  AuthorType = "agent"
	AuthorTypeSystem AuthorType = "system"
)

// Valid reports whether t is a known author type.
func (t AuthorType) Valid() bool {
	switch t {
	case AuthorTypeUser, AuthorTypeAgent, AuthorTypeSystem:
		return true
	}
	return false
}

// ParticipantType represents the kind of a session participant.
type ParticipantType string

const (
	ParticipantTypeUser  ParticipantType = "user"
	ParticipantTypeAgent ParticipantType = "agent"
)

// ParticipantRole represents the role of a participant within a session.
type ParticipantRole string

const (
	RoleOwner       ParticipantRole = "owner"
	RoleCoordinator ParticipantRole = "coordinator"
	RoleMember      ParticipantRole = "member"
)

// AbilityType represents how an ability is executed.
type AbilityType string

const (
	AbilityTypeFunction AbilityType = "function"
	AbilityTypeProcess  AbilityType = "process"
)

// ApprovalPolicy controls when an ability needs an explicit approval.
type ApprovalPolicy string

const (
	PolicyAlways  ApprovalPolicy = "always"
	PolicyNever   ApprovalPolicy = "never"
	PolicyAsk     ApprovalPolicy = "ask"
	PolicySession ApprovalPolicy = "session"
)

// DangerLevel is informational metadata shown to the approver.
type DangerLevel string

const (
	DangerLow      DangerLevel = "low"
	DangerMedium   DangerLevel = "medium"
	DangerHigh     DangerLevel = "high"
	DangerCritical DangerLevel = "critical"
)

// ApprovalStatus represents the status of an approval.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusDenied   ApprovalStatus = "denied"
	ApprovalStatusTimeout  ApprovalStatus = "timeout"
)

// Terminal reports whether s is a final approval state.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalStatusApproved || s == ApprovalStatusDenied || s == ApprovalStatusTimeout
}
