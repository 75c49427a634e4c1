package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// TimestampLayout is the fixed-width UTC layout used for frame timestamps.
// Fixed width keeps lexical order identical to chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Frame is one immutable event in a session's append-only log.
type Frame struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"sessionId"`
	ParentID   string          `json:"parentId,omitempty"`
	TargetIDs  []string        `json:"targetIds"`
	Timestamp  string          `json:"timestamp"`
	Type       FrameType       `json:"type"`
	AuthorType AuthorType      `json:"authorType"`
	AuthorID   *int64          `json:"authorId,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// MessagePayload is the payload of a message frame.
type MessagePayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Hidden  bool   `json:"hidden,omitempty"`
}

// CompactPayload is the payload of a compact frame.
type CompactPayload struct {
	Snapshot map[string]json.RawMessage `json:"snapshot"`
}

// Compiled maps a frame id to its current effective payload.
type Compiled map[string]json.RawMessage

// Target prefixes used in Frame.TargetIDs.
const (
	TargetPrefixFrame  = "frame"
	TargetPrefixAgent  = "agent"
	TargetPrefixSystem = "system"
)

// FrameTarget addresses another frame.
func FrameTarget(id string) string { return TargetPrefixFrame + ":" + id }

// AgentTarget addresses an agent.
func AgentTarget(id string) string { return TargetPrefixAgent + ":" + id }

// SystemTarget addresses a system action.
func SystemTarget(action string) string { return TargetPrefixSystem + ":" + action }

// ParseTarget splits a prefix:value target. ok is false when no prefix is present.
func ParseTarget(target string) (prefix, value string, ok bool) {
	prefix, value, ok = strings.Cut(target, ":")
	if !ok || prefix == "" {
		return "", "", false
	}
	return prefix, value, true
}
