// Package protocol defines the wire messages exchanged between chalkboard and
// connected agents over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with a "type" field
// that determines the payload structure. Envelope timestamps are
// seconds-precision Unix floats (UTC).
package protocol

import (
	"encoding/json"
	"time"
)

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"` // correlation id for tool calls
	SessionID string          `json:"session_id,omitempty"`
	Timestamp float64         `json:"ts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// UnixSeconds converts a time to the envelope timestamp representation.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UTC().UnixNano()) / float64(time.Second)
}

// --- Message type constants ---

const (
	// Client -> server
	TypeToolCall    = "tool.call"
	TypeSubscribe   = "session.subscribe"
	TypeUnsubscribe = "session.unsubscribe"
	TypePing        = "ping"

	// Server -> client
	TypeToolResult = "tool.result"
	TypeEvent      = "event"
	TypeError      = "error"
	TypePong       = "pong"
)

// Event type names carried in SessionEvent payloads.
const (
	EventMessageAdded      = "message_added"
	EventVisibilityChanged = "message_visibility_changed"
	EventMemoryUpdated     = "memory_updated"
	EventSessionClosed     = "session_closed"
)

// ToolCall invokes a named tool with structured arguments.
type ToolCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Subscribe requests live events for a session.
type Subscribe struct {
	SessionID string `json:"session_id"`
}

// Unsubscribe stops live events for a session.
type Unsubscribe struct {
	SessionID string `json:"session_id"`
}

// SessionEvent is a post-commit notification fanned out to subscribers.
type SessionEvent struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp float64        `json:"timestamp"`
}

// ErrorResponse carries an error from server to client.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
