// Package store defines the persistence interface for the chalkboard server
// and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chalkboard-ai/chalkboard/internal/config"
)

var (
	// ErrConflict is returned when a uniqueness constraint blocks a write.
	ErrConflict = errors.New("conflict")
)

// Visibility tiers for messages.
const (
	VisibilityPublic    = "public"
	VisibilityPrivate   = "private"
	VisibilityAgentOnly = "agent_only"
	VisibilityAdminOnly = "admin_only"
)

// ValidVisibility reports whether v is one of the four tiers.
func ValidVisibility(v string) bool {
	switch v {
	case VisibilityPublic, VisibilityPrivate, VisibilityAgentOnly, VisibilityAdminOnly:
		return true
	}
	return false
}

// Store is the persistence interface for the server.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	SetSessionActive(ctx context.Context, id string, active bool, now time.Time) error
	DeleteSession(ctx context.Context, id string) error

	// Messages
	AppendMessage(ctx context.Context, msg *Message) (int64, error)
	GetMessage(ctx context.Context, id int64) (*Message, error)
	GetMessages(ctx context.Context, q MessagesQuery) ([]Message, error)
	CountVisibleMessages(ctx context.Context, sessionID string, r Reader) (int, error)
	SetMessageVisibility(ctx context.Context, messageID int64, visibility string, now time.Time) error
	SearchBySender(ctx context.Context, sessionID string, r Reader, sender string, limit int) ([]Message, error)
	SearchByTimeRange(ctx context.Context, sessionID string, r Reader, start, end time.Time, limit int) ([]Message, error)

	// Agent memory
	UpsertMemory(ctx context.Context, entry *MemoryEntry, overwrite bool) error
	GetMemory(ctx context.Context, agentID, sessionID, key string) (*MemoryEntry, error)
	ListMemory(ctx context.Context, q MemoryQuery) ([]MemoryEntry, error)
	DeleteMemory(ctx context.Context, agentID, sessionID, key string) error
	SweepExpiredMemory(ctx context.Context, now time.Time) (int64, error)

	// Protected tokens
	PutToken(ctx context.Context, rec *TokenRecord) error
	GetToken(ctx context.Context, tokenID string) (*TokenRecord, error)
	DeleteToken(ctx context.Context, tokenID string) error
	SweepExpiredTokens(ctx context.Context, now time.Time) (int64, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error
	Stats() sql.DBStats

	// Lifecycle
	Close() error
}

// New creates a store for the configured driver, wrapped with the
// single-retry policy for transient failures.
func New(cfg config.StorageConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "", "sqlite":
		s, err = NewSQLite(cfg.DSN, cfg.MaxOpenConns, cfg.MaxIdleConns)
	case "postgres":
		s, err = NewPostgres(cfg.DSN, cfg.MaxOpenConns, cfg.MaxIdleConns)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return WithRetry(s), nil
}

// Reader carries the caller attributes the visibility predicate needs.
// SenderType is denormalized onto messages at write time so the predicate
// stays a single-table filter.
type Reader struct {
	AgentID   string
	AgentType string
	Admin     bool
}

// Session is an isolated conversational workspace.
type Session struct {
	ID        string          `json:"id"`
	Purpose   string          `json:"purpose"`
	CreatedBy string          `json:"created_by"`
	IsActive  bool            `json:"is_active"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Message is a stored blackboard message. IDs are monotonic per server.
type Message struct {
	ID              int64           `json:"id"`
	SessionID       string          `json:"session_id"`
	Sender          string          `json:"sender"`
	SenderType      string          `json:"sender_type"`
	Content         string          `json:"content"`
	Visibility      string          `json:"visibility"`
	MessageType     string          `json:"message_type"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	ParentMessageID *int64          `json:"parent_message_id,omitempty"`
}

// MessagesQuery selects visible messages for a reader.
type MessagesQuery struct {
	SessionID   string
	Reader      Reader
	Visibility  string // optional exact-tier filter, applied after the predicate
	Limit       int
	Offset      int
	NewestFirst bool // descending timestamp order, for recency-bounded scans
}

// MemoryEntry is a per-agent key-value row. An empty SessionID means the
// entry is global to the agent.
type MemoryEntry struct {
	ID        int64           `json:"id"`
	AgentID   string          `json:"agent_id"`
	SessionID string          `json:"session_id,omitempty"`
	Key       string          `json:"key"`
	Value     string          `json:"value"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// Expired reports whether the entry is past its expiry at the given instant.
func (e *MemoryEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// Memory list scopes.
const (
	ScopeGlobal  = "global"
	ScopeSession = "session"
	ScopeAll     = "all"
)

// MemoryQuery selects live memory entries for one agent.
type MemoryQuery struct {
	AgentID   string
	Scope     string // global, session, or all
	SessionID string
	Prefix    string
	Limit     int
	Now       time.Time // expiry cutoff
}

// TokenRecord stores an encrypted capability token keyed by its opaque id.
type TokenRecord struct {
	TokenID   string    `json:"token_id"`
	AgentID   string    `json:"agent_id"`
	Payload   []byte    `json:"-"` // ciphertext, never serialized
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AuditEvent is an append-only log entry. Detail must never contain a
// protected token or decrypted capability token.
type AuditEvent struct {
	ID        int64           `json:"id"`
	EventType string          `json:"event_type"`
	AgentID   string          `json:"agent_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Resource  string          `json:"resource,omitempty"`
	Action    string          `json:"action,omitempty"`
	Result    string          `json:"result,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditFilter specifies criteria for listing audit events.
type AuditFilter struct {
	EventType string
	AgentID   string
	SessionID string
	Limit     int
	Offset    int
}
