// Package memory implements per-agent key-value storage with optional TTLs.
// Entries are scoped either globally to the agent or to one session; an
// agent can never read another agent's memory.
package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/chalkboard-ai/chalkboard/internal/audit"
	"github.com/chalkboard-ai/chalkboard/internal/auth"
	"github.com/chalkboard-ai/chalkboard/internal/bus"
	"github.com/chalkboard-ai/chalkboard/internal/fault"
	"github.com/chalkboard-ai/chalkboard/internal/store"

	"encoding/json"
)

// Input limits.
const (
	MaxKeyLen   = 255
	MaxValueLen = 100000
	MaxListLen  = 200
	DefaultList = 50
)

// EventMemoryUpdated is published for session-scoped writes. The payload
// carries the agent and key only; memory values are private and never fan
// out.
const EventMemoryUpdated = "memory_updated"

// Service implements agent memory operations.
type Service struct {
	store  store.Store
	bus    *bus.Bus
	audit  *audit.Logger
	logger *slog.Logger
	now    func() time.Time
}

// New creates a memory service. The bus may be nil when no live channel is
// wired.
func New(st store.Store, b *bus.Bus, al *audit.Logger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		bus:    b,
		audit:  al,
		logger: logger.With("component", "memory"),
		now:    time.Now,
	}
}

// notify publishes a memory_updated event for session-scoped entries after
// commit. Global entries have no session subscribers to notify.
func (s *Service) notify(agentID, sessionID, key string) {
	if s.bus == nil || sessionID == "" {
		return
	}
	s.bus.Publish(bus.Event{
		Name:      EventMemoryUpdated,
		SessionID: sessionID,
		Data:      map[string]any{"agent_id": agentID, "key": key},
		Timestamp: s.now().UTC(),
	})
}

// SetInput carries the fields for a memory write. A nil TTL means the entry
// never expires; an explicit zero or negative TTL is rejected.
type SetInput struct {
	Key        string
	Value      string
	SessionID  string // empty for global scope
	TTLSeconds *int64
	Overwrite  bool
	Metadata   json.RawMessage
}

// Set stores a value under the agent's key. The expiry is computed from the
// server clock at write time so created_at and expires_at always order
// correctly.
func (s *Service) Set(ctx context.Context, id *auth.Identity, in SetInput) (*store.MemoryEntry, error) {
	if in.Key == "" {
		return nil, fault.Invalid("key is required")
	}
	if len(in.Key) > MaxKeyLen {
		return nil, fault.Invalid("key exceeds %d characters", MaxKeyLen)
	}
	if len(in.Value) > MaxValueLen {
		return nil, fault.Invalid("value exceeds %d characters", MaxValueLen)
	}
	if in.TTLSeconds != nil && *in.TTLSeconds <= 0 {
		return nil, fault.Invalid("ttl_seconds must be positive; omit it for no expiry")
	}

	if in.SessionID != "" {
		sess, err := s.store.GetSession(ctx, in.SessionID)
		if err != nil {
			return nil, fault.Unavailable("get session failed")
		}
		if sess == nil {
			return nil, fault.NotFound("session %q not found", in.SessionID)
		}
	}

	now := s.now().UTC()
	entry := &store.MemoryEntry{
		AgentID:   id.AgentID,
		SessionID: in.SessionID,
		Key:       in.Key,
		Value:     in.Value,
		Metadata:  in.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.TTLSeconds != nil {
		expires := now.Add(time.Duration(*in.TTLSeconds) * time.Second)
		entry.ExpiresAt = &expires
	}

	if err := s.store.UpsertMemory(ctx, entry, in.Overwrite); err != nil {
		if err == store.ErrConflict {
			return nil, fault.Conflict("key %q already exists; set overwrite to replace it", in.Key)
		}
		return nil, fault.Unavailable("store memory failed")
	}

	s.audit.Record(ctx, store.AuditEvent{
		EventType: audit.EventMemorySet,
		AgentID:   id.AgentID,
		SessionID: in.SessionID,
		Resource:  in.Key,
		Result:    audit.ResultOK,
	})
	s.notify(id.AgentID, in.SessionID, in.Key)
	return entry, nil
}

// Get returns the agent's entry for the key, or NOT_FOUND if absent or
// expired. An expired-but-unswept row reads as absent and is removed on the
// spot rather than waiting for the next sweep.
func (s *Service) Get(ctx context.Context, id *auth.Identity, key, sessionID string) (*store.MemoryEntry, error) {
	if key == "" {
		return nil, fault.Invalid("key is required")
	}

	entry, err := s.store.GetMemory(ctx, id.AgentID, sessionID, key)
	if err != nil {
		return nil, fault.Unavailable("get memory failed")
	}
	if entry == nil {
		return nil, fault.NotFound("key %q not found", key)
	}
	if entry.Expired(s.now().UTC()) {
		if err := s.store.DeleteMemory(ctx, id.AgentID, sessionID, key); err != nil {
			s.logger.Debug("expired entry cleanup failed", "key", key, "error", err)
		}
		return nil, fault.NotFound("key %q not found", key)
	}
	return entry, nil
}

// ListInput selects memory entries.
type ListInput struct {
	Scope     string // global, session, or all; default all
	SessionID string
	Prefix    string
	Limit     int
}

// List returns the agent's live entries. Expired entries are filtered out
// silently.
func (s *Service) List(ctx context.Context, id *auth.Identity, in ListInput) ([]store.MemoryEntry, error) {
	if in.Scope == "" {
		in.Scope = store.ScopeAll
	}
	switch in.Scope {
	case store.ScopeGlobal, store.ScopeSession, store.ScopeAll:
	default:
		return nil, fault.Invalid("unknown scope %q", in.Scope)
	}
	if in.Scope == store.ScopeSession && in.SessionID == "" {
		return nil, fault.Invalid("session scope requires session_id")
	}
	if in.Limit <= 0 {
		in.Limit = DefaultList
	}
	if in.Limit > MaxListLen {
		in.Limit = MaxListLen
	}

	entries, err := s.store.ListMemory(ctx, store.MemoryQuery{
		AgentID:   id.AgentID,
		Scope:     in.Scope,
		SessionID: in.SessionID,
		Prefix:    in.Prefix,
		Limit:     in.Limit,
		Now:       s.now().UTC(),
	})
	if err != nil {
		return nil, fault.Unavailable("list memory failed")
	}
	return entries, nil
}

// Delete removes the agent's entry for the key. Deleting an absent key is
// NOT_FOUND so callers can distinguish it from success.
func (s *Service) Delete(ctx context.Context, id *auth.Identity, key, sessionID string) error {
	if key == "" {
		return fault.Invalid("key is required")
	}

	entry, err := s.store.GetMemory(ctx, id.AgentID, sessionID, key)
	if err != nil {
		return fault.Unavailable("get memory failed")
	}
	if entry == nil {
		return fault.NotFound("key %q not found", key)
	}
	if err := s.store.DeleteMemory(ctx, id.AgentID, sessionID, key); err != nil {
		return fault.Unavailable("delete memory failed")
	}

	s.audit.Record(ctx, store.AuditEvent{
		EventType: audit.EventMemoryDeleted,
		AgentID:   id.AgentID,
		SessionID: sessionID,
		Resource:  key,
		Result:    audit.ResultOK,
	})
	s.notify(id.AgentID, sessionID, key)
	return nil
}

// Sweep removes expired entries and returns how many went.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	return s.store.SweepExpiredMemory(ctx, s.now().UTC())
}
