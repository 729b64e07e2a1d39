// Package session implements the shared-context workspace: session
// lifecycle, the message blackboard, and visibility changes. All writes to a
// session serialize on its write lock, and events publish only after the
// database commit.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/chalkboard-ai/chalkboard/internal/audit"
	"github.com/chalkboard-ai/chalkboard/internal/auth"
	"github.com/chalkboard-ai/chalkboard/internal/bus"
	"github.com/chalkboard-ai/chalkboard/internal/fault"
	"github.com/chalkboard-ai/chalkboard/internal/metrics"
	"github.com/chalkboard-ai/chalkboard/internal/store"
)

// Input limits.
const (
	MaxPurposeLen = 1000
	MaxContentLen = 100000
	MaxListLimit  = 200
	DefaultLimit  = 50
)

// Event names published on the bus.
const (
	EventMessageAdded      = "message_added"
	EventVisibilityChanged = "message_visibility_changed"
	EventSessionClosed     = "session_closed"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

// Service coordinates session and message operations.
type Service struct {
	store   store.Store
	locks   *store.SessionLocks
	bus     *bus.Bus
	bridge  *bus.Bridge
	audit   *audit.Logger
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a session service. bridge may be nil when no broadcast
// endpoint is configured.
func New(st store.Store, locks *store.SessionLocks, b *bus.Bus, bridge *bus.Bridge, al *audit.Logger, mc *metrics.Collector, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   st,
		locks:   locks,
		bus:     b,
		bridge:  bridge,
		audit:   al,
		metrics: mc,
		logger:  logger.With("component", "session"),
		now:     time.Now,
	}
}

// publish fans the event out to local subscribers. Non-blocking; safe to
// call under the session write lock, which keeps fan-out order matching
// commit order. Called only after commit.
func (s *Service) publish(event bus.Event) bus.Event {
	event.Timestamp = s.now().UTC()
	s.bus.Publish(event)
	return event
}

// notifyBridge posts the event to the co-hosted broadcast endpoint. The post
// can block up to the bridge timeout, so it must never run while holding a
// session write lock.
func (s *Service) notifyBridge(ctx context.Context, event bus.Event) {
	if s.bridge != nil {
		s.bridge.Notify(ctx, event)
	}
}

// Create registers a new session. An empty id gets a generated one.
func (s *Service) Create(ctx context.Context, id *auth.Identity, sessionID, purpose string, metadata json.RawMessage) (*store.Session, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	} else if !sessionIDPattern.MatchString(sessionID) {
		return nil, fault.Invalid("session_id must match %s", sessionIDPattern.String())
	}
	if purpose == "" {
		return nil, fault.Invalid("purpose is required")
	}
	if len(purpose) > MaxPurposeLen {
		return nil, fault.Invalid("purpose exceeds %d characters", MaxPurposeLen)
	}

	now := s.now().UTC()
	sess := &store.Session{
		ID:        sessionID,
		Purpose:   purpose,
		CreatedBy: id.AgentID,
		IsActive:  true,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		if err == store.ErrConflict {
			return nil, fault.Conflict("session %q already exists", sessionID)
		}
		return nil, fault.Unavailable("create session failed")
	}

	s.audit.Record(ctx, store.AuditEvent{
		EventType: audit.EventSessionCreated,
		AgentID:   id.AgentID,
		SessionID: sessionID,
		Result:    audit.ResultOK,
	})
	s.logger.Info("session created", "session_id", sessionID, "created_by", id.AgentID)
	return sess, nil
}

// Get returns the session plus the number of messages the caller can see.
func (s *Service) Get(ctx context.Context, id *auth.Identity, sessionID string) (*store.Session, int, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, 0, fault.Unavailable("get session failed")
	}
	if sess == nil {
		return nil, 0, fault.NotFound("session %q not found", sessionID)
	}

	count, err := s.store.CountVisibleMessages(ctx, sessionID, readerOf(id))
	if err != nil {
		return nil, 0, fault.Unavailable("count messages failed")
	}
	return sess, count, nil
}

// AddMessageInput carries the fields for a new message.
type AddMessageInput struct {
	SessionID       string
	Content         string
	Visibility      string
	MessageType     string
	Metadata        json.RawMessage
	ParentMessageID *int64
}

// AddMessage appends a message under the session write lock. The session
// must exist and be active; closed sessions reject writes but stay readable.
func (s *Service) AddMessage(ctx context.Context, id *auth.Identity, in AddMessageInput) (*store.Message, error) {
	if in.Content == "" {
		return nil, fault.Invalid("content is required")
	}
	if len(in.Content) > MaxContentLen {
		return nil, fault.Invalid("content exceeds %d characters", MaxContentLen)
	}
	if in.Visibility == "" {
		in.Visibility = store.VisibilityPublic
	}
	if !store.ValidVisibility(in.Visibility) {
		return nil, fault.Invalid("unknown visibility %q", in.Visibility)
	}
	if in.Visibility == store.VisibilityAdminOnly && id.Tier() != auth.TierAdmin {
		return nil, fault.Denied("admin_only messages require the admin tier")
	}
	if in.MessageType == "" {
		in.MessageType = "agent_response"
	}

	var (
		msg   *store.Message
		event bus.Event
	)
	err := func() error {
		s.locks.Lock(in.SessionID)
		defer s.locks.Unlock(in.SessionID)

		sess, err := s.store.GetSession(ctx, in.SessionID)
		if err != nil {
			return fault.Unavailable("get session failed")
		}
		if sess == nil {
			return fault.NotFound("session %q not found", in.SessionID)
		}
		if !sess.IsActive {
			return fault.Conflict("session %q is closed", in.SessionID)
		}

		if in.ParentMessageID != nil {
			parent, err := s.store.GetMessage(ctx, *in.ParentMessageID)
			if err != nil {
				return fault.Unavailable("get parent message failed")
			}
			if parent == nil || parent.SessionID != in.SessionID {
				return fault.Invalid("parent message %d not in session", *in.ParentMessageID)
			}
		}

		msg = &store.Message{
			SessionID:       in.SessionID,
			Sender:          id.AgentID,
			SenderType:      id.AgentType,
			Content:         in.Content,
			Visibility:      in.Visibility,
			MessageType:     in.MessageType,
			Metadata:        in.Metadata,
			Timestamp:       s.now().UTC(),
			ParentMessageID: in.ParentMessageID,
		}
		if _, err := s.store.AppendMessage(ctx, msg); err != nil {
			return fault.Unavailable("append message failed")
		}

		event = s.publish(bus.Event{
			Name:      EventMessageAdded,
			SessionID: in.SessionID,
			Data: map[string]any{
				"message_id": msg.ID,
				"sender":     msg.Sender,
				"visibility": msg.Visibility,
			},
		})
		return nil
	}()
	if err != nil {
		return nil, err
	}

	s.metrics.MessageAdded()
	s.audit.Record(ctx, store.AuditEvent{
		EventType: audit.EventMessageAdded,
		AgentID:   id.AgentID,
		SessionID: in.SessionID,
		Result:    audit.ResultOK,
	})
	s.notifyBridge(ctx, event)
	return msg, nil
}

// MessagesInput selects messages from a session.
type MessagesInput struct {
	SessionID  string
	Visibility string
	Limit      int
	Offset     int
}

// Messages lists the messages the caller can see, oldest first.
func (s *Service) Messages(ctx context.Context, id *auth.Identity, in MessagesInput) ([]store.Message, error) {
	if in.Visibility != "" && !store.ValidVisibility(in.Visibility) {
		return nil, fault.Invalid("unknown visibility %q", in.Visibility)
	}
	if in.Limit <= 0 {
		in.Limit = DefaultLimit
	}
	if in.Limit > MaxListLimit {
		in.Limit = MaxListLimit
	}
	if in.Offset < 0 {
		return nil, fault.Invalid("offset must be non-negative")
	}

	sess, err := s.store.GetSession(ctx, in.SessionID)
	if err != nil {
		return nil, fault.Unavailable("get session failed")
	}
	if sess == nil {
		return nil, fault.NotFound("session %q not found", in.SessionID)
	}

	msgs, err := s.store.GetMessages(ctx, store.MessagesQuery{
		SessionID:  in.SessionID,
		Reader:     readerOf(id),
		Visibility: in.Visibility,
		Limit:      in.Limit,
		Offset:     in.Offset,
	})
	if err != nil {
		return nil, fault.Unavailable("list messages failed")
	}
	return msgs, nil
}

// SetVisibility changes a message's tier and returns the updated message
// with its previous tier. Only the sender or an admin may change it, and
// only admins may set admin_only. A non-empty reason lands in the audit
// record.
func (s *Service) SetVisibility(ctx context.Context, id *auth.Identity, messageID int64, visibility, reason string) (*store.Message, string, error) {
	if !store.ValidVisibility(visibility) {
		return nil, "", fault.Invalid("unknown visibility %q", visibility)
	}

	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, "", fault.Unavailable("get message failed")
	}
	if msg == nil {
		return nil, "", fault.NotFound("message %d not found", messageID)
	}

	admin := id.Tier() == auth.TierAdmin
	if msg.Sender != id.AgentID && !admin {
		return nil, "", fault.Denied("only the sender or an admin may change visibility")
	}
	if visibility == store.VisibilityAdminOnly && !admin {
		return nil, "", fault.Denied("admin_only requires the admin tier")
	}

	var event bus.Event
	err = func() error {
		s.locks.Lock(msg.SessionID)
		defer s.locks.Unlock(msg.SessionID)

		if err := s.store.SetMessageVisibility(ctx, messageID, visibility, s.now().UTC()); err != nil {
			return fault.Unavailable("set visibility failed")
		}
		event = s.publish(bus.Event{
			Name:      EventVisibilityChanged,
			SessionID: msg.SessionID,
			Data: map[string]any{
				"message_id": messageID,
				"visibility": visibility,
			},
		})
		return nil
	}()
	if err != nil {
		return nil, "", err
	}
	old := msg.Visibility
	msg.Visibility = visibility

	var detail json.RawMessage
	if reason != "" {
		detail, _ = json.Marshal(map[string]string{"reason": reason})
	}
	s.audit.Record(ctx, store.AuditEvent{
		EventType: audit.EventVisibilityChanged,
		AgentID:   id.AgentID,
		SessionID: msg.SessionID,
		Action:    old + " -> " + visibility,
		Detail:    detail,
		Result:    audit.ResultOK,
	})
	s.notifyBridge(ctx, event)
	return msg, old, nil
}

// Close deactivates the session. Reads and history stay available; new
// writes are rejected. Only the creator or an admin may close.
func (s *Service) Close(ctx context.Context, id *auth.Identity, sessionID string) (*store.Session, error) {
	var (
		sess   *store.Session
		event  bus.Event
		closed bool
	)
	err := func() error {
		s.locks.Lock(sessionID)
		defer s.locks.Unlock(sessionID)

		var err error
		sess, err = s.store.GetSession(ctx, sessionID)
		if err != nil {
			return fault.Unavailable("get session failed")
		}
		if sess == nil {
			return fault.NotFound("session %q not found", sessionID)
		}
		if sess.CreatedBy != id.AgentID && id.Tier() != auth.TierAdmin {
			return fault.Denied("only the creator or an admin may close a session")
		}
		if !sess.IsActive {
			return nil
		}

		now := s.now().UTC()
		if err := s.store.SetSessionActive(ctx, sessionID, false, now); err != nil {
			return fault.Unavailable("close session failed")
		}
		sess.IsActive = false
		sess.UpdatedAt = now
		closed = true
		event = s.publish(bus.Event{Name: EventSessionClosed, SessionID: sessionID})
		return nil
	}()
	if err != nil {
		return nil, err
	}
	if !closed {
		return sess, nil
	}

	s.audit.Record(ctx, store.AuditEvent{
		EventType: audit.EventSessionClosed,
		AgentID:   id.AgentID,
		SessionID: sessionID,
		Result:    audit.ResultOK,
	})
	s.notifyBridge(ctx, event)
	s.logger.Info("session closed", "session_id", sessionID, "by", id.AgentID)
	return sess, nil
}

// Delete removes a session and everything hanging off it. Admin only.
func (s *Service) Delete(ctx context.Context, id *auth.Identity, sessionID string) error {
	if id.Tier() != auth.TierAdmin {
		return fault.Denied("delete_session requires the admin tier")
	}

	var event bus.Event
	err := func() error {
		s.locks.Lock(sessionID)
		defer s.locks.Unlock(sessionID)

		sess, err := s.store.GetSession(ctx, sessionID)
		if err != nil {
			return fault.Unavailable("get session failed")
		}
		if sess == nil {
			return fault.NotFound("session %q not found", sessionID)
		}
		if err := s.store.DeleteSession(ctx, sessionID); err != nil {
			return fault.Unavailable("delete session failed")
		}
		event = s.publish(bus.Event{Name: EventSessionClosed, SessionID: sessionID})
		return nil
	}()
	if err != nil {
		return err
	}

	s.audit.Record(ctx, store.AuditEvent{
		EventType: audit.EventSessionDeleted,
		AgentID:   id.AgentID,
		SessionID: sessionID,
		Result:    audit.ResultOK,
	})
	s.notifyBridge(ctx, event)
	return nil
}

func readerOf(id *auth.Identity) store.Reader {
	return store.Reader{
		AgentID:   id.AgentID,
		AgentType: id.AgentType,
		Admin:     id.Tier() == auth.TierAdmin,
	}
}
