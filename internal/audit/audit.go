// Package audit records security-relevant events to the append-only audit
// table. Writes are best-effort: an audit failure is logged, never surfaced
// to the caller.
package audit

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/chalkboard-ai/chalkboard/internal/store"
)

// Event types recorded by the server.
const (
	EventTokenIssued    = "auth.token_issued"
	EventTokenRefreshed = "auth.token_refreshed"
	EventTokenRevoked   = "auth.token_revoked"
	EventAuthFailed     = "auth.failed"
	EventDenied         = "auth.denied"

	EventSessionCreated = "session.created"
	EventSessionClosed  = "session.closed"
	EventSessionDeleted = "session.deleted"

	EventMessageAdded      = "message.added"
	EventVisibilityChanged = "message.visibility_changed"

	EventMemorySet     = "memory.set"
	EventMemoryDeleted = "memory.deleted"
)

// Results recorded alongside events.
const (
	ResultOK     = "ok"
	ResultDenied = "denied"
	ResultError  = "error"
)

// protectedTokenPattern matches opaque token ids so they never land in the
// audit trail.
var protectedTokenPattern = regexp.MustCompile(`sct_[0-9a-fA-F-]+`)

// Logger writes audit events through the store.
type Logger struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewLogger creates an audit logger.
func NewLogger(st store.Store, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		store:  st,
		logger: logger.With("component", "audit"),
		now:    time.Now,
	}
}

// Record writes one audit event. Detail is scrubbed of protected token ids
// before it is stored.
func (l *Logger) Record(ctx context.Context, event store.AuditEvent) {
	event.CreatedAt = l.now().UTC()
	if len(event.Detail) > 0 {
		event.Detail = protectedTokenPattern.ReplaceAll(event.Detail, []byte("sct_[redacted]"))
	}
	if err := l.store.LogAuditEvent(ctx, &event); err != nil {
		l.logger.Warn("audit write failed",
			"event_type", event.EventType,
			"agent_id", event.AgentID,
			"error", err)
	}
}

// Scrub removes protected token ids from free-form text.
func Scrub(s string) string {
	return protectedTokenPattern.ReplaceAllString(s, "sct_[redacted]")
}
