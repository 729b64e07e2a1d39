package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// retryDelay is the pause before the single retry of a transient failure.
const retryDelay = 25 * time.Millisecond

// transientFragments match lock contention, pool exhaustion, serialization
// failures, and dropped connections across both drivers.
var transientFragments = []string{
	"database is locked",
	"table is locked",
	"busy",
	"bad connection",
	"broken pipe",
	"connection reset",
	"sqlstate 40001", // serialization_failure
	"sqlstate 40p01", // deadlock_detected
	"sqlstate 53300", // too_many_connections
	"too many connections",
}

func transient(err error) bool {
	if err == nil ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range transientFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

func retry1[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	v, err := fn()
	if !transient(err) {
		return v, err
	}
	select {
	case <-ctx.Done():
		return v, err
	case <-time.After(retryDelay):
	}
	return fn()
}

func retryErr(ctx context.Context, fn func() error) error {
	_, err := retry1(ctx, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// retryStore decorates a Store, re-running each operation at most once when
// it fails with a transient error. Persistent failures surface unchanged.
type retryStore struct {
	inner Store
}

// WithRetry wraps a store with the single-retry policy.
func WithRetry(s Store) Store {
	return &retryStore{inner: s}
}

func (r *retryStore) CreateSession(ctx context.Context, sess *Session) error {
	return retryErr(ctx, func() error { return r.inner.CreateSession(ctx, sess) })
}

func (r *retryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	return retry1(ctx, func() (*Session, error) { return r.inner.GetSession(ctx, id) })
}

func (r *retryStore) SetSessionActive(ctx context.Context, id string, active bool, now time.Time) error {
	return retryErr(ctx, func() error { return r.inner.SetSessionActive(ctx, id, active, now) })
}

func (r *retryStore) DeleteSession(ctx context.Context, id string) error {
	return retryErr(ctx, func() error { return r.inner.DeleteSession(ctx, id) })
}

func (r *retryStore) AppendMessage(ctx context.Context, msg *Message) (int64, error) {
	return retry1(ctx, func() (int64, error) { return r.inner.AppendMessage(ctx, msg) })
}

func (r *retryStore) GetMessage(ctx context.Context, id int64) (*Message, error) {
	return retry1(ctx, func() (*Message, error) { return r.inner.GetMessage(ctx, id) })
}

func (r *retryStore) GetMessages(ctx context.Context, q MessagesQuery) ([]Message, error) {
	return retry1(ctx, func() ([]Message, error) { return r.inner.GetMessages(ctx, q) })
}

func (r *retryStore) CountVisibleMessages(ctx context.Context, sessionID string, rd Reader) (int, error) {
	return retry1(ctx, func() (int, error) { return r.inner.CountVisibleMessages(ctx, sessionID, rd) })
}

func (r *retryStore) SetMessageVisibility(ctx context.Context, messageID int64, visibility string, now time.Time) error {
	return retryErr(ctx, func() error { return r.inner.SetMessageVisibility(ctx, messageID, visibility, now) })
}

func (r *retryStore) SearchBySender(ctx context.Context, sessionID string, rd Reader, sender string, limit int) ([]Message, error) {
	return retry1(ctx, func() ([]Message, error) {
		return r.inner.SearchBySender(ctx, sessionID, rd, sender, limit)
	})
}

func (r *retryStore) SearchByTimeRange(ctx context.Context, sessionID string, rd Reader, start, end time.Time, limit int) ([]Message, error) {
	return retry1(ctx, func() ([]Message, error) {
		return r.inner.SearchByTimeRange(ctx, sessionID, rd, start, end, limit)
	})
}

func (r *retryStore) UpsertMemory(ctx context.Context, entry *MemoryEntry, overwrite bool) error {
	return retryErr(ctx, func() error { return r.inner.UpsertMemory(ctx, entry, overwrite) })
}

func (r *retryStore) GetMemory(ctx context.Context, agentID, sessionID, key string) (*MemoryEntry, error) {
	return retry1(ctx, func() (*MemoryEntry, error) { return r.inner.GetMemory(ctx, agentID, sessionID, key) })
}

func (r *retryStore) ListMemory(ctx context.Context, q MemoryQuery) ([]MemoryEntry, error) {
	return retry1(ctx, func() ([]MemoryEntry, error) { return r.inner.ListMemory(ctx, q) })
}

func (r *retryStore) DeleteMemory(ctx context.Context, agentID, sessionID, key string) error {
	return retryErr(ctx, func() error { return r.inner.DeleteMemory(ctx, agentID, sessionID, key) })
}

func (r *retryStore) SweepExpiredMemory(ctx context.Context, now time.Time) (int64, error) {
	return retry1(ctx, func() (int64, error) { return r.inner.SweepExpiredMemory(ctx, now) })
}

func (r *retryStore) PutToken(ctx context.Context, rec *TokenRecord) error {
	return retryErr(ctx, func() error { return r.inner.PutToken(ctx, rec) })
}

func (r *retryStore) GetToken(ctx context.Context, tokenID string) (*TokenRecord, error) {
	return retry1(ctx, func() (*TokenRecord, error) { return r.inner.GetToken(ctx, tokenID) })
}

func (r *retryStore) DeleteToken(ctx context.Context, tokenID string) error {
	return retryErr(ctx, func() error { return r.inner.DeleteToken(ctx, tokenID) })
}

func (r *retryStore) SweepExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	return retry1(ctx, func() (int64, error) { return r.inner.SweepExpiredTokens(ctx, now) })
}

func (r *retryStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	return retryErr(ctx, func() error { return r.inner.LogAuditEvent(ctx, event) })
}

func (r *retryStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	return retry1(ctx, func() ([]AuditEvent, error) { return r.inner.ListAuditEvents(ctx, filter) })
}

func (r *retryStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	return retry1(ctx, func() (int64, error) { return r.inner.PurgeOldAuditEvents(ctx, before) })
}

func (r *retryStore) Ping(ctx context.Context) error {
	return r.inner.Ping(ctx)
}

func (r *retryStore) Stats() sql.DBStats {
	return r.inner.Stats()
}

func (r *retryStore) Close() error {
	return r.inner.Close()
}
