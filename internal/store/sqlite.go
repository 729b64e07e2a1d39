package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// visibilityPredicate is the single-table SQL filter enforcing the four
// tiers. Placeholders bind, in order: reader agent id, reader agent type,
// reader admin flag. sender_type is denormalized at write time; joining
// audit rows to infer it is forbidden.
const visibilityPredicate = `(visibility = 'public'
	OR (visibility = 'private' AND sender = ?)
	OR (visibility = 'agent_only' AND sender_type = ?)
	OR (visibility = 'admin_only' AND ?))`

func predicateArgs(r Reader) []any {
	return []any{r.AgentID, r.AgentType, r.Admin}
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations. Schema bootstrap
// happens here, once per process; request paths never re-initialize.
func NewSQLite(dsn string, maxOpen, maxIdle int) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-8192", // ~8MB
		"PRAGMA busy_timeout=5000",
		"PRAGMA mmap_size=268435456", // 256MB
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	// Pre-ping so a bad DSN fails at startup, not on the first request.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return s, nil
}

// sqliteMigrations are applied in order; schema_version records the highest
// applied entry so restarts skip completed work.
var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		purpose TEXT NOT NULL,
		created_by TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		metadata TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		sender TEXT NOT NULL,
		sender_type TEXT NOT NULL,
		content TEXT NOT NULL,
		visibility TEXT NOT NULL DEFAULT 'public',
		message_type TEXT NOT NULL DEFAULT 'agent_response',
		metadata TEXT,
		ts DATETIME NOT NULL,
		parent_message_id INTEGER REFERENCES messages(id) ON DELETE SET NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session_ts ON messages(session_id, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_sender_ts ON messages(sender, ts)`,
	`CREATE TABLE IF NOT EXISTS agent_memory (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		metadata TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		expires_at DATETIME,
		UNIQUE (agent_id, session_id, key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_memory_expires ON agent_memory(expires_at)`,
	`CREATE TABLE IF NOT EXISTS protected_tokens (
		token_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_protected_tokens_agent ON protected_tokens(agent_id, expires_at)`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		resource TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_agent ON audit_events(agent_id, created_at)`,
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, m := range sqliteMigrations {
		version := i + 1
		if version <= current {
			continue
		}
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration %d failed: %w\n  SQL: %s", version, err, m)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
			version, time.Now().UTC()); err != nil {
			return fmt.Errorf("record migration %d: %w", version, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Stats() sql.DBStats {
	return s.db.Stats()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, purpose, created_by, is_active, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Purpose, sess.CreatedBy, sess.IsActive, nullableJSON(sess.Metadata),
		sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return ErrConflict
	}
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	var metadata sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, purpose, created_by, is_active, metadata, created_at, updated_at
		 FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.Purpose, &sess.CreatedBy, &sess.IsActive, &metadata,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if metadata.Valid && metadata.String != "" {
		sess.Metadata = []byte(metadata.String)
	}
	return &sess, err
}

func (s *SQLiteStore) SetSessionActive(ctx context.Context, id string, active bool, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET is_active = ?, updated_at = ? WHERE id = ?",
		active, now, id,
	)
	return err
}

// DeleteSession removes the session, its messages (FK cascade), and its
// session-scoped memory.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM agent_memory WHERE session_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Messages ---

// AppendMessage inserts the message and bumps the parent session's
// updated_at in one transaction. The assigned monotonic id is returned.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, sender, sender_type, content, visibility, message_type, metadata, ts, parent_message_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.SessionID, msg.Sender, msg.SenderType, msg.Content, msg.Visibility,
		msg.MessageType, nullableJSON(msg.Metadata), msg.Timestamp, msg.ParentMessageID,
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET updated_at = ? WHERE id = ?", msg.Timestamp, msg.SessionID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	msg.ID = id
	return id, nil
}

const messageColumns = "id, session_id, sender, sender_type, content, visibility, message_type, metadata, ts, parent_message_id"

func scanMessage(sc interface{ Scan(...any) error }) (Message, error) {
	var m Message
	var metadata sql.NullString
	var parent sql.NullInt64
	err := sc.Scan(&m.ID, &m.SessionID, &m.Sender, &m.SenderType, &m.Content,
		&m.Visibility, &m.MessageType, &metadata, &m.Timestamp, &parent)
	if err != nil {
		return m, err
	}
	if metadata.Valid && metadata.String != "" {
		m.Metadata = []byte(metadata.String)
	}
	if parent.Valid {
		m.ParentMessageID = &parent.Int64
	}
	return m, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteStore) GetMessages(ctx context.Context, q MessagesQuery) ([]Message, error) {
	query := "SELECT " + messageColumns + " FROM messages WHERE session_id = ? AND " + visibilityPredicate
	args := append([]any{q.SessionID}, predicateArgs(q.Reader)...)

	if q.Visibility != "" {
		query += " AND visibility = ?"
		args = append(args, q.Visibility)
	}

	if q.NewestFirst {
		query += " ORDER BY ts DESC, id DESC LIMIT ?"
	} else {
		query += " ORDER BY ts ASC, id ASC LIMIT ?"
	}
	args = append(args, q.Limit)
	if q.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, q.Offset)
	}

	return s.queryMessages(ctx, query, args...)
}

func (s *SQLiteStore) CountVisibleMessages(ctx context.Context, sessionID string, r Reader) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE session_id = ? AND "+visibilityPredicate,
		append([]any{sessionID}, predicateArgs(r)...)...,
	).Scan(&count)
	return count, err
}

func (s *SQLiteStore) SetMessageVisibility(ctx context.Context, messageID int64, visibility string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE messages SET visibility = ? WHERE id = ?", visibility, messageID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ?
		 WHERE id = (SELECT session_id FROM messages WHERE id = ?)`, now, messageID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) SearchBySender(ctx context.Context, sessionID string, r Reader, sender string, limit int) ([]Message, error) {
	query := "SELECT " + messageColumns + ` FROM messages
		WHERE session_id = ? AND sender = ? AND ` + visibilityPredicate + `
		ORDER BY ts DESC, id DESC LIMIT ?`
	args := append([]any{sessionID, sender}, predicateArgs(r)...)
	args = append(args, limit)
	return s.queryMessages(ctx, query, args...)
}

// SearchByTimeRange compares through SQLite's datetime() so differently
// formatted stored timestamps collate correctly; never compare ISO strings.
func (s *SQLiteStore) SearchByTimeRange(ctx context.Context, sessionID string, r Reader, start, end time.Time, limit int) ([]Message, error) {
	query := "SELECT " + messageColumns + ` FROM messages
		WHERE session_id = ?
		AND datetime(ts) >= datetime(?) AND datetime(ts) <= datetime(?)
		AND ` + visibilityPredicate + `
		ORDER BY ts DESC, id DESC LIMIT ?`
	args := append([]any{sessionID, start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano)}, predicateArgs(r)...)
	args = append(args, limit)
	return s.queryMessages(ctx, query, args...)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// --- Agent memory ---

func (s *SQLiteStore) UpsertMemory(ctx context.Context, e *MemoryEntry, overwrite bool) error {
	if !overwrite {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO agent_memory (agent_id, session_id, key, value, metadata, created_at, updated_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (agent_id, session_id, key) DO NOTHING`,
			e.AgentID, e.SessionID, e.Key, e.Value, nullableJSON(e.Metadata),
			e.CreatedAt, e.UpdatedAt, e.ExpiresAt,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrConflict
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_memory (agent_id, session_id, key, value, metadata, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (agent_id, session_id, key) DO UPDATE SET
		   value = excluded.value,
		   metadata = excluded.metadata,
		   updated_at = excluded.updated_at,
		   expires_at = excluded.expires_at`,
		e.AgentID, e.SessionID, e.Key, e.Value, nullableJSON(e.Metadata),
		e.CreatedAt, e.UpdatedAt, e.ExpiresAt,
	)
	return err
}

const memoryColumns = "id, agent_id, session_id, key, value, metadata, created_at, updated_at, expires_at"

func scanMemory(sc interface{ Scan(...any) error }) (MemoryEntry, error) {
	var e MemoryEntry
	var metadata sql.NullString
	var expires sql.NullTime
	err := sc.Scan(&e.ID, &e.AgentID, &e.SessionID, &e.Key, &e.Value, &metadata,
		&e.CreatedAt, &e.UpdatedAt, &expires)
	if err != nil {
		return e, err
	}
	if metadata.Valid && metadata.String != "" {
		e.Metadata = []byte(metadata.String)
	}
	if expires.Valid {
		t := expires.Time
		e.ExpiresAt = &t
	}
	return e, nil
}

func (s *SQLiteStore) GetMemory(ctx context.Context, agentID, sessionID, key string) (*MemoryEntry, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+memoryColumns+" FROM agent_memory WHERE agent_id = ? AND session_id = ? AND key = ?",
		agentID, sessionID, key)
	e, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLiteStore) ListMemory(ctx context.Context, q MemoryQuery) ([]MemoryEntry, error) {
	query := "SELECT " + memoryColumns + " FROM agent_memory WHERE agent_id = ?"
	args := []any{q.AgentID}

	switch q.Scope {
	case ScopeGlobal:
		query += " AND session_id = ''"
	case ScopeSession:
		query += " AND session_id = ?"
		args = append(args, q.SessionID)
	case ScopeAll:
		// no scope filter
	}

	if q.Prefix != "" {
		query += " AND key LIKE ? ESCAPE '\\'"
		args = append(args, escapeLike(q.Prefix)+"%")
	}

	// Expired-but-unswept rows are filtered out, not surfaced.
	query += " AND (expires_at IS NULL OR expires_at > ?)"
	args = append(args, q.Now)

	query += " ORDER BY key ASC LIMIT ?"
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []MemoryEntry
	for rows.Next() {
		e, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) DeleteMemory(ctx context.Context, agentID, sessionID, key string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM agent_memory WHERE agent_id = ? AND session_id = ? AND key = ?",
		agentID, sessionID, key)
	return err
}

func (s *SQLiteStore) SweepExpiredMemory(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM agent_memory WHERE expires_at IS NOT NULL AND expires_at <= ?", now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Protected tokens ---

func (s *SQLiteStore) PutToken(ctx context.Context, rec *TokenRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO protected_tokens (token_id, agent_id, payload, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.TokenID, rec.AgentID, rec.Payload, rec.CreatedAt, rec.ExpiresAt,
	)
	return err
}

func (s *SQLiteStore) GetToken(ctx context.Context, tokenID string) (*TokenRecord, error) {
	var rec TokenRecord
	err := s.db.QueryRowContext(ctx,
		"SELECT token_id, agent_id, payload, created_at, expires_at FROM protected_tokens WHERE token_id = ?",
		tokenID,
	).Scan(&rec.TokenID, &rec.AgentID, &rec.Payload, &rec.CreatedAt, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &rec, err
}

func (s *SQLiteStore) DeleteToken(ctx context.Context, tokenID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM protected_tokens WHERE token_id = ?", tokenID)
	return err
}

func (s *SQLiteStore) SweepExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM protected_tokens WHERE expires_at <= ?", now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Audit ---

func (s *SQLiteStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (event_type, agent_id, session_id, resource, action, result, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventType, event.AgentID, event.SessionID, event.Resource,
		event.Action, event.Result, detail, event.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `SELECT id, event_type, agent_id, session_id, resource, action, result, detail, created_at
	          FROM audit_events WHERE 1=1`
	var args []any

	if filter.EventType != "" {
		query += " AND event_type LIKE ?"
		args = append(args, filter.EventType+"%")
	}
	if filter.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	if filter.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}

	query += " ORDER BY created_at DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ?"
	args = append(args, limit)
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.EventType, &e.AgentID, &e.SessionID, &e.Resource,
			&e.Action, &e.Result, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = []byte(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE created_at < ?", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- helpers ---

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}
