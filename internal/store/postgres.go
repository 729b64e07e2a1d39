package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string, maxOpen, maxIdle int) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return s, nil
}

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		purpose TEXT NOT NULL,
		created_by TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		sender TEXT NOT NULL,
		sender_type TEXT NOT NULL,
		content TEXT NOT NULL,
		visibility TEXT NOT NULL DEFAULT 'public',
		message_type TEXT NOT NULL DEFAULT 'agent_response',
		metadata JSONB,
		ts TIMESTAMPTZ NOT NULL,
		parent_message_id BIGINT REFERENCES messages(id) ON DELETE SET NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session_ts ON messages(session_id, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_sender_ts ON messages(sender, ts)`,
	`CREATE TABLE IF NOT EXISTS agent_memory (
		id BIGSERIAL PRIMARY KEY,
		agent_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ,
		UNIQUE (agent_id, session_id, key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_memory_expires ON agent_memory(expires_at)`,
	`CREATE TABLE IF NOT EXISTS protected_tokens (
		token_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		payload BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_protected_tokens_agent ON protected_tokens(agent_id, expires_at)`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		id BIGSERIAL PRIMARY KEY,
		event_type TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		resource TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_agent ON audit_events(agent_id, created_at)`,
}

func (s *PostgresStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, m := range postgresMigrations {
		version := i + 1
		if version <= current {
			continue
		}
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration %d failed: %w\n  SQL: %s", version, err, m)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version, applied_at) VALUES ($1, $2)",
			version, time.Now().UTC()); err != nil {
			return fmt.Errorf("record migration %d: %w", version, err)
		}
	}
	return nil
}

// pgPredicate renders the visibility filter with positional placeholders
// starting at the given index (agent id, agent type, admin flag).
func pgPredicate(start int) string {
	return fmt.Sprintf(`(visibility = 'public'
		OR (visibility = 'private' AND sender = $%d)
		OR (visibility = 'agent_only' AND sender_type = $%d)
		OR (visibility = 'admin_only' AND $%d))`, start, start+1, start+2)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Stats() sql.DBStats {
	return s.db.Stats()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, purpose, created_by, is_active, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.ID, sess.Purpose, sess.CreatedBy, sess.IsActive, nullableJSON(sess.Metadata),
		sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return ErrConflict
	}
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	var metadata sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, purpose, created_by, is_active, metadata, created_at, updated_at
		 FROM sessions WHERE id = $1`, id,
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

func (s *PostgresStore) SetSessionActive(ctx context.Context, id string, active bool, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET is_active = $1, updated_at = $2 WHERE id = $3",
		active, now, id,
	)
	return err
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM agent_memory WHERE session_id = $1", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = $1", id); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Messages ---

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *Message) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO messages (session_id, sender, sender_type, content, visibility, message_type, metadata, ts, parent_message_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		msg.SessionID, msg.Sender, msg.SenderType, msg.Content, msg.Visibility,
		msg.MessageType, nullableJSON(msg.Metadata), msg.Timestamp, msg.ParentMessageID,
	).Scan(&id)
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET updated_at = $1 WHERE id = $2", msg.Timestamp, msg.SessionID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	msg.ID = id
	return id, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = $1", id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) GetMessages(ctx context.Context, q MessagesQuery) ([]Message, error) {
	query := "SELECT " + messageColumns + " FROM messages WHERE session_id = $1 AND " + pgPredicate(2)
	args := []any{q.SessionID, q.Reader.AgentID, q.Reader.AgentType, q.Reader.Admin}
	n := 5

	if q.Visibility != "" {
		query += fmt.Sprintf(" AND visibility = $%d", n)
		args = append(args, q.Visibility)
		n++
	}

	if q.NewestFirst {
		query += fmt.Sprintf(" ORDER BY ts DESC, id DESC LIMIT $%d", n)
	} else {
		query += fmt.Sprintf(" ORDER BY ts ASC, id ASC LIMIT $%d", n)
	}
	args = append(args, q.Limit)
	n++
	if q.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, q.Offset)
	}

	return s.queryMessages(ctx, query, args...)
}

func (s *PostgresStore) CountVisibleMessages(ctx context.Context, sessionID string, r Reader) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE session_id = $1 AND "+pgPredicate(2),
		sessionID, r.AgentID, r.AgentType, r.Admin,
	).Scan(&count)
	return count, err
}

func (s *PostgresStore) SetMessageVisibility(ctx context.Context, messageID int64, visibility string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE messages SET visibility = $1 WHERE id = $2", visibility, messageID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = $1
		 WHERE id = (SELECT session_id FROM messages WHERE id = $2)`, now, messageID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) SearchBySender(ctx context.Context, sessionID string, r Reader, sender string, limit int) ([]Message, error) {
	query := "SELECT " + messageColumns + ` FROM messages
		WHERE session_id = $1 AND sender = $2 AND ` + pgPredicate(3) + `
		ORDER BY ts DESC, id DESC LIMIT $6`
	return s.queryMessages(ctx, query, sessionID, sender, r.AgentID, r.AgentType, r.Admin, limit)
}

func (s *PostgresStore) SearchByTimeRange(ctx context.Context, sessionID string, r Reader, start, end time.Time, limit int) ([]Message, error) {
	query := "SELECT " + messageColumns + ` FROM messages
		WHERE session_id = $1 AND ts >= $2 AND ts <= $3 AND ` + pgPredicate(4) + `
		ORDER BY ts DESC, id DESC LIMIT $7`
	return s.queryMessages(ctx, query, sessionID, start, end, r.AgentID, r.AgentType, r.Admin, limit)
}

func (s *PostgresStore) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
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

func (s *PostgresStore) UpsertMemory(ctx context.Context, e *MemoryEntry, overwrite bool) error {
	if !overwrite {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO agent_memory (agent_id, session_id, key, value, metadata, created_at, updated_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
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

func (s *PostgresStore) GetMemory(ctx context.Context, agentID, sessionID, key string) (*MemoryEntry, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+memoryColumns+" FROM agent_memory WHERE agent_id = $1 AND session_id = $2 AND key = $3",
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

func (s *PostgresStore) ListMemory(ctx context.Context, q MemoryQuery) ([]MemoryEntry, error) {
	query := "SELECT " + memoryColumns + " FROM agent_memory WHERE agent_id = $1"
	args := []any{q.AgentID}
	n := 2

	switch q.Scope {
	case ScopeGlobal:
		query += " AND session_id = ''"
	case ScopeSession:
		query += fmt.Sprintf(" AND session_id = $%d", n)
		args = append(args, q.SessionID)
		n++
	case ScopeAll:
	}

	if q.Prefix != "" {
		query += fmt.Sprintf(` AND key LIKE $%d ESCAPE '\'`, n)
		args = append(args, escapeLike(q.Prefix)+"%")
		n++
	}

	query += fmt.Sprintf(" AND (expires_at IS NULL OR expires_at > $%d)", n)
	args = append(args, q.Now)
	n++

	query += fmt.Sprintf(" ORDER BY key ASC LIMIT $%d", n)
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

func (s *PostgresStore) DeleteMemory(ctx context.Context, agentID, sessionID, key string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM agent_memory WHERE agent_id = $1 AND session_id = $2 AND key = $3",
		agentID, sessionID, key)
	return err
}

func (s *PostgresStore) SweepExpiredMemory(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM agent_memory WHERE expires_at IS NOT NULL AND expires_at <= $1", now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Protected tokens ---

func (s *PostgresStore) PutToken(ctx context.Context, rec *TokenRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO protected_tokens (token_id, agent_id, payload, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.TokenID, rec.AgentID, rec.Payload, rec.CreatedAt, rec.ExpiresAt,
	)
	return err
}

func (s *PostgresStore) GetToken(ctx context.Context, tokenID string) (*TokenRecord, error) {
	var rec TokenRecord
	err := s.db.QueryRowContext(ctx,
		"SELECT token_id, agent_id, payload, created_at, expires_at FROM protected_tokens WHERE token_id = $1",
		tokenID,
	).Scan(&rec.TokenID, &rec.AgentID, &rec.Payload, &rec.CreatedAt, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &rec, err
}

func (s *PostgresStore) DeleteToken(ctx context.Context, tokenID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM protected_tokens WHERE token_id = $1", tokenID)
	return err
}

func (s *PostgresStore) SweepExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM protected_tokens WHERE expires_at <= $1", now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Audit ---

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (event_type, agent_id, session_id, resource, action, result, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.EventType, event.AgentID, event.SessionID, event.Resource,
		event.Action, event.Result, detail, event.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `SELECT id, event_type, agent_id, session_id, resource, action, result, detail, created_at
	          FROM audit_events WHERE 1=1`
	var args []any
	n := 1

	if filter.EventType != "" {
		query += fmt.Sprintf(" AND event_type LIKE $%d", n)
		args = append(args, filter.EventType+"%")
		n++
	}
	if filter.AgentID != "" {
		query += fmt.Sprintf(" AND agent_id = $%d", n)
		args = append(args, filter.AgentID)
		n++
	}
	if filter.SessionID != "" {
		query += fmt.Sprintf(" AND session_id = $%d", n)
		args = append(args, filter.SessionID)
		n++
	}

	query += " ORDER BY created_at DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT $%d", n)
	args = append(args, limit)
	n++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", n)
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

func (s *PostgresStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE created_at < $1", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
