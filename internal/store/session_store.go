// Package store is the SQLite-backed session store: session metadata,
// append-only messages, atomic conversation replacement, and token
// counters, with idempotent schema migrations.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // register sqlite driver

	"github.com/xonecas/symb/internal/agenterr"
	"github.com/xonecas/symb/internal/conversation"
)

const schemaVersionTarget = 2

// Session is the persistent session record.
type Session struct {
	ID          string
	WorkingDir  string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time

	ExtensionData map[string]any

	TotalTokens  int
	InputTokens  int
	OutputTokens *int // nil after compaction

	AccumulatedTotalTokens  int
	AccumulatedInputTokens  int
	AccumulatedOutputTokens int

	ScheduleID       string
	Recipe           string
	UserRecipeValues map[string]any

	Conversation conversation.Conversation
	MessageCount int
}

// SessionStore persists sessions and their messages in a single SQLite file,
// opened with WAL journaling and a bounded busy timeout so a single writer
// and multiple readers never deadlock each other (the same pragma sequence
// OpenWebCache uses).
type SessionStore struct {
	db *sql.DB
}

// Open creates or opens the session database at dbPath, running any pending
// schema migrations.
func Open(dbPath string) (*SessionStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}

	s := &SessionStore{db: db}
	if err := s.runMigrations(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *SessionStore) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle so a sibling store can share the same
// file.
func (s *SessionStore) DB() *sql.DB { return s.db }

func (s *SessionStore) runMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}

	version, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}

	for v := version + 1; v <= schemaVersionTarget; v++ {
		if err := s.applyMigration(ctx, v); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if err := s.setSchemaVersion(ctx, v); err != nil {
			return err
		}
		log.Info().Int("version", v).Msg("applied session store migration")
	}
	return nil
}

func (s *SessionStore) schemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return v, err
}

func (s *SessionStore) setSchemaVersion(ctx context.Context, v int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version`); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, v); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SessionStore) applyMigration(ctx context.Context, version int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	switch version {
	case 1:
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				description TEXT NOT NULL DEFAULT '',
				working_dir TEXT NOT NULL DEFAULT '',
				extension_data TEXT NOT NULL DEFAULT '{}',
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				total_tokens INTEGER NOT NULL DEFAULT 0,
				input_tokens INTEGER NOT NULL DEFAULT 0,
				output_tokens INTEGER,
				accumulated_total_tokens INTEGER NOT NULL DEFAULT 0,
				accumulated_input_tokens INTEGER NOT NULL DEFAULT 0,
				accumulated_output_tokens INTEGER NOT NULL DEFAULT 0,
				schedule_id TEXT NOT NULL DEFAULT '',
				recipe TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				session_id TEXT NOT NULL,
				seq INTEGER NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				user_visible INTEGER NOT NULL DEFAULT 1,
				agent_visible INTEGER NOT NULL DEFAULT 1,
				timestamp INTEGER NOT NULL,
				PRIMARY KEY (session_id, seq)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at DESC)`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
	case 2:
		if !hasColumn(ctx, tx, "sessions", "user_recipe_values_json") {
			if _, err := tx.ExecContext(ctx, `ALTER TABLE sessions ADD COLUMN user_recipe_values_json TEXT NOT NULL DEFAULT '{}'`); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown migration version %d", version)
	}

	return tx.Commit()
}

func hasColumn(ctx context.Context, tx *sql.Tx, table, column string) bool {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if strings.EqualFold(name, column) {
			return true
		}
	}
	return false
}

// CreateSession assigns an id of the form YYYYMMDD_<n> (n monotonic per UTC
// day) and inserts the row in a single statement so concurrent callers on
// the same day never collide (testable property #1).
func (s *SessionStore) CreateSession(ctx context.Context, workingDir, description string) (*Session, error) {
	today := time.Now().UTC().Format("20060102")

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id, description, working_dir, extension_data, created_at, updated_at)
		VALUES (
			? || '_' || CAST(COALESCE((
				SELECT MAX(CAST(SUBSTR(id, 10) AS INTEGER))
				FROM sessions
				WHERE id LIKE ? || '_%'
			), 0) + 1 AS TEXT),
			?, ?, '{}', ?, ?
		)
		RETURNING id, description, working_dir, extension_data, created_at, updated_at,
			total_tokens, input_tokens, output_tokens,
			accumulated_total_tokens, accumulated_input_tokens, accumulated_output_tokens,
			schedule_id, recipe
	`, today, today, description, workingDir, time.Now().Unix(), time.Now().Unix())

	return scanSession(row)
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var extJSON string
	var createdAt, updatedAt int64
	var outputTokens sql.NullInt64

	err := row.Scan(
		&sess.ID, &sess.Description, &sess.WorkingDir, &extJSON, &createdAt, &updatedAt,
		&sess.TotalTokens, &sess.InputTokens, &outputTokens,
		&sess.AccumulatedTotalTokens, &sess.AccumulatedInputTokens, &sess.AccumulatedOutputTokens,
		&sess.ScheduleID, &sess.Recipe,
	)
	if err == sql.ErrNoRows {
		return nil, agenterr.NotFound("session", err)
	}
	if err != nil {
		return nil, err
	}

	sess.CreatedAt = time.Unix(createdAt, 0).UTC()
	sess.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if outputTokens.Valid {
		v := int(outputTokens.Int64)
		sess.OutputTokens = &v
	}
	sess.ExtensionData = map[string]any{}
	if extJSON != "" {
		json.Unmarshal([]byte(extJSON), &sess.ExtensionData) //nolint:errcheck
	}
	return &sess, nil
}

// GetSession loads a session by id. When includeMessages is false,
// MessageCount is populated from a count query instead of loading the
// conversation body.
func (s *SessionStore) GetSession(ctx context.Context, id string, includeMessages bool) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, description, working_dir, extension_data, created_at, updated_at,
			total_tokens, input_tokens, output_tokens,
			accumulated_total_tokens, accumulated_input_tokens, accumulated_output_tokens,
			schedule_id, recipe
		FROM sessions WHERE id = ?
	`, id)

	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}

	if includeMessages {
		conv, err := s.loadConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		sess.Conversation = conv
		sess.MessageCount = conv.Len()
		return sess, nil
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, id).Scan(&count); err != nil {
		return nil, err
	}
	sess.MessageCount = count
	return sess, nil
}

// SessionUpdate is the builder returned by UpdateSession; set fields then
// call Apply.
type SessionUpdate struct {
	store  *SessionStore
	id     string
	fields map[string]any
}

// UpdateSession starts a builder for a partial update of session id.
func (s *SessionStore) UpdateSession(id string) *SessionUpdate {
	return &SessionUpdate{store: s, id: id, fields: map[string]any{}}
}

func (u *SessionUpdate) Description(v string) *SessionUpdate { u.fields["description"] = v; return u }
func (u *SessionUpdate) TotalTokens(v int) *SessionUpdate    { u.fields["total_tokens"] = v; return u }
func (u *SessionUpdate) InputTokens(v int) *SessionUpdate    { u.fields["input_tokens"] = v; return u }

// OutputTokens sets output_tokens; pass nil to clear it to NULL (the
// post-compaction state).
func (u *SessionUpdate) OutputTokens(v *int) *SessionUpdate {
	if v == nil {
		u.fields["output_tokens"] = nil
	} else {
		u.fields["output_tokens"] = *v
	}
	return u
}
func (u *SessionUpdate) AccumulatedTotalTokens(v int) *SessionUpdate {
	u.fields["accumulated_total_tokens"] = v
	return u
}
func (u *SessionUpdate) AccumulatedInputTokens(v int) *SessionUpdate {
	u.fields["accumulated_input_tokens"] = v
	return u
}
func (u *SessionUpdate) AccumulatedOutputTokens(v int) *SessionUpdate {
	u.fields["accumulated_output_tokens"] = v
	return u
}
func (u *SessionUpdate) ScheduleID(v string) *SessionUpdate { u.fields["schedule_id"] = v; return u }
func (u *SessionUpdate) Recipe(v string) *SessionUpdate     { u.fields["recipe"] = v; return u }
func (u *SessionUpdate) ExtensionData(v map[string]any) *SessionUpdate {
	data, _ := json.Marshal(v) //nolint:errcheck
	u.fields["extension_data"] = string(data)
	return u
}
func (u *SessionUpdate) UserRecipeValues(v map[string]any) *SessionUpdate {
	data, _ := json.Marshal(v) //nolint:errcheck
	u.fields["user_recipe_values_json"] = string(data)
	return u
}

// Apply emits a single UPDATE with every field set plus updated_at=now(). A
// builder with no fields set is a no-op.
func (u *SessionUpdate) Apply(ctx context.Context) error {
	if len(u.fields) == 0 {
		return nil
	}

	cols := make([]string, 0, len(u.fields)+1)
	args := make([]any, 0, len(u.fields)+2)
	for col, val := range u.fields {
		cols = append(cols, col+" = ?")
		args = append(args, val)
	}
	cols = append(cols, "updated_at = ?")
	args = append(args, time.Now().Unix())
	args = append(args, u.id)

	query := fmt.Sprintf("UPDATE sessions SET %s WHERE id = ?", strings.Join(cols, ", "))
	res, err := u.store.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return agenterr.NotFound("session", fmt.Errorf("%s", u.id))
	}
	return nil
}

// AddMessage appends one message to the session's conversation and touches
// updated_at.
func (s *SessionStore) AddMessage(ctx context.Context, sessionID string, msg conversation.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := insertMessage(ctx, tx, sessionID, msg); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().Unix(), sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

func insertMessage(ctx context.Context, tx *sql.Tx, sessionID string, msg conversation.Message) error {
	var seq int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), -1) + 1 FROM messages WHERE session_id = ?`, sessionID).Scan(&seq)
	if err != nil {
		return err
	}

	content, err := json.Marshal(msg.Content)
	if err != nil {
		return err
	}

	ts := msg.Created
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (session_id, seq, role, content, user_visible, agent_visible, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sessionID, seq, string(msg.Role), string(content), boolToInt(msg.Metadata.UserVisible), boolToInt(msg.Metadata.AgentVisible), ts.Unix())
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ReplaceConversation atomically deletes every message for the session and
// re-inserts conv in order, inside a single transaction — so a concurrent
// reader never observes a partially-compacted conversation (testable
// property #2).
func (s *SessionStore) ReplaceConversation(ctx context.Context, sessionID string, conv conversation.Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	for _, m := range conv.Messages() {
		if err := insertMessage(ctx, tx, sessionID, m); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().Unix(), sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SessionStore) loadConversation(ctx context.Context, sessionID string) (conversation.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, user_visible, agent_visible, timestamp
		FROM messages WHERE session_id = ? ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return conversation.Conversation{}, err
	}
	defer rows.Close()

	var msgs []conversation.Message
	for rows.Next() {
		var role, content string
		var userVisible, agentVisible int
		var ts int64
		if err := rows.Scan(&role, &content, &userVisible, &agentVisible, &ts); err != nil {
			return conversation.Conversation{}, err
		}
		var parts []conversation.ContentPart
		if err := json.Unmarshal([]byte(content), &parts); err != nil {
			return conversation.Conversation{}, fmt.Errorf("decode message content: %w", err)
		}
		msgs = append(msgs, conversation.Message{
			Role:    conversation.Role(role),
			Created: time.Unix(ts, 0).UTC(),
			Content: parts,
			Metadata: conversation.Metadata{
				UserVisible:  userVisible != 0,
				AgentVisible: agentVisible != 0,
			},
		})
	}
	return conversation.New(msgs), rows.Err()
}

// ListSessionsEntry is the summary row returned by ListSessions.
type ListSessionsEntry struct {
	Session
	MessageCount int
}

// ListSessions returns sessions ordered by updated_at DESC, excluding
// sessions with zero messages.
func (s *SessionStore) ListSessions(ctx context.Context) ([]ListSessionsEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.description, s.working_dir, s.extension_data, s.created_at, s.updated_at,
			s.total_tokens, s.input_tokens, s.output_tokens,
			s.accumulated_total_tokens, s.accumulated_input_tokens, s.accumulated_output_tokens,
			s.schedule_id, s.recipe,
			(SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id) AS message_count
		FROM sessions s
		WHERE EXISTS (SELECT 1 FROM messages m WHERE m.session_id = s.id)
		ORDER BY s.updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ListSessionsEntry
	for rows.Next() {
		var e ListSessionsEntry
		var extJSON string
		var createdAt, updatedAt int64
		var outputTokens sql.NullInt64
		if err := rows.Scan(
			&e.ID, &e.Description, &e.WorkingDir, &extJSON, &createdAt, &updatedAt,
			&e.TotalTokens, &e.InputTokens, &outputTokens,
			&e.AccumulatedTotalTokens, &e.AccumulatedInputTokens, &e.AccumulatedOutputTokens,
			&e.ScheduleID, &e.Recipe, &e.MessageCount,
		); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		e.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		if outputTokens.Valid {
			v := int(outputTokens.Int64)
			e.OutputTokens = &v
		}
		e.ExtensionData = map[string]any{}
		if extJSON != "" {
			json.Unmarshal([]byte(extJSON), &e.ExtensionData) //nolint:errcheck
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteSession removes the session row and its messages in one
// transaction. Fails NotFound
// if the session does not exist.
func (s *SessionStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return agenterr.NotFound("session", fmt.Errorf("%s", id))
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// Insights is the aggregate returned by GetInsights.
type Insights struct {
	TotalSessions int
	TotalTokens   int64
}

// GetInsights aggregates total_tokens as
// COALESCE(NULLIF(accumulated_total_tokens, 0), total_tokens, 0) across all
// sessions, so a session whose accumulated total is still 0 counts its
// total_tokens.
func (s *SessionStore) GetInsights(ctx context.Context) (Insights, error) {
	var ins Insights
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(COALESCE(NULLIF(accumulated_total_tokens, 0), total_tokens, 0)), 0)
		FROM sessions
	`).Scan(&ins.TotalSessions, &ins.TotalTokens)
	return ins, err
}

// SessionExists reports whether a session with this id is present.
func (s *SessionStore) SessionExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, id).Scan(&n)
	return n > 0, err
}

// LatestSessionID returns the id of the most recently updated session.
func (s *SessionStore) LatestSessionID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM sessions ORDER BY updated_at DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", agenterr.NotFound("session", err)
	}
	return id, err
}

// IsBusy reports whether err represents SQLite contention worth a caller's
// own retry.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
