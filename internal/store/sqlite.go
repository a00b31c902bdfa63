// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists conversations, session bindings and turns with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DriverModernc is the pure-Go SQLite driver and the default
const DriverModernc = "sqlite"

// timeLayout is fixed width so stored timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store and MemoryStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ Store       = (*SQLiteStore)(nil)
	_ MemoryStore = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite store at the given path using the
// pure-Go driver. The schema is created if it doesn't exist.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithDriver(DriverModernc, path)
}

// NewSQLiteStoreWithDriver opens the store with a registered database/sql
// driver name ("sqlite" or "sqlite3"). Parent directories are created if needed.
func NewSQLiteStoreWithDriver(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite has a single writer; one connection also keeps the pragmas below in effect
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id                 TEXT PRIMARY KEY,
			agent_id           TEXT NOT NULL,
			title              TEXT NOT NULL DEFAULT '',
			current_session_id TEXT,
			turn_count         INTEGER NOT NULL DEFAULT 0,
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC);

		CREATE TABLE IF NOT EXISTS sessions (
			id              TEXT NOT NULL,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			forked_from     TEXT,
			created_at      TEXT NOT NULL,

			PRIMARY KEY (conversation_id, id)
		);

		CREATE TABLE IF NOT EXISTS turns (
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			number          INTEGER NOT NULL,
			message         TEXT NOT NULL,
			session_id      TEXT,
			status          TEXT NOT NULL,
			response        TEXT NOT NULL DEFAULT '',
			error           TEXT,
			partial         INTEGER NOT NULL DEFAULT 0,
			started_at      TEXT NOT NULL,
			completed_at    TEXT NOT NULL,

			PRIMARY KEY (conversation_id, number),
			CHECK (status IN ('completed', 'failed', 'cancelled'))
		);

		CREATE TABLE IF NOT EXISTS turn_events (
			conversation_id TEXT NOT NULL,
			turn_number     INTEGER NOT NULL,
			seq             INTEGER NOT NULL,
			type            TEXT NOT NULL,
			data            TEXT NOT NULL,
			at              TEXT NOT NULL,

			PRIMARY KEY (conversation_id, turn_number, seq),
			FOREIGN KEY (conversation_id, turn_number)
				REFERENCES turns(conversation_id, number) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS memory_blocks (
			agent_id      TEXT NOT NULL,
			label         TEXT NOT NULL,
			key           TEXT NOT NULL,
			value         TEXT NOT NULL,
			metadata_json TEXT,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,

			PRIMARY KEY (agent_id, label, key)
		);

		CREATE TABLE IF NOT EXISTS memory_captures (
			id              TEXT PRIMARY KEY,
			agent_id        TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			turn_number     INTEGER NOT NULL,
			session_id      TEXT,
			status          TEXT NOT NULL,
			partial         INTEGER NOT NULL DEFAULT 0,
			message         TEXT NOT NULL,
			response        TEXT NOT NULL,
			created_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_memory_captures_agent ON memory_captures(agent_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "turns",
			column: "digest",
			apply:  `ALTER TABLE turns ADD COLUMN digest TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var current sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&c.ID, &c.AgentID, &c.Title, &current, &c.TurnCount, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.CurrentSessionID = current.String

	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, title, current_session_id, turn_count, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`, id)

	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns conversations ordered by most recent activity
func (s *SQLiteStore) ListConversations(ctx context.Context, opts ListOptions) ([]*Conversation, error) {
	opts = opts.normalize()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, title, current_session_id, turn_count, created_at, updated_at
		FROM conversations
		ORDER BY updated_at DESC, id ASC
		LIMIT ? OFFSET ?
	`, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return convs, nil
}

// DeleteConversation removes a conversation with its sessions, turns and events.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM turn_events WHERE conversation_id = ?`,
		`DELETE FROM turns WHERE conversation_id = ?`,
		`DELETE FROM sessions WHERE conversation_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("deleting conversation children: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}

	s.logger.Debug("deleted conversation", "id", id)
	return nil
}

// AppendTurn persists a finished turn and its events in one transaction
func (s *SQLiteStore) AppendTurn(ctx context.Context, agentID string, turn *Turn, binding SessionBinding) error {
	if !turn.Status.Valid() {
		return fmt.Errorf("invalid turn status %q", turn.Status)
	}

	now := time.Now().UTC()
	if turn.CompletedAt.IsZero() {
		turn.CompletedAt = now
	}
	if turn.StartedAt.IsZero() {
		turn.StartedAt = turn.CompletedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRowContext(ctx, `SELECT turn_count FROM conversations WHERE id = ?`, turn.ConversationID).Scan(&count)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO conversations (id, agent_id, title, turn_count, created_at, updated_at)
			VALUES (?, ?, ?, 0, ?, ?)
		`, turn.ConversationID, agentID, TitleFromMessage(turn.Message), formatTime(turn.StartedAt), formatTime(now))
		if err != nil {
			return fmt.Errorf("inserting conversation: %w", err)
		}
	case err != nil:
		return fmt.Errorf("querying conversation: %w", err)
	}

	turn.Number = count + 1

	_, err = tx.ExecContext(ctx, `
		INSERT INTO turns (conversation_id, number, message, session_id, status, response, error, partial, digest, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		turn.ConversationID,
		turn.Number,
		turn.Message,
		nullString(turn.SessionID),
		string(turn.Status),
		turn.Response,
		nullString(turn.Error),
		turn.Partial,
		nullString(turn.Digest),
		formatTime(turn.StartedAt),
		formatTime(turn.CompletedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting turn: %w", err)
	}

	for _, ev := range turn.Events {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO turn_events (conversation_id, turn_number, seq, type, data, at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, turn.ConversationID, turn.Number, ev.Seq, ev.Type, string(ev.Data), formatTime(ev.At))
		if err != nil {
			return fmt.Errorf("inserting turn event %d: %w", ev.Seq, err)
		}
	}

	if binding.SessionID != "" {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, conversation_id, forked_from, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (conversation_id, id) DO NOTHING
		`, binding.SessionID, turn.ConversationID, nullString(binding.ForkedFrom), formatTime(now))
		if err != nil {
			return fmt.Errorf("inserting session: %w", err)
		}

		_, err = tx.ExecContext(ctx, `UPDATE conversations SET current_session_id = ? WHERE id = ?`,
			binding.SessionID, turn.ConversationID)
		if err != nil {
			return fmt.Errorf("binding current session: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `UPDATE conversations SET turn_count = ?, updated_at = ? WHERE id = ?`,
		turn.Number, formatTime(now), turn.ConversationID)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing turn: %w", err)
	}

	s.logger.Debug("appended turn",
		"conversation_id", turn.ConversationID,
		"turn", turn.Number,
		"status", turn.Status,
		"events", len(turn.Events),
	)
	return nil
}

const turnColumns = `conversation_id, number, message, session_id, status, response, error, partial, digest, started_at, completed_at`

func scanTurn(row rowScanner) (*Turn, error) {
	var t Turn
	var sessionID, errText, digest sql.NullString
	var status, startedAt, completedAt string

	if err := row.Scan(&t.ConversationID, &t.Number, &t.Message, &sessionID, &status,
		&t.Response, &errText, &t.Partial, &digest, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	t.SessionID = sessionID.String
	t.Error = errText.String
	t.Digest = digest.String
	t.Status = TurnStatus(status)

	var err error
	if t.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if t.CompletedAt, err = parseTime(completedAt); err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}
	return &t, nil
}

// ListTurns returns a conversation's turns in order, without events
func (s *SQLiteStore) ListTurns(ctx context.Context, conversationID string, opts ListOptions) ([]*Turn, error) {
	opts = opts.normalize()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+turnColumns+`
		FROM turns
		WHERE conversation_id = ?
		ORDER BY number ASC
		LIMIT ? OFFSET ?
	`, conversationID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning turn row: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turn rows: %w", err)
	}
	return turns, nil
}

// GetTurn returns one turn with its ordered events.
// Returns ErrNotFound if the turn doesn't exist.
func (s *SQLiteStore) GetTurn(ctx context.Context, conversationID string, number int) (*Turn, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+turnColumns+`
		FROM turns
		WHERE conversation_id = ? AND number = ?
	`, conversationID, number)

	t, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying turn: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, type, data, at
		FROM turn_events
		WHERE conversation_id = ? AND turn_number = ?
		ORDER BY seq ASC
	`, conversationID, number)
	if err != nil {
		return nil, fmt.Errorf("querying turn events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ev EventRecord
		var data, at string
		if err := rows.Scan(&ev.Seq, &ev.Type, &data, &at); err != nil {
			return nil, fmt.Errorf("scanning turn event: %w", err)
		}
		ev.Data = []byte(data)
		if ev.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("parsing event time: %w", err)
		}
		t.Events = append(t.Events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turn events: %w", err)
	}
	return t, nil
}

// ListSessions returns every session a conversation has bound, oldest first
func (s *SQLiteStore) ListSessions(ctx context.Context, conversationID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, forked_from, created_at
		FROM sessions
		WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		var forkedFrom sql.NullString
		var createdAt string
		if err := rows.Scan(&sess.ID, &sess.ConversationID, &forkedFrom, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sess.ForkedFrom = forkedFrom.String
		if sess.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
