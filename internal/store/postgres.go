// ABOUTME: PostgreSQL implementation of Store and MemoryStore using pgx connection pools
// ABOUTME: Used when several gateway instances share one database

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store and MemoryStore on PostgreSQL
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var (
	_ Store       = (*PostgresStore)(nil)
	_ MemoryStore = (*PostgresStore)(nil)
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS conversations (
		id                 TEXT PRIMARY KEY,
		agent_id           TEXT NOT NULL,
		title              TEXT NOT NULL DEFAULT '',
		current_session_id TEXT,
		turn_count         INTEGER NOT NULL DEFAULT 0,
		created_at         TIMESTAMPTZ NOT NULL,
		updated_at         TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC);

	CREATE TABLE IF NOT EXISTS sessions (
		id              TEXT NOT NULL,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		forked_from     TEXT,
		created_at      TIMESTAMPTZ NOT NULL,
		ordinal         BIGSERIAL,
		PRIMARY KEY (conversation_id, id)
	);

	CREATE TABLE IF NOT EXISTS turns (
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		number          INTEGER NOT NULL,
		message         TEXT NOT NULL,
		session_id      TEXT,
		status          TEXT NOT NULL CHECK (status IN ('completed', 'failed', 'cancelled')),
		response        TEXT NOT NULL DEFAULT '',
		error           TEXT,
		partial         BOOLEAN NOT NULL DEFAULT FALSE,
		digest          TEXT,
		started_at      TIMESTAMPTZ NOT NULL,
		completed_at    TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (conversation_id, number)
	);

	CREATE TABLE IF NOT EXISTS turn_events (
		conversation_id TEXT NOT NULL,
		turn_number     INTEGER NOT NULL,
		seq             INTEGER NOT NULL,
		type            TEXT NOT NULL,
		data            TEXT NOT NULL,
		at              TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (conversation_id, turn_number, seq),
		FOREIGN KEY (conversation_id, turn_number)
			REFERENCES turns(conversation_id, number) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS memory_blocks (
		agent_id   TEXT NOT NULL,
		label      TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		metadata   JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (agent_id, label, key)
	);

	CREATE TABLE IF NOT EXISTS memory_captures (
		id              TEXT PRIMARY KEY,
		agent_id        TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		turn_number     INTEGER NOT NULL,
		session_id      TEXT,
		status          TEXT NOT NULL,
		partial         BOOLEAN NOT NULL DEFAULT FALSE,
		message         TEXT NOT NULL,
		response        TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_memory_captures_agent ON memory_captures(agent_id, created_at);
`

// NewPostgresStore connects to dsn, verifies the connection and creates the schema
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store")

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("Postgres store initialized", "host", config.ConnConfig.Host, "database", config.ConnConfig.Database)
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.logger.Info("closing Postgres store")
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanPgConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	var current *string
	if err := row.Scan(&c.ID, &c.AgentID, &c.Title, &current, &c.TurnCount, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if current != nil {
		c.CurrentSessionID = *current
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

// GetConversation retrieves a conversation by ID
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	c, err := scanPgConversation(s.pool.QueryRow(ctx, `
		SELECT id, agent_id, title, current_session_id, turn_count, created_at, updated_at
		FROM conversations WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns conversations ordered by most recent activity
func (s *PostgresStore) ListConversations(ctx context.Context, opts ListOptions) ([]*Conversation, error) {
	opts = opts.normalize()
	rows, err := s.pool.Query(ctx, `
		SELECT id, agent_id, title, current_session_id, turn_count, created_at, updated_at
		FROM conversations
		ORDER BY updated_at DESC, id ASC
		LIMIT $1 OFFSET $2
	`, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		c, err := scanPgConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// DeleteConversation removes a conversation; children cascade
func (s *PostgresStore) DeleteConversation(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendTurn persists a finished turn and its events in one transaction.
// The conversation row is locked for the duration so turn numbers stay dense.
func (s *PostgresStore) AppendTurn(ctx context.Context, agentID string, turn *Turn, binding SessionBinding) error {
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO conversations (id, agent_id, title, turn_count, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, turn.ConversationID, agentID, TitleFromMessage(turn.Message), turn.StartedAt, now)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	var count int
	if err := tx.QueryRow(ctx, `SELECT turn_count FROM conversations WHERE id = $1 FOR UPDATE`,
		turn.ConversationID).Scan(&count); err != nil {
		return fmt.Errorf("locking conversation: %w", err)
	}
	turn.Number = count + 1

	_, err = tx.Exec(ctx, `
		INSERT INTO turns (conversation_id, number, message, session_id, status, response, error, partial, digest, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, turn.ConversationID, turn.Number, turn.Message, nullString(turn.SessionID), string(turn.Status),
		turn.Response, nullString(turn.Error), turn.Partial, nullString(turn.Digest), turn.StartedAt, turn.CompletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting turn: %w", err)
	}

	if len(turn.Events) > 0 {
		batch := &pgx.Batch{}
		for _, ev := range turn.Events {
			batch.Queue(`
				INSERT INTO turn_events (conversation_id, turn_number, seq, type, data, at)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, turn.ConversationID, turn.Number, ev.Seq, ev.Type, string(ev.Data), ev.At)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("inserting turn events: %w", err)
		}
	}

	if binding.SessionID != "" {
		_, err := tx.Exec(ctx, `
			INSERT INTO sessions (id, conversation_id, forked_from, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (conversation_id, id) DO NOTHING
		`, binding.SessionID, turn.ConversationID, nullString(binding.ForkedFrom), now)
		if err != nil {
			return fmt.Errorf("inserting session: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE conversations SET current_session_id = $1 WHERE id = $2`,
			binding.SessionID, turn.ConversationID); err != nil {
			return fmt.Errorf("binding current session: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE conversations SET turn_count = $1, updated_at = $2 WHERE id = $3`,
		turn.Number, now, turn.ConversationID); err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing turn: %w", err)
	}

	s.logger.Debug("appended turn", "conversation_id", turn.ConversationID, "turn", turn.Number, "status", turn.Status)
	return nil
}

func scanPgTurn(row pgx.Row) (*Turn, error) {
	var t Turn
	var sessionID, errText, digest *string
	var status string
	if err := row.Scan(&t.ConversationID, &t.Number, &t.Message, &sessionID, &status,
		&t.Response, &errText, &t.Partial, &digest, &t.StartedAt, &t.CompletedAt); err != nil {
		return nil, err
	}
	t.Status = TurnStatus(status)
	if sessionID != nil {
		t.SessionID = *sessionID
	}
	if errText != nil {
		t.Error = *errText
	}
	if digest != nil {
		t.Digest = *digest
	}
	t.StartedAt = t.StartedAt.UTC()
	t.CompletedAt = t.CompletedAt.UTC()
	return &t, nil
}

// ListTurns returns a conversation's turns in order, without events
func (s *PostgresStore) ListTurns(ctx context.Context, conversationID string, opts ListOptions) ([]*Turn, error) {
	opts = opts.normalize()
	rows, err := s.pool.Query(ctx, `
		SELECT `+turnColumns+`
		FROM turns WHERE conversation_id = $1
		ORDER BY number ASC
		LIMIT $2 OFFSET $3
	`, conversationID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		t, err := scanPgTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning turn row: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// GetTurn returns one turn with its ordered events
func (s *PostgresStore) GetTurn(ctx context.Context, conversationID string, number int) (*Turn, error) {
	t, err := scanPgTurn(s.pool.QueryRow(ctx, `
		SELECT `+turnColumns+` FROM turns WHERE conversation_id = $1 AND number = $2
	`, conversationID, number))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying turn: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT seq, type, data, at FROM turn_events
		WHERE conversation_id = $1 AND turn_number = $2
		ORDER BY seq ASC
	`, conversationID, number)
	if err != nil {
		return nil, fmt.Errorf("querying turn events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ev EventRecord
		var data string
		if err := rows.Scan(&ev.Seq, &ev.Type, &data, &ev.At); err != nil {
			return nil, fmt.Errorf("scanning turn event: %w", err)
		}
		ev.Data = []byte(data)
		ev.At = ev.At.UTC()
		t.Events = append(t.Events, ev)
	}
	return t, rows.Err()
}

// ListSessions returns every session a conversation has bound, oldest first
func (s *PostgresStore) ListSessions(ctx context.Context, conversationID string) ([]*Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, forked_from, created_at
		FROM sessions WHERE conversation_id = $1
		ORDER BY ordinal ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		var forkedFrom *string
		if err := rows.Scan(&sess.ID, &sess.ConversationID, &forkedFrom, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		if forkedFrom != nil {
			sess.ForkedFrom = *forkedFrom
		}
		sess.CreatedAt = sess.CreatedAt.UTC()
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

func scanPgMemoryBlock(row pgx.Row) (*MemoryBlock, error) {
	var b MemoryBlock
	var metadata []byte
	if err := row.Scan(&b.AgentID, &b.Label, &b.Key, &b.Value, &metadata, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &b.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return &b, nil
}

const pgMemoryColumns = `agent_id, label, key, value, metadata, created_at, updated_at`

func (s *PostgresStore) queryMemoryBlocks(ctx context.Context, query string, args ...any) ([]*MemoryBlock, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying memory blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*MemoryBlock
	for rows.Next() {
		b, err := scanPgMemoryBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning memory block: %w", err)
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// ListMemoryBlocks returns an agent's blocks ordered by label then key
func (s *PostgresStore) ListMemoryBlocks(ctx context.Context, agentID string, filter MemoryFilter) ([]*MemoryBlock, error) {
	query := `SELECT ` + pgMemoryColumns + ` FROM memory_blocks WHERE agent_id = $1`
	args := []any{agentID}
	if len(filter.Labels) > 0 {
		args = append(args, filter.Labels)
		query += ` AND label = ANY($2)`
	}
	query += ` ORDER BY label ASC, key ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	return s.queryMemoryBlocks(ctx, query, args...)
}

// GetMemoryBlock returns a single block
func (s *PostgresStore) GetMemoryBlock(ctx context.Context, agentID, label, key string) (*MemoryBlock, error) {
	b, err := scanPgMemoryBlock(s.pool.QueryRow(ctx,
		`SELECT `+pgMemoryColumns+` FROM memory_blocks WHERE agent_id = $1 AND label = $2 AND key = $3`,
		agentID, label, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying memory block: %w", err)
	}
	return b, nil
}

// UpsertMemoryBlock inserts or updates a block by (agent, label, key)
func (s *PostgresStore) UpsertMemoryBlock(ctx context.Context, block *MemoryBlock) error {
	var metadata []byte
	if len(block.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(block.Metadata); err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
	}

	now := time.Now().UTC()
	if block.CreatedAt.IsZero() {
		block.CreatedAt = now
	}
	block.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO memory_blocks (agent_id, label, key, value, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (agent_id, label, key) DO UPDATE SET
			value = EXCLUDED.value, metadata = EXCLUDED.metadata, updated_at = EXCLUDED.updated_at
	`, block.AgentID, block.Label, block.Key, block.Value, metadata, block.CreatedAt, block.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting memory block: %w", err)
	}
	return nil
}

// DeleteMemoryBlock removes one block
func (s *PostgresStore) DeleteMemoryBlock(ctx context.Context, agentID, label, key string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM memory_blocks WHERE agent_id = $1 AND label = $2 AND key = $3`, agentID, label, key)
	if err != nil {
		return fmt.Errorf("deleting memory block: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SearchMemoryBlocks matches query case-insensitively against keys and values
func (s *PostgresStore) SearchMemoryBlocks(ctx context.Context, agentID, query string, limit int) ([]*MemoryBlock, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + strings.ReplaceAll(query, "%", `\%`) + "%"
	return s.queryMemoryBlocks(ctx, `
		SELECT `+pgMemoryColumns+` FROM memory_blocks
		WHERE agent_id = $1 AND (key ILIKE $2 OR value ILIKE $2)
		ORDER BY updated_at DESC
		LIMIT $3
	`, agentID, pattern, limit)
}

// SaveCapture records a memory capture
func (s *PostgresStore) SaveCapture(ctx context.Context, rec *CaptureRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO memory_captures (id, agent_id, conversation_id, turn_number, session_id, status, partial, message, response, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rec.ID, rec.AgentID, rec.ConversationID, rec.TurnNumber, nullString(rec.SessionID),
		string(rec.Status), rec.Partial, rec.Message, rec.Response, rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting capture: %w", err)
	}
	return nil
}

// ListCaptures returns an agent's most recent captures, newest first
func (s *PostgresStore) ListCaptures(ctx context.Context, agentID string, limit int) ([]*CaptureRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, agent_id, conversation_id, turn_number, session_id, status, partial, message, response, created_at
		FROM memory_captures WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying captures: %w", err)
	}
	defer rows.Close()

	var recs []*CaptureRecord
	for rows.Next() {
		var rec CaptureRecord
		var sessionID *string
		var status string
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.ConversationID, &rec.TurnNumber, &sessionID,
			&status, &rec.Partial, &rec.Message, &rec.Response, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning capture row: %w", err)
		}
		if sessionID != nil {
			rec.SessionID = *sessionID
		}
		rec.Status = TurnStatus(status)
		rec.CreatedAt = rec.CreatedAt.UTC()
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}
