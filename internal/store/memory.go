// ABOUTME: SQLite persistence for agent-scoped memory blocks and capture audit records
// ABOUTME: Blocks are upserted by (agent, label, key) so unrelated blocks are never touched

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const memoryColumns = `agent_id, label, key, value, metadata_json, created_at, updated_at`

func scanMemoryBlock(row rowScanner) (*MemoryBlock, error) {
	var b MemoryBlock
	var metadata sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&b.AgentID, &b.Label, &b.Key, &b.Value, &metadata, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &b.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}

	var err error
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &b, nil
}

func encodeMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// ListMemoryBlocks returns an agent's blocks ordered by label then key
func (s *SQLiteStore) ListMemoryBlocks(ctx context.Context, agentID string, filter MemoryFilter) ([]*MemoryBlock, error) {
	query := `SELECT ` + memoryColumns + ` FROM memory_blocks WHERE agent_id = ?`
	args := []any{agentID}

	if len(filter.Labels) > 0 {
		placeholders := make([]string, len(filter.Labels))
		for i, l := range filter.Labels {
			placeholders[i] = "?"
			args = append(args, l)
		}
		query += ` AND label IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY label ASC, key ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	return s.queryMemoryBlocks(ctx, query, args...)
}

func (s *SQLiteStore) queryMemoryBlocks(ctx context.Context, query string, args ...any) ([]*MemoryBlock, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying memory blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*MemoryBlock
	for rows.Next() {
		b, err := scanMemoryBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning memory block: %w", err)
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating memory blocks: %w", err)
	}
	return blocks, nil
}

// GetMemoryBlock returns a single block.
// Returns ErrNotFound if the block doesn't exist.
func (s *SQLiteStore) GetMemoryBlock(ctx context.Context, agentID, label, key string) (*MemoryBlock, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memory_blocks WHERE agent_id = ? AND label = ? AND key = ?`,
		agentID, label, key)

	b, err := scanMemoryBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying memory block: %w", err)
	}
	return b, nil
}

// UpsertMemoryBlock inserts a block or replaces the value of the same (agent, label, key).
// CreatedAt is preserved on update.
func (s *SQLiteStore) UpsertMemoryBlock(ctx context.Context, block *MemoryBlock) error {
	metadata, err := encodeMetadata(block.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	now := time.Now().UTC()
	if block.CreatedAt.IsZero() {
		block.CreatedAt = now
	}
	block.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_blocks (agent_id, label, key, value, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id, label, key) DO UPDATE SET
			value = excluded.value,
			metadata_json = excluded.metadata_json,
			updated_at = excluded.updated_at
	`, block.AgentID, block.Label, block.Key, block.Value, metadata,
		formatTime(block.CreatedAt), formatTime(block.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting memory block: %w", err)
	}

	s.logger.Debug("upserted memory block", "agent_id", block.AgentID, "label", block.Label, "key", block.Key)
	return nil
}

// DeleteMemoryBlock removes one block.
// Returns ErrNotFound if the block doesn't exist.
func (s *SQLiteStore) DeleteMemoryBlock(ctx context.Context, agentID, label, key string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_blocks WHERE agent_id = ? AND label = ? AND key = ?`,
		agentID, label, key)
	if err != nil {
		return fmt.Errorf("deleting memory block: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SearchMemoryBlocks matches query case-insensitively against keys and values
func (s *SQLiteStore) SearchMemoryBlocks(ctx context.Context, agentID, query string, limit int) ([]*MemoryBlock, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + strings.ToLower(query) + "%"
	return s.queryMemoryBlocks(ctx, `
		SELECT `+memoryColumns+`
		FROM memory_blocks
		WHERE agent_id = ? AND (lower(key) LIKE ? OR lower(value) LIKE ?)
		ORDER BY updated_at DESC
		LIMIT ?
	`, agentID, pattern, pattern, limit)
}

// SaveCapture records a memory capture. An empty ID is generated.
func (s *SQLiteStore) SaveCapture(ctx context.Context, rec *CaptureRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_captures (id, agent_id, conversation_id, turn_number, session_id, status, partial, message, response, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.AgentID, rec.ConversationID, rec.TurnNumber, nullString(rec.SessionID),
		string(rec.Status), rec.Partial, rec.Message, rec.Response, formatTime(rec.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting capture: %w", err)
	}
	return nil
}

// ListCaptures returns an agent's most recent captures, newest first
func (s *SQLiteStore) ListCaptures(ctx context.Context, agentID string, limit int) ([]*CaptureRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, conversation_id, turn_number, session_id, status, partial, message, response, created_at
		FROM memory_captures
		WHERE agent_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying captures: %w", err)
	}
	defer rows.Close()

	var recs []*CaptureRecord
	for rows.Next() {
		var rec CaptureRecord
		var sessionID sql.NullString
		var status, createdAt string
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.ConversationID, &rec.TurnNumber, &sessionID,
			&status, &rec.Partial, &rec.Message, &rec.Response, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning capture row: %w", err)
		}
		rec.SessionID = sessionID.String
		rec.Status = TurnStatus(status)
		if rec.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating capture rows: %w", err)
	}
	return recs, nil
}
