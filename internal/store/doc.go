// Package store provides durable storage for conversations, turns and memory.
//
// # Architecture
//
// Two interfaces split the concerns:
//
//   - Store: conversations, session bindings and turn history
//   - MemoryStore: agent-scoped memory blocks and capture audit records
//
// SQLiteStore and PostgresStore implement both in a single struct. MockStore
// is an in-memory implementation for tests.
//
// # Data Models
//
//   - Conversation: caller-facing thread with a current session binding
//   - Session: one execution-runtime lineage; forks record ForkedFrom
//   - Turn: one exchange with its ordered events, status and digest
//   - MemoryBlock: (agent, label, key) -> value fact, written as an upsert
//   - CaptureRecord: audit entry for one memory capture
//
// # Turn Persistence
//
// AppendTurn is the only write path for turn history. In one transaction it
// creates the conversation if unseen, assigns the next turn number, stores
// the events, records the session in history and makes it current. A
// SessionBinding with an empty SessionID leaves the binding untouched.
//
// # SQLite Configuration
//
// The default driver is modernc.org/sqlite ("sqlite"). The cgo driver
// github.com/mattn/go-sqlite3 ("sqlite3") can be selected instead. Both run:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as fixed-width UTC strings so they sort lexically.
//
// # Errors
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicate: insert collided with an existing row
package store
