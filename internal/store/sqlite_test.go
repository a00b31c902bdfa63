// ABOUTME: Tests for SQLite store construction, drivers and migrations
// ABOUTME: Behaviour shared with other implementations lives in store_test.go

package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist")
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist in nested directory")
}

func TestNewSQLiteStore_InMemory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	turn := testTurn("c1", "hi", "s1", TurnCompleted)
	require.NoError(t, store.AppendTurn(t.Context(), "a", turn, SessionBinding{SessionID: "s1"}))
	got, err := store.GetTurn(t.Context(), "c1", 1)
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Message)
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.AppendTurn(t.Context(), "a", testTurn("c1", "persist me", "s1", TurnCompleted), SessionBinding{SessionID: "s1"}))
	require.NoError(t, store.Close())

	// migrations must be idempotent on an existing database
	store, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	conv, err := store.GetConversation(t.Context(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "s1", conv.CurrentSessionID)
	assert.Equal(t, 1, conv.TurnCount)
}

func TestSQLiteStore_MigrationAddsDigestColumn(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	_, err = store.db.Exec(`ALTER TABLE turns DROP COLUMN digest`)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	var exists int
	err = store.db.QueryRow(`SELECT 1 FROM pragma_table_info('turns') WHERE name = 'digest'`).Scan(&exists)
	require.NoError(t, err)
	assert.Equal(t, 1, exists)
}

func TestSQLiteStore_CgoDriver(t *testing.T) {
	store, err := NewSQLiteStoreWithDriver(DriverCgo, filepath.Join(t.TempDir(), "cgo.db"))
	if err != nil && strings.Contains(err.Error(), "cgo") {
		t.Skip("go-sqlite3 needs CGO_ENABLED=1")
	}
	require.NoError(t, err)
	defer store.Close()

	turn := testTurn("c1", "hello", "s1", TurnCompleted)
	require.NoError(t, store.AppendTurn(t.Context(), "a", turn, SessionBinding{SessionID: "s1"}))

	got, err := store.GetTurn(t.Context(), "c1", 1)
	require.NoError(t, err)
	assert.Equal(t, TurnCompleted, got.Status)
	assert.Len(t, got.Events, 3)
}

func TestSQLiteStore_UnknownDriver(t *testing.T) {
	_, err := NewSQLiteStoreWithDriver("nope", filepath.Join(t.TempDir(), "x.db"))
	assert.Error(t, err)
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}

	return store
}
