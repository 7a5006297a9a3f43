// Package persistence keeps the audit history of finished runs in SQLite.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// RunRecord is the persisted form of a finished run.
type RunRecord struct {
	ID              string
	Query           string
	Stage           string
	Status          string
	SnapshotVersion uint64
	Roles           []string
	Report          []byte // JSON-encoded report
	CreatedAt       time.Time
	StartedAt       time.Time
	FinishedAt      time.Time
	Nodes           []NodeRecord
	Events          []EventRecord
}

// NodeRecord is the final state of one node.
type NodeRecord struct {
	NodeID     string
	RoleID     string
	State      string
	Attempts   int
	DependsOn  []string
	Reason     string
	Error      string
	Output     map[string]string
	StartedAt  time.Time
	FinishedAt time.Time
}

// EventRecord is one entry of a run's event log.
type EventRecord struct {
	Seq     int
	Type    string
	NodeID  string
	Payload []byte // JSON-encoded event
	At      time.Time
}

// RunSummary is a row of the run history listing.
type RunSummary struct {
	ID         string
	Query      string
	Status     string
	Nodes      int
	CreatedAt  time.Time
	FinishedAt time.Time
}

// ConversationTurn is one prompt or response exchanged by a node.
type ConversationTurn struct {
	NodeID    string
	Role      string // "user" or "assistant"
	Content   string
	Timestamp time.Time
}

// Store defines the persistence interface for runs and conversation history.
type Store interface {
	SaveRun(ctx context.Context, rec *RunRecord) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]RunSummary, error)

	SaveMessage(ctx context.Context, runID, nodeID, role, content string) error
	GetHistory(ctx context.Context, runID string) ([]ConversationTurn, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Pragmas in the DSN apply to every
// pooled connection: WAL mode, busy timeout and foreign keys.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory store. Each call gets its own
// database; connections of one store share it through the shared cache.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:productteam-%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	// One connection for the write transaction, one for concurrent readers.
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
