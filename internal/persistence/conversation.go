package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveMessage appends one conversation message of a node. The run must
// already be saved.
func (s *SQLiteStore) SaveMessage(ctx context.Context, runID, nodeID, role, content string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_history (run_id, node_id, role, content, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, runID, nodeID, role, content, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetHistory returns every message of a run in insertion order.
// Returns an empty slice (not nil) if no history exists.
func (s *SQLiteStore) GetHistory(ctx context.Context, runID string) ([]ConversationTurn, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// id breaks ties between messages written within the same nanosecond
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, role, content, timestamp
		FROM conversation_history
		WHERE run_id = ?
		ORDER BY timestamp ASC, id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	history := []ConversationTurn{}
	for rows.Next() {
		var (
			turn ConversationTurn
			ts   int64
		)
		if err := rows.Scan(&turn.NodeID, &turn.Role, &turn.Content, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		turn.Timestamp = fromNanos(ts)
		history = append(history, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return history, nil
}
