package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SaveRun upserts a run with its nodes and event log in one transaction.
// Saving the same run again replaces its nodes and events.
func (s *SQLiteStore) SaveRun(ctx context.Context, rec *RunRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	roles, err := json.Marshal(nonNil(rec.Roles))
	if err != nil {
		return fmt.Errorf("failed to encode roles: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, query, stage, status, snapshot_version, roles, report, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			query = excluded.query,
			stage = excluded.stage,
			status = excluded.status,
			snapshot_version = excluded.snapshot_version,
			roles = excluded.roles,
			report = excluded.report,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`, rec.ID, rec.Query, rec.Stage, rec.Status, int64(rec.SnapshotVersion), string(roles), nullString(rec.Report),
		nanos(rec.CreatedAt), nanos(rec.StartedAt), nanos(rec.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_nodes WHERE run_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("failed to delete old nodes: %w", err)
	}
	for _, n := range rec.Nodes {
		deps, err := json.Marshal(nonNil(n.DependsOn))
		if err != nil {
			return fmt.Errorf("failed to encode dependencies of %s: %w", n.NodeID, err)
		}
		var output []byte
		if n.Output != nil {
			if output, err = json.Marshal(n.Output); err != nil {
				return fmt.Errorf("failed to encode output of %s: %w", n.NodeID, err)
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_nodes (run_id, node_id, role_id, state, attempts, depends_on, reason, error, output, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.ID, n.NodeID, n.RoleID, n.State, n.Attempts, string(deps), n.Reason, n.Error, nullString(output),
			nanos(n.StartedAt), nanos(n.FinishedAt))
		if err != nil {
			return fmt.Errorf("failed to insert node %s: %w", n.NodeID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM node_events WHERE run_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("failed to delete old events: %w", err)
	}
	for _, e := range rec.Events {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO node_events (run_id, seq, type, node_id, payload, at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, rec.ID, e.Seq, e.Type, e.NodeID, string(e.Payload), nanos(e.At))
		if err != nil {
			return fmt.Errorf("failed to insert event %d: %w", e.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetRun loads a run with its nodes and events. Returns a wrapped
// ErrNotFound if the run does not exist.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rec := &RunRecord{ID: runID}
	var (
		version                    int64
		roles                      string
		report                     sql.NullString
		created, started, finished int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT query, stage, status, snapshot_version, roles, report, created_at, started_at, finished_at
		FROM runs WHERE id = ?
	`, runID).Scan(&rec.Query, &rec.Stage, &rec.Status, &version, &roles, &report, &created, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %q: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	rec.SnapshotVersion = uint64(version)
	rec.CreatedAt, rec.StartedAt, rec.FinishedAt = fromNanos(created), fromNanos(started), fromNanos(finished)
	if report.Valid {
		rec.Report = []byte(report.String)
	}
	if err := json.Unmarshal([]byte(roles), &rec.Roles); err != nil {
		return nil, fmt.Errorf("failed to decode roles: %w", err)
	}

	if rec.Nodes, err = s.loadNodes(ctx, runID); err != nil {
		return nil, err
	}
	if rec.Events, err = s.loadEvents(ctx, runID); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLiteStore) loadNodes(ctx context.Context, runID string) ([]NodeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, role_id, state, attempts, depends_on, reason, error, output, started_at, finished_at
		FROM run_nodes WHERE run_id = ? ORDER BY node_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []NodeRecord
	for rows.Next() {
		var (
			n                 NodeRecord
			deps              string
			output            sql.NullString
			started, finished int64
		)
		if err := rows.Scan(&n.NodeID, &n.RoleID, &n.State, &n.Attempts, &deps, &n.Reason, &n.Error, &output, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		if err := json.Unmarshal([]byte(deps), &n.DependsOn); err != nil {
			return nil, fmt.Errorf("failed to decode dependencies of %s: %w", n.NodeID, err)
		}
		if output.Valid {
			if err := json.Unmarshal([]byte(output.String), &n.Output); err != nil {
				return nil, fmt.Errorf("failed to decode output of %s: %w", n.NodeID, err)
			}
		}
		n.StartedAt, n.FinishedAt = fromNanos(started), fromNanos(finished)
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}
	return nodes, nil
}

func (s *SQLiteStore) loadEvents(ctx context.Context, runID string) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, type, node_id, payload, at
		FROM node_events WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			e       EventRecord
			payload string
			at      int64
		)
		if err := rows.Scan(&e.Seq, &e.Type, &e.NodeID, &payload, &at); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Payload = []byte(payload)
		e.At = fromNanos(at)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return out, nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.query, r.status, r.created_at, r.finished_at,
			(SELECT COUNT(*) FROM run_nodes n WHERE n.run_id = r.id)
		FROM runs r
		ORDER BY r.created_at DESC, r.id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	summaries := []RunSummary{}
	for rows.Next() {
		var (
			rs                RunSummary
			created, finished int64
		)
		if err := rows.Scan(&rs.ID, &rs.Query, &rs.Status, &created, &finished, &rs.Nodes); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		rs.CreatedAt, rs.FinishedAt = fromNanos(created), fromNanos(finished)
		summaries = append(summaries, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return summaries, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
