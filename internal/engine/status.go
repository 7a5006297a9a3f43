package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/productteam/internal/aggregator"
	"github.com/aristath/productteam/internal/events"
	"github.com/aristath/productteam/internal/orchestrator"
	"github.com/aristath/productteam/internal/persistence"
	"github.com/aristath/productteam/internal/planner"
	"github.com/aristath/productteam/internal/scheduler"
)

// NodeStatus is the externally visible state of one node.
type NodeStatus struct {
	ID        string   `json:"id"`
	RoleID    string   `json:"role_id"`
	State     string   `json:"state"`
	Attempts  int      `json:"attempts"`
	DependsOn []string `json:"depends_on,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// RunStatus is a point-in-time view of a run.
type RunStatus struct {
	ID         string                  `json:"id"`
	Status     orchestrator.RunStatus  `json:"status"`
	Query      string                  `json:"query"`
	Stage      string                  `json:"stage,omitempty"`
	Roles      []string                `json:"roles"`
	Ambiguous  bool                    `json:"ambiguous"`
	Review     *planner.Revision       `json:"review,omitempty"`
	Nodes      []NodeStatus            `json:"nodes"`
	Progress   events.RunProgressEvent `json:"progress"`
	CreatedAt  time.Time               `json:"created_at"`
	StartedAt  time.Time               `json:"started_at,omitempty"`
	FinishedAt time.Time               `json:"finished_at,omitempty"`
}

// GetRunStatus returns the current status of a run. Runs no longer held in
// memory are read from the store.
func (e *Engine) GetRunStatus(id string) (*RunStatus, error) {
	if ent, ok := e.lookup(id); ok {
		return statusOf(ent.run), nil
	}
	rec, err := e.stored(context.Background(), id)
	if err != nil {
		return nil, err
	}
	return statusFromRecord(rec), nil
}

func statusOf(run *orchestrator.Run) *RunStatus {
	nodes := run.Nodes()
	st := &RunStatus{
		ID:         run.ID,
		Status:     run.Status(),
		Query:      run.Query.Text,
		Stage:      run.Query.Stage,
		Roles:      append([]string(nil), run.Plan.Roles...),
		Ambiguous:  run.Classification.Ambiguous,
		Review:     run.Plan.Review,
		Progress:   events.Progress(run.ID, run.Plan.DAG.Counts(), time.Now()),
		CreatedAt:  run.CreatedAt(),
		StartedAt:  run.StartedAt(),
		FinishedAt: run.FinishedAt(),
	}
	for _, n := range nodes {
		ns := NodeStatus{
			ID:        n.ID,
			RoleID:    n.RoleID,
			State:     n.State.String(),
			Attempts:  n.Attempts,
			DependsOn: n.DependsOn,
			Reason:    n.Reason,
		}
		if n.Error != nil {
			ns.Error = n.Error.Error()
		}
		st.Nodes = append(st.Nodes, ns)
	}
	return st
}

func statusFromRecord(rec *persistence.RunRecord) *RunStatus {
	st := &RunStatus{
		ID:         rec.ID,
		Status:     orchestrator.RunStatus(rec.Status),
		Query:      rec.Query,
		Stage:      rec.Stage,
		Roles:      rec.Roles,
		CreatedAt:  rec.CreatedAt,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
	}
	counts := make(map[scheduler.NodeState]int)
	for _, n := range rec.Nodes {
		counts[scheduler.ParseNodeState(n.State)]++
		st.Nodes = append(st.Nodes, NodeStatus{
			ID:        n.NodeID,
			RoleID:    n.RoleID,
			State:     n.State,
			Attempts:  n.Attempts,
			DependsOn: n.DependsOn,
			Reason:    n.Reason,
			Error:     n.Error,
		})
	}
	st.Progress = events.Progress(rec.ID, counts, rec.FinishedAt)
	return st
}

func reportFromRecord(rec *persistence.RunRecord) (*aggregator.Report, error) {
	if len(rec.Report) == 0 {
		return nil, fmt.Errorf("run %s: %w", rec.ID, ErrReportNotReady)
	}
	var r aggregator.Report
	if err := json.Unmarshal(rec.Report, &r); err != nil {
		return nil, fmt.Errorf("decoding report of run %s: %w", rec.ID, err)
	}
	return &r, nil
}

// persist writes the finished run and every exchanged message to the store.
func (e *Engine) persist(ctx context.Context, run *orchestrator.Run) error {
	if e.opts.Store == nil {
		return nil
	}
	rec, err := recordOf(run)
	if err != nil {
		return err
	}
	if err := e.opts.Store.SaveRun(ctx, rec); err != nil {
		return err
	}

	// Failed attempts are kept next to the one that finally succeeded.
	var errs []error
	save := func(nodeID, role, content string) {
		if err := e.opts.Store.SaveMessage(ctx, run.ID, nodeID, role, content); err != nil {
			errs = append(errs, err)
		}
	}
	for _, a := range run.Transcript.Entries() {
		save(a.NodeID, "user", a.Prompt)
		if a.Output != "" {
			save(a.NodeID, "assistant", a.Output)
		}
		if a.Err != "" {
			save(a.NodeID, "error", a.Err)
		}
	}
	return errors.Join(errs...)
}

func recordOf(run *orchestrator.Run) (*persistence.RunRecord, error) {
	rec := &persistence.RunRecord{
		ID:              run.ID,
		Query:           run.Query.Text,
		Stage:           run.Query.Stage,
		Status:          string(run.Status()),
		SnapshotVersion: run.Snapshot.Version(),
		Roles:           append([]string(nil), run.Plan.Roles...),
		CreatedAt:       run.CreatedAt(),
		StartedAt:       run.StartedAt(),
		FinishedAt:      run.FinishedAt(),
	}
	if report := run.Report(); report != nil {
		data, err := json.Marshal(report)
		if err != nil {
			return nil, fmt.Errorf("encoding report: %w", err)
		}
		rec.Report = data
	}

	results := run.Results.All()
	for _, n := range run.Nodes() {
		nr := persistence.NodeRecord{
			NodeID:     n.ID,
			RoleID:     n.RoleID,
			State:      n.State.String(),
			Attempts:   n.Attempts,
			DependsOn:  n.DependsOn,
			Reason:     n.Reason,
			StartedAt:  n.StartedAt,
			FinishedAt: n.FinishedAt,
		}
		if n.Error != nil {
			nr.Error = n.Error.Error()
		}
		if res, ok := results[n.ID]; ok {
			nr.Output = res.Output
		}
		rec.Nodes = append(rec.Nodes, nr)
	}

	for i, ev := range run.Log.Entries() {
		payload, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encoding event %d: %w", i, err)
		}
		rec.Events = append(rec.Events, persistence.EventRecord{
			Seq:     i,
			Type:    ev.EventType(),
			NodeID:  ev.NodeID(),
			Payload: payload,
			At:      eventTime(ev),
		})
	}
	return rec, nil
}

func eventTime(ev events.Event) time.Time {
	switch e := ev.(type) {
	case events.NodeStateChangedEvent:
		return e.Timestamp
	case events.NodeResultEvent:
		return e.Timestamp
	case events.RunStartedEvent:
		return e.Timestamp
	case events.RunProgressEvent:
		return e.Timestamp
	case events.RunFinishedEvent:
		return e.Timestamp
	}
	return time.Time{}
}
