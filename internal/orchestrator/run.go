package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/aristath/productteam/internal/agent"
	"github.com/aristath/productteam/internal/aggregator"
	"github.com/aristath/productteam/internal/classifier"
	"github.com/aristath/productteam/internal/events"
	"github.com/aristath/productteam/internal/planner"
	"github.com/aristath/productteam/internal/query"
	"github.com/aristath/productteam/internal/registry"
	"github.com/aristath/productteam/internal/scheduler"
)

// RunStatus is the lifecycle status of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// Run is one execution of a plan. Everything it references is private to
// the run except the pinned registry snapshot, which is immutable.
type Run struct {
	ID             string
	Query          query.Query
	Snapshot       *registry.Snapshot
	Classification *classifier.Classification
	Plan           *planner.Plan
	Results        *ResultStore
	Transcript     *Transcript
	Log            *events.Log
	Prior          []agent.PriorSection // Sections of the earlier report the query builds on

	mu         sync.RWMutex
	status     RunStatus
	report     *aggregator.Report
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	cancel     context.CancelFunc
	cancelled  bool
	done       chan struct{}
}

// NewRun creates a pending run for an accepted plan.
func NewRun(id string, snap *registry.Snapshot, cls *classifier.Classification, plan *planner.Plan) *Run {
	return &Run{
		ID:             id,
		Query:          plan.Query,
		Snapshot:       snap,
		Classification: cls,
		Plan:           plan,
		Results:        &ResultStore{},
		Transcript:     &Transcript{},
		Log:            events.NewLog(),
		status:         RunPending,
		createdAt:      time.Now(),
		done:           make(chan struct{}),
	}
}

// Status returns the current status.
func (r *Run) Status() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Report returns the report once the run has finished, or nil.
func (r *Run) Report() *aggregator.Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.report
}

// Nodes returns the current node states in ID order.
func (r *Run) Nodes() []*scheduler.Node {
	return r.Plan.DAG.Nodes()
}

// Done is closed when the run reaches a terminal status.
func (r *Run) Done() <-chan struct{} { return r.done }

// CreatedAt is when the run was accepted.
func (r *Run) CreatedAt() time.Time { return r.createdAt }

// StartedAt is when execution began.
func (r *Run) StartedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.startedAt
}

// FinishedAt is when the run settled.
func (r *Run) FinishedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.finishedAt
}

// Cancel requests cancellation. Safe to call at any time, any number of times.
func (r *Run) Cancel() {
	r.mu.Lock()
	r.cancelled = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// start moves the run to RunRunning and returns a context cancelled by Cancel.
func (r *Run) start(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel = cancel
	r.status = RunRunning
	r.startedAt = time.Now()
	if r.cancelled {
		cancel()
	}
	return ctx, cancel
}

func (r *Run) finish(status RunStatus, report *aggregator.Report) {
	r.mu.Lock()
	r.status = status
	r.report = report
	r.finishedAt = time.Now()
	r.mu.Unlock()
	close(r.done)
}
