// Package orchestrator drives a run's task graph to completion.
//
// A single event loop owns every state transition. It promotes nodes whose
// dependencies succeeded, dispatches ready nodes to the worker pool up to
// the concurrency limit, and then waits on whichever comes first: a node
// completion, a retry timer or cancellation. Workers never touch the graph.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/productteam/internal/agent"
	"github.com/aristath/productteam/internal/aggregator"
	"github.com/aristath/productteam/internal/events"
	"github.com/aristath/productteam/internal/scheduler"
)

const tracerName = "github.com/aristath/productteam/internal/orchestrator"

// Reasons recorded on nodes that never ran to completion.
const (
	ReasonRetriesExhausted = "retries exhausted"
	ReasonCancelled        = "cancelled"
	ReasonDeadlock         = "deadlock"
)

// DependencyFailedReason is the skip reason for dependents of a failed node.
func DependencyFailedReason(nodeID string) string {
	return fmt.Sprintf("dependency %s failed", nodeID)
}

// Executor runs one node attempt. *agent.Runtime implements it.
type Executor interface {
	Execute(ctx context.Context, node *scheduler.Node, in agent.Inputs) (*agent.Result, error)
}

// RunnerConfig configures the Runner.
type RunnerConfig struct {
	ConcurrencyLimit int // Max nodes running at once per run (default 4)
	Retry            RetryConfig
}

// Runner executes runs. One Runner serves every run of the process; the
// resource lock manager is shared so exclusive roles stay exclusive across runs.
type Runner struct {
	config RunnerConfig
	exec   Executor
	locks  *scheduler.ResourceLockManager
	bus    events.Publisher
	tracer trace.Tracer
	logger *slog.Logger
	now    func() time.Time
}

// NewRunner creates a Runner. bus and logger may be nil.
func NewRunner(cfg RunnerConfig, exec Executor, locks *scheduler.ResourceLockManager, bus events.Publisher, logger *slog.Logger) *Runner {
	if cfg.ConcurrencyLimit <= 0 {
		cfg.ConcurrencyLimit = 4
	}
	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if locks == nil {
		locks = scheduler.NewResourceLockManager()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		config: cfg,
		exec:   exec,
		locks:  locks,
		bus:    bus,
		tracer: otel.Tracer(tracerName),
		logger: logger,
		now:    time.Now,
	}
}

type completion struct {
	nodeID string
	result *agent.Result
	err    error
}

// loop is the per-run state of one Execute call.
type loop struct {
	r        *Runner
	run      *Run
	dag      *scheduler.DAG
	rec      events.Recorder
	logger   *slog.Logger
	backoffs map[string]*backoff.ExponentialBackOff
}

// Execute runs the plan to completion and returns the final status. It
// blocks until every node is terminal and every worker has returned. The
// report is always built, also for failed and cancelled runs.
func (r *Runner) Execute(ctx context.Context, run *Run) RunStatus {
	ctx, cancel := run.start(ctx)
	defer cancel()

	ctx, span := r.tracer.Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", run.ID),
			attribute.Int("run.nodes", run.Plan.DAG.Len()),
		))
	defer span.End()

	l := &loop{
		r:        r,
		run:      run,
		dag:      run.Plan.DAG,
		rec:      events.Recorder{Log: run.Log, Bus: r.bus},
		logger:   r.logger.With("run_id", run.ID),
		backoffs: make(map[string]*backoff.ExponentialBackOff),
	}

	started := r.now()
	l.rec.Record(events.TopicRun, events.RunStartedEvent{
		Run:       run.ID,
		Query:     run.Query.Text,
		Nodes:     append([]string(nil), run.Plan.Order...),
		Timestamp: started,
	})
	l.logger.Info("run started", "nodes", run.Plan.DAG.Len(), "order", run.Plan.Order)

	cancelled := l.drive(ctx)

	status := RunSucceeded
	counts := l.dag.Counts()
	switch {
	case cancelled:
		status = RunCancelled
	case counts[scheduler.StateFailedTerminal] > 0 || counts[scheduler.StateSkippedUnreachable] > 0:
		status = RunFailed
	}

	finished := r.now()
	report := aggregator.Aggregate(aggregator.Input{
		RunID:       run.ID,
		Query:       run.Query,
		Status:      string(status),
		Snapshot:    run.Snapshot,
		Order:       run.Plan.Order,
		Nodes:       l.dag.Nodes(),
		Results:     run.Results.All(),
		GeneratedAt: finished,
	})

	l.rec.Record(events.TopicRun, events.RunFinishedEvent{
		Run:       run.ID,
		Status:    string(status),
		Duration:  finished.Sub(started),
		Timestamp: finished,
	})
	span.SetAttributes(attribute.String("run.status", string(status)))
	if status == RunFailed {
		span.SetStatus(codes.Error, "one or more nodes failed")
	}
	l.logger.Info("run finished", "status", status, "duration", finished.Sub(started))

	run.finish(status, report)
	return status
}

// drive runs the event loop. It reports whether the run was cancelled.
func (l *loop) drive(ctx context.Context) bool {
	limit := l.r.config.ConcurrencyLimit

	var g errgroup.Group
	g.SetLimit(limit)
	// At most limit completions are ever unread, so workers never block on send.
	completions := make(chan completion, limit)
	retries := make(chan string, l.dag.Len())
	stop := make(chan struct{})
	defer close(stop)

	running, pendingRetries := 0, 0
	cancelled := false

	for {
		if ctx.Err() != nil {
			cancelled = true
			l.record(l.dag.CancelAll(ReasonCancelled))
			break
		}
		l.record(l.dag.Promote())

		for _, node := range l.dag.Ready() {
			if running >= limit {
				break
			}
			change, err := l.dag.Transition(node.ID, scheduler.StateRunning, nil, "")
			if err != nil {
				l.logger.Error("failed to dispatch node", "node_id", node.ID, "err", err)
				continue
			}
			l.record([]scheduler.StateChange{change})
			running++

			n, _ := l.dag.Get(node.ID)
			g.Go(func() error {
				res, err := l.work(ctx, n)
				completions <- completion{nodeID: n.ID, result: res, err: err}
				return nil
			})
		}

		if running == 0 && pendingRetries == 0 {
			if l.dag.AllTerminal() {
				break
			}
			// Nothing runs and nothing can become ready.
			l.logger.Error("run deadlocked, skipping remaining nodes")
			l.record(l.dag.SkipRemaining(ReasonDeadlock))
			break
		}

		select {
		case c := <-completions:
			running--
			if ctx.Err() != nil {
				cancelled = true
				break
			}
			l.complete(c, &pendingRetries, retries, stop)
		case id := <-retries:
			pendingRetries--
			if ctx.Err() != nil {
				cancelled = true
				break
			}
			change, err := l.dag.Transition(id, scheduler.StateReady, nil, "")
			if err != nil {
				l.logger.Error("failed to requeue node", "node_id", id, "err", err)
				continue
			}
			l.record([]scheduler.StateChange{change})
		case <-ctx.Done():
			cancelled = true
		}

		if cancelled {
			l.record(l.dag.CancelAll(ReasonCancelled))
			l.logger.Info("run cancelled", "running", running)
			break
		}
	}

	// Workers observe ctx and return promptly; their late results are discarded.
	_ = g.Wait()
	return cancelled
}

// work executes one node attempt on a worker goroutine.
func (l *loop) work(ctx context.Context, node *scheduler.Node) (*agent.Result, error) {
	ctx, span := l.r.tracer.Start(ctx, "node",
		trace.WithAttributes(
			attribute.String("node.id", node.ID),
			attribute.String("node.role", node.RoleID),
			attribute.Int("node.attempt", node.Attempts),
		))
	defer span.End()

	role, err := l.run.Snapshot.GetRole(node.RoleID)
	if err != nil {
		span.RecordError(err)
		return nil, backoff.Permanent(err)
	}

	if len(node.Resources) > 0 {
		if err := l.r.locks.LockAll(ctx, node.Resources); err != nil {
			return nil, fmt.Errorf("acquire %v: %w", node.Resources, err)
		}
		defer l.r.locks.UnlockAll(node.Resources)
	}

	upstream := make(map[string]*agent.Result, len(node.DependsOn))
	for _, dep := range node.DependsOn {
		if res, ok := l.run.Results.Get(dep); ok {
			upstream[dep] = res
		}
	}

	res, err := l.r.exec.Execute(ctx, node, agent.Inputs{
		Role:     role,
		Query:    l.run.Query,
		Upstream: upstream,
		Prior:    l.run.Prior,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// complete applies a worker's outcome to the graph.
func (l *loop) complete(c completion, pendingRetries *int, retries chan<- string, stop <-chan struct{}) {
	node, ok := l.dag.Get(c.nodeID)
	if !ok || node.State != scheduler.StateRunning {
		return
	}
	log := l.logger.With("node_id", node.ID, "role", node.RoleID, "attempt", node.Attempts)
	l.transcribe(node, c)

	if c.err == nil {
		if err := l.run.Results.Put(c.result); err != nil {
			c.err = backoff.Permanent(fmt.Errorf("store result: %w", err))
		}
	}

	if c.err == nil {
		change, err := l.dag.Transition(node.ID, scheduler.StateSucceeded, nil, "")
		if err != nil {
			log.Error("failed to mark node succeeded", "err", err)
			return
		}
		l.record([]scheduler.StateChange{change})
		l.rec.Record(events.TopicNode, events.NodeResultEvent{
			Run:       l.run.ID,
			Node:      node.ID,
			Role:      node.RoleID,
			Output:    c.result.Output,
			Attempt:   c.result.Attempt,
			Duration:  c.result.Duration,
			Timestamp: l.r.now(),
		})
		log.Debug("node succeeded", "duration", c.result.Duration)
		return
	}

	change, err := l.dag.Transition(node.ID, scheduler.StateFailed, c.err, "")
	if err != nil {
		log.Error("failed to mark node failed", "err", err)
		return
	}
	l.record([]scheduler.StateChange{change})

	var permanent *backoff.PermanentError
	if node.Attempts <= node.MaxRetries && !errors.As(c.err, &permanent) {
		delay := l.nextBackOff(node.ID)
		*pendingRetries++
		log.Warn("node attempt failed, retrying", "err", c.err, "retry_in", delay)
		time.AfterFunc(delay, func() {
			select {
			case retries <- node.ID:
			case <-stop:
			}
		})
		return
	}

	change, err = l.dag.Transition(node.ID, scheduler.StateFailedTerminal, c.err, ReasonRetriesExhausted)
	if err != nil {
		log.Error("failed to mark node failed terminally", "err", err)
		return
	}
	l.record([]scheduler.StateChange{change})
	log.Error("node failed", "err", c.err, "attempts", node.Attempts)

	l.record(l.dag.SkipDependents(node.ID, DependencyFailedReason(node.ID)))
}

// transcribe keeps the exchange of an attempt, including failed ones.
func (l *loop) transcribe(node *scheduler.Node, c completion) {
	a := Attempt{NodeID: node.ID, RoleID: node.RoleID, Attempt: node.Attempts, At: l.r.now()}
	var nodeErr *agent.NodeError
	switch {
	case c.err == nil && c.result != nil:
		a.Prompt, a.Output = c.result.Prompt, c.result.Raw
	case errors.As(c.err, &nodeErr) && nodeErr.Exchange != nil:
		a.Prompt, a.Output = nodeErr.Exchange.Prompt, nodeErr.Exchange.Output
		a.Err = c.err.Error()
	default:
		return // Nothing was sent
	}
	l.run.Transcript.Append(a)
}

func (l *loop) nextBackOff(nodeID string) time.Duration {
	b, ok := l.backoffs[nodeID]
	if !ok {
		b = l.r.config.Retry.newBackOff()
		l.backoffs[nodeID] = b
	}
	d := b.NextBackOff()
	if d == backoff.Stop {
		d = l.r.config.Retry.MaxInterval
	}
	return d
}

// record appends transitions to the run log, publishes them and a progress
// summary.
func (l *loop) record(changes []scheduler.StateChange) {
	if len(changes) == 0 {
		return
	}
	for _, c := range changes {
		ev := events.NodeStateChangedEvent{
			Run:       l.run.ID,
			Node:      c.NodeID,
			Role:      c.RoleID,
			From:      c.From,
			To:        c.To,
			Attempt:   c.Attempt,
			Reason:    c.Reason,
			Timestamp: c.At,
		}
		if c.Err != nil {
			ev.Err = c.Err.Error()
		}
		l.rec.Record(events.TopicNode, ev)
	}
	l.rec.Record(events.TopicRun, events.Progress(l.run.ID, l.dag.Counts(), l.r.now()))
}
