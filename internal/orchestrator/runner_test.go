package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/productteam/internal/agent"
	"github.com/aristath/productteam/internal/aggregator"
	"github.com/aristath/productteam/internal/classifier"
	"github.com/aristath/productteam/internal/config"
	"github.com/aristath/productteam/internal/events"
	"github.com/aristath/productteam/internal/planner"
	"github.com/aristath/productteam/internal/query"
	"github.com/aristath/productteam/internal/registry"
	"github.com/aristath/productteam/internal/scheduler"
)

type executorFunc func(ctx context.Context, node *scheduler.Node, in agent.Inputs) (*agent.Result, error)

func (f executorFunc) Execute(ctx context.Context, node *scheduler.Node, in agent.Inputs) (*agent.Result, error) {
	return f(ctx, node, in)
}

func output(node *scheduler.Node, in agent.Inputs) *agent.Result {
	out := make(map[string]string, len(in.Role.Outputs))
	for _, f := range in.Role.Outputs {
		out[f] = node.ID + ": " + f
	}
	var upstream []string
	for id := range in.Upstream {
		upstream = append(upstream, id)
	}
	return &agent.Result{
		NodeID:     node.ID,
		RoleID:     node.RoleID,
		Output:     out,
		Upstream:   upstream,
		Attempt:    node.Attempts,
		Retries:    node.Attempts - 1,
		ProducedAt: time.Now(),
	}
}

var succeed = executorFunc(func(ctx context.Context, node *scheduler.Node, in agent.Inputs) (*agent.Result, error) {
	return output(node, in), nil
})

func agentFailure(node *scheduler.Node) error {
	return &agent.NodeError{NodeID: node.ID, RoleID: node.RoleID, Attempt: node.Attempts, Kind: agent.ErrAgent, Err: errors.New("backend unavailable")}
}

func fastRetry() RetryConfig {
	return RetryConfig{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2}
}

func testSnapshot(t *testing.T) *registry.Snapshot {
	t.Helper()
	snap, err := registry.NewSnapshot(config.DefaultConfig())
	require.NoError(t, err)
	return snap
}

func newRun(t *testing.T, snap *registry.Snapshot, id string, text string, roles []string, hints ...classifier.Hint) *Run {
	t.Helper()
	cls := &classifier.Classification{Hints: hints, Method: classifier.MethodLexical}
	for i, r := range roles {
		cls.Assignments = append(cls.Assignments, classifier.Assignment{RoleID: r, Priority: 100 - i, Confidence: 0.75})
	}
	plan, err := planner.New(nil).Plan(snap, query.New(text, ""), cls)
	require.NoError(t, err)
	return NewRun(id, snap, cls, plan)
}

func ideationRun(t *testing.T, snap *registry.Snapshot, id string) *Run {
	return newRun(t, snap, id, "Generate ideas for a new fitness app",
		[]string{"ideation", "market-research", "design"},
		classifier.Hint{From: "ideation", To: "market-research"},
		classifier.Hint{From: "ideation", To: "design"},
	)
}

func launchRun(t *testing.T, snap *registry.Snapshot, id string) *Run {
	return newRun(t, snap, id, "Test this fitness app and write a launch plan",
		[]string{"qa", "marketing", "data-analysis"},
		classifier.Hint{From: "qa", To: "marketing"},
	)
}

func states(run *Run) map[string]scheduler.NodeState {
	out := make(map[string]scheduler.NodeState)
	for _, n := range run.Nodes() {
		out[n.ID] = n.State
	}
	return out
}

func assertAllTerminal(t *testing.T, run *Run) {
	t.Helper()
	for _, n := range run.Nodes() {
		assert.True(t, n.State.IsTerminal(), "node %s ended in %s", n.ID, n.State)
	}
}

func TestRunner_FitnessAppAllSucceed(t *testing.T) {
	snap := testSnapshot(t)
	run := ideationRun(t, snap, "run-fitness")

	var mu sync.Mutex
	var order []string
	exec := executorFunc(func(ctx context.Context, node *scheduler.Node, in agent.Inputs) (*agent.Result, error) {
		mu.Lock()
		order = append(order, node.ID)
		mu.Unlock()
		if node.ID != "ideation" {
			assert.Contains(t, in.Upstream, "ideation", "dependents see the upstream result")
		}
		return output(node, in), nil
	})

	status := NewRunner(RunnerConfig{ConcurrencyLimit: 4, Retry: fastRetry()}, exec, nil, nil, nil).
		Execute(context.Background(), run)

	assert.Equal(t, RunSucceeded, status)
	assert.Equal(t, RunSucceeded, run.Status())
	assert.Equal(t, "ideation", order[0])
	assert.Len(t, order, 3)
	assert.Equal(t, 3, run.Results.Len())
	assertAllTerminal(t, run)

	report := run.Report()
	require.NotNil(t, report)
	assert.Equal(t, "succeeded", report.Status)
	features, ok := report.Section(aggregator.SectionFeatures)
	require.True(t, ok)
	assert.Len(t, features.Contributions, 2)
	for _, s := range report.Sections {
		assert.True(t, s.Available(), "section %s", s.Name)
	}

	select {
	case <-run.Done():
	default:
		t.Fatal("Done must be closed after Execute returns")
	}
}

func TestRunner_QAFailureSkipsMarketing(t *testing.T) {
	snap := testSnapshot(t)
	run := launchRun(t, snap, "run-qa")

	var qaAttempts atomic.Int32
	exec := executorFunc(func(ctx context.Context, node *scheduler.Node, in agent.Inputs) (*agent.Result, error) {
		switch node.ID {
		case "qa":
			qaAttempts.Add(1)
			return nil, agentFailure(node)
		case "marketing":
			t.Error("marketing must never run")
		}
		return output(node, in), nil
	})

	bus := events.NewEventBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicNode, 1024)

	status := NewRunner(RunnerConfig{ConcurrencyLimit: 2, Retry: fastRetry()}, exec, nil, bus, nil).
		Execute(context.Background(), run)

	assert.Equal(t, RunFailed, status)
	assert.Equal(t, int32(3), qaAttempts.Load(), "qa is retried twice")

	qa, _ := run.Plan.DAG.Get("qa")
	assert.Equal(t, scheduler.StateFailedTerminal, qa.State)
	assert.Equal(t, ReasonRetriesExhausted, qa.Reason)
	assert.ErrorIs(t, qa.Error, agent.ErrAgent)

	mkt, _ := run.Plan.DAG.Get("marketing")
	assert.Equal(t, scheduler.StateSkippedUnreachable, mkt.State)
	assert.Equal(t, "dependency qa failed", mkt.Reason)

	da, _ := run.Plan.DAG.Get("data-analysis")
	assert.Equal(t, scheduler.StateSucceeded, da.State)
	assertAllTerminal(t, run)

	report := run.Report()
	require.NotNil(t, report, "a failed run still yields a report")
	strategy, ok := report.Section(aggregator.SectionMarketingStrategy)
	require.True(t, ok)
	assert.Equal(t, "dependency qa failed", strategy.Unavailable[0].Reason)
	risks, _ := report.Section(aggregator.SectionRisks)
	assert.Equal(t, "retries exhausted", risks.Unavailable[0].Reason)

	var failedTransitions int
	for len(sub) > 0 {
		ev, ok := (<-sub).(events.NodeStateChangedEvent)
		if ok && ev.Node == "qa" && ev.To == scheduler.StateFailed {
			failedTransitions++
			assert.Contains(t, ev.Err, "backend unavailable")
		}
	}
	assert.Equal(t, 3, failedTransitions)
}

func TestRunner_RetryThenSucceed(t *testing.T) {
	snap := testSnapshot(t)
	run := newRun(t, snap, "run-retry", "wireframe", []string{"design"})

	exec := executorFunc(func(ctx context.Context, node *scheduler.Node, in agent.Inputs) (*agent.Result, error) {
		if node.Attempts == 1 {
			return nil, &agent.NodeError{NodeID: node.ID, Attempt: 1, Kind: agent.ErrSchemaMismatch, Err: errors.New("missing design_risks")}
		}
		return output(node, in), nil
	})

	status := NewRunner(RunnerConfig{Retry: fastRetry()}, exec, nil, nil, nil).Execute(context.Background(), run)
	require.Equal(t, RunSucceeded, status)

	res, ok := run.Results.Get("design")
	require.True(t, ok)
	assert.Equal(t, 2, res.Attempt)
	assert.Equal(t, 1, res.Retries)
}

func TestRunner_TranscriptKeepsFailedAttempts(t *testing.T) {
	snap := testSnapshot(t)
	run := ideationRun(t, snap, "run-transcript")
	run.Prior = []agent.PriorSection{{Title: "Features", Text: "streak tracking"}}

	var attempts atomic.Int32
	exec := executorFunc(func(ctx context.Context, node *scheduler.Node, in agent.Inputs) (*agent.Result, error) {
		assert.Equal(t, run.Prior, in.Prior, "every node sees the earlier report")
		if node.ID == "design" && attempts.Add(1) == 1 {
			return nil, &agent.NodeError{
				NodeID: node.ID, RoleID: node.RoleID, Attempt: node.Attempts,
				Kind: agent.ErrSchemaMismatch, Err: errors.New("missing user_flows"),
				Exchange: &agent.Exchange{Prompt: "design prompt", Output: "{}"},
			}
		}
		if node.ID == "market-research" && node.Attempts == 1 {
			return nil, agentFailure(node) // Reasoning never answered
		}
		res := output(node, in)
		res.Prompt, res.Raw = node.ID+" prompt", node.ID+" answer"
		return res, nil
	})

	status := NewRunner(RunnerConfig{ConcurrencyLimit: 2, Retry: fastRetry()}, exec, nil, nil, nil).
		Execute(context.Background(), run)
	require.Equal(t, RunSucceeded, status)

	byNode := make(map[string][]Attempt)
	for _, a := range run.Transcript.Entries() {
		byNode[a.NodeID] = append(byNode[a.NodeID], a)
	}
	require.Len(t, byNode["design"], 2)
	assert.Equal(t, "design prompt", byNode["design"][0].Prompt)
	assert.Equal(t, "{}", byNode["design"][0].Output)
	assert.Contains(t, byNode["design"][0].Err, "missing user_flows")
	assert.Equal(t, 1, byNode["design"][0].Attempt)
	assert.Equal(t, "design answer", byNode["design"][1].Output)
	assert.Empty(t, byNode["design"][1].Err)

	require.Len(t, byNode["market-research"], 1, "an attempt that sent nothing is not transcribed")
	assert.Equal(t, 2, byNode["market-research"][0].Attempt)
	require.Len(t, byNode["ideation"], 1)
}

func TestRunner_CancelMidRun(t *testing.T) {
	snap := testSnapshot(t)
	run := ideationRun(t, snap, "run-cancel")

	started := make(chan struct{})
	var once sync.Once
	exec := executorFunc(func(ctx context.Context, node *scheduler.Node, in agent.Inputs) (*agent.Result, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	})

	done := make(chan RunStatus, 1)
	go func() {
		done <- NewRunner(RunnerConfig{Retry: fastRetry()}, exec, nil, nil, nil).Execute(context.Background(), run)
	}()

	<-started
	run.Cancel()

	select {
	case status := <-done:
		assert.Equal(t, RunCancelled, status)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled run did not settle")
	}

	for id, st := range states(run) {
		assert.Equal(t, scheduler.StateCancelled, st, "node %s", id)
	}
	assert.Equal(t, 0, run.Results.Len())

	report := run.Report()
	require.NotNil(t, report)
	assert.Equal(t, "cancelled", report.Status)
	features, _ := report.Section(aggregator.SectionFeatures)
	assert.Equal(t, "cancelled", features.Unavailable[0].Reason)
}

func TestRunner_CancelBeforeStart(t *testing.T) {
	snap := testSnapshot(t)
	run := ideationRun(t, snap, "run-precancel")
	run.Cancel()

	var calls atomic.Int32
	exec := executorFunc(func(ctx context.Context, node *scheduler.Node, in agent.Inputs) (*agent.Result, error) {
		calls.Add(1)
		return output(node, in), nil
	})

	status := NewRunner(RunnerConfig{}, exec, nil, nil, nil).Execute(context.Background(), run)
	assert.Equal(t, RunCancelled, status)
	assert.Equal(t, int32(0), calls.Load())
	assertAllTerminal(t, run)
}

func TestRunner_ConcurrencyBound(t *testing.T) {
	cfg := config.DefaultConfig()
	roles := []string{}
	for _, id := range []string{"r1", "r2", "r3", "r4", "r5", "r6", "r7", "r8"} {
		cfg.Roles[id] = config.RoleConfig{
			Stage:   "research",
			Inputs:  []config.FieldConfig{{Name: "request", Required: true, FromQuery: true}},
			Outputs: []string{id + "_out"},
		}
		roles = append(roles, id)
	}
	snap, err := registry.NewSnapshot(cfg)
	require.NoError(t, err)
	run := newRun(t, snap, "run-bound", "parallel", roles)

	var active, peak atomic.Int32
	exec := executorFunc(func(ctx context.Context, node *scheduler.Node, in agent.Inputs) (*agent.Result, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return output(node, in), nil
	})

	status := NewRunner(RunnerConfig{ConcurrencyLimit: 3, Retry: fastRetry()}, exec, nil, nil, nil).
		Execute(context.Background(), run)
	assert.Equal(t, RunSucceeded, status)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, 8, run.Results.Len())
}

func TestRunner_ExclusiveRoleAcrossRuns(t *testing.T) {
	snap := testSnapshot(t)
	locks := scheduler.NewResourceLockManager()

	var active, peak atomic.Int32
	exec := executorFunc(func(ctx context.Context, node *scheduler.Node, in agent.Inputs) (*agent.Result, error) {
		if node.RoleID == "qa" {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
		}
		return output(node, in), nil
	})
	runner := NewRunner(RunnerConfig{Retry: fastRetry()}, exec, locks, nil, nil)

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c"} {
		run := launchRun(t, snap, "run-"+id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, RunSucceeded, runner.Execute(context.Background(), run))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

func TestRunner_EventLogBracketsRun(t *testing.T) {
	snap := testSnapshot(t)
	run := ideationRun(t, snap, "run-log")

	NewRunner(RunnerConfig{Retry: fastRetry()}, succeed, nil, nil, nil).Execute(context.Background(), run)

	entries := run.Log.Entries()
	require.NotEmpty(t, entries)
	assert.Equal(t, events.EventTypeRunStarted, entries[0].EventType())
	assert.Equal(t, events.EventTypeRunFinished, entries[len(entries)-1].EventType())

	var results int
	for _, e := range entries {
		assert.Equal(t, "run-log", e.RunID())
		if e.EventType() == events.EventTypeNodeResult {
			results++
		}
	}
	assert.Equal(t, 3, results)
}

func TestResultStore_WriteOnce(t *testing.T) {
	var s ResultStore
	require.NoError(t, s.Put(&agent.Result{NodeID: "a"}))
	assert.ErrorIs(t, s.Put(&agent.Result{NodeID: "a"}), ErrAlreadyWritten)
	assert.Equal(t, 1, s.Len())
	assert.Len(t, s.All(), 1)
}
