package events

import (
	"time"

	"github.com/aristath/productteam/internal/scheduler"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	RunID() string
	NodeID() string
}

// Topics.
const (
	TopicNode = "node"
	TopicRun  = "run"
)

// Event types.
const (
	EventTypeNodeStateChanged = "node.state_changed"
	EventTypeNodeResult       = "node.result"
	EventTypeRunStarted       = "run.started"
	EventTypeRunProgress      = "run.progress"
	EventTypeRunFinished      = "run.finished"
)

// NodeStateChangedEvent records one node transition.
type NodeStateChangedEvent struct {
	Run       string
	Node      string
	Role      string
	From      scheduler.NodeState
	To        scheduler.NodeState
	Attempt   int
	Err       string
	Reason    string
	Timestamp time.Time
}

func (e NodeStateChangedEvent) EventType() string { return EventTypeNodeStateChanged }
func (e NodeStateChangedEvent) RunID() string     { return e.Run }
func (e NodeStateChangedEvent) NodeID() string    { return e.Node }

// NodeResultEvent carries the output of a succeeded node.
type NodeResultEvent struct {
	Run       string
	Node      string
	Role      string
	Output    map[string]string
	Attempt   int
	Duration  time.Duration
	Timestamp time.Time
}

func (e NodeResultEvent) EventType() string { return EventTypeNodeResult }
func (e NodeResultEvent) RunID() string     { return e.Run }
func (e NodeResultEvent) NodeID() string    { return e.Node }

// RunStartedEvent is published once the plan is accepted.
type RunStartedEvent struct {
	Run       string
	Query     string
	Nodes     []string // Topological order
	Timestamp time.Time
}

func (e RunStartedEvent) EventType() string { return EventTypeRunStarted }
func (e RunStartedEvent) RunID() string     { return e.Run }
func (e RunStartedEvent) NodeID() string    { return "" }

// RunProgressEvent summarizes node states after a change.
type RunProgressEvent struct {
	Run       string
	Total     int
	Succeeded int
	Running   int
	Failed    int // FailedTerminal
	Skipped   int
	Cancelled int
	Pending   int // Pending, Ready or awaiting retry
	Timestamp time.Time
}

func (e RunProgressEvent) EventType() string { return EventTypeRunProgress }
func (e RunProgressEvent) RunID() string     { return e.Run }
func (e RunProgressEvent) NodeID() string    { return "" }

// RunFinishedEvent is published when a run reaches a terminal status.
type RunFinishedEvent struct {
	Run       string
	Status    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) RunID() string     { return e.Run }
func (e RunFinishedEvent) NodeID() string    { return "" }

// Progress builds a RunProgressEvent from scheduler state counts.
func Progress(runID string, counts map[scheduler.NodeState]int, at time.Time) RunProgressEvent {
	ev := RunProgressEvent{Run: runID, Timestamp: at}
	for state, n := range counts {
		ev.Total += n
		switch state {
		case scheduler.StateSucceeded:
			ev.Succeeded += n
		case scheduler.StateRunning:
			ev.Running += n
		case scheduler.StateFailedTerminal:
			ev.Failed += n
		case scheduler.StateSkippedUnreachable:
			ev.Skipped += n
		case scheduler.StateCancelled:
			ev.Cancelled += n
		default:
			ev.Pending += n
		}
	}
	return ev
}
