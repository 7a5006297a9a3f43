package scheduler

import (
	"time"
)

// NodeState is the lifecycle state of a task node.
type NodeState int

const (
	StatePending            NodeState = iota // Waiting for dependencies
	StateReady                               // All dependencies succeeded
	StateRunning                             // Dispatched to the agent runtime
	StateSucceeded                           // Result stored
	StateFailed                              // Attempt failed, retry may follow
	StateFailedTerminal                      // Retries exhausted
	StateSkippedUnreachable                  // An upstream dependency can never succeed
	StateCancelled                           // Run was cancelled before the node settled
)

var stateNames = [...]string{
	StatePending:            "pending",
	StateReady:              "ready",
	StateRunning:            "running",
	StateSucceeded:          "succeeded",
	StateFailed:             "failed",
	StateFailedTerminal:     "failed_terminal",
	StateSkippedUnreachable: "skipped_unreachable",
	StateCancelled:          "cancelled",
}

func (s NodeState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// IsTerminal reports whether the state can never change again.
func (s NodeState) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailedTerminal, StateSkippedUnreachable, StateCancelled:
		return true
	}
	return false
}

// MarshalText encodes the state by name.
func (s NodeState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseNodeState is the inverse of String. Unknown names map to StatePending.
func ParseNodeState(name string) NodeState {
	for i, n := range stateNames {
		if n == name {
			return NodeState(i)
		}
	}
	return StatePending
}

// allowed lists the legal transitions of the node state machine.
var allowed = map[NodeState][]NodeState{
	StatePending: {StateReady, StateSkippedUnreachable, StateCancelled},
	StateReady:   {StateRunning, StateCancelled},
	StateRunning: {StateSucceeded, StateFailed, StateCancelled},
	StateFailed:  {StateReady, StateFailedTerminal, StateCancelled},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to NodeState) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Binding wires one role input to its source. An empty SourceNode means the raw query.
type Binding struct {
	Field       string `json:"field"`
	SourceNode  string `json:"source_node,omitempty"`
	SourceField string `json:"source_field,omitempty"`
}

// FromQuery reports whether the binding reads the raw query.
func (b Binding) FromQuery() bool { return b.SourceNode == "" }

// Node is one scheduled invocation of a role.
type Node struct {
	ID         string
	RoleID     string
	Priority   int
	DependsOn  []string
	Bindings   []Binding
	Resources  []string // Lock keys held while running
	MaxRetries int
	Timeout    time.Duration

	State      NodeState
	Attempts   int
	Error      error
	Reason     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// StateChange records one node transition.
type StateChange struct {
	NodeID  string
	RoleID  string
	From    NodeState
	To      NodeState
	Attempt int
	Err     error
	Reason  string
	At      time.Time
}

func cloneNode(n *Node) *Node {
	if n == nil {
		return nil
	}
	cp := *n
	cp.DependsOn = append([]string(nil), n.DependsOn...)
	cp.Bindings = append([]Binding(nil), n.Bindings...)
	cp.Resources = append([]string(nil), n.Resources...)
	return &cp
}
