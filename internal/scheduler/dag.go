package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/toposort"
)

var (
	// ErrCycle is returned by Validate when the graph is not acyclic.
	ErrCycle = errors.New("graph contains a cycle")
	// ErrUnknownDependency is returned when a node depends on a missing node.
	ErrUnknownDependency = errors.New("unknown dependency")
	// ErrInvalidTransition is returned for transitions the state machine forbids.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrNodeNotFound is returned for unknown node IDs.
	ErrNodeNotFound = errors.New("node not found")
)

// DAG is the task graph of one run. It owns node state; callers only ever
// see clones.
type DAG struct {
	mu         sync.RWMutex
	nodes      map[string]*Node
	dependents map[string][]string // nodeID -> nodes that depend on it
	now        func() time.Time
}

// NewDAG creates an empty DAG.
func NewDAG() *DAG {
	return &DAG{
		nodes:      make(map[string]*Node),
		dependents: make(map[string][]string),
		now:        time.Now,
	}
}

// AddNode adds a node in StatePending. Returns error if the ID already exists.
func (d *DAG) AddNode(node *Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.nodes[node.ID]; exists {
		return fmt.Errorf("node with ID %q already exists", node.ID)
	}

	n := cloneNode(node)
	n.State = StatePending
	d.nodes[n.ID] = n

	for _, depID := range n.DependsOn {
		d.dependents[depID] = append(d.dependents[depID], n.ID)
	}

	return nil
}

func (d *DAG) sortedIDs() []string {
	ids := make([]string, 0, len(d.nodes))
	for id := range d.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks that every dependency exists and the graph is acyclic.
// It returns a deterministic topological order of node IDs.
func (d *DAG) Validate() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := d.sortedIDs()

	for _, id := range ids {
		for _, depID := range d.nodes[id].DependsOn {
			if _, exists := d.nodes[depID]; !exists {
				return nil, fmt.Errorf("%w: node %q depends on %q", ErrUnknownDependency, id, depID)
			}
			if depID == id {
				return nil, fmt.Errorf("%w: node %q depends on itself", ErrCycle, id)
			}
		}
	}

	var edges []toposort.Edge
	for _, id := range ids {
		deps := append([]string(nil), d.nodes[id].DependsOn...)
		sort.Strings(deps)
		if len(deps) == 0 {
			// nil source keeps isolated roots in the output
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range deps {
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycle, err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(d.nodes) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		var missing []string
		for _, id := range ids {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		return nil, fmt.Errorf("%w: unreachable nodes %s", ErrCycle, strings.Join(missing, ", "))
	}

	return order, nil
}

// Promote moves every pending node whose dependencies all succeeded to StateReady.
func (d *DAG) Promote() []StateChange {
	d.mu.Lock()
	defer d.mu.Unlock()

	var changes []StateChange
	for _, id := range d.sortedIDs() {
		n := d.nodes[id]
		if n.State != StatePending || !d.depsSucceeded(n) {
			continue
		}
		changes = append(changes, d.set(n, StateReady, nil, ""))
	}
	return changes
}

func (d *DAG) depsSucceeded(n *Node) bool {
	for _, depID := range n.DependsOn {
		dep, ok := d.nodes[depID]
		if !ok || dep.State != StateSucceeded {
			return false
		}
	}
	return true
}

// Ready returns clones of all ready nodes, highest priority first, then by ID.
func (d *DAG) Ready() []*Node {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ready []*Node
	for _, n := range d.nodes {
		if n.State == StateReady {
			ready = append(ready, cloneNode(n))
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

// Transition moves a node to a new state if the state machine allows it.
// Entering StateRunning counts an attempt.
func (d *DAG) Transition(id string, to NodeState, err error, reason string) (StateChange, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, ok := d.nodes[id]
	if !ok {
		return StateChange{}, fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	if !CanTransition(n.State, to) {
		return StateChange{}, fmt.Errorf("%w: node %q %s -> %s", ErrInvalidTransition, id, n.State, to)
	}
	return d.set(n, to, err, reason), nil
}

// set applies a transition; d.mu must be held.
func (d *DAG) set(n *Node, to NodeState, err error, reason string) StateChange {
	now := d.now()
	change := StateChange{
		NodeID: n.ID,
		RoleID: n.RoleID,
		From:   n.State,
		To:     to,
		Err:    err,
		Reason: reason,
		At:     now,
	}

	switch to {
	case StateRunning:
		n.Attempts++
		n.StartedAt = now
		n.Error = nil
	case StateFailed, StateFailedTerminal:
		if err != nil {
			n.Error = err
		}
	}
	if reason != "" {
		n.Reason = reason
	}
	if to.IsTerminal() {
		n.FinishedAt = now
	}
	n.State = to
	change.Attempt = n.Attempts
	return change
}

// SkipDependents marks every non-terminal transitive dependent of id as
// StateSkippedUnreachable. Only pending nodes can be affected because a
// dependent never becomes ready while id has not succeeded.
func (d *DAG) SkipDependents(id, reason string) []StateChange {
	d.mu.Lock()
	defer d.mu.Unlock()

	var changes []StateChange
	visited := make(map[string]bool)
	queue := append([]string(nil), d.dependents[id]...)
	sort.Strings(queue)

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true

		n, ok := d.nodes[cur]
		if !ok {
			continue
		}
		if n.State == StatePending {
			changes = append(changes, d.set(n, StateSkippedUnreachable, nil, reason))
		}
		next := append([]string(nil), d.dependents[cur]...)
		sort.Strings(next)
		queue = append(queue, next...)
	}
	return changes
}

// CancelAll moves every non-terminal node to StateCancelled.
func (d *DAG) CancelAll(reason string) []StateChange {
	d.mu.Lock()
	defer d.mu.Unlock()

	var changes []StateChange
	for _, id := range d.sortedIDs() {
		n := d.nodes[id]
		if n.State.IsTerminal() {
			continue
		}
		changes = append(changes, d.set(n, StateCancelled, nil, reason))
	}
	return changes
}

// SkipRemaining marks every pending or ready node StateSkippedUnreachable.
// Used when no further progress is possible.
func (d *DAG) SkipRemaining(reason string) []StateChange {
	d.mu.Lock()
	defer d.mu.Unlock()

	var changes []StateChange
	for _, id := range d.sortedIDs() {
		n := d.nodes[id]
		if n.State == StatePending || n.State == StateReady {
			// Ready -> Skipped is outside the normal table; it only happens here.
			changes = append(changes, d.set(n, StateSkippedUnreachable, nil, reason))
		}
	}
	return changes
}

// Get returns a clone of the node.
func (d *DAG) Get(id string) (*Node, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n, ok := d.nodes[id]
	if !ok {
		return nil, false
	}
	return cloneNode(n), true
}

// Nodes returns clones of all nodes sorted by ID.
func (d *DAG) Nodes() []*Node {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*Node, 0, len(d.nodes))
	for _, id := range d.sortedIDs() {
		out = append(out, cloneNode(d.nodes[id]))
	}
	return out
}

// Dependents returns the direct dependents of id.
func (d *DAG) Dependents(id string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := append([]string(nil), d.dependents[id]...)
	sort.Strings(out)
	return out
}

// Counts returns the number of nodes in each state.
func (d *DAG) Counts() map[NodeState]int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	counts := make(map[NodeState]int)
	for _, n := range d.nodes {
		counts[n.State]++
	}
	return counts
}

// AllTerminal reports whether every node has settled.
func (d *DAG) AllTerminal() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, n := range d.nodes {
		if !n.State.IsTerminal() {
			return false
		}
	}
	return true
}

// Len is the number of nodes.
func (d *DAG) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.nodes)
}
