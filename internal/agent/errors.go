package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrSchemaMismatch means the bound input or the produced output does not
	// match the role's declared schema. Retryable.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrAgent is a failure of the reasoning collaborator. Retryable.
	ErrAgent = errors.New("agent error")
	// ErrTimeout means the node exceeded its deadline. Handled as ErrAgent.
	ErrTimeout = errors.New("node timed out")
)

// NodeError is the failure of one node attempt. Kind is one of the sentinels
// above; errors.Is matches both Kind and the wrapped cause.
type NodeError struct {
	NodeID   string
	RoleID   string
	Attempt  int
	Kind     error
	Err      error
	Exchange *Exchange // What was sent and received, nil if reasoning never ran
}

func (e *NodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("node %s (role %s, attempt %d): %v", e.NodeID, e.RoleID, e.Attempt, e.Kind)
	}
	return fmt.Sprintf("node %s (role %s, attempt %d): %v: %v", e.NodeID, e.RoleID, e.Attempt, e.Kind, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

func (e *NodeError) Is(target error) bool {
	if target == e.Kind {
		return true
	}
	// A timeout is an agent failure too.
	return e.Kind == ErrTimeout && target == ErrAgent
}
