package planner

import (
	"errors"
	"fmt"
)

// ErrPlanning matches every *PlanningError via errors.Is.
var ErrPlanning = errors.New("planning failed")

// Planning error kinds.
const (
	KindCycle            = "cycle"
	KindUnknownRole      = "unknown_role"
	KindUnsatisfiedInput = "unsatisfied_input"
	KindEmptyPlan        = "empty_plan"
)

// PlanningError explains why a query could not be turned into a task graph.
// A run is never started for a query that fails planning.
type PlanningError struct {
	Kind   string
	Role   string
	Detail string
	Err    error
}

func (e *PlanningError) Error() string {
	msg := "planning failed: " + e.Kind
	if e.Role != "" {
		msg += fmt.Sprintf(" (role %s)", e.Role)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PlanningError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrPlanning) hold for every planning error.
func (e *PlanningError) Is(target error) bool { return target == ErrPlanning }

func planningErr(kind, role, detail string, err error) *PlanningError {
	return &PlanningError{Kind: kind, Role: role, Detail: detail, Err: err}
}
