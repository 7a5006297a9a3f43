// Package registry holds the catalog of roles the engine can plan with.
//
// A Registry publishes immutable Snapshots. Replacing the snapshot is an
// atomic pointer swap, so a run that pinned an older snapshot keeps seeing
// exactly the roles it planned against.
package registry

import "time"

// ConcurrencyClass controls whether nodes of a role may run alongside each other.
type ConcurrencyClass string

const (
	Shareable ConcurrencyClass = "shareable"
	Exclusive ConcurrencyClass = "exclusive" // At most one node of this role runs at a time, across runs
)

// Field is one declared input of a role.
type Field struct {
	Name      string
	Required  bool
	FromQuery bool
}

// Role is a named specialized capability with a declared I/O schema.
type Role struct {
	ID           string
	Description  string
	Stage        string
	Provider     string
	Model        string
	SystemPrompt string
	Inputs       []Field
	Outputs      []string
	Sections     map[string]string // Report section -> output field
	Concurrency  ConcurrencyClass
	Cost         float64
	Keywords     []string
	Timeout      time.Duration
	MaxRetries   int
	Remember     bool
}

// Produces reports whether the role declares the output field.
func (r Role) Produces(field string) bool {
	for _, out := range r.Outputs {
		if out == field {
			return true
		}
	}
	return false
}

// ResourceKey is the lock key exclusive roles contend on.
func (r Role) ResourceKey() string {
	return "role:" + r.ID
}

func cloneRole(r Role) Role {
	cp := r
	cp.Inputs = append([]Field(nil), r.Inputs...)
	cp.Outputs = append([]string(nil), r.Outputs...)
	cp.Keywords = append([]string(nil), r.Keywords...)
	if r.Sections != nil {
		cp.Sections = make(map[string]string, len(r.Sections))
		for k, v := range r.Sections {
			cp.Sections[k] = v
		}
	}
	return cp
}
