package registry

import (
	"sync/atomic"
)

// Registry is the process-wide holder of the current role snapshot.
type Registry struct {
	current atomic.Pointer[Snapshot]
	version atomic.Uint64
}

// New creates a registry publishing the given snapshot as version 1.
func New(initial *Snapshot) *Registry {
	r := &Registry{}
	r.Replace(initial)
	return r
}

// Snapshot returns the current snapshot. Callers pin it for the lifetime of a run.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Replace publishes a new snapshot atomically and returns its version.
// The snapshot must not be shared with another registry.
func (r *Registry) Replace(s *Snapshot) uint64 {
	s.version = r.version.Add(1)
	r.current.Store(s)
	return s.version
}

// ListRoles lists the roles of the current snapshot.
func (r *Registry) ListRoles() []Role {
	return r.Snapshot().ListRoles()
}

// GetRole looks up a role in the current snapshot.
func (r *Registry) GetRole(id string) (Role, error) {
	return r.Snapshot().GetRole(id)
}
