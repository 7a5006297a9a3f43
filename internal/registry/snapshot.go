package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aristath/productteam/internal/config"
)

// ErrRoleNotFound is returned when a role ID is not in the snapshot.
var ErrRoleNotFound = errors.New("role not found")

// Intent is a configured group of roles with suggested dependency edges.
type Intent struct {
	Name     string
	Keywords []string
	Roles    []string
	Hints    [][2]string // {from, to}
}

// Snapshot is an immutable view of the role catalog. All accessors return copies.
type Snapshot struct {
	version   uint64
	loadedAt  time.Time
	roles     map[string]Role
	ids       []string
	stageRank map[string]int
	phases    map[string][]string
	intents   []Intent
	fallback  []string
}

// NewSnapshot validates the configuration and builds a snapshot from it.
func NewSnapshot(cfg *config.Config) (*Snapshot, error) {
	s := &Snapshot{
		loadedAt:  time.Now(),
		roles:     make(map[string]Role, len(cfg.Roles)),
		stageRank: make(map[string]int, len(cfg.Lifecycle)),
		phases:    make(map[string][]string, len(cfg.Phases)),
	}

	if len(cfg.Lifecycle) == 0 {
		return nil, fmt.Errorf("lifecycle must list at least one stage")
	}
	for i, stage := range cfg.Lifecycle {
		if _, dup := s.stageRank[stage]; dup {
			return nil, fmt.Errorf("lifecycle stage %q listed twice", stage)
		}
		s.stageRank[stage] = i
	}

	for id, rc := range cfg.Roles {
		role, err := buildRole(cfg, id, rc)
		if err != nil {
			return nil, err
		}
		if _, ok := s.stageRank[role.Stage]; !ok {
			return nil, fmt.Errorf("role %q: stage %q is not in the lifecycle", id, role.Stage)
		}
		s.roles[id] = role
		s.ids = append(s.ids, id)
	}
	if len(s.roles) == 0 {
		return nil, fmt.Errorf("no roles configured")
	}
	sort.Strings(s.ids)

	for phase, ids := range cfg.Phases {
		for _, id := range ids {
			if _, ok := s.roles[id]; !ok {
				return nil, fmt.Errorf("phase %q references unknown role %q", phase, id)
			}
		}
		s.phases[phase] = append([]string(nil), ids...)
	}

	names := make([]string, 0, len(cfg.Intents))
	for name := range cfg.Intents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ic := cfg.Intents[name]
		intent := Intent{Name: name, Keywords: ic.Keywords, Roles: ic.Roles}
		for _, id := range ic.Roles {
			if _, ok := s.roles[id]; !ok {
				return nil, fmt.Errorf("intent %q references unknown role %q", name, id)
			}
		}
		for _, h := range ic.Hints {
			intent.Hints = append(intent.Hints, [2]string{h.From, h.To})
		}
		s.intents = append(s.intents, intent)
	}

	for _, id := range cfg.Classifier.FallbackRoles {
		if _, ok := s.roles[id]; !ok {
			return nil, fmt.Errorf("fallback role %q is not configured", id)
		}
	}
	s.fallback = append([]string(nil), cfg.Classifier.FallbackRoles...)
	if len(s.fallback) == 0 {
		s.fallback = []string{s.ids[0]}
	}

	return s, nil
}

func buildRole(cfg *config.Config, id string, rc config.RoleConfig) (Role, error) {
	if len(rc.Outputs) == 0 {
		return Role{}, fmt.Errorf("role %q declares no outputs", id)
	}
	role := Role{
		ID:           id,
		Description:  rc.Description,
		Stage:        rc.Stage,
		Provider:     rc.Provider,
		Model:        rc.Model,
		SystemPrompt: rc.SystemPrompt,
		Outputs:      append([]string(nil), rc.Outputs...),
		Sections:     make(map[string]string, len(rc.Sections)),
		Cost:         rc.Cost,
		Keywords:     append([]string(nil), rc.Keywords...),
		Timeout:      rc.Timeout,
		MaxRetries:   cfg.RoleMaxRetries(rc),
		Remember:     rc.Remember,
	}
	if role.MaxRetries < 0 {
		role.MaxRetries = 0
	}

	switch ConcurrencyClass(strings.ToLower(rc.Concurrency)) {
	case "", Shareable:
		role.Concurrency = Shareable
	case Exclusive:
		role.Concurrency = Exclusive
	default:
		return Role{}, fmt.Errorf("role %q: unknown concurrency class %q", id, rc.Concurrency)
	}

	for _, in := range rc.Inputs {
		role.Inputs = append(role.Inputs, Field{Name: in.Name, Required: in.Required, FromQuery: in.FromQuery})
	}

	for section, field := range rc.Sections {
		if !role.Produces(field) {
			return Role{}, fmt.Errorf("role %q: section %q maps to undeclared output %q", id, section, field)
		}
		role.Sections[section] = field
	}
	if len(role.Sections) == 0 {
		// Every role must be visible in the report; default to one section per output.
		for _, out := range role.Outputs {
			role.Sections[out] = out
		}
	}

	return role, nil
}

// Version is the registry generation this snapshot was published as.
func (s *Snapshot) Version() uint64 { return s.version }

// LoadedAt is when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// ListRoles returns every role sorted by ID.
func (s *Snapshot) ListRoles() []Role {
	out := make([]Role, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, cloneRole(s.roles[id]))
	}
	return out
}

// GetRole returns the role with the given ID or ErrRoleNotFound.
func (s *Snapshot) GetRole(id string) (Role, error) {
	r, ok := s.roles[id]
	if !ok {
		return Role{}, fmt.Errorf("%w: %q", ErrRoleNotFound, id)
	}
	return cloneRole(r), nil
}

// StageRank returns the position of a lifecycle stage, or -1 if unknown.
func (s *Snapshot) StageRank(stage string) int {
	if rank, ok := s.stageRank[stage]; ok {
		return rank
	}
	return -1
}

// AllowedRoles returns the roles permitted in a product phase.
// ok is false when the phase is not configured.
func (s *Snapshot) AllowedRoles(phase string) (roles []string, ok bool) {
	ids, ok := s.phases[phase]
	if !ok {
		return nil, false
	}
	return append([]string(nil), ids...), true
}

// Intents returns the configured intents sorted by name.
func (s *Snapshot) Intents() []Intent {
	out := make([]Intent, len(s.intents))
	copy(out, s.intents)
	return out
}

// FallbackRoles is the role set used when classification is not confident.
func (s *Snapshot) FallbackRoles() []string {
	return append([]string(nil), s.fallback...)
}
