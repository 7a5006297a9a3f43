// Package planner turns a classification into a validated task graph.
//
// Edges come from two places. Explicit hints from the classifier are taken
// as given. Every role input that no hinted upstream produces is bound to
// the nearest planned producer of that field in a strictly earlier
// lifecycle stage, which adds a data edge. Inputs with no producer fall
// back to the raw query when the role allows it. Roles that share no data
// run in parallel.
package planner

import (
	"fmt"
	"log/slog"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aristath/productteam/internal/classifier"
	"github.com/aristath/productteam/internal/query"
	"github.com/aristath/productteam/internal/registry"
	"github.com/aristath/productteam/internal/scheduler"
)

// Plan is the executable outcome of planning one query.
type Plan struct {
	Query           query.Query
	DAG             *scheduler.DAG
	Order           []string // Deterministic topological order of node IDs
	Roles           []string // Planned role IDs in Order
	EstimatedCost   float64
	SnapshotVersion uint64
	Review          *Revision // Set when a reviewer looked at the plan
}

// Node returns the planned node with the given ID.
func (p *Plan) Node(id string) (*scheduler.Node, bool) {
	return p.DAG.Get(id)
}

type planned struct {
	role     registry.Role
	priority int
	upstream map[string]bool
}

// reviewCacheSize bounds how many reviews are remembered.
const reviewCacheSize = 256

// Planner is safe for concurrent use. Its only state is the review cache.
type Planner struct {
	logger   *slog.Logger
	reviewer Reviewer
	reviews  *lru.Cache[string, Revision]
}

// Option configures a Planner.
type Option func(*Planner)

// WithReviewer enables plan review. Reviews are cached per snapshot
// version, query and plan so the same request is amended the same way.
func WithReviewer(r Reviewer) Option {
	return func(pl *Planner) { pl.reviewer = r }
}

// New creates a Planner. A nil logger uses slog.Default().
func New(logger *slog.Logger, opts ...Option) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	pl := &Planner{logger: logger}
	for _, opt := range opts {
		opt(pl)
	}
	if pl.reviewer != nil {
		pl.reviews, _ = lru.New[string, Revision](reviewCacheSize)
	}
	return pl
}

// Plan plans the classification against the pinned snapshot. It only reads
// the snapshot.
func (pl *Planner) Plan(snap *registry.Snapshot, q query.Query, cls *classifier.Classification) (*Plan, error) {
	plan, err := build(snap, q, cls)
	if err != nil {
		pl.logger.Warn("planning rejected query", "err", err)
		return nil, err
	}
	pl.logger.Debug("plan built",
		"nodes", len(plan.Order),
		"order", plan.Order,
		"cost", plan.EstimatedCost,
		"snapshot", plan.SnapshotVersion)
	return plan, nil
}

func build(snap *registry.Snapshot, q query.Query, cls *classifier.Classification) (*Plan, error) {
	if cls == nil || len(cls.Assignments) == 0 {
		return nil, planningErr(KindEmptyPlan, "", "classification assigned no roles", nil)
	}

	roles := make(map[string]*planned, len(cls.Assignments))
	var ids []string
	for _, a := range cls.Assignments {
		if _, dup := roles[a.RoleID]; dup {
			continue
		}
		role, err := snap.GetRole(a.RoleID)
		if err != nil {
			return nil, planningErr(KindUnknownRole, a.RoleID, "", err)
		}
		roles[a.RoleID] = &planned{role: role, priority: a.Priority, upstream: make(map[string]bool)}
		ids = append(ids, a.RoleID)
	}
	sort.Strings(ids)

	for _, h := range cls.Hints {
		for _, id := range []string{h.From, h.To} {
			if _, err := snap.GetRole(id); err != nil {
				return nil, planningErr(KindUnknownRole, id, fmt.Sprintf("hint %s -> %s", h.From, h.To), err)
			}
		}
		from, to := roles[h.From], roles[h.To]
		if from == nil || to == nil {
			continue
		}
		to.upstream[h.From] = true
	}

	dag := scheduler.NewDAG()
	var cost float64
	for _, id := range ids {
		p := roles[id]
		bindings, err := bind(snap, p, roles, ids)
		if err != nil {
			return nil, err
		}

		node := &scheduler.Node{
			ID:         id,
			RoleID:     id,
			Priority:   p.priority,
			DependsOn:  sortedKeys(p.upstream),
			Bindings:   bindings,
			MaxRetries: p.role.MaxRetries,
			Timeout:    p.role.Timeout,
		}
		if p.role.Concurrency == registry.Exclusive {
			node.Resources = []string{p.role.ResourceKey()}
		}
		if err := dag.AddNode(node); err != nil {
			return nil, planningErr(KindUnknownRole, id, "", err)
		}
		cost += p.role.Cost
	}

	order, err := dag.Validate()
	if err != nil {
		return nil, planningErr(KindCycle, "", "", err)
	}

	return &Plan{
		Query:           q,
		DAG:             dag,
		Order:           order,
		Roles:           append([]string(nil), order...),
		EstimatedCost:   cost,
		SnapshotVersion: snap.Version(),
	}, nil
}

// bind resolves every input of p and records the data edges it adds.
func bind(snap *registry.Snapshot, p *planned, roles map[string]*planned, ids []string) ([]scheduler.Binding, error) {
	var bindings []scheduler.Binding
	rank := snap.StageRank(p.role.Stage)

	for _, in := range p.role.Inputs {
		if src := nearestProducer(snap, in.Name, roles, sortedKeys(p.upstream), -1); src != "" {
			bindings = append(bindings, scheduler.Binding{Field: in.Name, SourceNode: src, SourceField: in.Name})
			continue
		}
		if src := nearestProducer(snap, in.Name, roles, ids, rank); src != "" {
			p.upstream[src] = true
			bindings = append(bindings, scheduler.Binding{Field: in.Name, SourceNode: src, SourceField: in.Name})
			continue
		}
		if in.FromQuery {
			bindings = append(bindings, scheduler.Binding{Field: in.Name})
			continue
		}
		if in.Required {
			return nil, planningErr(KindUnsatisfiedInput, p.role.ID,
				fmt.Sprintf("no planned role produces %q and it cannot be read from the query", in.Name), nil)
		}
	}
	return bindings, nil
}

// nearestProducer picks, among candidates producing field, the one in the
// latest lifecycle stage. With below >= 0 only stages ranked strictly below
// it qualify. Ties break on the lower role ID.
func nearestProducer(snap *registry.Snapshot, field string, roles map[string]*planned, candidates []string, below int) string {
	best, bestRank := "", -1
	for _, id := range candidates {
		p := roles[id]
		if p == nil || !p.role.Produces(field) {
			continue
		}
		r := snap.StageRank(p.role.Stage)
		if below >= 0 && r >= below {
			continue
		}
		if r > bestRank {
			best, bestRank = id, r
		}
	}
	return best
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
