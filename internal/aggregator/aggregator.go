// Package aggregator merges the results of a run into a Product Concept Report.
//
// Every planned role contributes to the sections it declares. A role without
// a result still appears in each of its sections, marked unavailable with
// the reason. Multiple contributions to a section are concatenated in plan
// order, each tagged with its provenance; nothing is dropped.
package aggregator

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/aristath/productteam/internal/agent"
	"github.com/aristath/productteam/internal/query"
	"github.com/aristath/productteam/internal/registry"
	"github.com/aristath/productteam/internal/scheduler"
)

// Standard sections, in report order.
const (
	SectionFeatures          = "features"
	SectionTargetUsers       = "target_users"
	SectionRisks             = "risks"
	SectionMarketingStrategy = "marketing_strategy"
	SectionEvaluationNotes   = "evaluation_notes"
)

var standardOrder = []string{
	SectionFeatures,
	SectionTargetUsers,
	SectionRisks,
	SectionMarketingStrategy,
	SectionEvaluationNotes,
}

var standardTitles = map[string]string{
	SectionFeatures:          "Features",
	SectionTargetUsers:       "Target Users",
	SectionRisks:             "Risks",
	SectionMarketingStrategy: "Marketing Strategy",
	SectionEvaluationNotes:   "Evaluation Notes",
}

// Input is the settled state of a run.
type Input struct {
	RunID       string
	Query       query.Query
	Status      string
	Snapshot    *registry.Snapshot
	Order       []string                 // Plan order of node IDs
	Nodes       []*scheduler.Node        // Final node states
	Results     map[string]*agent.Result // Node ID -> result
	GeneratedAt time.Time
}

// Contribution is one role's text for a section.
type Contribution struct {
	RoleID     string    `json:"role_id" yaml:"role_id"`
	NodeID     string    `json:"node_id" yaml:"node_id"`
	Field      string    `json:"field" yaml:"field"`
	Text       string    `json:"text" yaml:"text"`
	Attempt    int       `json:"attempt" yaml:"attempt"`
	ProducedAt time.Time `json:"produced_at" yaml:"produced_at"`
	Upstream   []string  `json:"upstream,omitempty" yaml:"upstream,omitempty"`
}

// Unavailable marks a planned contribution that never materialized.
type Unavailable struct {
	RoleID string `json:"role_id" yaml:"role_id"`
	NodeID string `json:"node_id" yaml:"node_id"`
	Reason string `json:"reason" yaml:"reason"`
}

// Section is one titled part of the report.
type Section struct {
	Name          string         `json:"name" yaml:"name"`
	Title         string         `json:"title" yaml:"title"`
	Contributions []Contribution `json:"contributions,omitempty" yaml:"contributions,omitempty"`
	Unavailable   []Unavailable  `json:"unavailable,omitempty" yaml:"unavailable,omitempty"`
}

// Available reports whether the section has at least one contribution.
func (s Section) Available() bool { return len(s.Contributions) > 0 }

// RoleStatus is the outcome of one planned node.
type RoleStatus struct {
	RoleID   string `json:"role_id" yaml:"role_id"`
	NodeID   string `json:"node_id" yaml:"node_id"`
	State    string `json:"state" yaml:"state"`
	Attempts int    `json:"attempts" yaml:"attempts"`
	Reason   string `json:"reason,omitempty" yaml:"reason,omitempty"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Report is the Product Concept Report. It is never modified once built.
type Report struct {
	RunID       string       `json:"run_id" yaml:"run_id"`
	Query       string       `json:"query" yaml:"query"`
	Stage       string       `json:"stage,omitempty" yaml:"stage,omitempty"`
	Status      string       `json:"status" yaml:"status"`
	Sections    []Section    `json:"sections" yaml:"sections"`
	Roles       []RoleStatus `json:"roles" yaml:"roles"`
	GeneratedAt time.Time    `json:"generated_at" yaml:"generated_at"`
}

// Section returns the named section.
func (r *Report) Section(name string) (Section, bool) {
	for _, s := range r.Sections {
		if s.Name == name {
			return s, true
		}
	}
	return Section{}, false
}

// Aggregate builds the report. It is deterministic for a given input.
func Aggregate(in Input) *Report {
	nodes := make(map[string]*scheduler.Node, len(in.Nodes))
	for _, n := range in.Nodes {
		nodes[n.ID] = n
	}

	sections := make(map[string]*Section)
	section := func(name string) *Section {
		s, ok := sections[name]
		if !ok {
			s = &Section{Name: name, Title: title(name)}
			sections[name] = s
		}
		return s
	}

	report := &Report{
		RunID:       in.RunID,
		Query:       in.Query.Text,
		Stage:       in.Query.Stage,
		Status:      in.Status,
		GeneratedAt: in.GeneratedAt,
	}

	for _, id := range in.Order {
		node, ok := nodes[id]
		if !ok {
			continue
		}
		report.Roles = append(report.Roles, roleStatus(node))

		role, err := in.Snapshot.GetRole(node.RoleID)
		if err != nil {
			continue
		}
		res := in.Results[id]
		for _, name := range sortedSections(role) {
			field := role.Sections[name]
			s := section(name)
			if res == nil {
				s.Unavailable = append(s.Unavailable, Unavailable{
					RoleID: role.ID,
					NodeID: id,
					Reason: unavailableReason(node),
				})
				continue
			}
			s.Contributions = append(s.Contributions, Contribution{
				RoleID:     role.ID,
				NodeID:     id,
				Field:      field,
				Text:       res.Output[field],
				Attempt:    res.Attempt,
				ProducedAt: res.ProducedAt,
				Upstream:   append([]string(nil), res.Upstream...),
			})
		}
	}

	for _, name := range standardOrder {
		if s, ok := sections[name]; ok {
			report.Sections = append(report.Sections, *s)
			delete(sections, name)
		}
	}
	extras := make([]string, 0, len(sections))
	for name := range sections {
		extras = append(extras, name)
	}
	sort.Strings(extras)
	for _, name := range extras {
		report.Sections = append(report.Sections, *sections[name])
	}

	return report
}

func sortedSections(role registry.Role) []string {
	names := make([]string, 0, len(role.Sections))
	for name := range role.Sections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func roleStatus(n *scheduler.Node) RoleStatus {
	rs := RoleStatus{
		RoleID:   n.RoleID,
		NodeID:   n.ID,
		State:    n.State.String(),
		Attempts: n.Attempts,
		Reason:   n.Reason,
	}
	if n.Error != nil && n.State != scheduler.StateSucceeded {
		rs.Error = n.Error.Error()
	}
	return rs
}

func unavailableReason(n *scheduler.Node) string {
	switch n.State {
	case scheduler.StateFailedTerminal:
		return "retries exhausted"
	case scheduler.StateCancelled:
		return "cancelled"
	case scheduler.StateSkippedUnreachable:
		if n.Reason != "" {
			return n.Reason
		}
		return "unreachable"
	default:
		return fmt.Sprintf("node %s", n.State)
	}
}

func title(name string) string {
	if t, ok := standardTitles[name]; ok {
		return t
	}
	words := strings.FieldsFunc(name, func(r rune) bool { return r == '_' || r == '-' || r == ' ' })
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToTitle(r)) + w[size:]
	}
	return strings.Join(words, " ")
}
