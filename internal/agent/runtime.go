// Package agent executes one task node: it binds the node's inputs, gathers
// supporting passages, invokes the reasoning collaborator and validates the
// output against the role's declared schema.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aristath/productteam/internal/backend"
	"github.com/aristath/productteam/internal/knowledge"
	"github.com/aristath/productteam/internal/query"
	"github.com/aristath/productteam/internal/registry"
	"github.com/aristath/productteam/internal/scheduler"
)

// BoundInput is a role's input schema filled from the query and upstream results.
type BoundInput struct {
	Query    query.Query
	Fields   map[string]string // Input field -> text
	Sources  map[string]string // Input field -> producing node ID, absent for the raw query
	Passages []knowledge.Passage
	Prior    []PriorSection
}

// PriorSection is one section of the earlier report a query builds on.
type PriorSection struct {
	Title string
	Text  string
}

// Exchange is one round trip with the reasoning collaborator.
type Exchange struct {
	Prompt string
	Output string
}

// Reasoner is the reasoning collaborator.
type Reasoner interface {
	InvokeReasoning(ctx context.Context, role registry.Role, in BoundInput) (Exchange, error)
}

// Retriever supplies knowledge passages for a role.
type Retriever interface {
	Retrieve(ctx context.Context, q query.Query, role registry.Role) ([]knowledge.Passage, error)
}

// Inputs is everything a node needs beyond its own definition.
type Inputs struct {
	Role     registry.Role
	Query    query.Query
	Upstream map[string]*Result // Node ID -> succeeded result
	Prior    []PriorSection     // Sections of the referenced earlier report
}

// Result is the validated output of one node execution.
type Result struct {
	NodeID     string              `json:"node_id"`
	RoleID     string              `json:"role_id"`
	Output     map[string]string   `json:"output"`
	Upstream   []string            `json:"upstream,omitempty"`
	Passages   []knowledge.Passage `json:"passages,omitempty"`
	Prompt     string              `json:"-"`
	Raw        string              `json:"-"`
	Attempt    int                 `json:"attempt"`
	Retries    int                 `json:"retries"`
	ProducedAt time.Time           `json:"produced_at"`
	Duration   time.Duration       `json:"duration"`
}

// Runtime runs nodes. It holds no per-run state and is safe for concurrent use.
type Runtime struct {
	reasoner       Reasoner
	retriever      Retriever
	defaultTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithRetriever enables knowledge retrieval before reasoning.
func WithRetriever(r Retriever) Option {
	return func(rt *Runtime) { rt.retriever = r }
}

// WithDefaultTimeout bounds nodes whose role declares no timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(rt *Runtime) { rt.defaultTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(rt *Runtime) {
		if l != nil {
			rt.logger = l
		}
	}
}

// NewRuntime creates a Runtime around the reasoning collaborator.
func NewRuntime(reasoner Reasoner, opts ...Option) *Runtime {
	rt := &Runtime{
		reasoner: reasoner,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Execute runs one attempt of node. It returns exactly one of a result or a
// *NodeError. A cancelled ctx is returned as ctx.Err() wrapped in ErrAgent.
func (rt *Runtime) Execute(ctx context.Context, node *scheduler.Node, in Inputs) (*Result, error) {
	start := rt.now()
	var ex *Exchange
	fail := func(kind, err error) (*Result, error) {
		return nil, &NodeError{NodeID: node.ID, RoleID: node.RoleID, Attempt: node.Attempts, Kind: kind, Err: err, Exchange: ex}
	}

	bound, err := bindInputs(node, in)
	if err != nil {
		return fail(ErrSchemaMismatch, err)
	}

	timeout := node.Timeout
	if timeout <= 0 {
		timeout = rt.defaultTimeout
	}
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	bound.Passages = rt.retrieve(callCtx, node, in)

	answer, err := rt.reasoner.InvokeReasoning(callCtx, in.Role, bound)
	ex = &answer
	// The deadline is checked even on success: a reasoner that ignores ctx
	// must not turn an overrun into a result.
	switch {
	case ctx.Err() != nil:
		return fail(ErrAgent, ctx.Err())
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return fail(ErrTimeout, fmt.Errorf("no answer within %s", timeout))
	case err != nil:
		return fail(ErrAgent, err)
	}

	output, err := parseOutput(in.Role, answer.Output)
	if err != nil {
		return fail(ErrSchemaMismatch, err)
	}

	upstream := make([]string, 0, len(bound.Sources))
	seen := make(map[string]bool)
	for _, src := range bound.Sources {
		if !seen[src] {
			seen[src] = true
			upstream = append(upstream, src)
		}
	}
	sort.Strings(upstream)

	retries := node.Attempts - 1
	if retries < 0 {
		retries = 0
	}
	now := rt.now()
	return &Result{
		NodeID:     node.ID,
		RoleID:     node.RoleID,
		Output:     output,
		Upstream:   upstream,
		Passages:   bound.Passages,
		Prompt:     answer.Prompt,
		Raw:        answer.Output,
		Attempt:    node.Attempts,
		Retries:    retries,
		ProducedAt: now,
		Duration:   now.Sub(start),
	}, nil
}

func (rt *Runtime) retrieve(ctx context.Context, node *scheduler.Node, in Inputs) []knowledge.Passage {
	if rt.retriever == nil {
		return nil
	}
	passages, err := rt.retriever.Retrieve(ctx, in.Query, in.Role)
	if err != nil {
		rt.logger.Warn("retrieval failed, continuing without passages",
			"node_id", node.ID, "role", node.RoleID, "err", err)
		return nil
	}
	return passages
}

// bindInputs fills the role's input schema from the node bindings.
func bindInputs(node *scheduler.Node, in Inputs) (BoundInput, error) {
	bound := BoundInput{
		Query:   in.Query,
		Fields:  make(map[string]string),
		Sources: make(map[string]string),
		Prior:   in.Prior,
	}

	for _, b := range node.Bindings {
		if b.FromQuery() {
			bound.Fields[b.Field] = in.Query.Text
			continue
		}
		res, ok := in.Upstream[b.SourceNode]
		if !ok || res == nil {
			continue
		}
		if text := res.Output[b.SourceField]; strings.TrimSpace(text) != "" {
			bound.Fields[b.Field] = text
			bound.Sources[b.Field] = b.SourceNode
		}
	}

	for _, f := range in.Role.Inputs {
		if f.Required && strings.TrimSpace(bound.Fields[f.Name]) == "" {
			return bound, fmt.Errorf("required input %q is not bound", f.Name)
		}
	}
	return bound, nil
}

// parseOutput extracts the JSON object from raw and checks every declared
// output field is present with non-empty text.
func parseOutput(role registry.Role, raw string) (map[string]string, error) {
	text, err := backend.ExtractJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("output carries no JSON object: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, fmt.Errorf("output is not a JSON object: %w", err)
	}

	out := make(map[string]string, len(role.Outputs))
	var missing []string
	for _, field := range role.Outputs {
		s := fieldText(obj[field])
		if strings.TrimSpace(s) == "" {
			missing = append(missing, field)
			continue
		}
		out[field] = s
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing output fields: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// fieldText renders one JSON value as report text. Lists become one line per item.
func fieldText(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []any:
		lines := make([]string, 0, len(val))
		for _, item := range val {
			if s := fieldText(item); s != "" {
				lines = append(lines, "- "+s)
			}
		}
		return strings.Join(lines, "\n")
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}
