package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/aristath/productteam/internal/backend"
	"github.com/aristath/productteam/internal/config"
	"github.com/aristath/productteam/internal/registry"
)

// BackendFactory opens a backend for a role.
type BackendFactory func(role registry.Role) (backend.Backend, error)

// ConfigFactory builds backends from the provider table in cfg. A non-empty
// override forces every role onto that provider, e.g. "stub" for offline runs.
func ConfigFactory(cfg *config.Config, pm *backend.ProcessManager, override string) BackendFactory {
	return func(role registry.Role) (backend.Backend, error) {
		name := role.Provider
		if override != "" {
			name = override
		}
		pc, ok := cfg.Providers[name]
		if !ok {
			return nil, fmt.Errorf("role %s: provider %q is not configured", role.ID, name)
		}
		bc := backend.Config{
			Type:         pc.Type,
			Command:      pc.Command,
			Args:         append([]string(nil), pc.Args...),
			Model:        pc.Model,
			SystemPrompt: role.SystemPrompt,
			BaseURL:      pc.BaseURL,
			MaxTokens:    pc.MaxTokens,
		}
		if role.Model != "" && override == "" {
			bc.Model = role.Model
		}
		if pc.APIKeyEnv != "" {
			bc.APIKey = os.Getenv(pc.APIKeyEnv)
		}
		return backend.New(bc, pm)
	}
}

// ErrReasonerClosed is returned by InvokeReasoning after Close.
var ErrReasonerClosed = errors.New("reasoner closed")

// BackendReasoner implements Reasoner over internal/backend adapters and
// routes every call through the provider's circuit breaker.
//
// Each exchange opens its own backend from the role it is given, which is
// the run's pinned snapshot entry. CLI sessions are therefore never shared
// between runs or attempts, and a hot reload that changes a role's provider
// or model takes effect for runs planned after it.
type BackendReasoner struct {
	factory  BackendFactory
	breakers *BreakerRegistry
	logger   *slog.Logger

	mu       sync.Mutex
	closed   bool
	inflight map[backend.Backend]string // Open backend -> role ID
}

// NewBackendReasoner creates a reasoner. A nil breakers registry gets a fresh one.
func NewBackendReasoner(factory BackendFactory, breakers *BreakerRegistry, logger *slog.Logger) *BackendReasoner {
	if logger == nil {
		logger = slog.Default()
	}
	if breakers == nil {
		breakers = NewBreakerRegistry(logger)
	}
	return &BackendReasoner{
		factory:  factory,
		breakers: breakers,
		logger:   logger,
		inflight: make(map[backend.Backend]string),
	}
}

// open creates the backend for one exchange and registers it until release.
func (r *BackendReasoner) open(role registry.Role) (backend.Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrReasonerClosed
	}
	b, err := r.factory(role)
	if err != nil {
		return nil, err
	}
	r.inflight[b] = role.ID
	return b, nil
}

func (r *BackendReasoner) release(b backend.Backend) {
	r.mu.Lock()
	_, ok := r.inflight[b]
	delete(r.inflight, b)
	r.mu.Unlock()
	if !ok {
		return // Close already took it
	}
	if err := b.Close(); err != nil {
		r.logger.Warn("closing backend failed", "err", err)
	}
}

// InvokeReasoning sends the role prompt and returns the raw answer.
func (r *BackendReasoner) InvokeReasoning(ctx context.Context, role registry.Role, in BoundInput) (Exchange, error) {
	prompt := BuildPrompt(role, in)

	b, err := r.open(role)
	if err != nil {
		return Exchange{Prompt: prompt}, err
	}
	defer r.release(b)

	msg := backend.Message{Content: prompt, System: role.SystemPrompt, OutputFields: role.Outputs}

	provider := role.Provider
	if provider == "" {
		provider = "default"
	}
	result, err := r.breakers.Get(provider).Execute(func() (interface{}, error) {
		resp, err := b.Send(ctx, msg)
		if err == nil && resp.Error != "" {
			err = fmt.Errorf("backend reported: %s", resp.Error)
		}
		return resp, err
	})
	if err != nil {
		return Exchange{Prompt: prompt}, err
	}

	resp := result.(backend.Response)
	r.logger.Debug("reasoning answered", "role", role.ID, "provider", provider, "session", resp.SessionID, "bytes", len(resp.Content))
	return Exchange{Prompt: prompt, Output: resp.Content}, nil
}

// Close closes the backends of exchanges still in flight and rejects new ones.
func (r *BackendReasoner) Close() error {
	r.mu.Lock()
	r.closed = true
	open := r.inflight
	r.inflight = make(map[backend.Backend]string)
	r.mu.Unlock()

	var errs []error
	for b, id := range open {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close backend for %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// BuildPrompt renders the request, bound inputs, passages and the required
// output keys. The first line is the request itself.
func BuildPrompt(role registry.Role, in BoundInput) string {
	var sb strings.Builder
	sb.WriteString(firstLine(in.Query.Text))
	sb.WriteString("\n\n")

	if role.Description != "" {
		fmt.Fprintf(&sb, "Role: %s. %s\n\n", role.ID, role.Description)
	}

	fmt.Fprintf(&sb, "## Request\n%s\n\n", in.Query.Text)

	names := make([]string, 0, len(in.Fields))
	for name := range in.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	var upstream []string
	for _, name := range names {
		src, ok := in.Sources[name]
		if !ok {
			continue
		}
		upstream = append(upstream, fmt.Sprintf("### %s (from %s)\n%s\n", name, src, in.Fields[name]))
	}
	if len(upstream) > 0 {
		sb.WriteString("## Inputs from other roles\n")
		sb.WriteString(strings.Join(upstream, "\n"))
		sb.WriteString("\n")
	}

	if len(in.Prior) > 0 {
		sb.WriteString("## Earlier report this request builds on\n")
		for _, p := range in.Prior {
			fmt.Fprintf(&sb, "### %s\n%s\n\n", p.Title, strings.TrimSpace(p.Text))
		}
	}

	if len(in.Passages) > 0 {
		sb.WriteString("## Relevant knowledge\n")
		for _, p := range in.Passages {
			fmt.Fprintf(&sb, "- [%s] %s\n", p.Source, p.Content)
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "Answer with one JSON object with exactly these string keys: %s.\n",
		strings.Join(role.Outputs, ", "))
	return sb.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
