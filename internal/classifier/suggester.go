package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aristath/productteam/internal/backend"
	"github.com/aristath/productteam/internal/query"
	"github.com/aristath/productteam/internal/registry"
)

// BackendSuggester asks a reasoning backend which roles a query needs. Every
// query gets its own backend so no conversation carries over between queries.
type BackendSuggester struct {
	open backend.Opener
}

func NewBackendSuggester(open backend.Opener) *BackendSuggester {
	return &BackendSuggester{open: open}
}

const suggestSystem = "You route product-development requests to specialist roles. " +
	"Answer with a JSON array of role IDs and nothing else."

// Suggest returns the role IDs named in the backend's JSON array answer.
func (s *BackendSuggester) Suggest(ctx context.Context, roles []registry.Role, q query.Query) ([]string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\n\nAvailable roles:\n", q.Text)
	for _, r := range roles {
		fmt.Fprintf(&b, "- %s: %s\n", r.ID, r.Description)
	}
	b.WriteString("\nWhich roles are needed? Reply with a JSON array such as [\"ideation\"].")

	be, err := s.open()
	if err != nil {
		return nil, fmt.Errorf("opening suggestion backend: %w", err)
	}
	defer be.Close()

	resp, err := be.Send(ctx, backend.Message{Content: b.String(), System: suggestSystem})
	if err != nil {
		return nil, fmt.Errorf("suggesting roles: %w", err)
	}

	raw, err := backend.ExtractJSON(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("suggesting roles: %w", err)
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("suggesting roles: expected a JSON array of strings: %w", err)
	}
	return ids, nil
}
