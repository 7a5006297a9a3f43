package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// StubAdapter answers without any model: it echoes a JSON object carrying
// every requested output field. Used for offline runs and dry runs of a plan.
type StubAdapter struct {
	sessionID string
}

// NewStubAdapter creates a stub backend.
func NewStubAdapter(cfg Config) *StubAdapter {
	id := cfg.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	return &StubAdapter{sessionID: id}
}

// Send returns {"field": "..."} for each of msg.OutputFields, or an empty JSON
// array when no fields were requested.
func (s *StubAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{Error: err.Error()}, err
	}
	if len(msg.OutputFields) == 0 {
		return Response{Content: "[]", SessionID: s.sessionID}, nil
	}

	topic := firstLine(msg.Content)
	out := make(map[string]string, len(msg.OutputFields))
	for _, field := range msg.OutputFields {
		out[field] = fmt.Sprintf("%s drafted for: %s", strings.ReplaceAll(field, "_", " "), topic)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return Response{}, err
	}
	return Response{Content: string(data), SessionID: s.sessionID}, nil
}

// Close is a no-op.
func (s *StubAdapter) Close() error { return nil }

// SessionID returns the stub's identifier.
func (s *StubAdapter) SessionID() string { return s.sessionID }

const topicRunes = 80

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if r := []rune(line); len(r) > topicRunes {
			line = string(r[:topicRunes])
		}
		return line
	}
	return "(empty request)"
}
