package backend

import (
	"context"
	"fmt"
)

// Backend defines the interface that all backend adapters must implement.
type Backend interface {
	// Send sends a message to the backend and returns the response.
	Send(ctx context.Context, msg Message) (Response, error)

	// Close releases adapter resources.
	Close() error

	// SessionID returns the current session identifier.
	SessionID() string
}

// Opener creates a fresh backend. Callers close what they open.
type Opener func() (Backend, error)

// New creates a backend for cfg.Type.
func New(cfg Config, pm *ProcessManager) (Backend, error) {
	switch cfg.Type {
	case "claude", "codex", "goose":
		return NewCLIAdapter(cfg, pm)
	case "anthropic":
		return NewAnthropicAdapter(cfg)
	case "openai":
		return NewOpenAIAdapter(cfg)
	case "stub":
		return NewStubAdapter(cfg), nil
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
