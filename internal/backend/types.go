package backend

// Message is one reasoning request.
type Message struct {
	Content      string
	System       string   // Overrides the adapter's system prompt when set
	OutputFields []string // JSON keys the caller expects back; used by the stub backend
}

// Response represents a response from the backend.
type Response struct {
	Content   string
	SessionID string
	Error     string
}

// Config defines the configuration for a backend.
type Config struct {
	Type         string // "claude", "codex", "goose", "anthropic", "openai" or "stub"
	Command      string // CLI binary; defaults to Type for subprocess backends
	Args         []string
	WorkDir      string
	SessionID    string
	Model        string
	Provider     string // For Goose local LLMs (e.g., "ollama", "lmstudio")
	SystemPrompt string
	APIKey       string
	BaseURL      string
	MaxTokens    int
}
