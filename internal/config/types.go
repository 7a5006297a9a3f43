package config

import "time"

// ProviderConfig defines a reasoning transport (CLI binary, hosted API, or the offline stub).
// Providers are separate from roles -- multiple roles can share one provider.
type ProviderConfig struct {
	Type      string   `json:"type" mapstructure:"type"`                         // Backend type: "claude", "codex", "goose", "anthropic", "openai", "stub"
	Command   string   `json:"command,omitempty" mapstructure:"command"`         // CLI binary name for subprocess backends
	Args      []string `json:"args,omitempty" mapstructure:"args"`               // Default args appended to every invocation
	Model     string   `json:"model,omitempty" mapstructure:"model"`             // Default model for API backends
	APIKeyEnv string   `json:"api_key_env,omitempty" mapstructure:"api_key_env"` // Environment variable holding the API key
	BaseURL   string   `json:"base_url,omitempty" mapstructure:"base_url"`
	MaxTokens int      `json:"max_tokens,omitempty" mapstructure:"max_tokens"`
}

// FieldConfig declares one input a role consumes.
type FieldConfig struct {
	Name      string `json:"name" mapstructure:"name"`
	Required  bool   `json:"required,omitempty" mapstructure:"required"`
	FromQuery bool   `json:"from_query,omitempty" mapstructure:"from_query"` // Satisfiable from the raw query text
}

// RoleConfig defines a specialized role, its I/O schema and how it is invoked.
type RoleConfig struct {
	Description  string            `json:"description" mapstructure:"description"`
	Stage        string            `json:"stage" mapstructure:"stage"`           // Lifecycle stage, key into Lifecycle
	Provider     string            `json:"provider" mapstructure:"provider"`     // Key into Providers map
	Model        string            `json:"model,omitempty" mapstructure:"model"` // Model override
	SystemPrompt string            `json:"system_prompt,omitempty" mapstructure:"system_prompt"`
	Inputs       []FieldConfig     `json:"inputs,omitempty" mapstructure:"inputs"`
	Outputs      []string          `json:"outputs" mapstructure:"outputs"`
	Sections     map[string]string `json:"sections,omitempty" mapstructure:"sections"` // Report section -> output field
	Concurrency  string            `json:"concurrency,omitempty" mapstructure:"concurrency"`
	Cost         float64           `json:"cost,omitempty" mapstructure:"cost"`
	Keywords     []string          `json:"keywords,omitempty" mapstructure:"keywords"`
	Timeout      time.Duration     `json:"timeout,omitempty" mapstructure:"timeout"`
	MaxRetries   *int              `json:"max_retries,omitempty" mapstructure:"max_retries"` // nil uses Scheduler.MaxRetries
	Remember     bool              `json:"remember,omitempty" mapstructure:"remember"`       // Write outputs back to the knowledge index
}

// HintConfig is a suggested dependency edge: To consumes From.
type HintConfig struct {
	From string `json:"from" mapstructure:"from"`
	To   string `json:"to" mapstructure:"to"`
}

// IntentConfig groups roles commonly needed together for a kind of request.
type IntentConfig struct {
	Keywords []string     `json:"keywords" mapstructure:"keywords"`
	Roles    []string     `json:"roles" mapstructure:"roles"`
	Hints    []HintConfig `json:"hints,omitempty" mapstructure:"hints"`
}

// SchedulerConfig bounds run execution.
type SchedulerConfig struct {
	ConcurrencyLimit     int           `json:"concurrency_limit" mapstructure:"concurrency_limit"`
	MaxRetries           int           `json:"max_retries" mapstructure:"max_retries"`
	NodeTimeout          time.Duration `json:"node_timeout" mapstructure:"node_timeout"`
	RetryInitialInterval time.Duration `json:"retry_initial_interval" mapstructure:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `json:"retry_max_interval" mapstructure:"retry_max_interval"`
}

// ClassifierConfig tunes intent classification.
type ClassifierConfig struct {
	Threshold         float64       `json:"threshold" mapstructure:"threshold"`
	FallbackRoles     []string      `json:"fallback_roles" mapstructure:"fallback_roles"`
	ReasoningProvider string        `json:"reasoning_provider,omitempty" mapstructure:"reasoning_provider"` // Empty disables the reasoning stage
	CacheTTL          time.Duration `json:"cache_ttl" mapstructure:"cache_ttl"`
}

// PlannerConfig tunes workflow planning.
type PlannerConfig struct {
	ReviewProvider string `json:"review_provider,omitempty" mapstructure:"review_provider"` // Empty disables plan review
}

// KnowledgeConfig configures the retrieval index.
type KnowledgeConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	TopK    int    `json:"top_k" mapstructure:"top_k"`
	SeedDir string `json:"seed_dir,omitempty" mapstructure:"seed_dir"` // Directory of .md/.txt passages indexed at startup
}

// StorageConfig configures the run history database.
type StorageConfig struct {
	Path         string `json:"path" mapstructure:"path"` // SQLite file; empty keeps history in memory
	RetainedRuns int    `json:"retained_runs" mapstructure:"retained_runs"`
}

// ServerConfig configures the HTTP submission API.
type ServerConfig struct {
	Addr string `json:"addr" mapstructure:"addr"`
}

// Config is the top-level configuration.
type Config struct {
	Providers  map[string]ProviderConfig `json:"providers" mapstructure:"providers"`
	Roles      map[string]RoleConfig     `json:"roles" mapstructure:"roles"`
	Intents    map[string]IntentConfig   `json:"intents" mapstructure:"intents"`
	Lifecycle  []string                  `json:"lifecycle" mapstructure:"lifecycle"` // Canonical stage order
	Phases     map[string][]string       `json:"phases" mapstructure:"phases"`       // Product phase -> roles allowed in it
	Scheduler  SchedulerConfig           `json:"scheduler" mapstructure:"scheduler"`
	Classifier ClassifierConfig          `json:"classifier" mapstructure:"classifier"`
	Planner    PlannerConfig             `json:"planner" mapstructure:"planner"`
	Knowledge  KnowledgeConfig           `json:"knowledge" mapstructure:"knowledge"`
	Storage    StorageConfig             `json:"storage" mapstructure:"storage"`
	Server     ServerConfig              `json:"server" mapstructure:"server"`
}

// RoleMaxRetries resolves the retry budget for a role.
func (c *Config) RoleMaxRetries(role RoleConfig) int {
	if role.MaxRetries != nil {
		return *role.MaxRetries
	}
	return c.Scheduler.MaxRetries
}
