package config

import "time"

func intPtr(v int) *int { return &v }

// DefaultConfig returns the built-in providers, roles, intents and lifecycle.
func DefaultConfig() *Config {
	return &Config{
		Providers: map[string]ProviderConfig{
			"anthropic": {
				Type:      "anthropic",
				Model:     "claude-sonnet-4-20250514",
				APIKeyEnv: "ANTHROPIC_API_KEY",
				MaxTokens: 4096,
			},
			"openai": {
				Type:      "openai",
				Model:     "gpt-4.1",
				APIKeyEnv: "OPENAI_API_KEY",
				MaxTokens: 4096,
			},
			"claude": {
				Type:    "claude",
				Command: "claude",
			},
			"codex": {
				Type:    "codex",
				Command: "codex",
			},
			"goose": {
				Type:    "goose",
				Command: "goose",
			},
			"stub": {
				Type: "stub",
			},
		},
		Roles: map[string]RoleConfig{
			"ideation": {
				Description:  "Generates product concepts and candidate features.",
				Stage:        "ideation",
				Provider:     "anthropic",
				SystemPrompt: "You are a product ideation specialist. Propose a focused concept and its key features.",
				Inputs:       []FieldConfig{{Name: "request", Required: true, FromQuery: true}},
				Outputs:      []string{"concept", "features"},
				Sections:     map[string]string{"features": "features"},
				Concurrency:  "shareable",
				Cost:         1,
				Keywords:     []string{"idea", "ideas", "brainstorm", "ideate"},
				Remember:     true,
			},
			"market-research": {
				Description:  "Analyses the market, competitors and target users for a concept.",
				Stage:        "research",
				Provider:     "anthropic",
				SystemPrompt: "You are a market researcher. Identify target users, competitors and market size.",
				Inputs: []FieldConfig{
					{Name: "request", Required: true, FromQuery: true},
					{Name: "concept"},
				},
				Outputs:     []string{"target_users", "market_summary"},
				Sections:    map[string]string{"target_users": "target_users", "evaluation_notes": "market_summary"},
				Concurrency: "shareable",
				Cost:        2,
				Keywords:    []string{"market", "competitor", "competitors", "audience", "persona"},
				Remember:    true,
			},
			"data-analysis": {
				Description:  "Defines success metrics and analyses available product data.",
				Stage:        "research",
				Provider:     "anthropic",
				SystemPrompt: "You are a product data analyst. Define measurable success metrics and read trends.",
				Inputs:       []FieldConfig{{Name: "request", Required: true, FromQuery: true}},
				Outputs:      []string{"metrics"},
				Sections:     map[string]string{"evaluation_notes": "metrics"},
				Concurrency:  "shareable",
				Cost:         1.5,
				Keywords:     []string{"data", "metrics", "analytics", "kpi", "kpis"},
			},
			"design": {
				Description:  "Turns a concept into user experience flows and design risks.",
				Stage:        "design",
				Provider:     "anthropic",
				SystemPrompt: "You are a UX designer. Describe the key user flows and the design risks.",
				Inputs: []FieldConfig{
					{Name: "request", Required: true, FromQuery: true},
					{Name: "concept"},
				},
				Outputs:     []string{"user_flows", "design_risks"},
				Sections:    map[string]string{"features": "user_flows", "risks": "design_risks"},
				Concurrency: "shareable",
				Cost:        2,
				Keywords:    []string{"design", "ux", "ui", "wireframe", "prototype"},
			},
			"product-manager": {
				Description:  "Prioritizes requirements into a delivery roadmap.",
				Stage:        "development",
				Provider:     "anthropic",
				SystemPrompt: "You are a product manager. Turn the available material into a prioritized roadmap.",
				Inputs: []FieldConfig{
					{Name: "request", Required: true, FromQuery: true},
					{Name: "features"},
					{Name: "metrics"},
				},
				Outputs:     []string{"roadmap"},
				Sections:    map[string]string{"roadmap": "roadmap"},
				Concurrency: "shareable",
				Cost:        1,
				Keywords:    []string{"roadmap", "prioritize", "requirements", "backlog"},
				Remember:    true,
			},
			"qa": {
				Description:  "Validates a feature concept and reports quality risks.",
				Stage:        "testing",
				Provider:     "anthropic",
				SystemPrompt: "You are a QA lead. Define a validation plan and report the risks it uncovers.",
				Inputs: []FieldConfig{
					{Name: "request", Required: true, FromQuery: true},
					{Name: "concept"},
				},
				Outputs:     []string{"validation_report", "risks"},
				Sections:    map[string]string{"risks": "risks", "evaluation_notes": "validation_report"},
				Concurrency: "exclusive",
				Cost:        2,
				Keywords:    []string{"test", "testing", "qa", "quality", "validate"},
				MaxRetries:  intPtr(2),
			},
			"marketing": {
				Description:  "Builds the go-to-market and launch strategy.",
				Stage:        "launch",
				Provider:     "anthropic",
				SystemPrompt: "You are a product marketer. Write a launch strategy grounded in the validation results.",
				Inputs: []FieldConfig{
					{Name: "request", Required: true, FromQuery: true},
					{Name: "validation_report", Required: true},
					{Name: "target_users"},
				},
				Outputs:     []string{"strategy"},
				Sections:    map[string]string{"marketing_strategy": "strategy"},
				Concurrency: "shareable",
				Cost:        1.5,
				Keywords:    []string{"launch", "marketing", "campaign", "go-to-market", "promote"},
				Remember:    true,
			},
		},
		Intents: map[string]IntentConfig{
			"ideate": {
				Keywords: []string{"generate ideas", "brainstorm", "new product", "come up with"},
				Roles:    []string{"ideation", "market-research", "design"},
				Hints: []HintConfig{
					{From: "ideation", To: "market-research"},
					{From: "ideation", To: "design"},
				},
			},
			"validate-and-launch": {
				Keywords: []string{"launch plan", "test this", "go-to-market"},
				Roles:    []string{"qa", "marketing", "data-analysis"},
				Hints:    []HintConfig{{From: "qa", To: "marketing"}},
			},
			"roadmap": {
				Keywords: []string{"roadmap", "prioritize"},
				Roles:    []string{"data-analysis", "product-manager"},
				Hints:    []HintConfig{{From: "data-analysis", To: "product-manager"}},
			},
		},
		Lifecycle: []string{"ideation", "research", "design", "development", "testing", "launch"},
		Phases: map[string][]string{
			"ideation":    {"ideation", "market-research", "product-manager"},
			"research":    {"market-research", "data-analysis", "product-manager"},
			"design":      {"design", "ideation", "product-manager"},
			"development": {"product-manager", "design", "qa"},
			"testing":     {"qa", "data-analysis", "marketing"},
			"launch":      {"marketing", "data-analysis", "qa"},
		},
		Scheduler: SchedulerConfig{
			ConcurrencyLimit:     4,
			MaxRetries:           2,
			NodeTimeout:          3 * time.Minute,
			RetryInitialInterval: 500 * time.Millisecond,
			RetryMaxInterval:     10 * time.Second,
		},
		Classifier: ClassifierConfig{
			Threshold:     0.5,
			FallbackRoles: []string{"ideation"},
			CacheTTL:      time.Hour,
		},
		Knowledge: KnowledgeConfig{
			Enabled: true,
			TopK:    3,
		},
		Storage: StorageConfig{
			RetainedRuns: 128,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
}
