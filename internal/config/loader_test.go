package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	defaults := DefaultConfig()

	tests := []struct {
		name          string
		global        string
		project       string
		expectRoles   int
		checkRole     string
		expectStage   string
		expectProvide string
	}{
		{
			name:        "no config files returns defaults",
			expectRoles: len(defaults.Roles),
			checkRole:   "qa",
			expectStage: "testing",
		},
		{
			name: "global adds a role",
			global: `{"roles": {"legal": {"description": "Reviews compliance.", "stage": "launch",
				"provider": "stub", "outputs": ["compliance"], "sections": {"risks": "compliance"}}}}`,
			expectRoles:   len(defaults.Roles) + 1,
			checkRole:     "legal",
			expectStage:   "launch",
			expectProvide: "stub",
		},
		{
			name:          "project overrides a role",
			project:       `{"roles": {"design": {"stage": "design", "provider": "openai", "outputs": ["user_flows"]}}}`,
			expectRoles:   len(defaults.Roles),
			checkRole:     "design",
			expectStage:   "design",
			expectProvide: "openai",
		},
		{
			name:          "project wins over global",
			global:        `{"roles": {"design": {"stage": "design", "provider": "claude", "outputs": ["a"]}}}`,
			project:       `{"roles": {"design": {"stage": "design", "provider": "codex", "outputs": ["a"]}}}`,
			expectRoles:   len(defaults.Roles),
			checkRole:     "design",
			expectStage:   "design",
			expectProvide: "codex",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			globalPath := filepath.Join(dir, "global.json")
			projectPath := filepath.Join(dir, "project.json")
			if tt.global != "" {
				writeFile(t, dir, "global.json", tt.global)
			}
			if tt.project != "" {
				writeFile(t, dir, "project.json", tt.project)
			}

			cfg, err := Load(globalPath, projectPath)
			require.NoError(t, err)

			assert.Len(t, cfg.Roles, tt.expectRoles)
			role, ok := cfg.Roles[tt.checkRole]
			require.True(t, ok, "role %q missing", tt.checkRole)
			assert.Equal(t, tt.expectStage, role.Stage)
			if tt.expectProvide != "" {
				assert.Equal(t, tt.expectProvide, role.Provider)
			}
			assert.Len(t, cfg.Providers, len(defaults.Providers))
		})
	}
}

func TestLoad_YAMLAndScalarMerge(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
scheduler:
  concurrency_limit: 8
  node_timeout: 45s
classifier:
  fallback_roles: [product-manager]
knowledge:
  enabled: false
`)

	cfg, err := Load("", path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Scheduler.ConcurrencyLimit)
	assert.Equal(t, 45*time.Second, cfg.Scheduler.NodeTimeout)
	assert.Equal(t, DefaultConfig().Scheduler.MaxRetries, cfg.Scheduler.MaxRetries)
	assert.Equal(t, []string{"product-manager"}, cfg.Classifier.FallbackRoles)
	assert.False(t, cfg.Knowledge.Enabled)
	assert.Equal(t, DefaultConfig().Knowledge.TopK, cfg.Knowledge.TopK)
}

func TestLoad_ZeroMaxRetries(t *testing.T) {
	dir := t.TempDir()
	global := writeFile(t, dir, "global.json", `{"scheduler": {"max_retries": 5}}`)
	project := writeFile(t, dir, "project.yaml", "scheduler:\n  max_retries: 0\n")

	cfg, err := Load(global, project)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Scheduler.MaxRetries)
	assert.Equal(t, 0, cfg.RoleMaxRetries(cfg.Roles["ideation"]))

	cfg, err = Load(global, "")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Scheduler.MaxRetries, "an absent key keeps the lower layer")
}

func TestLoad_RejectsNegativeMaxRetries(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.json", `{"scheduler": {"max_retries": -1}}`)

	_, err := Load("", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_retries")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PRODUCTTEAM_SCHEDULER_CONCURRENCY_LIMIT", "2")
	t.Setenv("PRODUCTTEAM_SCHEDULER_NODE_TIMEOUT", "10s")
	t.Setenv("PRODUCTTEAM_CLASSIFIER_THRESHOLD", "0.8")
	t.Setenv("PRODUCTTEAM_SERVER_ADDR", "127.0.0.1:9000")
	t.Setenv("PRODUCTTEAM_PLANNER_REVIEW_PROVIDER", "stub")

	cfg, err := Load("", "")
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Scheduler.ConcurrencyLimit)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.NodeTimeout)
	assert.InDelta(t, 0.8, cfg.Classifier.Threshold, 1e-9)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, "stub", cfg.Planner.ReviewProvider)
}

func TestLoad_EnvRejectsZeroConcurrency(t *testing.T) {
	t.Setenv("PRODUCTTEAM_SCHEDULER_CONCURRENCY_LIMIT", "0")

	_, err := Load("", "")
	require.Error(t, err)
}

func TestLoad_MalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{"roles": {broken`)

	_, err := Load(path, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading global config")
}

func TestLoad_MissingFilesNotError(t *testing.T) {
	cfg, err := Load("/nonexistent/global.json", "/nonexistent/project.json")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Lifecycle, cfg.Lifecycle)
}

func TestRoleMaxRetries(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 2, cfg.RoleMaxRetries(cfg.Roles["qa"]))

	role := cfg.Roles["design"]
	role.MaxRetries = intPtr(0)
	assert.Equal(t, 0, cfg.RoleMaxRetries(role))
	assert.Equal(t, cfg.Scheduler.MaxRetries, cfg.RoleMaxRetries(cfg.Roles["ideation"]))
}

func TestDefaultConfig_RolesReferenceKnownStagesAndProviders(t *testing.T) {
	cfg := DefaultConfig()
	stages := map[string]bool{}
	for _, s := range cfg.Lifecycle {
		stages[s] = true
	}
	for id, role := range cfg.Roles {
		assert.True(t, stages[role.Stage], "role %s has unknown stage %q", id, role.Stage)
		_, ok := cfg.Providers[role.Provider]
		assert.True(t, ok, "role %s has unknown provider %q", id, role.Provider)
		for section, field := range role.Sections {
			assert.Contains(t, role.Outputs, field, "role %s section %s", id, section)
		}
	}
	for name, intent := range cfg.Intents {
		for _, r := range intent.Roles {
			_, ok := cfg.Roles[r]
			assert.True(t, ok, "intent %s references unknown role %s", name, r)
		}
	}
}
