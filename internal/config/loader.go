package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. PRODUCTTEAM_SCHEDULER_MAX_RETRIES.
const EnvPrefix = "PRODUCTTEAM"

// Load reads and merges configuration from global and project paths, then
// applies environment overrides.
// Order of precedence (highest to lowest): environment, project config, global config, defaults.
// Missing files are not errors; malformed files return an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	return cfg, nil
}

// DefaultPaths returns the conventional global and project config paths.
// JSON is preferred; a YAML file is used when no JSON file exists.
func DefaultPaths() (global, project string, err error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return pick(filepath.Join(homeDir, ".productteam")), pick(".productteam"), nil
}

func pick(dir string) string {
	for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, "config.json")
}

// LoadDefault loads configuration from the conventional paths.
func LoadDefault() (*Config, error) {
	global, project, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	return Load(global, project)
}

// mergeConfigFile reads a config file and merges it into the base config.
// Map entries replace defaults by key; scalar sections merge non-zero fields.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded Config
	if err := v.Unmarshal(&loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	for key, provider := range loaded.Providers {
		base.Providers[key] = provider
	}
	for key, role := range loaded.Roles {
		base.Roles[key] = role
	}
	for key, intent := range loaded.Intents {
		base.Intents[key] = intent
	}
	for key, roles := range loaded.Phases {
		base.Phases[key] = roles
	}
	if len(loaded.Lifecycle) > 0 {
		base.Lifecycle = loaded.Lifecycle
	}

	mergeScheduler(&base.Scheduler, loaded.Scheduler)
	// Zero retries is a valid budget, so only the key's presence counts.
	if v.IsSet("scheduler.max_retries") {
		base.Scheduler.MaxRetries = loaded.Scheduler.MaxRetries
	}
	mergeClassifier(&base.Classifier, loaded.Classifier)
	if loaded.Planner.ReviewProvider != "" {
		base.Planner.ReviewProvider = loaded.Planner.ReviewProvider
	}

	// Knowledge.Enabled is a bool, so an explicit key is needed to turn it off.
	if v.IsSet("knowledge.enabled") {
		base.Knowledge.Enabled = loaded.Knowledge.Enabled
	}
	if loaded.Knowledge.TopK > 0 {
		base.Knowledge.TopK = loaded.Knowledge.TopK
	}
	if loaded.Knowledge.SeedDir != "" {
		base.Knowledge.SeedDir = loaded.Knowledge.SeedDir
	}
	if loaded.Storage.Path != "" {
		base.Storage.Path = loaded.Storage.Path
	}
	if loaded.Storage.RetainedRuns > 0 {
		base.Storage.RetainedRuns = loaded.Storage.RetainedRuns
	}
	if loaded.Server.Addr != "" {
		base.Server.Addr = loaded.Server.Addr
	}

	return nil
}

func mergeScheduler(base *SchedulerConfig, loaded SchedulerConfig) {
	if loaded.ConcurrencyLimit > 0 {
		base.ConcurrencyLimit = loaded.ConcurrencyLimit
	}
	if loaded.NodeTimeout > 0 {
		base.NodeTimeout = loaded.NodeTimeout
	}
	if loaded.RetryInitialInterval > 0 {
		base.RetryInitialInterval = loaded.RetryInitialInterval
	}
	if loaded.RetryMaxInterval > 0 {
		base.RetryMaxInterval = loaded.RetryMaxInterval
	}
}

func mergeClassifier(base *ClassifierConfig, loaded ClassifierConfig) {
	if loaded.Threshold > 0 {
		base.Threshold = loaded.Threshold
	}
	if len(loaded.FallbackRoles) > 0 {
		base.FallbackRoles = loaded.FallbackRoles
	}
	if loaded.ReasoningProvider != "" {
		base.ReasoningProvider = loaded.ReasoningProvider
	}
	if loaded.CacheTTL > 0 {
		base.CacheTTL = loaded.CacheTTL
	}
}

var envKeys = []string{
	"scheduler.concurrency_limit",
	"scheduler.max_retries",
	"scheduler.node_timeout",
	"classifier.threshold",
	"classifier.reasoning_provider",
	"planner.review_provider",
	"storage.path",
	"server.addr",
}

// applyEnv overrides scalar settings from PRODUCTTEAM_* variables.
func applyEnv(cfg *Config) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return err
		}
	}

	if v.IsSet("scheduler.concurrency_limit") {
		cfg.Scheduler.ConcurrencyLimit = v.GetInt("scheduler.concurrency_limit")
	}
	if v.IsSet("scheduler.max_retries") {
		cfg.Scheduler.MaxRetries = v.GetInt("scheduler.max_retries")
	}
	if v.IsSet("scheduler.node_timeout") {
		cfg.Scheduler.NodeTimeout = v.GetDuration("scheduler.node_timeout")
	}
	if v.IsSet("classifier.threshold") {
		cfg.Classifier.Threshold = v.GetFloat64("classifier.threshold")
	}
	if v.IsSet("classifier.reasoning_provider") {
		cfg.Classifier.ReasoningProvider = v.GetString("classifier.reasoning_provider")
	}
	if v.IsSet("planner.review_provider") {
		cfg.Planner.ReviewProvider = v.GetString("planner.review_provider")
	}
	if v.IsSet("storage.path") {
		cfg.Storage.Path = v.GetString("storage.path")
	}
	if v.IsSet("server.addr") {
		cfg.Server.Addr = v.GetString("server.addr")
	}

	if cfg.Scheduler.ConcurrencyLimit <= 0 {
		return fmt.Errorf("scheduler.concurrency_limit must be positive, got %d", cfg.Scheduler.ConcurrencyLimit)
	}
	if cfg.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must not be negative, got %d", cfg.Scheduler.MaxRetries)
	}
	return nil
}
