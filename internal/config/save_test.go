package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "config.json")

	require.NoError(t, Save(DefaultConfig(), path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.False(t, info.IsDir())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	original := DefaultConfig()
	original.Scheduler.ConcurrencyLimit = 7
	original.Roles["legal"] = RoleConfig{
		Description: "Reviews compliance.",
		Stage:       "launch",
		Provider:    "stub",
		Outputs:     []string{"compliance"},
		Sections:    map[string]string{"risks": "compliance"},
		MaxRetries:  intPtr(1),
	}
	require.NoError(t, Save(original, path))

	loaded, err := Load("", path)
	require.NoError(t, err)

	assert.Equal(t, 7, loaded.Scheduler.ConcurrencyLimit)
	assert.Equal(t, original.Scheduler.NodeTimeout, loaded.Scheduler.NodeTimeout)
	assert.Equal(t, original.Classifier.CacheTTL, loaded.Classifier.CacheTTL)

	legal, ok := loaded.Roles["legal"]
	require.True(t, ok)
	assert.Equal(t, "launch", legal.Stage)
	assert.Equal(t, map[string]string{"risks": "compliance"}, legal.Sections)
	require.NotNil(t, legal.MaxRetries)
	assert.Equal(t, 1, *legal.MaxRetries)

	qa := loaded.Roles["qa"]
	assert.Equal(t, "exclusive", qa.Concurrency)
	require.Len(t, qa.Inputs, 2)
	assert.True(t, qa.Inputs[0].FromQuery)
}

func TestSaveOverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	require.NoError(t, Save(DefaultConfig(), path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, "old", string(data))
}

func TestSaveLeavesNoTemporaryFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(DefaultConfig(), filepath.Join(dir, "config.json")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "config.json", entries[0].Name())
}

func TestInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".productteam", "config.json")

	require.NoError(t, Init(path, false))
	cfg, err := Load("", path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Lifecycle, cfg.Lifecycle)

	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler": {"concurrency_limit": 9}}`), 0o644))
	err = Init(path, false)
	require.ErrorIs(t, err, ErrConfigExists)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "9", "existing file must be kept")

	require.NoError(t, Init(path, true))
	cfg, err = Load("", path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Scheduler.ConcurrencyLimit, cfg.Scheduler.ConcurrencyLimit)
}

func TestWrite(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, DefaultConfig()))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Contains(t, decoded, "roles")
	assert.Contains(t, decoded, "planner")
}
