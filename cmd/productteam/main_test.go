package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/productteam/internal/aggregator"
	"github.com/aristath/productteam/internal/config"
)

// isolate points config discovery at empty directories.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
}

func execute(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err = cmd.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

func TestCommandDefinitions(t *testing.T) {
	root := newRootCmd()

	names := make([]string, 0, len(root.Commands()))
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"run", "serve", "roles", "history", "config"}, names)

	run, _, err := root.Find([]string{"run"})
	require.NoError(t, err)
	for flag, def := range map[string]string{
		"stage":   "",
		"format":  "md",
		"tui":     "false",
		"offline": "false",
	} {
		f := run.Flags().Lookup(flag)
		require.NotNil(t, f, flag)
		assert.Equal(t, def, f.DefValue, flag)
	}
	assert.Error(t, cobra.MinimumNArgs(1)(run, []string{}))

	require.NotNil(t, root.PersistentFlags().Lookup("verbose"))
	require.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestRunOfflineJSON(t *testing.T) {
	isolate(t)

	stdout, _, err := execute(t, "run", "--offline", "--format", "json", "Generate ideas for a new fitness app")
	require.NoError(t, err)

	var report aggregator.Report
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.Equal(t, "succeeded", report.Status)
	assert.Equal(t, "Generate ideas for a new fitness app", report.Query)

	features, ok := report.Section(aggregator.SectionFeatures)
	require.True(t, ok)
	assert.True(t, features.Available())
}

func TestRunOfflineMarkdownWithEvaluation(t *testing.T) {
	isolate(t)

	stdout, stderr, err := execute(t, "run", "--offline", "--expect", "ideation,design,qa", "Generate ideas for a new fitness app")
	require.NoError(t, err)
	assert.Contains(t, stdout, "# Product Concept Report")
	assert.Contains(t, stderr, "role assignment: precision")
	assert.Contains(t, stderr, "missing:    qa")
	assert.Contains(t, stderr, "unexpected: market-research")
}

func TestRunRejectsUnknownFormat(t *testing.T) {
	isolate(t)

	_, _, err := execute(t, "run", "--offline", "--format", "pdf", "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown report format")
}

func TestRolesCommand(t *testing.T) {
	isolate(t)

	stdout, _, err := execute(t, "roles")
	require.NoError(t, err)
	assert.Contains(t, stdout, "ROLE")
	assert.Contains(t, stdout, "marketing")
	assert.Contains(t, stdout, "exclusive")
}

func TestRunBuildsOnPriorReport(t *testing.T) {
	isolate(t)
	require.NoError(t, os.MkdirAll(".productteam", 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(".productteam", "config.json"),
		[]byte(`{"storage": {"path": "history.db"}}`), 0o644))

	_, _, err := execute(t, "run", "--offline", "--prior", "missing", "Refine the idea")
	assert.ErrorContains(t, err, "prior report unavailable")

	stdout, _, err := execute(t, "run", "--offline", "--format", "json", "Generate ideas for a new fitness app")
	require.NoError(t, err)
	var first aggregator.Report
	require.NoError(t, json.Unmarshal([]byte(stdout), &first))

	stdout, _, err = execute(t, "run", "--offline", "--format", "json", "--prior", first.RunID, "Refine the strongest idea")
	require.NoError(t, err)
	var second aggregator.Report
	require.NoError(t, json.Unmarshal([]byte(stdout), &second))
	assert.Equal(t, "succeeded", second.Status)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestHistoryWithoutStorage(t *testing.T) {
	isolate(t)

	stdout, _, err := execute(t, "history")
	require.NoError(t, err)
	assert.Contains(t, stdout, "no runs recorded")

	_, _, err = execute(t, "history", "missing")
	assert.Error(t, err)
}

func TestConfigInitAndShow(t *testing.T) {
	isolate(t)

	stdout, _, err := execute(t, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, stdout, filepath.Join(".productteam", "config.json"))
	_, err = os.Stat(filepath.Join(".productteam", "config.json"))
	require.NoError(t, err)

	_, _, err = execute(t, "config", "init")
	assert.ErrorIs(t, err, config.ErrConfigExists)

	require.NoError(t, os.WriteFile(filepath.Join(".productteam", "config.json"),
		[]byte(`{"scheduler": {"max_retries": 0}}`), 0o644))
	stdout, _, err = execute(t, "config", "show")
	require.NoError(t, err)

	var cfg config.Config
	require.NoError(t, json.Unmarshal([]byte(stdout), &cfg))
	assert.Equal(t, 0, cfg.Scheduler.MaxRetries)
	assert.NotEmpty(t, cfg.Roles)
}

// TestCloseKillsProcesses verifies that closing the app terminates tracked
// backend subprocesses.
func TestCloseKillsProcesses(t *testing.T) {
	isolate(t)

	a, err := newApp(context.Background(), appOptions{offline: true, logger: newLogger(nil, false)})
	require.NoError(t, err)

	cmd := exec.Command("sleep", "60")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	a.pm.Track(cmd)
	assert.Equal(t, 1, a.pm.Count())

	a.close()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		assert.Error(t, err, "process should have been killed")
	case <-time.After(2 * time.Second):
		t.Fatal("process did not terminate after close")
	}
}
