package backend

import (
	"context"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteCommand_BasicExecution(t *testing.T) {
	ctx := context.Background()
	stdout, stderr, err := executeCommand(ctx, newCommand(ctx, "echo", "hello"), nil)

	require.NoError(t, err)
	assert.Contains(t, string(stdout), "hello")
	assert.Empty(t, stderr)
}

func TestExecuteCommand_LargeOutputDoesNotDeadlock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// ~256KB on stdout and stderr, well above the pipe buffer size.
	cmd := newCommand(ctx, "sh", "-c", "head -c 262144 /dev/zero | tr '\\0' 'a'; head -c 262144 /dev/zero | tr '\\0' 'b' >&2")

	stdout, stderr, err := executeCommand(ctx, cmd, nil)
	require.NoError(t, err)
	assert.Len(t, stdout, 262144)
	assert.Len(t, stderr, 262144)
}

func TestExecuteCommand_StderrCapture(t *testing.T) {
	ctx := context.Background()
	stdout, stderr, err := executeCommand(ctx, newCommand(ctx, "sh", "-c", "echo error >&2; echo ok"), nil)

	require.NoError(t, err)
	assert.Contains(t, string(stdout), "ok")
	assert.Contains(t, string(stderr), "error")
}

func TestExecuteCommand_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := executeCommand(ctx, newCommand(ctx, "sleep", "30"), nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecuteCommand_NonZeroExitCode(t *testing.T) {
	ctx := context.Background()
	_, _, err := executeCommand(ctx, newCommand(ctx, "sh", "-c", "echo nope >&2; exit 2"), nil)

	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "nope"))
}

func TestProcessManager_TrackAndKillAll(t *testing.T) {
	pm := NewProcessManager()

	cmd := newCommand(context.Background(), "sleep", "300")
	require.NoError(t, cmd.Start())
	pm.Track(cmd)
	assert.Equal(t, 1, pm.Count())

	require.NoError(t, pm.KillAll())

	err := cmd.Wait()
	require.Error(t, err)
	status, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	require.True(t, ok)
	assert.Equal(t, syscall.SIGKILL, status.Signal())

	pm.Untrack(cmd)
	assert.Equal(t, 0, pm.Count())
}

func TestProcessManager_UntrackIgnoresUnstarted(t *testing.T) {
	pm := NewProcessManager()
	cmd := newCommand(context.Background(), "true")
	pm.Track(cmd)
	pm.Untrack(cmd)
	assert.Equal(t, 0, pm.Count())
}
