package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRun(id string, created time.Time) *RunRecord {
	return &RunRecord{
		ID:              id,
		Query:           "Write a launch plan for a fitness app",
		Stage:           "launch",
		Status:          "failed",
		SnapshotVersion: 3,
		Roles:           []string{"market-research", "qa", "marketing"},
		Report:          []byte(`{"run_id":"` + id + `"}`),
		CreatedAt:       created,
		StartedAt:       created.Add(time.Millisecond),
		FinishedAt:      created.Add(time.Second),
		Nodes: []NodeRecord{
			{
				NodeID: "market-research", RoleID: "market-research", State: "succeeded", Attempts: 1,
				Output:    map[string]string{"target_users": "runners"},
				StartedAt: created, FinishedAt: created.Add(100 * time.Millisecond),
			},
			{
				NodeID: "qa", RoleID: "qa", State: "failed_terminal", Attempts: 3,
				DependsOn: []string{"market-research"},
				Reason:    "retries exhausted", Error: "agent failed",
			},
			{
				NodeID: "marketing", RoleID: "marketing", State: "skipped_unreachable",
				DependsOn: []string{"market-research", "qa"},
				Reason:    "dependency qa failed",
			},
		},
		Events: []EventRecord{
			{Seq: 0, Type: "run.started", Payload: []byte(`{}`), At: created},
			{Seq: 1, Type: "node.state_changed", NodeID: "qa", Payload: []byte(`{"to":"running"}`), At: created.Add(time.Millisecond)},
		},
	}
}

func TestSaveAndGetRun(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	created := time.Unix(1_700_000_000, 123)

	require.NoError(t, store.SaveRun(ctx, sampleRun("run-1", created)))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)

	assert.Equal(t, "launch", got.Stage)
	assert.Equal(t, "failed", got.Status)
	assert.Equal(t, uint64(3), got.SnapshotVersion)
	assert.Equal(t, []string{"market-research", "qa", "marketing"}, got.Roles)
	assert.JSONEq(t, `{"run_id":"run-1"}`, string(got.Report))
	assert.True(t, got.CreatedAt.Equal(created))
	assert.True(t, got.FinishedAt.Equal(created.Add(time.Second)))

	require.Len(t, got.Nodes, 3)
	byID := map[string]NodeRecord{}
	for _, n := range got.Nodes {
		byID[n.NodeID] = n
	}
	assert.Equal(t, map[string]string{"target_users": "runners"}, byID["market-research"].Output)
	assert.Empty(t, byID["market-research"].DependsOn)
	assert.Equal(t, 3, byID["qa"].Attempts)
	assert.Equal(t, "agent failed", byID["qa"].Error)
	assert.Nil(t, byID["qa"].Output)
	assert.True(t, byID["qa"].StartedAt.IsZero())
	assert.Equal(t, []string{"market-research", "qa"}, byID["marketing"].DependsOn)
	assert.Equal(t, "dependency qa failed", byID["marketing"].Reason)

	require.Len(t, got.Events, 2)
	assert.Equal(t, "run.started", got.Events[0].Type)
	assert.Equal(t, "qa", got.Events[1].NodeID)
	assert.JSONEq(t, `{"to":"running"}`, string(got.Events[1].Payload))
}

func TestSaveRunReplaces(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	rec := sampleRun("run-1", time.Now())
	require.NoError(t, store.SaveRun(ctx, rec))

	rec.Status = "succeeded"
	rec.Nodes = rec.Nodes[:1]
	rec.Events = nil
	require.NoError(t, store.SaveRun(ctx, rec))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", got.Status)
	assert.Len(t, got.Nodes, 1)
	assert.Empty(t, got.Events)

	runs, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestGetRunNotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRuns(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, store.SaveRun(ctx, sampleRun(id, base.Add(time.Duration(i)*time.Minute))))
	}

	all, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "new", all[0].ID)
	assert.Equal(t, "old", all[2].ID)
	assert.Equal(t, 3, all[0].Nodes)

	limited, err := store.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, []string{"new", "mid"}, []string{limited[0].ID, limited[1].ID})
}

func TestListRunsEmpty(t *testing.T) {
	store := testStore(t)

	runs, err := store.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.NotNil(t, runs)
	assert.Empty(t, runs)
}

func TestConversationHistory(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveRun(ctx, sampleRun("run-1", time.Now())))

	require.NoError(t, store.SaveMessage(ctx, "run-1", "qa", "user", "prompt 1"))
	require.NoError(t, store.SaveMessage(ctx, "run-1", "qa", "assistant", "answer 1"))
	require.NoError(t, store.SaveMessage(ctx, "run-1", "marketing", "user", "prompt 2"))

	history, err := store.GetHistory(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "prompt 1", history[0].Content)
	assert.Equal(t, "assistant", history[1].Role)
	assert.Equal(t, "marketing", history[2].NodeID)
	assert.False(t, history[0].Timestamp.IsZero())
}

func TestHistoryEmptyIsNotNil(t *testing.T) {
	store := testStore(t)

	history, err := store.GetHistory(context.Background(), "nothing")
	require.NoError(t, err)
	assert.NotNil(t, history)
	assert.Empty(t, history)
}

func TestSaveMessageRequiresRun(t *testing.T) {
	store := testStore(t)

	err := store.SaveMessage(context.Background(), "ghost", "qa", "user", "hi")
	assert.Error(t, err, "foreign key on run_id")
}

func TestMemoryStoresAreIsolated(t *testing.T) {
	a := testStore(t)
	b := testStore(t)
	ctx := context.Background()

	require.NoError(t, a.SaveRun(ctx, sampleRun("run-1", time.Now())))

	_, err := b.GetRun(ctx, "run-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStorePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "runs.db")

	store, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.SaveRun(ctx, sampleRun("run-1", time.Now())))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, got.Nodes, 3)
}
