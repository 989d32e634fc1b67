package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/toolhub/pkg/toolexecutor"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(Config{
		Path:   filepath.Join(t.TempDir(), "history", "history.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewStoreRequiresPath(t *testing.T) {
	_, err := NewStore(Config{})
	assert.Error(t, err)
}

func TestStoreRecordAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	finished := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Record(ctx, Entry{
		ExecutionID: "exec-1",
		ToolID:      "fs.read",
		Domain:      "fs",
		Status:      toolexecutor.StatusFailed,
		Error:       "permission denied",
		Duration:    150 * time.Millisecond,
		FinishedAt:  finished,
	}))

	got, err := store.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "fs.read", got.ToolID)
	assert.Equal(t, toolexecutor.StatusFailed, got.Status)
	assert.Equal(t, "permission denied", got.Error)
	assert.Equal(t, 150*time.Millisecond, got.Duration)
	assert.True(t, finished.Equal(got.FinishedAt))

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreRecordRejectsInvalidEntries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assert.Error(t, store.Record(ctx, Entry{ToolID: "fs.read", Status: toolexecutor.StatusCompleted}))
	assert.Error(t, store.Record(ctx, Entry{ExecutionID: "x", ToolID: "fs.read", Status: toolexecutor.StatusRunning}))
}

func TestStoreListFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	entries := []Entry{
		{ExecutionID: "a", ToolID: "fs.read", Domain: "fs", Status: toolexecutor.StatusCompleted, FinishedAt: base},
		{ExecutionID: "b", ToolID: "fs.read", Domain: "fs", Status: toolexecutor.StatusFailed, FinishedAt: base.Add(time.Minute)},
		{ExecutionID: "c", ToolID: "net.get", Domain: "net", Status: toolexecutor.StatusCompleted, FinishedAt: base.Add(2 * time.Minute)},
		{ExecutionID: "d", ToolID: "net.get", Domain: "net", Status: toolexecutor.StatusCancelled, FinishedAt: base.Add(3 * time.Minute)},
	}
	for _, e := range entries {
		require.NoError(t, store.Record(ctx, e))
	}

	all, err := store.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "d", all[0].ExecutionID, "newest first")

	byTool, err := store.List(ctx, Query{ToolID: "fs.read"})
	require.NoError(t, err)
	assert.Len(t, byTool, 2)

	completed, err := store.List(ctx, Query{Status: toolexecutor.StatusCompleted})
	require.NoError(t, err)
	assert.Len(t, completed, 2)

	recent, err := store.List(ctx, Query{Domain: "net", Since: base.Add(150 * time.Second)})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "d", recent[0].ExecutionID)

	limited, err := store.List(ctx, Query{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStoreStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, status := range []toolexecutor.ExecutionStatus{
		toolexecutor.StatusCompleted,
		toolexecutor.StatusCompleted,
		toolexecutor.StatusFailed,
		toolexecutor.StatusCancelled,
	} {
		require.NoError(t, store.Record(ctx, Entry{
			ExecutionID: string(rune('a' + i)),
			ToolID:      "svc.call",
			Status:      status,
			Duration:    time.Duration(i+1) * 100 * time.Millisecond,
		}))
	}

	stats, err := store.Stats(ctx, "svc.call")
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Total)
	assert.Equal(t, int64(2), stats.Completed)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Cancelled)
	assert.Equal(t, 250*time.Millisecond, stats.AverageDuration)
	assert.False(t, stats.LastFinished.IsZero())

	empty, err := store.Stats(ctx, "unknown")
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.True(t, empty.LastFinished.IsZero())
}

func TestStorePrune(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, Entry{ExecutionID: "old", ToolID: "t", Status: toolexecutor.StatusCompleted, FinishedAt: time.Now().Add(-48 * time.Hour)}))
	require.NoError(t, store.Record(ctx, Entry{ExecutionID: "new", ToolID: "t", Status: toolexecutor.StatusCompleted, FinishedAt: time.Now()}))

	n, err := store.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n, "no retention configured")

	n, err = store.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestStoreAttachRecordsTerminalEvents(t *testing.T) {
	store := newTestStore(t)

	te := toolexecutor.New(toolexecutor.DefaultConfig())
	detach := store.Attach(te.Events())
	defer detach()

	require.NoError(t, te.RegisterTool(toolexecutor.ToolDefinition{
		ID:   "svc.ok",
		Name: "OK",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "ok", nil
		},
	}, "svc"))
	require.NoError(t, te.RegisterTool(toolexecutor.ToolDefinition{
		ID:   "svc.broken",
		Name: "Broken",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, errors.New("boom")
		},
	}, "svc"))

	res, err := te.ExecuteTool(context.Background(), "svc.ok", nil, nil, toolexecutor.ExecuteOptions{})
	require.NoError(t, err)
	_, err = te.ExecuteTool(context.Background(), "svc.broken", nil, nil, toolexecutor.ExecuteOptions{})
	require.Error(t, err)

	assert.Eventually(t, func() bool {
		n, err := store.Count(context.Background())
		return err == nil && n == 2
	}, 2*time.Second, 10*time.Millisecond)

	entry, err := store.Get(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, toolexecutor.StatusCompleted, entry.Status)
	assert.Equal(t, "svc", entry.Domain)

	failed, err := store.List(context.Background(), Query{Status: toolexecutor.StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "svc.broken", failed[0].ToolID)
	assert.Contains(t, failed[0].Error, "boom")
}

func TestEntryFromEventIgnoresNonTerminal(t *testing.T) {
	_, ok := entryFromEvent(toolexecutor.Event{Type: toolexecutor.EventExecutionStarted, ExecutionID: "x"})
	assert.False(t, ok)

	_, ok = entryFromEvent(toolexecutor.Event{Type: toolexecutor.EventExecutionCompleted})
	assert.False(t, ok)
}
