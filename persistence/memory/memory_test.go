package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flexcore.dev/flex/persistence"
	"flexcore.dev/flex/persistence/memory"
)

func TestStore_CreateAndLoadRun(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	run := persistence.FlexRun{RunID: "run-1", ThreadID: "thread-1", Status: persistence.RunStatusPlanning, Objective: "ship the campaign"}
	require.NoError(t, store.CreateOrUpdateRun(ctx, run))

	got, err := store.LoadFlexRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "ship the campaign", got.Objective)

	byThread, err := store.FindFlexRunByThreadID(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", byThread.RunID)
}

func TestStore_LoadFlexRun_NotFound(t *testing.T) {
	store := memory.New()
	_, err := store.LoadFlexRun(context.Background(), "missing")
	require.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestStore_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.CreateOrUpdateRun(ctx, persistence.FlexRun{RunID: "run-1", Status: persistence.RunStatusPlanning}))
	require.NoError(t, store.UpdateStatus(ctx, "run-1", persistence.RunStatusCompleted))

	got, err := store.LoadFlexRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, persistence.RunStatusCompleted, got.Status)
}

func TestStore_PendingHumanTasks(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.PutHumanTask(ctx, persistence.HumanTask{RunID: "run-1", NodeID: "n1", Status: persistence.HumanTaskAwaitingSubmission}))
	answered := time.Now()
	require.NoError(t, store.PutHumanTask(ctx, persistence.HumanTask{RunID: "run-1", NodeID: "n2", Status: persistence.HumanTaskSubmitted, RespondedAt: &answered}))

	pending, err := store.ListPendingHumanTasks(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "n1", pending[0].NodeID)
}
