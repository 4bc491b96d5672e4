package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renwei/ai-chat-dispatch/internal/domain"
)

func seedStore(t *testing.T) (*MemoryStore, domain.Task) {
	t.Helper()
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	require.NoError(t, store.CreateConversation(ctx, &domain.Conversation{
		ID: "conv-1", Title: "hi", CreatedAt: now, UpdatedAt: now,
	}))

	task := domain.Task{
		ID:        "task-1",
		BatchID:   "batch-1",
		ModelName: "gemini-a",
		Stream:    "gemini_tasks",
		Status:    domain.TaskStatusQueued,
	}
	require.NoError(t, store.CreateBatch(ctx, &domain.ChatBatch{
		ID: "batch-1", ConversationID: "conv-1", Prompt: "hi", CreatedAt: now,
	}, []domain.Task{task}))
	return store, task
}

func TestCreateBatchRequiresConversation(t *testing.T) {
	store := NewMemoryStore()
	err := store.CreateBatch(context.Background(), &domain.ChatBatch{
		ID: "batch-1", ConversationID: "missing",
	}, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateBatchRecordsUserTurn(t *testing.T) {
	store, _ := seedStore(t)

	turns, err := store.ListTurns(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, domain.RoleUser, turns[0].Role)
	assert.Equal(t, "hi", turns[0].Text)
}

func TestListTasksPreservesCreationOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()
	require.NoError(t, store.CreateConversation(ctx, &domain.Conversation{ID: "conv-1", CreatedAt: now, UpdatedAt: now}))

	tasks := []domain.Task{
		{ID: "task-c", BatchID: "batch-1", ModelName: "gemini-a"},
		{ID: "task-a", BatchID: "batch-1", ModelName: "qwen2"},
		{ID: "task-b", BatchID: "batch-1", ModelName: "deepseek-b"},
	}
	require.NoError(t, store.CreateBatch(ctx, &domain.ChatBatch{ID: "batch-1", ConversationID: "conv-1"}, tasks))

	listed, err := store.ListTasks(ctx, "batch-1")
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, "task-c", listed[0].ID)
	assert.Equal(t, "task-a", listed[1].ID)
	assert.Equal(t, "task-b", listed[2].ID)
}

func TestMarkDispatchedOnlyFromQueued(t *testing.T) {
	store, task := seedStore(t)
	ctx := context.Background()

	require.NoError(t, store.MarkDispatched(ctx, task.ID))
	loaded, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusDispatched, loaded.Status)

	// Already past queued; a late dispatch confirmation must not regress.
	claimed, err := store.ClaimTask(ctx, task.ID, "w1")
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, store.MarkDispatched(ctx, task.ID))

	loaded, err = store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusProcessing, loaded.Status)
}

func TestClaimTaskRefusesTerminal(t *testing.T) {
	store, task := seedStore(t)
	ctx := context.Background()

	require.NoError(t, store.MarkFailed(ctx, task.ID, domain.ReasonBackendError, "boom"))

	claimed, err := store.ClaimTask(ctx, task.ID, "w1")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestTerminalStatusesNeverChange(t *testing.T) {
	store, task := seedStore(t)
	ctx := context.Background()

	require.NoError(t, store.MarkSucceeded(ctx, task.ID, "done", 0.5))
	require.NoError(t, store.MarkFailed(ctx, task.ID, domain.ReasonBackendError, "late failure"))

	loaded, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusSucceeded, loaded.Status)
	assert.Equal(t, "done", loaded.ResponseText)
	assert.Empty(t, loaded.ErrorMessage)
}

func TestIncrementAttemptsCounts(t *testing.T) {
	store, task := seedStore(t)
	ctx := context.Background()

	attempts, err := store.IncrementAttempts(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	attempts, err = store.IncrementAttempts(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRecordAssistantTurnOncePerBatch(t *testing.T) {
	store, _ := seedStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordAssistantTurn(ctx, "conv-1", "batch-1", "winner"))
	require.NoError(t, store.RecordAssistantTurn(ctx, "conv-1", "batch-1", "loser"))

	turns, err := store.ListTurns(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, domain.RoleAssistant, turns[1].Role)
	assert.Equal(t, "winner", turns[1].Text)
}

func TestTouchConversationUpdatesTimestamp(t *testing.T) {
	store, _ := seedStore(t)
	ctx := context.Background()

	before, err := store.GetConversation(ctx, "conv-1")
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, store.TouchConversation(ctx, "conv-1"))

	after, err := store.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))

	assert.ErrorIs(t, store.TouchConversation(ctx, "ghost"), ErrNotFound)
}

func TestGettersReturnNotFound(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.GetConversation(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetBatch(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetTask(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.ListTasks(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.ListTurns(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.IncrementAttempts(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)
}
