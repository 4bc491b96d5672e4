package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/renwei/ai-chat-dispatch/internal/domain"
	"github.com/renwei/ai-chat-dispatch/internal/repository"
	"github.com/renwei/ai-chat-dispatch/internal/routing"
)

type recordingPublisher struct {
	mu      sync.Mutex
	entries map[string][]domain.TaskEntry
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{entries: make(map[string][]domain.TaskEntry)}
}

func (p *recordingPublisher) Publish(ctx context.Context, stream string, entry domain.TaskEntry) error {
	results := p.PublishBatch(ctx, stream, []domain.TaskEntry{entry})
	return results[0]
}

func (p *recordingPublisher) PublishBatch(_ context.Context, stream string, entries []domain.TaskEntry) []error {
	p.mu.Lock()
	defer p.mu.Unlock()

	results := make([]error, len(entries))
	for _, entry := range entries {
		p.entries[stream] = append(p.entries[stream], entry)
	}
	return results
}

func (p *recordingPublisher) published(stream string) []domain.TaskEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.TaskEntry(nil), p.entries[stream]...)
}

func (p *recordingPublisher) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, entries := range p.entries {
		total += len(entries)
	}
	return total
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *repository.MemoryStore, *recordingPublisher) {
	t.Helper()
	store := repository.NewMemoryStore()
	publisher := newRecordingPublisher()
	router, err := routing.NewRouter(routing.DefaultRules())
	require.NoError(t, err)
	return NewDispatcher(store, publisher, router, zap.NewNop()), store, publisher
}

func TestSubmitFansOutOnePerModel(t *testing.T) {
	dispatcher, store, publisher := newTestDispatcher(t)
	ctx := context.Background()

	result, err := dispatcher.Submit(ctx, SubmitInput{
		Prompt:    "compare yourselves",
		ModelSpec: "gemini-a,qwen2-72b,deepseek-b",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.BatchID)
	assert.NotEmpty(t, result.ConversationID)
	require.Len(t, result.TaskIDs, 3)

	tasks, err := store.ListTasks(ctx, result.BatchID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for _, task := range tasks {
		assert.Equal(t, domain.TaskStatusDispatched, task.Status)
		assert.Equal(t, domain.IdempotencyKey(task.ID), task.IdempotencyKey)
	}

	assert.Len(t, publisher.published("gemini_tasks"), 1)
	assert.Len(t, publisher.published("general_tasks"), 1)
	assert.Len(t, publisher.published("deepseek_tasks"), 1)

	entry := publisher.published("gemini_tasks")[0]
	assert.Equal(t, result.BatchID, entry.BatchID)
	assert.Equal(t, "compare yourselves", entry.Prompt)
	assert.Equal(t, result.ConversationID, entry.ConversationID)
}

func TestSubmitEmptyPromptIsValidationError(t *testing.T) {
	dispatcher, _, publisher := newTestDispatcher(t)

	_, err := dispatcher.Submit(context.Background(), SubmitInput{Prompt: "   ", ModelSpec: "gemini-a"})
	require.Error(t, err)
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))
	assert.Zero(t, publisher.total())
}

func TestSubmitEmptyModelSpecIsValidationError(t *testing.T) {
	dispatcher, _, _ := newTestDispatcher(t)

	_, err := dispatcher.Submit(context.Background(), SubmitInput{Prompt: "hello", ModelSpec: " , "})
	require.Error(t, err)
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))
}

func TestSubmitUnknownConversationIsNotFound(t *testing.T) {
	dispatcher, _, publisher := newTestDispatcher(t)

	_, err := dispatcher.Submit(context.Background(), SubmitInput{
		Prompt:         "hello",
		ModelSpec:      "gemini-a",
		ConversationID: "missing-conversation",
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodeNotFound, domain.CodeOf(err))
	assert.Zero(t, publisher.total())
}

func TestSubmitReusesExistingConversation(t *testing.T) {
	dispatcher, store, _ := newTestDispatcher(t)
	ctx := context.Background()

	first, err := dispatcher.Submit(ctx, SubmitInput{Prompt: "first", ModelSpec: "gemini-a"})
	require.NoError(t, err)

	second, err := dispatcher.Submit(ctx, SubmitInput{
		Prompt:         "second",
		ModelSpec:      "gemini-a",
		ConversationID: first.ConversationID,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ConversationID, second.ConversationID)

	turns, err := store.ListTurns(ctx, first.ConversationID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, domain.RoleUser, turns[0].Role)
	assert.Equal(t, "first", turns[0].Text)
	assert.Equal(t, "second", turns[1].Text)
}

func TestSubmitUnsupportedModelFailsTaskWithoutPublish(t *testing.T) {
	dispatcher, store, publisher := newTestDispatcher(t)
	ctx := context.Background()

	result, err := dispatcher.Submit(ctx, SubmitInput{
		Prompt:    "hello",
		ModelSpec: "gemini-a,unknown-model",
	})
	require.NoError(t, err)
	require.Len(t, result.TaskIDs, 2)

	tasks, err := store.ListTasks(ctx, result.BatchID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	byModel := make(map[string]domain.Task, len(tasks))
	for _, task := range tasks {
		byModel[task.ModelName] = task
	}
	assert.Equal(t, domain.TaskStatusDispatched, byModel["gemini-a"].Status)

	failed := byModel["unknown-model"]
	assert.Equal(t, domain.TaskStatusFailed, failed.Status)
	assert.Equal(t, domain.ReasonUnsupportedModel, failed.Reason)

	// Only the routable sibling reached the broker.
	assert.Equal(t, 1, publisher.total())
}

func TestSubmitPublishFailureLeavesTaskQueued(t *testing.T) {
	dispatcher, store, publisher := newTestDispatcher(t)
	ctx := context.Background()

	// Fail every publish to the gemini stream; siblings must be unaffected.
	failing := &streamFailingPublisher{inner: publisher, failStream: "gemini_tasks"}
	dispatcher.publisher = failing

	result, err := dispatcher.Submit(ctx, SubmitInput{
		Prompt:    "hello",
		ModelSpec: "gemini-a,deepseek-b",
	})
	require.NoError(t, err)

	tasks, err := store.ListTasks(ctx, result.BatchID)
	require.NoError(t, err)

	byModel := make(map[string]domain.Task, len(tasks))
	for _, task := range tasks {
		byModel[task.ModelName] = task
	}
	assert.Equal(t, domain.TaskStatusQueued, byModel["gemini-a"].Status)
	assert.Equal(t, domain.TaskStatusDispatched, byModel["deepseek-b"].Status)
	assert.Len(t, publisher.published("deepseek_tasks"), 1)
	assert.Empty(t, publisher.published("gemini_tasks"))
}

type streamFailingPublisher struct {
	inner      *recordingPublisher
	failStream string
}

func (p *streamFailingPublisher) Publish(ctx context.Context, stream string, entry domain.TaskEntry) error {
	results := p.PublishBatch(ctx, stream, []domain.TaskEntry{entry})
	return results[0]
}

func (p *streamFailingPublisher) PublishBatch(ctx context.Context, stream string, entries []domain.TaskEntry) []error {
	if stream == p.failStream {
		results := make([]error, len(entries))
		for i := range results {
			results[i] = errors.New("stream unavailable")
		}
		return results
	}
	return p.inner.PublishBatch(ctx, stream, entries)
}

func TestSubmitDeduplicatesModelSpec(t *testing.T) {
	dispatcher, store, _ := newTestDispatcher(t)
	ctx := context.Background()

	result, err := dispatcher.Submit(ctx, SubmitInput{
		Prompt:    "hello",
		ModelSpec: "gemini-a, gemini-a, Gemini-A",
	})
	require.NoError(t, err)
	assert.Len(t, result.TaskIDs, 1)

	tasks, err := store.ListTasks(ctx, result.BatchID)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}
