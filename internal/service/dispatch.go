package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/renwei/ai-chat-dispatch/internal/broker"
	"github.com/renwei/ai-chat-dispatch/internal/domain"
	"github.com/renwei/ai-chat-dispatch/internal/repository"
	"github.com/renwei/ai-chat-dispatch/internal/routing"
)

// Dispatcher fans one chat request out into per-model tasks, persists them
// atomically and publishes one broker entry per dispatchable task.
type Dispatcher struct {
	store     repository.Store
	publisher broker.Publisher
	router    *routing.Router
	logger    *zap.Logger
}

func NewDispatcher(
	store repository.Store,
	publisher broker.Publisher,
	router *routing.Router,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		router:    router,
		logger:    logger.With(zap.String("component", "dispatcher")),
	}
}

type SubmitInput struct {
	Prompt         string
	ConversationID string
	ModelSpec      string
}

type SubmitResult struct {
	BatchID        string
	ConversationID string
	TaskIDs        []string
}

// Submit implements the fan-out contract. Identifiers are returned even
// when some publishes fail; callers discover per-task outcomes by polling.
func (d *Dispatcher) Submit(ctx context.Context, input SubmitInput) (SubmitResult, error) {
	prompt := strings.TrimSpace(input.Prompt)
	if prompt == "" {
		return SubmitResult{}, domain.NewError(domain.CodeValidation, "prompt is required")
	}

	targets, routeErrs, err := d.router.ResolveAll(input.ModelSpec)
	if err != nil {
		return SubmitResult{}, err
	}
	for _, routeErr := range routeErrs {
		d.logger.Info("unroutable model specifier", zap.Error(routeErr))
	}

	conversationID, err := d.resolveConversation(ctx, input.ConversationID, prompt)
	if err != nil {
		return SubmitResult{}, err
	}

	now := time.Now().UTC()
	batch := &domain.ChatBatch{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Prompt:         prompt,
		CreatedAt:      now,
	}

	tasks := make([]domain.Task, 0, len(targets))
	for _, target := range targets {
		task := domain.Task{
			ID:        uuid.NewString(),
			BatchID:   batch.ID,
			ModelName: target.ModelName,
			Stream:    target.Stream,
			CreatedAt: now,
			UpdatedAt: now,
		}
		task.IdempotencyKey = domain.IdempotencyKey(task.ID)
		if target.Stream == "" {
			// Unroutable specifiers become terminal rows up front; no
			// broker entry is ever published for them.
			task.Status = domain.TaskStatusFailed
			task.Reason = domain.ReasonUnsupportedModel
			task.ErrorMessage = "unsupported model: " + target.ModelName
		} else {
			task.Status = domain.TaskStatusQueued
		}
		tasks = append(tasks, task)
	}

	if err := d.store.CreateBatch(ctx, batch, tasks); err != nil {
		return SubmitResult{}, domain.WrapError(domain.CodeInternal, "create batch", err)
	}

	d.publishQueued(ctx, batch, tasks)

	taskIDs := make([]string, 0, len(tasks))
	for _, task := range tasks {
		taskIDs = append(taskIDs, task.ID)
	}
	return SubmitResult{
		BatchID:        batch.ID,
		ConversationID: conversationID,
		TaskIDs:        taskIDs,
	}, nil
}

func (d *Dispatcher) resolveConversation(ctx context.Context, conversationID, prompt string) (string, error) {
	if strings.TrimSpace(conversationID) != "" {
		if _, err := d.store.GetConversation(ctx, conversationID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return "", domain.NewError(domain.CodeNotFound, "conversation not found")
			}
			return "", domain.WrapError(domain.CodeInternal, "load conversation", err)
		}
		return conversationID, nil
	}

	now := time.Now().UTC()
	conversation := &domain.Conversation{
		ID:        uuid.NewString(),
		Title:     truncateTitle(prompt),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.store.CreateConversation(ctx, conversation); err != nil {
		return "", domain.WrapError(domain.CodeInternal, "create conversation", err)
	}
	return conversation.ID, nil
}

// publishQueued publishes one entry per queued task, grouped per stream so
// each stream gets a single pipelined round trip. Failures are per-task:
// the task stays queued for later reconciliation, siblings are unaffected,
// and the submit itself never fails here.
func (d *Dispatcher) publishQueued(ctx context.Context, batch *domain.ChatBatch, tasks []domain.Task) {
	byStream := make(map[string][]int)
	for i, task := range tasks {
		if task.Status == domain.TaskStatusQueued {
			byStream[task.Stream] = append(byStream[task.Stream], i)
		}
	}

	for stream, indexes := range byStream {
		entries := make([]domain.TaskEntry, 0, len(indexes))
		for _, i := range indexes {
			entries = append(entries, domain.TaskEntry{
				TaskID:         tasks[i].ID,
				BatchID:        batch.ID,
				ModelName:      tasks[i].ModelName,
				Prompt:         batch.Prompt,
				ConversationID: batch.ConversationID,
				IdempotencyKey: tasks[i].IdempotencyKey,
			})
		}

		results := d.publisher.PublishBatch(ctx, stream, entries)
		for j, publishErr := range results {
			task := tasks[indexes[j]]
			if publishErr != nil {
				d.logger.Error("publish failed, task left queued",
					zap.String("task_id", task.ID),
					zap.String("stream", stream),
					zap.Error(publishErr),
				)
				continue
			}
			// Best effort; a failure here leaves the task queued and the
			// entry outstanding, which the worker path tolerates.
			if err := d.store.MarkDispatched(ctx, task.ID); err != nil {
				d.logger.Warn("mark dispatched failed",
					zap.String("task_id", task.ID),
					zap.Error(err),
				)
			}
		}
	}
}

func truncateTitle(prompt string) string {
	const limit = 64
	runes := []rune(prompt)
	if len(runes) <= limit {
		return prompt
	}
	return string(runes[:limit])
}
