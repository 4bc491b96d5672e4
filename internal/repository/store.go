package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/renwei/ai-chat-dispatch/internal/domain"
)

var ErrNotFound = errors.New("resource not found")

// Store abstracts persistence for conversations, batches and tasks.
//
// CreateBatch is the dispatcher's unit of atomicity: the batch row, every
// task row and the user turn commit together or not at all. Task status
// transitions past creation go through the Mark/Claim methods so their
// conditions stay in one place.
type Store interface {
	CreateConversation(ctx context.Context, conversation *domain.Conversation) error
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)
	TouchConversation(ctx context.Context, conversationID string) error
	ListTurns(ctx context.Context, conversationID string) ([]domain.Turn, error)

	CreateBatch(ctx context.Context, batch *domain.ChatBatch, tasks []domain.Task) error
	GetBatch(ctx context.Context, batchID string) (*domain.ChatBatch, error)
	ListTasks(ctx context.Context, batchID string) ([]domain.Task, error)
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)

	// MarkDispatched transitions queued -> dispatched after a successful
	// publish. It is a no-op if the task already moved on.
	MarkDispatched(ctx context.Context, taskID string) error
	// ClaimTask atomically transitions any non-terminal task to processing
	// and records the claiming worker. Returns false when the task is
	// already terminal, the idempotency short-circuit.
	ClaimTask(ctx context.Context, taskID, workerID string) (bool, error)
	// IncrementAttempts bumps the attempt counter and returns the new value.
	IncrementAttempts(ctx context.Context, taskID string) (int, error)
	MarkSucceeded(ctx context.Context, taskID, responseText string, costTime float64) error
	MarkFailed(ctx context.Context, taskID string, reason domain.FailureReason, errorMessage string) error

	// RecordAssistantTurn appends the batch's chosen response to the
	// conversation history. At most one assistant turn per batch; later
	// calls for the same batch are silently dropped.
	RecordAssistantTurn(ctx context.Context, conversationID, batchID, text string) error
}

// MemoryStore keeps everything in maps for local development and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*domain.Conversation
	batches       map[string]*domain.ChatBatch
	tasks         map[string]*domain.Task
	taskOrder     map[string][]string
	turns         map[string][]domain.Turn
	assistantSeen map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*domain.Conversation),
		batches:       make(map[string]*domain.ChatBatch),
		tasks:         make(map[string]*domain.Task),
		taskOrder:     make(map[string][]string),
		turns:         make(map[string][]domain.Turn),
		assistantSeen: make(map[string]struct{}),
	}
}

func (s *MemoryStore) CreateConversation(_ context.Context, conversation *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *conversation
	s.conversations[conversation.ID] = &clone
	return nil
}

func (s *MemoryStore) GetConversation(_ context.Context, conversationID string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conversation, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *conversation
	return &clone, nil
}

func (s *MemoryStore) TouchConversation(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conversation, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	conversation.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListTurns(_ context.Context, conversationID string) ([]domain.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}
	turns := make([]domain.Turn, len(s.turns[conversationID]))
	copy(turns, s.turns[conversationID])
	sort.SliceStable(turns, func(i, j int) bool {
		return turns[i].CreatedAt.Before(turns[j].CreatedAt)
	})
	return turns, nil
}

func (s *MemoryStore) CreateBatch(_ context.Context, batch *domain.ChatBatch, tasks []domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[batch.ConversationID]; !ok {
		return ErrNotFound
	}

	batchClone := *batch
	s.batches[batch.ID] = &batchClone
	order := make([]string, 0, len(tasks))
	for i := range tasks {
		clone := tasks[i]
		s.tasks[clone.ID] = &clone
		order = append(order, clone.ID)
	}
	s.taskOrder[batch.ID] = order
	s.turns[batch.ConversationID] = append(s.turns[batch.ConversationID], domain.Turn{
		ConversationID: batch.ConversationID,
		Role:           domain.RoleUser,
		Text:           batch.Prompt,
		CreatedAt:      batch.CreatedAt,
	})
	return nil
}

func (s *MemoryStore) GetBatch(_ context.Context, batchID string) (*domain.ChatBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *batch
	return &clone, nil
}

func (s *MemoryStore) ListTasks(_ context.Context, batchID string) ([]domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.batches[batchID]; !ok {
		return nil, ErrNotFound
	}
	tasks := make([]domain.Task, 0, len(s.taskOrder[batchID]))
	for _, taskID := range s.taskOrder[batchID] {
		tasks = append(tasks, *s.tasks[taskID])
	}
	return tasks, nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *task
	return &clone, nil
}

func (s *MemoryStore) MarkDispatched(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if task.Status == domain.TaskStatusQueued {
		task.Status = domain.TaskStatusDispatched
		task.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) ClaimTask(_ context.Context, taskID, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return false, ErrNotFound
	}
	if task.Status.Terminal() {
		return false, nil
	}
	task.Status = domain.TaskStatusProcessing
	task.WorkerID = workerID
	task.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) IncrementAttempts(_ context.Context, taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return 0, ErrNotFound
	}
	task.Attempts++
	task.UpdatedAt = time.Now().UTC()
	return task.Attempts, nil
}

func (s *MemoryStore) MarkSucceeded(_ context.Context, taskID, responseText string, costTime float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if task.Status.Terminal() {
		return nil
	}
	task.Status = domain.TaskStatusSucceeded
	task.ResponseText = responseText
	task.CostTime = costTime
	task.Reason = ""
	task.ErrorMessage = ""
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, taskID string, reason domain.FailureReason, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if task.Status.Terminal() {
		return nil
	}
	task.Status = domain.TaskStatusFailed
	task.Reason = reason
	task.ErrorMessage = errorMessage
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) RecordAssistantTurn(_ context.Context, conversationID, batchID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.assistantSeen[batchID]; seen {
		return nil
	}
	s.assistantSeen[batchID] = struct{}{}
	s.turns[conversationID] = append(s.turns[conversationID], domain.Turn{
		ConversationID: conversationID,
		Role:           domain.RoleAssistant,
		Text:           text,
		CreatedAt:      time.Now().UTC(),
	})
	return nil
}
