package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/renwei/ai-chat-dispatch/internal/domain"
	"github.com/renwei/ai-chat-dispatch/internal/repository"
)

// Reader serves the poll and history paths. Batch status is computed from
// the current task rows on every call, never persisted.
type Reader struct {
	store  repository.Store
	logger *zap.Logger
}

func NewReader(store repository.Store, logger *zap.Logger) *Reader {
	return &Reader{
		store:  store,
		logger: logger.With(zap.String("component", "reader")),
	}
}

type BatchView struct {
	BatchID      string
	Status       domain.BatchStatus
	Inconsistent bool
	Tasks        []domain.Task
}

func (r *Reader) BatchStatus(ctx context.Context, batchID string) (BatchView, error) {
	if _, err := r.store.GetBatch(ctx, batchID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return BatchView{}, domain.NewError(domain.CodeNotFound, "batch not found")
		}
		return BatchView{}, domain.WrapError(domain.CodeInternal, "load batch", err)
	}

	tasks, err := r.store.ListTasks(ctx, batchID)
	if err != nil {
		return BatchView{}, domain.WrapError(domain.CodeInternal, "list tasks", err)
	}

	status, inconsistent := domain.AggregateStatus(tasks)
	if inconsistent {
		// A batch without tasks violates the creation invariant; surface
		// it instead of masking.
		r.logger.Error("batch has zero tasks", zap.String("batch_id", batchID))
	}
	return BatchView{
		BatchID:      batchID,
		Status:       status,
		Inconsistent: inconsistent,
		Tasks:        tasks,
	}, nil
}

func (r *Reader) History(ctx context.Context, conversationID string) ([]domain.Turn, error) {
	turns, err := r.store.ListTurns(ctx, conversationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.NewError(domain.CodeNotFound, "conversation not found")
		}
		return nil, domain.WrapError(domain.CodeInternal, "list turns", err)
	}
	return turns, nil
}
