package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/renwei/ai-chat-dispatch/internal/backend"
	"github.com/renwei/ai-chat-dispatch/internal/broker"
	"github.com/renwei/ai-chat-dispatch/internal/domain"
	"github.com/renwei/ai-chat-dispatch/internal/repository"
)

type ProcessorConfig struct {
	// WorkerID is the consumer name; it must be stable across restarts of
	// the same logical worker so RecoverPending finds its own entries.
	WorkerID    string
	MaxAttempts int
	// BackendRPS paces calls to the model backend. Zero disables pacing.
	BackendRPS float64
}

// Processor is the per-family worker runtime: it recovers the pending
// entries a crashed prior instance left behind, then consumes new entries,
// running every delivery through the same idempotent processing path.
type Processor struct {
	consumer broker.Consumer
	store    repository.Store
	client   backend.Client
	refusal  *backend.RefusalClassifier
	limiter  *rate.Limiter
	cfg      ProcessorConfig
	logger   *zap.Logger
}

func NewProcessor(
	consumer broker.Consumer,
	store repository.Store,
	client backend.Client,
	refusal *backend.RefusalClassifier,
	cfg ProcessorConfig,
	logger *zap.Logger,
) *Processor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	var limiter *rate.Limiter
	if cfg.BackendRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.BackendRPS), 1)
	}
	return &Processor{
		consumer: consumer,
		store:    store,
		client:   client,
		refusal:  refusal,
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "worker"), zap.String("worker_id", cfg.WorkerID)),
	}
}

// Run executes the startup recovery pass, then the steady-state consume
// loop until ctx is cancelled. Consume errors back off and retry; the
// loop only exits with the context.
func (p *Processor) Run(ctx context.Context) error {
	recovered, err := p.consumer.RecoverPending(ctx, p.Handle)
	if err != nil {
		p.logger.Error("pending-entry recovery failed", zap.Error(err))
	}
	if recovered > 0 {
		p.logger.Info("recovered pending entries", zap.Int("count", recovered))
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := p.consumer.Consume(ctx, p.Handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Error("consume loop error, restarting", zap.Error(err))

		timer := time.NewTimer(2 * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Handle processes one delivery. Returning nil acknowledges the entry;
// broker.ErrRetryLater (or any other error) leaves it pending so the
// reclaim mechanism redelivers it after the inactivity window.
//
// The terminal re-read plus the atomic claim make the path idempotent:
// however often the same entry is delivered, at most one durable
// transition past processing happens.
func (p *Processor) Handle(ctx context.Context, delivery broker.Delivery) error {
	entry := delivery.Entry

	task, err := p.store.GetTask(ctx, entry.TaskID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Entry references a task that no longer exists; nothing to
			// process, drop it.
			p.logger.Warn("entry for unknown task", zap.String("task_id", entry.TaskID))
			return nil
		}
		return fmt.Errorf("load task %s: %w", entry.TaskID, err)
	}
	if task.Status.Terminal() {
		// Duplicate delivery after a reclaim race; acknowledge without
		// touching the backend.
		p.logger.Debug("task already terminal, ack only",
			zap.String("task_id", task.ID),
			zap.String("status", string(task.Status)),
		)
		return nil
	}

	claimed, err := p.store.ClaimTask(ctx, task.ID, p.cfg.WorkerID)
	if err != nil {
		return fmt.Errorf("claim task %s: %w", task.ID, err)
	}
	if !claimed {
		return nil
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("backend pacing: %w", err)
		}
	}

	start := time.Now()
	responseText, err := p.client.Generate(ctx, backend.Request{
		Model:          entry.ModelName,
		Prompt:         entry.Prompt,
		ConversationID: entry.ConversationID,
	})
	costTime := roundSeconds(time.Since(start))

	if err != nil {
		return p.handleBackendError(ctx, task.ID, err)
	}

	if p.refusal != nil && p.refusal.IsRefusal(responseText) {
		p.logger.Warn("soft refusal detected", zap.String("task_id", task.ID))
		if err := p.store.MarkFailed(ctx, task.ID, domain.ReasonSoftRejection, clip(responseText, 200)); err != nil {
			return fmt.Errorf("mark soft rejection %s: %w", task.ID, err)
		}
		return nil
	}

	if err := p.store.MarkSucceeded(ctx, task.ID, responseText, costTime); err != nil {
		// Never acknowledge before the outcome is durably committed.
		return fmt.Errorf("mark succeeded %s: %w", task.ID, err)
	}

	p.recordHistory(ctx, entry, responseText)
	p.logger.Info("task completed",
		zap.String("task_id", task.ID),
		zap.Float64("cost_time", costTime),
	)
	return nil
}

func (p *Processor) handleBackendError(ctx context.Context, taskID string, backendErr error) error {
	if !backend.IsTransient(backendErr) {
		if err := p.store.MarkFailed(ctx, taskID, domain.ReasonBackendError, backendErr.Error()); err != nil {
			return fmt.Errorf("mark failed %s: %w", taskID, err)
		}
		p.logger.Warn("task failed permanently", zap.String("task_id", taskID), zap.Error(backendErr))
		return nil
	}

	attempts, err := p.store.IncrementAttempts(ctx, taskID)
	if err != nil {
		return fmt.Errorf("increment attempts %s: %w", taskID, err)
	}
	if attempts >= p.cfg.MaxAttempts {
		if err := p.store.MarkFailed(ctx, taskID, domain.ReasonExhaustedRetries, backendErr.Error()); err != nil {
			return fmt.Errorf("mark exhausted %s: %w", taskID, err)
		}
		p.logger.Warn("retry ceiling exceeded",
			zap.String("task_id", taskID),
			zap.Int("attempts", attempts),
		)
		return nil
	}

	p.logger.Info("transient backend error, awaiting redelivery",
		zap.String("task_id", taskID),
		zap.Int("attempts", attempts),
		zap.Error(backendErr),
	)
	return fmt.Errorf("attempt %d of %d: %w", attempts, p.cfg.MaxAttempts, broker.ErrRetryLater)
}

// recordHistory appends the chosen response and bumps the conversation.
// Best effort: the task outcome is already durable.
func (p *Processor) recordHistory(ctx context.Context, entry domain.TaskEntry, responseText string) {
	if entry.ConversationID == "" {
		return
	}
	if err := p.store.RecordAssistantTurn(ctx, entry.ConversationID, entry.BatchID, responseText); err != nil {
		p.logger.Warn("record assistant turn failed", zap.String("batch_id", entry.BatchID), zap.Error(err))
	}
	if err := p.store.TouchConversation(ctx, entry.ConversationID); err != nil {
		p.logger.Warn("touch conversation failed", zap.String("conversation_id", entry.ConversationID), zap.Error(err))
	}
}

func roundSeconds(elapsed time.Duration) float64 {
	return math.Round(elapsed.Seconds()*100) / 100
}

func clip(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit]) + "..."
}
