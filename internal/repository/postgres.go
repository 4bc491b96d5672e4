package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/renwei/ai-chat-dispatch/internal/domain"
)

//go:embed schema.sql
var schemaDDL string

// PostgresStore implements Store on a pgx connection pool. The pool is
// shared between the dispatcher and the aggregator read path; pgx checks
// connection liveness on acquire, so idle drops are recovered transparently.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	store := &PostgresStore{pool: pool}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, conversation *domain.Conversation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ai_conversations (id, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
	`, conversation.ID, conversation.Title, conversation.CreatedAt, conversation.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	var conversation domain.Conversation
	err := s.pool.QueryRow(ctx, `
		SELECT id, title, created_at, updated_at
		FROM ai_conversations
		WHERE id = $1
	`, conversationID).Scan(
		&conversation.ID,
		&conversation.Title,
		&conversation.CreatedAt,
		&conversation.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	return &conversation, nil
}

func (s *PostgresStore) TouchConversation(ctx context.Context, conversationID string) error {
	command, err := s.pool.Exec(ctx, `
		UPDATE ai_conversations SET updated_at = $2 WHERE id = $1
	`, conversationID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListTurns(ctx context.Context, conversationID string) ([]domain.Turn, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT conversation_id, role, text, created_at
		FROM conversation_turns
		WHERE conversation_id = $1
		ORDER BY id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	turns := make([]domain.Turn, 0)
	for rows.Next() {
		var turn domain.Turn
		var role string
		if err := rows.Scan(&turn.ConversationID, &role, &turn.Text, &turn.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turn.Role = domain.TurnRole(role)
		turns = append(turns, turn)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate turns: %w", rows.Err())
	}
	return turns, nil
}

// CreateBatch inserts the batch row, all task rows and the user turn in a
// single transaction. A failure rolls everything back; no partial fan-out
// is ever visible.
func (s *PostgresStore) CreateBatch(ctx context.Context, batch *domain.ChatBatch, tasks []domain.Task) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO chat_batches (id, conversation_id, prompt, created_at)
		VALUES ($1, $2, $3, $4)
	`, batch.ID, batch.ConversationID, batch.Prompt, batch.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	for _, task := range tasks {
		_, err = tx.Exec(ctx, `
			INSERT INTO ai_tasks (
				id, batch_id, model_name, stream, status, reason,
				error_message, attempts, idempotency_key, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`,
			task.ID,
			task.BatchID,
			task.ModelName,
			task.Stream,
			string(task.Status),
			string(task.Reason),
			task.ErrorMessage,
			task.Attempts,
			task.IdempotencyKey,
			task.CreatedAt,
			task.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert task %s: %w", task.ID, err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO conversation_turns (conversation_id, batch_id, role, text, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, batch.ConversationID, batch.ID, string(domain.RoleUser), batch.Prompt, batch.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user turn: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, batchID string) (*domain.ChatBatch, error) {
	var batch domain.ChatBatch
	err := s.pool.QueryRow(ctx, `
		SELECT id, conversation_id, prompt, created_at
		FROM chat_batches
		WHERE id = $1
	`, batchID).Scan(&batch.ID, &batch.ConversationID, &batch.Prompt, &batch.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query batch: %w", err)
	}
	return &batch, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, batchID string) ([]domain.Task, error) {
	if _, err := s.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, batch_id, model_name, stream, status, reason, response_text,
		       error_message, cost_time, worker_id, attempts, idempotency_key,
		       created_at, updated_at
		FROM ai_tasks
		WHERE batch_id = $1
		ORDER BY seq
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]domain.Task, 0, 4)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate tasks: %w", rows.Err())
	}
	return tasks, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, batch_id, model_name, stream, status, reason, response_text,
		       error_message, cost_time, worker_id, attempts, idempotency_key,
		       created_at, updated_at
		FROM ai_tasks
		WHERE id = $1
	`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &task, nil
}

func (s *PostgresStore) MarkDispatched(ctx context.Context, taskID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ai_tasks
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4
	`, taskID, string(domain.TaskStatusDispatched), time.Now().UTC(), string(domain.TaskStatusQueued))
	if err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}
	return nil
}

// ClaimTask is the atomic claim: the conditional update means racing
// duplicate deliveries observe terminal state instead of re-running work.
func (s *PostgresStore) ClaimTask(ctx context.Context, taskID, workerID string) (bool, error) {
	command, err := s.pool.Exec(ctx, `
		UPDATE ai_tasks
		SET status = $2, worker_id = $3, updated_at = $4
		WHERE id = $1 AND status = ANY($5)
	`,
		taskID,
		string(domain.TaskStatusProcessing),
		workerID,
		time.Now().UTC(),
		statusStrings(domain.NonTerminalStatuses),
	)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	return command.RowsAffected() > 0, nil
}

func (s *PostgresStore) IncrementAttempts(ctx context.Context, taskID string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE ai_tasks
		SET attempts = attempts + 1, updated_at = $2
		WHERE id = $1
		RETURNING attempts
	`, taskID, time.Now().UTC()).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return attempts, nil
}

func (s *PostgresStore) MarkSucceeded(ctx context.Context, taskID, responseText string, costTime float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ai_tasks
		SET status = $2, response_text = $3, cost_time = $4,
		    reason = '', error_message = '', updated_at = $5
		WHERE id = $1 AND NOT (status = ANY($6))
	`,
		taskID,
		string(domain.TaskStatusSucceeded),
		responseText,
		costTime,
		time.Now().UTC(),
		terminalStatusStrings(),
	)
	if err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, taskID string, reason domain.FailureReason, errorMessage string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ai_tasks
		SET status = $2, reason = $3, error_message = $4, updated_at = $5
		WHERE id = $1 AND NOT (status = ANY($6))
	`,
		taskID,
		string(domain.TaskStatusFailed),
		string(reason),
		errorMessage,
		time.Now().UTC(),
		terminalStatusStrings(),
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordAssistantTurn(ctx context.Context, conversationID, batchID, text string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_turns (conversation_id, batch_id, role, text, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (batch_id) WHERE role = 'assistant' DO NOTHING
	`, conversationID, batchID, string(domain.RoleAssistant), text, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record assistant turn: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		task   domain.Task
		status string
		reason string
	)
	err := row.Scan(
		&task.ID,
		&task.BatchID,
		&task.ModelName,
		&task.Stream,
		&status,
		&reason,
		&task.ResponseText,
		&task.ErrorMessage,
		&task.CostTime,
		&task.WorkerID,
		&task.Attempts,
		&task.IdempotencyKey,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return domain.Task{}, err
	}
	task.Status = domain.TaskStatus(status)
	task.Reason = domain.FailureReason(reason)
	return task, nil
}

func statusStrings(statuses []domain.TaskStatus) []string {
	out := make([]string, len(statuses))
	for i, status := range statuses {
		out[i] = string(status)
	}
	return out
}

func terminalStatusStrings() []string {
	return []string{string(domain.TaskStatusSucceeded), string(domain.TaskStatusFailed)}
}
