package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusDispatched TaskStatus = "dispatched"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusSucceeded  TaskStatus = "succeeded"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status can never change again.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed
}

// NonTerminalStatuses are the statuses a worker claim may transition from.
var NonTerminalStatuses = []TaskStatus{
	TaskStatusQueued,
	TaskStatusDispatched,
	TaskStatusProcessing,
}

type BatchStatus string

const (
	BatchStatusProcessing BatchStatus = "PROCESSING"
	BatchStatusCompleted  BatchStatus = "COMPLETED"
	BatchStatusPartial    BatchStatus = "PARTIAL"
	BatchStatusFailed     BatchStatus = "FAILED"
)

// FailureReason classifies why a task ended in failed state.
type FailureReason string

const (
	ReasonUnsupportedModel FailureReason = "UNSUPPORTED_MODEL"
	ReasonSoftRejection    FailureReason = "SOFT_REJECTION"
	ReasonExhaustedRetries FailureReason = "EXHAUSTED_RETRIES"
	ReasonBackendError     FailureReason = "BACKEND_ERROR"
)

type TurnRole string

const (
	RoleUser      TurnRole = "user"
	RoleAssistant TurnRole = "assistant"
)

// Conversation groups batches that share chat context.
type Conversation struct {
	ID        string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Turn is one entry of a conversation's ordered history.
type Turn struct {
	ConversationID string
	Role           TurnRole
	Text           string
	CreatedAt      time.Time
}

// ChatBatch is one user submission and its full fan-out. Its status is
// always derived from its tasks, never stored.
type ChatBatch struct {
	ID             string
	ConversationID string
	Prompt         string
	CreatedAt      time.Time
}

// Task is one model-specific unit of work within a batch.
type Task struct {
	ID             string
	BatchID        string
	ModelName      string
	Stream         string
	Status         TaskStatus
	Reason         FailureReason
	ResponseText   string
	ErrorMessage   string
	CostTime       float64
	WorkerID       string
	Attempts       int
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IdempotencyKey derives the stable redelivery key for a task. It depends
// only on the task identity, never on the attempt count.
func IdempotencyKey(taskID string) string {
	sum := sha256.Sum256([]byte("task:" + taskID))
	return hex.EncodeToString(sum[:16])
}

// TaskEntry is the broker wire schema, one entry per dispatched task.
type TaskEntry struct {
	TaskID         string `json:"task_id"`
	BatchID        string `json:"batch_id"`
	ModelName      string `json:"model_identifier"`
	Prompt         string `json:"prompt"`
	ConversationID string `json:"conversation_context_ref"`
	IdempotencyKey string `json:"idempotency_key"`
}
