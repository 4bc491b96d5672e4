package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/renwei/ai-chat-dispatch/internal/domain"
	"github.com/renwei/ai-chat-dispatch/internal/service"
)

type chatRequest struct {
	Prompt         string `json:"prompt"`
	Model          string `json:"model"`
	ConversationID string `json:"conversation_id"`
}

type chatResponse struct {
	BatchID        string   `json:"batch_id"`
	ConversationID string   `json:"conversation_id"`
	Message        string   `json:"message"`
	TaskIDs        []string `json:"task_ids"`
}

// Submit accepts one chat request fanning out to one or more models.
func (api *API) Submit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var request chatRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}

	result, err := api.dispatcher.Submit(r.Context(), service.SubmitInput{
		Prompt:         request.Prompt,
		ConversationID: request.ConversationID,
		ModelSpec:      request.Model,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		BatchID:        result.BatchID,
		ConversationID: result.ConversationID,
		Message:        "accepted",
		TaskIDs:        result.TaskIDs,
	})
}

type taskResult struct {
	TaskID       string  `json:"task_id"`
	ModelName    string  `json:"model_name"`
	Status       int     `json:"status"`
	TaskStatus   string  `json:"task_status"`
	Reason       string  `json:"reason,omitempty"`
	ResponseText string  `json:"response_text,omitempty"`
	CostTime     float64 `json:"cost_time"`
}

type batchResponse struct {
	BatchID      string       `json:"batch_id"`
	Status       string       `json:"status"`
	Inconsistent bool         `json:"internal_inconsistency,omitempty"`
	Results      []taskResult `json:"results"`
}

// BatchStatus is the poll path; the batch status is derived on every call.
// The numeric per-task status keeps the legacy 0/1 encoding; task_status
// carries the full state so callers can tell failed from still running.
func (api *API) BatchStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	batchID := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/v1/batches/"))
	if batchID == "" || strings.Contains(batchID, "/") {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "batch_id is required")
		return
	}

	view, err := api.reader.BatchStatus(r.Context(), batchID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	results := make([]taskResult, 0, len(view.Tasks))
	for _, task := range view.Tasks {
		numeric := 0
		if task.Status == domain.TaskStatusSucceeded {
			numeric = 1
		}
		results = append(results, taskResult{
			TaskID:       task.ID,
			ModelName:    task.ModelName,
			Status:       numeric,
			TaskStatus:   string(task.Status),
			Reason:       string(task.Reason),
			ResponseText: task.ResponseText,
			CostTime:     task.CostTime,
		})
	}

	writeJSON(w, http.StatusOK, batchResponse{
		BatchID:      view.BatchID,
		Status:       string(view.Status),
		Inconsistent: view.Inconsistent,
		Results:      results,
	})
}

type turnPayload struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// History returns the conversation's ordered turns.
func (api *API) History(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/conversations/")
	conversationID, ok := strings.CutSuffix(rest, "/history")
	conversationID = strings.TrimSpace(conversationID)
	if !ok || conversationID == "" || strings.Contains(conversationID, "/") {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "conversation_id is required")
		return
	}

	turns, err := api.reader.History(r.Context(), conversationID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	payload := make([]turnPayload, 0, len(turns))
	for _, turn := range turns {
		payload = append(payload, turnPayload{
			Role:      string(turn.Role),
			Text:      turn.Text,
			CreatedAt: turn.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"turns":           payload,
	})
}
