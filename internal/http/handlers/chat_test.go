package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/renwei/ai-chat-dispatch/internal/broker"
	"github.com/renwei/ai-chat-dispatch/internal/domain"
	"github.com/renwei/ai-chat-dispatch/internal/repository"
	"github.com/renwei/ai-chat-dispatch/internal/routing"
	"github.com/renwei/ai-chat-dispatch/internal/service"
)

func newTestAPI(t *testing.T) (*API, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	router, err := routing.NewRouter(routing.DefaultRules())
	require.NoError(t, err)
	publisher := broker.NewLocalBroker(64, zap.NewNop())
	dispatcher := service.NewDispatcher(store, publisher, router, zap.NewNop())
	reader := service.NewReader(store, zap.NewNop())
	return NewAPI(dispatcher, reader), store
}

func doSubmit(t *testing.T, api *API, body string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	recorder := httptest.NewRecorder()
	api.Submit(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, value any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(value))
}

func TestSubmitAcceptsFanOut(t *testing.T) {
	api, _ := newTestAPI(t)

	recorder := doSubmit(t, api, `{"prompt":"compare yourselves","model":"gemini-a,deepseek-b"}`)
	require.Equal(t, http.StatusOK, recorder.Code)

	var response chatResponse
	decodeBody(t, recorder, &response)
	assert.NotEmpty(t, response.BatchID)
	assert.NotEmpty(t, response.ConversationID)
	assert.Equal(t, "accepted", response.Message)
	assert.Len(t, response.TaskIDs, 2)
}

func TestSubmitRejectsMissingPrompt(t *testing.T) {
	api, _ := newTestAPI(t)

	recorder := doSubmit(t, api, `{"prompt":"  ","model":"gemini-a"}`)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestSubmitRejectsMissingModel(t *testing.T) {
	api, _ := newTestAPI(t)

	recorder := doSubmit(t, api, `{"prompt":"hello","model":""}`)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestSubmitRejectsMalformedJSON(t *testing.T) {
	api, _ := newTestAPI(t)

	recorder := doSubmit(t, api, `{"prompt": `)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = doSubmit(t, api, `{"prompt":"x","model":"gemini-a","surprise":true}`)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestSubmitUnknownConversationIs404(t *testing.T) {
	api, _ := newTestAPI(t)

	recorder := doSubmit(t, api, `{"prompt":"hello","model":"gemini-a","conversation_id":"ghost"}`)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestSubmitMethodNotAllowed(t *testing.T) {
	api, _ := newTestAPI(t)

	request := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	recorder := httptest.NewRecorder()
	api.Submit(recorder, request)
	assert.Equal(t, http.StatusMethodNotAllowed, recorder.Code)
}

func pollBatch(t *testing.T, api *API, batchID string) (*httptest.ResponseRecorder, batchResponse) {
	t.Helper()
	request := httptest.NewRequest(http.MethodGet, "/v1/batches/"+batchID, nil)
	recorder := httptest.NewRecorder()
	api.BatchStatus(recorder, request)

	var response batchResponse
	if recorder.Code == http.StatusOK {
		decodeBody(t, recorder, &response)
	}
	return recorder, response
}

func TestBatchStatusUnknownBatchIs404(t *testing.T) {
	api, _ := newTestAPI(t)

	recorder, _ := pollBatch(t, api, "ghost-batch")
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestBatchStatusMissingIDIs400(t *testing.T) {
	api, _ := newTestAPI(t)

	request := httptest.NewRequest(http.MethodGet, "/v1/batches/", nil)
	recorder := httptest.NewRecorder()
	api.BatchStatus(recorder, request)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

// The three-model fan-out from the poll contract: one unroutable specifier
// fails its own task up front, the siblings run to success, and the batch
// settles on PARTIAL rather than COMPLETED.
func TestBatchLifecyclePartialOutcome(t *testing.T) {
	api, store := newTestAPI(t)
	ctx := context.Background()

	recorder := doSubmit(t, api, `{"prompt":"hello","model":"gemini-a,unknown-model,deepseek-b"}`)
	require.Equal(t, http.StatusOK, recorder.Code)

	var submitted chatResponse
	decodeBody(t, recorder, &submitted)
	require.Len(t, submitted.TaskIDs, 3)

	// While the routable tasks are in flight the batch polls PROCESSING.
	_, polled := pollBatch(t, api, submitted.BatchID)
	assert.Equal(t, string(domain.BatchStatusProcessing), polled.Status)

	tasks, err := store.ListTasks(ctx, submitted.BatchID)
	require.NoError(t, err)
	for _, task := range tasks {
		switch task.ModelName {
		case "unknown-model":
			assert.Equal(t, domain.TaskStatusFailed, task.Status)
			assert.Equal(t, domain.ReasonUnsupportedModel, task.Reason)
		default:
			require.NoError(t, store.MarkSucceeded(ctx, task.ID, "reply from "+task.ModelName, 1.25))
		}
	}

	recorder, polled = pollBatch(t, api, submitted.BatchID)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, string(domain.BatchStatusPartial), polled.Status)
	assert.False(t, polled.Inconsistent)
	require.Len(t, polled.Results, 3)

	byModel := make(map[string]taskResult, len(polled.Results))
	for _, result := range polled.Results {
		byModel[result.ModelName] = result
	}

	assert.Equal(t, 1, byModel["gemini-a"].Status)
	assert.Equal(t, "succeeded", byModel["gemini-a"].TaskStatus)
	assert.Equal(t, "reply from gemini-a", byModel["gemini-a"].ResponseText)
	assert.Equal(t, 1.25, byModel["gemini-a"].CostTime)

	assert.Equal(t, 0, byModel["unknown-model"].Status)
	assert.Equal(t, "failed", byModel["unknown-model"].TaskStatus)
	assert.Equal(t, string(domain.ReasonUnsupportedModel), byModel["unknown-model"].Reason)

	assert.Equal(t, 1, byModel["deepseek-b"].Status)
}

func TestHistoryReturnsOrderedTurns(t *testing.T) {
	api, store := newTestAPI(t)
	ctx := context.Background()

	recorder := doSubmit(t, api, `{"prompt":"first question","model":"gemini-a"}`)
	require.Equal(t, http.StatusOK, recorder.Code)

	var submitted chatResponse
	decodeBody(t, recorder, &submitted)
	require.NoError(t, store.RecordAssistantTurn(ctx, submitted.ConversationID, submitted.BatchID, "the reply"))

	request := httptest.NewRequest(http.MethodGet, "/v1/conversations/"+submitted.ConversationID+"/history", nil)
	recorder = httptest.NewRecorder()
	api.History(recorder, request)
	require.Equal(t, http.StatusOK, recorder.Code)

	var payload struct {
		ConversationID string `json:"conversation_id"`
		Turns          []struct {
			Role string `json:"role"`
			Text string `json:"text"`
		} `json:"turns"`
	}
	decodeBody(t, recorder, &payload)
	assert.Equal(t, submitted.ConversationID, payload.ConversationID)
	require.Len(t, payload.Turns, 2)
	assert.Equal(t, "user", payload.Turns[0].Role)
	assert.Equal(t, "first question", payload.Turns[0].Text)
	assert.Equal(t, "assistant", payload.Turns[1].Role)
	assert.Equal(t, "the reply", payload.Turns[1].Text)
}

func TestHistoryUnknownConversationIs404(t *testing.T) {
	api, _ := newTestAPI(t)

	request := httptest.NewRequest(http.MethodGet, "/v1/conversations/ghost/history", nil)
	recorder := httptest.NewRecorder()
	api.History(recorder, request)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestHistoryPathWithoutSuffixIs400(t *testing.T) {
	api, _ := newTestAPI(t)

	request := httptest.NewRequest(http.MethodGet, "/v1/conversations/abc", nil)
	recorder := httptest.NewRecorder()
	api.History(recorder, request)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}
