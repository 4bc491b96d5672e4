package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/renwei/ai-chat-dispatch/internal/domain"
	"github.com/renwei/ai-chat-dispatch/internal/http/middleware"
	"github.com/renwei/ai-chat-dispatch/internal/service"
)

type API struct {
	dispatcher *service.Dispatcher
	reader     *service.Reader
}

func NewAPI(dispatcher *service.Dispatcher, reader *service.Reader) *API {
	return &API{dispatcher: dispatcher, reader: reader}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

// writeDomainError maps the error taxonomy to HTTP statuses. Only
// VALIDATION and NOT_FOUND surface synchronously; everything else is an
// internal failure from the caller's point of view.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch domain.CodeOf(err) {
	case domain.CodeValidation:
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case domain.CodeNotFound:
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal_error", "request failed")
	}
}

func decodeJSON(r *http.Request, value any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(value)
}
