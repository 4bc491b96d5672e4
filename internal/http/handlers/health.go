package handlers

import (
	"net/http"
	"time"
)

func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "ai-chat-dispatch",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}
