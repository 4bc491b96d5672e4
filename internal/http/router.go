package httpserver

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/renwei/ai-chat-dispatch/internal/http/handlers"
	"github.com/renwei/ai-chat-dispatch/internal/http/middleware"
)

type RouterDependencies struct {
	API         *handlers.API
	Logger      *zap.Logger
	CORSOrigins []string
}

func NewRouter(deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", deps.API.Health)
	mux.HandleFunc("/v1/chat/completions", deps.API.Submit)
	mux.HandleFunc("/v1/batches/", deps.API.BatchStatus)
	mux.HandleFunc("/v1/conversations/", deps.API.History)

	handler := http.Handler(mux)
	handler = middleware.CORS(deps.CORSOrigins)(handler)
	handler = middleware.Trace(deps.Logger)(handler)
	handler = middleware.RequestID(handler)
	return handler
}
