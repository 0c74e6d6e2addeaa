package api

import (
	"net/http"

	"github.com/RichardCYang/NTEOK-sub001/internal/collab"
	"github.com/RichardCYang/NTEOK-sub001/internal/config"
	"github.com/RichardCYang/NTEOK-sub001/internal/middleware"

	"github.com/gorilla/mux"
)

// NewRouter assembles the HTTP surface: the WebSocket endpoint, health, and
// authenticated attachment serving, all behind the recovery/tracing/CORS
// middleware chain.
func NewRouter(cfg *config.Config, hub *collab.Hub, h *Handler) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))

	r.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("nteok sync engine"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/ws", hub.HandleWS)
	r.PathPrefix("/files/").Handler(h.Files())

	return r
}
