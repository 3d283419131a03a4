package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quillstone/chatrecall/internal/api"
	"github.com/quillstone/chatrecall/internal/api/handlers"
	"github.com/quillstone/chatrecall/internal/api/middleware"
)

type RouterConfig struct {
	EventHandler *handlers.EventHandler
	AskHandler   *handlers.AskHandler
	ChunkHandler *handlers.ChunkHandler
	WorkHandler  *handlers.WorkHandler
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	const maxBodyBytes int64 = 1 * 1024 * 1024

	r.Use(middleware.RequestID)
	r.Use(middleware.SentryMiddleware)
	r.Use(middleware.AccessLog)
	r.Use(middleware.MaxBodyBytes(maxBodyBytes))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		api.Success(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/events", cfg.EventHandler.Record)

	r.Route("/chats/{chatID}", func(r chi.Router) {
		r.Post("/ask", cfg.AskHandler.Ask)
		r.Get("/status", cfg.AskHandler.Status)
		r.Post("/backfill", cfg.AskHandler.Backfill)
		r.Get("/chunks", cfg.ChunkHandler.List)
	})

	r.Get("/work/failed", cfg.WorkHandler.ListFailed)

	return r
}
