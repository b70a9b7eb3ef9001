package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"messenger-api/internal/handlers"
)

func NewRouter(h *handlers.ChatHandler, wsHandler *handlers.WebSocketHandler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
			ExposedHeaders:   []string{"Link"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Post("/users", h.CreateUser)

	r.Post("/conversations", h.CreateConversation)
	r.Get("/conversations", h.ListConversations)

	r.Route("/messages", func(r chi.Router) {
		r.Post("/", h.CreateMessage)
		r.Get("/", h.ListMessages)
		r.Patch("/{messageId}", h.UpdateMessage)
		r.Delete("/{messageId}", h.DeleteMessage)
		r.Post("/{messageId}/reactions", h.ToggleReaction)
	})

	// リアルタイムチャネル（join/typingとサーバーからの通知）
	r.Get("/ws", wsHandler.HandleWebSocket)

	return r
}
