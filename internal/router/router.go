package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"ollamabridge/internal/handlers"
	"ollamabridge/internal/middleware"
	"ollamabridge/internal/websocket"
)

func New(
	logger *zap.Logger,
	corsOrigins []string,
	limiter *middleware.RateLimiter,
	jwtAuth *middleware.JWTAuth,
	authHandler *handlers.AuthHandler,
	chatHandler *handlers.ChatHandler,
	analyzeHandler *handlers.AnalyzeHandler,
	embeddingsHandler *handlers.EmbeddingsHandler,
	modelsHandler *handlers.ModelsHandler,
	statusHandler *handlers.StatusHandler,
	chatStreamer *websocket.ChatStreamer,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}).Handler)

	// Health check, exempt from rate limiting and auth
	r.Get("/health", handlers.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(limiter.Middleware)

		// ──── Auth Routes (public) ────
		r.Route("/auth", func(r chi.Router) {
			r.Post("/token", authHandler.Token)
		})

		// ──── Assistant Routes ────
		r.Group(func(r chi.Router) {
			if jwtAuth != nil {
				r.Use(jwtAuth.Middleware)
			}

			r.Post("/chat", chatHandler.Completion)
			r.Post("/analyze", analyzeHandler.Analyze)
			r.Post("/embeddings", embeddingsHandler.Embed)
			r.Get("/models", modelsHandler.List)
			r.Get("/status", statusHandler.Status)

			// ──── WebSocket ────
			r.Get("/ws", chatStreamer.HandleWebSocket)
		})
	})

	return r
}
