package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ollamabridge/internal/config"
	"ollamabridge/internal/handlers"
	"ollamabridge/internal/middleware"
	"ollamabridge/internal/ollama"
	"ollamabridge/internal/router"
	"ollamabridge/internal/services"
	"ollamabridge/internal/websocket"
	"ollamabridge/internal/worker"
)

func runServe(cmd *cobra.Command, args []string) error {
	logger.Info("starting ollamabridge", zap.String("version", version))

	// ──── Step 1: Load Configuration ────
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("port", cfg.Port),
		zap.String("upstream", cfg.BaseURL))

	// ──── Step 2: Initialize Ollama Client ────
	client := ollama.NewClient(ollama.Options{
		BaseURL:        cfg.BaseURL,
		RequestTimeout: cfg.RequestTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
		MaxConcurrent:  cfg.MaxConcurrent,
	}, logger.Named("ollama"))
	defer client.Close()

	// ──── Step 3: Start Worker Pool ────
	pool := worker.NewPool(cfg.WorkerCount, cfg.WorkerCount*4, logger.Named("worker"))
	pool.Start()
	defer pool.Stop()
	logger.Info("worker pool started", zap.Int("workers", cfg.WorkerCount))

	// ──── Step 4: Initialize Services ────
	assistant := services.NewAssistantService(client, pool, services.AssistantOptions{
		DefaultModel:     cfg.DefaultModel,
		AllowedModels:    cfg.AllowedModels,
		Temperature:      cfg.Temperature,
		MaxTokens:        cfg.MaxTokens,
		MaxMessageLength: cfg.MaxMessageLength,
		AnalyzeTimeout:   cfg.AnalyzeTimeout,
		ModelOptions:     cfg.ModelOptions,
	}, logger.Named("assistant"))

	// Warm the upstream connection and model cache off the startup path.
	pool.Submit(worker.Task{Name: "warmup", Run: func(ctx context.Context) {
		warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := client.VerifyConnection(warmCtx); err != nil {
			logger.Warn("upstream not reachable yet", zap.Error(err))
			return
		}
		logger.Info("upstream verified")
	}})

	// ──── Step 5: Auth & Rate Limiting ────
	var jwtAuth *middleware.JWTAuth
	if cfg.AuthEnabled() {
		jwtAuth = middleware.NewJWTAuth(cfg.JWTSecret)
		logger.Info("authentication enabled")
	} else {
		logger.Warn("authentication disabled; set JWT_SECRET and API_KEY to enable")
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute, time.Minute)
	defer limiter.Stop()

	// ──── Step 6: Start HTTP Server ────
	r := router.New(
		logger.Named("http"),
		cfg.CORSAllowedOrigins,
		limiter,
		jwtAuth,
		handlers.NewAuthHandler(jwtAuth, cfg.APIKey),
		handlers.NewChatHandler(assistant, logger.Named("chat"), cfg.ResponseChunkSize, cfg.PaginationEnabled),
		handlers.NewAnalyzeHandler(assistant),
		handlers.NewEmbeddingsHandler(assistant),
		handlers.NewModelsHandler(assistant),
		handlers.NewStatusHandler(assistant),
		websocket.NewChatStreamer(assistant, logger.Named("ws"), cfg.ResponseChunkSize, cfg.PaginationEnabled),
	)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: SSE responses stay open for the duration of
		// a completion.
		IdleTimeout: 60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn("shutdown did not drain cleanly", zap.Error(err))
		}
	}()

	logger.Info("ollamabridge ready",
		zap.String("api", fmt.Sprintf("http://localhost:%s/api/v1", cfg.Port)),
		zap.String("ws", fmt.Sprintf("ws://localhost:%s/api/v1/ws", cfg.Port)))

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	<-done
	return nil
}
