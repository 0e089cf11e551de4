package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deepchat-backend/internal/chat"
	"deepchat-backend/internal/config"
	"deepchat-backend/internal/database"
	"deepchat-backend/internal/handlers"
	"deepchat-backend/internal/middleware"
	"deepchat-backend/internal/repository"
	"deepchat-backend/internal/router"
	"deepchat-backend/internal/services"
	"deepchat-backend/internal/websocket"
	"deepchat-backend/internal/worker"
)

func main() {
	log.Println("🚀 Starting DeepChat Backend...")

	// ──── Step 1: Load Environment Variables ────
	cfg := config.Load()
	log.Println("✓ Environment variables loaded")

	// ──── Step 2: Initialize PostgreSQL Connection Pool ────
	pool, err := database.NewPostgresPool(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("✗ PostgreSQL connection failed: %v", err)
	}
	defer pool.Close()
	log.Println("✓ PostgreSQL connected")

	// ──── Step 3: Initialize Redis Clients ────
	redisClients, err := database.NewRedisClients(cfg.RedisURL)
	if err != nil {
		log.Fatalf("✗ Redis connection failed: %v", err)
	}
	defer redisClients.Close()
	log.Println("✓ Redis connected")

	// ──── Step 4: Run Database Migrations ────
	if err := database.RunMigrations(pool, "migrations"); err != nil {
		log.Fatalf("✗ Database migration failed: %v", err)
	}
	log.Println("✓ Database migrations applied")

	// ──── Initialize Repositories ────
	userRepo := repository.NewUserRepo(pool)
	convRepo := repository.NewConversationRepo(pool)
	turnRepo := repository.NewTurnRepo(pool)

	// ──── Step 5: Initialize Inference Client ────
	streamTimeout := time.Duration(cfg.StreamTimeoutSeconds) * time.Second
	deepseek := services.NewDeepSeekService(cfg.DeepSeekAPIKey, cfg.DeepSeekBaseURL, streamTimeout)
	log.Println("✓ DeepSeek client initialized")

	// ──── Initialize Services ────
	jwtAuth := middleware.NewJWTAuth(cfg.JWTSecret)
	authService := services.NewAuthService(userRepo, redisClients.Queue, jwtAuth)

	// ──── Step 6: Start Persistence Retry Pool ────
	retryPool := worker.NewPool(redisClients.Queue, turnRepo, cfg.PersistWorkers)
	retryPool.Start()
	log.Printf("✓ Persistence retry pool started (%d goroutines)", cfg.PersistWorkers)

	// ──── Initialize Chat Registry ────
	registry := chat.NewRegistry(deepseek, turnRepo, retryPool, cfg.SystemPrompt, streamTimeout)

	// ──── Step 7: Start WebSocket Hub ────
	wsHub := websocket.NewHub(redisClients.PubSub, cfg.JWTSecret)
	log.Println("✓ WebSocket hub started")

	// ──── Initialize Handlers ────
	authHandler := handlers.NewAuthHandler(authService)
	conversationHandler := handlers.NewConversationHandler(convRepo, turnRepo, registry)
	chatHandler := handlers.NewChatHandler(convRepo, turnRepo, registry, redisClients.Queue)

	// ──── Step 8: Start HTTP Server ────
	r := router.New(
		jwtAuth,
		authHandler,
		conversationHandler,
		chatHandler,
		wsHub,
		cfg.FrontendURL,
	)

	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		// Write timeout must outlive the longest generation stream.
		WriteTimeout: streamTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down...")
		retryPool.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	log.Printf("✓ DeepChat Backend ready on http://localhost:%s", cfg.Port)
	log.Printf("  API: http://localhost:%s/api/v1", cfg.Port)
	log.Printf("  WS:  ws://localhost:%s/api/v1/ws", cfg.Port)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
