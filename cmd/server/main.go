package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vibez/internal/assistant"
	"vibez/internal/chat"
	"vibez/internal/config"
	"vibez/internal/db"
	"vibez/internal/id"
	"vibez/internal/logging"
	myMiddleware "vibez/internal/middleware"
	"vibez/internal/user"
)

func main() {
	// 1. Config & Flags
	addr := flag.String("addr", ":8080", "http service address")
	dev := flag.Bool("dev", false, "human-readable logs")
	noRedis := flag.Bool("no-redis", false, "deliver changes on this instance only")
	flag.Parse()

	cfg, err := config.LoadServer(*addr)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, *dev)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	defer logger.Sync()

	if err := id.Init(cfg.NodeID); err != nil {
		logger.Fatal("snowflake node", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Database (Platform Layer)
	database, err := db.NewDatabase(ctx, cfg.DSN)
	if err != nil {
		logger.Fatal("failed to connect to PostgreSQL", zap.Error(err))
	}
	defer database.Close()
	logger.Info("✅ Connected to PostgreSQL")

	if err := database.AutoMigrate(ctx, cfg.Assistant.Name); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	logger.Info("✅ Database schema initialized")

	// 3. Connect to Redis (Platform Layer)
	var redisClient *redis.Client
	if !*noRedis {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect to Redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		defer redisClient.Close()
		logger.Info("✅ Connected to Redis", zap.String("addr", cfg.RedisAddr))
	}

	// 4. Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := chat.NewMetrics(registry)

	// 5. Assistant
	var responder assistant.Responder
	switch cfg.Assistant.Provider {
	case "gemini":
		g, err := assistant.NewGemini(ctx, cfg.Assistant.APIKey, cfg.Assistant.Model, cfg.Assistant.Prompt)
		if err != nil {
			logger.Fatal("gemini client", zap.Error(err))
		}
		responder = g
	case "openai":
		o, err := assistant.NewOpenAI(cfg.Assistant.APIKey, cfg.Assistant.BaseURL, cfg.Assistant.Model, cfg.Assistant.Prompt)
		if err != nil {
			logger.Fatal("openai client", zap.Error(err))
		}
		responder = o
	default:
		logger.Info("assistant disabled")
	}

	// 6. Initialize User Feature
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret)
	userHandler := user.NewHandler(userService, logger)

	// 7. Initialize Chat Feature
	chatRepo := chat.NewRepository(database.Conn)
	hub := chat.NewHub(redisClient, logger, metrics)
	go hub.Run(ctx)
	if redisClient != nil {
		go hub.SubscribeToRedis(ctx)
	}
	chatService := chat.NewService(chatRepo, hub, responder, db.AssistantUserID, logger, metrics)
	chatHandler := chat.NewHandler(chatService, hub, logger)

	authMiddleware := myMiddleware.NewAuthMiddleware(userService)
	rateLimiter := myMiddleware.NewRateLimiter(cfg.WriteRPS, cfg.WriteBurst)

	// 8. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)
		chatHandler.Routes(r, rateLimiter.Handle)
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()

	logger.Info("🚀 Server starting", zap.String("addr", cfg.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}

	// Assistant replies still running write to the database; let them finish.
	chatService.Wait()
	logger.Info("server stopped")
}
