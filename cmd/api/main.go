package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"mining-session-backend/internal/config"
	"mining-session-backend/internal/handlers"
	"mining-session-backend/internal/middleware"
	"mining-session-backend/internal/services"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := services.SystemClock{}
	audit := services.NewAuditLogger(cfg.WorkerID, cfg.AuditLogDir, cfg.AuditStdout, clock)
	defer audit.Stop()

	var redisService *services.RedisService
	if cfg.StoreBackend == "redis" || cfg.RateLimitBackend == "redis" {
		redisService, err = services.NewRedisService(cfg, clock)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisService.Close()
	}

	var store services.SessionStore
	switch cfg.StoreBackend {
	case "redis":
		store = redisService
	case "postgres":
		pool, err := services.NewPostgresPool(ctx, cfg)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		pgStore := services.NewPostgresStore(pool, clock)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to prepare Postgres schema: %v", err)
		}
		defer pgStore.Close()
		store = pgStore
	default:
		audit.Warn("using in-memory session store; state is lost on restart", nil)
		store = services.NewMemoryStore(clock)
	}

	var counter services.WindowCounter
	if cfg.RateLimitBackend == "redis" {
		counter = redisService
	} else {
		counter = services.NewMemoryCounter(clock)
	}

	jwtService := services.NewJWTService(cfg)
	authenticator := services.NewAuthenticator(cfg, jwtService, store, audit, clock)
	limiter := services.NewRateLimiter(cfg, counter, audit)

	hub := handlers.NewWebSocketHub(audit)
	defer hub.Stop()

	engine := services.NewMiningEngine(cfg, store, services.NewAntiCheat(cfg), audit, hub, clock)

	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := engine.SettleExpiredSessions(ctx); err != nil && !errors.Is(err, context.Canceled) {
					audit.Error("expired session sweep failed", services.Fields{"error": err.Error()})
				}
			}
		}
	}()

	miningHandler := handlers.NewMiningHandler(engine)
	healthHandler := handlers.NewHealthHandler(cfg.WorkerID, clock, audit)
	wsHandler := handlers.NewWebSocketHandler(engine, hub, clock, audit)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Device-ID, X-Timestamp, X-Request-Signature")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	router.GET("/health", healthHandler.Health)

	protected := router.Group("/")
	protected.Use(middleware.AuthDelay(cfg.AuthDelayMin, cfg.AuthDelayMax))
	protected.Use(middleware.AuthMiddleware(authenticator))
	{
		protected.POST("/start-mining", middleware.RateLimitMiddleware(limiter, services.ClassMining, cfg.WorkerID), miningHandler.StartMining)
		protected.POST("/check-mining-session", middleware.RateLimitMiddleware(limiter, services.ClassMining, cfg.WorkerID), miningHandler.CheckMiningSession)
		protected.GET("/mining-status", middleware.RateLimitMiddleware(limiter, services.ClassGeneral, cfg.WorkerID), miningHandler.MiningStatus)

		protected.POST("/admin/upgrades",
			middleware.RateLimitMiddleware(limiter, services.ClassUpgrade, cfg.WorkerID),
			middleware.RequireAdmin(),
			miningHandler.AdminUpgrades,
		)

		protected.GET("/ws", middleware.RateLimitMiddleware(limiter, services.ClassGeneral, cfg.WorkerID), wsHandler.HandleWebSocket)
	}

	port := cfg.Port
	if port == "" {
		port = config.DefaultPort
	}

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	audit.Info("worker starting", services.Fields{
		"port":      port,
		"store":     cfg.StoreBackend,
		"rateLimit": cfg.RateLimitBackend,
	})
	log.Printf("Worker %s starting on port %s", cfg.WorkerID, port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("Worker %s stopped", cfg.WorkerID)
}
