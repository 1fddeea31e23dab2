package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/makkenzo/keygate/internal/config"
	"github.com/makkenzo/keygate/internal/domain/apikey"
	"github.com/makkenzo/keygate/internal/domain/key"
	"github.com/makkenzo/keygate/internal/handler"
	"github.com/makkenzo/keygate/internal/handler/middleware"
	"github.com/makkenzo/keygate/internal/ierr"
	"github.com/makkenzo/keygate/internal/oracle"
	"github.com/makkenzo/keygate/internal/ratelimit"
	"github.com/makkenzo/keygate/internal/service"
	"github.com/makkenzo/keygate/internal/storage/memstore"
	"github.com/makkenzo/keygate/internal/storage/postgres"
	redisstorage "github.com/makkenzo/keygate/internal/storage/redis"
	"github.com/makkenzo/keygate/internal/worker"
	"github.com/makkenzo/keygate/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "./configs/config.dev.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger, err := logger.NewZapLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLogger.Sync()

	sugarLogger := appLogger.Sugar()
	sugarLogger.Info("Starting keygate...")
	sugarLogger.Infof("Log level set to: %s", cfg.Log.Level)

	appCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		dbPool     *pgxpool.Pool
		keyStore   key.Store
		apiKeyRepo apikey.Repository
	)
	switch cfg.Database.Driver {
	case "memory":
		sugarLogger.Warn("Using in-memory key store, data will not survive a restart")
		keyStore = memstore.NewKeyStore()
	default:
		dbPool, err = postgres.NewPgxPool(appCtx, &cfg.Database, appLogger)
		if err != nil {
			sugarLogger.Fatalf("Failed to connect to PostgreSQL: %v", err)
		}
		defer dbPool.Close()
		keyStore = postgres.NewKeyStore(dbPool, appLogger)
		apiKeyRepo = postgres.NewAPIKeyRepository(dbPool, appLogger)
	}

	var redisClient *goredis.Client
	if cfg.RateLimit.Backend == "redis" || cfg.Worker.Enabled {
		redisClient, err = redisstorage.NewRedisClient(appCtx, &cfg.Redis, appLogger)
		if err != nil {
			sugarLogger.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
	}

	var validator oracle.KeyValidator
	if cfg.Oracle.Provider == "gumroad" {
		validator = oracle.NewGumroadClient(
			"",
			cfg.Oracle.GumroadAPIKey,
			cfg.Oracle.GumroadProductPermalink,
			cfg.Oracle.Timeout,
			appLogger,
		)
	}

	var entitlements oracle.EntitlementFinder
	if cfg.Oracle.LemonAPIKey != "" {
		entitlements = oracle.NewLemonSqueezyClient(
			"",
			cfg.Oracle.LemonAPIKey,
			cfg.Oracle.LemonVariantID,
			cfg.Oracle.Timeout,
			appLogger,
		)
	}

	var limiter ratelimit.Limiter
	switch {
	case cfg.RateLimit.Backend == "redis":
		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.RateLimit.Window, cfg.RateLimit.MaxAttempts, appLogger)
	case cfg.RateLimit.Policy == "sliding":
		limiter = ratelimit.NewSlidingWindowLimiter(cfg.RateLimit.Window, cfg.RateLimit.MaxAttempts)
	default:
		limiter = ratelimit.NewCooldownLimiter(cfg.RateLimit.Window)
	}

	lifecycleService := service.NewLifecycleService(keyStore, limiter, validator, entitlements, &cfg.License, appLogger)

	healthHandler := handler.NewHealthHandler(dbPool, redisClient, appLogger)
	keyHandler := handler.NewKeyHandler(lifecycleService, appLogger)
	adminHandler := handler.NewAdminHandler(lifecycleService, appLogger)

	errorMiddleware := middleware.ErrorHandlerMiddleware(appLogger)

	router := gin.New()
	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
			param.ClientIP,
			param.TimeStamp.Format(time.RFC1123),
			param.Method,
			param.Path,
			param.Request.Proto,
			param.StatusCode,
			param.Latency,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	}))
	router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logMsg := "Panic recovered"
		if err, ok := recovered.(string); ok {
			logMsg = fmt.Sprintf("%s: %s", logMsg, err)
		} else if err, ok := recovered.(error); ok {
			logMsg = fmt.Sprintf("%s: %v", logMsg, err)
		}
		appLogger.Error(logMsg, zap.Stack("stack"))

		_ = c.Error(ierr.ErrInternalServer)
		c.Abort()
	}))

	corsConfig := cors.Config{
		AllowOrigins: []string{"http://localhost:3000"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin",
			"Content-Type",
			"Accept",
			"X-API-Key",
		},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))
	router.Use(errorMiddleware)

	router.GET("/healthz", healthHandler.Check)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiV1 := router.Group("/api/v1")
	{
		keyRoutes := apiV1.Group("/keys")
		{
			keyRoutes.POST("/verify", keyHandler.Verify)
			keyRoutes.POST("/recover", keyHandler.Recover)
		}

		if apiKeyRepo != nil {
			apiKeyService := service.NewAPIKeyService(apiKeyRepo, appLogger)
			apiKeyHandler := handler.NewAPIKeyHandler(apiKeyService, appLogger)
			apiKeyAuthMiddleware := middleware.APIKeyAuthMiddleware(apiKeyRepo, appLogger)

			adminRoutes := apiV1.Group("/admin")
			adminRoutes.Use(apiKeyAuthMiddleware)
			{
				adminRoutes.POST("/keys", adminHandler.ProvisionKey)
				adminRoutes.POST("/keys/:id/revoke", adminHandler.RevokeKey)
				adminRoutes.GET("/stats", adminHandler.Stats)

				adminRoutes.POST("/apikeys", apiKeyHandler.Create)
				adminRoutes.GET("/apikeys", apiKeyHandler.List)
				adminRoutes.DELETE("/apikeys/:id", apiKeyHandler.Revoke)
			}
		} else {
			sugarLogger.Warn("Admin routes disabled: api keys need the postgres driver")
		}
	}

	g, groupCtx := errgroup.WithContext(appCtx)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g.Go(func() error {
		sugarLogger.Infof("HTTP server listening on port %s", cfg.Server.Port)

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugarLogger.Errorf("HTTP server ListenAndServe error: %v", err)
			return fmt.Errorf("http server failed: %w", err)
		}
		sugarLogger.Info("HTTP server stopped listening.")
		return nil
	})

	g.Go(func() error {
		<-groupCtx.Done()
		sugarLogger.Info("Shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownPeriod)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			sugarLogger.Errorf("HTTP server graceful shutdown failed: %v", err)
			return fmt.Errorf("http server shutdown error: %w", err)
		}
		sugarLogger.Info("HTTP server shutdown complete.")
		return nil
	})

	if cfg.Worker.Enabled {
		g.Go(func() error {
			if err := worker.RunWorkers(groupCtx, cfg, keyStore, appLogger); err != nil {
				sugarLogger.Error("Asynq worker failed", zap.Error(err))
				return fmt.Errorf("asynq worker error: %w", err)
			}
			sugarLogger.Info("Asynq workers finished gracefully.")
			return nil
		})
	}

	sugarLogger.Info("Application started. Waiting for interrupt signal (Ctrl+C) or component error...")

	waitErr := g.Wait()

	sugarLogger.Info("Shutdown sequence finished.")

	if waitErr != nil {
		if errors.Is(waitErr, context.Canceled) {
			sugarLogger.Info("Shutdown reason: Context canceled (likely due to OS signal).")
		} else if errors.Is(waitErr, http.ErrServerClosed) {
			sugarLogger.Info("Shutdown reason: HTTP server closed normally.")
		} else {
			sugarLogger.Errorf("Application shutdown finished with unexpected error: %v", waitErr)
		}
	} else {
		sugarLogger.Info("Application shutdown successfully (all components finished without errors).")
	}

	sugarLogger.Info("Application exiting now.")
}
