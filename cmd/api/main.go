package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"dealer-portal/esign-backend/internal/api/middleware"
	"dealer-portal/esign-backend/internal/app"
	"dealer-portal/esign-backend/internal/config"
	"dealer-portal/esign-backend/internal/database"
	"dealer-portal/esign-backend/internal/notifications/websocket"
	"dealer-portal/esign-backend/internal/signing"
	"dealer-portal/esign-backend/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}

	zlog, err := logger.NewLogger(cfg.Environment, cfg.Logging.Level)
	if err != nil {
		log.Fatal("Failed to create logger: ", err)
	}
	defer zlog.Sync()

	ctx := context.Background()
	application, err := app.New(ctx, cfg, zlog, cfg.Notifications.WebsocketEnabled)
	if err != nil {
		zlog.Fatal("Failed to initialize application", zap.Error(err))
	}
	defer application.Close()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.MaxMultipartMemory = cfg.Server.MaxUploadBytes

	requestMW := middleware.NewRequestMiddleware(zlog)
	router.Use(
		requestMW.ProcessRequest(),
		requestMW.RecoverPanic(),
		middleware.NewLoggingMiddleware(zlog).LogRequest(),
		middleware.Metrics(),
		middleware.CORS(cfg.Server.AllowedOrigins),
	)

	// ---------------- TOKEN RATE LIMIT ----------------
	var tokenRoutes []gin.HandlerFunc
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			zlog.Warn("Redis unreachable; token lookups fail open until it recovers", zap.Error(err))
		}
		limiter := middleware.NewRateLimiter(middleware.NewRedisCounter(rdb), cfg.Redis.TokenLimit, cfg.Redis.TokenWindow, zlog)
		tokenRoutes = append(tokenRoutes, limiter.Limit())
	}

	// ---------------- ROUTES ----------------
	api := router.Group("/api/v1")
	{
		signing.NewHandler(application.Service, zlog, cfg.Server.MaxUploadBytes).RegisterRoutes(api, tokenRoutes...)
		if application.Realtime != nil {
			websocket.NewHandler(application.Realtime, application.Identity, zlog).RegisterRoutes(api)
		}
	}

	var readiness *database.ReadinessChecker
	if application.DB != nil {
		readiness = database.NewReadinessChecker(application.DB)
	}
	router.GET("/health", func(c *gin.Context) {
		if readiness != nil {
			checkCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := readiness.CheckReady(checkCtx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":    "unhealthy",
					"error":     "database unreachable",
					"timestamp": time.Now(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ---------------- REMINDERS ----------------
	var reminders *signing.ReminderScheduler
	if cfg.Signing.RunRemindersInAPI {
		reminders, err = signing.NewReminderScheduler(application.Service, cfg.Signing.ReminderCron, time.Minute, zlog)
		if err != nil {
			zlog.Fatal("Failed to create reminder scheduler", zap.Error(err))
		}
		if err := reminders.Start(); err != nil {
			zlog.Fatal("Failed to start reminder scheduler", zap.Error(err))
		}
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("Server failed", zap.Error(err))
		}
	}()
	zlog.Info("Server started", zap.String("addr", srv.Addr))

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("Server forced to shutdown", zap.Error(err))
	}
	if reminders != nil {
		reminders.Stop()
	}
	// let committed signatures finish notifying
	application.Service.Wait()

	zlog.Info("Server exiting")
}
