package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/empire-tm/DoclingOCRServer/config"
	"github.com/empire-tm/DoclingOCRServer/handler"
	"github.com/empire-tm/DoclingOCRServer/middleware"
	"github.com/empire-tm/DoclingOCRServer/pkg/logger"
	"github.com/empire-tm/DoclingOCRServer/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load("config.yaml")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.Init(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	slog.Info("configuration loaded successfully")

	// Initialize services
	staging, err := service.NewStagingStore(&cfg.Minio)
	if err != nil {
		slog.Error("failed to initialize staging store", "error", err)
		os.Exit(1)
	}
	if err := staging.EnsureBucket(context.Background()); err != nil {
		slog.Error("failed to ensure staging bucket", "error", err)
		os.Exit(1)
	}

	content, err := service.NewContentStore(cfg.Storage.Root)
	if err != nil {
		slog.Error("failed to initialize content store", "error", err)
		os.Exit(1)
	}

	store := service.NewTaskStore(cfg.Processing.MaxTasks)
	docling := service.NewDoclingService(&cfg.Docling, &cfg.Processing, staging)
	orchestrator := service.NewOrchestrator(&cfg.Processing, store, content, docling)

	ttl := time.Duration(cfg.Storage.TTLHours) * time.Hour
	sweeper := service.NewSweeper(content, ttl, time.Duration(cfg.Storage.SweepIntervalMinutes)*time.Minute)

	// Background goroutines share one context; cancelling it stops the
	// workers and the sweeper.
	workersCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	orchestrator.Start(workersCtx)
	sweeper.Start(workersCtx)

	documentHandler := handler.NewDocumentHandler(orchestrator, content)

	// Setup Gin router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(corsMiddleware())
	router.Use(noCacheMiddleware())
	router.Use(middleware.NewRateLimiter(100, time.Minute).Middleware())

	router.GET("/", documentHandler.Info)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	documents := router.Group("/documents")
	{
		documents.POST("/process", documentHandler.Process)
		documents.GET("/:task_id/status", documentHandler.Status)
		documents.GET("/:task_id/download", documentHandler.Download)
	}

	// Create server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		slog.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	// Stop accepting work, then wait for in-flight conversions to unwind.
	stopWorkers()
	if err := orchestrator.Wait(); err != nil {
		slog.Error("worker pool shutdown error", "error", err)
	}

	slog.Info("server exited gracefully")
}

// corsMiddleware handles CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, Content-Disposition")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// noCacheMiddleware keeps status polls from being served out of caches.
func noCacheMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
		c.Header("Pragma", "no-cache")
		c.Header("Expires", "0")
		c.Next()
	}
}
