// Package main is the Crewdeck backend entry point. One binary hosts the team
// runtime: HTTP API, WebSocket push feed, agent-facing MCP tools, the
// agent-loop worker pool, and the anomaly coordinator.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/common/config"
	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/db"
	"github.com/crewdeck/crewdeck/internal/events"
	"github.com/crewdeck/crewdeck/internal/experiments"
	"github.com/crewdeck/crewdeck/internal/gateway/push"
	"github.com/crewdeck/crewdeck/internal/team/anomaly"
	"github.com/crewdeck/crewdeck/internal/team/controller"
	"github.com/crewdeck/crewdeck/internal/team/executor"
	"github.com/crewdeck/crewdeck/internal/team/handlers"
	"github.com/crewdeck/crewdeck/internal/team/identity"
	"github.com/crewdeck/crewdeck/internal/team/llm"
	"github.com/crewdeck/crewdeck/internal/team/mcptools"
	"github.com/crewdeck/crewdeck/internal/team/messaging"
	"github.com/crewdeck/crewdeck/internal/team/queue"
	"github.com/crewdeck/crewdeck/internal/team/registry"
	"github.com/crewdeck/crewdeck/internal/team/service"
	"github.com/crewdeck/crewdeck/internal/team/session"
	"github.com/crewdeck/crewdeck/internal/team/store"
	"github.com/crewdeck/crewdeck/internal/team/templates"
)

const jobQueueSize = 256

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting Crewdeck...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()
	eventBus := provided.Bus

	// Database: Postgres when a host is configured, embedded SQLite otherwise.
	var pool *db.Pool
	if cfg.Database.Host != "" {
		pool, err = db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			log.Fatal("Failed to connect to Postgres", zap.Error(err))
		}
		log.Info("Connected to Postgres", zap.String("host", cfg.Database.Host))
	} else {
		pool, err = db.OpenSQLite(cfg.Database.Path)
		if err != nil {
			log.Fatal("Failed to open SQLite database", zap.Error(err))
		}
		log.Info("Using embedded SQLite", zap.String("path", cfg.Database.Path))
	}
	defer func() { _ = pool.Close() }()

	st, err := store.New(pool, log, store.Options{
		RunLogCap:  cfg.Team.RunLogCap,
		MessageCap: cfg.Team.MessageCap,
	})
	if err != nil {
		log.Fatal("Failed to initialize team store", zap.Error(err))
	}
	targets, err := experiments.New(pool, log)
	if err != nil {
		log.Fatal("Failed to initialize experiments store", zap.Error(err))
	}
	provisioner, err := identity.NewStoreProvisioner(pool, log)
	if err != nil {
		log.Fatal("Failed to initialize identity provisioner", zap.Error(err))
	}

	llmClient := llm.New(cfg.LLM.APIKey, cfg.LLM.Model, log)

	sessions := session.NewManager(session.Config{
		ScratchBaseDir:         cfg.Team.ScratchBaseDir,
		DefaultAgentType:       cfg.Team.DefaultAgentType,
		GeminiModel:            cfg.Team.GeminiModel,
		ReadySettle:            cfg.Team.ReadySettle(),
		ReadyTimeout:           cfg.Team.ReadyTimeout(),
		DispatchVerifyDelay:    cfg.Team.DispatchVerifyDelay(),
		DispatchMinGrowthLines: cfg.Team.DispatchMinGrowthLines,
		StopGrace:              cfg.Team.StopGrace(),
		ClassifyTimeout:        cfg.LLM.ClassifyTimeout(),
	}, eventBus, llmClient, log)

	jobQueue := queue.NewJobQueue(jobQueueSize)
	workflow := executor.New(st, jobQueue, llmClient, eventBus, log)
	messenger := messaging.NewService(st, sessions, eventBus, log)
	methods := registry.NewMethodRegistry()

	svc := service.New(st, targets, provisioner, sessions, workflow, messenger,
		methods, eventBus, log, service.Options{ScratchBaseDir: cfg.Team.ScratchBaseDir})

	if err := templates.Seed(ctx, st, svc, log); err != nil {
		log.Fatal("Failed to seed system templates", zap.Error(err))
	}

	workers := queue.NewWorkerPool(jobQueue, cfg.Team.QueueWorkers, svc.HandleAgentLoopJob, log)
	workers.Start(ctx)
	log.Info("Agent-loop worker pool started", zap.Int("workers", cfg.Team.QueueWorkers))

	coordinator := anomaly.NewCoordinator(anomaly.Config{
		SweepInterval: cfg.Team.SweepInterval(),
	}, st, sessions, workflow, messenger, llmClient, eventBus, log)
	if err := coordinator.Start(ctx); err != nil {
		log.Fatal("Failed to start anomaly coordinator", zap.Error(err))
	}

	// HTTP surface.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	ctrl := controller.New(st, svc, sessions)
	handlers.Register(router, ctrl, log)

	hub := push.NewHub(log)
	go hub.Run(ctx)
	push.RegisterBroadcaster(ctx, eventBus, hub, log)
	push.RegisterRoutes(router, hub, log)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "crewdeck"})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Agent-facing MCP tool server.
	mcpServer := mcptools.NewServer(mcptools.Config{Port: cfg.Server.MCPPort}, mcptools.Deps{
		Store:     st,
		Messaging: messenger,
		Workflow:  workflow,
	}, log)
	if err := mcpServer.Start(ctx); err != nil {
		log.Fatal("Failed to start MCP server", zap.Error(err))
	}

	log.Info("Crewdeck ready",
		zap.String("http", server.Addr),
		zap.Int("mcp_port", mcpServer.Port()),
		zap.String("push", "/teams/events/ws"))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Crewdeck...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := mcpServer.Stop(shutdownCtx); err != nil {
		log.Error("MCP server shutdown error", zap.Error(err))
	}
	coordinator.Stop()
	workers.Stop()
	sessions.StopAll(shutdownCtx, "server_shutdown")

	log.Info("Crewdeck stopped")
}

// corsMiddleware opens the API to the local app shell during development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
