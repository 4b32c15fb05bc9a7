// Package main is the entry point for the Knowva engine.
// The single binary runs the connection manager, tool orchestration,
// and the HTTP/WebSocket API together.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/knowva/knowva/internal/api"
	"github.com/knowva/knowva/internal/catalog"
	"github.com/knowva/knowva/internal/common/config"
	"github.com/knowva/knowva/internal/common/logger"
	"github.com/knowva/knowva/internal/common/tracing"
	"github.com/knowva/knowva/internal/connection"
	"github.com/knowva/knowva/internal/conversation"
	"github.com/knowva/knowva/internal/events/bus"
	"github.com/knowva/knowva/internal/execution"
	"github.com/knowva/knowva/internal/llm/anthropic"
	"github.com/knowva/knowva/internal/metrics"
	"github.com/knowva/knowva/internal/orchestrator"
	"github.com/knowva/knowva/internal/registry"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Knowva engine...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS if configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS.URL, cfg.NATS.ClientID, cfg.NATS.MaxReconnects, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// 5. Conversation store (SQLite when a path is configured)
	var store conversation.Store
	if cfg.Database.Path != "" {
		sqliteStore, err := conversation.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			log.Fatal("Failed to initialize conversation database", zap.Error(err), zap.String("db_path", cfg.Database.Path))
		}
		store = sqliteStore
		log.Info("SQLite conversation store initialized", zap.String("db_path", cfg.Database.Path))
	} else {
		store = conversation.NewMemoryStore()
		log.Info("Using in-memory conversation store")
	}
	defer store.Close()

	// 6. Server registry
	reg := registry.New(log)
	if cfg.MCP.ServersFile != "" {
		if err := reg.LoadFromFile(cfg.MCP.ServersFile); err != nil {
			log.Fatal("Failed to load server definitions", zap.Error(err), zap.String("path", cfg.MCP.ServersFile))
		}
	} else {
		if err := reg.LoadDefaults(); err != nil {
			log.Fatal("Failed to load default server definitions", zap.Error(err))
		}
	}
	log.Info("Server registry loaded", zap.Int("servers", len(reg.List())))

	// 7. Connection manager and tool execution
	cat := catalog.New(log)
	collector := metrics.NewCollector()
	manager := connection.NewManager(reg, cat, collector, eventBus, log, connection.ManagerOptions{
		ConnectTimeout:     cfg.MCP.ConnectTimeoutDuration(),
		DefaultCallTimeout: cfg.MCP.CallTimeoutDuration(),
	})
	executor := execution.NewExecutor(manager, cat, collector, eventBus, log, cfg.Logging.Level == "debug")

	// 8. Orchestrator
	if cfg.LLM.APIKey == "" {
		log.Warn("No Anthropic API key configured; /query will fail until one is set")
	}
	llmClient := anthropic.New(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.MaxTokens)
	orch := orchestrator.New(llmClient, cat, executor, manager, store, collector, eventBus, log, orchestrator.Options{
		MaxIterations: cfg.MCP.MaxQueryIterations,
		QueryTimeout:  cfg.MCP.QueryTimeoutDuration(),
	})

	// 9. Background health sweep
	if interval := cfg.MCP.HealthIntervalDuration(); interval > 0 {
		manager.StartHealthLoop(ctx, interval)
		log.Info("Health check loop started", zap.Duration("interval", interval))
	}

	// 10. HTTP server
	handler := api.NewHandler(reg, manager, cat, executor, orch, store, collector, log)
	ws := api.NewWSHandler(eventBus, log, "knowva.>")
	router := api.SetupRouter(handler, ws, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("http", "/api/v1"),
		zap.String("websocket", "/api/v1/ws"),
		zap.String("health", "/api/v1/health"),
	)

	// 11. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Knowva engine...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	manager.DisconnectAll(shutdownCtx)

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Knowva engine stopped")
}
