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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"gwi.com/chat-shell/internal/api"
	"gwi.com/chat-shell/internal/config"
	"gwi.com/chat-shell/internal/core"
	"gwi.com/chat-shell/internal/logging"
	"gwi.com/chat-shell/internal/metrics"
	"gwi.com/chat-shell/internal/store"
)

func main() {
	// Command line flags for one-shot maintenance
	resetFlag := flag.Bool("reset", false, "Clear all persisted sessions and messages, then exit")
	purgeFlag := flag.Bool("purge", false, "Delete the persisted state slot, including title and flags, then exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Development: cfg.LogDev})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	kv, err := openKV(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer kv.Close()

	if *purgeFlag {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.PersistTimeout)
		err := kv.Delete(ctx, cfg.PersistKey)
		cancel()
		if err != nil {
			logger.Fatal("Failed to delete persisted state", zap.Error(err))
		}
		logger.Info("Deleted persisted state. Exiting.", zap.String("key", cfg.PersistKey))
		return
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	sessions := core.NewSessionStore(startCtx, kv, core.SessionStoreOptions{
		Persist: core.PersisterConfig{
			Key:             cfg.PersistKey,
			WritesPerSecond: cfg.PersistWritesPerSecond,
			WriteTimeout:    cfg.PersistTimeout,
		},
		Logger:  logger,
		Metrics: m,
	})
	cancelStart()

	if *resetFlag {
		sessions.ClearAllSessions()
		ctx, cancel := context.WithTimeout(context.Background(), cfg.PersistTimeout)
		err := sessions.Close(ctx)
		cancel()
		if err != nil {
			logger.Fatal("Reset was not persisted", zap.Error(err))
		}
		logger.Info("Cleared all sessions. Exiting.", zap.String("key", cfg.PersistKey))
		return
	}

	chatService := core.NewChatService(sessions, logger)
	apiHandler := api.NewAPIHandler(chatService, logger, cfg.AllowedOrigins)
	router := api.NewRouter(apiHandler, m, reg)

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		logger.Info("Starting server", zap.String("addr", serverAddr), zap.String("backend", cfg.StorageBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Could not listen", zap.String("addr", serverAddr), zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	// Write whatever the last request changed before the KV closes.
	if err := sessions.Close(ctx); err != nil {
		logger.Error("Final state write did not finish", zap.Error(err))
	}
	logger.Info("Server exiting gracefully")
}

func openKV(cfg *config.Config) (store.KV, error) {
	switch cfg.StorageBackend {
	case config.BackendMemory:
		return store.NewMemoryStore(), nil
	default:
		s, err := store.NewSQLiteStore(cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
