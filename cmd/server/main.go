package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codesathi/backend/internal/api"
	"github.com/codesathi/backend/internal/config"
	"github.com/codesathi/backend/internal/db"
	"github.com/codesathi/backend/internal/exec"
	"github.com/codesathi/backend/internal/janitor"
	"github.com/codesathi/backend/internal/presence"
	"github.com/codesathi/backend/internal/room"
	"github.com/codesathi/backend/internal/session"
	"github.com/codesathi/backend/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	database, err := db.New(cfg.DBPath, logger)
	if err != nil {
		logger.Error("initialize database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	store := room.NewStore(database, logger)
	registry := session.NewRegistry()

	tracker := presence.NewTracker(cfg.PresenceTTL)
	tracker.StartSweeper(cfg.PresenceTTL)
	defer tracker.Stop()

	hub := ws.NewHub(registry, store, tracker, logger)
	go hub.Run()

	cleaner := janitor.New(database, store, registry,
		janitor.Config{Interval: cfg.JanitorInterval, MaxIdle: cfg.RoomMaxIdle}, logger)
	cleaner.Start()
	defer cleaner.Stop()

	runner := exec.NewClient(cfg.ExecBaseURL, cfg.ExecAPIKey, cfg.ExecAPIHost, logger)

	handler := api.New(hub, store, database, runner, cfg, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      corsMiddleware(handler.Router()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Port, "database", cfg.DBPath)
		serverErrors <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
			os.Exit(1)
		}
		logger.Info("server stopped")
	}
}

// corsMiddleware opens the API to browser clients served from another
// origin. Websocket upgrades skip CORS; this covers the REST surface.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
