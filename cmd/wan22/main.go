package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DavidJBarnes/wan22-video-generator/internal/api"
	"github.com/DavidJBarnes/wan22-video-generator/internal/config"
	"github.com/DavidJBarnes/wan22-video-generator/internal/media"
	"github.com/DavidJBarnes/wan22-video-generator/internal/queue"
	"github.com/DavidJBarnes/wan22-video-generator/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()
	if *configPath == "" {
		*configPath = os.Getenv("WAN22_CONFIG")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info("wan22 video generator starting",
		"listen", cfg.ListenAddr, "db", cfg.DBPath, "outputs", cfg.OutputDir)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("opening store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	pipeline := media.NewPipeline(cfg.OutputDir, logger)
	pipeline.FFmpegPath = cfg.FFmpegPath

	manager := queue.NewManager(st, pipeline, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		cancel()
	}()

	// Repair anything a previous process life left in flight before
	// accepting new work.
	if err := manager.Reconcile(ctx); err != nil {
		logger.Error("startup reconcile", "error", err)
		os.Exit(1)
	}

	if st.SettingBool("auto_start_queue", true) {
		manager.StartQueue()
	}
	go manager.Run(ctx)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(st, manager, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
