package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mizkun/project-anima3-sub000/internal/config"
	"github.com/mizkun/project-anima3-sub000/internal/devserver"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file (default anima.yaml if present)")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := cfg.Log.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	srv := devserver.NewServer(
		devserver.WithTurnInterval(cfg.DevServer.TurnInterval),
		devserver.WithLogger(logger),
		devserver.WithRequestLog(true),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	addr := fmt.Sprintf(":%d", cfg.DevServer.Port)
	go func() {
		if err := srv.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start dev backend: %v", err)
		}
	}()

	logger.Info("dev backend started",
		slog.String("addr", addr),
		slog.Duration("turn_interval", cfg.DevServer.TurnInterval),
	)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down dev backend")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown dev backend gracefully", slog.String("error", err.Error()))
	}
	cancel()

	logger.Info("dev backend stopped")
}
