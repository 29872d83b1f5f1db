package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"

	"github.com/mizkun/project-anima3-sub000/internal/config"
	"github.com/mizkun/project-anima3-sub000/internal/session"
	"github.com/mizkun/project-anima3-sub000/internal/store"
	"github.com/mizkun/project-anima3-sub000/internal/telemetry"
	"github.com/mizkun/project-anima3-sub000/internal/tokens"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file (default anima.yaml if present)")
	logPath := flag.String("log", "anima-console.log", "log file; the terminal is owned by the UI")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logFile, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	defer logFile.Close()

	logger := cfg.Log.NewLogger(logFile)
	slog.SetDefault(logger)

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer("anima-console", logFile, logger)
		if err != nil {
			log.Fatalf("Failed to initialize tracer: %v", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	ctx := context.Background()
	pollErrors := make(chan error, 1)
	sess, err := session.New(ctx, cfg,
		session.WithLogger(logger),
		session.WithPollErrorHandler(func(err error) {
			logger.Debug("status poll failed", slog.String("error", err.Error()))
			select {
			case pollErrors <- err:
			default:
			}
		}),
	)
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}

	updates := make(chan store.Snapshot, 1)
	unsubscribe := sess.Store().Subscribe(func(snap store.Snapshot) {
		latestOnly(updates, snap)
	})

	if err := sess.Start(ctx); err != nil {
		log.Fatalf("Failed to start session: %v", err)
	}

	ctl := controls{
		commands:   sess.Commands(),
		clearError: sess.Store().ClearError,
		reconnect:  sess.Reconnect,
		setVisible: sess.SetVisible,
		pollErrors: pollErrors,
	}
	m := newModel(ctl, updates, tokens.NewCounter(), sess.Store().Snapshot())

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithReportFocus())
	_, runErr := p.Run()

	unsubscribe()
	if err := sess.Close(); err != nil {
		logger.Error("failed to close session", slog.String("error", err.Error()))
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "anima-console fatal error: %v\n", runErr)
		os.Exit(1)
	}
}

// latestOnly queues snap, replacing an undelivered older snapshot.
func latestOnly(ch chan store.Snapshot, snap store.Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
