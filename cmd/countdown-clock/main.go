package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"countdown-clock/internal/app"
	"countdown-clock/internal/config"
)

func main() {
	// Flags
	flags := config.Flags("countdown-clock")
	verbose := flags.BoolP("verbose", "v", false, "Enable verbose logging")
	once := flags.Bool("once", false, "Run a single reconciliation sweep and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Logger
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// Config
	cfg, err := config.Load(flags)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// App
	application, err := app.New(ctx, logger, cfg)
	if err != nil {
		logger.Error("failed to initialize app", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if *once {
		rep, err := application.SweepOnce(ctx)
		if err != nil {
			logger.Error("sweep failed", slog.String("error", err.Error()))
			application.Close()
			os.Exit(1)
		}
		logger.Info("sweep completed",
			slog.Int("processed", rep.Processed),
			slog.Int("updated", rep.Updated),
			slog.Int("created", rep.Created),
			slog.Int("cleared", rep.Cleared),
		)
		_ = application.Close()
		return
	}

	var srv *http.Server
	if cfg.HTTP.Addr != "" {
		srv = application.HTTPServer(cfg.HTTP.Addr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server failed", slog.String("error", err.Error()))
				stop()
			}
		}()
	}

	if err := application.Scheduler().Start(ctx); err != nil {
		logger.Error("failed to start scheduler", slog.String("error", err.Error()))
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown", slog.String("error", err.Error()))
		}
		cancel()
	}
	// Close waits for an in-flight sweep to finish its batch write.
	if err := application.Close(); err != nil {
		logger.Error("close", slog.String("error", err.Error()))
	}
}
