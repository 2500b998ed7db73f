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

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/accountd/internal/config"
	"github.com/alexjbarnes/accountd/internal/database"
	"github.com/alexjbarnes/accountd/internal/logging"
	"github.com/alexjbarnes/accountd/internal/server"
	"github.com/alexjbarnes/accountd/internal/signin"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("accountd starting",
		slog.String("version", Version),
		slog.Bool("account", cfg.EnableAccount),
		slog.Bool("calculator", cfg.EnableCalculator),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(database.Options{
		Dir:             cfg.DatabaseDir,
		Components:      cfg.Components(),
		ConcurrentLimit: cfg.ConcurrentWriteLimit,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	mux := server.NewMux(server.MuxConfig{
		DB:         db,
		Verifier:   signin.NewVerifier(cfg.GoogleClientID, logger),
		Components: cfg.Components(),
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting HTTP server", slog.String("listen", cfg.ListenAddr))

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown failed", slog.String("error", err.Error()))
		}

		return nil
	})

	err = g.Wait()

	// The runners drain their queues before the store closes underneath
	// them.
	if closeErr := db.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	return err
}
