// Package main provides the entry point for the slideshow video server.
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

	"github.com/bobbylastro/FFMPEG-Propre/internal/bootstrap"
	"github.com/bobbylastro/FFMPEG-Propre/internal/config"
	"github.com/bobbylastro/FFMPEG-Propre/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Create structured logger
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting slideshow service",
		slog.Int("port", cfg.Port),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
		slog.String("temp_dir", cfg.TempDir),
		slog.String("output_retention", cfg.OutputRetention),
		slog.Int("max_concurrent_jobs", cfg.MaxConcurrentJobs),
		slog.Int("render_concurrency", cfg.RenderConcurrency),
		slog.Duration("job_timeout", cfg.JobTimeout),
		slog.Bool("s3_enabled", cfg.S3Enabled()),
		slog.Bool("redis_enabled", cfg.RedisEnabled()),
	)
	logger.Debug("configuration", slog.String("config", cfg.String()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Warn("failed to close dependencies", slog.String("error", err.Error()))
		}
	}()

	// Workspaces left behind by a crash are swept in the background.
	deps.Workspaces.StartJanitor(ctx, cfg.JanitorInterval, cfg.WorkspaceMaxAge)

	handlerOpts := []server.HandlerOption{server.WithLoadReporter(deps.Gate)}
	if cfg.PublicBaseURL != "" {
		handlerOpts = append(handlerOpts, server.WithPublicBaseURL(cfg.PublicBaseURL))
	}
	handlers := server.NewHandlers(deps.VideoService, logger, handlerOpts...)

	routerCfg := server.DefaultConfig()
	routerCfg.VideosDir = deps.VideosDir
	router := server.NewRouter(handlers, logger, routerCfg)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout(cfg.JobTimeout),
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening",
			slog.String("addr", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		return err
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}

// writeTimeout leaves room after the job deadline to write the response.
// Jobs run inside the request, so the job deadline must expire first.
func writeTimeout(jobTimeout time.Duration) time.Duration {
	return jobTimeout + time.Minute
}
