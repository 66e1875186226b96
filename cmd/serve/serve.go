// Package serve implements the serve command, the long-running detection
// service.
package serve

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/takeoffworks/autocount/internal/api"
	"github.com/takeoffworks/autocount/internal/conf"
	"github.com/takeoffworks/autocount/internal/datastore"
	"github.com/takeoffworks/autocount/internal/detect"
	"github.com/takeoffworks/autocount/internal/imagestore"
	"github.com/takeoffworks/autocount/internal/jobqueue"
	"github.com/takeoffworks/autocount/internal/logging"
	"github.com/takeoffworks/autocount/internal/matcher"
	"github.com/takeoffworks/autocount/internal/observability"
	"github.com/takeoffworks/autocount/internal/vision"
)

// Command returns the serve command.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the detection service and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(settings)
		},
	}
}

func run(settings *conf.Settings) error {
	logger := logging.ForService("serve")
	if settings.Main.Log.Enabled {
		level := slog.LevelInfo
		if settings.Debug {
			level = slog.LevelDebug
		}
		fileLogger, closeLog, err := logging.NewFileLogger(
			filepath.Join(settings.Main.Log.Path, "autocount.log"), "serve", level)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer func() { _ = closeLog() }()
		logger = fileLogger
	}

	store := datastore.New(settings)
	if store == nil {
		return fmt.Errorf("no database backend enabled in configuration")
	}
	if err := store.Open(); err != nil {
		return fmt.Errorf("failed to open datastore: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close datastore", "error", err)
		}
	}()

	metrics, err := observability.NewMetrics()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	pages := imagestore.New(settings.Pages.Directory, conf.MustDuration(settings.Pages.CacheTTL))

	var visionDetector detect.VisionDetector
	switch {
	case settings.Vision.Enabled && settings.Vision.APIKey == "":
		logger.Warn("vision detector enabled but no api key configured, running template matching only")
	case settings.Vision.Enabled:
		transport := &vision.GeminiTransport{
			APIKey: settings.Vision.APIKey,
			Model:  settings.Vision.Model,
		}
		visionDetector = vision.NewDetector(transport, settings.Vision.MaxSubmitEdge)
		logger.Info("vision detector enabled",
			"provider", settings.Vision.Provider, "model", settings.Vision.Model)
	default:
		logger.Info("vision detector disabled, running template matching only")
	}

	queue := jobqueue.NewJobQueueWithOptions(1000, conf.MustDuration(settings.JobQueue.ExecutionTimeout))
	queue.Start()
	defer func() {
		if pending := queue.PendingJobs(); pending > 0 {
			logger.Warn("stopping with detection jobs still queued", "pending", pending)
		}
		if err := queue.StopWithTimeout(30 * time.Second); err != nil {
			logger.Error("job queue shutdown timed out", "error", err)
		}
	}()

	service := detect.NewService(store, pages, matcher.New(), visionDetector, queue, settings, metrics.Detection)
	controller := api.New(service, store, settings, metrics)

	errCh := make(chan error, 1)
	go func() {
		if err := controller.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	logger.Info("detection service started", "address", settings.WebServer.Address)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := controller.Echo.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}
	return nil
}
