package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/bundle_fetcher/internal/cleanup"
	"github.com/italolelis/bundle_fetcher/internal/config"
	"github.com/italolelis/bundle_fetcher/internal/downloader"
	"github.com/italolelis/bundle_fetcher/internal/fetch"
	"github.com/italolelis/bundle_fetcher/internal/http/rest"
	"github.com/italolelis/bundle_fetcher/internal/journal"
	"github.com/italolelis/bundle_fetcher/internal/logctx"
	"github.com/italolelis/bundle_fetcher/internal/notifier"
	"github.com/italolelis/bundle_fetcher/internal/provider"
	"github.com/italolelis/bundle_fetcher/internal/provider/fake"
	"github.com/italolelis/bundle_fetcher/internal/session"
	"github.com/italolelis/bundle_fetcher/internal/source"
	"github.com/italolelis/bundle_fetcher/internal/source/httpsource"
	"github.com/italolelis/bundle_fetcher/internal/source/putio"
	"github.com/italolelis/bundle_fetcher/internal/storage"
	"github.com/italolelis/bundle_fetcher/internal/storage/sqlite"
	"github.com/italolelis/bundle_fetcher/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

const (
	journalBuffer      = 256
	notificationBuffer = 32
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	telCfg := telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	}

	base := logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	handler, shutdownLogs, err := telemetry.NewLogHandler(ctx, telCfg, base)
	if err != nil {
		slog.Error("log exporter error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("bundle fetcher starting...", "log_level", cfg.LogLevel, "provider", cfg.Provider, "version", version)

	err = run(logctx.WithLogger(ctx, logger), cfg, telCfg)

	if shutdownErr := shutdownLogs(context.Background()); shutdownErr != nil {
		slog.Warn("failed to flush log exporter", "err", shutdownErr)
	}

	if err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, telCfg telemetry.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(ctx, cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedJournalRepository(database, tel)

	// =========================================================================
	// Start Tracker
	tracker := fetch.NewTracker(
		fetch.WithObserver(tel),
		fetch.WithMaxLogEntries(cfg.MaxLogEntries),
	)

	// Sinks outlive the providers so the Canceled events emitted on shutdown
	// still reach the journal and the notifier.
	sinkCtx, stopSinks := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSinks()

	sinks, sinkCtx := errgroup.WithContext(sinkCtx)

	instanceID := storage.GenerateInstanceID()
	recorder := journal.NewRecorder(repo, instanceID, journalBuffer, tel)
	recorder.Attach(tracker)
	sinks.Go(func() error { return recorder.Run(sinkCtx) })

	logger.Info("journal attached", "instance_id", instanceID, "db_path", cfg.DBPath)

	// =========================================================================
	// Start Notification
	if cfg.DiscordWebhookURL != "" {
		dispatcher := notifier.NewDispatcher(notifier.NewDiscordNotifier(cfg.DiscordWebhookURL), notificationBuffer)
		dispatcher.Attach(tracker)
		sinks.Go(func() error { return dispatcher.Run(sinkCtx) })
	}

	// =========================================================================
	// Start Provider
	workers, workersCtx := errgroup.WithContext(ctx)

	p, err := buildProvider(workersCtx, workers, cfg, tracker, tel)
	if err != nil {
		return fmt.Errorf("failed to build provider: %w", err)
	}

	manager := session.NewManager(tracker, p)

	// =========================================================================
	// Start Cleanup
	workers.Go(func() error {
		runCleanup(workersCtx, cfg, repo, tracker)

		return nil
	})

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, cfg, tel, rest.NewBundleHandler(cfg.API.Username, cfg.API.Password, manager, tracker, repo))

	workers.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	workers.Go(func() error {
		<-workersCtx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		if f, ok := p.(*fake.Provider); ok {
			if err := f.Shutdown(shutdownCtx); err != nil {
				logger.Warn("fake provider did not stop in time", "err", err)
			}
		}

		return nil
	})

	logger.Info("waiting for fetch requests...", "install_dir", cfg.InstallDir, "max_parallel", cfg.MaxParallel)

	err = workers.Wait()

	stopSinks()

	if sinkErr := sinks.Wait(); sinkErr != nil {
		logger.Error("sink stopped with error", "err", sinkErr)
	}

	return err
}

// This is an abstract factory for the provider.
func buildProvider(ctx context.Context, g *errgroup.Group, cfg *config.Config, tracker *fetch.Tracker, tel *telemetry.Telemetry) (provider.Provider, error) {
	if cfg.Provider == config.ProviderFake {
		return fake.New(tracker, fake.Config{
			InstallDir:          cfg.InstallDir,
			Chunks:              cfg.Fake.Chunks,
			TickInterval:        cfg.Fake.TickInterval,
			TotalBytes:          cfg.Fake.TotalBytes,
			NetworkError:        cfg.Fake.NetworkError,
			RequireConfirmation: cfg.Fake.RequireConfirmation,
		}), nil
	}

	var src source.Source

	switch cfg.Provider {
	case config.ProviderHTTP:
		src = httpsource.NewClient(cfg.SourceBaseURL, httpsource.WithTracerProvider(tel.TracerProvider()))
	case config.ProviderPutio:
		src = putio.NewClient(cfg.PutioToken, cfg.PutioFolder)
	default:
		return nil, fmt.Errorf("invalid provider: %s", cfg.Provider)
	}

	d := downloader.New(source.NewInstrumentedSource(src, tel, cfg.Provider), tracker, downloader.Config{
		InstallDir:           cfg.InstallDir,
		MaxParallel:          cfg.MaxParallel,
		QueueSize:            cfg.QueueSize,
		ConfirmDownloadAbove: cfg.ConfirmDownloadAbove,
		ConfirmInstall:       cfg.ConfirmInstall,
		ProgressInterval:     cfg.ProgressInterval,
	})

	g.Go(func() error { return d.Run(ctx) })

	return d, nil
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, bundles *rest.BundleHandler) *http.Server {
	httpMetrics := telemetry.NewHTTPMiddleware(tel, routePattern)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID, telemetry.HTTPLogging, httpMetrics.Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", bundles.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}

	return "unmatched"
}

func runCleanup(ctx context.Context, cfg *config.Config, repo storage.JournalWriteRepository, tracker *fetch.Tracker) {
	logger := logctx.LoggerFromContext(ctx)

	cleanupTicker := time.NewTicker(cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	partialDir := filepath.Join(cfg.InstallDir, downloader.PartialDir)

	isActive := func(name string) bool {
		status, err := tracker.CurrentStatus(name)

		return err == nil && status.IsActive()
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-cleanupTicker.C:
			if _, err := cleanup.PruneJournal(ctx, repo, cfg.KeepHistoryFor); err != nil {
				logger.Error("failed to prune journal", "err", err)
			}

			if _, err := cleanup.RemoveStalePartials(ctx, partialDir, cfg.KeepHistoryFor, isActive); err != nil {
				logger.Error("failed to remove stale partial files", "err", err)
			}
		}
	}
}
