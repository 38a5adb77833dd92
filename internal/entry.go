// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/starford/multihop/internal/api"
	"github.com/starford/multihop/internal/apperr"
	"github.com/starford/multihop/internal/mcpserver"
	"github.com/starford/multihop/internal/metrics"
	"github.com/starford/multihop/internal/pipeline"
	"github.com/starford/multihop/internal/sse"
	"github.com/starford/multihop/internal/watch"
)

func setup(opts []Option) (*application, *slog.Logger, error) {
	app := &application{out: os.Stdout}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return nil, nil, fmt.Errorf("config is required")
	}

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: app.config.App.LogLevel,
	}))
	slog.SetDefault(logger)
	metrics.Register()
	return app, logger, nil
}

// Run starts the HTTP API, the documents directory watcher and the event
// stream, and blocks until ctx is cancelled or a signal arrives.
func Run(ctx context.Context, opts ...Option) error {
	app, logger, err := setup(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("documents_path", cfg.Storage.DocumentsPath),
		slog.String("metadata_path", cfg.Storage.MetadataPath),
		slog.String("index_path", cfg.Storage.IndexPath),
		slog.String("embedding_provider", cfg.Embedding.Provider),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// SSE broker receives document events from the pipeline.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	c, err := build(cfg, logger, broker.PublishDocumentEvent)
	if err != nil {
		return err
	}
	defer c.Close()
	p := c.pipeline

	// Run initial sync.
	if _, err := p.ScanAndSync(ctx); err != nil {
		logger.Warn("initial sync failed", slog.String("error", err.Error()))
	}

	apiRouter := api.NewRouter(p, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		body := `{"status":"ok"}`
		if p.RebuildRequired() {
			body = `{"status":"degraded","reason":"index rebuild required"}`
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Watch the documents directory and resync on change.
	if cfg.Ingest.Watch {
		g.Go(func() error {
			err := watch.Watch(gCtx, c.files.Root(), c.files.Supported, watch.DefaultDebounce, logger, func(ctx context.Context) {
				if _, err := p.ScanAndSync(ctx); err != nil {
					logger.Warn("watcher: sync failed", slog.String("error", err.Error()))
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("watcher stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the group so the watcher stops with the server.
var errShutdown = errors.New("shutdown")

// RunMCP serves the MCP tools over stdio. Logs go to stderr, stdout
// carries the protocol.
func RunMCP(_ context.Context, opts ...Option) error {
	app, _, err := setup(opts)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: app.config.App.LogLevel}))
	slog.SetDefault(logger)

	c, err := build(app.config, logger, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	return mcpserver.New(c.pipeline).ServeStdio()
}

// RunRebuild rebuilds the vector index from the document store and
// prints progress.
func RunRebuild(ctx context.Context, opts ...Option) error {
	app, logger, err := setup(opts)
	if err != nil {
		return err
	}
	c, err := build(app.config, logger, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	var last pipeline.RebuildEvent
	for ev := range c.pipeline.RebuildIndex(ctx) {
		last = ev
		if ev.Terminal() {
			break
		}
		fmt.Fprintf(app.out, "%s %d/%d\n", ev.Stage, ev.Done, ev.Total)
	}
	if last.Err != nil {
		return fmt.Errorf("rebuild: %w", last.Err)
	}
	fmt.Fprintln(app.out, pipeline.StageCompleted)
	return nil
}

// RunAsk answers one question and prints it in the answer format, or as
// JSON with debug set.
func RunAsk(ctx context.Context, question string, debug bool, opts ...Option) error {
	app, logger, err := setup(opts)
	if err != nil {
		return err
	}
	c, err := build(app.config, logger, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	ans, err := c.pipeline.Ask(ctx, question, debug)
	if errors.Is(err, apperr.ErrNoDocuments) {
		fmt.Fprintln(app.out, pipeline.NoDocumentsGuidance)
		return nil
	}
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	if debug {
		enc := json.NewEncoder(app.out)
		enc.SetIndent("", "  ")
		return enc.Encode(ans)
	}
	_, err = fmt.Fprint(app.out, ans.Format())
	return err
}
