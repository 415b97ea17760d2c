// Command ingressd runs the smart-home event-ingress core: it accepts
// upstream webhooks (D), reconciles device state by polling (E), persists
// and archives every Event (A, B) through a bounded work queue (C), and
// streams them to subscribers over Server-Sent Events (F), fronted by a
// thin CRUD pass-through cached per browser tab (G). Startup/shutdown
// ordering follows the teacher's cmd/tarsy/main.go entrypoint shape.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/homecore/ingress/pkg/api"
	"github.com/homecore/ingress/pkg/backoff"
	"github.com/homecore/ingress/pkg/config"
	"github.com/homecore/ingress/pkg/eventlog"
	"github.com/homecore/ingress/pkg/eventstore"
	"github.com/homecore/ingress/pkg/ingest"
	"github.com/homecore/ingress/pkg/polling"
	"github.com/homecore/ingress/pkg/queue"
	"github.com/homecore/ingress/pkg/retention"
	"github.com/homecore/ingress/pkg/sessioncache"
	"github.com/homecore/ingress/pkg/sse"
	"github.com/homecore/ingress/pkg/upstream"
	"github.com/homecore/ingress/pkg/webhook"
)

func main() {
	envPath := flag.String("env-file", getEnv("ENV_FILE", ".env"), "path to a .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("no .env file loaded, continuing with process environment", "path", *envPath, "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}
	configureLogging(cfg)

	if err := run(cfg); err != nil {
		slog.Error("ingressd exited with error", "error", err)
		os.Exit(1)
	}
}

func configureLogging(cfg *config.Config) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	if err := os.MkdirAll(filepath.Dir(cfg.EventStorePath), 0o755); err != nil {
		return err
	}

	store, err := eventstore.Open(ctx, cfg.EventStorePath)
	if err != nil {
		return err
	}
	defer store.Close()
	slog.Info("event store opened", "path", cfg.EventStorePath)

	archive, err := eventlog.Open("./data/archive", cfg.EventLogMaxSizeBytes, cfg.EventLogCompress)
	if err != nil {
		return err
	}
	defer archive.Close()
	slog.Info("event archive opened")

	q := queue.New(queue.Config{
		Concurrency:    cfg.QueueConcurrency,
		MaxDepth:       cfg.QueueMaxDepth,
		MaxAttempts:    cfg.QueueMaxAttempts,
		HandlerTimeout: 30 * time.Second,
		Backoff:        backoff.Default,
	})
	broadcaster := sse.New(cfg.SSEHeartbeat(), cfg.SSEDataIncludesMetadata)
	ingest.RegisterHandler(q, store, archive, broadcaster)
	q.Start(ctx)
	slog.Info("queue started", "concurrency", cfg.QueueConcurrency, "max_depth", cfg.QueueMaxDepth)

	publisher := ingest.NewPublisher(q)

	// The concrete upstream device-platform client is out of scope for this
	// core (spec.md §1); FakeClient stands in so the reconciler and CRUD
	// pass-through have something to poll against at runtime.
	upstreamClient := upstream.NewFakeClient()

	reconciler := polling.New(upstreamClient, publisher, polling.Config{
		Interval:      cfg.PollInterval(),
		Capabilities:  cfg.PollCapabilities,
		BaselineTicks: cfg.PollBaselineTicks,
	})
	if cfg.AutoStartPolling {
		reconciler.Start(ctx)
		slog.Info("polling reconciler started", "interval", cfg.PollInterval())
	}

	retentionSvc := retention.New(store, archive, cfg.EventStoreRetention(), cfg.EventLogRetention(), time.Hour)
	retentionSvc.Start(ctx)

	cache := sessioncache.New(cfg.CacheTTL())
	webhookHandler := webhook.NewHandler(cfg, publisher, nil)

	gin.SetMode(gin.ReleaseMode)
	server := api.New(webhookHandler, broadcaster, reconciler, store, q, cache, upstreamClient)

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: server.Engine}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	shutdown(cfg, httpServer, reconciler, q, retentionSvc, broadcaster)
	return nil
}

// shutdown follows the order documented in SPEC_FULL.md: stop accepting
// connections, stop polling, drain the queue within its grace window, stop
// the retention sweep, then let deferred Close calls in run() release the
// archive and store.
func shutdown(cfg *config.Config, httpServer *http.Server, reconciler *polling.Reconciler, q *queue.Queue, retentionSvc *retention.Service, broadcaster *sse.Broadcaster) {
	grace := cfg.ShutdownGrace()
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	reconciler.Stop()
	q.Stop(grace)
	retentionSvc.Stop()
	// SSE sessions are not closed here: httpServer.Shutdown does not end
	// active streams, so it waits for them until the grace context expires,
	// and they end when the process exits.
	_ = broadcaster

	slog.Info("ingressd stopped")
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
