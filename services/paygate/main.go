package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gatewayauth "github.com/kellymusk/Aframp-backend/gateway/auth"
	"github.com/kellymusk/Aframp-backend/observability/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup("aframp-paygate", cfg.Environment)

	store, err := NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		logger.Error("open sqlite store", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	noncePersist, err := gatewayauth.NewSQLNoncePersistence(bootCtx, store.DB())
	if err != nil {
		bootCancel()
		logger.Error("init nonce persistence", "error", err)
		os.Exit(1)
	}
	auth := gatewayauth.NewAuthenticator(cfg.SecretsByKey(), cfg.AllowedTimestampSkew, cfg.NonceTTL, cfg.NonceCapacity, nil, noncePersist)
	if err := auth.Warm(bootCtx, time.Now().Add(-cfg.NonceTTL)); err != nil {
		logger.Warn("warm nonce cache", "error", err)
	}

	seeds, err := LoadWebhookSeeds(cfg.WebhookSeedPath)
	if err != nil {
		bootCancel()
		logger.Error("load webhook seeds", "path", cfg.WebhookSeedPath, "error", err)
		os.Exit(1)
	}
	if err := seedSubscriptions(bootCtx, store, seeds); err != nil {
		bootCancel()
		logger.Error("seed webhook subscriptions", "error", err)
		os.Exit(1)
	}
	bootCancel()

	node := NewRPCNodeClient(cfg.NodeURL, cfg.NodeAuthToken)
	queue := NewWebhookQueue(
		WithWebhookTaskCapacity(cfg.WebhookQueueCapacity),
		WithWebhookHistoryCapacity(cfg.WebhookHistorySize),
		WithWebhookTTL(cfg.WebhookQueueTTL),
	)
	provider := NewPaystackProvider(cfg.PaystackSecret, cfg.PaystackBaseURL, cfg.PaystackTimeout, cfg.PaystackMaxRetries)
	exporter := NewSettlementExporter(store, cfg.ReconOutputDir, logger)
	server := NewServer(cfg, auth, node, store, queue, provider, exporter, logger)

	runCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	watcher := NewEventWatcher(node, store, queue, logger)
	worker := NewWebhookWorker(store, queue, logger)
	go watcher.Run(runCtx)
	go worker.Run(runCtx)

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("paygate listening", "addr", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down paygate")
	stopWorkers()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

// seedSubscriptions registers endpoints from the seed file, skipping any
// (url, event type) pair that already exists so restarts stay idempotent.
func seedSubscriptions(ctx context.Context, store *SQLiteStore, seeds []WebhookSeed) error {
	now := time.Now().UTC()
	for _, seed := range seeds {
		for _, eventType := range seed.Events {
			existing, err := store.ListWebhooksForEvent(ctx, eventType)
			if err != nil {
				return err
			}
			duplicate := false
			for _, sub := range existing {
				if sub.URL == seed.URL {
					duplicate = true
					break
				}
			}
			if duplicate {
				continue
			}
			rateLimit := seed.RateLimit
			if rateLimit <= 0 {
				rateLimit = 60
			}
			if _, err := store.InsertWebhook(ctx, WebhookSubscription{
				EventType: eventType,
				URL:       seed.URL,
				Secret:    seed.Secret,
				RateLimit: rateLimit,
				Active:    true,
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}
